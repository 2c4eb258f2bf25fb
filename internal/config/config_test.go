package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HOME", tmpDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ChangesDir != "changes" {
		t.Errorf("expected default changes dir, got %q", cfg.ChangesDir)
	}
	if cfg.Port != 8099 {
		t.Errorf("expected default port 8099, got %d", cfg.Port)
	}
	if cfg.DebounceInterval != 100*time.Millisecond {
		t.Errorf("expected default debounce 100ms, got %s", cfg.DebounceInterval)
	}
	if cfg.DBPath == "" {
		t.Error("expected a default db path")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HOME", tmpDir)
	t.Setenv("CHECKSYNC_CHANGES_DIR", "/srv/changes")
	t.Setenv("CHECKSYNC_DB_PATH", "/srv/checksync.db")
	t.Setenv("CHECKSYNC_PORT", "9100")
	t.Setenv("CHECKSYNC_DEBOUNCE", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ChangesDir != "/srv/changes" {
		t.Errorf("changes dir override ignored: %q", cfg.ChangesDir)
	}
	if cfg.DBPath != "/srv/checksync.db" {
		t.Errorf("db path override ignored: %q", cfg.DBPath)
	}
	if cfg.Port != 9100 {
		t.Errorf("port override ignored: %d", cfg.Port)
	}
	if cfg.DebounceInterval != 250*time.Millisecond {
		t.Errorf("debounce override ignored: %s", cfg.DebounceInterval)
	}
}

func TestLoad_YAMLConfig(t *testing.T) {
	tmpDir := t.TempDir()
	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HOME", tmpDir)

	confDir := filepath.Join(tmpDir, ".config", "checksync")
	if err := os.MkdirAll(confDir, 0755); err != nil {
		t.Fatal(err)
	}
	yaml := "changes_dir: /data/changes\nport: 9200\nlog_max_backups: 7\n"
	if err := os.WriteFile(filepath.Join(confDir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ChangesDir != "/data/changes" {
		t.Errorf("yaml changes dir ignored: %q", cfg.ChangesDir)
	}
	if cfg.Port != 9200 {
		t.Errorf("yaml port ignored: %d", cfg.Port)
	}
	if cfg.LogMaxBackups != 7 {
		t.Errorf("yaml log_max_backups ignored: %d", cfg.LogMaxBackups)
	}
}

func TestLoad_EnvBeatsYAML(t *testing.T) {
	tmpDir := t.TempDir()
	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HOME", tmpDir)
	t.Setenv("CHECKSYNC_PORT", "9300")

	confDir := filepath.Join(tmpDir, ".config", "checksync")
	if err := os.MkdirAll(confDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(confDir, "config.yaml"), []byte("port: 9200\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 9300 {
		t.Errorf("env should beat yaml, got %d", cfg.Port)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	for _, bad := range []string{"abc", "0", "70000"} {
		t.Setenv("CHECKSYNC_PORT", bad)
		if _, err := Load(); err == nil {
			t.Errorf("expected error for port %q", bad)
		}
	}
}

func TestLoad_InvalidDebounce(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("CHECKSYNC_DEBOUNCE", "soon")

	if _, err := Load(); err == nil {
		t.Error("expected error for unparsable debounce")
	}
}

func TestFindEnvLocal_InCurrentDir(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env.local")
	if err := os.WriteFile(envPath, []byte("TEST=value"), 0644); err != nil {
		t.Fatal(err)
	}

	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}

	if result := findEnvLocal(); result == "" {
		t.Error("expected to find .env.local in current directory")
	}
}

func TestFindEnvLocal_ClosestWins(t *testing.T) {
	tmpDir := t.TempDir()
	parentDir := filepath.Join(tmpDir, "parent")
	childDir := filepath.Join(parentDir, "child")
	if err := os.MkdirAll(childDir, 0755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, ".env.local"), []byte("TEST=outer"), 0644); err != nil {
		t.Fatal(err)
	}
	parentEnvPath := filepath.Join(parentDir, ".env.local")
	if err := os.WriteFile(parentEnvPath, []byte("TEST=inner"), 0644); err != nil {
		t.Fatal(err)
	}

	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(childDir); err != nil {
		t.Fatal(err)
	}

	result := findEnvLocal()
	// Resolve symlinks for comparison (macOS /var -> /private/var)
	expectedResolved, _ := filepath.EvalSymlinks(parentEnvPath)
	resultResolved, _ := filepath.EvalSymlinks(result)
	if resultResolved != expectedResolved {
		t.Errorf("expected closest .env.local (%s), got %s", expectedResolved, resultResolved)
	}
}

func TestFindEnvLocal_NotFound(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	oldCwd, _ := os.Getwd()
	defer os.Chdir(oldCwd)
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}

	if result := findEnvLocal(); result != "" {
		t.Errorf("expected empty string when no .env.local found, got %s", result)
	}
}

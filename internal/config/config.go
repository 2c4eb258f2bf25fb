package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	ChangesDir       string        `yaml:"changes_dir"`
	DBPath           string        `yaml:"db_path"`
	Port             int           `yaml:"port"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	LogFile          string        `yaml:"log_file"`
	LogMaxSizeMB     int           `yaml:"log_max_size_mb"`
	LogMaxBackups    int           `yaml:"log_max_backups"`
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables (CHECKSYNC_*)
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/checksync/config.yaml (YAML)
// 4. Built-in defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:             8099,
		DebounceInterval: 100 * time.Millisecond,
		LogMaxSizeMB:     10,
		LogMaxBackups:    3,
	}

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// YAML config is optional
	_ = loadYAMLConfig(cfg)

	// Override with environment variables
	if changesDir := os.Getenv("CHECKSYNC_CHANGES_DIR"); changesDir != "" {
		cfg.ChangesDir = changesDir
	}
	if dbPath := os.Getenv("CHECKSYNC_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if port := os.Getenv("CHECKSYNC_PORT"); port != "" {
		p, err := parsePort(port)
		if err != nil {
			return nil, err
		}
		cfg.Port = p
	}
	if debounce := os.Getenv("CHECKSYNC_DEBOUNCE"); debounce != "" {
		d, err := time.ParseDuration(debounce)
		if err != nil {
			return nil, fmt.Errorf("invalid CHECKSYNC_DEBOUNCE: %w", err)
		}
		cfg.DebounceInterval = d
	}
	if logFile := os.Getenv("CHECKSYNC_LOG_FILE"); logFile != "" {
		cfg.LogFile = logFile
	}

	// Set defaults if not configured
	if cfg.ChangesDir == "" {
		cfg.ChangesDir = "changes"
	}
	if cfg.DBPath == "" {
		// Check for project-local database first
		if _, err := os.Stat(".checksync/checksync.db"); err == nil {
			cfg.DBPath = ".checksync/checksync.db"
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			cfg.DBPath = filepath.Join(homeDir, ".local", "share", "checksync", "checksync.db")
		}
	}
	if cfg.DebounceInterval <= 0 {
		return nil, fmt.Errorf("debounce_interval must be positive, got %s", cfg.DebounceInterval)
	}

	return cfg, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid CHECKSYNC_PORT %q: %w", s, err)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid CHECKSYNC_PORT %d: out of range", p)
	}
	return p, nil
}

// loadYAMLConfig loads configuration from ~/.config/checksync/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(homeDir, ".config", "checksync", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		if dir == homeDir {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}

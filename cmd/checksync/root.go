package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/checksync/internal/config"
	"github.com/mschirtzinger/checksync/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "checksync",
	Short: "Keep markdown checklists and a task database in sync",
	Long: `checksync synchronizes markdown checklist files with a local SQLite
database, in both directions.

Each change proposal lives in one markdown file under the changes
directory. Section headings group tasks, and each "- [ ]" line is a
task whose checkbox state is mirrored into the database. Toggling a
task through the CLI updates the database and rewrites just that
checkbox line in the file; editing the file externally updates the
database on the next sync. Connected WebSocket clients receive a push
notification for every completion change.

Configuration is read from CHECKSYNC_* environment variables, an
.env.local file, or ~/.config/checksync/config.yaml.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization Commands:"},
		&cobra.Group{ID: "query", Title: "Query Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
	)

	rootCmd.PersistentFlags().String("dir", "", "Changes directory (overrides config)")
	rootCmd.PersistentFlags().String("db", "", "Database path (overrides config)")
}

// loadConfig resolves configuration and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.ChangesDir = dir
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}
	return cfg, nil
}

// openStore opens the database and ensures the schema exists.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return st, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

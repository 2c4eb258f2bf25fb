package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/checksync/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "One-shot full sync of the changes directory",
	Long: `Reconcile every checklist file in the changes directory with the
database, then archive database changes whose files no longer exist.

This is the same reconciliation the daemon performs at startup. Use it
for scripted updates or when the daemon is not running.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fatalf("failed to load config: %v", err)
		}

		st, err := openStore(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		eng := engine.New(st, nil, cfg.ChangesDir, &engine.Config{
			Logger: log.New(io.Discard, "", 0),
		})
		defer eng.Stop()

		start := time.Now()
		stats, err := eng.FullSync(context.Background())
		if err != nil {
			fatalf("sync failed: %v", err)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Synced:   %d\n", stats.Synced)
		fmt.Printf("   Archived: %d\n", stats.Archived)
		if stats.Failed > 0 {
			fmt.Printf("   Failed:   %d\n", stats.Failed)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

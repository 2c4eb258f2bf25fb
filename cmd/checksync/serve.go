package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/checksync/internal/engine"
	"github.com/mschirtzinger/checksync/internal/notify"
	"github.com/mschirtzinger/checksync/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the synchronization daemon",
	Long: `Run the synchronization daemon: watch the changes directory, keep the
database in sync, and push notifications to WebSocket clients.

On startup the daemon performs a full sync so the database matches the
directory, then reacts to file events. Rapid bursts of writes to the
same file settle into one sync cycle. The daemon recognizes its own
write-backs and does not loop on them.

Notification messages are JSON objects:
  {"change_id": "...", "task_id": "...", "completed": true, "source": "file"}

where source is "file" for external edits and "toggle" for CLI or API
toggles.

Example usage:
  checksync serve                   # Defaults from config
  checksync serve --port 9000       # Custom WebSocket port

Connect with a WebSocket client:
  ws://localhost:8099/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fatalf("failed to load config: %v", err)
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Port = port
		}

		var logOut io.Writer = os.Stderr
		if cfg.LogFile != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.LogMaxSizeMB,
				MaxBackups: cfg.LogMaxBackups,
			}
		}
		logger := log.New(logOut, "[serve] ", log.LstdFlags)

		st, err := openStore(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		broadcaster := notify.NewBroadcaster(log.New(logOut, "[notify] ", log.LstdFlags))
		server := notify.NewServer(broadcaster, &notify.ServerConfig{
			Port:   cfg.Port,
			Logger: log.New(logOut, "[ws] ", log.LstdFlags),
		})
		if err := server.Start(); err != nil {
			fatalf("failed to start notification server: %v", err)
		}
		defer server.Stop()

		eng := engine.New(st, broadcaster, cfg.ChangesDir, &engine.Config{
			Logger: log.New(logOut, "[engine] ", log.LstdFlags),
		})
		defer eng.Stop()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		stats, err := eng.FullSync(ctx)
		if err != nil {
			fatalf("initial sync failed: %v", err)
		}
		logger.Printf("Initial sync: %d synced, %d archived, %d failed",
			stats.Synced, stats.Archived, stats.Failed)

		w, err := watcher.NewWithConfig(cfg.ChangesDir, &watcher.Config{
			SettleInterval: cfg.DebounceInterval,
			Logger:         log.New(logOut, "[watcher] ", log.LstdFlags),
		})
		if err != nil {
			fatalf("failed to create watcher: %v", err)
		}
		if err := w.Start(); err != nil {
			fatalf("failed to start watcher: %v", err)
		}
		defer w.Stop()

		fmt.Printf("Watching %s\n", cfg.ChangesDir)
		fmt.Printf("Database: %s\n", cfg.DBPath)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", cfg.Port)
		fmt.Printf("Health check: http://localhost:%d/health\n", cfg.Port)
		fmt.Println("\nPress Ctrl+C to stop...")

		for {
			select {
			case event, ok := <-w.Events():
				if !ok {
					return
				}
				if err := eng.SyncFile(ctx, event.Path); err != nil {
					if engine.IsRetryable(err) {
						logger.Printf("Warning: sync of %s failed, will retry on next event: %v",
							event.ChangeID, err)
					} else {
						logger.Printf("Error: sync of %s failed: %v", event.ChangeID, err)
					}
				}
			case err, ok := <-w.Errors():
				if !ok {
					return
				}
				logger.Printf("Watcher error: %v", err)
			case <-ctx.Done():
				fmt.Println("\nShutting down...")
				return
			}
		}
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "WebSocket port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/checksync/internal/engine"
)

var toggleCmd = &cobra.Command{
	Use:     "toggle <change-id> <task-id>",
	GroupID: "sync",
	Short:   "Flip a task's checkbox",
	Long: `Set a task's completion flag in the database and rewrite its checkbox
line in the checklist file. Only the marker changes; every other byte
of the file is preserved.

By default the task is checked; use --off to clear it.

If the file rewrite fails, the database still holds the new value and
the file is brought up to date on the next sync cycle; the command
exits non-zero so scripts can tell the toggle is not fully applied yet.

Example usage:
  checksync toggle add-auth add-auth:2
  checksync toggle add-auth add-auth:2 --off`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fatalf("failed to load config: %v", err)
		}
		changeID, taskID := args[0], args[1]
		off, _ := cmd.Flags().GetBool("off")

		st, err := openStore(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		eng := engine.New(st, nil, cfg.ChangesDir, &engine.Config{
			Logger: log.New(io.Discard, "", 0),
		})
		defer eng.Stop()

		task, err := eng.ToggleTask(context.Background(), changeID, taskID, !off)
		if errors.Is(err, engine.ErrNotFound) {
			fatalf("task %q not found in change %q", taskID, changeID)
		}
		if errors.Is(err, engine.ErrWriteBackFailed) {
			fmt.Fprintf(os.Stderr, "Database updated, but the file rewrite failed: %v\n", err)
			fmt.Fprintln(os.Stderr, "The file will be brought up to date on the next sync.")
			os.Exit(1)
		}
		if err != nil {
			fatalf("toggle failed: %v", err)
		}

		marker := "x"
		if off {
			marker = " "
		}
		fmt.Printf("[%s] %s (%s)\n", marker, task.Title, task.ID)
	},
}

func init() {
	toggleCmd.Flags().Bool("off", false, "Clear the checkbox instead of setting it")
	rootCmd.AddCommand(toggleCmd)
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/checksync/internal/export"
)

var exportCmd = &cobra.Command{
	Use:     "export <output.jsonl>",
	GroupID: "data",
	Short:   "Export all changes to a JSONL snapshot",
	Long: `Write every change in the database to a JSONL file, one JSON object
per line. The snapshot carries titles, statuses, groups, and checkbox
state and can rebuild a database with 'checksync import'.`,
	Args: cobra.ExactArgs(1),
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

		count, err := export.ToJSONL(context.Background(), st, args[0])
		if err != nil {
			fatalf("export failed: %v", err)
		}
		fmt.Printf("Exported %d changes to %s\n", count, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import <input.jsonl>",
	GroupID: "data",
	Short:   "Import changes from a JSONL snapshot",
	Long: `Replay a JSONL snapshot into the database. Existing changes with the
same id are replaced.

With --regenerate, checklist files for active changes are rewritten in
canonical form under the changes directory. Use --dry-run to preview
without touching anything.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fatalf("failed to load config: %v", err)
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		regenerate, _ := cmd.Flags().GetBool("regenerate")

		st, err := openStore(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		opts := export.ImportOptions{
			FromJSONL: args[0],
			DryRun:    dryRun,
		}
		if regenerate {
			opts.ChangesDir = cfg.ChangesDir
		}

		result, err := export.Import(context.Background(), st, opts)
		if err != nil {
			fatalf("import failed: %v", err)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %d changes", verb, result.ChangesImported)
		if regenerate {
			fmt.Printf(", %d checklist files", result.FilesWritten)
		}
		fmt.Println()
		for _, e := range result.Errors {
			fmt.Printf("   Warning: %s\n", e)
		}
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Preview without writing")
	importCmd.Flags().Bool("regenerate", false, "Rewrite checklist files for active changes")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

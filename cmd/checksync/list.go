package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/checksync/internal/model"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "query",
	Short:   "List known changes",
	Long: `List every change in the database with its status.

Archived changes (file removed) are included; filter them out with
--active.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fatalf("failed to load config: %v", err)
		}
		activeOnly, _ := cmd.Flags().GetBool("active")

		st, err := openStore(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		changes, err := st.ListChanges()
		if err != nil {
			fatalf("failed to list changes: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS")
		shown := 0
		for _, c := range changes {
			if activeOnly && c.Status != model.StatusActive {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, c.Status)
			shown++
		}
		w.Flush()

		if shown == 0 {
			fmt.Println("\nNo changes found. Run 'checksync sync' to import checklist files.")
		}
	},
}

func init() {
	listCmd.Flags().Bool("active", false, "Show only active changes")
	rootCmd.AddCommand(listCmd)
}

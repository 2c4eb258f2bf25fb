package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/checksync/internal/store"
)

var tasksCmd = &cobra.Command{
	Use:     "tasks <change-id>",
	GroupID: "query",
	Short:   "Show the tasks of one change",
	Long: `Print the task groups of a change with checkbox state and task ids.

Task ids are positional ("<change-id>:<n>") and feed the toggle command.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fatalf("failed to load config: %v", err)
		}
		changeID := args[0]

		st, err := openStore(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()

		c, err := st.GetChange(changeID)
		if errors.Is(err, store.ErrNotFound) {
			fatalf("change %q not found", changeID)
		}
		if err != nil {
			fatalf("failed to load change: %v", err)
		}

		fmt.Printf("%s (%s)\n", c.Title, c.Status)
		for _, g := range c.Groups {
			fmt.Printf("\n## %s\n", g.Title)
			for _, t := range g.Tasks {
				marker := " "
				if t.Completed {
					marker = "x"
				}
				fmt.Printf("  [%s] %-40s %s\n", marker, t.Title, t.ID)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}

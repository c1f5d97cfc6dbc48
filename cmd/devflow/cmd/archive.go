package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

var archiveCmd = &cobra.Command{
	Use:   "archive <workflow-id>",
	Short: "Archive a terminal workflow",
	Long:  `Marks a completed, failed or cancelled workflow as archived and deletes its phase and event history.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		id := core.WorkflowID(args[0])
		if err := a.engine.Archive(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Workflow %s archived\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(archiveCmd)
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

var (
	listState string
	listKind  string
	listLimit int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		filter := core.Filter{Limit: listLimit}
		if listState != "" {
			filter.States = []core.WorkflowState{core.WorkflowState(listState)}
		}
		if listKind != "" {
			filter.Kinds = []core.WorkflowKind{core.WorkflowKind(listKind)}
		}

		workflows, err := a.engine.List(context.Background(), filter)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tKIND\tSTATE\tCOST\tCREATED")
		for _, w := range workflows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t$%.4f\t%s\n",
				w.ID, w.Name, w.Kind, w.State, w.CostUSD,
				w.CreatedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

func init() {
	listCmd.Flags().StringVar(&listState, "state", "", "filter by state")
	listCmd.Flags().StringVar(&listKind, "kind", "", "filter by kind")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows")
	rootCmd.AddCommand(listCmd)
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

var (
	runName     string
	runKind     string
	runTask     string
	runTags     []string
	runIssueRef string
	runModelSet string
	runBudget   float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create and run one workflow to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		spec := core.Spec{
			Name:            runName,
			Kind:            core.WorkflowKind(runKind),
			TaskDescription: runTask,
			Tags:            runTags,
			IssueRef:        runIssueRef,
			ModelSet:        core.ModelSet(runModelSet),
		}
		if runBudget > 0 {
			spec.BudgetUSD = &runBudget
		} else if cfg.Budgets.DefaultUSD > 0 {
			budget := cfg.Budgets.DefaultUSD
			spec.BudgetUSD = &budget
		}

		id, err := a.engine.Create(ctx, spec)
		if err != nil {
			return err
		}
		fmt.Printf("Workflow %s created\n", id)

		if err := a.engine.Start(ctx, id); err != nil {
			return err
		}

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := a.engine.Cancel(context.Background(), id, "interrupted by operator"); err != nil {
					logger.Error("cancelling workflow", "workflow_id", id, "error", err)
				}
				return fmt.Errorf("interrupted")
			case <-ticker.C:
			}

			w, err := a.engine.Get(ctx, id)
			if err != nil {
				return err
			}
			if !w.IsTerminal() {
				continue
			}

			fmt.Printf("Workflow %s finished: %s (cost $%.4f, %d tokens)\n",
				id, w.State, w.CostUSD, w.TotalTokens)
			if w.ErrorMessage != "" {
				fmt.Printf("Error: %s\n", w.ErrorMessage)
			}
			if w.State != core.WorkflowStateCompleted {
				return fmt.Errorf("workflow %s", w.State)
			}
			return nil
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&runName, "name", "", "workflow name (required)")
	runCmd.Flags().StringVar(&runKind, "kind", "standard", "workflow kind (standard|tdd|plan-only|test-only|review-only)")
	runCmd.Flags().StringVar(&runTask, "task", "", "task description (required)")
	runCmd.Flags().StringSliceVar(&runTags, "tag", nil, "workflow tags")
	runCmd.Flags().StringVar(&runIssueRef, "issue", "", "issue reference")
	runCmd.Flags().StringVar(&runModelSet, "model-set", "", "model tier (base|fast|powerful)")
	runCmd.Flags().Float64Var(&runBudget, "budget", 0, "budget in USD")
	_ = runCmd.MarkFlagRequired("name")
	_ = runCmd.MarkFlagRequired("task")
	rootCmd.AddCommand(runCmd)
}

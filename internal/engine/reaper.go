package engine

import (
	"context"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

// RunReaper periodically marks running workflows whose last_activity_at is
// older than the stuck threshold. It blocks until ctx is cancelled.
func (e *Engine) RunReaper(ctx context.Context) {
	interval := e.opts.StuckThreshold / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.reapStuck(ctx); err != nil {
				e.logger.Error("stuck reaper pass failed", "error", err)
			}
		}
	}
}

// reapStuck performs one reaper pass.
func (e *Engine) reapStuck(ctx context.Context) error {
	running, err := e.store.ListWorkflows(ctx, core.Filter{
		States: []core.WorkflowState{core.WorkflowStateRunning},
	})
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-e.opts.StuckThreshold)
	for _, w := range running {
		if !w.LastActivityAt.Before(cutoff) {
			continue
		}
		if _, err := e.transition(ctx, w.ID, core.WorkflowStateRunning, core.WorkflowStateStuck, nil); err != nil {
			// A concurrent transition beat us; the workflow is no longer
			// running and no longer stuck.
			if core.IsCategory(err, core.ErrCatState) {
				continue
			}
			return err
		}
		e.logger.Warn("workflow marked stuck",
			"workflow_id", w.ID, "last_activity_at", w.LastActivityAt)
	}
	return nil
}

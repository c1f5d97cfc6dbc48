package engine

import (
	"context"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/events"
)

// Recover scans for workflows left running by a previous process. Their
// running phases are marked failed with error_message=interrupted, the
// workflow moves to paused and a resume_required event is raised so an
// operator or auto-resume policy can re-drive it.
func (e *Engine) Recover(ctx context.Context) error {
	interrupted, err := e.store.ListWorkflows(ctx, core.Filter{
		States: []core.WorkflowState{core.WorkflowStateRunning},
	})
	if err != nil {
		return err
	}

	for _, w := range interrupted {
		var interruptedPhase core.PhaseName
		phases, err := e.store.ListPhases(ctx, w.ID)
		if err != nil {
			return err
		}
		for _, p := range phases {
			if p.State != core.PhaseStateRunning {
				continue
			}
			now := time.Now().UTC()
			p.State = core.PhaseStateFailed
			p.ErrorMessage = "interrupted"
			p.CompletedAt = &now
			if p.StartedAt != nil {
				d := now.Sub(*p.StartedAt).Seconds()
				p.DurationSeconds = &d
			}
			if err := e.store.UpdatePhase(ctx, p); err != nil {
				return err
			}
			interruptedPhase = p.Name
		}

		if _, err := e.transition(ctx, w.ID, core.WorkflowStateRunning, core.WorkflowStatePaused, nil); err != nil {
			return err
		}
		e.emit(ctx, events.NewResumeRequired(w.ID, interruptedPhase))
		e.logger.Warn("workflow interrupted by restart",
			"workflow_id", w.ID, "phase", interruptedPhase)
	}
	return nil
}

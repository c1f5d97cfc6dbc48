// Package events provides the in-process event bus for the orchestrator.
// Dispatch is copy-on-write: the subscriber set is snapshotted under a single
// lock and handlers run outside it, so subscribing during a publish is safe.
package events

import (
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

// Closed vocabulary of event types.
const (
	TypeWorkflowCreated      = "workflow_created"
	TypeWorkflowStateChanged = "workflow_state_changed"
	TypePhaseStarted         = "phase_started"
	TypePhaseCompleted       = "phase_completed"
	TypePhaseFailed          = "phase_failed"
	TypeWorkflowPaused       = "workflow_paused"
	TypeWorkflowResumed      = "workflow_resumed"
	TypeWorkflowCancelled    = "workflow_cancelled"
	TypeWorkflowArchived     = "workflow_archived"
	TypeResourceAllocated    = "resource_allocated"
	TypeResourceReleased     = "resource_released"
	TypeErrorOccurred        = "error_occurred"
	TypeResumeRequired       = "resume_required"
	TypeBudgetWarning        = "budget_warning"
)

// KnownType reports whether t belongs to the closed event vocabulary.
func KnownType(t string) bool {
	switch t {
	case TypeWorkflowCreated, TypeWorkflowStateChanged, TypePhaseStarted,
		TypePhaseCompleted, TypePhaseFailed, TypeWorkflowPaused,
		TypeWorkflowResumed, TypeWorkflowCancelled, TypeWorkflowArchived,
		TypeResourceAllocated, TypeResourceReleased, TypeErrorOccurred,
		TypeResumeRequired, TypeBudgetWarning:
		return true
	}
	return false
}

// Event is the runtime payload dispatched through the bus. The persisted
// form is core.EventRecord; the engine appends the record before publishing
// so a subscriber can always read the resulting row.
type Event struct {
	Type       string              `json:"type"`
	Severity   core.Severity       `json:"severity"`
	WorkflowID core.WorkflowID     `json:"workflow_id"`
	PhaseName  core.PhaseName      `json:"phase_name,omitempty"`
	FromState  core.WorkflowState  `json:"from_state,omitempty"`
	ToState    core.WorkflowState  `json:"to_state,omitempty"`
	Message    string              `json:"message,omitempty"`
	Metadata   map[string]string   `json:"metadata,omitempty"`
	Time       time.Time           `json:"timestamp"`
}

// Record converts the event to its persistable form.
func (e Event) Record() *core.EventRecord {
	return &core.EventRecord{
		WorkflowID: e.WorkflowID,
		EventType:  e.Type,
		Severity:   e.Severity,
		PhaseName:  e.PhaseName,
		FromState:  e.FromState,
		ToState:    e.ToState,
		Message:    e.Message,
		Metadata:   e.Metadata,
		CreatedAt:  e.Time,
	}
}

func newEvent(eventType string, severity core.Severity, workflowID core.WorkflowID) Event {
	return Event{
		Type:       eventType,
		Severity:   severity,
		WorkflowID: workflowID,
		Time:       time.Now().UTC(),
	}
}

// NewWorkflowCreated is emitted after a workflow row is committed.
func NewWorkflowCreated(id core.WorkflowID, name string, kind core.WorkflowKind) Event {
	e := newEvent(TypeWorkflowCreated, core.SeverityInfo, id)
	e.Message = fmt.Sprintf("workflow %s created", name)
	e.Metadata = map[string]string{"name": name, "kind": string(kind)}
	return e
}

// NewWorkflowStateChanged is emitted after every committed state transition.
func NewWorkflowStateChanged(id core.WorkflowID, from, to core.WorkflowState) Event {
	e := newEvent(TypeWorkflowStateChanged, core.SeverityInfo, id)
	e.FromState = from
	e.ToState = to
	e.Message = fmt.Sprintf("%s -> %s", from, to)
	return e
}

// NewPhaseStarted is emitted when a phase attempt begins running.
func NewPhaseStarted(id core.WorkflowID, phase core.PhaseName, attempt int) Event {
	e := newEvent(TypePhaseStarted, core.SeverityInfo, id)
	e.PhaseName = phase
	e.Metadata = map[string]string{"attempt": fmt.Sprintf("%d", attempt)}
	return e
}

// NewPhaseCompleted is emitted when a phase attempt completes.
func NewPhaseCompleted(id core.WorkflowID, phase core.PhaseName, attempt int, durationSecs float64) Event {
	e := newEvent(TypePhaseCompleted, core.SeverityInfo, id)
	e.PhaseName = phase
	e.Metadata = map[string]string{
		"attempt":          fmt.Sprintf("%d", attempt),
		"duration_seconds": fmt.Sprintf("%.3f", durationSecs),
	}
	return e
}

// NewPhaseFailed is emitted when a phase attempt fails.
func NewPhaseFailed(id core.WorkflowID, phase core.PhaseName, attempt int, errMsg string) Event {
	e := newEvent(TypePhaseFailed, core.SeverityError, id)
	e.PhaseName = phase
	e.Message = errMsg
	e.Metadata = map[string]string{"attempt": fmt.Sprintf("%d", attempt)}
	return e
}

// NewWorkflowPaused is emitted when a workflow pauses at a phase boundary.
func NewWorkflowPaused(id core.WorkflowID, phase core.PhaseName) Event {
	e := newEvent(TypeWorkflowPaused, core.SeverityInfo, id)
	e.PhaseName = phase
	return e
}

// NewWorkflowResumed is emitted when a paused workflow resumes.
func NewWorkflowResumed(id core.WorkflowID, phase core.PhaseName) Event {
	e := newEvent(TypeWorkflowResumed, core.SeverityInfo, id)
	e.PhaseName = phase
	return e
}

// NewWorkflowCancelled is emitted when cancellation finalizes.
func NewWorkflowCancelled(id core.WorkflowID, reason string) Event {
	e := newEvent(TypeWorkflowCancelled, core.SeverityWarn, id)
	e.Message = reason
	return e
}

// NewWorkflowArchived is emitted when a workflow is archived.
func NewWorkflowArchived(id core.WorkflowID) Event {
	return newEvent(TypeWorkflowArchived, core.SeverityInfo, id)
}

// NewResourceAllocated is emitted when a port is bound to a workflow.
func NewResourceAllocated(id core.WorkflowID, pool string, port int) Event {
	e := newEvent(TypeResourceAllocated, core.SeverityInfo, id)
	e.Metadata = map[string]string{"pool": pool, "port": fmt.Sprintf("%d", port)}
	return e
}

// NewResourceReleased is emitted when a port allocation is released.
func NewResourceReleased(id core.WorkflowID, pool string, port int) Event {
	e := newEvent(TypeResourceReleased, core.SeverityInfo, id)
	e.Metadata = map[string]string{"pool": pool, "port": fmt.Sprintf("%d", port)}
	return e
}

// NewErrorOccurred is emitted for internal invariant violations.
func NewErrorOccurred(id core.WorkflowID, message string) Event {
	e := newEvent(TypeErrorOccurred, core.SeverityError, id)
	e.Message = message
	return e
}

// NewBudgetWarning is emitted once when spend crosses 80% of the budget.
func NewBudgetWarning(id core.WorkflowID, spent, budget float64) Event {
	e := newEvent(TypeBudgetWarning, core.SeverityWarn, id)
	e.Message = fmt.Sprintf("spent $%.4f of $%.2f budget", spent, budget)
	e.Metadata = map[string]string{
		"cost_usd":   fmt.Sprintf("%.4f", spent),
		"budget_usd": fmt.Sprintf("%.2f", budget),
	}
	return e
}

// NewResumeRequired is emitted by crash recovery for interrupted workflows.
func NewResumeRequired(id core.WorkflowID, phase core.PhaseName) Event {
	e := newEvent(TypeResumeRequired, core.SeverityWarn, id)
	e.PhaseName = phase
	e.Message = "workflow interrupted, resume required"
	return e
}

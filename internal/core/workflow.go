package core

import (
	"fmt"
	"time"
)

// WorkflowID uniquely identifies a workflow run.
type WorkflowID string

// WorkflowKind selects the phase plan a workflow executes.
type WorkflowKind string

const (
	KindStandard   WorkflowKind = "standard"
	KindTDD        WorkflowKind = "tdd"
	KindPlanOnly   WorkflowKind = "plan-only"
	KindTestOnly   WorkflowKind = "test-only"
	KindReviewOnly WorkflowKind = "review-only"
)

// WorkflowState represents the current lifecycle state of a workflow.
type WorkflowState string

const (
	WorkflowStateCreated     WorkflowState = "created"
	WorkflowStateInitialized WorkflowState = "initialized"
	WorkflowStateRunning     WorkflowState = "running"
	WorkflowStatePaused      WorkflowState = "paused"
	WorkflowStateCompleted   WorkflowState = "completed"
	WorkflowStateFailed      WorkflowState = "failed"
	WorkflowStateCancelled   WorkflowState = "cancelled"
	WorkflowStateStuck       WorkflowState = "stuck"
	WorkflowStateArchived    WorkflowState = "archived"
)

// ModelSet selects the model tier used for routing.
type ModelSet string

const (
	ModelSetBase     ModelSet = "base"
	ModelSetFast     ModelSet = "fast"
	ModelSetPowerful ModelSet = "powerful"
)

// IssueClass categorizes the originating issue.
type IssueClass string

const (
	IssueClassFeature  IssueClass = "feature"
	IssueClassBug      IssueClass = "bug"
	IssueClassTest     IssueClass = "test"
	IssueClassRefactor IssueClass = "refactor"
	IssueClassDocs     IssueClass = "docs"
	IssueClassChore    IssueClass = "chore"
)

// Port pool boundaries. Allocations outside these ranges are rejected by
// both the allocator and the database CHECK constraints.
const (
	BackendPortMin  = 9100
	BackendPortMax  = 9199
	FrontendPortMin = 9200
	FrontendPortMax = 9299
)

// legalTransitions is the workflow state machine. Any transition not listed
// here is rejected with an invalid_transition error.
var legalTransitions = map[WorkflowState][]WorkflowState{
	WorkflowStateCreated:     {WorkflowStateInitialized, WorkflowStateRunning},
	WorkflowStateInitialized: {WorkflowStateRunning},
	WorkflowStateRunning:     {WorkflowStateCompleted, WorkflowStateFailed, WorkflowStateCancelled, WorkflowStatePaused, WorkflowStateStuck},
	WorkflowStatePaused:      {WorkflowStateRunning, WorkflowStateCancelled},
	WorkflowStateStuck:       {WorkflowStateRunning, WorkflowStateFailed, WorkflowStateCancelled},
	WorkflowStateCompleted:   {WorkflowStateArchived},
	WorkflowStateFailed:      {WorkflowStateArchived},
	WorkflowStateCancelled:   {WorkflowStateArchived},
}

// CanTransition reports whether from -> to is a legal workflow transition.
func CanTransition(from, to WorkflowState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalState reports whether s is terminal (archivable).
func IsTerminalState(s WorkflowState) bool {
	return s == WorkflowStateCompleted || s == WorkflowStateFailed || s == WorkflowStateCancelled
}

// Workflow is the top-level unit of orchestration. The state store is the
// single owner of workflow rows; components pass WorkflowIDs around.
type Workflow struct {
	ID   WorkflowID
	Name string
	Kind WorkflowKind

	State WorkflowState

	TaskDescription string

	CreatedAt      time.Time
	StartedAt      *time.Time
	LastActivityAt time.Time
	CompletedAt    *time.Time
	ArchivedAt     *time.Time

	IssueRef     string
	Branch       string
	BaseBranch   string
	WorktreePath string

	Tags     []string
	Metadata map[string]string

	ExitCode     *int
	ErrorMessage string
	RetryCount   int

	CostUSD     float64
	TotalTokens int
	PhaseCount  int

	BackendPort  *int
	FrontendPort *int
	IssueClass   IssueClass
	ModelSet     ModelSet

	BudgetUSD *float64
}

// Spec carries the caller-supplied parameters for workflow creation.
type Spec struct {
	Name            string
	Kind            WorkflowKind
	TaskDescription string
	Tags            []string
	Metadata        map[string]string
	IssueRef        string
	IssueClass      IssueClass
	BaseBranch      string
	ModelSet        ModelSet
	BudgetUSD       *float64
}

// Validate checks caller-supplied invariants before a workflow is created.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return ErrValidation("WORKFLOW_NAME_REQUIRED", "workflow name cannot be empty")
	}
	if s.TaskDescription == "" {
		return ErrValidation("TASK_DESCRIPTION_REQUIRED", "task description cannot be empty")
	}
	switch s.Kind {
	case KindStandard, KindTDD, KindPlanOnly, KindTestOnly, KindReviewOnly:
	default:
		return ErrValidation("INVALID_KIND", fmt.Sprintf("unknown workflow kind %q", s.Kind))
	}
	switch s.ModelSet {
	case "", ModelSetBase, ModelSetFast, ModelSetPowerful:
	default:
		return ErrValidation("INVALID_MODEL_SET", fmt.Sprintf("unknown model set %q", s.ModelSet))
	}
	if s.IssueClass != "" {
		switch s.IssueClass {
		case IssueClassFeature, IssueClassBug, IssueClassTest, IssueClassRefactor, IssueClassDocs, IssueClassChore:
		default:
			return ErrValidation("INVALID_ISSUE_CLASS", fmt.Sprintf("unknown issue class %q", s.IssueClass))
		}
	}
	if s.BudgetUSD != nil && *s.BudgetUSD <= 0 {
		return ErrValidation("INVALID_BUDGET", "budget must be positive")
	}
	return nil
}

// NewWorkflow materializes a workflow row from a validated spec.
func NewWorkflow(id WorkflowID, spec Spec) *Workflow {
	modelSet := spec.ModelSet
	if modelSet == "" {
		modelSet = ModelSetBase
	}
	baseBranch := spec.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	now := time.Now().UTC()
	return &Workflow{
		ID:              id,
		Name:            spec.Name,
		Kind:            spec.Kind,
		State:           WorkflowStateCreated,
		TaskDescription: spec.TaskDescription,
		CreatedAt:       now,
		LastActivityAt:  now,
		IssueRef:        spec.IssueRef,
		IssueClass:      spec.IssueClass,
		BaseBranch:      baseBranch,
		Tags:            spec.Tags,
		Metadata:        spec.Metadata,
		ModelSet:        modelSet,
		BudgetUSD:       spec.BudgetUSD,
	}
}

// IsTerminal reports whether the workflow is in a terminal state.
func (w *Workflow) IsTerminal() bool {
	return IsTerminalState(w.State)
}

// Duration returns the wall-clock execution duration.
func (w *Workflow) Duration() time.Duration {
	if w.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if w.CompletedAt != nil {
		end = *w.CompletedAt
	}
	return end.Sub(*w.StartedAt)
}

// Validate checks stored-row invariants.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return ErrValidation("WORKFLOW_ID_REQUIRED", "workflow ID cannot be empty")
	}
	if (w.State == WorkflowStateArchived) != (w.ArchivedAt != nil) {
		return ErrInternal("ARCHIVE_INVARIANT", "archived_at must be set iff state is archived")
	}
	switch w.State {
	case WorkflowStateRunning, WorkflowStatePaused, WorkflowStateCompleted, WorkflowStateFailed:
		if w.StartedAt == nil {
			return ErrInternal("STARTED_AT_INVARIANT", fmt.Sprintf("started_at must be set in state %s", w.State))
		}
	}
	if w.BackendPort != nil && (*w.BackendPort < BackendPortMin || *w.BackendPort > BackendPortMax) {
		return ErrValidation("INVALID_BACKEND_PORT", fmt.Sprintf("backend port %d outside %d-%d", *w.BackendPort, BackendPortMin, BackendPortMax))
	}
	if w.FrontendPort != nil && (*w.FrontendPort < FrontendPortMin || *w.FrontendPort > FrontendPortMax) {
		return ErrValidation("INVALID_FRONTEND_PORT", fmt.Sprintf("frontend port %d outside %d-%d", *w.FrontendPort, FrontendPortMin, FrontendPortMax))
	}
	if w.CostUSD < 0 || w.TotalTokens < 0 || w.PhaseCount < 0 || w.RetryCount < 0 {
		return ErrInternal("NEGATIVE_COUNTER", "usage counters cannot be negative")
	}
	return nil
}

// Filter narrows workflow listings.
type Filter struct {
	States     []WorkflowState
	Kinds      []WorkflowKind
	IssueRef   string
	IssueClass IssueClass
	Tag        string
	Limit      int
}

package core

import "time"

// PhaseName identifies a step inside a workflow plan.
type PhaseName string

const (
	PhasePlan          PhaseName = "plan"
	PhaseBuild         PhaseName = "build"
	PhaseTest          PhaseName = "test"
	PhaseReview        PhaseName = "review"
	PhaseDeploy        PhaseName = "deploy"
	PhaseGenerateTests PhaseName = "generate_tests"
	PhaseVerifyRed     PhaseName = "verify_red"
	PhaseVerifyGreen   PhaseName = "verify_green"
	PhaseRefactor      PhaseName = "refactor"
)

// PhaseState represents the execution state of a single phase attempt.
type PhaseState string

const (
	PhaseStatePending   PhaseState = "pending"
	PhaseStateRunning   PhaseState = "running"
	PhaseStateCompleted PhaseState = "completed"
	PhaseStateFailed    PhaseState = "failed"
	PhaseStateSkipped   PhaseState = "skipped"
)

// DefaultMaxAttempts is the per-phase retry ceiling unless configured.
const DefaultMaxAttempts = 3

// Phase is one execution attempt of a named step. (workflow_id, name, attempt)
// is unique; retries create new rows with the attempt incremented.
type Phase struct {
	WorkflowID WorkflowID
	Name       PhaseName
	Attempt    int
	Index      int

	State PhaseState

	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64

	ExitCode     *int
	ErrorMessage string
	MaxAttempts  int

	LLMRequests int
	TokensIn    int
	TokensOut   int
	CostUSD     float64
}

// phasePlans maps each workflow kind to its ordered phase DAG.
var phasePlans = map[WorkflowKind][]PhaseName{
	KindStandard:   {PhasePlan, PhaseBuild, PhaseTest, PhaseReview},
	KindTDD:        {PhasePlan, PhaseGenerateTests, PhaseVerifyRed, PhaseBuild, PhaseVerifyGreen, PhaseRefactor, PhaseReview},
	KindPlanOnly:   {PhasePlan},
	KindTestOnly:   {PhaseTest},
	KindReviewOnly: {PhaseReview},
}

// PlanFor returns the ordered phase names for a workflow kind.
func PlanFor(kind WorkflowKind) []PhaseName {
	plan := phasePlans[kind]
	out := make([]PhaseName, len(plan))
	copy(out, plan)
	return out
}

// OptionalPhase reports whether a failed phase may be skipped instead of
// failing the whole workflow.
func OptionalPhase(name PhaseName) bool {
	return name == PhaseRefactor
}

// NewPhase creates the first attempt of a phase in pending state.
func NewPhase(workflowID WorkflowID, name PhaseName, index, maxAttempts int) *Phase {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Phase{
		WorkflowID:  workflowID,
		Name:        name,
		Attempt:     1,
		Index:       index,
		State:       PhaseStatePending,
		MaxAttempts: maxAttempts,
	}
}

// NextAttempt returns a fresh pending row for the retry of p.
func (p *Phase) NextAttempt() *Phase {
	return &Phase{
		WorkflowID:  p.WorkflowID,
		Name:        p.Name,
		Attempt:     p.Attempt + 1,
		Index:       p.Index,
		State:       PhaseStatePending,
		MaxAttempts: p.MaxAttempts,
	}
}

// CanRetry reports whether another attempt is allowed.
func (p *Phase) CanRetry() bool {
	return p.Attempt < p.MaxAttempts
}

// TotalTokens returns the sum of input and output tokens.
func (p *Phase) TotalTokens() int {
	return p.TokensIn + p.TokensOut
}

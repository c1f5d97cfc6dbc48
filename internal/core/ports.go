package core

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// Provider port
// =============================================================================

// Message represents a single message in a provider conversation.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Request is a provider-agnostic model invocation.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// Response is the uniform result of a provider call.
type Response struct {
	Provider  string
	Model     string
	Text      string
	TokensIn  int
	TokensOut int
	CostUSD   float64
	LatencyMS int64
	Raw       json.RawMessage
}

// TotalTokens returns the sum of input and output tokens.
func (r *Response) TotalTokens() int {
	return r.TokensIn + r.TokensOut
}

// ProviderClient is the capability set every LLM backend must expose.
// Execute must honor ctx cancellation promptly and return a cancelled error.
type ProviderClient interface {
	// Name returns the stable identifier (e.g. "claude", "openai", "gemini").
	Name() string

	// Models returns the supported model identifiers.
	Models() []string

	// Execute runs a single request against the backend.
	Execute(ctx context.Context, req Request) (*Response, error)

	// CostEstimate computes the USD cost for a token usage on a model.
	CostEstimate(tokensIn, tokensOut int, model string) float64
}

// =============================================================================
// State store port
// =============================================================================

// Store is the durable source of truth for workflows, phases and events.
// Implementations must serialize writes and enforce the schema invariants.
type Store interface {
	// CreateWorkflow persists a new workflow row.
	CreateWorkflow(ctx context.Context, w *Workflow) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id WorkflowID) (*Workflow, error)

	// ListWorkflows returns workflows matching the filter, newest first.
	ListWorkflows(ctx context.Context, filter Filter) ([]*Workflow, error)

	// UpdateWorkflow persists mutable workflow columns (usage, linkage,
	// activity). It never changes the state column; use CompareAndSwapState.
	UpdateWorkflow(ctx context.Context, w *Workflow) error

	// CompareAndSwapState atomically transitions a workflow from -> to,
	// applying mutate to the row inside the same transaction. It fails with
	// a state conflict if the stored state differs from from.
	CompareAndSwapState(ctx context.Context, id WorkflowID, from, to WorkflowState, mutate func(*Workflow)) (*Workflow, error)

	// ArchiveWorkflow marks a terminal workflow archived and cascades the
	// deletion of its phases and events. Idempotent.
	ArchiveWorkflow(ctx context.Context, id WorkflowID) error

	// CreatePhase inserts a phase attempt row. (workflow_id, name, attempt)
	// must be unique.
	CreatePhase(ctx context.Context, p *Phase) error

	// UpdatePhase persists a phase attempt row.
	UpdatePhase(ctx context.Context, p *Phase) error

	// ListPhases returns all phase attempts for a workflow in plan order,
	// attempts ascending within a name.
	ListPhases(ctx context.Context, id WorkflowID) ([]*Phase, error)

	// AppendEvent appends an audit record and returns its sequence number.
	AppendEvent(ctx context.Context, rec *EventRecord) (int64, error)

	// ListEvents returns events for a workflow with seq > sinceSeq, ordered
	// by seq.
	ListEvents(ctx context.Context, id WorkflowID, sinceSeq int64) ([]*EventRecord, error)

	// Aggregates computes daily rollups per (date, kind) for the window.
	Aggregates(ctx context.Context, since time.Time) ([]*MetricsAggregate, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// =============================================================================
// Collaborator ports (implementations out of core scope)
// =============================================================================

// Issue is the tracker payload consumed when seeding a workflow.
type Issue struct {
	Title  string
	Body   string
	Labels []string
}

// IssueSource fetches and annotates tracker issues.
type IssueSource interface {
	Fetch(ctx context.Context, issueRef string) (*Issue, error)
	PostComment(ctx context.Context, issueRef, text string) error
}

// Workspace provides version-control operations for a workflow's worktree.
type Workspace interface {
	CreateWorktree(ctx context.Context, branch, base string) (string, error)
	Commit(ctx context.Context, path, message string) error
	Push(ctx context.Context, path string) error
	OpenReview(ctx context.Context, branch, title, body string) (string, error)
}

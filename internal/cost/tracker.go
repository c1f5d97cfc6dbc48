// Package cost tracks per-workflow spend against optional budgets.
package cost

import (
	"sync"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

// warnFraction is the spend fraction that triggers the one-time budget
// warning.
const warnFraction = 0.8

type entry struct {
	costUSD float64
	tokens  int
	budget  *float64
	warned  bool
}

// Tracker maintains in-memory running totals per workflow. The engine writes
// the totals through to the state store on every phase update; the tracker
// itself does no I/O, which keeps budget checks cheap enough to run before
// every provider call.
type Tracker struct {
	mu      sync.Mutex
	entries map[core.WorkflowID]*entry
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[core.WorkflowID]*entry)}
}

// Register seeds the tracker from a workflow row, picking up totals already
// accumulated before a restart.
func (t *Tracker) Register(w *core.Workflow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &entry{costUSD: w.CostUSD, tokens: w.TotalTokens, budget: w.BudgetUSD}
	if e.budget != nil && e.costUSD >= *e.budget*warnFraction {
		e.warned = true
	}
	t.entries[w.ID] = e
}

// Forget drops a workflow's totals, called when it reaches a terminal state.
func (t *Tracker) Forget(id core.WorkflowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Check fails with a budget error when the projected spend of the next call
// would exceed the workflow's budget. Workflows without a budget always pass.
func (t *Tracker) Check(id core.WorkflowID, projectedUSD float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.budget == nil {
		return nil
	}
	if projected := e.costUSD + projectedUSD; projected > *e.budget {
		return core.ErrBudgetExceeded(projected, *e.budget)
	}
	return nil
}

// Add accumulates a provider response's cost and tokens. It returns true the
// first time spend crosses the warning fraction of the budget, so the caller
// can emit a single budget_warning event.
func (t *Tracker) Add(id core.WorkflowID, deltaUSD float64, deltaTokens int) (warn bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	e.costUSD += deltaUSD
	e.tokens += deltaTokens
	if e.budget != nil && !e.warned && e.costUSD >= *e.budget*warnFraction {
		e.warned = true
		return true
	}
	return false
}

// Totals returns the accumulated cost and tokens for a workflow.
func (t *Tracker) Totals(id core.WorkflowID) (costUSD float64, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.costUSD, e.tokens
	}
	return 0, 0
}

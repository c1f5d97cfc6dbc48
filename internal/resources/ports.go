// Package resources manages the bounded port pools bound to workflows.
package resources

import (
	"context"
	"fmt"
	"sync"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

// Pool hands out ports from a contiguous range. Allocation prefers the
// lowest free port so reuse is deterministic and easy to reason about in
// logs.
type Pool struct {
	name string
	min  int
	max  int

	mu   sync.Mutex
	used map[int]core.WorkflowID
}

// NewPool creates a pool over [min, max].
func NewPool(name string, min, max int) *Pool {
	return &Pool{name: name, min: min, max: max, used: make(map[int]core.WorkflowID)}
}

// Name returns the pool identifier.
func (p *Pool) Name() string { return p.name }

// Allocate binds the lowest free port to a workflow.
func (p *Pool) Allocate(id core.WorkflowID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.min; port <= p.max; port++ {
		if _, taken := p.used[port]; !taken {
			p.used[port] = id
			return port, nil
		}
	}
	return 0, core.ErrResourceExhausted(p.name)
}

// Reserve marks a specific port as bound, used when rebuilding pool state
// from persisted workflow rows at startup.
func (p *Pool) Reserve(port int, id core.WorkflowID) error {
	if port < p.min || port > p.max {
		return core.ErrValidation("PORT_OUT_OF_RANGE",
			fmt.Sprintf("port %d outside %s pool %d-%d", port, p.name, p.min, p.max))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner, taken := p.used[port]; taken && owner != id {
		return core.ErrState("PORT_CONFLICT",
			fmt.Sprintf("port %d already bound to workflow %s", port, owner))
	}
	p.used[port] = id
	return nil
}

// Release frees a port. Releasing a free port is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

// InUse returns the number of bound ports.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

// Capacity returns the total pool size.
func (p *Pool) Capacity() int {
	return p.max - p.min + 1
}

// Allocator groups the backend and frontend pools.
type Allocator struct {
	Backend  *Pool
	Frontend *Pool
}

// NewAllocator creates the standard port pools.
func NewAllocator() *Allocator {
	return &Allocator{
		Backend:  NewPool("backend", core.BackendPortMin, core.BackendPortMax),
		Frontend: NewPool("frontend", core.FrontendPortMin, core.FrontendPortMax),
	}
}

// Reconcile rebuilds pool state from persisted workflow rows. Only
// non-terminal workflows hold ports; terminal rows with ports still set are
// stale and ignored.
func (a *Allocator) Reconcile(ctx context.Context, store core.Store) error {
	active, err := store.ListWorkflows(ctx, core.Filter{States: []core.WorkflowState{
		core.WorkflowStateCreated,
		core.WorkflowStateInitialized,
		core.WorkflowStateRunning,
		core.WorkflowStatePaused,
		core.WorkflowStateStuck,
	}})
	if err != nil {
		return fmt.Errorf("listing active workflows: %w", err)
	}
	for _, w := range active {
		if w.BackendPort != nil {
			if err := a.Backend.Reserve(*w.BackendPort, w.ID); err != nil {
				return err
			}
		}
		if w.FrontendPort != nil {
			if err := a.Frontend.Reserve(*w.FrontendPort, w.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReleaseWorkflow frees any ports bound to a workflow.
func (a *Allocator) ReleaseWorkflow(w *core.Workflow) {
	if w.BackendPort != nil {
		a.Backend.Release(*w.BackendPort)
	}
	if w.FrontendPort != nil {
		a.Frontend.Release(*w.FrontendPort)
	}
}

// Package engine orchestrates workflow execution: lifecycle operations, the
// per-phase executor, retry, crash recovery and the stuck reaper.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/devflow/internal/consensus"
	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/cost"
	"github.com/hugo-lorenzo-mato/devflow/internal/events"
	"github.com/hugo-lorenzo-mato/devflow/internal/logging"
	"github.com/hugo-lorenzo-mato/devflow/internal/provider"
	"github.com/hugo-lorenzo-mato/devflow/internal/resources"
	"github.com/hugo-lorenzo-mato/devflow/internal/router"
)

// metaAllocatePorts requests dev-server port bindings for a workflow.
const metaAllocatePorts = "allocate_ports"

// Options tune engine timing. Zero values select the defaults.
type Options struct {
	// DefaultMaxAttempts is the per-phase retry ceiling.
	DefaultMaxAttempts int
	// StuckThreshold is the inactivity window after which the reaper marks a
	// running workflow stuck.
	StuckThreshold time.Duration
	// CallTimeout bounds a single provider call.
	CallTimeout time.Duration
	// PhaseTimeout bounds a phase across all attempts including backoff.
	PhaseTimeout time.Duration
	// WorkflowTimeout bounds a workflow's wall clock. Zero means unlimited.
	WorkflowTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = core.DefaultMaxAttempts
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = time.Hour
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 120 * time.Second
	}
	if o.PhaseTimeout <= 0 {
		o.PhaseTimeout = 600 * time.Second
	}
	return o
}

// supervisor tracks one running workflow's goroutine.
type supervisor struct {
	cancel context.CancelFunc

	mu           sync.Mutex
	pauseWanted  bool
	cancelReason string
}

func (s *supervisor) requestPause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseWanted = true
}

func (s *supervisor) pauseRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseWanted
}

func (s *supervisor) requestCancel(reason string) {
	s.mu.Lock()
	s.cancelReason = reason
	s.mu.Unlock()
	s.cancel()
}

func (s *supervisor) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelReason == "" {
		return "cancelled"
	}
	return s.cancelReason
}

// Engine drives workflows through their phase plans. One supervising
// goroutine per running workflow; distinct workflows run concurrently.
type Engine struct {
	store     core.Store
	bus       *events.Bus
	registry  *provider.Registry
	router    *router.Router
	consensus *consensus.Engine
	tracker   *cost.Tracker
	ports     *resources.Allocator
	logger    *logging.Logger
	retry     RetryPolicy
	opts      Options

	issues    core.IssueSource
	workspace core.Workspace

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	sups        map[core.WorkflowID]*supervisor
	transcripts map[core.WorkflowID][]phaseOutput
	wg          sync.WaitGroup
}

// New assembles the engine from its collaborators.
func New(store core.Store, bus *events.Bus, registry *provider.Registry, rt *router.Router,
	ce *consensus.Engine, tracker *cost.Tracker, ports *resources.Allocator,
	logger *logging.Logger, opts Options) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Engine{
		store:       store,
		bus:         bus,
		registry:    registry,
		router:      rt,
		consensus:   ce,
		tracker:     tracker,
		ports:       ports,
		logger:      logger,
		retry:       NewRetryPolicy(),
		opts:        opts.withDefaults(),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		sups:        make(map[core.WorkflowID]*supervisor),
		transcripts: make(map[core.WorkflowID][]phaseOutput),
	}
}

// UseIssueSource injects a tracker adapter. Workflows carrying an issue_ref
// are seeded from the issue on create and receive an outcome comment when
// they finish.
func (e *Engine) UseIssueSource(src core.IssueSource) {
	e.issues = src
}

// UseWorkspace injects a version-control adapter. Started workflows get a
// dedicated worktree on their branch.
func (e *Engine) UseWorkspace(ws core.Workspace) {
	e.workspace = ws
}

// Close stops every supervising goroutine and waits for them to unwind.
func (e *Engine) Close() {
	e.baseCancel()
	e.wg.Wait()
}

// emit persists an event record and then publishes it on the bus. Persisting
// first guarantees a subscriber can always read what the event describes.
func (e *Engine) emit(ctx context.Context, ev events.Event) {
	if _, err := e.store.AppendEvent(ctx, ev.Record()); err != nil {
		e.logger.Error("appending event", "event_type", ev.Type, "workflow_id", ev.WorkflowID, "error", err)
	}
	e.bus.Publish(ev)
}

// transition performs a compare-and-swap state change and emits the
// workflow_state_changed event after commit.
func (e *Engine) transition(ctx context.Context, id core.WorkflowID, from, to core.WorkflowState, mutate func(*core.Workflow)) (*core.Workflow, error) {
	if !core.CanTransition(from, to) {
		return nil, core.ErrInvalidTransition(from, to)
	}
	w, err := e.store.CompareAndSwapState(ctx, id, from, to, mutate)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, events.NewWorkflowStateChanged(id, from, to))
	return w, nil
}

// Create validates the spec, persists the workflow in created state and
// publishes workflow_created. With a tracker wired, a spec naming an issue
// but no task is seeded from the issue itself.
func (e *Engine) Create(ctx context.Context, spec core.Spec) (core.WorkflowID, error) {
	if e.issues != nil && spec.IssueRef != "" && spec.TaskDescription == "" {
		issue, err := e.issues.Fetch(ctx, spec.IssueRef)
		if err != nil {
			return "", err
		}
		spec.TaskDescription = issue.Title
		if issue.Body != "" {
			spec.TaskDescription += "\n\n" + issue.Body
		}
		spec.Tags = mergeTags(spec.Tags, issue.Labels)
	}
	if err := spec.Validate(); err != nil {
		return "", err
	}
	w := core.NewWorkflow(core.WorkflowID(uuid.NewString()), spec)
	if err := e.store.CreateWorkflow(ctx, w); err != nil {
		return "", err
	}
	e.tracker.Register(w)
	e.emit(ctx, events.NewWorkflowCreated(w.ID, w.Name, w.Kind))
	e.logger.Info("workflow created", "workflow_id", w.ID, "name", w.Name, "kind", w.Kind)
	return w.ID, nil
}

// Start moves a created or initialized workflow to running and begins phase
// execution under a new supervising goroutine.
func (e *Engine) Start(ctx context.Context, id core.WorkflowID) error {
	now := time.Now().UTC()
	mutate := func(w *core.Workflow) {
		if w.StartedAt == nil {
			w.StartedAt = &now
		}
	}

	w, err := e.transition(ctx, id, core.WorkflowStateCreated, core.WorkflowStateRunning, mutate)
	if err != nil && core.IsCategory(err, core.ErrCatState) {
		w, err = e.transition(ctx, id, core.WorkflowStateInitialized, core.WorkflowStateRunning, mutate)
	}
	if err != nil {
		// Both CAS attempts losing means the row is in some other state;
		// report that as the state machine would, not as a write conflict.
		if core.IsCategory(err, core.ErrCatState) {
			cur, getErr := e.store.GetWorkflow(ctx, id)
			if getErr != nil {
				return getErr
			}
			return core.ErrInvalidTransition(cur.State, core.WorkflowStateRunning)
		}
		return err
	}

	if w.Metadata[metaAllocatePorts] == "true" && e.ports != nil {
		if err := e.allocatePorts(ctx, w); err != nil {
			return err
		}
	}

	if e.workspace != nil {
		if err := e.createWorktree(ctx, w); err != nil {
			return err
		}
	}

	e.tracker.Register(w)
	e.supervise(w, 0, nil)
	return nil
}

// createWorktree binds the workflow to its own branch and worktree.
func (e *Engine) createWorktree(ctx context.Context, w *core.Workflow) error {
	if w.Branch == "" {
		w.Branch = "devflow/" + string(w.ID)
	}
	path, err := e.workspace.CreateWorktree(ctx, w.Branch, w.BaseBranch)
	if err != nil {
		return err
	}
	w.WorktreePath = path
	return e.store.UpdateWorkflow(ctx, w)
}

func mergeTags(tags, labels []string) []string {
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		seen[t] = true
	}
	for _, l := range labels {
		if !seen[l] {
			tags = append(tags, l)
			seen[l] = true
		}
	}
	return tags
}

// allocatePorts binds one backend and one frontend port to the workflow and
// persists the binding before the event is emitted.
func (e *Engine) allocatePorts(ctx context.Context, w *core.Workflow) error {
	backend, err := e.ports.Backend.Allocate(w.ID)
	if err != nil {
		return err
	}
	frontend, err := e.ports.Frontend.Allocate(w.ID)
	if err != nil {
		e.ports.Backend.Release(backend)
		return err
	}
	w.BackendPort = &backend
	w.FrontendPort = &frontend
	if err := e.store.UpdateWorkflow(ctx, w); err != nil {
		e.ports.Backend.Release(backend)
		e.ports.Frontend.Release(frontend)
		return err
	}
	e.emit(ctx, events.NewResourceAllocated(w.ID, e.ports.Backend.Name(), backend))
	e.emit(ctx, events.NewResourceAllocated(w.ID, e.ports.Frontend.Name(), frontend))
	return nil
}

// releasePorts frees the workflow's port bindings at termination.
func (e *Engine) releasePorts(ctx context.Context, w *core.Workflow) {
	if e.ports == nil {
		return
	}
	if w.BackendPort != nil {
		e.ports.Backend.Release(*w.BackendPort)
		e.emit(ctx, events.NewResourceReleased(w.ID, e.ports.Backend.Name(), *w.BackendPort))
	}
	if w.FrontendPort != nil {
		e.ports.Frontend.Release(*w.FrontendPort)
		e.emit(ctx, events.NewResourceReleased(w.ID, e.ports.Frontend.Name(), *w.FrontendPort))
	}
}

// supervise launches the phase loop for a workflow. startIndex selects where
// in the plan to (re)start; transcript carries prior phase outputs on resume.
func (e *Engine) supervise(w *core.Workflow, startIndex int, transcript []phaseOutput) {
	runCtx, cancel := context.WithCancel(e.baseCtx)
	if e.opts.WorkflowTimeout > 0 {
		runCtx, cancel = context.WithTimeout(e.baseCtx, e.opts.WorkflowTimeout)
	}
	sup := &supervisor{cancel: cancel}

	e.mu.Lock()
	e.sups[w.ID] = sup
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.sups, w.ID)
			e.mu.Unlock()
		}()
		e.runWorkflow(runCtx, sup, w, startIndex, transcript)
	}()
}

// stashTranscript keeps a paused workflow's phase outputs so a later Resume
// rebuilds prompts with the same cumulative context an uninterrupted run has.
func (e *Engine) stashTranscript(id core.WorkflowID, transcript []phaseOutput) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(transcript) == 0 {
		delete(e.transcripts, id)
		return
	}
	e.transcripts[id] = transcript
}

// takeTranscript removes and returns a stashed transcript, if any.
func (e *Engine) takeTranscript(id core.WorkflowID) []phaseOutput {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := e.transcripts[id]
	delete(e.transcripts, id)
	return tr
}

// Pause requests a cooperative pause, honored at the next phase boundary.
// Workflows in running state without a live supervisor (post-crash) are
// paused directly.
func (e *Engine) Pause(ctx context.Context, id core.WorkflowID) error {
	e.mu.Lock()
	sup, live := e.sups[id]
	e.mu.Unlock()
	if live {
		sup.requestPause()
		return nil
	}

	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.State != core.WorkflowStateRunning {
		return core.ErrInvalidTransition(w.State, core.WorkflowStatePaused)
	}
	if _, err := e.transition(ctx, id, core.WorkflowStateRunning, core.WorkflowStatePaused, nil); err != nil {
		return err
	}
	e.emit(ctx, events.NewWorkflowPaused(id, ""))
	return nil
}

// Resume moves a paused workflow back to running and restarts its phase loop
// at the first phase without a completed attempt. A transcript stashed by an
// in-process pause is carried forward; after a crash there is none, since
// phase outputs are not persisted.
func (e *Engine) Resume(ctx context.Context, id core.WorkflowID) error {
	w, err := e.transition(ctx, id, core.WorkflowStatePaused, core.WorkflowStateRunning, nil)
	if err != nil {
		return err
	}

	startIndex, err := e.resumePoint(ctx, w)
	if err != nil {
		return err
	}
	transcript := e.takeTranscript(id)

	e.tracker.Register(w)
	plan := core.PlanFor(w.Kind)
	var at core.PhaseName
	if startIndex < len(plan) {
		at = plan[startIndex]
	}
	e.emit(ctx, events.NewWorkflowResumed(id, at))
	e.supervise(w, startIndex, transcript)
	return nil
}

// resumePoint computes where the phase loop should restart: the first plan
// index without a completed (or skipped-optional) attempt.
func (e *Engine) resumePoint(ctx context.Context, w *core.Workflow) (int, error) {
	phases, err := e.store.ListPhases(ctx, w.ID)
	if err != nil {
		return 0, err
	}
	done := make(map[core.PhaseName]bool)
	exhausted := make(map[core.PhaseName]bool)
	for _, p := range phases {
		switch p.State {
		case core.PhaseStateCompleted, core.PhaseStateSkipped:
			done[p.Name] = true
		case core.PhaseStateFailed:
			if core.OptionalPhase(p.Name) && !p.CanRetry() {
				exhausted[p.Name] = true
			}
		}
	}

	plan := core.PlanFor(w.Kind)
	for i, name := range plan {
		if done[name] || exhausted[name] {
			continue
		}
		return i, nil
	}
	return len(plan), nil
}

// Cancel requests cooperative cancellation. A live supervisor is signalled
// and finalizes the workflow itself once the in-flight call returns; idle
// workflows are cancelled directly.
func (e *Engine) Cancel(ctx context.Context, id core.WorkflowID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}

	e.mu.Lock()
	sup, live := e.sups[id]
	e.mu.Unlock()
	if live {
		sup.requestCancel(reason)
		return nil
	}

	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if !core.CanTransition(w.State, core.WorkflowStateCancelled) {
		return core.ErrInvalidTransition(w.State, core.WorkflowStateCancelled)
	}
	now := time.Now().UTC()
	w, err = e.transition(ctx, id, w.State, core.WorkflowStateCancelled, func(w *core.Workflow) {
		w.CompletedAt = &now
		w.ErrorMessage = reason
		exitCode := 1
		w.ExitCode = &exitCode
	})
	if err != nil {
		return err
	}
	e.emit(ctx, events.NewWorkflowCancelled(id, reason))
	e.releasePorts(ctx, w)
	e.tracker.Forget(id)
	e.takeTranscript(id)
	return nil
}

// Get returns a workflow by id.
func (e *Engine) Get(ctx context.Context, id core.WorkflowID) (*core.Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// List returns workflows matching the filter.
func (e *Engine) List(ctx context.Context, filter core.Filter) ([]*core.Workflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}

// Events returns a workflow's audit trail after sinceSeq.
func (e *Engine) Events(ctx context.Context, id core.WorkflowID, sinceSeq int64) ([]*core.EventRecord, error) {
	return e.store.ListEvents(ctx, id, sinceSeq)
}

// Archive archives a terminal workflow. Idempotent.
func (e *Engine) Archive(ctx context.Context, id core.WorkflowID) error {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	alreadyArchived := w.State == core.WorkflowStateArchived

	if err := e.store.ArchiveWorkflow(ctx, id); err != nil {
		return err
	}
	if !alreadyArchived {
		// The row's events were just deleted; the archived event lives on
		// the bus and journal only.
		e.bus.Publish(events.NewWorkflowArchived(id))
	}
	return nil
}

// finalize moves a running workflow to a terminal state, stamps the outcome
// and releases resources.
func (e *Engine) finalize(ctx context.Context, id core.WorkflowID, to core.WorkflowState, exitCode int, errMsg string) {
	now := time.Now().UTC()
	w, err := e.transition(ctx, id, core.WorkflowStateRunning, to, func(w *core.Workflow) {
		w.CompletedAt = &now
		w.ExitCode = &exitCode
		w.ErrorMessage = errMsg
	})
	if err != nil {
		e.logger.Error("finalizing workflow", "workflow_id", id, "to", to, "error", err)
		return
	}
	if to == core.WorkflowStateCancelled {
		e.emit(ctx, events.NewWorkflowCancelled(id, errMsg))
	}
	e.releasePorts(ctx, w)
	e.tracker.Forget(id)
	e.takeTranscript(id)

	if e.issues != nil && w.IssueRef != "" {
		msg := fmt.Sprintf("workflow %s finished %s (cost $%.4f, %d phases)", w.Name, to, w.CostUSD, w.PhaseCount)
		if errMsg != "" {
			msg += ": " + errMsg
		}
		if err := e.issues.PostComment(ctx, w.IssueRef, msg); err != nil {
			e.logger.Warn("posting issue comment", "workflow_id", id, "issue_ref", w.IssueRef, "error", err)
		}
	}
	e.logger.Info("workflow finished", "workflow_id", id, "state", to, "cost_usd", w.CostUSD)
}

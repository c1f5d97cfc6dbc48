// Package testutil provides shared fixtures: a scriptable provider client
// and an event recorder.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/events"
)

// MockProvider is a scriptable core.ProviderClient. By default every call
// succeeds with a small fixed response; set ExecuteFunc to script failures
// or per-call behavior.
type MockProvider struct {
	ProviderName string
	ModelList    []string

	// ExecuteFunc, when set, fully controls Execute. The call counter has
	// already been incremented when it runs.
	ExecuteFunc func(ctx context.Context, req core.Request) (*core.Response, error)

	mu    sync.Mutex
	calls []core.Request
}

// NewMockProvider returns a provider named name serving a single mock model.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		ModelList:    []string{"mock-model"},
	}
}

// Name implements core.ProviderClient.
func (m *MockProvider) Name() string { return m.ProviderName }

// Models implements core.ProviderClient.
func (m *MockProvider) Models() []string { return m.ModelList }

// Execute records the call and returns the scripted or default response.
func (m *MockProvider) Execute(ctx context.Context, req core.Request) (*core.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, core.ErrCancelled("cancelled").WithCause(err)
	}
	return &core.Response{
		Provider:  m.ProviderName,
		Model:     req.Model,
		Text:      "ok",
		TokensIn:  10,
		TokensOut: 20,
		CostUSD:   0.0003,
	}, nil
}

// CostEstimate implements core.ProviderClient with a flat per-token rate.
func (m *MockProvider) CostEstimate(tokensIn, tokensOut int, model string) float64 {
	return float64(tokensIn)*0.00000001 + float64(tokensOut)*0.00000003
}

// Calls returns a copy of the recorded requests.
func (m *MockProvider) Calls() []core.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Execute ran.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var _ core.ProviderClient = (*MockProvider)(nil)

// Recorder captures bus events for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// NewRecorder subscribes a recorder to every event on the bus.
func NewRecorder(bus *events.Bus) *Recorder {
	r := &Recorder{}
	bus.Subscribe(r.record, events.Filter{}, events.ModeSync)
	return r
}

func (r *Recorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// CountType returns how many events of one type were recorded.
func (r *Recorder) CountType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// WaitFor polls until an event of the given type arrives or the timeout
// expires, returning whether it arrived.
func (r *Recorder) WaitFor(eventType string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.CountType(eventType) > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r.CountType(eventType) > 0
}

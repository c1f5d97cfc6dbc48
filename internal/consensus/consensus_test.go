package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/provider"
	"github.com/hugo-lorenzo-mato/devflow/internal/testutil"
)

func fixedProvider(name, answer string, cost float64) *testutil.MockProvider {
	p := testutil.NewMockProvider(name)
	p.ExecuteFunc = func(ctx context.Context, req core.Request) (*core.Response, error) {
		return &core.Response{
			Provider:  name,
			Model:     req.Model,
			Text:      answer,
			TokensIn:  10,
			TokensOut: 20,
			CostUSD:   cost,
		}, nil
	}
	return p
}

func failingProvider(name string) *testutil.MockProvider {
	p := testutil.NewMockProvider(name)
	p.ExecuteFunc = func(ctx context.Context, req core.Request) (*core.Response, error) {
		return nil, core.ErrProviderUnavailable(name, "503")
	}
	return p
}

func newEngine(t *testing.T, registry *provider.Registry, profiles ...*Profile) *Engine {
	t.Helper()
	e, err := NewEngine(registry, profiles)
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	return e
}

func TestProfile_Validate(t *testing.T) {
	two := []Participant{{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}}
	cases := []struct {
		name    string
		profile Profile
		wantErr bool
	}{
		{"valid majority", Profile{Name: "p", Participants: two, Strategy: StrategyMajorityVote, MinSuccessful: 2}, false},
		{"too few participants", Profile{Name: "p", Participants: two[:1], Strategy: StrategyMajorityVote, MinSuccessful: 1}, true},
		{"unknown strategy", Profile{Name: "p", Participants: two, Strategy: "average", MinSuccessful: 1}, true},
		{"synthesize without synthesizer", Profile{Name: "p", Participants: two, Strategy: StrategySynthesize, MinSuccessful: 1}, true},
		{"quorum zero", Profile{Name: "p", Participants: two, Strategy: StrategyBestOfN, MinSuccessful: 0}, true},
		{"quorum above participants", Profile{Name: "p", Participants: two, Strategy: StrategyBestOfN, MinSuccessful: 3}, true},
	}
	for _, tc := range cases {
		err := tc.profile.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestRun_MajorityVote(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register(fixedProvider("a", "YES", 0.001))
	registry.Register(fixedProvider("b", "  yes ", 0.002)) // normalized to the same answer
	registry.Register(fixedProvider("c", "no", 0.003))

	e := newEngine(t, registry, &Profile{
		Name: "vote",
		Participants: []Participant{
			{Provider: "a", Model: "m1"}, {Provider: "b", Model: "m2"}, {Provider: "c", Model: "m3"},
		},
		Strategy:      StrategyMajorityVote,
		MinSuccessful: 2,
	})

	res, err := e.Run(context.Background(), "vote", core.Request{Messages: []core.Message{{Role: "user", Content: "?"}}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Final.Provider != "a" {
		t.Fatalf("expected modal answer from the earlier participant, got %s", res.Final.Provider)
	}
	if len(res.All) != 3 {
		t.Fatalf("expected all successful responses recorded, got %d", len(res.All))
	}
	if got := res.TotalCostUSD(); got < 0.0059 || got > 0.0061 {
		t.Fatalf("unexpected cost sum: %f", got)
	}
	in, out := res.TotalTokens()
	if in != 30 || out != 60 {
		t.Fatalf("unexpected token sums: in=%d out=%d", in, out)
	}
}

func TestRun_MajorityVote_TieGoesToEarlierParticipant(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register(fixedProvider("a", "alpha", 0))
	registry.Register(fixedProvider("b", "beta", 0))

	e := newEngine(t, registry, &Profile{
		Name:          "tie",
		Participants:  []Participant{{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}},
		Strategy:      StrategyMajorityVote,
		MinSuccessful: 2,
	})

	res, err := e.Run(context.Background(), "tie", core.Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Final.Provider != "a" {
		t.Fatalf("tie must go to the earlier participant, got %s", res.Final.Provider)
	}
}

func TestRun_BestOfN(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register(fixedProvider("short", "ok", 0))
	registry.Register(fixedProvider("long", "a much longer and more substantive answer", 0))

	e, err := NewEngine(registry, []*Profile{{
		Name:          "best",
		Participants:  []Participant{{Provider: "short", Model: "m"}, {Provider: "long", Model: "m"}},
		Strategy:      StrategyBestOfN,
		MinSuccessful: 1,
	}}, WithScorer(func(r *core.Response) float64 { return float64(len(r.Text)) }))
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	res, err := e.Run(context.Background(), "best", core.Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Final.Provider != "long" {
		t.Fatalf("expected highest-scoring response, got %s", res.Final.Provider)
	}
}

func TestRun_Synthesize(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register(fixedProvider("a", "use a mutex", 0.001))
	registry.Register(fixedProvider("b", "use a channel", 0.001))

	synth := testutil.NewMockProvider("judge")
	synth.ExecuteFunc = func(ctx context.Context, req core.Request) (*core.Response, error) {
		return &core.Response{Provider: "judge", Model: req.Model, Text: "merged answer", CostUSD: 0.002, TokensIn: 50, TokensOut: 30}, nil
	}
	registry.Register(synth)

	e := newEngine(t, registry, &Profile{
		Name:          "synth",
		Participants:  []Participant{{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}},
		Strategy:      StrategySynthesize,
		Synthesizer:   &Participant{Provider: "judge", Model: "judge-model"},
		MinSuccessful: 2,
	})

	res, err := e.Run(context.Background(), "synth", core.Request{Messages: []core.Message{{Role: "user", Content: "?"}}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Final.Text != "merged answer" {
		t.Fatalf("expected synthesized final, got %q", res.Final.Text)
	}
	// Synthesizer cost joins the participant costs.
	if len(res.All) != 3 {
		t.Fatalf("expected synthesizer recorded in All, got %d", len(res.All))
	}
	if got := res.TotalCostUSD(); got < 0.0039 || got > 0.0041 {
		t.Fatalf("unexpected cost sum: %f", got)
	}

	calls := synth.Calls()
	if len(calls) != 1 || calls[0].Model != "judge-model" {
		t.Fatalf("synthesizer not called with its own model: %+v", calls)
	}
}

func TestRun_QuorumFailure(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register(fixedProvider("a", "yes", 0))
	registry.Register(failingProvider("b"))
	registry.Register(failingProvider("c"))

	e := newEngine(t, registry, &Profile{
		Name: "strict",
		Participants: []Participant{
			{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}, {Provider: "c", Model: "m"},
		},
		Strategy:      StrategyMajorityVote,
		MinSuccessful: 2,
	})

	_, err := e.Run(context.Background(), "strict", core.Request{})
	if !core.IsCategory(err, core.ErrCatConsensus) {
		t.Fatalf("expected consensus error, got %v", err)
	}
	if !core.IsRetryable(err) {
		t.Fatalf("quorum failure must be transient")
	}
}

func TestRun_ToleratesMinorityFailures(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register(fixedProvider("a", "yes", 0))
	registry.Register(fixedProvider("b", "yes", 0))
	registry.Register(failingProvider("c"))

	e := newEngine(t, registry, &Profile{
		Name: "tolerant",
		Participants: []Participant{
			{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}, {Provider: "c", Model: "m"},
		},
		Strategy:      StrategyMajorityVote,
		MinSuccessful: 2,
	})

	res, err := e.Run(context.Background(), "tolerant", core.Request{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.All) != 2 {
		t.Fatalf("expected 2 recorded responses, got %d", len(res.All))
	}
}

func TestRun_UnknownProfile(t *testing.T) {
	e := newEngine(t, provider.NewRegistry())
	_, err := e.Run(context.Background(), "missing", core.Request{})
	if !core.IsCategory(err, core.ErrCatNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRun_ParticipantModelOverride(t *testing.T) {
	registry := provider.NewRegistry()
	a := fixedProvider("a", "yes", 0)
	b := fixedProvider("b", "yes", 0)
	registry.Register(a)
	registry.Register(b)

	e := newEngine(t, registry, &Profile{
		Name:          "models",
		Participants:  []Participant{{Provider: "a", Model: "model-a"}, {Provider: "b", Model: "model-b"}},
		Strategy:      StrategyMajorityVote,
		MinSuccessful: 2,
		Timeout:       5 * time.Second,
	})

	if _, err := e.Run(context.Background(), "models", core.Request{Model: "ignored"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls := a.Calls(); len(calls) != 1 || calls[0].Model != "model-a" {
		t.Fatalf("participant a called with wrong model: %+v", calls)
	}
	if calls := b.Calls(); len(calls) != 1 || calls[0].Model != "model-b" {
		t.Fatalf("participant b called with wrong model: %+v", calls)
	}
}

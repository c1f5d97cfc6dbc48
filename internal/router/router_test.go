package router

import (
	"testing"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

func newTestRouter(t *testing.T, rules []Rule) *Router {
	t.Helper()
	r, err := New(rules, Decision{Provider: "claude", Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("building router: %v", err)
	}
	return r
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, Decision{}); err == nil {
		t.Fatalf("expected error for empty default")
	}
	if _, err := New(nil, Decision{Provider: "claude"}); err == nil {
		t.Fatalf("expected error for default without model")
	}
	if _, err := New([]Rule{{Name: "bad"}}, Decision{Provider: "claude", Model: "m"}); err == nil {
		t.Fatalf("expected error for rule without provider or consensus")
	}
	if _, err := New([]Rule{{Name: "bad", Then: Decision{UseConsensus: true}}},
		Decision{Provider: "claude", Model: "m"}); err == nil {
		t.Fatalf("expected error for consensus rule without a profile name")
	}
}

func TestRoute_DefaultFallback(t *testing.T) {
	r := newTestRouter(t, nil)
	dec := r.Route(Key{Phase: core.PhaseBuild, Kind: core.KindStandard, ModelSet: core.ModelSetBase})
	if dec.Provider != "claude" || dec.Model != "claude-sonnet-4" {
		t.Fatalf("expected default decision, got %+v", dec)
	}
}

func TestRoute_FirstMatchWins(t *testing.T) {
	rules := []Rule{
		{
			Name: "review-consensus",
			When: Predicate{Phases: []core.PhaseName{core.PhaseReview}},
			Then: Decision{UseConsensus: true, Consensus: "review-panel"},
		},
		{
			Name: "review-cheap", // shadowed by the rule above
			When: Predicate{Phases: []core.PhaseName{core.PhaseReview}},
			Then: Decision{Provider: "gemini", Model: "gemini-flash"},
		},
		{
			Name: "powerful-builds",
			When: Predicate{Phases: []core.PhaseName{core.PhaseBuild}, ModelSets: []core.ModelSet{core.ModelSetPowerful}},
			Then: Decision{Provider: "claude", Model: "claude-opus-4", MaxTokens: 8192},
		},
	}
	r := newTestRouter(t, rules)

	review := r.Route(Key{Phase: core.PhaseReview, Kind: core.KindStandard, ModelSet: core.ModelSetBase})
	if !review.UseConsensus || review.Consensus != "review-panel" {
		t.Fatalf("expected first review rule to win, got %+v", review)
	}

	build := r.Route(Key{Phase: core.PhaseBuild, Kind: core.KindStandard, ModelSet: core.ModelSetPowerful})
	if build.Provider != "claude" || build.Model != "claude-opus-4" || build.MaxTokens != 8192 {
		t.Fatalf("expected powerful build rule, got %+v", build)
	}

	// A base-model-set build falls through to the default.
	fallthru := r.Route(Key{Phase: core.PhaseBuild, Kind: core.KindStandard, ModelSet: core.ModelSetBase})
	if fallthru.Provider != "claude" || fallthru.Model != "claude-sonnet-4" {
		t.Fatalf("expected default, got %+v", fallthru)
	}
}

func TestRoute_TagPredicate(t *testing.T) {
	rules := []Rule{{
		Name: "critical-consensus",
		When: Predicate{Tags: []string{"critical", "security"}},
		Then: Decision{UseConsensus: true, Consensus: "security-panel"},
	}}
	r := newTestRouter(t, rules)

	// All predicate tags must be present.
	partial := r.Route(Key{Phase: core.PhaseBuild, Tags: []string{"critical"}})
	if partial.UseConsensus {
		t.Fatalf("rule matched with only a subset of required tags")
	}

	full := r.Route(Key{Phase: core.PhaseBuild, Tags: []string{"security", "backend", "critical"}})
	if !full.UseConsensus || full.Consensus != "security-panel" {
		t.Fatalf("expected tag rule match, got %+v", full)
	}
}

func TestRoute_CachesByKey(t *testing.T) {
	r := newTestRouter(t, nil)

	key := Key{Phase: core.PhasePlan, Kind: core.KindTDD, ModelSet: core.ModelSetBase, Tags: []string{"b", "a"}}
	first := r.Route(key)
	if r.CacheSize() != 1 {
		t.Fatalf("expected one cached decision, got %d", r.CacheSize())
	}

	// Same tags in a different order hit the same cache entry.
	second := r.Route(Key{Phase: core.PhasePlan, Kind: core.KindTDD, ModelSet: core.ModelSetBase, Tags: []string{"a", "b"}})
	if r.CacheSize() != 1 {
		t.Fatalf("tag order changed the cache key")
	}
	if first != second {
		t.Fatalf("cache returned a different decision")
	}

	r.Route(Key{Phase: core.PhaseTest, Kind: core.KindTDD, ModelSet: core.ModelSetBase})
	if r.CacheSize() != 2 {
		t.Fatalf("expected a second cache entry, got %d", r.CacheSize())
	}
}

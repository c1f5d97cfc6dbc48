// Package router selects the provider, model and consensus parameters for a
// phase from declarative rules. The router does no I/O; decisions are cached
// by routing key.
package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

// Key identifies a routing lookup. Tags participate in matching and in the
// cache key, so two workflows differing only in tags can route differently.
type Key struct {
	Phase    core.PhaseName
	Kind     core.WorkflowKind
	ModelSet core.ModelSet
	Tags     []string
}

func (k Key) cacheKey() string {
	tags := make([]string, len(k.Tags))
	copy(tags, k.Tags)
	sort.Strings(tags)
	return string(k.Phase) + "|" + string(k.Kind) + "|" + string(k.ModelSet) + "|" + strings.Join(tags, ",")
}

// Decision is the routing outcome for one phase execution.
type Decision struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int

	// UseConsensus selects fan-out execution; Consensus names the consensus
	// profile (providers, strategy, quorum) declared in configuration.
	UseConsensus bool
	Consensus    string
}

// Predicate narrows which routing keys a rule applies to. Empty fields match
// everything; a rule with all fields empty is a catch-all.
type Predicate struct {
	Phases    []core.PhaseName
	Kinds     []core.WorkflowKind
	ModelSets []core.ModelSet
	Tags      []string
}

func (p Predicate) matches(key Key) bool {
	if len(p.Phases) > 0 && !containsPhase(p.Phases, key.Phase) {
		return false
	}
	if len(p.Kinds) > 0 && !containsKind(p.Kinds, key.Kind) {
		return false
	}
	if len(p.ModelSets) > 0 && !containsModelSet(p.ModelSets, key.ModelSet) {
		return false
	}
	// Every predicate tag must be present on the workflow.
	for _, want := range p.Tags {
		found := false
		for _, have := range key.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Rule pairs a predicate with its decision.
type Rule struct {
	Name string
	When Predicate
	Then Decision
}

// Router evaluates ordered rules, first match wins, falling back to the
// required default decision.
type Router struct {
	rules      []Rule
	defaultDec Decision

	mu    sync.RWMutex
	cache map[string]Decision
}

// New builds a router. The default decision is required; rules are optional.
func New(rules []Rule, defaultDec Decision) (*Router, error) {
	if defaultDec.Provider == "" || defaultDec.Model == "" {
		return nil, core.ErrValidation("ROUTER_DEFAULT_REQUIRED",
			"router default must name a provider and model")
	}
	for _, r := range rules {
		if r.Then.Provider == "" && !r.Then.UseConsensus {
			return nil, core.ErrValidation("ROUTER_RULE_INCOMPLETE",
				"rule "+r.Name+" names no provider and no consensus profile")
		}
		if r.Then.UseConsensus && r.Then.Consensus == "" {
			return nil, core.ErrValidation("ROUTER_RULE_INCOMPLETE",
				"rule "+r.Name+" requests consensus without naming a profile")
		}
	}
	return &Router{
		rules:      rules,
		defaultDec: defaultDec,
		cache:      make(map[string]Decision),
	}, nil
}

// Route returns the decision for a routing key.
func (r *Router) Route(key Key) Decision {
	ck := key.cacheKey()

	r.mu.RLock()
	dec, ok := r.cache[ck]
	r.mu.RUnlock()
	if ok {
		return dec
	}

	dec = r.defaultDec
	for _, rule := range r.rules {
		if rule.When.matches(key) {
			dec = rule.Then
			break
		}
	}

	r.mu.Lock()
	r.cache[ck] = dec
	r.mu.Unlock()
	return dec
}

// CacheSize returns the number of cached decisions.
func (r *Router) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func containsPhase(s []core.PhaseName, v core.PhaseName) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsKind(s []core.WorkflowKind, v core.WorkflowKind) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsModelSet(s []core.ModelSet, v core.ModelSet) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

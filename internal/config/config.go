// Package config loads the orchestrator configuration from .devflow.yaml
// and DEVFLOW_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/consensus"
	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/provider"
	"github.com/hugo-lorenzo-mato/devflow/internal/router"
)

// Config is the full orchestrator configuration tree.
type Config struct {
	Workspace string          `mapstructure:"workspace"`
	Log       LogConfig       `mapstructure:"log"`
	State     StateConfig     `mapstructure:"state"`
	Events    EventsConfig    `mapstructure:"events"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Budgets   BudgetsConfig   `mapstructure:"budgets"`
	Server    ServerConfig    `mapstructure:"server"`
	Providers map[string]ProviderConfig  `mapstructure:"providers"`
	Router    RouterConfig               `mapstructure:"router"`
	Consensus map[string]ConsensusConfig `mapstructure:"consensus"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StateConfig locates the SQLite database.
type StateConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// EventsConfig tunes the event bus and journal.
type EventsConfig struct {
	JournalPath          string `mapstructure:"journal_path"`
	MaxWorkers           int    `mapstructure:"max_workers"`
	SlowHandlerThreshold int    `mapstructure:"slow_handler_threshold_ms"`
}

// EngineConfig tunes workflow execution timing.
type EngineConfig struct {
	StuckThresholdSeconds  int `mapstructure:"stuck_threshold_seconds"`
	DefaultMaxAttempts     int `mapstructure:"default_max_attempts"`
	CallTimeoutSeconds     int `mapstructure:"call_timeout_seconds"`
	PhaseTimeoutSeconds    int `mapstructure:"phase_timeout_seconds"`
	WorkflowTimeoutSeconds int `mapstructure:"workflow_timeout_seconds"`
}

// BudgetsConfig sets spend defaults.
type BudgetsConfig struct {
	DefaultUSD float64 `mapstructure:"default_usd"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// ProviderConfig declares one LLM backend.
type ProviderConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	APIKeyEnv        string   `mapstructure:"api_key_env"`
	BaseURL          string   `mapstructure:"base_url"`
	DefaultModel     string   `mapstructure:"default_model"`
	Models           []string `mapstructure:"models"`
	ConcurrencyLimit int      `mapstructure:"concurrency_limit"`
	TimeoutSeconds   int      `mapstructure:"timeout_seconds"`
}

// RouterConfig declares the routing rules and the required default.
type RouterConfig struct {
	Rules   []RuleConfig   `mapstructure:"rules"`
	Default DecisionConfig `mapstructure:"default"`
}

// RuleConfig pairs a predicate with a decision.
type RuleConfig struct {
	Name string          `mapstructure:"name"`
	When PredicateConfig `mapstructure:"when"`
	Then DecisionConfig  `mapstructure:"then"`
}

// PredicateConfig narrows routing keys. Empty lists match everything.
type PredicateConfig struct {
	Phases    []string `mapstructure:"phases"`
	Kinds     []string `mapstructure:"kinds"`
	ModelSets []string `mapstructure:"model_sets"`
	Tags      []string `mapstructure:"tags"`
}

// DecisionConfig is a declarative routing decision.
type DecisionConfig struct {
	Provider     string  `mapstructure:"provider"`
	Model        string  `mapstructure:"model"`
	Temperature  float64 `mapstructure:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	UseConsensus bool    `mapstructure:"use_consensus"`
	Consensus    string  `mapstructure:"consensus"`
}

// ConsensusConfig declares one consensus profile.
type ConsensusConfig struct {
	Providers      []ParticipantConfig `mapstructure:"providers"`
	Strategy       string              `mapstructure:"strategy"`
	Synthesizer    *ParticipantConfig  `mapstructure:"synthesizer"`
	MinSuccessful  int                 `mapstructure:"min_successful"`
	TimeoutSeconds int                 `mapstructure:"timeout_seconds"`
}

// ParticipantConfig is a provider+model pair.
type ParticipantConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// Validate checks cross-field invariants the schema cannot express.
func (c *Config) Validate() error {
	if c.State.DBPath == "" {
		return core.ErrValidation("STATE_DB_PATH_REQUIRED", "state.db_path cannot be empty")
	}
	if c.Router.Default.Provider == "" || c.Router.Default.Model == "" {
		return core.ErrValidation("ROUTER_DEFAULT_REQUIRED", "router.default must name a provider and model")
	}
	if _, ok := c.Providers[c.Router.Default.Provider]; !ok {
		return core.ErrValidation("ROUTER_UNKNOWN_PROVIDER",
			fmt.Sprintf("router.default names undeclared provider %q", c.Router.Default.Provider))
	}
	for _, rule := range c.Router.Rules {
		if rule.Then.UseConsensus {
			if _, ok := c.Consensus[rule.Then.Consensus]; !ok {
				return core.ErrValidation("ROUTER_UNKNOWN_CONSENSUS",
					fmt.Sprintf("rule %q names undeclared consensus profile %q", rule.Name, rule.Then.Consensus))
			}
			continue
		}
		if _, ok := c.Providers[rule.Then.Provider]; !ok {
			return core.ErrValidation("ROUTER_UNKNOWN_PROVIDER",
				fmt.Sprintf("rule %q names undeclared provider %q", rule.Name, rule.Then.Provider))
		}
	}
	for name, cons := range c.Consensus {
		for _, part := range cons.Providers {
			if _, ok := c.Providers[part.Provider]; !ok {
				return core.ErrValidation("CONSENSUS_UNKNOWN_PROVIDER",
					fmt.Sprintf("consensus %q names undeclared provider %q", name, part.Provider))
			}
		}
	}
	if c.Budgets.DefaultUSD < 0 {
		return core.ErrValidation("INVALID_BUDGET", "budgets.default_usd cannot be negative")
	}
	return nil
}

// ProviderConfigs converts enabled provider declarations into client configs.
func (c *Config) ProviderConfigs() []provider.Config {
	var out []provider.Config
	for name, pc := range c.Providers {
		if !pc.Enabled {
			continue
		}
		models := pc.Models
		if len(models) == 0 && pc.DefaultModel != "" {
			models = []string{pc.DefaultModel}
		}
		out = append(out, provider.Config{
			Name:          name,
			BaseURL:       pc.BaseURL,
			APIKeyEnv:     pc.APIKeyEnv,
			Models:        models,
			Timeout:       time.Duration(pc.TimeoutSeconds) * time.Second,
			MaxConcurrent: int64(pc.ConcurrencyLimit),
		})
	}
	return out
}

// RouterRules converts the declarative routing table.
func (c *Config) RouterRules() ([]router.Rule, router.Decision) {
	rules := make([]router.Rule, 0, len(c.Router.Rules))
	for _, rc := range c.Router.Rules {
		rules = append(rules, router.Rule{
			Name: rc.Name,
			When: router.Predicate{
				Phases:    toPhases(rc.When.Phases),
				Kinds:     toKinds(rc.When.Kinds),
				ModelSets: toModelSets(rc.When.ModelSets),
				Tags:      rc.When.Tags,
			},
			Then: toDecision(rc.Then),
		})
	}
	return rules, toDecision(c.Router.Default)
}

// ConsensusProfiles converts the named consensus declarations.
func (c *Config) ConsensusProfiles() []*consensus.Profile {
	out := make([]*consensus.Profile, 0, len(c.Consensus))
	for name, cc := range c.Consensus {
		p := &consensus.Profile{
			Name:          name,
			Strategy:      consensus.Strategy(cc.Strategy),
			MinSuccessful: cc.MinSuccessful,
			Timeout:       time.Duration(cc.TimeoutSeconds) * time.Second,
		}
		for _, part := range cc.Providers {
			p.Participants = append(p.Participants, consensus.Participant{
				Provider: part.Provider,
				Model:    part.Model,
			})
		}
		if cc.Synthesizer != nil {
			p.Synthesizer = &consensus.Participant{
				Provider: cc.Synthesizer.Provider,
				Model:    cc.Synthesizer.Model,
			}
		}
		out = append(out, p)
	}
	return out
}

func toDecision(dc DecisionConfig) router.Decision {
	return router.Decision{
		Provider:     dc.Provider,
		Model:        dc.Model,
		Temperature:  dc.Temperature,
		MaxTokens:    dc.MaxTokens,
		UseConsensus: dc.UseConsensus,
		Consensus:    dc.Consensus,
	}
}

func toPhases(in []string) []core.PhaseName {
	out := make([]core.PhaseName, len(in))
	for i, s := range in {
		out[i] = core.PhaseName(s)
	}
	return out
}

func toKinds(in []string) []core.WorkflowKind {
	out := make([]core.WorkflowKind, len(in))
	for i, s := range in {
		out[i] = core.WorkflowKind(s)
	}
	return out
}

func toModelSets(in []string) []core.ModelSet {
	out := make([]core.ModelSet, len(in))
	for i, s := range in {
		out[i] = core.ModelSet(s)
	}
	return out
}

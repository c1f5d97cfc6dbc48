// Package consensus fans one logical request out to multiple providers and
// merges their responses by a declared strategy.
package consensus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/logging"
	"github.com/hugo-lorenzo-mato/devflow/internal/provider"
)

// Strategy selects how participating responses are merged.
type Strategy string

const (
	StrategyMajorityVote Strategy = "majority-vote"
	StrategyBestOfN      Strategy = "best-of-n"
	StrategySynthesize   Strategy = "synthesize"
)

// Participant is one provider+model pair in a consensus profile.
type Participant struct {
	Provider string
	Model    string
}

// Profile is a named consensus configuration.
type Profile struct {
	Name          string
	Participants  []Participant
	Strategy      Strategy
	Synthesizer   *Participant // synthesize only
	MinSuccessful int
	Timeout       time.Duration
}

// Validate checks profile invariants.
func (p *Profile) Validate() error {
	if len(p.Participants) < 2 {
		return core.ErrValidation("CONSENSUS_TOO_FEW_PROVIDERS",
			fmt.Sprintf("consensus %s needs at least 2 participants, has %d", p.Name, len(p.Participants)))
	}
	switch p.Strategy {
	case StrategyMajorityVote, StrategyBestOfN:
	case StrategySynthesize:
		if p.Synthesizer == nil {
			return core.ErrValidation("CONSENSUS_SYNTHESIZER_REQUIRED",
				fmt.Sprintf("consensus %s uses synthesize without a synthesizer", p.Name))
		}
	default:
		return core.ErrValidation("CONSENSUS_UNKNOWN_STRATEGY",
			fmt.Sprintf("consensus %s has unknown strategy %q", p.Name, p.Strategy))
	}
	if p.MinSuccessful < 1 || p.MinSuccessful > len(p.Participants) {
		return core.ErrValidation("CONSENSUS_INVALID_QUORUM",
			fmt.Sprintf("consensus %s min_successful %d outside 1..%d", p.Name, p.MinSuccessful, len(p.Participants)))
	}
	return nil
}

// Result is the merged outcome. Final carries the winning (or synthesized)
// response; All records every successful participant, in participant order,
// so costs and tokens can be attributed to the phase.
type Result struct {
	Final *core.Response
	All   []*core.Response
}

// TotalCostUSD sums the cost of every recorded response, including the
// synthesizer call when present.
func (r *Result) TotalCostUSD() float64 {
	var sum float64
	for _, resp := range r.All {
		sum += resp.CostUSD
	}
	return sum
}

// TotalTokens sums tokens across every recorded response.
func (r *Result) TotalTokens() (in, out int) {
	for _, resp := range r.All {
		in += resp.TokensIn
		out += resp.TokensOut
	}
	return in, out
}

// Scorer ranks a response for best-of-n. Higher wins.
type Scorer func(*core.Response) float64

// defaultScorer is a length-normalized proxy: it prefers substantive answers
// while penalizing raw token spend.
func defaultScorer(r *core.Response) float64 {
	if r.TokensOut == 0 {
		return 0
	}
	return float64(len(strings.TrimSpace(r.Text))) / float64(r.TokensOut)
}

// Engine executes consensus profiles against the provider registry.
type Engine struct {
	registry *provider.Registry
	profiles map[string]*Profile
	scorer   Scorer
	logger   *logging.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithScorer overrides the best-of-n scorer.
func WithScorer(s Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds a consensus engine over validated profiles.
func NewEngine(registry *provider.Registry, profiles []*Profile, opts ...Option) (*Engine, error) {
	byName := make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		byName[p.Name] = p
	}
	e := &Engine{
		registry: registry,
		profiles: byName,
		scorer:   defaultScorer,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Profile returns a named profile.
func (e *Engine) Profile(name string) (*Profile, error) {
	p, ok := e.profiles[name]
	if !ok {
		return nil, core.ErrNotFound("consensus profile", name)
	}
	return p, nil
}

// Run executes the named profile with the given request. The request's Model
// field is overridden per participant. Failures of individual providers are
// tolerated as long as the quorum holds.
func (e *Engine) Run(ctx context.Context, name string, req core.Request) (*Result, error) {
	profile, err := e.Profile(name)
	if err != nil {
		return nil, err
	}

	fanCtx := ctx
	var cancel context.CancelFunc
	if profile.Timeout > 0 {
		fanCtx, cancel = context.WithTimeout(ctx, profile.Timeout)
		defer cancel()
	}

	responses := make([]*core.Response, len(profile.Participants))
	errs := make([]error, len(profile.Participants))

	var wg sync.WaitGroup
	for i, part := range profile.Participants {
		client, err := e.registry.Get(part.Provider)
		if err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, part Participant, client core.ProviderClient) {
			defer wg.Done()
			callReq := req
			callReq.Model = part.Model
			resp, err := client.Execute(fanCtx, callReq)
			if err != nil {
				errs[i] = err
				return
			}
			responses[i] = resp
		}(i, part, client)
	}
	wg.Wait()

	// Keep participant order: deterministic tie-breaking depends on it.
	var ok []*core.Response
	for i, resp := range responses {
		if resp != nil {
			ok = append(ok, resp)
			continue
		}
		e.logger.Warn("consensus participant failed",
			"profile", name,
			"provider", profile.Participants[i].Provider,
			"error", errs[i],
		)
	}

	if len(ok) < profile.MinSuccessful {
		return nil, core.ErrConsensusBelowQuorum(len(ok), profile.MinSuccessful)
	}

	result := &Result{All: ok}
	switch profile.Strategy {
	case StrategyMajorityVote:
		result.Final = majorityVote(ok)
	case StrategyBestOfN:
		result.Final = bestOfN(ok, e.scorer)
	case StrategySynthesize:
		synth, err := e.synthesize(ctx, profile, req, ok)
		if err != nil {
			return nil, err
		}
		result.All = append(result.All, synth)
		result.Final = synth
	}
	return result, nil
}

// majorityVote picks the modal normalized answer. Ties go to the response
// from the earlier participant.
func majorityVote(responses []*core.Response) *core.Response {
	counts := make(map[string]int)
	for _, r := range responses {
		counts[normalizeAnswer(r.Text)]++
	}
	var winner *core.Response
	best := 0
	for _, r := range responses {
		if n := counts[normalizeAnswer(r.Text)]; n > best {
			best = n
			winner = r
		}
	}
	return winner
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// bestOfN picks the highest-scoring response; ties go to the earlier
// participant.
func bestOfN(responses []*core.Response, scorer Scorer) *core.Response {
	winner := responses[0]
	bestScore := scorer(winner)
	for _, r := range responses[1:] {
		if score := scorer(r); score > bestScore {
			bestScore = score
			winner = r
		}
	}
	return winner
}

// synthesize issues one more call that merges all answers. The synthesizer
// runs under the caller's context, not the fan-out timeout.
func (e *Engine) synthesize(ctx context.Context, profile *Profile, req core.Request, responses []*core.Response) (*core.Response, error) {
	client, err := e.registry.Get(profile.Synthesizer.Provider)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("Combine the following candidate answers into a single best answer. ")
	sb.WriteString("Prefer points of agreement; resolve conflicts with the most specific reasoning.\n")
	for i, r := range responses {
		fmt.Fprintf(&sb, "\n--- Candidate %d (%s) ---\n%s\n", i+1, r.Provider, r.Text)
	}

	synthReq := core.Request{
		Model:       profile.Synthesizer.Model,
		Messages:    append(append([]core.Message{}, req.Messages...), core.Message{Role: "user", Content: sb.String()}),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	resp, err := client.Execute(ctx, synthReq)
	if err != nil {
		return nil, core.ErrProviderUnavailable(profile.Synthesizer.Provider, "synthesizer call failed").WithCause(err)
	}
	return resp, nil
}

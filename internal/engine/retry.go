package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

// RetryPolicy computes backoff delays for transient phase failures.
// Delays grow exponentially with full jitter: the sleep is uniform in
// [0, min(cap, base*factor^(attempt-1))].
type RetryPolicy struct {
	BaseDelay time.Duration
	Factor    float64
	MaxDelay  time.Duration
}

// RetryOption configures a policy.
type RetryOption func(*RetryPolicy)

// WithBaseDelay sets the first-retry ceiling.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.BaseDelay = d }
}

// WithFactor sets the exponential growth factor.
func WithFactor(f float64) RetryOption {
	return func(p *RetryPolicy) { p.Factor = f }
}

// WithMaxDelay caps the backoff.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) { p.MaxDelay = d }
}

// NewRetryPolicy returns the default policy (1s base, factor 2, 60s cap).
func NewRetryPolicy(opts ...RetryOption) RetryPolicy {
	p := RetryPolicy{
		BaseDelay: time.Second,
		Factor:    2,
		MaxDelay:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Delay returns the jittered backoff before retry number attempt (1-based).
// A provider-reported retry-after hint acts as a floor.
func (p RetryPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if max := float64(p.MaxDelay); ceiling > max {
		ceiling = max
	}
	d := time.Duration(rand.Int63n(int64(ceiling) + 1)) // #nosec G404 -- jitter, not crypto
	if d < hint {
		d = hint
	}
	return d
}

// Sleep waits for d or until the context ends. A deadline expiring mid-sleep
// is a timeout, not a cancellation: the phase budget covers backoff too.
func (p RetryPolicy) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.ErrTimeout("phase timed out during retry backoff").WithCause(ctx.Err())
		}
		return core.ErrCancelled("retry backoff interrupted").WithCause(ctx.Err())
	}
}

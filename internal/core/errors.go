package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation"         // Invalid caller input
	ErrCatNotFound   ErrorCategory = "not_found"          // Referenced entity missing
	ErrCatTransition ErrorCategory = "invalid_transition" // State machine rejection
	ErrCatTimeout    ErrorCategory = "timeout"            // Operation timed out
	ErrCatRateLimit  ErrorCategory = "rate_limit"         // Provider rate limited
	ErrCatProvider   ErrorCategory = "provider"           // Provider-side failure
	ErrCatAuth       ErrorCategory = "auth"               // Authentication failure
	ErrCatConsensus  ErrorCategory = "consensus"          // Consensus quorum not met
	ErrCatBudget     ErrorCategory = "budget"             // Cost budget exceeded
	ErrCatCancelled  ErrorCategory = "cancelled"          // Cooperative cancellation
	ErrCatResource   ErrorCategory = "resource"           // Bounded resource exhausted
	ErrCatExecution  ErrorCategory = "execution"          // Phase outcome failure
	ErrCatState      ErrorCategory = "state"              // Store conflict/corruption
	ErrCatInternal   ErrorCategory = "internal"           // Invariant violation
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{Category: ErrCatValidation, Code: code, Message: message}
}

// ErrNotFound creates a not-found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// ErrInvalidTransition creates a state-machine rejection error.
func ErrInvalidTransition(from, to WorkflowState) *DomainError {
	return &DomainError{
		Category: ErrCatTransition,
		Code:     "INVALID_TRANSITION",
		Message:  fmt.Sprintf("illegal transition %s -> %s", from, to),
		Details:  map[string]interface{}{"from": string(from), "to": string(to)},
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{Category: ErrCatTimeout, Code: "TIMEOUT", Message: message, Retryable: true}
}

// ErrRateLimited creates a rate-limit error, optionally carrying the
// provider-reported retry-after hint.
func ErrRateLimited(message string, retryAfter time.Duration) *DomainError {
	e := &DomainError{Category: ErrCatRateLimit, Code: "RATE_LIMITED", Message: message, Retryable: true}
	if retryAfter > 0 {
		e.Details = map[string]interface{}{"retry_after": retryAfter}
	}
	return e
}

// RetryAfter extracts the rate-limit hint from an error, if present.
func RetryAfter(err error) (time.Duration, bool) {
	var domErr *DomainError
	if !errors.As(err, &domErr) || domErr.Details == nil {
		return 0, false
	}
	d, ok := domErr.Details["retry_after"].(time.Duration)
	return d, ok
}

// ErrProviderUnavailable creates a provider-side 5xx error.
func ErrProviderUnavailable(provider, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatProvider,
		Code:      "PROVIDER_UNAVAILABLE",
		Message:   message,
		Retryable: true,
		Details:   map[string]interface{}{"provider": provider},
	}
}

// ErrInvalidRequest creates a permanent provider request error.
func ErrInvalidRequest(message string) *DomainError {
	return &DomainError{Category: ErrCatProvider, Code: "INVALID_REQUEST", Message: message}
}

// ErrAuth creates an authentication error.
func ErrAuth(message string) *DomainError {
	return &DomainError{Category: ErrCatAuth, Code: "AUTH_FAILED", Message: message}
}

// ErrCancelled creates a cooperative-cancellation error.
func ErrCancelled(message string) *DomainError {
	return &DomainError{Category: ErrCatCancelled, Code: "CANCELLED", Message: message}
}

// ErrConsensusBelowQuorum creates a transient consensus failure.
func ErrConsensusBelowQuorum(got, want int) *DomainError {
	return &DomainError{
		Category:  ErrCatConsensus,
		Code:      "CONSENSUS_BELOW_QUORUM",
		Message:   fmt.Sprintf("consensus got %d successful responses, need %d", got, want),
		Retryable: true,
		Details:   map[string]interface{}{"successful": got, "min_successful": want},
	}
}

// ErrBudgetExceeded creates a permanent budget error.
func ErrBudgetExceeded(projected, limit float64) *DomainError {
	return &DomainError{
		Category: ErrCatBudget,
		Code:     "BUDGET_EXCEEDED",
		Message:  fmt.Sprintf("projected cost $%.4f exceeds budget $%.2f", projected, limit),
		Details:  map[string]interface{}{"projected_cost": projected, "budget_usd": limit},
	}
}

// ErrResourceExhausted creates an error for a drained resource pool.
func ErrResourceExhausted(pool string) *DomainError {
	return &DomainError{
		Category:  ErrCatResource,
		Code:      "RESOURCE_EXHAUSTED",
		Message:   fmt.Sprintf("no free slots in %s pool", pool),
		Retryable: true,
		Details:   map[string]interface{}{"pool": pool},
	}
}

// ErrExecution creates a permanent phase-outcome failure, such as a test
// suite reporting the wrong result.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{Category: ErrCatExecution, Code: code, Message: message}
}

// ErrState creates a store conflict error.
func ErrState(code, message string) *DomainError {
	return &DomainError{Category: ErrCatState, Code: code, Message: message}
}

// ErrInternal creates an invariant-violation error.
func ErrInternal(code, message string) *DomainError {
	return &DomainError{Category: ErrCatInternal, Code: code, Message: message}
}

// IsRetryable checks if an error is transient per the retry policy.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

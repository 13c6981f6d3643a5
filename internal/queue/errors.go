package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotEligible is the normal empty result of a claim.
	ErrNotEligible = errors.New("queue: no eligible item")
	// ErrInvalidTransition means the item is not in the state the caller expected.
	ErrInvalidTransition = errors.New("queue: invalid state transition")
	ErrNotFound          = errors.New("queue: item not found")

	ErrAuthorizationFailed  = errors.New("authorization failed")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// Last-error markers. They prefix the message recorded on the item.
const (
	MarkRateLimited = "rate_limited"
	MarkAuth        = "authorization"
	MarkTransient   = "transient"
	MarkExhausted   = "exhausted retries"

	RecoveryExhausted = "exceeded retry budget after restart"
	MarkInterrupted   = "interrupted: dispatch did not complete before restart"
)

// RateLimitedError asks the caller to wait RetryAfter before the next attempt.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient failure"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError wraps a platform error with ErrAuthorizationFailed.
func AuthError(err error) error {
	if err == nil {
		return ErrAuthorizationFailed
	}
	return fmt.Errorf("%w: %w", ErrAuthorizationFailed, err)
}

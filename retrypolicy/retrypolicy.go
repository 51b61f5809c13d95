// Package retrypolicy defines the typed error taxonomy workflows and
// activities raise, and the backoff computation ActivityProxy uses to decide
// whether and when to re-publish a failed activity.
package retrypolicy

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind classifies an error surfaced by an activity or workflow so the engine
// and ActivityProxy know how to react.
type Kind int

const (
	// KindTransient marks a retryable failure; the activity is re-published
	// with backoff until MaximumAttempts is exhausted.
	KindTransient Kind = iota
	// KindFatal marks a non-retryable failure (HTTP-598 analog); the job
	// transitions straight to LEG2_COMMITTED with the error recorded.
	KindFatal
	// KindInterrupt marks an externally requested interruption (HTTP-410
	// analog); the status semaphore is driven to the interrupted range.
	KindInterrupt
	// KindMaxedOut marks exhaustion of MaximumAttempts (HTTP-597 analog).
	KindMaxedOut
	// KindCollation marks a collation/join barrier inconsistency; it is
	// swallowed silently by the collator and does not surface to the caller.
	KindCollation
	// KindGenerational marks a stale re-entry into a superseded dimensional
	// thread; silently dropped by the collator.
	KindGenerational
	// KindInactive marks a read against a job that is no longer active;
	// GetState callers receive a silent empty result rather than an error.
	KindInactive
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindInterrupt:
		return "interrupt"
	case KindMaxedOut:
		return "maxed_out"
	case KindCollation:
		return "collation"
	case KindGenerational:
		return "generational"
	case KindInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Error is the typed error wrapper carried through the activity/journal
// pipeline. Callers use errors.As to recover the Kind and Attempt.
type Error struct {
	Kind    Kind
	Attempt int
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("retrypolicy: %s (attempt %d)", e.Kind, e.Attempt)
	}
	return fmt.Sprintf("retrypolicy: %s (attempt %d): %v", e.Kind, e.Attempt, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause as a typed retry error of the given kind at the given
// attempt number (1-indexed).
func New(kind Kind, attempt int, cause error) *Error {
	return &Error{Kind: kind, Attempt: attempt, Cause: cause}
}

// Silent reports whether errors of this kind must never be surfaced to a
// caller (collation/generational mismatches, inactive-job reads).
func (k Kind) Silent() bool {
	switch k {
	case KindCollation, KindGenerational, KindInactive:
		return true
	default:
		return false
	}
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Policy describes the backoff parameters an ActivityProxy uses to schedule
// re-publication of a transient failure.
type Policy struct {
	// MaximumAttempts bounds the number of times an activity is retried
	// before it becomes KindMaxedOut. Zero means unbounded.
	MaximumAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// BackoffCoefficient multiplies InitialInterval per attempt (exponential
	// backoff); 1.0 disables growth.
	BackoffCoefficient float64
	// MaximumInterval caps the computed delay regardless of attempt count.
	MaximumInterval time.Duration
}

// DefaultPolicy matches the reference engine's defaults: 3 attempts,
// 1-second initial interval, 2x coefficient, capped at 120 seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaximumAttempts:    3,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    120 * time.Second,
	}
}

// NextDelay computes the delay before the next retry attempt (1-indexed:
// attempt 1 is the first retry after the original call). ok is false once
// MaximumAttempts has been exhausted, in which case the caller should raise
// KindMaxedOut instead of scheduling another attempt.
func (p Policy) NextDelay(attempt int) (delay time.Duration, ok bool) {
	if p.MaximumAttempts > 0 && attempt > p.MaximumAttempts {
		return 0, false
	}
	coeff := p.BackoffCoefficient
	if coeff <= 0 {
		coeff = 1.0
	}
	init := p.InitialInterval
	if init <= 0 {
		init = time.Second
	}
	computed := float64(init) * math.Pow(coeff, float64(attempt-1))
	d := time.Duration(computed)
	if p.MaximumInterval > 0 && d > p.MaximumInterval {
		d = p.MaximumInterval
	}
	return d, true
}

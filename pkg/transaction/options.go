package transaction

import (
	"database/sql"
	"time"
)

// Propagation controls how Execute behaves relative to an ambient
// transaction already carried by the context.
type Propagation int

const (
	// PropagationRequired joins the ambient transaction, or begins a new one
	// when there is none. This is the default.
	PropagationRequired Propagation = iota

	// PropagationRequiresNew always begins a new transaction, independent of
	// any ambient one. Do not use over a single-connection database: the new
	// transaction would wait forever for the connection the ambient one holds.
	PropagationRequiresNew

	// PropagationMandatory requires an ambient transaction and fails with
	// ErrNoAmbientTransaction otherwise.
	PropagationMandatory

	// PropagationNever fails with ErrAmbientTransaction when an ambient
	// transaction exists; otherwise runs without one.
	PropagationNever

	// PropagationSupports joins the ambient transaction when present and
	// runs without one otherwise.
	PropagationSupports

	// PropagationNotSupported strips the ambient transaction and runs
	// without one.
	PropagationNotSupported
)

// String returns the propagation name.
func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	case PropagationMandatory:
		return "MANDATORY"
	case PropagationNever:
		return "NEVER"
	case PropagationSupports:
		return "SUPPORTS"
	case PropagationNotSupported:
		return "NOT_SUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// RetryPolicy controls automatic retries of transactions that fail with a
// retryable error (optimistic concurrency conflicts, lock contention).
// Retries only apply to transactions the coordinator owns; joined ambient
// transactions are never retried from the inside.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy retries conflicts three times with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Multiplier:     2.0,
	}
}

// ErrorMatcher classifies errors for rollback and retry decisions.
type ErrorMatcher func(error) bool

type options struct {
	isolation     sql.IsolationLevel
	readOnly      bool
	timeout       time.Duration
	propagation   Propagation
	retry         RetryPolicy
	retryable     ErrorMatcher
	noRollbackFor []ErrorMatcher
}

// Option configures one Execute call.
type Option func(*options)

// WithIsolation sets the isolation level passed to the driver.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(o *options) {
		o.isolation = level
	}
}

// WithReadOnly marks the transaction read-only. Writes fail.
func WithReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// WithTimeout bounds the whole transaction, including retries.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithPropagation sets the propagation behavior. Defaults to
// PropagationRequired.
func WithPropagation(p Propagation) Option {
	return func(o *options) {
		o.propagation = p
	}
}

// WithRetry sets the retry policy for retryable failures.
func WithRetry(policy RetryPolicy) Option {
	return func(o *options) {
		o.retry = policy
	}
}

// WithRetryable overrides the classifier deciding which errors are retried.
// Defaults to Retryable.
func WithRetryable(matcher ErrorMatcher) Option {
	return func(o *options) {
		o.retryable = matcher
	}
}

// WithNoRollbackFor commits the transaction even when fn returns an error
// matched by one of the matchers. The error is still returned to the caller.
func WithNoRollbackFor(matchers ...ErrorMatcher) Option {
	return func(o *options) {
		o.noRollbackFor = append(o.noRollbackFor, matchers...)
	}
}

package eventsourcing

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure conditions.
// Use errors.Is to check for these conditions; most of them have a typed
// counterpart below that carries structured context.
var (
	// ErrAggregateNotFound is returned when an aggregate has no events in the log.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrConcurrencyConflict is returned when the expected version doesn't match
	// the stored version during an append. Recoverable by reloading and retrying.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrValidation is returned for malformed inputs: empty batches, events
	// targeting the wrong aggregate, broken field invariants. Non-retryable.
	ErrValidation = errors.New("validation failed")

	// ErrStoreFailure is returned for database-level failures that are not
	// caused by versioning: connectivity, timeouts, unexpected constraints.
	ErrStoreFailure = errors.New("store failure")

	// ErrChecksumMismatch is returned when a stored payload fails integrity
	// verification on read. Fatal for the read.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrHandlerNotFound is returned when no state-update handler is registered
	// for an event type during aggregate replay. The aggregate cannot be
	// reconstructed.
	ErrHandlerNotFound = errors.New("no handler registered for event type")

	// ErrUpcastingFailure is returned when an upcaster chain cannot produce the
	// current schema version, or the chain exceeds its depth bound.
	ErrUpcastingFailure = errors.New("upcasting failed")

	// ErrPublishFailure is returned when the external publisher rejects a batch.
	ErrPublishFailure = errors.New("publish failed")

	// ErrProjectionHalted is returned when a projection has stopped after
	// exhausting handler retries and requires operator intervention.
	ErrProjectionHalted = errors.New("projection halted")

	// ErrUnknownEventType is returned when a stored event has no registered
	// decoder.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidVersion is returned when events are applied out of order or
	// with a non-contiguous version.
	ErrInvalidVersion = errors.New("invalid event version")

	// ErrUniqueConstraintViolation is returned when an event tries to claim a
	// value that is already owned by another aggregate.
	ErrUniqueConstraintViolation = errors.New("unique constraint violation")

	// ErrCommandAlreadyProcessed indicates a command was already handled
	// (idempotency check). The original result is returned alongside.
	ErrCommandAlreadyProcessed = errors.New("command already processed")

	// ErrInvalidCommand is returned when a command fails metadata validation.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrUnauthorized is returned when a principal is not allowed to execute
	// a command.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCommandNotFound is returned when no handler is registered for a
	// command type.
	ErrCommandNotFound = errors.New("command handler not found")

	// ErrSnapshotNotFound is returned when no snapshot exists for an aggregate.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// ConcurrencyConflictError carries the version context of a failed append.
type ConcurrencyConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, actual %d",
		e.AggregateID, e.Expected, e.Actual)
}

// Is allows errors.Is(err, ErrConcurrencyConflict) to match.
func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// ValidationError describes a rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// Is allows errors.Is(err, ErrValidation) to match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StoreError wraps a database-level failure with the operation that caused it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err)
}

// Is allows errors.Is(err, ErrStoreFailure) to match.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreFailure
}

// Unwrap exposes the underlying driver error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError reports a payload that failed integrity verification.
type ChecksumMismatchError struct {
	EventID  string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch on event %s: stored %s, computed %s",
		e.EventID, e.Expected, e.Actual)
}

// Is allows errors.Is(err, ErrChecksumMismatch) to match.
func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// HandlerNotFoundError reports a missing state-update handler during dispatch.
type HandlerNotFoundError struct {
	AggregateType string
	EventType     string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered on aggregate %s for event type %s",
		e.AggregateType, e.EventType)
}

// Is allows errors.Is(err, ErrHandlerNotFound) to match.
func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// UpcastingError reports a failed or unresolvable upcaster chain.
type UpcastingError struct {
	EventType   string
	FromVersion int
	Reason      string
}

func (e *UpcastingError) Error() string {
	return fmt.Sprintf("upcasting failed for %s v%d: %s", e.EventType, e.FromVersion, e.Reason)
}

// Is allows errors.Is(err, ErrUpcastingFailure) to match.
func (e *UpcastingError) Is(target error) bool {
	return target == ErrUpcastingFailure
}

// SchemaMismatchError reports a payload the registered decoder rejected.
type SchemaMismatchError struct {
	EventType string
	Err       error
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("payload does not match schema for %s: %v", e.EventType, e.Err)
}

// Is allows errors.Is(err, ErrValidation) to match; a schema mismatch is a
// validation failure of the stored payload.
func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrValidation
}

// Unwrap exposes the decoder error.
func (e *SchemaMismatchError) Unwrap() error {
	return e.Err
}

// PublishError reports a publisher rejection, with the attempt count so far.
type PublishError struct {
	EventID  string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed for event %s after %d attempt(s): %v",
		e.EventID, e.Attempts, e.Err)
}

// Is allows errors.Is(err, ErrPublishFailure) to match.
func (e *PublishError) Is(target error) bool {
	return target == ErrPublishFailure
}

// Unwrap exposes the publisher error.
func (e *PublishError) Unwrap() error {
	return e.Err
}

// ProjectionError reports a projection handler failure at a specific position.
type ProjectionError struct {
	Projection string
	Sequence   int64
	Err        error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection %s failed at sequence %d: %v", e.Projection, e.Sequence, e.Err)
}

// Is allows errors.Is(err, ErrProjectionHalted) to match. The engine only
// constructs a ProjectionError once handler retries are exhausted and the
// projection has stopped.
func (e *ProjectionError) Is(target error) bool {
	return target == ErrProjectionHalted
}

// Unwrap exposes the handler error.
func (e *ProjectionError) Unwrap() error {
	return e.Err
}

// UniqueConstraintError provides details about which constraint was violated
// and who owns the conflicting value.
type UniqueConstraintError struct {
	IndexName string
	Value     string
	OwnerID   string
}

func (e *UniqueConstraintError) Error() string {
	return fmt.Sprintf("unique constraint violation: %s=%q is already claimed by aggregate %s",
		e.IndexName, e.Value, e.OwnerID)
}

// Is allows errors.Is(err, ErrUniqueConstraintViolation) to match.
func (e *UniqueConstraintError) Is(target error) bool {
	return target == ErrUniqueConstraintViolation
}

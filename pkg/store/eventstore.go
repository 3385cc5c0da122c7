// Package store defines the persistence contracts of the event-sourcing
// runtime: the append-only event log, snapshots, the transactional outbox,
// projection checkpoints and the aggregate repository built on top of them.
package store

import (
	"context"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

// EventStore defines the interface for persisting and retrieving events.
// The log is append-only: committed events are never mutated or deleted.
type EventStore interface {
	// AppendEvents appends events to an aggregate's stream atomically.
	// Validates unique constraints before persisting and stages outbox rows
	// in the same transaction when an outbox router is configured.
	// Returns eventsourcing.ErrConcurrencyConflict if expectedVersion doesn't
	// match the current stored version, and
	// eventsourcing.ErrUniqueConstraintViolation if any claim would collide.
	AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event) error

	// AppendEventsIdempotent appends events with command-level idempotency.
	// If commandID was already processed, the recorded result is returned
	// without appending. TTL bounds how long processed commands are
	// remembered; zero means eventsourcing.DefaultCommandTTL.
	AppendEventsIdempotent(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event, commandID string, ttl time.Duration) (*eventsourcing.CommandResult, error)

	// GetCommandResult retrieves the result of a previously processed command.
	// Returns nil if the command hasn't been processed or its TTL expired.
	GetCommandResult(ctx context.Context, commandID string) (*eventsourcing.CommandResult, error)

	// CleanExpiredCommands removes processed-command records past their TTL
	// and returns how many were deleted.
	CleanExpiredCommands(ctx context.Context) (int64, error)

	// LoadEvents loads an aggregate's events with version > afterVersion,
	// ordered by version.
	LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*eventsourcing.Event, error)

	// LoadEventsRange loads an aggregate's events with
	// afterVersion < version <= toVersion, ordered by version.
	// toVersion <= 0 means no upper bound.
	LoadEventsRange(ctx context.Context, aggregateID string, afterVersion, toVersion int64) ([]*eventsourcing.Event, error)

	// LoadAllEvents loads events across all aggregates with
	// global sequence > fromPosition, ordered by global sequence.
	// Used for projection catch-up; limit bounds the batch.
	LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*eventsourcing.Event, error)

	// LoadEventsByType is LoadAllEvents restricted to the given event types.
	LoadEventsByType(ctx context.Context, eventTypes []string, fromPosition int64, limit int) ([]*eventsourcing.Event, error)

	// LoadEventsByTimeRange is LoadAllEvents restricted to events created
	// within [from, to). Zero bounds are open.
	LoadEventsByTimeRange(ctx context.Context, from, to time.Time, fromPosition int64, limit int) ([]*eventsourcing.Event, error)

	// LoadEventsByMetadata is LoadAllEvents restricted to events whose
	// metadata field equals the given value. Supported keys: causation_id,
	// correlation_id, principal_id, tenant_id.
	LoadEventsByMetadata(ctx context.Context, key, value string, fromPosition int64, limit int) ([]*eventsourcing.Event, error)

	// GetAggregateVersion returns the current version of an aggregate.
	// Returns 0 if the aggregate doesn't exist.
	GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error)

	// CurrentGlobalSequence returns the high-water mark of the log.
	CurrentGlobalSequence(ctx context.Context) (int64, error)

	// GetStats returns log-level statistics.
	GetStats(ctx context.Context) (*StoreStats, error)

	// CheckUniqueness checks if a value is available for claiming.
	// Returns true if available; otherwise the owning aggregate ID.
	CheckUniqueness(ctx context.Context, indexName, value string) (bool, string, error)

	// GetConstraintOwner returns the aggregate ID that owns a unique value.
	// Returns empty string if the value is not claimed.
	GetConstraintOwner(ctx context.Context, indexName, value string) (string, error)

	// RebuildConstraints rebuilds the unique constraint index from the event
	// stream. Used for recovery or migration scenarios.
	RebuildConstraints(ctx context.Context) error

	// Close closes the event store and releases resources.
	Close() error
}

// StoreStats describes the shape of the event log.
type StoreStats struct {
	TotalEvents           int64
	TotalAggregates       int64
	EventsByAggregateType map[string]int64
	EventsByEventType     map[string]int64
	GlobalSequence        int64
	StoreSizeBytes        int64
}

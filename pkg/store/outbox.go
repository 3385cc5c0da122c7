package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

// OutboxStatus is the lifecycle state of an outbox entry.
type OutboxStatus string

const (
	// OutboxStatusPending marks an entry awaiting dispatch.
	OutboxStatusPending OutboxStatus = "PENDING"

	// OutboxStatusProcessing marks an entry claimed by a dispatcher.
	OutboxStatusProcessing OutboxStatus = "PROCESSING"

	// OutboxStatusCompleted marks a successfully published entry.
	OutboxStatusCompleted OutboxStatus = "COMPLETED"

	// OutboxStatusFailed marks an entry whose last dispatch attempt failed.
	// With NextRetryAt set the entry is waiting out its backoff window;
	// without one it is poison and requires operator intervention
	// (Requeue or Cancel).
	OutboxStatusFailed OutboxStatus = "FAILED"

	// OutboxStatusCancelled marks an entry withdrawn by an operator.
	OutboxStatusCancelled OutboxStatus = "CANCELLED"
)

// Outbox priority bounds. Lower values dispatch first.
const (
	OutboxPriorityHighest = 1
	OutboxPriorityDefault = 5
	OutboxPriorityLowest  = 10
)

// OutboxEntry is one staged publication. Entries are written in the same
// transaction as their event, which is what makes publication at-least-once
// rather than maybe-never.
type OutboxEntry struct {
	// OutboxID is the unique identifier of this entry.
	OutboxID string

	// EventID references the event this entry publishes.
	EventID string

	// EventType and aggregate identity are denormalized for routing without
	// payload parsing.
	EventType      string
	AggregateID    string
	AggregateType  string
	GlobalSequence int64

	// Destination is the logical target (e.g. a subject prefix).
	Destination string

	// Payload is the serialized publication envelope.
	Payload []byte

	// PartitionKey groups entries that must dispatch in order.
	// Defaults to the aggregate ID.
	PartitionKey string

	// Priority orders dispatch; OutboxPriorityHighest first.
	Priority int

	Status     OutboxStatus
	RetryCount int
	LastError  string

	// ClaimToken identifies the dispatcher holding this entry while
	// PROCESSING. Claims expire after the visibility timeout.
	ClaimToken string

	// NextRetryAt schedules the next dispatch attempt after a failure.
	// Non-nil exactly when Status is FAILED and the retry budget is not
	// exhausted; a FAILED entry without a schedule is poison.
	NextRetryAt *time.Time

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// OutboxRoute tells the store where one event should be published.
type OutboxRoute struct {
	// Destination is the logical target of the publication.
	Destination string

	// PartitionKey overrides the default (the aggregate ID).
	PartitionKey string

	// Priority overrides OutboxPriorityDefault.
	Priority int
}

// OutboxRouter decides which outbox entries an event produces.
// Returning no routes means the event is not published.
type OutboxRouter interface {
	Route(evt *eventsourcing.Event) []OutboxRoute
}

// OutboxRouterFunc is a function adapter for OutboxRouter.
type OutboxRouterFunc func(evt *eventsourcing.Event) []OutboxRoute

// Route implements OutboxRouter.
func (f OutboxRouterFunc) Route(evt *eventsourcing.Event) []OutboxRoute {
	return f(evt)
}

// PublishAllRouter routes every event to a single destination with defaults.
func PublishAllRouter(destination string) OutboxRouter {
	return OutboxRouterFunc(func(evt *eventsourcing.Event) []OutboxRoute {
		return []OutboxRoute{{Destination: destination}}
	})
}

// OutboxStore persists and claims outbox entries.
type OutboxStore interface {
	// Stage inserts entries in their own transaction. Prefer StageInTx from
	// inside an append transaction; the event store does this automatically
	// when it has a router.
	Stage(ctx context.Context, entries []*OutboxEntry) error

	// StageInTx inserts entries within an existing transaction.
	StageInTx(ctx context.Context, tx *sql.Tx, entries []*OutboxEntry) error

	// Claim atomically marks up to batchSize eligible entries — PENDING, or
	// FAILED with an elapsed NextRetryAt — as PROCESSING under the given
	// claim token and returns them ordered by priority, then staging time.
	// Entries whose partition has an in-flight
	// PROCESSING entry are skipped to preserve per-partition order. Claims
	// expire after the store's visibility timeout.
	Claim(ctx context.Context, claimToken string, batchSize int) ([]*OutboxEntry, error)

	// MarkCompleted transitions claimed entries to COMPLETED.
	MarkCompleted(ctx context.Context, claimToken string, outboxIDs []string) error

	// MarkFailed transitions a claimed entry to FAILED: the retry count is
	// incremented and NextRetryAt set with exponential backoff while retries
	// remain; once exhausted the entry is parked as poison with no schedule.
	MarkFailed(ctx context.Context, claimToken string, outboxID string, dispatchErr error) error

	// Cancel withdraws a PENDING or FAILED entry.
	Cancel(ctx context.Context, outboxID string) error

	// Requeue resets a FAILED entry to PENDING with a zero retry count.
	Requeue(ctx context.Context, outboxID string) error

	// ListFailed returns poison entries for operator inspection. FAILED
	// entries still inside their retry window are not poison and are
	// excluded.
	ListFailed(ctx context.Context, limit int) ([]*OutboxEntry, error)

	// ReleaseExpiredClaims returns PROCESSING entries whose claim passed the
	// visibility timeout back to PENDING. Returns how many were released.
	ReleaseExpiredClaims(ctx context.Context) (int64, error)

	// DeleteCompleted removes COMPLETED and CANCELLED entries finished before
	// the cutoff. Returns how many were deleted.
	DeleteCompleted(ctx context.Context, cutoff time.Time) (int64, error)

	// GetStats returns entry counts by status and dispatch lag.
	GetStats(ctx context.Context) (*OutboxStats, error)
}

// OutboxStats describes the state of the outbox.
type OutboxStats struct {
	CountByStatus map[OutboxStatus]int64

	// RetryScheduled counts FAILED entries still waiting out a backoff
	// window. CountByStatus[FAILED] minus this is the poison count.
	RetryScheduled int64

	// OldestPending is the staging time of the oldest PENDING entry; zero
	// when the outbox is drained.
	OldestPending time.Time
}

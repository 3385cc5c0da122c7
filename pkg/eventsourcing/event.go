package eventsourcing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Event is the persisted envelope for a single domain event.
// Events are immutable facts about state changes; once committed they are
// never mutated or deleted.
type Event struct {
	// ID is the unique identifier for this event. Deterministic when produced
	// under a command ID, otherwise a sortable ULID.
	ID string `json:"event_id"`

	// AggregateID is the identifier of the aggregate this event belongs to.
	AggregateID string `json:"aggregate_id"`

	// AggregateType is the type name of the aggregate (e.g. "Account").
	AggregateType string `json:"aggregate_type"`

	// Version is the aggregate version after applying this event.
	// The first event of an aggregate has version 1.
	Version int64 `json:"aggregate_version"`

	// GlobalSequence is the store-assigned monotonic position of this event
	// across all aggregates. Zero until the event is committed. Gaps may
	// exist; ordering always holds.
	GlobalSequence int64 `json:"global_sequence"`

	// EventType identifies the concrete event schema (e.g. "AccountOpened").
	EventType string `json:"event_type"`

	// EventVersion is the schema revision of the payload. Defaults to 1.
	EventVersion int `json:"event_version"`

	// Payload is the canonical JSON document carrying the domain data.
	Payload []byte `json:"payload"`

	// Metadata carries contextual information about the event.
	Metadata EventMetadata `json:"metadata"`

	// Checksum is the hex-encoded SHA-256 over the canonical payload.
	// Recomputed and verified on every read.
	Checksum string `json:"checksum"`

	// CreatedAt is the server-assigned creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// Constraints are the unique constraints claimed or released by this
	// event. They are validated atomically with event persistence.
	Constraints []UniqueConstraint `json:"constraints,omitempty"`
}

// SizeBytes returns the payload size. Derived, not stored separately in memory.
func (e *Event) SizeBytes() int64 {
	return int64(len(e.Payload))
}

// VerifyChecksum recomputes the payload checksum and compares it with the
// stored one. Returns a ChecksumMismatchError on divergence.
func (e *Event) VerifyChecksum() error {
	computed := Checksum(e.Payload)
	if computed != e.Checksum {
		return &ChecksumMismatchError{EventID: e.ID, Expected: e.Checksum, Actual: computed}
	}
	return nil
}

// EventMetadata carries contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event.
	CausationID string `json:"causation_id,omitempty"`

	// CorrelationID traces related events across aggregates.
	CorrelationID string `json:"correlation_id,omitempty"`

	// PrincipalID identifies the principal (user, service, system) behind
	// this event.
	PrincipalID string `json:"principal_id,omitempty"`

	// TenantID identifies the owning tenant in multi-tenant deployments.
	TenantID string `json:"tenant_id,omitempty"`

	// Custom carries free-form application tags.
	Custom map[string]string `json:"custom,omitempty"`
}

// EventEnvelope pairs a stored event with its decoded, upcasted payload.
type EventEnvelope struct {
	Event

	// Payload is the decoded domain event, ready for typed dispatch.
	Payload any
}

// UniqueConstraint represents a uniqueness claim or release on a value.
type UniqueConstraint struct {
	// IndexName names the constraint (e.g. "account_number").
	IndexName string `json:"index_name"`

	// Value is the unique value being claimed or released.
	Value string `json:"value"`

	// Operation specifies whether to claim or release the value.
	Operation ConstraintOperation `json:"operation"`
}

// ConstraintOperation defines operations on unique constraints.
type ConstraintOperation string

const (
	// ConstraintClaim claims a unique value for this aggregate.
	ConstraintClaim ConstraintOperation = "claim"

	// ConstraintRelease releases a previously claimed value.
	ConstraintRelease ConstraintOperation = "release"
)

// GenerateDeterministicEventID derives an event ID from its command context.
// The same command always produces the same event IDs, which is what makes
// command-level idempotency safe across retries.
func GenerateDeterministicEventID(commandID, aggregateID string, sequence int) string {
	h := sha256.New()
	h.Write([]byte(fmt.Sprintf("%s:%s:%d", commandID, aggregateID, sequence)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// DefaultCommandTTL is the default time to remember processed commands.
const DefaultCommandTTL = 7 * 24 * time.Hour

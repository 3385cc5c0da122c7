package eventsourcing

import (
	"fmt"

	"github.com/keelsonlabs/keelson/pkg/idgen"
)

// Aggregate is the contract every event-sourced aggregate satisfies.
// AggregateRoot provides the canonical implementation; embed it and register
// appliers for each event type the aggregate understands.
type Aggregate interface {
	// ID returns the unique identifier of the aggregate.
	ID() string

	// Type returns the aggregate type name.
	Type() string

	// Version returns the current version of the aggregate.
	Version() int64

	// ApplyEvent replays one decoded event against the aggregate state
	// without recording it as uncommitted.
	ApplyEvent(envelope *EventEnvelope) error

	// LoadFromHistory decodes and replays committed events in order.
	LoadFromHistory(events []*Event) error

	// LoadFromSnapshot marks the aggregate as restored at the given version.
	// Callers restore the state separately, then replay the tail.
	LoadFromSnapshot(version int64) error

	// UncommittedEvents returns events applied but not yet persisted.
	UncommittedEvents() []*Event

	// MarkCommitted discards the uncommitted list after persistence.
	MarkCommitted()
}

// ApplierFunc mutates aggregate state from one decoded event payload.
// Appliers must be pure with respect to the aggregate's own fields: no I/O,
// no clock reads, no side effects. They are replayed during reconstruction
// and events are facts that cannot be rejected at that point.
type ApplierFunc func(payload any, evt *Event) error

// AggregateRoot provides base behavior for aggregates: typed event dispatch,
// version tracking and the uncommitted event list. Embed it by value:
//
//	type Account struct {
//	    eventsourcing.AggregateRoot
//	    Balance decimal.Decimal
//	}
//
//	func NewAccount(id string) *Account {
//	    a := &Account{}
//	    a.AggregateRoot = eventsourcing.NewAggregateRoot(id, "Account")
//	    eventsourcing.Handle(&a.AggregateRoot, func(e *AccountOpened, _ *eventsourcing.Event) error {
//	        a.Balance = e.OpeningAmount
//	        return nil
//	    })
//	    return a
//	}
type AggregateRoot struct {
	id            string
	aggregateType string
	version       int64
	uncommitted   []*Event
	commandID     string
	appliers      map[string]ApplierFunc
	codec         *Codec
}

// AggregateOption configures an AggregateRoot.
type AggregateOption func(*AggregateRoot)

// WithAggregateCodec sets the codec used to encode emitted events and decode
// replayed ones. Defaults to a codec over DefaultRegistry.
func WithAggregateCodec(codec *Codec) AggregateOption {
	return func(a *AggregateRoot) {
		a.codec = codec
	}
}

// NewAggregateRoot creates an aggregate root with the given identity.
func NewAggregateRoot(id, aggregateType string, opts ...AggregateOption) AggregateRoot {
	a := AggregateRoot{
		id:            id,
		aggregateType: aggregateType,
		uncommitted:   make([]*Event, 0),
		appliers:      make(map[string]ApplierFunc),
	}
	for _, opt := range opts {
		opt(&a)
	}
	if a.codec == nil {
		a.codec = NewCodec()
	}
	return a
}

// Handle registers a typed state-update function for the payload type E.
// The event type tag is resolved from the codec's registry, so E must be a
// registered event. Registration happens in the aggregate factory; a missing
// handler during dispatch fails with ErrHandlerNotFound.
func Handle[E any](a *AggregateRoot, apply func(e *E, evt *Event) error) {
	def, ok := a.codec.Registry().DefinitionOf(new(E))
	if !ok {
		panic(fmt.Sprintf("eventsourcing: cannot register applier for unregistered event type %T", new(E)))
	}
	a.appliers[def.EventType] = func(payload any, evt *Event) error {
		typed, ok := payload.(*E)
		if !ok {
			return &SchemaMismatchError{
				EventType: def.EventType,
				Err:       fmt.Errorf("applier expects %T, got %T", new(E), payload),
			}
		}
		return apply(typed, evt)
	}
}

// HandleFunc registers an untyped applier under an explicit event type tag.
// Prefer Handle; this exists for dynamic aggregates.
func (a *AggregateRoot) HandleFunc(eventType string, apply ApplierFunc) {
	a.appliers[eventType] = apply
}

// ID returns the aggregate's unique identifier.
func (a *AggregateRoot) ID() string {
	return a.id
}

// Type returns the aggregate's type name.
func (a *AggregateRoot) Type() string {
	return a.aggregateType
}

// Version returns the aggregate's current version.
func (a *AggregateRoot) Version() int64 {
	return a.version
}

// SetCommandID binds the command being processed, making emitted event IDs
// deterministic for idempotent replays. Call before executing a command.
func (a *AggregateRoot) SetCommandID(commandID string) {
	a.commandID = commandID
}

// ApplyChange applies a new domain event to the aggregate: the payload is
// encoded, dispatched to its registered applier, versioned and recorded as
// uncommitted. Command methods validate BEFORE calling ApplyChange; once
// emitted, the event is a fact.
func (a *AggregateRoot) ApplyChange(payload any, metadata EventMetadata) error {
	return a.ApplyChangeWithConstraints(payload, metadata, nil)
}

// ApplyChangeWithConstraints is ApplyChange plus unique constraint claims or
// releases, validated atomically when the event is persisted.
func (a *AggregateRoot) ApplyChangeWithConstraints(payload any, metadata EventMetadata, constraints []UniqueConstraint) error {
	enc, err := a.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	applier, ok := a.appliers[enc.EventType]
	if !ok {
		return &HandlerNotFoundError{AggregateType: a.aggregateType, EventType: enc.EventType}
	}

	var eventID string
	if a.commandID != "" {
		eventID = GenerateDeterministicEventID(a.commandID, a.id, len(a.uncommitted))
	} else {
		eventID = idgen.MustGenerateSortableID()
	}

	evt := &Event{
		ID:            eventID,
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		Version:       a.version + 1,
		EventType:     enc.EventType,
		EventVersion:  enc.EventVersion,
		Payload:       enc.Payload,
		Metadata:      metadata,
		Checksum:      enc.Checksum,
		CreatedAt:     Now(),
		Constraints:   constraints,
	}

	if err := applier(payload, evt); err != nil {
		return fmt.Errorf("failed to apply %s: %w", enc.EventType, err)
	}

	a.uncommitted = append(a.uncommitted, evt)
	a.version++
	return nil
}

// ApplyEvent replays one decoded event. The event must target this aggregate
// and carry the next contiguous version. State is mutated through the
// registered applier; nothing is recorded as uncommitted.
func (a *AggregateRoot) ApplyEvent(envelope *EventEnvelope) error {
	if envelope.AggregateID != a.id {
		return &ValidationError{
			Field:   "aggregate_id",
			Message: fmt.Sprintf("event targets aggregate %s, not %s", envelope.AggregateID, a.id),
		}
	}
	if envelope.Event.Version != a.version+1 {
		return fmt.Errorf("%w: expected version %d, got %d", ErrInvalidVersion, a.version+1, envelope.Event.Version)
	}

	applier, ok := a.appliers[envelope.EventType]
	if !ok {
		return &HandlerNotFoundError{AggregateType: a.aggregateType, EventType: envelope.EventType}
	}
	if err := applier(envelope.Payload, &envelope.Event); err != nil {
		return fmt.Errorf("failed to apply %s during replay: %w", envelope.EventType, err)
	}

	a.version = envelope.Event.Version
	return nil
}

// LoadFromHistory reconstructs aggregate state by decoding and replaying
// committed events in order.
func (a *AggregateRoot) LoadFromHistory(events []*Event) error {
	for _, evt := range events {
		envelope, err := a.codec.Decode(evt)
		if err != nil {
			return fmt.Errorf("failed to decode event %s: %w", evt.ID, err)
		}
		if err := a.ApplyEvent(envelope); err != nil {
			return err
		}
	}
	return nil
}

// LoadFromSnapshot marks the aggregate as restored at the snapshot's version.
// The caller restores the captured state first, then replays the tail with
// LoadFromHistory.
func (a *AggregateRoot) LoadFromSnapshot(version int64) error {
	if version <= 0 {
		return &ValidationError{Field: "version", Message: "snapshot version must be positive"}
	}
	if a.version != 0 || len(a.uncommitted) > 0 {
		return &ValidationError{Field: "version", Message: "aggregate already has state"}
	}
	a.version = version
	return nil
}

// UncommittedEvents returns events that have not been persisted yet.
func (a *AggregateRoot) UncommittedEvents() []*Event {
	return a.uncommitted
}

// HasUncommitted reports whether any events await persistence.
func (a *AggregateRoot) HasUncommitted() bool {
	return len(a.uncommitted) > 0
}

// MarkCommitted discards the uncommitted list. Called after a successful
// commit; the aggregate's version already reflects the persisted events.
func (a *AggregateRoot) MarkCommitted() {
	a.uncommitted = make([]*Event, 0)
}

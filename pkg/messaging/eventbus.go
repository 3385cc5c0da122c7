// Package messaging defines the broker-facing contracts of the runtime.
// Implementations live in pkg/nats; the outbox dispatcher and read-side
// consumers depend only on these interfaces.
package messaging

import (
	"context"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/store"
)

// EventPublisher delivers staged outbox entries to a broker.
//
// Publications must be idempotent per entry: the dispatcher retries entries
// on failure and may redeliver after a crash, so implementations deduplicate
// on the event ID (or tolerate duplicates).
type EventPublisher interface {
	// Publish delivers one entry to its destination, blocking until the
	// broker acknowledges the message. Respects context cancellation.
	//
	// Entries sharing a partition key arrive one Publish call at a time, in
	// staging order: the dispatcher claims at most one entry per partition
	// and publishes a batch sequentially. Implementations must not reorder
	// within a call (there is nothing to reorder) or acknowledge before the
	// broker has durably accepted the message, or the ordering guarantee
	// degrades to best-effort.
	Publish(ctx context.Context, entry *store.OutboxEntry) error

	// Close releases broker resources.
	Close() error
}

// EventPublisherFunc is a function adapter for EventPublisher.
type EventPublisherFunc func(ctx context.Context, entry *store.OutboxEntry) error

// Publish implements EventPublisher.
func (f EventPublisherFunc) Publish(ctx context.Context, entry *store.OutboxEntry) error {
	return f(ctx, entry)
}

// Close implements EventPublisher.
func (f EventPublisherFunc) Close() error { return nil }

// EventHandler consumes one published event. Returning an error rejects the
// delivery; redelivery depends on the broker's configuration.
type EventHandler func(ctx context.Context, event *eventsourcing.Event) error

// EventFilter selects which published events a subscription receives.
// Zero-value fields match everything.
type EventFilter struct {
	// Destination narrows to one logical destination (subject prefix).
	Destination string

	// AggregateTypes filters by aggregate type.
	AggregateTypes []string

	// EventTypes filters by event type.
	EventTypes []string
}

// EventSubscriber attaches durable consumers to the broker. Subscriptions
// with the same name resume where the previous consumer left off.
type EventSubscriber interface {
	Subscribe(ctx context.Context, name string, filter EventFilter, handler EventHandler) (Subscription, error)

	// Close terminates all subscriptions and releases broker resources.
	Close() error
}

// Subscription is an active consumer registration.
type Subscription interface {
	// Unsubscribe stops delivery and removes the consumer.
	Unsubscribe() error
}

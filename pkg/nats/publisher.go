package nats

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/keelsonlabs/keelson/pkg/messaging"
	"github.com/keelsonlabs/keelson/pkg/store"
)

// Publisher delivers outbox entries to JetStream. It implements
// messaging.EventPublisher.
//
// Publications carry the event ID as the JetStream message ID, so redelivery
// after a dispatcher crash deduplicates inside the broker's duplicate window.
type Publisher struct {
	nc   *nats.Conn
	js   nats.JetStreamContext
	opts *options

	mu      sync.Mutex
	streams map[string]bool
}

// NewPublisher connects to the broker at url.
//
// Example:
//
//	publisher, err := nats.NewPublisher(ctx, srv.URL(),
//	    nats.WithClientName("billing"),
//	    nats.WithCredentialsProvider(creds))
//	if err != nil {
//	    return err
//	}
//	dispatcher := outbox.NewDispatcher(outboxStore, publisher)
func NewPublisher(ctx context.Context, url string, opts ...Option) (*Publisher, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	nc, js, err := o.connect(ctx, url)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		nc:      nc,
		js:      js,
		opts:    o,
		streams: make(map[string]bool),
	}, nil
}

// Publish sends one entry to its destination subject and blocks until the
// stream acknowledges it.
func (p *Publisher) Publish(ctx context.Context, entry *store.OutboxEntry) error {
	destination := entry.Destination
	if destination == "" {
		destination = DefaultDestination
	}
	if err := p.ensureStream(destination); err != nil {
		return err
	}

	subject := fmt.Sprintf("%s.%s.%s", destination, entry.AggregateType, entry.EventType)
	msgID := entry.EventID
	if msgID == "" {
		msgID = entry.OutboxID
	}

	_, err := p.js.Publish(subject, entry.Payload, nats.Context(ctx), nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish event %s to %s: %w", entry.EventID, subject, err)
	}
	return nil
}

// Close closes the broker connection.
func (p *Publisher) Close() error {
	p.nc.Close()
	return nil
}

func (p *Publisher) ensureStream(destination string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.streams[destination] {
		return nil
	}
	if err := ensureStream(p.js, destination, p.opts); err != nil {
		return err
	}
	p.streams[destination] = true
	return nil
}

var _ messaging.EventPublisher = (*Publisher)(nil)

package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/messaging"
)

// Subscriber attaches durable JetStream consumers. It implements
// messaging.EventSubscriber.
//
// A subscription's name doubles as its durable consumer name: reattaching
// with the same name resumes delivery after the last acknowledged event.
// Closing the subscriber detaches without deleting durable state; only
// Subscription.Unsubscribe removes the consumer from the broker.
type Subscriber struct {
	nc   *nats.Conn
	js   nats.JetStreamContext
	opts *options

	// root is cancelled on Close so in-flight handlers observe shutdown.
	root   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

// NewSubscriber connects to the broker at url.
func NewSubscriber(ctx context.Context, url string, opts ...Option) (*Subscriber, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	nc, js, err := o.connect(ctx, url)
	if err != nil {
		return nil, err
	}

	root, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		nc:     nc,
		js:     js,
		opts:   o,
		root:   root,
		cancel: cancel,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Subscribe attaches a durable consumer named name. Events matching the
// filter are decoded and handed to handler; handler errors reject the
// delivery for broker redelivery. Events that cannot be decoded at all are
// terminated so they do not redeliver forever.
func (s *Subscriber) Subscribe(ctx context.Context, name string, filter messaging.EventFilter, handler messaging.EventHandler) (messaging.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("subscriber is closed")
	}

	consumer := sanitizeConsumerName(name)
	if consumer == "" {
		return nil, fmt.Errorf("subscription name must not be empty")
	}
	if _, ok := s.subs[consumer]; ok {
		return nil, fmt.Errorf("subscription %s already active", consumer)
	}

	destination := filter.Destination
	if destination == "" {
		destination = DefaultDestination
	}
	if err := ensureStream(s.js, destination, s.opts); err != nil {
		return nil, err
	}

	logger := s.opts.logger
	subOpts := []nats.SubOpt{
		nats.Durable(consumer),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
	}
	if s.opts.ackWait > 0 {
		subOpts = append(subOpts, nats.AckWait(s.opts.ackWait))
	}

	sub, err := s.js.QueueSubscribe(
		subjectForFilter(destination, filter),
		consumer,
		func(msg *nats.Msg) {
			var event eventsourcing.Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				logger.Error("terminating undecodable publication",
					"consumer", consumer, "subject", msg.Subject, "error", err)
				msg.Term()
				return
			}

			// Broad subjects over-deliver; drop what the filter excludes.
			if !filterMatches(filter, &event) {
				msg.Ack()
				return
			}

			if err := handler(s.root, &event); err != nil {
				logger.Warn("event handler rejected delivery",
					"consumer", consumer, "event_id", event.ID, "error", err)
				msg.Nak()
				return
			}
			msg.Ack()
		},
		subOpts...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", consumer, err)
	}

	s.subs[consumer] = sub
	return &subscription{subscriber: s, sub: sub, consumer: consumer}, nil
}

// Close cancels in-flight handlers and closes the connection. Durable
// consumers stay on the broker and resume on the next Subscribe.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	s.nc.Close()
	return nil
}

// subjectForFilter narrows the subscription subject as far as the filter
// allows; anything more selective is enforced per message.
func subjectForFilter(destination string, filter messaging.EventFilter) string {
	switch {
	case len(filter.AggregateTypes) == 1 && len(filter.EventTypes) == 1:
		return fmt.Sprintf("%s.%s.%s", destination, filter.AggregateTypes[0], filter.EventTypes[0])
	case len(filter.AggregateTypes) == 1 && len(filter.EventTypes) == 0:
		return fmt.Sprintf("%s.%s.>", destination, filter.AggregateTypes[0])
	default:
		return destination + ".>"
	}
}

func filterMatches(filter messaging.EventFilter, event *eventsourcing.Event) bool {
	if len(filter.AggregateTypes) > 0 && !slices.Contains(filter.AggregateTypes, event.AggregateType) {
		return false
	}
	if len(filter.EventTypes) > 0 && !slices.Contains(filter.EventTypes, event.EventType) {
		return false
	}
	return true
}

// subscription is an active durable consumer registration.
type subscription struct {
	subscriber *Subscriber
	sub        *nats.Subscription
	consumer   string
}

// Unsubscribe stops delivery and deletes the durable consumer. The
// subscription cannot be resumed afterwards.
func (s *subscription) Unsubscribe() error {
	s.subscriber.mu.Lock()
	defer s.subscriber.mu.Unlock()

	delete(s.subscriber.subs, s.consumer)
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", s.consumer, err)
	}
	return nil
}

var _ messaging.EventSubscriber = (*Subscriber)(nil)

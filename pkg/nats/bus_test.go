package nats_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/messaging"
	"github.com/keelsonlabs/keelson/pkg/nats"
	"github.com/keelsonlabs/keelson/pkg/store"
)

func startServer(t *testing.T) *nats.EmbeddedServer {
	t.Helper()
	srv, err := nats.StartEmbeddedServer(nats.WithStoreDir(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func newPublisher(t *testing.T, url string) *nats.Publisher {
	t.Helper()
	pub, err := nats.NewPublisher(context.Background(), url)
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	t.Cleanup(func() { pub.Close() })
	return pub
}

func newSubscriber(t *testing.T, url string) *nats.Subscriber {
	t.Helper()
	sub, err := nats.NewSubscriber(context.Background(), url)
	if err != nil {
		t.Fatalf("failed to create subscriber: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return sub
}

func stagedEntry(t *testing.T, eventID, aggregateID, eventType string) *store.OutboxEntry {
	t.Helper()
	event := &eventsourcing.Event{
		ID:            eventID,
		AggregateID:   aggregateID,
		AggregateType: "Account",
		Version:       1,
		EventType:     eventType,
		EventVersion:  1,
		Payload:       []byte(`{"amount":"25.00"}`),
		CreatedAt:     time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return &store.OutboxEntry{
		OutboxID:      "out-" + eventID,
		EventID:       eventID,
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: "Account",
		Destination:   "events",
		Payload:       payload,
	}
}

func collect(events chan *eventsourcing.Event) messaging.EventHandler {
	return func(ctx context.Context, event *eventsourcing.Event) error {
		events <- event
		return nil
	}
}

func TestPublishAndSubscribe(t *testing.T) {
	srv := startServer(t)
	pub := newPublisher(t, srv.URL())
	sub := newSubscriber(t, srv.URL())
	ctx := context.Background()

	received := make(chan *eventsourcing.Event, 1)
	subscription, err := sub.Subscribe(ctx, "balances", messaging.EventFilter{
		Destination:    "events",
		AggregateTypes: []string{"Account"},
	}, collect(received))
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer subscription.Unsubscribe()

	// Give the push consumer time to attach.
	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(ctx, stagedEntry(t, "evt-1", "acct-1", "account.Credited")); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	select {
	case event := <-received:
		if event.ID != "evt-1" {
			t.Errorf("expected event evt-1, got %s", event.ID)
		}
		if event.AggregateID != "acct-1" || event.EventType != "account.Credited" {
			t.Errorf("event lost fields in transit: %+v", event)
		}
		if string(event.Payload) != `{"amount":"25.00"}` {
			t.Errorf("payload corrupted: %s", event.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublishDeduplicatesOnEventID(t *testing.T) {
	srv := startServer(t)
	pub := newPublisher(t, srv.URL())
	sub := newSubscriber(t, srv.URL())
	ctx := context.Background()

	received := make(chan *eventsourcing.Event, 10)
	subscription, err := sub.Subscribe(ctx, "dedup", messaging.EventFilter{}, collect(received))
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer subscription.Unsubscribe()

	time.Sleep(100 * time.Millisecond)

	// The dispatcher retries after ambiguous failures, so the same entry can
	// be published more than once.
	entry := stagedEntry(t, "evt-dup", "acct-2", "account.Credited")
	if err := pub.Publish(ctx, entry); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	if err := pub.Publish(ctx, entry); err != nil {
		t.Fatalf("second publish failed: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first delivery")
	}

	select {
	case event := <-received:
		t.Errorf("duplicate delivery of %s", event.ID)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSubscriberFiltersEventTypes(t *testing.T) {
	srv := startServer(t)
	pub := newPublisher(t, srv.URL())
	sub := newSubscriber(t, srv.URL())
	ctx := context.Background()

	received := make(chan *eventsourcing.Event, 10)
	subscription, err := sub.Subscribe(ctx, "credits-only", messaging.EventFilter{
		EventTypes: []string{"account.Credited", "account.Closed"},
	}, collect(received))
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer subscription.Unsubscribe()

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(ctx, stagedEntry(t, "evt-debit", "acct-3", "account.Debited")); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	if err := pub.Publish(ctx, stagedEntry(t, "evt-credit", "acct-3", "account.Credited")); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	select {
	case event := <-received:
		if event.ID != "evt-credit" {
			t.Errorf("filter leaked event %s (%s)", event.ID, event.EventType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for matching event")
	}

	select {
	case event := <-received:
		t.Errorf("filtered event delivered: %s (%s)", event.ID, event.EventType)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDurableConsumerResumes(t *testing.T) {
	srv := startServer(t)
	pub := newPublisher(t, srv.URL())
	ctx := context.Background()

	first, err := nats.NewSubscriber(ctx, srv.URL())
	if err != nil {
		t.Fatalf("failed to create subscriber: %v", err)
	}

	received := make(chan *eventsourcing.Event, 10)
	if _, err := first.Subscribe(ctx, "audit", messaging.EventFilter{}, collect(received)); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(ctx, stagedEntry(t, "evt-a", "acct-4", "account.Opened")); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	// Detach without unsubscribing; the durable consumer keeps its cursor.
	if err := first.Close(); err != nil {
		t.Fatalf("failed to close subscriber: %v", err)
	}

	if err := pub.Publish(ctx, stagedEntry(t, "evt-b", "acct-4", "account.Credited")); err != nil {
		t.Fatalf("failed to publish while detached: %v", err)
	}

	second := newSubscriber(t, srv.URL())
	resumed := make(chan *eventsourcing.Event, 10)
	subscription, err := second.Subscribe(ctx, "audit", messaging.EventFilter{}, collect(resumed))
	if err != nil {
		t.Fatalf("failed to resubscribe: %v", err)
	}
	defer subscription.Unsubscribe()

	select {
	case event := <-resumed:
		if event.ID != "evt-b" {
			t.Errorf("expected resumption at evt-b, got %s", event.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for resumed delivery")
	}

	select {
	case event := <-resumed:
		t.Errorf("already acknowledged event redelivered: %s", event.ID)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := startServer(t)
	pub := newPublisher(t, srv.URL())
	sub := newSubscriber(t, srv.URL())
	ctx := context.Background()

	received := make(chan *eventsourcing.Event, 10)
	subscription, err := sub.Subscribe(ctx, "short-lived", messaging.EventFilter{}, collect(received))
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(ctx, stagedEntry(t, "evt-before", "acct-5", "account.Opened")); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}

	if err := subscription.Unsubscribe(); err != nil {
		t.Fatalf("failed to unsubscribe: %v", err)
	}

	if err := pub.Publish(ctx, stagedEntry(t, "evt-after", "acct-5", "account.Credited")); err != nil {
		t.Fatalf("failed to publish after unsubscribe: %v", err)
	}
	select {
	case event := <-received:
		t.Errorf("delivery after unsubscribe: %s", event.ID)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRejectedDeliveryIsRetried(t *testing.T) {
	srv := startServer(t)
	pub := newPublisher(t, srv.URL())
	ctx := context.Background()

	sub, err := nats.NewSubscriber(ctx, srv.URL(), nats.WithAckWait(200*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create subscriber: %v", err)
	}
	t.Cleanup(func() { sub.Close() })

	attempts := make(chan string, 10)
	fail := true
	subscription, err := sub.Subscribe(ctx, "retry", messaging.EventFilter{},
		func(ctx context.Context, event *eventsourcing.Event) error {
			attempts <- event.ID
			if fail {
				fail = false
				return context.DeadlineExceeded
			}
			return nil
		})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer subscription.Unsubscribe()

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(ctx, stagedEntry(t, "evt-retry", "acct-6", "account.Opened")); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	for delivery := 0; delivery < 2; delivery++ {
		select {
		case id := <-attempts:
			if id != "evt-retry" {
				t.Errorf("delivery %d: unexpected event %s", delivery, id)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for delivery %d", delivery)
		}
	}
}

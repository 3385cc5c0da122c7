// Package outbox moves staged publications from the transactional outbox to
// the broker. The dispatcher polls for dispatchable entries — PENDING, plus
// FAILED entries whose retry window has passed — claims them under a
// per-instance token, publishes through a messaging.EventPublisher, and
// acknowledges or reschedules each entry.
//
// Delivery is at-least-once: an entry is only COMPLETED after the broker
// acknowledged it, so a crash between publish and acknowledge redelivers.
// Consumers deduplicate on event ID.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keelsonlabs/keelson/pkg/breaker"
	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/messaging"
	"github.com/keelsonlabs/keelson/pkg/observability"
	"github.com/keelsonlabs/keelson/pkg/store"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultPublishTimeout = 5 * time.Second
	defaultGCInterval     = time.Hour
	defaultRetention      = 7 * 24 * time.Hour
)

// Dispatcher drains the outbox into a broker. It implements runner.Service.
//
// Multiple dispatcher instances can run against the same outbox: the claim
// protocol keeps each entry with one instance at a time, and per-partition
// ordering is preserved by the store.
type Dispatcher struct {
	store      store.OutboxStore
	publisher  messaging.EventPublisher
	claimToken string

	pollInterval   time.Duration
	batchSize      int
	publishTimeout time.Duration
	gcInterval     time.Duration
	retention      time.Duration

	breaker *breaker.Breaker
	metrics *observability.Metrics
	logger  *slog.Logger

	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPollInterval sets how often the dispatcher looks for work when idle.
// Defaults to 1s.
func WithPollInterval(d time.Duration) Option {
	return func(dp *Dispatcher) {
		dp.pollInterval = d
	}
}

// WithBatchSize sets how many entries are claimed per pass. Defaults to 100.
func WithBatchSize(n int) Option {
	return func(dp *Dispatcher) {
		dp.batchSize = n
	}
}

// WithPublishTimeout bounds each broker publish. Defaults to 5s.
func WithPublishTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		dp.publishTimeout = d
	}
}

// WithRetention sets how long COMPLETED entries are kept before garbage
// collection. Defaults to 7 days.
func WithRetention(d time.Duration) Option {
	return func(dp *Dispatcher) {
		dp.retention = d
	}
}

// WithGCInterval sets how often completed entries are garbage collected.
// Defaults to 1h.
func WithGCInterval(d time.Duration) Option {
	return func(dp *Dispatcher) {
		dp.gcInterval = d
	}
}

// WithBreaker guards broker publishes with a circuit breaker. While the
// breaker is open the dispatcher backs off without burning retry budgets.
func WithBreaker(b *breaker.Breaker) Option {
	return func(dp *Dispatcher) {
		dp.breaker = b
	}
}

// WithMetrics records dispatch counters and backlog size.
func WithMetrics(m *observability.Metrics) Option {
	return func(dp *Dispatcher) {
		dp.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(dp *Dispatcher) {
		dp.logger = logger
	}
}

// NewDispatcher creates a dispatcher that publishes claimed entries through
// the given publisher.
//
// Example:
//
//	dispatcher := outbox.NewDispatcher(outboxStore, jetstreamPublisher,
//	    outbox.WithPollInterval(500*time.Millisecond),
//	    outbox.WithBreaker(breaker.New("nats", breaker.DefaultConfig(), logger)))
//	services := runner.New([]runner.Service{dispatcher})
func NewDispatcher(outboxStore store.OutboxStore, publisher messaging.EventPublisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:          outboxStore,
		publisher:      publisher,
		claimToken:     uuid.NewString(),
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		publishTimeout: defaultPublishTimeout,
		gcInterval:     defaultGCInterval,
		retention:      defaultRetention,
		logger:         slog.Default(),
		wake:           make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements runner.Service.
func (d *Dispatcher) Name() string {
	return "outbox-dispatcher"
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	go d.run()
	d.logger.Info("outbox dispatcher started",
		"claim_token", d.claimToken,
		"poll_interval", d.pollInterval,
		"batch_size", d.batchSize)
	return nil
}

// Stop halts the dispatch loop and waits for the in-flight pass to finish.
// The publisher is not closed; its owner closes it.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck implements runner.HealthChecker by probing the outbox store.
func (d *Dispatcher) HealthCheck(ctx context.Context) error {
	if _, err := d.store.GetStats(ctx); err != nil {
		return fmt.Errorf("outbox store unreachable: %w", err)
	}
	return nil
}

// Wake nudges the dispatcher to poll immediately instead of waiting for the
// next tick. Call it after staging entries to cut dispatch latency.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	gcTicker := time.NewTicker(d.gcInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-ticker.C:
			d.drain(context.Background())
		case <-d.wake:
			d.drain(context.Background())
		case <-gcTicker.C:
			d.collectGarbage(context.Background())
		case <-d.stopCh:
			return
		}
	}
}

// drain dispatches passes until the outbox stops yielding full batches, so a
// burst of stagings clears without waiting out the poll interval.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		claimed, err := d.DispatchOnce(ctx)
		if err != nil {
			d.logger.Error("outbox dispatch pass failed", "error", err)
			return
		}
		if claimed < d.batchSize {
			return
		}
		select {
		case <-d.stopCh:
			return
		default:
		}
	}
}

// DispatchOnce claims and publishes one batch. Returns how many entries were
// claimed; failed entries are rescheduled by the store with backoff.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	released, err := d.store.ReleaseExpiredClaims(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired claims: %w", err)
	}
	if released > 0 {
		d.logger.Warn("released expired outbox claims", "count", released)
	}

	entries, err := d.store.Claim(ctx, d.claimToken, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	completed := make([]string, 0, len(entries))
	for _, entry := range entries {
		start := time.Now()
		err := d.publish(ctx, entry)
		if d.metrics != nil {
			d.metrics.RecordOutboxDispatch(ctx, entry.Destination, time.Since(start), err)
		}
		if err == nil {
			completed = append(completed, entry.OutboxID)
			continue
		}

		if breaker.Rejected(err) {
			// The broker is shielded, not this entry's fault: leave the rest
			// of the claim alone. The visibility timeout returns the entries
			// to PENDING without touching their retry counts.
			d.logger.Warn("outbox dispatch suspended, circuit breaker open",
				"unpublished", len(entries)-len(completed))
			break
		}

		d.logger.Warn("failed to publish outbox entry",
			"outbox_id", entry.OutboxID,
			"event_id", entry.EventID,
			"destination", entry.Destination,
			"retry_count", entry.RetryCount,
			"error", err)
		if markErr := d.store.MarkFailed(ctx, d.claimToken, entry.OutboxID, err); markErr != nil {
			d.logger.Error("failed to record outbox failure",
				"outbox_id", entry.OutboxID, "error", markErr)
		}
	}

	if len(completed) > 0 {
		if err := d.store.MarkCompleted(ctx, d.claimToken, completed); err != nil {
			return len(entries), fmt.Errorf("failed to mark entries completed: %w", err)
		}
	}
	return len(entries), nil
}

func (d *Dispatcher) publish(ctx context.Context, entry *store.OutboxEntry) error {
	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	if d.breaker != nil {
		return d.breaker.Do(func() error {
			return d.publisher.Publish(ctx, entry)
		})
	}
	return d.publisher.Publish(ctx, entry)
}

// collectGarbage removes entries completed before the retention cutoff and
// records the backlog gauge.
func (d *Dispatcher) collectGarbage(ctx context.Context) {
	cutoff := eventsourcing.Now().Add(-d.retention)
	deleted, err := d.store.DeleteCompleted(ctx, cutoff)
	if err != nil {
		d.logger.Error("outbox garbage collection failed", "error", err)
		return
	}
	if deleted > 0 {
		d.logger.Info("collected completed outbox entries", "deleted", deleted)
	}

	if d.metrics != nil {
		if stats, err := d.store.GetStats(ctx); err == nil {
			backlog := stats.CountByStatus[store.OutboxStatusPending] + stats.RetryScheduled
			d.metrics.RecordOutboxBacklog(ctx, backlog)
		}
	}
}

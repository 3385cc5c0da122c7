// Package projection keeps read models in step with the event log. A Runner
// drives one projection: it follows the durable cursor and applies each batch
// of events inside a transaction that also advances the cursor, so a read
// model never acknowledges events it did not process. Handler failures are
// retried with backoff; when retries run out the projection halts and stays
// halted until an operator resets, rebuilds or resumes it.
//
// A Manager runs many projections side by side, each with its own cursor and
// failure domain, and plugs into the service runner.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/observability"
	"github.com/keelsonlabs/keelson/pkg/store"
	"github.com/keelsonlabs/keelson/pkg/transaction"
)

const (
	defaultBatchSize     = 100
	defaultPollInterval  = 5 * time.Second
	defaultMaxAttempts   = 3
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = 5 * time.Minute
	defaultMaxLag        = 1000
)

// Health describes how far a projection is behind the log and whether it is
// serving queries.
type Health struct {
	// Position is the largest global sequence the projection has processed.
	Position int64

	// Lag is how many events the projection is behind the head of the log.
	Lag int64

	// Healthy is true when the projection is not halted and its lag is within
	// the acceptable bound.
	Healthy bool

	// Halted is true when the projection stopped after exhausting handler
	// retries.
	Halted bool

	// LastUpdated is when the cursor last advanced.
	LastUpdated time.Time

	// CompletionRatio is Position relative to the head of the log, in [0, 1].
	CompletionRatio float64
}

// Runner drives one projection against the event log.
//
// Handlers and the cursor advance commit in the same transaction, so under
// crash-restart a projection either re-processes a batch it never
// acknowledged or continues past one it fully applied. Handlers therefore see
// each event at least once and must tolerate replays.
type Runner struct {
	projection  store.Projection
	db          *sql.DB
	events      store.EventStore
	checkpoints store.CheckpointStore
	status      store.ProjectionStatusStore
	codec       *eventsourcing.Codec

	batchSize     int
	pollInterval  time.Duration
	maxAttempts   int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	maxLag        int64

	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	halted  bool
	haltErr error
}

// Option configures a Runner.
type Option func(*Runner)

// WithBatchSize sets how many events are fetched per batch. Defaults to 100.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		r.batchSize = n
	}
}

// WithPollInterval sets how often the runner polls for new events once caught
// up. Defaults to 5s.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.pollInterval = d
	}
}

// WithMaxAttempts sets how many times a failing batch is attempted before the
// projection halts. Defaults to 3.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		r.maxAttempts = n
	}
}

// WithRetryDelay sets the initial and maximum delay between batch attempts.
// The delay doubles per attempt. Defaults to 1s initial, 5m maximum.
func WithRetryDelay(initial, max time.Duration) Option {
	return func(r *Runner) {
		r.retryDelay = initial
		r.maxRetryDelay = max
	}
}

// WithMaxLag sets how many events the projection may trail the log before
// GetHealth reports it unhealthy. Defaults to 1000.
func WithMaxLag(n int64) Option {
	return func(r *Runner) {
		r.maxLag = n
	}
}

// WithCodec sets the codec used to decode stored events into typed payloads.
// Defaults to a codec over the default registry. Events the codec does not
// recognize are delivered as raw envelopes and skipped by projections that
// did not register them.
func WithCodec(c *eventsourcing.Codec) Option {
	return func(r *Runner) {
		r.codec = c
	}
}

// WithStatusStore persists status transitions (HALTED, REBUILDING, READY) for
// monitoring. Without it the runner only tracks halts in memory.
func WithStatusStore(s store.ProjectionStatusStore) Option {
	return func(r *Runner) {
		r.status = s
	}
}

// WithMetrics records processed counts, lag and error counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runner for one projection. The db handle must be the
// database holding the projection's read model; the cursor commits on it in
// the same transaction as the handler's writes.
//
// Example:
//
//	balances := projection.NewBuilder("account-balances").
//	    On(projection.Typed("AccountOpened", applyOpened)).
//	    Build()
//	runner := projection.NewRunner(balances, es.DB(), es,
//	    sqlite.NewCheckpointStore(es.DB()),
//	    projection.WithBatchSize(200))
//	go runner.Run(ctx)
func NewRunner(p store.Projection, db *sql.DB, events store.EventStore, checkpoints store.CheckpointStore, opts ...Option) *Runner {
	r := &Runner{
		projection:    p,
		db:            db,
		events:        events,
		checkpoints:   checkpoints,
		codec:         eventsourcing.NewCodec(),
		batchSize:     defaultBatchSize,
		pollInterval:  defaultPollInterval,
		maxAttempts:   defaultMaxAttempts,
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
		maxLag:        defaultMaxLag,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the projection's name.
func (r *Runner) Name() string {
	return r.projection.Name()
}

// Run catches up and then follows the log until ctx is cancelled or the
// projection halts. Cancellation returns nil; a halt returns the
// ProjectionError (errors.Is ErrProjectionHalted).
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("projection started",
		"projection", r.Name(),
		"batch_size", r.batchSize,
		"poll_interval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.CatchUp(ctx); err != nil {
			if errors.Is(err, eventsourcing.ErrProjectionHalted) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			// Transient store failures heal on the next poll.
			r.logger.Error("projection catch-up failed",
				"projection", r.Name(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// CatchUp processes batches until the projection reaches the head of the log.
// Returns how many events were applied.
func (r *Runner) CatchUp(ctx context.Context) (int, error) {
	if err := r.haltedError(); err != nil {
		return 0, err
	}

	name := r.Name()
	checkpoint, err := r.checkpoints.Load(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	position := checkpoint.Position
	processed := 0
	for {
		events, err := r.events.LoadAllEvents(ctx, position, r.batchSize)
		if err != nil {
			return processed, fmt.Errorf("failed to load events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		if err := r.processBatch(ctx, events); err != nil {
			return processed, err
		}
		position = events[len(events)-1].GlobalSequence
		processed += len(events)

		if r.metrics != nil {
			r.metrics.RecordProjectionProcessed(ctx, name, int64(len(events)))
		}
		if len(events) < r.batchSize {
			break
		}
	}

	if r.metrics != nil {
		if head, err := r.events.CurrentGlobalSequence(ctx); err == nil {
			lag := head - position
			if lag < 0 {
				lag = 0
			}
			r.metrics.RecordProjectionLag(ctx, name, lag)
		}
	}
	return processed, nil
}

// processBatch applies one batch, retrying with exponential backoff. When the
// attempts run out the projection halts.
func (r *Runner) processBatch(ctx context.Context, events []*eventsourcing.Event) error {
	name := r.Name()
	delay := r.retryDelay

	var (
		lastErr   error
		failedSeq int64
	)
	for attempt := 1; ; attempt++ {
		seq, err := r.applyBatch(ctx, events)
		if err == nil {
			return nil
		}
		lastErr, failedSeq = err, seq
		if r.metrics != nil {
			r.metrics.RecordProjectionError(ctx, name, "handler_failed")
		}
		if attempt >= r.maxAttempts {
			break
		}

		r.logger.Warn("projection batch failed, retrying",
			"projection", name,
			"sequence", seq,
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"retry_in", delay,
			"error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > r.maxRetryDelay {
			delay = r.maxRetryDelay
		}
	}
	return r.halt(ctx, failedSeq, lastErr)
}

// applyBatch runs every handler and the cursor advance in one transaction.
// The returned sequence identifies the event whose handler failed; it is zero
// for infrastructure failures.
func (r *Runner) applyBatch(ctx context.Context, events []*eventsourcing.Event) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &eventsourcing.StoreError{Op: "begin projection batch", Err: err}
	}
	defer tx.Rollback()

	txCtx := transaction.WithTx(ctx, tx)
	for _, event := range events {
		envelope, err := r.envelope(event)
		if err != nil {
			return event.GlobalSequence, err
		}
		if err := r.projection.Handle(txCtx, envelope); err != nil {
			return event.GlobalSequence, fmt.Errorf("failed to handle %s: %w", event.EventType, err)
		}
	}

	last := events[len(events)-1]
	checkpoint := &store.ProjectionCheckpoint{
		ProjectionName: r.Name(),
		Position:       last.GlobalSequence,
		LastEventID:    last.ID,
		UpdatedAt:      eventsourcing.Now(),
	}
	if err := r.checkpoints.SaveInTx(ctx, tx, checkpoint); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, &eventsourcing.StoreError{Op: "commit projection batch", Err: err}
	}
	return 0, nil
}

// envelope decodes a stored event. Events without a registered decoder are
// delivered raw so the cursor can advance past types this process does not
// know; projections skip types they did not register.
func (r *Runner) envelope(event *eventsourcing.Event) (*eventsourcing.EventEnvelope, error) {
	if r.codec == nil {
		return &eventsourcing.EventEnvelope{Event: *event}, nil
	}
	envelope, err := r.codec.Decode(event)
	if errors.Is(err, eventsourcing.ErrUnknownEventType) {
		return &eventsourcing.EventEnvelope{Event: *event}, nil
	}
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

// halt stops the projection after retry exhaustion. The read model stays at
// the last committed cursor.
func (r *Runner) halt(ctx context.Context, sequence int64, cause error) error {
	name := r.Name()
	err := &eventsourcing.ProjectionError{Projection: name, Sequence: sequence, Err: cause}

	r.mu.Lock()
	r.halted = true
	r.haltErr = err
	r.mu.Unlock()

	r.saveStatus(ctx, store.ProjectionStatusHalted, cause.Error(), nil)
	if r.metrics != nil {
		r.metrics.RecordProjectionError(ctx, name, "halted")
	}
	r.logger.Error("projection halted",
		"projection", name,
		"sequence", sequence,
		"error", cause)
	return err
}

func (r *Runner) haltedError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted {
		return r.haltErr
	}
	return nil
}

// GetHealth reports the projection's position, lag and halt state.
func (r *Runner) GetHealth(ctx context.Context) (*Health, error) {
	checkpoint, err := r.checkpoints.Load(ctx, r.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	head, err := r.events.CurrentGlobalSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read log head: %w", err)
	}

	lag := head - checkpoint.Position
	if lag < 0 {
		lag = 0
	}
	ratio := 1.0
	if head > 0 {
		ratio = float64(checkpoint.Position) / float64(head)
		if ratio > 1 {
			ratio = 1
		}
	}

	r.mu.Lock()
	halted := r.halted
	r.mu.Unlock()

	return &Health{
		Position:        checkpoint.Position,
		Lag:             lag,
		Healthy:         !halted && lag <= r.maxLag,
		Halted:          halted,
		LastUpdated:     checkpoint.UpdatedAt,
		CompletionRatio: ratio,
	}, nil
}

// Reset clears the read model and deletes the cursor in one transaction, then
// clears any halt. The next catch-up replays the log from the beginning.
// The caller must stop the runner first.
func (r *Runner) Reset(ctx context.Context) error {
	if err := r.reset(ctx); err != nil {
		return err
	}
	r.saveStatus(ctx, store.ProjectionStatusReady, "", nil)
	return nil
}

func (r *Runner) reset(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &eventsourcing.StoreError{Op: "begin projection reset", Err: err}
	}
	defer tx.Rollback()

	txCtx := transaction.WithTx(ctx, tx)
	if err := r.projection.Reset(txCtx); err != nil {
		return fmt.Errorf("failed to reset projection %s: %w", r.Name(), err)
	}
	if err := r.checkpoints.DeleteInTx(ctx, tx, r.Name()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &eventsourcing.StoreError{Op: "commit projection reset", Err: err}
	}

	r.mu.Lock()
	r.halted = false
	r.haltErr = nil
	r.mu.Unlock()
	return nil
}

// Resume clears a halt without touching the read model. The next catch-up
// retries from the committed cursor, so it only helps once the underlying
// cause is fixed.
func (r *Runner) Resume(ctx context.Context) error {
	r.mu.Lock()
	r.halted = false
	r.haltErr = nil
	r.mu.Unlock()

	r.saveStatus(ctx, store.ProjectionStatusReady, "", nil)
	r.logger.Info("projection resumed", "projection", r.Name())
	return nil
}

// Rebuild resets the projection and replays the full log, tracking progress
// in the status store. The caller must stop the runner first.
func (r *Runner) Rebuild(ctx context.Context) error {
	name := r.Name()
	head, err := r.events.CurrentGlobalSequence(ctx)
	if err != nil {
		return fmt.Errorf("failed to read log head: %w", err)
	}

	if err := r.reset(ctx); err != nil {
		r.saveStatus(ctx, store.ProjectionStatusFailed, err.Error(), nil)
		return err
	}

	started := eventsourcing.Now()
	r.saveStatus(ctx, store.ProjectionStatusRebuilding, "", &store.RebuildProgress{
		TotalEvents: head,
		StartedAt:   started,
	})
	r.logger.Info("projection rebuild started", "projection", name, "total_events", head)

	var position, processed int64
	for {
		events, err := r.events.LoadAllEvents(ctx, position, r.batchSize)
		if err != nil {
			err = fmt.Errorf("failed to load events: %w", err)
			r.saveStatus(ctx, store.ProjectionStatusFailed, err.Error(), nil)
			return err
		}
		if len(events) == 0 {
			break
		}

		if err := r.processBatch(ctx, events); err != nil {
			r.saveStatus(ctx, store.ProjectionStatusFailed, err.Error(), nil)
			return err
		}
		position = events[len(events)-1].GlobalSequence
		processed += int64(len(events))
		r.updateProgress(ctx, processed, head, started)

		if len(events) < r.batchSize {
			break
		}
	}

	r.saveStatus(ctx, store.ProjectionStatusReady, "", nil)
	r.logger.Info("projection rebuilt", "projection", name, "events", processed)
	return nil
}

func (r *Runner) updateProgress(ctx context.Context, processed, total int64, started time.Time) {
	if r.status == nil {
		return
	}
	progress := &store.RebuildProgress{
		EventsProcessed: processed,
		TotalEvents:     total,
		StartedAt:       started,
	}
	if processed > 0 && total > processed {
		elapsed := eventsourcing.Now().Sub(started)
		remaining := time.Duration(float64(elapsed) / float64(processed) * float64(total-processed))
		eta := eventsourcing.Now().Add(remaining)
		progress.EstimatedETA = &eta
	}
	if err := r.status.UpdateProgress(ctx, r.Name(), progress); err != nil {
		r.logger.Warn("failed to update rebuild progress",
			"projection", r.Name(), "error", err)
	}
}

func (r *Runner) saveStatus(ctx context.Context, status store.ProjectionStatus, message string, progress *store.RebuildProgress) {
	if r.status == nil {
		return
	}
	err := r.status.Save(ctx, &store.ProjectionState{
		ProjectionName: r.Name(),
		Status:         status,
		Message:        message,
		UpdatedAt:      eventsourcing.Now(),
		Progress:       progress,
	})
	if err != nil {
		r.logger.Warn("failed to save projection status",
			"projection", r.Name(), "status", status, "error", err)
	}
}

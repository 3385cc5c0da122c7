package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/observability"
)

// Repository provides persistence operations for aggregates.
type Repository[T eventsourcing.Aggregate] interface {
	// Load reconstructs an aggregate by ID: latest snapshot (when a
	// snapshotter is configured) plus the event tail.
	Load(ctx context.Context, id string) (T, error)

	// Save persists an aggregate's uncommitted events to the event store.
	Save(ctx context.Context, aggregate T) error

	// SaveWithCommand persists events with command-level idempotency.
	SaveWithCommand(ctx context.Context, aggregate T, commandID string) (*eventsourcing.CommandResult, error)

	// Exists checks if an aggregate exists.
	Exists(ctx context.Context, id string) (bool, error)
}

type repositoryConfig struct {
	snapshots  Snapshotter
	logger     *slog.Logger
	commandTTL time.Duration
	telemetry  *observability.Telemetry
}

// RepositoryOption configures a BaseRepository.
type RepositoryOption func(*repositoryConfig)

// WithSnapshotter enables snapshot-accelerated loads and post-commit
// snapshot recording.
func WithSnapshotter(s Snapshotter) RepositoryOption {
	return func(c *repositoryConfig) {
		c.snapshots = s
	}
}

// WithRepositoryLogger sets the logger. Defaults to slog.Default().
func WithRepositoryLogger(logger *slog.Logger) RepositoryOption {
	return func(c *repositoryConfig) {
		c.logger = logger
	}
}

// WithCommandTTL overrides how long processed commands are remembered by
// SaveWithCommand. Defaults to eventsourcing.DefaultCommandTTL.
func WithCommandTTL(ttl time.Duration) RepositoryOption {
	return func(c *repositoryConfig) {
		c.commandTTL = ttl
	}
}

// WithRepositoryTelemetry traces loads and saves and records repository
// metrics. Event store calls made on behalf of the repository get their own
// child spans, so a save shows up as repository.save with a nested
// eventstore.append.
func WithRepositoryTelemetry(tel *observability.Telemetry) RepositoryOption {
	return func(c *repositoryConfig) {
		c.telemetry = tel
	}
}

// BaseRepository provides the canonical Repository implementation.
//
// Example:
//
//	repo := store.NewRepository(eventStore, bankaccount.NewAccount,
//	    store.WithSnapshotter(snapshotManager))
//
//	account, err := repo.Load(ctx, "acc-1")
type BaseRepository[T eventsourcing.Aggregate] struct {
	eventStore EventStore
	factory    func(id string) T
	cfg        repositoryConfig

	aggregateType string
	repoObs       *observability.RepositoryMiddleware
	storeObs      *observability.EventStoreMiddleware
}

// NewRepository creates a repository for one aggregate type. The factory
// returns a fresh aggregate with its appliers registered.
func NewRepository[T eventsourcing.Aggregate](eventStore EventStore, factory func(id string) T, opts ...RepositoryOption) *BaseRepository[T] {
	cfg := repositoryConfig{
		logger:     slog.Default(),
		commandTTL: eventsourcing.DefaultCommandTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &BaseRepository[T]{
		eventStore: eventStore,
		factory:    factory,
		cfg:        cfg,
	}
	if cfg.telemetry != nil {
		r.aggregateType = factory("").Type()
		r.repoObs = observability.NewRepositoryMiddleware(cfg.telemetry)
		r.storeObs = observability.NewEventStoreMiddleware(cfg.telemetry)
	}
	return r
}

// Load reconstructs an aggregate from its snapshot and event tail.
// A broken snapshot is not fatal: the aggregate is rebuilt from the full
// history instead.
func (r *BaseRepository[T]) Load(ctx context.Context, id string) (T, error) {
	if r.repoObs == nil {
		aggregate, _, err := r.load(ctx, id)
		return aggregate, err
	}

	var (
		aggregate T
		loadErr   error
	)
	_ = r.repoObs.WrapLoad(ctx, r.aggregateType, id, func(ctx context.Context) (bool, error) {
		var snapshotUsed bool
		aggregate, snapshotUsed, loadErr = r.load(ctx, id)
		return snapshotUsed, loadErr
	})
	return aggregate, loadErr
}

func (r *BaseRepository[T]) load(ctx context.Context, id string) (T, bool, error) {
	var zero T
	aggregate := r.factory(id)
	snapshotUsed := false

	if r.cfg.snapshots != nil {
		restored, err := r.cfg.snapshots.Restore(ctx, aggregate)
		if err != nil {
			r.cfg.logger.Warn("snapshot restore failed, replaying full history",
				"aggregate_id", id, "error", err)
			aggregate = r.factory(id)
		} else {
			snapshotUsed = restored
		}
	}

	events, err := r.loadEvents(ctx, id, aggregate.Version())
	if err != nil {
		return zero, false, fmt.Errorf("failed to load events: %w", err)
	}

	if aggregate.Version() == 0 && len(events) == 0 {
		return zero, false, eventsourcing.ErrAggregateNotFound
	}

	if err := aggregate.LoadFromHistory(events); err != nil {
		return zero, snapshotUsed, fmt.Errorf("failed to replay history: %w", err)
	}

	return aggregate, snapshotUsed, nil
}

func (r *BaseRepository[T]) loadEvents(ctx context.Context, id string, afterVersion int64) ([]*eventsourcing.Event, error) {
	if r.storeObs == nil {
		return r.eventStore.LoadEvents(ctx, id, afterVersion)
	}
	var events []*eventsourcing.Event
	_, err := r.storeObs.WrapLoadEvents(ctx, r.aggregateType, id, func(ctx context.Context) (int, error) {
		var err error
		events, err = r.eventStore.LoadEvents(ctx, id, afterVersion)
		return len(events), err
	})
	return events, err
}

func (r *BaseRepository[T]) appendEvents(ctx context.Context, id string, expectedVersion int64, events []*eventsourcing.Event) error {
	if r.storeObs == nil {
		return r.eventStore.AppendEvents(ctx, id, expectedVersion, events)
	}
	return r.storeObs.WrapAppendEvents(ctx, r.aggregateType, id, len(events), func(ctx context.Context) error {
		return r.eventStore.AppendEvents(ctx, id, expectedVersion, events)
	})
}

// Save persists an aggregate's uncommitted events. Saving an aggregate with
// no uncommitted events is a no-op.
func (r *BaseRepository[T]) Save(ctx context.Context, aggregate T) error {
	if r.repoObs == nil {
		return r.save(ctx, aggregate)
	}
	eventCount := len(aggregate.UncommittedEvents())
	return r.repoObs.WrapSave(ctx, aggregate.Type(), aggregate.ID(), aggregate.Version(), eventCount, func(ctx context.Context) error {
		return r.save(ctx, aggregate)
	})
}

func (r *BaseRepository[T]) save(ctx context.Context, aggregate T) error {
	uncommitted := aggregate.UncommittedEvents()
	if len(uncommitted) == 0 {
		return nil
	}

	// Version before the new events; the store validates it against the log.
	expectedVersion := aggregate.Version() - int64(len(uncommitted))

	if err := r.appendEvents(ctx, aggregate.ID(), expectedVersion, uncommitted); err != nil {
		return fmt.Errorf("failed to append events: %w", err)
	}

	aggregate.MarkCommitted()

	if r.cfg.snapshots != nil {
		r.cfg.snapshots.MaybeRecord(ctx, aggregate)
	}
	return nil
}

// SaveWithCommand persists events with command-level idempotency.
// The returned result reports whether the command had already been processed.
func (r *BaseRepository[T]) SaveWithCommand(ctx context.Context, aggregate T, commandID string) (*eventsourcing.CommandResult, error) {
	if r.repoObs == nil {
		return r.saveWithCommand(ctx, aggregate, commandID)
	}

	var (
		result  *eventsourcing.CommandResult
		saveErr error
	)
	eventCount := len(aggregate.UncommittedEvents())
	_ = r.repoObs.WrapSave(ctx, aggregate.Type(), aggregate.ID(), aggregate.Version(), eventCount, func(ctx context.Context) error {
		result, saveErr = r.saveWithCommand(ctx, aggregate, commandID)
		return saveErr
	})
	return result, saveErr
}

func (r *BaseRepository[T]) saveWithCommand(ctx context.Context, aggregate T, commandID string) (*eventsourcing.CommandResult, error) {
	uncommitted := aggregate.UncommittedEvents()
	if len(uncommitted) == 0 {
		return &eventsourcing.CommandResult{CommandID: commandID}, nil
	}

	expectedVersion := aggregate.Version() - int64(len(uncommitted))

	result, err := r.eventStore.AppendEventsIdempotent(ctx, aggregate.ID(), expectedVersion, uncommitted, commandID, r.cfg.commandTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to append events: %w", err)
	}

	if !result.AlreadyProcessed {
		aggregate.MarkCommitted()
		if r.cfg.snapshots != nil {
			r.cfg.snapshots.MaybeRecord(ctx, aggregate)
		}
	}
	return result, nil
}

// Exists checks if an aggregate exists in the event store.
func (r *BaseRepository[T]) Exists(ctx context.Context, id string) (bool, error) {
	version, err := r.eventStore.GetAggregateVersion(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to check aggregate existence: %w", err)
	}
	return version > 0, nil
}

// RetryOnConflict executes fn with retry on optimistic concurrency conflicts.
// fn receives a freshly loaded aggregate on each attempt and is expected to
// mutate and Save it; any error other than a concurrency conflict aborts the
// retries.
func (r *BaseRepository[T]) RetryOnConflict(ctx context.Context, id string, maxRetries int, fn func(T) error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		aggregate, err := r.Load(ctx, id)
		if err != nil {
			return err
		}

		err = fn(aggregate)
		if err == nil {
			return nil
		}
		if !errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		// 10ms, 20ms, 40ms, ...
		backoff := time.Duration(10*(1<<uint(attempt))) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("max retries exceeded")
}

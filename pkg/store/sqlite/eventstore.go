// Package sqlite implements every store contract on SQLite using the pure Go
// modernc.org/sqlite driver: the append-only event log, snapshots, the
// transactional outbox and projection bookkeeping. One *sql.DB is shared by
// all stores; the EventStore owns it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/idgen"
	"github.com/keelsonlabs/keelson/pkg/store"
	"github.com/keelsonlabs/keelson/pkg/transaction"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// EventStore is a SQLite-based implementation of store.EventStore.
// It provides ACID guarantees for event persistence with no CGo dependencies.
type EventStore struct {
	db      *sql.DB
	router  store.OutboxRouter
	outbox  *OutboxStore
	cfg     eventStoreConfig
	mu      sync.RWMutex // Protects concurrent access to connection pool
	closeDB bool
}

// eventStoreConfig holds internal configuration for the SQLite event store.
type eventStoreConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// maxOpenConns sets the maximum number of open connections
	maxOpenConns int

	// maxIdleConns sets the maximum number of idle connections
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// busyTimeout bounds how long a connection waits on a locked database
	busyTimeout time.Duration

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool

	// appendBatchLimit caps how many events one append may carry
	appendBatchLimit int

	// maxEventsPerLoad caps batch sizes on the global read queries
	maxEventsPerLoad int

	// router stages outbox entries for routed events inside the append
	// transaction
	router store.OutboxRouter
}

// defaultEventStoreConfig returns sensible defaults.
func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:              "keelson.db",
		maxOpenConns:     25,
		maxIdleConns:     5,
		walMode:          true,
		busyTimeout:      30 * time.Second,
		autoMigrate:      true,
		appendBatchLimit: 100,
		maxEventsPerLoad: 1000,
	}
}

// EventStoreOption is a function that configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase sets the database to an in-memory database.
func WithMemoryDatabase() EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = ":memory:"
	}
}

// WithFilename sets the filename for the database.
func WithFilename(filename string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = filename
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging for better concurrency.
// This is recommended for production use but not available for :memory: databases.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// WithBusyTimeout bounds how long a connection waits for a locked database
// before failing with SQLITE_BUSY.
func WithBusyTimeout(d time.Duration) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.busyTimeout = d
	}
}

// WithAutoMigrate enables automatic migration on startup.
// When enabled, the event store will automatically run pending migrations.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.autoMigrate = enabled
	}
}

// WithAppendBatchLimit caps how many events a single append may carry.
func WithAppendBatchLimit(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.appendBatchLimit = n
	}
}

// WithMaxEventsPerLoad caps batch sizes on the global read queries
// (LoadAllEvents and its filtered variants).
func WithMaxEventsPerLoad(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxEventsPerLoad = n
	}
}

// WithOutboxRouter enables transactional outbox staging: every appended event
// the router maps to one or more routes produces outbox rows in the same
// transaction as the append.
func WithOutboxRouter(router store.OutboxRouter) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.router = router
	}
}

// NewEventStore creates a new SQLite event store with the given options.
//
// Example usage:
//
//	// Use defaults (keelson.db, WAL mode, auto-migrate)
//	es, err := sqlite.NewEventStore()
//
//	// In-memory database for testing
//	es, err := sqlite.NewEventStore(
//	    sqlite.WithMemoryDatabase(),
//	)
//
//	// Stage outbox entries for every event in the append transaction
//	es, err := sqlite.NewEventStore(
//	    sqlite.WithFilename("/var/lib/app/keelson.db"),
//	    sqlite.WithOutboxRouter(store.PublishAllRouter("events")),
//	)
func NewEventStore(opts ...EventStoreOption) (*EventStore, error) {
	// Start with defaults and apply options
	cfg := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// For :memory: databases, we need to ensure we use a single connection.
	// Otherwise each connection gets its own isolated in-memory database.
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	s := &EventStore{
		db:      db,
		router:  cfg.router,
		cfg:     cfg,
		closeDB: true,
	}
	if cfg.router != nil {
		s.outbox = NewOutboxStore(db)
	}

	if cfg.walMode {
		if err := s.setWALMode(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}
	if cfg.busyTimeout > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout.Milliseconds())); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	if cfg.autoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return s, nil
}

// setWALMode configures the database for WAL mode.
func (s *EventStore) setWALMode() error {
	_, err := s.db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = ON;
	`)
	return err
}

// DB exposes the underlying handle so the other stores (snapshots, outbox,
// checkpoints) and the transaction coordinator can share it.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// RunMigrations applies pending schema migrations. Only needed when the store
// was opened with WithAutoMigrate(false).
func (s *EventStore) RunMigrations() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runMigrations(s.db)
}

// Close closes the event store and releases resources.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closeDB {
		return nil
	}
	s.closeDB = false
	return s.db.Close()
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ambientOr returns the ambient transaction when the context carries one,
// otherwise the given handle. Reads inside a coordinator scope must observe
// that scope's uncommitted writes.
func ambientOr(ctx context.Context, db *sql.DB) querier {
	if tx, ok := transaction.TxFromContext(ctx); ok {
		return tx
	}
	return db
}

// runInTx runs fn inside the ambient transaction when the context carries
// one, otherwise in a transaction of its own. Joined transactions are
// committed by their owner, not here.
func runInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	if tx, ok := transaction.TxFromContext(ctx); ok {
		return fn(tx)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &eventsourcing.StoreError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &eventsourcing.StoreError{Op: "commit", Err: err}
	}
	return nil
}

// q is shorthand for ambientOr over the store's handle.
func (s *EventStore) q(ctx context.Context) querier {
	return ambientOr(ctx, s.db)
}

func (s *EventStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return runInTx(ctx, s.db, fn)
}

// AppendEvents appends events to an aggregate's stream atomically.
func (s *EventStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event) error {
	if err := s.validateBatch(aggregateID, expectedVersion, events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.appendInTx(ctx, tx, aggregateID, expectedVersion, events, "")
	})
}

// AppendEventsIdempotent appends events with command-level idempotency.
// A replayed command returns the original result with AlreadyProcessed set
// instead of appending again.
func (s *EventStore) AppendEventsIdempotent(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event, commandID string, ttl time.Duration) (*eventsourcing.CommandResult, error) {
	if commandID == "" {
		return nil, &eventsourcing.ValidationError{Field: "command_id", Message: "command ID must not be empty"}
	}
	if err := s.validateBatch(aggregateID, expectedVersion, events); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = eventsourcing.DefaultCommandTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result *eventsourcing.CommandResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.commandResult(ctx, tx, commandID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = existing
			return nil
		}

		if err := s.appendInTx(ctx, tx, aggregateID, expectedVersion, events, commandID); err != nil {
			return err
		}

		now := eventsourcing.Now()
		ids := make([]string, len(events))
		for i, evt := range events {
			ids[i] = evt.ID
		}
		idsJSON, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("failed to marshal event IDs: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO processed_commands (command_id, aggregate_id, event_ids, processed_at, expires_at)
			VALUES (?, ?, ?, ?, ?)`,
			commandID, aggregateID, string(idsJSON), now.UnixNano(), now.Add(ttl).UnixNano())
		if err != nil {
			return &eventsourcing.StoreError{Op: "record command", Err: err}
		}

		result = &eventsourcing.CommandResult{
			CommandID:   commandID,
			Events:      events,
			ProcessedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// validateBatch rejects malformed appends before any SQL runs.
func (s *EventStore) validateBatch(aggregateID string, expectedVersion int64, events []*eventsourcing.Event) error {
	if aggregateID == "" {
		return &eventsourcing.ValidationError{Field: "aggregate_id", Message: "aggregate ID must not be empty"}
	}
	if expectedVersion < 0 {
		return &eventsourcing.ValidationError{Field: "expected_version", Message: "expected version must not be negative"}
	}
	if len(events) == 0 {
		return &eventsourcing.ValidationError{Field: "events", Message: "append requires at least one event"}
	}
	if limit := s.cfg.appendBatchLimit; limit > 0 && len(events) > limit {
		return &eventsourcing.ValidationError{
			Field:   "events",
			Message: fmt.Sprintf("batch of %d events exceeds limit %d", len(events), limit),
		}
	}

	for i, evt := range events {
		if evt.AggregateID != aggregateID {
			return &eventsourcing.ValidationError{
				Field:   "aggregate_id",
				Message: fmt.Sprintf("event %d targets aggregate %s, not %s", i, evt.AggregateID, aggregateID),
			}
		}
		if evt.AggregateType == "" {
			return &eventsourcing.ValidationError{Field: "aggregate_type", Message: "aggregate type must not be empty"}
		}
		if evt.EventType == "" {
			return &eventsourcing.ValidationError{Field: "event_type", Message: "event type must not be empty"}
		}
		if want := expectedVersion + int64(i) + 1; evt.Version != want {
			return fmt.Errorf("%w: event %d carries version %d, want %d", eventsourcing.ErrInvalidVersion, i, evt.Version, want)
		}
	}
	return nil
}

// appendInTx performs the optimistic concurrency check, applies unique
// constraint claims, inserts the events and stages their outbox entries, all
// on the given transaction.
func (s *EventStore) appendInTx(ctx context.Context, tx *sql.Tx, aggregateID string, expectedVersion int64, events []*eventsourcing.Event, commandID string) error {
	current, err := aggregateVersion(ctx, tx, aggregateID)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return &eventsourcing.ConcurrencyConflictError{
			AggregateID: aggregateID,
			Expected:    expectedVersion,
			Actual:      current,
		}
	}

	for _, evt := range events {
		if err := s.applyConstraints(ctx, tx, evt); err != nil {
			return err
		}
	}

	now := eventsourcing.Now()
	for i, evt := range events {
		if evt.ID == "" {
			if commandID != "" {
				evt.ID = eventsourcing.GenerateDeterministicEventID(commandID, aggregateID, i)
			} else {
				evt.ID = idgen.MustGenerateSortableID()
			}
		}
		if evt.EventVersion == 0 {
			evt.EventVersion = 1
		}
		if evt.CreatedAt.IsZero() {
			evt.CreatedAt = now
		}
		if evt.Checksum == "" {
			evt.Checksum = eventsourcing.Checksum(evt.Payload)
		}

		customJSON, err := marshalCustomMetadata(evt.Metadata.Custom)
		if err != nil {
			return fmt.Errorf("failed to marshal custom metadata: %w", err)
		}
		constraintsJSON, err := marshalConstraints(evt.Constraints)
		if err != nil {
			return fmt.Errorf("failed to marshal constraints: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO events (
				event_id, aggregate_id, aggregate_type, aggregate_version,
				event_type, event_version, payload, checksum,
				causation_id, correlation_id, principal_id, tenant_id,
				custom_metadata, constraints, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING global_sequence`,
			evt.ID, evt.AggregateID, evt.AggregateType, evt.Version,
			evt.EventType, evt.EventVersion, evt.Payload, evt.Checksum,
			evt.Metadata.CausationID, evt.Metadata.CorrelationID,
			evt.Metadata.PrincipalID, evt.Metadata.TenantID,
			customJSON, constraintsJSON, evt.CreatedAt.UnixNano(),
		).Scan(&evt.GlobalSequence)
		if err != nil {
			return &eventsourcing.StoreError{Op: "append", Err: err}
		}
	}

	if s.router != nil && s.outbox != nil {
		entries, err := s.routeEntries(events, now)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			if err := s.outbox.StageInTx(ctx, tx, entries); err != nil {
				return fmt.Errorf("failed to stage outbox entries: %w", err)
			}
		}
	}

	return nil
}

// applyConstraints validates and applies one event's unique constraint
// operations. Claims already owned by the same aggregate are idempotent.
func (s *EventStore) applyConstraints(ctx context.Context, tx *sql.Tx, evt *eventsourcing.Event) error {
	for _, c := range evt.Constraints {
		switch c.Operation {
		case eventsourcing.ConstraintClaim:
			var owner string
			err := tx.QueryRowContext(ctx,
				`SELECT aggregate_id FROM unique_constraints WHERE index_name = ? AND value = ?`,
				c.IndexName, c.Value).Scan(&owner)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO unique_constraints (index_name, value, aggregate_id, created_at) VALUES (?, ?, ?, ?)`,
					c.IndexName, c.Value, evt.AggregateID, eventsourcing.Now().UnixNano()); err != nil {
					return &eventsourcing.StoreError{Op: "claim constraint", Err: err}
				}
			case err != nil:
				return &eventsourcing.StoreError{Op: "check constraint", Err: err}
			case owner != evt.AggregateID:
				return &eventsourcing.UniqueConstraintError{IndexName: c.IndexName, Value: c.Value, OwnerID: owner}
			}
		case eventsourcing.ConstraintRelease:
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM unique_constraints WHERE index_name = ? AND value = ? AND aggregate_id = ?`,
				c.IndexName, c.Value, evt.AggregateID); err != nil {
				return &eventsourcing.StoreError{Op: "release constraint", Err: err}
			}
		default:
			return &eventsourcing.ValidationError{
				Field:   "constraints",
				Message: fmt.Sprintf("unknown constraint operation %q", c.Operation),
			}
		}
	}
	return nil
}

// routeEntries builds the outbox rows for a committed batch.
func (s *EventStore) routeEntries(events []*eventsourcing.Event, now time.Time) ([]*store.OutboxEntry, error) {
	var entries []*store.OutboxEntry
	for _, evt := range events {
		routes := s.router.Route(evt)
		if len(routes) == 0 {
			continue
		}

		payload, err := json.Marshal(evt)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal outbox payload for event %s: %w", evt.ID, err)
		}

		for _, route := range routes {
			partition := route.PartitionKey
			if partition == "" {
				partition = evt.AggregateID
			}
			priority := route.Priority
			if priority == 0 {
				priority = store.OutboxPriorityDefault
			}

			entries = append(entries, &store.OutboxEntry{
				OutboxID:       idgen.MustGenerateSortableID(),
				EventID:        evt.ID,
				EventType:      evt.EventType,
				AggregateID:    evt.AggregateID,
				AggregateType:  evt.AggregateType,
				GlobalSequence: evt.GlobalSequence,
				Destination:    route.Destination,
				Payload:        payload,
				PartitionKey:   partition,
				Priority:       priority,
				Status:         store.OutboxStatusPending,
				CreatedAt:      now,
			})
		}
	}
	return entries, nil
}

// commandResult loads a previously recorded command result, or nil when the
// command is unknown or its record expired.
func (s *EventStore) commandResult(ctx context.Context, q querier, commandID string) (*eventsourcing.CommandResult, error) {
	var (
		idsJSON     string
		processedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT event_ids, processed_at FROM processed_commands WHERE command_id = ? AND expires_at > ?`,
		commandID, eventsourcing.Now().UnixNano()).Scan(&idsJSON, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "load command", Err: err}
	}

	var ids []string
	if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event IDs for command %s: %w", commandID, err)
	}

	events, err := s.loadEventsByID(ctx, q, ids)
	if err != nil {
		return nil, err
	}

	return &eventsourcing.CommandResult{
		CommandID:        commandID,
		Events:           events,
		AlreadyProcessed: true,
		ProcessedAt:      time.Unix(0, processedAt).UTC(),
	}, nil
}

// GetCommandResult retrieves the result of a previously processed command.
// Returns nil if the command hasn't been processed or its TTL expired.
func (s *EventStore) GetCommandResult(ctx context.Context, commandID string) (*eventsourcing.CommandResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commandResult(ctx, s.q(ctx), commandID)
}

// CleanExpiredCommands removes processed-command records past their TTL.
func (s *EventStore) CleanExpiredCommands(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM processed_commands WHERE expires_at <= ?`, eventsourcing.Now().UnixNano())
	if err != nil {
		return 0, &eventsourcing.StoreError{Op: "clean commands", Err: err}
	}
	return res.RowsAffected()
}

// aggregateVersion returns the stored version of an aggregate, 0 when absent.
func aggregateVersion(ctx context.Context, q querier, aggregateID string) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID).Scan(&version)
	if err != nil {
		return 0, &eventsourcing.StoreError{Op: "check version", Err: err}
	}
	return version, nil
}

func marshalCustomMetadata(custom map[string]string) (string, error) {
	if len(custom) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(custom)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalConstraints(constraints []eventsourcing.UniqueConstraint) (string, error) {
	if len(constraints) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(constraints)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/idgen"
	"github.com/keelsonlabs/keelson/pkg/store"
)

// OutboxStore implements store.OutboxStore using SQLite.
//
// The claim protocol is the SQLite translation of FOR UPDATE SKIP LOCKED:
// one UPDATE … RETURNING statement atomically transitions eligible rows to
// PROCESSING, so competing dispatchers never claim the same row. Partitions
// with an in-flight PROCESSING row are skipped entirely, and a claim takes at
// most one row per partition, which keeps rows sharing a partition key
// strictly serialized.
type OutboxStore struct {
	db  *sql.DB
	cfg outboxConfig
}

type outboxConfig struct {
	// visibilityTimeout bounds how long a claim holds rows before a crash
	// recovery hands them back to PENDING
	visibilityTimeout time.Duration

	// maxRetries is how many dispatch failures park an entry as poison
	maxRetries int

	// maxBackoff caps the exponential retry delay
	maxBackoff time.Duration
}

func defaultOutboxConfig() outboxConfig {
	return outboxConfig{
		visibilityTimeout: 5 * time.Minute,
		maxRetries:        3,
		maxBackoff:        60 * time.Minute,
	}
}

// OutboxOption is a function that configures an OutboxStore.
type OutboxOption func(*outboxConfig)

// WithVisibilityTimeout bounds how long claimed entries stay invisible before
// ReleaseExpiredClaims hands them back to PENDING.
func WithVisibilityTimeout(d time.Duration) OutboxOption {
	return func(c *outboxConfig) {
		c.visibilityTimeout = d
	}
}

// WithMaxRetries sets how many dispatch failures park an entry as poison.
func WithMaxRetries(n int) OutboxOption {
	return func(c *outboxConfig) {
		c.maxRetries = n
	}
}

// WithMaxBackoff caps the exponential retry delay between dispatch attempts.
func WithMaxBackoff(d time.Duration) OutboxOption {
	return func(c *outboxConfig) {
		c.maxBackoff = d
	}
}

// NewOutboxStore creates a SQLite-backed outbox store on a shared handle.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	cfg := defaultOutboxConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OutboxStore{db: db, cfg: cfg}
}

// outboxColumns is the canonical column list for reading outbox rows.
const outboxColumns = `outbox_id, event_id, event_type, aggregate_id, aggregate_type, global_sequence,
	destination, payload, partition_key, priority, status, retry_count, last_error,
	claim_token, next_retry_at, created_at, completed_at`

func scanOutboxEntry(row rowScanner) (*store.OutboxEntry, error) {
	var (
		entry       store.OutboxEntry
		nextRetryAt sql.NullInt64
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&entry.OutboxID, &entry.EventID, &entry.EventType, &entry.AggregateID,
		&entry.AggregateType, &entry.GlobalSequence,
		&entry.Destination, &entry.Payload, &entry.PartitionKey, &entry.Priority,
		&entry.Status, &entry.RetryCount, &entry.LastError,
		&entry.ClaimToken, &nextRetryAt, &createdAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if nextRetryAt.Valid {
		t := time.Unix(0, nextRetryAt.Int64).UTC()
		entry.NextRetryAt = &t
	}
	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		entry.CompletedAt = &t
	}
	return &entry, nil
}

func collectOutboxEntries(rows *sql.Rows) ([]*store.OutboxEntry, error) {
	defer rows.Close()

	var entries []*store.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &eventsourcing.StoreError{Op: "scan outbox", Err: err}
	}
	return entries, nil
}

// Stage inserts entries in their own transaction.
func (o *OutboxStore) Stage(ctx context.Context, entries []*store.OutboxEntry) error {
	return runInTx(ctx, o.db, func(tx *sql.Tx) error {
		return o.StageInTx(ctx, tx, entries)
	})
}

// StageInTx inserts entries within an existing transaction. The event store
// calls this from inside the append transaction, which is what makes the
// outbox transactional.
func (o *OutboxStore) StageInTx(ctx context.Context, tx *sql.Tx, entries []*store.OutboxEntry) error {
	now := eventsourcing.Now()
	for _, entry := range entries {
		if entry.EventID == "" {
			return &eventsourcing.ValidationError{Field: "event_id", Message: "outbox entry requires an event ID"}
		}
		if entry.Destination == "" {
			return &eventsourcing.ValidationError{Field: "destination", Message: "outbox entry requires a destination"}
		}
		if entry.OutboxID == "" {
			entry.OutboxID = idgen.MustGenerateSortableID()
		}
		if entry.PartitionKey == "" {
			entry.PartitionKey = entry.AggregateID
		}
		if entry.Priority == 0 {
			entry.Priority = store.OutboxPriorityDefault
		}
		if entry.Priority < store.OutboxPriorityHighest || entry.Priority > store.OutboxPriorityLowest {
			return &eventsourcing.ValidationError{
				Field:   "priority",
				Message: fmt.Sprintf("priority %d outside [%d, %d]", entry.Priority, store.OutboxPriorityHighest, store.OutboxPriorityLowest),
			}
		}
		if entry.Status == "" {
			entry.Status = store.OutboxStatusPending
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}

		// Staged entries never carry a retry schedule; only MarkFailed
		// sets one.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_outbox (
				outbox_id, event_id, event_type, aggregate_id, aggregate_type, global_sequence,
				destination, payload, partition_key, priority, status,
				retry_count, last_error, claim_token, claim_expires_at,
				next_retry_at, created_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, NULL, ?, NULL)`,
			entry.OutboxID, entry.EventID, entry.EventType, entry.AggregateID,
			entry.AggregateType, entry.GlobalSequence,
			entry.Destination, entry.Payload, entry.PartitionKey, entry.Priority,
			string(entry.Status), entry.RetryCount, entry.LastError,
			entry.CreatedAt.UnixNano())
		if err != nil {
			return &eventsourcing.StoreError{Op: "stage outbox", Err: err}
		}
	}
	return nil
}

// Claim atomically marks up to batchSize eligible entries — PENDING, or
// FAILED with an elapsed retry schedule — as PROCESSING under the given claim
// token and returns them ordered by priority, then staging time.
func (o *OutboxStore) Claim(ctx context.Context, claimToken string, batchSize int) ([]*store.OutboxEntry, error) {
	if claimToken == "" {
		return nil, &eventsourcing.ValidationError{Field: "claim_token", Message: "claim token must not be empty"}
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	now := eventsourcing.Now()
	rows, err := ambientOr(ctx, o.db).QueryContext(ctx, `
		WITH eligible AS (
			SELECT outbox_id, priority, created_at,
			       ROW_NUMBER() OVER (
			           PARTITION BY partition_key
			           ORDER BY priority, created_at, outbox_id
			       ) AS rn
			FROM event_outbox o
			WHERE (status = 'PENDING'
			       OR (status = 'FAILED' AND next_retry_at IS NOT NULL AND next_retry_at <= ?))
			  AND NOT EXISTS (
			      SELECT 1 FROM event_outbox p
			      WHERE p.partition_key = o.partition_key
			        AND p.status = 'PROCESSING'
			  )
		)
		UPDATE event_outbox
		SET status = 'PROCESSING',
		    claim_token = ?,
		    claim_expires_at = ?,
		    next_retry_at = NULL
		WHERE outbox_id IN (
			SELECT outbox_id FROM eligible
			WHERE rn = 1
			ORDER BY priority, created_at, outbox_id
			LIMIT ?
		)
		RETURNING `+outboxColumns,
		now.UnixNano(), claimToken, now.Add(o.cfg.visibilityTimeout).UnixNano(), batchSize)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "claim outbox", Err: err}
	}

	entries, err := collectOutboxEntries(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING order is unspecified; restore dispatch order.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].OutboxID < entries[j].OutboxID
	})
	return entries, nil
}

// MarkCompleted transitions claimed entries to COMPLETED.
func (o *OutboxStore) MarkCompleted(ctx context.Context, claimToken string, outboxIDs []string) error {
	if len(outboxIDs) == 0 {
		return nil
	}

	args := make([]any, 0, len(outboxIDs)+2)
	args = append(args, eventsourcing.Now().UnixNano(), claimToken)
	placeholders := ""
	for i, id := range outboxIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}

	res, err := ambientOr(ctx, o.db).ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'COMPLETED', completed_at = ?, claim_token = '', claim_expires_at = 0
		WHERE claim_token = ? AND status = 'PROCESSING' AND outbox_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return &eventsourcing.StoreError{Op: "complete outbox", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &eventsourcing.StoreError{Op: "complete outbox", Err: err}
	}
	if affected != int64(len(outboxIDs)) {
		// A lost claim: the visibility timeout expired and someone else owns
		// the remaining rows now. At-least-once delivery absorbs the
		// duplicate; the caller should still know.
		return fmt.Errorf("claim %s covers %d of %d entries", claimToken, affected, len(outboxIDs))
	}
	return nil
}

// MarkFailed transitions a claimed entry to FAILED: while retries remain the
// entry carries a next_retry_at schedule with exponential backoff; once
// exhausted it is parked as poison with no schedule.
func (o *OutboxStore) MarkFailed(ctx context.Context, claimToken string, outboxID string, dispatchErr error) error {
	message := ""
	if dispatchErr != nil {
		message = dispatchErr.Error()
	}

	return runInTx(ctx, o.db, func(tx *sql.Tx) error {
		var retryCount int
		err := tx.QueryRowContext(ctx,
			`SELECT retry_count FROM event_outbox WHERE outbox_id = ? AND claim_token = ? AND status = 'PROCESSING'`,
			outboxID, claimToken).Scan(&retryCount)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("outbox entry %s is not held by claim %s", outboxID, claimToken)
		}
		if err != nil {
			return &eventsourcing.StoreError{Op: "fail outbox", Err: err}
		}

		attempts := retryCount + 1

		// Poison keeps a NULL schedule: parked until an operator requeues
		// or cancels it.
		var nextRetryAt any
		if attempts < o.cfg.maxRetries {
			nextRetryAt = eventsourcing.Now().Add(o.backoff(attempts)).UnixNano()
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE event_outbox
			SET status = 'FAILED', retry_count = ?, last_error = ?,
			    next_retry_at = ?, claim_token = '', claim_expires_at = 0
			WHERE outbox_id = ?`,
			attempts, message, nextRetryAt, outboxID)
		if err != nil {
			return &eventsourcing.StoreError{Op: "fail outbox", Err: err}
		}
		return nil
	})
}

// backoff returns the delay before attempt n is retried: 2^n minutes, capped.
func (o *OutboxStore) backoff(attempts int) time.Duration {
	delay := time.Duration(1<<uint(attempts)) * time.Minute
	if delay > o.cfg.maxBackoff || delay <= 0 {
		delay = o.cfg.maxBackoff
	}
	return delay
}

// Cancel withdraws a PENDING or FAILED entry.
func (o *OutboxStore) Cancel(ctx context.Context, outboxID string) error {
	res, err := ambientOr(ctx, o.db).ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'CANCELLED', completed_at = ?, claim_token = '', claim_expires_at = 0
		WHERE outbox_id = ? AND status IN ('PENDING', 'FAILED')`,
		eventsourcing.Now().UnixNano(), outboxID)
	if err != nil {
		return &eventsourcing.StoreError{Op: "cancel outbox", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &eventsourcing.StoreError{Op: "cancel outbox", Err: err}
	}
	if affected == 0 {
		return fmt.Errorf("outbox entry %s not found or not cancellable", outboxID)
	}
	return nil
}

// Requeue resets a FAILED entry to PENDING with a zero retry count, making
// it immediately eligible.
func (o *OutboxStore) Requeue(ctx context.Context, outboxID string) error {
	res, err := ambientOr(ctx, o.db).ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'PENDING', retry_count = 0, last_error = '',
		    next_retry_at = NULL, claim_token = '', claim_expires_at = 0
		WHERE outbox_id = ? AND status = 'FAILED'`,
		outboxID)
	if err != nil {
		return &eventsourcing.StoreError{Op: "requeue outbox", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &eventsourcing.StoreError{Op: "requeue outbox", Err: err}
	}
	if affected == 0 {
		return fmt.Errorf("outbox entry %s not found or not FAILED", outboxID)
	}
	return nil
}

// ListFailed returns poison entries for operator inspection, oldest first.
// FAILED entries still waiting out a retry window are excluded.
func (o *OutboxStore) ListFailed(ctx context.Context, limit int) ([]*store.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := ambientOr(ctx, o.db).QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM event_outbox
		 WHERE status = 'FAILED' AND next_retry_at IS NULL
		 ORDER BY created_at LIMIT ?`,
		limit)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "list failed outbox", Err: err}
	}
	return collectOutboxEntries(rows)
}

// ReleaseExpiredClaims returns PROCESSING entries whose claim passed the
// visibility timeout back to PENDING. Crash recovery for dead dispatchers.
func (o *OutboxStore) ReleaseExpiredClaims(ctx context.Context) (int64, error) {
	res, err := ambientOr(ctx, o.db).ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'PENDING', claim_token = '', claim_expires_at = 0
		WHERE status = 'PROCESSING' AND claim_expires_at <= ?`,
		eventsourcing.Now().UnixNano())
	if err != nil {
		return 0, &eventsourcing.StoreError{Op: "release claims", Err: err}
	}
	return res.RowsAffected()
}

// DeleteCompleted removes COMPLETED and CANCELLED entries finished before the
// cutoff.
func (o *OutboxStore) DeleteCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := ambientOr(ctx, o.db).ExecContext(ctx, `
		DELETE FROM event_outbox
		WHERE status IN ('COMPLETED', 'CANCELLED')
		  AND completed_at IS NOT NULL AND completed_at < ?`,
		cutoff.UnixNano())
	if err != nil {
		return 0, &eventsourcing.StoreError{Op: "delete completed outbox", Err: err}
	}
	return res.RowsAffected()
}

// GetStats returns entry counts by status, the number of FAILED entries with
// a pending retry window, and the staging time of the oldest PENDING entry.
func (o *OutboxStore) GetStats(ctx context.Context) (*store.OutboxStats, error) {
	q := ambientOr(ctx, o.db)
	stats := &store.OutboxStats{CountByStatus: make(map[store.OutboxStatus]int64)}

	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM event_outbox GROUP BY status`)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "outbox stats", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, &eventsourcing.StoreError{Op: "outbox stats", Err: err}
		}
		stats.CountByStatus[store.OutboxStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, &eventsourcing.StoreError{Op: "outbox stats", Err: err}
	}

	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_outbox WHERE status = 'FAILED' AND next_retry_at IS NOT NULL`).
		Scan(&stats.RetryScheduled)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "outbox stats", Err: err}
	}

	var oldest sql.NullInt64
	err = q.QueryRowContext(ctx, `SELECT MIN(created_at) FROM event_outbox WHERE status = 'PENDING'`).Scan(&oldest)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "outbox stats", Err: err}
	}
	if oldest.Valid {
		stats.OldestPending = time.Unix(0, oldest.Int64).UTC()
	}

	return stats, nil
}

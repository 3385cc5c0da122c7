package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/store"
)

// eventColumns is the canonical column list for reading event rows.
const eventColumns = `global_sequence, event_id, aggregate_id, aggregate_type, aggregate_version,
	event_type, event_version, payload, checksum,
	causation_id, correlation_id, principal_id, tenant_id,
	custom_metadata, constraints, created_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent reconstructs one event from a row produced with eventColumns.
// The payload checksum is verified before the event is handed out.
func scanEvent(row rowScanner) (*eventsourcing.Event, error) {
	var (
		evt             eventsourcing.Event
		customJSON      string
		constraintsJSON string
		createdAt       int64
	)
	err := row.Scan(
		&evt.GlobalSequence, &evt.ID, &evt.AggregateID, &evt.AggregateType, &evt.Version,
		&evt.EventType, &evt.EventVersion, &evt.Payload, &evt.Checksum,
		&evt.Metadata.CausationID, &evt.Metadata.CorrelationID,
		&evt.Metadata.PrincipalID, &evt.Metadata.TenantID,
		&customJSON, &constraintsJSON, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if customJSON != "" && customJSON != "{}" {
		if err := json.Unmarshal([]byte(customJSON), &evt.Metadata.Custom); err != nil {
			return nil, fmt.Errorf("failed to unmarshal custom metadata for event %s: %w", evt.ID, err)
		}
	}
	if constraintsJSON != "" && constraintsJSON != "[]" {
		if err := json.Unmarshal([]byte(constraintsJSON), &evt.Constraints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal constraints for event %s: %w", evt.ID, err)
		}
	}
	evt.CreatedAt = time.Unix(0, createdAt).UTC()

	if err := evt.VerifyChecksum(); err != nil {
		return nil, err
	}
	return &evt, nil
}

// collectEvents drains a result set into a slice of verified events.
func collectEvents(rows *sql.Rows) ([]*eventsourcing.Event, error) {
	defer rows.Close()

	var events []*eventsourcing.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, &eventsourcing.StoreError{Op: "scan events", Err: err}
	}
	return events, nil
}

// LoadEvents loads an aggregate's events with version > afterVersion,
// ordered by version.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*eventsourcing.Event, error) {
	return s.LoadEventsRange(ctx, aggregateID, afterVersion, 0)
}

// LoadEventsRange loads an aggregate's events with
// afterVersion < version <= toVersion. toVersion <= 0 means no upper bound.
func (s *EventStore) LoadEventsRange(ctx context.Context, aggregateID string, afterVersion, toVersion int64) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + eventColumns + `
		FROM events
		WHERE aggregate_id = ? AND aggregate_version > ?`
	args := []any{aggregateID, afterVersion}
	if toVersion > 0 {
		query += ` AND aggregate_version <= ?`
		args = append(args, toVersion)
	}
	query += ` ORDER BY aggregate_version`

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "load events", Err: err}
	}
	return collectEvents(rows)
}

// loadEventsByID loads specific events, ordered by global sequence.
func (s *EventStore) loadEventsByID(ctx context.Context, q querier, ids []string) ([]*eventsourcing.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id IN (`+placeholders+`) ORDER BY global_sequence`,
		args...)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "load events", Err: err}
	}
	return collectEvents(rows)
}

// loadLimit clamps a requested batch size to the configured maximum.
func (s *EventStore) loadLimit(limit int) int {
	max := s.cfg.maxEventsPerLoad
	if max <= 0 {
		return limit
	}
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

// LoadAllEvents loads events across all aggregates with
// global sequence > fromPosition, ordered by global sequence.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE global_sequence > ? ORDER BY global_sequence LIMIT ?`,
		fromPosition, s.loadLimit(limit))
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "load all events", Err: err}
	}
	return collectEvents(rows)
}

// LoadEventsByType is LoadAllEvents restricted to the given event types.
func (s *EventStore) LoadEventsByType(ctx context.Context, eventTypes []string, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	if len(eventTypes) == 0 {
		return nil, &eventsourcing.ValidationError{Field: "event_types", Message: "at least one event type is required"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(eventTypes)), ", ")
	args := make([]any, 0, len(eventTypes)+2)
	for _, t := range eventTypes {
		args = append(args, t)
	}
	args = append(args, fromPosition, s.loadLimit(limit))

	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		WHERE event_type IN (`+placeholders+`) AND global_sequence > ?
		ORDER BY global_sequence LIMIT ?`,
		args...)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "load events by type", Err: err}
	}
	return collectEvents(rows)
}

// LoadEventsByTimeRange is LoadAllEvents restricted to events created within
// [from, to). Zero bounds are open.
func (s *EventStore) LoadEventsByTimeRange(ctx context.Context, from, to time.Time, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + eventColumns + ` FROM events WHERE global_sequence > ?`
	args := []any{fromPosition}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, to.UnixNano())
	}
	query += ` ORDER BY global_sequence LIMIT ?`
	args = append(args, s.loadLimit(limit))

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "load events by time range", Err: err}
	}
	return collectEvents(rows)
}

// metadataColumns maps queryable metadata keys to their indexed columns.
// Free-form custom metadata is deliberately not queryable.
var metadataColumns = map[string]string{
	"causation_id":   "causation_id",
	"correlation_id": "correlation_id",
	"principal_id":   "principal_id",
	"tenant_id":      "tenant_id",
}

// LoadEventsByMetadata is LoadAllEvents restricted to events whose metadata
// field equals the given value.
func (s *EventStore) LoadEventsByMetadata(ctx context.Context, key, value string, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	column, ok := metadataColumns[key]
	if !ok {
		return nil, &eventsourcing.ValidationError{
			Field:   "key",
			Message: fmt.Sprintf("metadata key %q is not queryable", key),
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		WHERE `+column+` = ? AND global_sequence > ?
		ORDER BY global_sequence LIMIT ?`,
		value, fromPosition, s.loadLimit(limit))
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "load events by metadata", Err: err}
	}
	return collectEvents(rows)
}

// GetAggregateVersion returns the current version of an aggregate, 0 when the
// aggregate doesn't exist.
func (s *EventStore) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return aggregateVersion(ctx, s.q(ctx), aggregateID)
}

// CurrentGlobalSequence returns the high-water mark of the log.
func (s *EventStore) CurrentGlobalSequence(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq int64
	err := s.q(ctx).QueryRowContext(ctx, `SELECT COALESCE(MAX(global_sequence), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, &eventsourcing.StoreError{Op: "current sequence", Err: err}
	}
	return seq, nil
}

// GetStats returns log-level statistics.
func (s *EventStore) GetStats(ctx context.Context) (*store.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := s.q(ctx)
	stats := &store.StoreStats{
		EventsByAggregateType: make(map[string]int64),
		EventsByEventType:     make(map[string]int64),
	}

	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT aggregate_id), COALESCE(MAX(global_sequence), 0)
		FROM events`).Scan(&stats.TotalEvents, &stats.TotalAggregates, &stats.GlobalSequence)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "stats", Err: err}
	}

	countBy := func(column string, into map[string]int64) error {
		rows, err := q.QueryContext(ctx,
			`SELECT `+column+`, COUNT(*) FROM events GROUP BY `+column)
		if err != nil {
			return &eventsourcing.StoreError{Op: "stats", Err: err}
		}
		defer rows.Close()
		for rows.Next() {
			var (
				key   string
				count int64
			)
			if err := rows.Scan(&key, &count); err != nil {
				return &eventsourcing.StoreError{Op: "stats", Err: err}
			}
			into[key] = count
		}
		if err := rows.Err(); err != nil {
			return &eventsourcing.StoreError{Op: "stats", Err: err}
		}
		return nil
	}
	if err := countBy("aggregate_type", stats.EventsByAggregateType); err != nil {
		return nil, err
	}
	if err := countBy("event_type", stats.EventsByEventType); err != nil {
		return nil, err
	}

	// Database size via the pragma table-valued functions.
	err = q.QueryRowContext(ctx,
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&stats.StoreSizeBytes)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "stats", Err: err}
	}

	return stats, nil
}

// CheckUniqueness checks if a value is available for claiming.
// Returns true if available; otherwise the owning aggregate ID.
func (s *EventStore) CheckUniqueness(ctx context.Context, indexName, value string) (bool, string, error) {
	owner, err := s.GetConstraintOwner(ctx, indexName, value)
	if err != nil {
		return false, "", err
	}
	return owner == "", owner, nil
}

// GetConstraintOwner returns the aggregate ID that owns a unique value, or
// the empty string when the value is not claimed.
func (s *EventStore) GetConstraintOwner(ctx context.Context, indexName, value string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var owner string
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT aggregate_id FROM unique_constraints WHERE index_name = ? AND value = ?`,
		indexName, value).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", &eventsourcing.StoreError{Op: "constraint owner", Err: err}
	}
	return owner, nil
}

// RebuildConstraints rebuilds the unique constraint index by replaying every
// claim and release in the log, in global order. Used for recovery after the
// index is lost or for migrations that change claim semantics.
func (s *EventStore) RebuildConstraints(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type claimRow struct {
		aggregateID string
		constraints []eventsourcing.UniqueConstraint
		createdAt   int64
	}

	// Collect first: SQLite dislikes interleaving writes with an open cursor
	// on the same connection.
	var replay []claimRow
	err := func() error {
		rows, err := s.q(ctx).QueryContext(ctx,
			`SELECT aggregate_id, constraints, created_at FROM events
			WHERE constraints != '[]' ORDER BY global_sequence`)
		if err != nil {
			return &eventsourcing.StoreError{Op: "rebuild constraints", Err: err}
		}
		defer rows.Close()

		for rows.Next() {
			var (
				row             claimRow
				constraintsJSON string
			)
			if err := rows.Scan(&row.aggregateID, &constraintsJSON, &row.createdAt); err != nil {
				return &eventsourcing.StoreError{Op: "rebuild constraints", Err: err}
			}
			if err := json.Unmarshal([]byte(constraintsJSON), &row.constraints); err != nil {
				return fmt.Errorf("failed to unmarshal constraints during rebuild: %w", err)
			}
			replay = append(replay, row)
		}
		return rows.Err()
	}()
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM unique_constraints`); err != nil {
			return &eventsourcing.StoreError{Op: "rebuild constraints", Err: err}
		}

		for _, row := range replay {
			for _, c := range row.constraints {
				switch c.Operation {
				case eventsourcing.ConstraintClaim:
					_, err := tx.ExecContext(ctx, `
						INSERT INTO unique_constraints (index_name, value, aggregate_id, created_at)
						VALUES (?, ?, ?, ?)
						ON CONFLICT (index_name, value) DO UPDATE SET
							aggregate_id = excluded.aggregate_id,
							created_at = excluded.created_at`,
						c.IndexName, c.Value, row.aggregateID, row.createdAt)
					if err != nil {
						return &eventsourcing.StoreError{Op: "rebuild constraints", Err: err}
					}
				case eventsourcing.ConstraintRelease:
					_, err := tx.ExecContext(ctx,
						`DELETE FROM unique_constraints WHERE index_name = ? AND value = ? AND aggregate_id = ?`,
						c.IndexName, c.Value, row.aggregateID)
					if err != nil {
						return &eventsourcing.StoreError{Op: "rebuild constraints", Err: err}
					}
				}
			}
		}
		return nil
	})
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/store"
)

// SnapshotStore implements store.SnapshotStore using SQLite.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a SQLite-backed snapshot store on a shared handle.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

const snapshotColumns = `aggregate_id, aggregate_type, version, data, metadata, created_at`

func scanSnapshot(row rowScanner) (*store.Snapshot, error) {
	var (
		snap      store.Snapshot
		metadata  string
		createdAt int64
	)
	err := row.Scan(&snap.AggregateID, &snap.AggregateType, &snap.Version, &snap.Data, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}

	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	meta, err := store.UnmarshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot metadata: %w", err)
	}
	snap.Metadata = meta
	return &snap, nil
}

// SaveSnapshot persists a snapshot for an aggregate. Saving the same
// aggregate and version again overwrites the previous row.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot *store.Snapshot) error {
	if snapshot.AggregateID == "" {
		return &eventsourcing.ValidationError{Field: "aggregate_id", Message: "snapshot requires an aggregate ID"}
	}
	if snapshot.Version <= 0 {
		return &eventsourcing.ValidationError{Field: "version", Message: "snapshot version must be positive"}
	}

	metadata, err := snapshot.Metadata.MarshalMetadata()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot metadata: %w", err)
	}
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = eventsourcing.Now()
	}

	_, err = ambientOr(ctx, s.db).ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, version, data, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id, version) DO UPDATE SET
			aggregate_type = excluded.aggregate_type,
			data = excluded.data,
			metadata = excluded.metadata,
			created_at = excluded.created_at`,
		snapshot.AggregateID, snapshot.AggregateType, snapshot.Version,
		snapshot.Data, metadata, createdAt.UnixNano())
	if err != nil {
		return &eventsourcing.StoreError{Op: "save snapshot", Err: err}
	}
	return nil
}

// GetLatestSnapshot retrieves the most recent snapshot for an aggregate.
func (s *SnapshotStore) GetLatestSnapshot(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	row := ambientOr(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE aggregate_id = ? ORDER BY version DESC LIMIT 1`,
		aggregateID)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventsourcing.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "load snapshot", Err: err}
	}
	return snap, nil
}

// GetSnapshotBeforeVersion retrieves the latest snapshot at or before a
// specific version.
func (s *SnapshotStore) GetSnapshotBeforeVersion(ctx context.Context, aggregateID string, version int64) (*store.Snapshot, error) {
	row := ambientOr(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		WHERE aggregate_id = ? AND version <= ?
		ORDER BY version DESC LIMIT 1`,
		aggregateID, version)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventsourcing.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "load snapshot", Err: err}
	}
	return snap, nil
}

// DeleteSnapshots removes all snapshots for an aggregate.
func (s *SnapshotStore) DeleteSnapshots(ctx context.Context, aggregateID string) (int64, error) {
	res, err := ambientOr(ctx, s.db).ExecContext(ctx,
		`DELETE FROM snapshots WHERE aggregate_id = ?`, aggregateID)
	if err != nil {
		return 0, &eventsourcing.StoreError{Op: "delete snapshots", Err: err}
	}
	return res.RowsAffected()
}

// DeleteOldSnapshots keeps the newest keepCount snapshots of an aggregate and
// removes the rest. keepCount is clamped to 1: the newest snapshot survives.
func (s *SnapshotStore) DeleteOldSnapshots(ctx context.Context, aggregateID string, keepCount int) (int64, error) {
	if keepCount < 1 {
		keepCount = 1
	}
	res, err := ambientOr(ctx, s.db).ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE aggregate_id = ?
		  AND version NOT IN (
		      SELECT version FROM snapshots
		      WHERE aggregate_id = ?
		      ORDER BY version DESC LIMIT ?
		  )`,
		aggregateID, aggregateID, keepCount)
	if err != nil {
		return 0, &eventsourcing.StoreError{Op: "delete old snapshots", Err: err}
	}
	return res.RowsAffected()
}

// DeleteSnapshotsOlderThan removes snapshots created before the cutoff across
// all aggregates. Each aggregate's newest snapshot is always kept, so a quiet
// aggregate never loses its restore point.
func (s *SnapshotStore) DeleteSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := ambientOr(ctx, s.db).ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE created_at < ?
		  AND EXISTS (
		      SELECT 1 FROM snapshots newer
		      WHERE newer.aggregate_id = snapshots.aggregate_id
		        AND newer.version > snapshots.version
		  )`,
		cutoff.UnixNano())
	if err != nil {
		return 0, &eventsourcing.StoreError{Op: "delete old snapshots", Err: err}
	}
	return res.RowsAffected()
}

// GetSnapshotStats returns statistics about snapshots in the store.
func (s *SnapshotStore) GetSnapshotStats(ctx context.Context) (*store.SnapshotStats, error) {
	var (
		stats  store.SnapshotStats
		oldest sql.NullInt64
		newest sql.NullInt64
	)
	err := ambientOr(ctx, s.db).QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT aggregate_id),
		       COALESCE(SUM(LENGTH(data)), 0),
		       MIN(created_at), MAX(created_at)
		FROM snapshots`).Scan(
		&stats.TotalSnapshots, &stats.UniqueAggregates, &stats.TotalSizeBytes, &oldest, &newest)
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "snapshot stats", Err: err}
	}

	if stats.TotalSnapshots > 0 {
		stats.AvgSizeBytes = stats.TotalSizeBytes / stats.TotalSnapshots
	}
	if oldest.Valid {
		stats.OldestSnapshot = time.Unix(0, oldest.Int64).UTC()
	}
	if newest.Valid {
		stats.NewestSnapshot = time.Unix(0, newest.Int64).UTC()
	}
	return &stats, nil
}

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

// Snapshot represents a serialized aggregate state at a specific version.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int64
	Data          []byte
	CreatedAt     time.Time
	Metadata      *SnapshotMetadata
}

// SnapshotMetadata contains information about the snapshot.
type SnapshotMetadata struct {
	Size          int64  `json:"size"`
	EventCount    int64  `json:"event_count"`
	CreationTime  int64  `json:"creation_time"`
	Compression   string `json:"compression,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
}

// MarshalMetadata serializes the snapshot metadata to JSON.
func (m *SnapshotMetadata) MarshalMetadata() (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalMetadata deserializes the snapshot metadata from JSON.
func UnmarshalMetadata(data string) (*SnapshotMetadata, error) {
	if data == "" {
		return nil, nil
	}
	var m SnapshotMetadata
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SnapshotStore defines the interface for snapshot persistence.
type SnapshotStore interface {
	// SaveSnapshot persists a snapshot for an aggregate. Saving the same
	// aggregate and version again overwrites the previous row.
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error

	// GetLatestSnapshot retrieves the most recent snapshot for an aggregate.
	// Returns eventsourcing.ErrSnapshotNotFound when none exists.
	GetLatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)

	// GetSnapshotBeforeVersion retrieves the latest snapshot at or before a
	// specific version. Returns eventsourcing.ErrSnapshotNotFound when none
	// exists.
	GetSnapshotBeforeVersion(ctx context.Context, aggregateID string, version int64) (*Snapshot, error)

	// DeleteSnapshots removes all snapshots for an aggregate and returns how
	// many were deleted.
	DeleteSnapshots(ctx context.Context, aggregateID string) (int64, error)

	// DeleteOldSnapshots keeps the newest keepCount snapshots of an aggregate
	// and removes the rest. Returns how many were deleted.
	DeleteOldSnapshots(ctx context.Context, aggregateID string, keepCount int) (int64, error)

	// DeleteSnapshotsOlderThan removes snapshots created before the cutoff,
	// across all aggregates, always keeping each aggregate's newest snapshot.
	DeleteSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// GetSnapshotStats returns statistics about snapshots in the store.
	GetSnapshotStats(ctx context.Context) (*SnapshotStats, error)
}

// SnapshotStats contains statistics about snapshots.
type SnapshotStats struct {
	TotalSnapshots   int64
	UniqueAggregates int64
	TotalSizeBytes   int64
	AvgSizeBytes     int64
	OldestSnapshot   time.Time
	NewestSnapshot   time.Time
}

// Snapshotable is an interface for aggregates that can be snapshotted.
type Snapshotable interface {
	// MarshalSnapshot serializes the aggregate state to bytes.
	MarshalSnapshot() ([]byte, error)

	// UnmarshalSnapshot deserializes the aggregate state from bytes.
	UnmarshalSnapshot(data []byte) error
}

// Snapshotter restores and records aggregate snapshots. The repository treats
// it as optional: reconstruction falls back to full replay when restore
// fails, and recording is post-commit best-effort.
type Snapshotter interface {
	// Restore loads the latest snapshot into the aggregate and marks its
	// version. Returns false when no snapshot exists or the aggregate is not
	// Snapshotable.
	Restore(ctx context.Context, aggregate eventsourcing.Aggregate) (bool, error)

	// MaybeRecord snapshots the aggregate if its strategy says one is due.
	// Never fails the caller; errors are logged and dropped.
	MaybeRecord(ctx context.Context, aggregate eventsourcing.Aggregate)
}

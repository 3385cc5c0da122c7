package store

import (
	"context"
	"database/sql"
	"time"
)

// ProjectionCheckpoint tracks the progress of a projection.
type ProjectionCheckpoint struct {
	ProjectionName string
	Position       int64
	LastEventID    string
	UpdatedAt      time.Time
}

// CheckpointStore persists projection checkpoints.
type CheckpointStore interface {
	// Save saves a checkpoint.
	Save(ctx context.Context, checkpoint *ProjectionCheckpoint) error

	// SaveInTx saves a checkpoint within an existing transaction. This is how
	// a projection commits its read-model writes and its cursor atomically.
	SaveInTx(ctx context.Context, tx *sql.Tx, checkpoint *ProjectionCheckpoint) error

	// Load loads a checkpoint for a projection. Returns a zero-position
	// checkpoint when the projection has never run.
	Load(ctx context.Context, projectionName string) (*ProjectionCheckpoint, error)

	// Delete deletes a checkpoint (for rebuilding).
	Delete(ctx context.Context, projectionName string) error

	// DeleteInTx deletes a checkpoint within an existing transaction.
	DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName string) error
}

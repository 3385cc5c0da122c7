package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/store"
)

// CheckpointStore implements store.CheckpointStore using SQLite.
//
// Projections call SaveInTx with the transaction that also carries their
// read-model writes, making cursor advancement atomic with the side effects
// it acknowledges.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a SQLite-backed checkpoint store on a shared
// handle.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save saves a checkpoint in its own transaction.
func (c *CheckpointStore) Save(ctx context.Context, checkpoint *store.ProjectionCheckpoint) error {
	return runInTx(ctx, c.db, func(tx *sql.Tx) error {
		return c.SaveInTx(ctx, tx, checkpoint)
	})
}

// SaveInTx saves a checkpoint within an existing transaction.
func (c *CheckpointStore) SaveInTx(ctx context.Context, tx *sql.Tx, checkpoint *store.ProjectionCheckpoint) error {
	if checkpoint.ProjectionName == "" {
		return &eventsourcing.ValidationError{Field: "projection_name", Message: "checkpoint requires a projection name"}
	}

	updatedAt := checkpoint.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = eventsourcing.Now()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_name, position, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at`,
		checkpoint.ProjectionName, checkpoint.Position, checkpoint.LastEventID, updatedAt.UnixNano())
	if err != nil {
		return &eventsourcing.StoreError{Op: "save checkpoint", Err: err}
	}
	return nil
}

// Load loads a checkpoint for a projection. A projection that has never run
// gets a zero-position checkpoint, which makes it start from the beginning of
// the log.
func (c *CheckpointStore) Load(ctx context.Context, projectionName string) (*store.ProjectionCheckpoint, error) {
	var (
		checkpoint = store.ProjectionCheckpoint{ProjectionName: projectionName}
		updatedAt  int64
	)
	err := ambientOr(ctx, c.db).QueryRowContext(ctx,
		`SELECT position, last_event_id, updated_at FROM projection_checkpoints WHERE projection_name = ?`,
		projectionName).Scan(&checkpoint.Position, &checkpoint.LastEventID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &checkpoint, nil
	}
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "load checkpoint", Err: err}
	}

	checkpoint.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &checkpoint, nil
}

// Delete deletes a checkpoint (for rebuilding).
func (c *CheckpointStore) Delete(ctx context.Context, projectionName string) error {
	return runInTx(ctx, c.db, func(tx *sql.Tx) error {
		return c.DeleteInTx(ctx, tx, projectionName)
	})
}

// DeleteInTx deletes a checkpoint within an existing transaction.
func (c *CheckpointStore) DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM projection_checkpoints WHERE projection_name = ?`, projectionName)
	if err != nil {
		return &eventsourcing.StoreError{Op: "delete checkpoint", Err: err}
	}
	return nil
}

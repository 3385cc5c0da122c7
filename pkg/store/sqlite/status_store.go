package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/store"
)

// StatusStore implements store.ProjectionStatusStore using SQLite.
// It records the operational state of each projection for monitoring and for
// the rebuild workflow.
type StatusStore struct {
	db *sql.DB
}

// NewStatusStore creates a SQLite-backed projection status store on a shared
// handle.
func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// Save saves the projection status.
func (s *StatusStore) Save(ctx context.Context, state *store.ProjectionState) error {
	if state.ProjectionName == "" {
		return &eventsourcing.ValidationError{Field: "projection_name", Message: "status requires a projection name"}
	}

	progress := ""
	if state.Progress != nil {
		data, err := json.Marshal(state.Progress)
		if err != nil {
			return fmt.Errorf("failed to marshal rebuild progress: %w", err)
		}
		progress = string(data)
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = eventsourcing.Now()
	}

	_, err := ambientOr(ctx, s.db).ExecContext(ctx, `
		INSERT INTO projection_status (projection_name, status, message, progress, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			progress = excluded.progress,
			updated_at = excluded.updated_at`,
		state.ProjectionName, string(state.Status), state.Message, progress, updatedAt.UnixNano())
	if err != nil {
		return &eventsourcing.StoreError{Op: "save projection status", Err: err}
	}
	return nil
}

// Load loads the projection status. A projection never seen before reports
// READY with no message.
func (s *StatusStore) Load(ctx context.Context, projectionName string) (*store.ProjectionState, error) {
	var (
		state     = store.ProjectionState{ProjectionName: projectionName}
		status    string
		progress  string
		updatedAt int64
	)
	err := ambientOr(ctx, s.db).QueryRowContext(ctx,
		`SELECT status, message, progress, updated_at FROM projection_status WHERE projection_name = ?`,
		projectionName).Scan(&status, &state.Message, &progress, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		state.Status = store.ProjectionStatusReady
		return &state, nil
	}
	if err != nil {
		return nil, &eventsourcing.StoreError{Op: "load projection status", Err: err}
	}

	state.Status = store.ProjectionStatus(status)
	state.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if progress != "" {
		state.Progress = &store.RebuildProgress{}
		if err := json.Unmarshal([]byte(progress), state.Progress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rebuild progress: %w", err)
		}
	}
	return &state, nil
}

// UpdateProgress updates rebuild progress without touching status or message.
func (s *StatusStore) UpdateProgress(ctx context.Context, projectionName string, progress *store.RebuildProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal rebuild progress: %w", err)
	}

	res, err := ambientOr(ctx, s.db).ExecContext(ctx,
		`UPDATE projection_status SET progress = ?, updated_at = ? WHERE projection_name = ?`,
		string(data), eventsourcing.Now().UnixNano(), projectionName)
	if err != nil {
		return &eventsourcing.StoreError{Op: "update projection progress", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &eventsourcing.StoreError{Op: "update projection progress", Err: err}
	}
	if affected == 0 {
		return fmt.Errorf("projection %s has no status row", projectionName)
	}
	return nil
}

package store

import (
	"context"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

// Projection defines the interface for building read models from events.
// Projections consume the global stream and can be rebuilt from the
// EventStore at any time.
type Projection interface {
	// Name returns the unique name of this projection.
	Name() string

	// Handle processes an event and updates the read model. The engine
	// invokes it inside the transaction that also advances the cursor.
	Handle(ctx context.Context, envelope *eventsourcing.EventEnvelope) error

	// Reset clears the projection's read model (for rebuilding).
	Reset(ctx context.Context) error
}

// ProjectionStatus represents the current operational status of a projection.
type ProjectionStatus string

const (
	// ProjectionStatusReady indicates the projection is up-to-date and ready to serve queries
	ProjectionStatusReady ProjectionStatus = "READY"

	// ProjectionStatusRebuilding indicates the projection is being rebuilt from scratch
	ProjectionStatusRebuilding ProjectionStatus = "REBUILDING"

	// ProjectionStatusFailed indicates the projection encountered an error
	ProjectionStatusFailed ProjectionStatus = "FAILED"

	// ProjectionStatusHalted indicates the projection stopped after
	// exhausting handler retries and needs operator intervention
	ProjectionStatusHalted ProjectionStatus = "HALTED"

	// ProjectionStatusPaused indicates the projection is paused (not processing events)
	ProjectionStatusPaused ProjectionStatus = "PAUSED"
)

// ProjectionState tracks the operational state of a projection.
type ProjectionState struct {
	ProjectionName string
	Status         ProjectionStatus
	Message        string
	UpdatedAt      time.Time
	Progress       *RebuildProgress
}

// RebuildProgress tracks progress during a projection rebuild.
type RebuildProgress struct {
	EventsProcessed int64
	TotalEvents     int64
	StartedAt       time.Time
	EstimatedETA    *time.Time
}

// ProjectionStatusStore persists projection status for monitoring.
type ProjectionStatusStore interface {
	// Save saves the projection status
	Save(ctx context.Context, state *ProjectionState) error

	// Load loads the projection status
	Load(ctx context.Context, projectionName string) (*ProjectionState, error)

	// UpdateProgress updates rebuild progress
	UpdateProgress(ctx context.Context, projectionName string, progress *RebuildProgress) error
}

// EventHandlerRegistration binds one event type to a handler. Projections
// built from registrations only receive the types they registered.
type EventHandlerRegistration struct {
	EventType string
	Handler   func(context.Context, *eventsourcing.EventEnvelope) error
}

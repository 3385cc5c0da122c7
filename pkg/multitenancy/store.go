package multitenancy

import (
	"context"
	"fmt"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/store"
)

// TenantStore scopes a shared event store to the ambient tenant. Aggregate
// IDs, command IDs, and unique constraint values are stored tenant-prefixed
// ("tenant-a::acc-1") while callers keep using raw IDs, so streams and
// uniqueness claims from different tenants never collide. Without a tenant
// in context operations pass through unchanged, unless strict mode is
// enabled, in which case they fail with ErrNoTenant.
//
// Aggregate-stream reads and LoadAllEvents are tenant-scoped. The type,
// time range, and metadata feeds plus stats stay deployment-wide and return
// events exactly as stored.
type TenantStore struct {
	inner  store.EventStore
	strict bool
}

// NewTenantStore wraps an event store with tenant scoping.
func NewTenantStore(inner store.EventStore, strict bool) *TenantStore {
	return &TenantStore{inner: inner, strict: strict}
}

// resolve returns the ambient tenant. An empty result means the operation
// runs unscoped.
func (s *TenantStore) resolve(ctx context.Context) (string, error) {
	tenantID, ok := TenantFromContext(ctx)
	if !ok {
		if s.strict {
			return "", ErrNoTenant
		}
		return "", nil
	}
	if !ValidTenantID(tenantID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}
	return tenantID, nil
}

// scopeEvents copies the events with tenant-prefixed aggregate IDs and
// constraint values. The caller's events stay in raw-ID space.
func scopeEvents(tenantID string, events []*eventsourcing.Event) []*eventsourcing.Event {
	scoped := make([]*eventsourcing.Event, len(events))
	for i, evt := range events {
		e := *evt
		e.AggregateID = ComposeAggregateID(tenantID, evt.AggregateID)
		e.Metadata.TenantID = tenantID
		if len(evt.Constraints) > 0 {
			constraints := make([]eventsourcing.UniqueConstraint, len(evt.Constraints))
			for j, c := range evt.Constraints {
				c.Value = ComposeAggregateID(tenantID, c.Value)
				constraints[j] = c
			}
			e.Constraints = constraints
		}
		scoped[i] = &e
	}
	return scoped
}

// copyAssigned mirrors store-assigned fields from the scoped copies back
// onto the caller's events after a successful append.
func copyAssigned(dst, src []*eventsourcing.Event) {
	for i := range dst {
		dst[i].ID = src[i].ID
		dst[i].EventVersion = src[i].EventVersion
		dst[i].CreatedAt = src[i].CreatedAt
		dst[i].Checksum = src[i].Checksum
		dst[i].GlobalSequence = src[i].GlobalSequence
		dst[i].Metadata.TenantID = src[i].Metadata.TenantID
	}
}

// unscopeEvents strips tenant prefixes from loaded events in place.
func unscopeEvents(events []*eventsourcing.Event) []*eventsourcing.Event {
	for _, evt := range events {
		_, evt.AggregateID = DecomposeAggregateID(evt.AggregateID)
		for i := range evt.Constraints {
			_, evt.Constraints[i].Value = DecomposeAggregateID(evt.Constraints[i].Value)
		}
	}
	return events
}

func unscopeResult(result *eventsourcing.CommandResult, commandID string) *eventsourcing.CommandResult {
	if result == nil {
		return nil
	}
	result.CommandID = commandID
	result.Events = unscopeEvents(result.Events)
	return result
}

// AppendEvents implements store.EventStore.
func (s *TenantStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event) error {
	tenantID, err := s.resolve(ctx)
	if err != nil {
		return err
	}
	if tenantID == "" {
		return s.inner.AppendEvents(ctx, aggregateID, expectedVersion, events)
	}
	scoped := scopeEvents(tenantID, events)
	if err := s.inner.AppendEvents(ctx, ComposeAggregateID(tenantID, aggregateID), expectedVersion, scoped); err != nil {
		return err
	}
	copyAssigned(events, scoped)
	return nil
}

// AppendEventsIdempotent implements store.EventStore. Command IDs are scoped
// to the tenant so one tenant cannot replay another's command results.
func (s *TenantStore) AppendEventsIdempotent(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event, commandID string, ttl time.Duration) (*eventsourcing.CommandResult, error) {
	tenantID, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		return s.inner.AppendEventsIdempotent(ctx, aggregateID, expectedVersion, events, commandID, ttl)
	}
	scoped := scopeEvents(tenantID, events)
	result, err := s.inner.AppendEventsIdempotent(ctx,
		ComposeAggregateID(tenantID, aggregateID), expectedVersion,
		scoped, ComposeAggregateID(tenantID, commandID), ttl)
	if err != nil {
		return nil, err
	}
	if result != nil && !result.AlreadyProcessed {
		copyAssigned(events, scoped)
	}
	return unscopeResult(result, commandID), nil
}

// GetCommandResult implements store.EventStore.
func (s *TenantStore) GetCommandResult(ctx context.Context, commandID string) (*eventsourcing.CommandResult, error) {
	tenantID, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		return s.inner.GetCommandResult(ctx, commandID)
	}
	result, err := s.inner.GetCommandResult(ctx, ComposeAggregateID(tenantID, commandID))
	if err != nil {
		return nil, err
	}
	return unscopeResult(result, commandID), nil
}

// CleanExpiredCommands implements store.EventStore.
func (s *TenantStore) CleanExpiredCommands(ctx context.Context) (int64, error) {
	return s.inner.CleanExpiredCommands(ctx)
}

// LoadEvents implements store.EventStore.
func (s *TenantStore) LoadEvents(ctx context.Context, aggregateID string, afterVersion int64) ([]*eventsourcing.Event, error) {
	tenantID, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		return s.inner.LoadEvents(ctx, aggregateID, afterVersion)
	}
	events, err := s.inner.LoadEvents(ctx, ComposeAggregateID(tenantID, aggregateID), afterVersion)
	if err != nil {
		return nil, err
	}
	return unscopeEvents(events), nil
}

// LoadEventsRange implements store.EventStore.
func (s *TenantStore) LoadEventsRange(ctx context.Context, aggregateID string, afterVersion, toVersion int64) ([]*eventsourcing.Event, error) {
	tenantID, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		return s.inner.LoadEventsRange(ctx, aggregateID, afterVersion, toVersion)
	}
	events, err := s.inner.LoadEventsRange(ctx, ComposeAggregateID(tenantID, aggregateID), afterVersion, toVersion)
	if err != nil {
		return nil, err
	}
	return unscopeEvents(events), nil
}

// LoadAllEvents implements store.EventStore. With an ambient tenant the feed
// narrows to that tenant's events through the metadata index, keeping the
// pagination server-side so positions never skip matching rows.
func (s *TenantStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	tenantID, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		return s.inner.LoadAllEvents(ctx, fromPosition, limit)
	}
	events, err := s.inner.LoadEventsByMetadata(ctx, "tenant_id", tenantID, fromPosition, limit)
	if err != nil {
		return nil, err
	}
	return unscopeEvents(events), nil
}

// LoadEventsByType implements store.EventStore. Deployment-wide.
func (s *TenantStore) LoadEventsByType(ctx context.Context, eventTypes []string, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	return s.inner.LoadEventsByType(ctx, eventTypes, fromPosition, limit)
}

// LoadEventsByTimeRange implements store.EventStore. Deployment-wide.
func (s *TenantStore) LoadEventsByTimeRange(ctx context.Context, from, to time.Time, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	return s.inner.LoadEventsByTimeRange(ctx, from, to, fromPosition, limit)
}

// LoadEventsByMetadata implements store.EventStore. Deployment-wide.
func (s *TenantStore) LoadEventsByMetadata(ctx context.Context, key, value string, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	return s.inner.LoadEventsByMetadata(ctx, key, value, fromPosition, limit)
}

// GetAggregateVersion implements store.EventStore.
func (s *TenantStore) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	tenantID, err := s.resolve(ctx)
	if err != nil {
		return 0, err
	}
	return s.inner.GetAggregateVersion(ctx, ComposeAggregateID(tenantID, aggregateID))
}

// CurrentGlobalSequence implements store.EventStore.
func (s *TenantStore) CurrentGlobalSequence(ctx context.Context) (int64, error) {
	return s.inner.CurrentGlobalSequence(ctx)
}

// GetStats implements store.EventStore. Deployment-wide.
func (s *TenantStore) GetStats(ctx context.Context) (*store.StoreStats, error) {
	return s.inner.GetStats(ctx)
}

// CheckUniqueness implements store.EventStore. Values are checked within the
// ambient tenant's namespace.
func (s *TenantStore) CheckUniqueness(ctx context.Context, indexName, value string) (bool, string, error) {
	tenantID, err := s.resolve(ctx)
	if err != nil {
		return false, "", err
	}
	available, owner, err := s.inner.CheckUniqueness(ctx, indexName, ComposeAggregateID(tenantID, value))
	if err != nil {
		return false, "", err
	}
	if owner != "" {
		_, owner = DecomposeAggregateID(owner)
	}
	return available, owner, nil
}

// GetConstraintOwner implements store.EventStore.
func (s *TenantStore) GetConstraintOwner(ctx context.Context, indexName, value string) (string, error) {
	tenantID, err := s.resolve(ctx)
	if err != nil {
		return "", err
	}
	owner, err := s.inner.GetConstraintOwner(ctx, indexName, ComposeAggregateID(tenantID, value))
	if err != nil {
		return "", err
	}
	if owner != "" {
		_, owner = DecomposeAggregateID(owner)
	}
	return owner, nil
}

// RebuildConstraints implements store.EventStore.
func (s *TenantStore) RebuildConstraints(ctx context.Context) error {
	return s.inner.RebuildConstraints(ctx)
}

// Close implements store.EventStore.
func (s *TenantStore) Close() error {
	return s.inner.Close()
}

var _ store.EventStore = (*TenantStore)(nil)

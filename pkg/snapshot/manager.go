// Package snapshot accelerates aggregate reconstruction by persisting
// point-in-time state and restoring it ahead of event replay.
//
// The Manager implements store.Snapshotter and plugs into the repository:
//
//	snapshots := snapshot.NewManager(sqlite.NewSnapshotStore(db),
//	    snapshot.WithStrategy(snapshot.NewEventCountStrategy(50)),
//	    snapshot.WithCompression(true))
//
//	repo := store.NewRepository(es, NewAccount,
//	    store.WithSnapshotter(snapshots))
//
// Snapshots are an optimization, never a source of truth: a missing or
// unreadable snapshot degrades to a full replay.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/klauspost/compress/s2"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/store"
)

// CompressionS2 marks snapshot data compressed with the s2 codec.
const CompressionS2 = "s2"

const (
	// DefaultThreshold is the event count between automatic snapshots.
	DefaultThreshold = 50

	// DefaultKeepCount is how many snapshots are retained per aggregate.
	DefaultKeepCount = 3

	defaultCacheSize = 1024
	defaultCacheTTL  = time.Hour
)

// cacheEntry holds the newest snapshot of an aggregate in decompressed form
// so repeated loads skip both the store read and the decode.
type cacheEntry struct {
	version int64
	takenAt time.Time
	state   []byte
}

// Manager records and restores aggregate snapshots according to a strategy.
type Manager struct {
	store     store.SnapshotStore
	strategy  Strategy
	cache     *expirable.LRU[string, *cacheEntry]
	compress  bool
	keepCount int
	logger    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStrategy sets the snapshot strategy. Defaults to an event count
// strategy with DefaultThreshold.
func WithStrategy(strategy Strategy) ManagerOption {
	return func(m *Manager) {
		m.strategy = strategy
	}
}

// WithCompression enables s2 compression of snapshot data at rest.
func WithCompression(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.compress = enabled
	}
}

// WithKeepCount sets how many snapshots to retain per aggregate after each
// record. Zero disables pruning.
func WithKeepCount(n int) ManagerOption {
	return func(m *Manager) {
		m.keepCount = n
	}
}

// WithCache sizes the in-memory snapshot cache. Entries expire after ttl
// even when untouched, so restarted writers converge on store state.
func WithCache(size int, ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.cache = expirable.NewLRU[string, *cacheEntry](size, nil, ttl)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a snapshot manager backed by the given store.
func NewManager(snapshots store.SnapshotStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     snapshots,
		strategy:  NewEventCountStrategy(DefaultThreshold),
		keepCount: DefaultKeepCount,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = expirable.NewLRU[string, *cacheEntry](defaultCacheSize, nil, defaultCacheTTL)
	}
	return m
}

// Restore loads the newest snapshot into the aggregate and marks its
// version, so the repository only replays the event tail. Returns false
// when the aggregate is not Snapshotable or no snapshot exists.
func (m *Manager) Restore(ctx context.Context, aggregate eventsourcing.Aggregate) (bool, error) {
	snapshotable, ok := aggregate.(store.Snapshotable)
	if !ok {
		return false, nil
	}

	id := aggregate.ID()
	if entry, ok := m.cache.Get(id); ok {
		if err := restoreState(aggregate, snapshotable, entry.state, entry.version); err != nil {
			m.cache.Remove(id)
			return false, err
		}
		return true, nil
	}

	snap, err := m.store.GetLatestSnapshot(ctx, id)
	if err != nil {
		if errors.Is(err, eventsourcing.ErrSnapshotNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load snapshot: %w", err)
	}

	state, err := decodeSnapshot(snap)
	if err != nil {
		return false, err
	}
	if err := restoreState(aggregate, snapshotable, state, snap.Version); err != nil {
		return false, err
	}

	m.cache.Add(id, &cacheEntry{version: snap.Version, takenAt: snap.CreatedAt, state: state})
	return true, nil
}

// MaybeRecord snapshots the aggregate if the strategy says one is due.
// Intended for the post-commit path: errors are logged, never returned.
func (m *Manager) MaybeRecord(ctx context.Context, aggregate eventsourcing.Aggregate) {
	if _, ok := aggregate.(store.Snapshotable); !ok {
		return
	}
	if !m.strategy.ShouldSnapshot(aggregate, m.lastMarker(ctx, aggregate.ID())) {
		return
	}
	if err := m.Record(ctx, aggregate); err != nil {
		m.logger.Warn("failed to record snapshot",
			"aggregate_id", aggregate.ID(),
			"aggregate_type", aggregate.Type(),
			"version", aggregate.Version(),
			"error", err)
	}
}

// Record snapshots the aggregate at its current version regardless of
// strategy. An aggregate at version zero is skipped.
func (m *Manager) Record(ctx context.Context, aggregate eventsourcing.Aggregate) error {
	snapshotable, ok := aggregate.(store.Snapshotable)
	if !ok {
		return fmt.Errorf("aggregate type %s is not snapshotable", aggregate.Type())
	}
	if aggregate.Version() == 0 {
		return nil
	}

	state, err := snapshotable.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	now := eventsourcing.Now()
	metadata := &store.SnapshotMetadata{
		Size:         int64(len(state)),
		EventCount:   aggregate.Version(),
		CreationTime: now.UnixNano(),
	}

	data := state
	if m.compress {
		data = s2.Encode(nil, state)
		metadata.Compression = CompressionS2
	}

	snap := &store.Snapshot{
		AggregateID:   aggregate.ID(),
		AggregateType: aggregate.Type(),
		Version:       aggregate.Version(),
		Data:          data,
		CreatedAt:     now,
		Metadata:      metadata,
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	m.cache.Add(aggregate.ID(), &cacheEntry{version: snap.Version, takenAt: now, state: state})

	if m.keepCount > 0 {
		if _, err := m.store.DeleteOldSnapshots(ctx, aggregate.ID(), m.keepCount); err != nil {
			m.logger.Warn("failed to prune old snapshots",
				"aggregate_id", aggregate.ID(), "error", err)
		}
	}
	return nil
}

// Invalidate drops the cached snapshot for an aggregate. Call it when the
// aggregate's history changes outside this manager, for example after a
// constraint rebuild or an administrative event fix-up.
func (m *Manager) Invalidate(aggregateID string) {
	m.cache.Remove(aggregateID)
}

// lastMarker returns the newest known snapshot marker, preferring the cache
// over a store read. Unknown is reported as nil.
func (m *Manager) lastMarker(ctx context.Context, aggregateID string) *Marker {
	if entry, ok := m.cache.Get(aggregateID); ok {
		return &Marker{Version: entry.version, TakenAt: entry.takenAt}
	}
	snap, err := m.store.GetLatestSnapshot(ctx, aggregateID)
	if err != nil {
		return nil
	}
	return &Marker{Version: snap.Version, TakenAt: snap.CreatedAt}
}

func restoreState(aggregate eventsourcing.Aggregate, snapshotable store.Snapshotable, state []byte, version int64) error {
	if err := snapshotable.UnmarshalSnapshot(state); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if err := aggregate.LoadFromSnapshot(version); err != nil {
		return fmt.Errorf("failed to restore snapshot version: %w", err)
	}
	return nil
}

func decodeSnapshot(snap *store.Snapshot) ([]byte, error) {
	if snap.Metadata == nil || snap.Metadata.Compression == "" {
		return snap.Data, nil
	}
	switch snap.Metadata.Compression {
	case CompressionS2:
		state, err := s2.Decode(nil, snap.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
		}
		return state, nil
	default:
		return nil, fmt.Errorf("unknown snapshot compression %q", snap.Metadata.Compression)
	}
}

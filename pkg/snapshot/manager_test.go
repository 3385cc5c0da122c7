package snapshot_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/snapshot"
	"github.com/keelsonlabs/keelson/pkg/store"
	"github.com/keelsonlabs/keelson/pkg/store/sqlite"
)

type counterBumped struct {
	Amount int `json:"amount"`
}

// testCounter is a snapshotable aggregate whose state is the running total.
type testCounter struct {
	eventsourcing.AggregateRoot
	Total int
}

func newCounter(t *testing.T, id string) *testCounter {
	t.Helper()

	registry := eventsourcing.NewRegistry()
	eventsourcing.MustRegisterEvent[counterBumped](registry, "CounterBumped", 1)
	codec := eventsourcing.NewCodec(eventsourcing.WithRegistry(registry))

	c := &testCounter{}
	c.AggregateRoot = eventsourcing.NewAggregateRoot(id, "Counter",
		eventsourcing.WithAggregateCodec(codec))
	eventsourcing.Handle(&c.AggregateRoot, func(e *counterBumped, _ *eventsourcing.Event) error {
		c.Total += e.Amount
		return nil
	})
	return c
}

func (c *testCounter) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(struct {
		Total int `json:"total"`
	}{Total: c.Total})
}

func (c *testCounter) UnmarshalSnapshot(data []byte) error {
	var state struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	c.Total = state.Total
	return nil
}

func (c *testCounter) bump(t *testing.T, n int) {
	t.Helper()
	if err := c.ApplyChange(&counterBumped{Amount: n}, eventsourcing.EventMetadata{}); err != nil {
		t.Fatalf("failed to bump counter: %v", err)
	}
}

func newSnapshotStore(t *testing.T) store.SnapshotStore {
	t.Helper()
	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase(), sqlite.WithWALMode(false))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { es.Close() })
	return sqlite.NewSnapshotStore(es.DB())
}

func TestManagerRecordAndRestore(t *testing.T) {
	ctx := context.Background()
	snapStore := newSnapshotStore(t)
	manager := snapshot.NewManager(snapStore)

	counter := newCounter(t, "cnt-1")
	counter.bump(t, 10)
	counter.bump(t, 5)
	counter.MarkCommitted()

	if err := manager.Record(ctx, counter); err != nil {
		t.Fatalf("failed to record snapshot: %v", err)
	}

	// A second manager has a cold cache and must hit the store.
	cold := snapshot.NewManager(snapStore)
	restored := newCounter(t, "cnt-1")
	ok, err := cold.Restore(ctx, restored)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if !ok {
		t.Fatal("expected restore to find a snapshot")
	}
	if restored.Version() != 2 {
		t.Errorf("expected version 2 after restore, got %d", restored.Version())
	}
	if restored.Total != 15 {
		t.Errorf("expected total 15 after restore, got %d", restored.Total)
	}

	// State keeps evolving cleanly after a restore.
	restored.bump(t, 1)
	if restored.Version() != 3 || restored.Total != 16 {
		t.Errorf("aggregate diverged after restore: version=%d total=%d",
			restored.Version(), restored.Total)
	}
}

func TestManagerRestoreMisses(t *testing.T) {
	ctx := context.Background()
	manager := snapshot.NewManager(newSnapshotStore(t))

	t.Run("NoSnapshot", func(t *testing.T) {
		counter := newCounter(t, "missing")
		ok, err := manager.Restore(ctx, counter)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("restore reported success without a snapshot")
		}
		if counter.Version() != 0 {
			t.Errorf("version moved to %d", counter.Version())
		}
	})

	t.Run("NotSnapshotable", func(t *testing.T) {
		root := eventsourcing.NewAggregateRoot("bare-1", "Bare")
		ok, err := manager.Restore(ctx, &root)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("restore reported success for a non-snapshotable aggregate")
		}
	})
}

func TestManagerMaybeRecordThreshold(t *testing.T) {
	ctx := context.Background()
	snapStore := newSnapshotStore(t)
	manager := snapshot.NewManager(snapStore,
		snapshot.WithStrategy(snapshot.NewEventCountStrategy(5)))

	counter := newCounter(t, "cnt-2")
	for i := 0; i < 3; i++ {
		counter.bump(t, 1)
	}
	manager.MaybeRecord(ctx, counter)

	if _, err := snapStore.GetLatestSnapshot(ctx, "cnt-2"); !errors.Is(err, eventsourcing.ErrSnapshotNotFound) {
		t.Fatalf("snapshot recorded below threshold: %v", err)
	}

	counter.bump(t, 1)
	counter.bump(t, 1)
	manager.MaybeRecord(ctx, counter)

	snap, err := snapStore.GetLatestSnapshot(ctx, "cnt-2")
	if err != nil {
		t.Fatalf("expected snapshot at threshold: %v", err)
	}
	if snap.Version != 5 {
		t.Errorf("expected snapshot at version 5, got %d", snap.Version)
	}
	if snap.Metadata == nil || snap.Metadata.EventCount != 5 {
		t.Errorf("unexpected snapshot metadata: %+v", snap.Metadata)
	}

	// No further events: the strategy stays quiet.
	manager.MaybeRecord(ctx, counter)
	latest, err := snapStore.GetLatestSnapshot(ctx, "cnt-2")
	if err != nil {
		t.Fatalf("failed to reload snapshot: %v", err)
	}
	if latest.Version != 5 {
		t.Errorf("extra snapshot recorded at version %d", latest.Version)
	}
}

func TestManagerCompression(t *testing.T) {
	ctx := context.Background()
	snapStore := newSnapshotStore(t)
	manager := snapshot.NewManager(snapStore, snapshot.WithCompression(true))

	counter := newCounter(t, "cnt-3")
	counter.bump(t, 42)
	if err := manager.Record(ctx, counter); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	snap, err := snapStore.GetLatestSnapshot(ctx, "cnt-3")
	if err != nil {
		t.Fatalf("failed to load raw snapshot: %v", err)
	}
	if snap.Metadata == nil || snap.Metadata.Compression != snapshot.CompressionS2 {
		t.Fatalf("compression not recorded in metadata: %+v", snap.Metadata)
	}
	if strings.Contains(string(snap.Data), `"total"`) {
		t.Error("snapshot data stored uncompressed")
	}

	cold := snapshot.NewManager(snapStore)
	restored := newCounter(t, "cnt-3")
	ok, err := cold.Restore(ctx, restored)
	if err != nil || !ok {
		t.Fatalf("restore of compressed snapshot failed: ok=%v err=%v", ok, err)
	}
	if restored.Total != 42 {
		t.Errorf("expected total 42, got %d", restored.Total)
	}
}

func TestManagerCache(t *testing.T) {
	ctx := context.Background()
	snapStore := newSnapshotStore(t)
	manager := snapshot.NewManager(snapStore)

	counter := newCounter(t, "cnt-4")
	counter.bump(t, 7)
	if err := manager.Record(ctx, counter); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	// Wipe the store; the cache must still serve the restore.
	if _, err := snapStore.DeleteSnapshots(ctx, "cnt-4"); err != nil {
		t.Fatalf("failed to delete snapshots: %v", err)
	}

	cached := newCounter(t, "cnt-4")
	ok, err := manager.Restore(ctx, cached)
	if err != nil || !ok {
		t.Fatalf("cache did not serve restore: ok=%v err=%v", ok, err)
	}
	if cached.Total != 7 {
		t.Errorf("expected total 7 from cache, got %d", cached.Total)
	}

	manager.Invalidate("cnt-4")
	fresh := newCounter(t, "cnt-4")
	ok, err = manager.Restore(ctx, fresh)
	if err != nil {
		t.Fatalf("unexpected error after invalidate: %v", err)
	}
	if ok {
		t.Error("restore succeeded after invalidate with empty store")
	}
}

func TestManagerKeepCount(t *testing.T) {
	ctx := context.Background()
	snapStore := newSnapshotStore(t)
	manager := snapshot.NewManager(snapStore,
		snapshot.WithStrategy(snapshot.NewEventCountStrategy(1)),
		snapshot.WithKeepCount(2))

	counter := newCounter(t, "cnt-5")
	for i := 0; i < 4; i++ {
		counter.bump(t, 1)
		manager.MaybeRecord(ctx, counter)
	}

	stats, err := snapStore.GetSnapshotStats(ctx)
	if err != nil {
		t.Fatalf("failed to read stats: %v", err)
	}
	if stats.TotalSnapshots != 2 {
		t.Errorf("expected 2 retained snapshots, got %d", stats.TotalSnapshots)
	}

	// The newest snapshot survives pruning.
	snap, err := snapStore.GetLatestSnapshot(ctx, "cnt-5")
	if err != nil {
		t.Fatalf("failed to load latest: %v", err)
	}
	if snap.Version != 4 {
		t.Errorf("expected latest snapshot at version 4, got %d", snap.Version)
	}
}

func TestCompactor(t *testing.T) {
	ctx := context.Background()
	snapStore := newSnapshotStore(t)

	old := time.Now().Add(-60 * 24 * time.Hour).UTC()
	for version, createdAt := range map[int64]time.Time{
		1: old,
		2: old.Add(time.Hour),
		3: time.Now().UTC(),
	} {
		state, _ := json.Marshal(map[string]int{"total": int(version)})
		err := snapStore.SaveSnapshot(ctx, &store.Snapshot{
			AggregateID:   "cnt-6",
			AggregateType: "Counter",
			Version:       version,
			Data:          state,
			CreatedAt:     createdAt,
		})
		if err != nil {
			t.Fatalf("failed to seed snapshot: %v", err)
		}
	}

	compactor := snapshot.NewCompactor(snapStore, snapshot.WithMaxAge(30*24*time.Hour))
	compactor.CompactOnce(ctx)

	stats, err := snapStore.GetSnapshotStats(ctx)
	if err != nil {
		t.Fatalf("failed to read stats: %v", err)
	}
	if stats.TotalSnapshots != 1 {
		t.Errorf("expected only the fresh snapshot to survive, got %d", stats.TotalSnapshots)
	}

	snap, err := snapStore.GetLatestSnapshot(ctx, "cnt-6")
	if err != nil {
		t.Fatalf("newest snapshot lost: %v", err)
	}
	if snap.Version != 3 {
		t.Errorf("expected newest snapshot at version 3, got %d", snap.Version)
	}
}

func TestCompactorLifecycle(t *testing.T) {
	compactor := snapshot.NewCompactor(newSnapshotStore(t),
		snapshot.WithCompactInterval(10*time.Millisecond))

	if got := compactor.Name(); got != "snapshot-compactor" {
		t.Errorf("unexpected service name %q", got)
	}
	if err := compactor.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := compactor.Stop(stopCtx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

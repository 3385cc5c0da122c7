package snapshot_test

import (
	"testing"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/snapshot"
)

// aggregateAt returns a bare aggregate pinned at the given version.
func aggregateAt(t *testing.T, version int64) eventsourcing.Aggregate {
	t.Helper()
	root := eventsourcing.NewAggregateRoot("agg-1", "Test")
	if version > 0 {
		if err := (&root).LoadFromSnapshot(version); err != nil {
			t.Fatalf("failed to pin version: %v", err)
		}
	}
	return &root
}

func TestEventCountStrategy(t *testing.T) {
	strategy := snapshot.NewEventCountStrategy(5)

	t.Run("NoSnapshotYet", func(t *testing.T) {
		if strategy.ShouldSnapshot(aggregateAt(t, 4), nil) {
			t.Error("due below threshold")
		}
		if !strategy.ShouldSnapshot(aggregateAt(t, 5), nil) {
			t.Error("not due at threshold")
		}
	})

	t.Run("CountsFromLastSnapshot", func(t *testing.T) {
		last := &snapshot.Marker{Version: 10}
		if strategy.ShouldSnapshot(aggregateAt(t, 14), last) {
			t.Error("due 4 events after last snapshot")
		}
		if !strategy.ShouldSnapshot(aggregateAt(t, 15), last) {
			t.Error("not due 5 events after last snapshot")
		}
	})

	t.Run("MultiEventCommitOvershoot", func(t *testing.T) {
		// A commit jumping 48 -> 53 passes the threshold without landing on it.
		last := &snapshot.Marker{Version: 0}
		if !strategy.ShouldSnapshot(aggregateAt(t, 53), last) {
			t.Error("overshoot past threshold not detected")
		}
	})
}

func TestTimeStrategy(t *testing.T) {
	restore := eventsourcing.TimeFunc
	defer func() { eventsourcing.TimeFunc = restore }()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eventsourcing.TimeFunc = func() time.Time { return now }

	strategy := snapshot.NewTimeStrategy(time.Hour)

	t.Run("NoEventsNoSnapshot", func(t *testing.T) {
		if strategy.ShouldSnapshot(aggregateAt(t, 0), nil) {
			t.Error("due with no events")
		}
	})

	t.Run("FirstSnapshotAlwaysDue", func(t *testing.T) {
		if !strategy.ShouldSnapshot(aggregateAt(t, 1), nil) {
			t.Error("first snapshot not due")
		}
	})

	t.Run("RecentSnapshotNotDue", func(t *testing.T) {
		last := &snapshot.Marker{Version: 1, TakenAt: now.Add(-30 * time.Minute)}
		if strategy.ShouldSnapshot(aggregateAt(t, 2), last) {
			t.Error("due before interval elapsed")
		}
	})

	t.Run("StaleSnapshotDue", func(t *testing.T) {
		last := &snapshot.Marker{Version: 1, TakenAt: now.Add(-2 * time.Hour)}
		if !strategy.ShouldSnapshot(aggregateAt(t, 2), last) {
			t.Error("not due after interval elapsed")
		}
	})

	t.Run("NoNewEventsNotDue", func(t *testing.T) {
		last := &snapshot.Marker{Version: 2, TakenAt: now.Add(-2 * time.Hour)}
		if strategy.ShouldSnapshot(aggregateAt(t, 2), last) {
			t.Error("due without new events")
		}
	})
}

func TestCompositeStrategy(t *testing.T) {
	count := snapshot.NewEventCountStrategy(10)
	never := snapshot.Never{}

	t.Run("AnyMode", func(t *testing.T) {
		strategy := snapshot.NewAnyStrategy(never, count)
		if !strategy.ShouldSnapshot(aggregateAt(t, 10), nil) {
			t.Error("any-mode ignored due strategy")
		}
		if strategy.ShouldSnapshot(aggregateAt(t, 5), nil) {
			t.Error("any-mode fired with nothing due")
		}
	})

	t.Run("AllMode", func(t *testing.T) {
		strategy := snapshot.NewAllStrategy(count, never)
		if strategy.ShouldSnapshot(aggregateAt(t, 100), nil) {
			t.Error("all-mode fired despite a never strategy")
		}

		both := snapshot.NewAllStrategy(count, snapshot.NewEventCountStrategy(5))
		if !both.ShouldSnapshot(aggregateAt(t, 10), nil) {
			t.Error("all-mode did not fire with all strategies due")
		}
	})

	t.Run("EmptyNeverFires", func(t *testing.T) {
		if snapshot.NewAnyStrategy().ShouldSnapshot(aggregateAt(t, 100), nil) {
			t.Error("empty composite fired")
		}
		if snapshot.NewAllStrategy().ShouldSnapshot(aggregateAt(t, 100), nil) {
			t.Error("empty all-mode composite fired")
		}
	})
}

package snapshot

import (
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

// Marker records the newest known snapshot of an aggregate. A nil marker
// means no snapshot exists yet.
type Marker struct {
	Version int64
	TakenAt time.Time
}

// Strategy decides when an aggregate's state is worth snapshotting.
type Strategy interface {
	// ShouldSnapshot reports whether a snapshot is due for the aggregate,
	// given the newest snapshot already on record.
	ShouldSnapshot(aggregate eventsourcing.Aggregate, last *Marker) bool
}

// EventCountStrategy snapshots after a fixed number of events have
// accumulated since the previous snapshot.
type EventCountStrategy struct {
	threshold int64
}

// NewEventCountStrategy creates a strategy that snapshots every threshold
// events. A threshold below 1 is coerced to 1.
func NewEventCountStrategy(threshold int64) *EventCountStrategy {
	if threshold < 1 {
		threshold = 1
	}
	return &EventCountStrategy{threshold: threshold}
}

func (s *EventCountStrategy) ShouldSnapshot(aggregate eventsourcing.Aggregate, last *Marker) bool {
	var since int64
	if last != nil {
		since = last.Version
	}
	return aggregate.Version()-since >= s.threshold
}

// TimeStrategy snapshots when the previous snapshot is older than a fixed
// interval. An aggregate with events but no snapshot at all is always due.
type TimeStrategy struct {
	interval time.Duration
}

// NewTimeStrategy creates a strategy that snapshots at most once per
// interval.
func NewTimeStrategy(interval time.Duration) *TimeStrategy {
	return &TimeStrategy{interval: interval}
}

func (s *TimeStrategy) ShouldSnapshot(aggregate eventsourcing.Aggregate, last *Marker) bool {
	if aggregate.Version() == 0 {
		return false
	}
	if last == nil {
		return true
	}
	if aggregate.Version() <= last.Version {
		return false
	}
	return eventsourcing.Now().Sub(last.TakenAt) >= s.interval
}

// CompositeStrategy combines several strategies. In any mode a single due
// strategy triggers a snapshot; in all mode every strategy must agree.
type CompositeStrategy struct {
	strategies []Strategy
	requireAll bool
}

// NewAnyStrategy snapshots when any of the given strategies is due.
func NewAnyStrategy(strategies ...Strategy) *CompositeStrategy {
	return &CompositeStrategy{strategies: strategies}
}

// NewAllStrategy snapshots only when every given strategy is due.
func NewAllStrategy(strategies ...Strategy) *CompositeStrategy {
	return &CompositeStrategy{strategies: strategies, requireAll: true}
}

func (s *CompositeStrategy) ShouldSnapshot(aggregate eventsourcing.Aggregate, last *Marker) bool {
	if len(s.strategies) == 0 {
		return false
	}
	for _, strategy := range s.strategies {
		due := strategy.ShouldSnapshot(aggregate, last)
		if s.requireAll && !due {
			return false
		}
		if !s.requireAll && due {
			return true
		}
	}
	return s.requireAll
}

// Never is a strategy that never snapshots. Useful to disable automatic
// recording while keeping restores active.
type Never struct{}

func (Never) ShouldSnapshot(eventsourcing.Aggregate, *Marker) bool { return false }

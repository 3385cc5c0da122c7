package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/store"
)

const (
	defaultCompactInterval = time.Hour
	defaultMaxAge          = 30 * 24 * time.Hour
)

// Compactor removes snapshots past their retention age on a fixed interval.
// It implements runner.Service; the newest snapshot of each aggregate is
// always kept so restores never regress to a full replay.
type Compactor struct {
	store    store.SnapshotStore
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// CompactorOption configures a Compactor.
type CompactorOption func(*Compactor)

// WithCompactInterval sets how often the compactor runs. Defaults to 1h.
func WithCompactInterval(interval time.Duration) CompactorOption {
	return func(c *Compactor) {
		c.interval = interval
	}
}

// WithMaxAge sets the retention age for snapshots. Defaults to 30 days.
func WithMaxAge(maxAge time.Duration) CompactorOption {
	return func(c *Compactor) {
		c.maxAge = maxAge
	}
}

// WithCompactorLogger sets the logger. Defaults to slog.Default().
func WithCompactorLogger(logger *slog.Logger) CompactorOption {
	return func(c *Compactor) {
		c.logger = logger
	}
}

// NewCompactor creates a snapshot compactor for the given store.
func NewCompactor(snapshots store.SnapshotStore, opts ...CompactorOption) *Compactor {
	c := &Compactor{
		store:    snapshots,
		interval: defaultCompactInterval,
		maxAge:   defaultMaxAge,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements runner.Service.
func (c *Compactor) Name() string {
	return "snapshot-compactor"
}

// Start launches the compaction loop.
func (c *Compactor) Start(ctx context.Context) error {
	go c.run()
	return nil
}

// Stop halts the compaction loop and waits for the current pass to finish.
func (c *Compactor) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Compactor) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CompactOnce(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// CompactOnce runs a single compaction pass.
func (c *Compactor) CompactOnce(ctx context.Context) {
	cutoff := eventsourcing.Now().Add(-c.maxAge)
	deleted, err := c.store.DeleteSnapshotsOlderThan(ctx, cutoff)
	if err != nil {
		c.logger.Error("snapshot compaction failed", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("compacted snapshots", "deleted", deleted, "cutoff", cutoff)
	}
}

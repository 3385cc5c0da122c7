// Package breaker wraps sony/gobreaker behind the runtime's configuration
// and logging conventions. Breakers guard calls to external dependencies
// (broker publishes, secret backends) so a dead dependency fails fast
// instead of tying up dispatch workers.
package breaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = gobreaker.ErrOpenState

// Config tunes a circuit breaker.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before allowing
	// half-open probes.
	OpenTimeout time.Duration

	// MaxHalfOpenRequests limits concurrent probes while half-open.
	MaxHalfOpenRequests uint32

	// Interval resets the closed-state counters periodically so stale
	// failures don't accumulate. Zero keeps counts indefinitely.
	Interval time.Duration
}

// DefaultConfig returns the runtime defaults: open after 5 consecutive
// failures, probe again after 30 seconds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		OpenTimeout:         30 * time.Second,
		MaxHalfOpenRequests: 1,
		Interval:            time.Minute,
	}
}

// Breaker guards calls to one external dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a named breaker. State transitions are logged. A zero
// threshold, timeout, or probe limit falls back to its DefaultConfig value;
// Interval is taken as given since zero means counts never reset.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}
	if cfg.MaxHalfOpenRequests == 0 {
		cfg.MaxHalfOpenRequests = defaults.MaxHalfOpenRequests
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxHalfOpenRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Warn("circuit breaker opened",
					"breaker", name, "from", from.String())
				return
			}
			logger.Info("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do executes fn through the breaker. While open it fails fast with ErrOpen;
// Rejected distinguishes breaker rejections from fn's own errors.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the current breaker state name (closed, half-open, open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Rejected reports whether err came from the breaker itself rather than the
// guarded call.
func Rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

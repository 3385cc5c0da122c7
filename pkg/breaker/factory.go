package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// FactoryConfig holds the rate-based trip settings shared by every breaker a
// Factory produces. Unlike Config's consecutive-failure threshold, a factory
// breaker opens on the failure percentage over a sliding window, once enough
// calls have been observed to make the rate meaningful.
type FactoryConfig struct {
	// FailureRateThreshold is the failure percentage, 1 to 100, that opens
	// the breaker.
	FailureRateThreshold uint32

	// MinimumCalls is how many calls the window needs before the failure
	// rate is evaluated.
	MinimumCalls uint32

	// SlidingWindow is how long closed-state counts accumulate before they
	// reset.
	SlidingWindow time.Duration

	// OpenTimeout is how long the breaker stays open before allowing
	// half-open probes.
	OpenTimeout time.Duration

	// MaxHalfOpenRequests bounds concurrent probes while half-open.
	MaxHalfOpenRequests uint32
}

// DefaultFactoryConfig returns production defaults: open at a 50% failure
// rate over a 60s window with at least 10 calls, stay open 30s.
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		FailureRateThreshold: 50,
		MinimumCalls:         10,
		SlidingWindow:        time.Minute,
		OpenTimeout:          30 * time.Second,
		MaxHalfOpenRequests:  1,
	}
}

// Factory hands out named breakers sharing one configuration. Get returns
// the same breaker for the same name, so components guarding the same
// downstream share its state.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewFactory creates a factory. Zero config fields fall back to
// DefaultFactoryConfig values. A nil logger falls back to slog.Default().
func NewFactory(cfg FactoryConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultFactoryConfig()
	if cfg.FailureRateThreshold == 0 {
		cfg.FailureRateThreshold = defaults.FailureRateThreshold
	}
	if cfg.MinimumCalls == 0 {
		cfg.MinimumCalls = defaults.MinimumCalls
	}
	if cfg.SlidingWindow == 0 {
		cfg.SlidingWindow = defaults.SlidingWindow
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}
	if cfg.MaxHalfOpenRequests == 0 {
		cfg.MaxHalfOpenRequests = defaults.MaxHalfOpenRequests
	}
	return &Factory{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (f *Factory) Get(name string) *Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.breakers[name]; ok {
		return b
	}

	cfg := f.cfg
	logger := f.logger
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxHalfOpenRequests,
		Interval:    cfg.SlidingWindow,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinimumCalls {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			return rate >= float64(cfg.FailureRateThreshold)
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

	b := &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
	f.breakers[name] = b
	return b
}

// Package config loads runtime configuration for the event sourcing stack
// from YAML. Every knob has a production default, so an empty file or a nil
// reader yields a working configuration; files only need to name the keys
// they override. Unknown keys are rejected.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/asaskevich/govalidator"
	"gopkg.in/yaml.v3"

	"github.com/keelsonlabs/keelson/pkg/breaker"
	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "1h30m". Convert with time.Duration(d) when wiring components.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode duration: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("failed to parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config is the root of the YAML configuration file.
type Config struct {
	EventSourcing EventSourcingConfig `yaml:"eventsourcing"`
	Store         StoreConfig         `yaml:"store"`
	Snapshot      SnapshotConfig      `yaml:"snapshot"`
	Publisher     PublisherConfig     `yaml:"publisher"`
	Projection    ProjectionConfig    `yaml:"projection"`
	Performance   PerformanceConfig   `yaml:"performance"`
	Multitenancy  MultitenancyConfig  `yaml:"multitenancy"`
	Upcasting     UpcastingConfig     `yaml:"upcasting"`
	Outbox        OutboxConfig        `yaml:"outbox"`
}

// EventSourcingConfig toggles the stack as a whole.
type EventSourcingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StoreConfig tunes the event store.
type StoreConfig struct {
	BatchSize         int      `yaml:"batch_size"`
	MaxEventsPerLoad  int      `yaml:"max_events_per_load"`
	ConnectionTimeout Duration `yaml:"connection_timeout"`
	QueryTimeout      Duration `yaml:"query_timeout"`
	ValidateSchemas   bool     `yaml:"validate_schemas"`
}

// SnapshotConfig tunes snapshot creation and the snapshot cache.
type SnapshotConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Threshold   int      `yaml:"threshold"`
	KeepCount   int      `yaml:"keep_count"`
	MaxAge      Duration `yaml:"max_age"`
	Compression bool     `yaml:"compression"`
	Caching     bool     `yaml:"caching"`
	CacheTTL    Duration `yaml:"cache_ttl"`
}

// PublisherConfig tunes the outbox publisher.
type PublisherConfig struct {
	Enabled           bool        `yaml:"enabled"`
	BatchSize         int         `yaml:"batch_size"`
	PublishTimeout    Duration    `yaml:"publish_timeout"`
	ContinueOnFailure bool        `yaml:"continue_on_failure"`
	Retry             RetryConfig `yaml:"retry"`
}

// RetryConfig describes an exponential backoff policy.
type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialDelay      Duration `yaml:"initial_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
}

// ProjectionConfig tunes projection runners.
type ProjectionConfig struct {
	BatchProcessing ProjectionBatchConfig       `yaml:"batch_processing"`
	HealthCheck     ProjectionHealthCheckConfig `yaml:"health_check"`
	Retry           ProjectionRetryConfig       `yaml:"retry"`
}

// ProjectionBatchConfig bounds projection batch sizes and poll intervals.
type ProjectionBatchConfig struct {
	DefaultBatchSize int      `yaml:"default_batch_size"`
	DefaultInterval  Duration `yaml:"default_interval"`
	MaxBatchSize     int      `yaml:"max_batch_size"`
	MinInterval      Duration `yaml:"min_interval"`
}

// ProjectionHealthCheckConfig tunes projection health evaluation.
type ProjectionHealthCheckConfig struct {
	Timeout                   Duration `yaml:"timeout"`
	MaxAcceptableLag          int64    `yaml:"max_acceptable_lag"`
	FailOnUnhealthyProjection bool     `yaml:"fail_on_unhealthy_projection"`
}

// ProjectionRetryConfig describes the handler retry policy. Once attempts
// are exhausted the projection halts.
type ProjectionRetryConfig struct {
	DefaultMaxAttempts int      `yaml:"default_max_attempts"`
	DefaultDelay       Duration `yaml:"default_delay"`
	MaxDelay           Duration `yaml:"max_delay"`
	BackoffMultiplier  float64  `yaml:"backoff_multiplier"`
}

// PerformanceConfig groups circuit breaking and observability toggles.
type PerformanceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	TracingEnabled bool                 `yaml:"tracing_enabled"`
	MetricsEnabled bool                 `yaml:"metrics_enabled"`
}

// CircuitBreakerConfig holds rate-based breaker settings.
type CircuitBreakerConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	FailureRateThreshold    uint32   `yaml:"failure_rate_threshold"`
	MinimumNumberOfCalls    uint32   `yaml:"minimum_number_of_calls"`
	SlidingWindowSize       Duration `yaml:"sliding_window_size"`
	WaitDurationInOpenState Duration `yaml:"wait_duration_in_open_state"`
}

// Factory builds a breaker factory from these settings, or nil when circuit
// breaking is disabled so callers can skip guarding entirely.
func (c CircuitBreakerConfig) Factory(logger *slog.Logger) *breaker.Factory {
	if !c.Enabled {
		return nil
	}
	return breaker.NewFactory(breaker.FactoryConfig{
		FailureRateThreshold: c.FailureRateThreshold,
		MinimumCalls:         c.MinimumNumberOfCalls,
		SlidingWindow:        time.Duration(c.SlidingWindowSize),
		OpenTimeout:          time.Duration(c.WaitDurationInOpenState),
	}, logger)
}

// MultitenancyConfig toggles tenant scoping. Strict mode rejects operations
// whose context carries no tenant.
type MultitenancyConfig struct {
	Enabled    bool `yaml:"enabled"`
	StrictMode bool `yaml:"strict_mode"`
}

// UpcastingConfig toggles schema upcasting. Strict mode fails decoding when
// an event's stored version has no upcaster path to the current version.
type UpcastingConfig struct {
	Enabled    bool `yaml:"enabled"`
	StrictMode bool `yaml:"strict_mode"`
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	MaxRetries        int      `yaml:"max_retries"`
	DispatchInterval  Duration `yaml:"dispatch_interval"`
	BatchSize         int      `yaml:"batch_size"`
	Retention         Duration `yaml:"retention"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	MaxBackoff        Duration `yaml:"max_backoff"`
}

// Default returns the production defaults. Load starts from these and
// overlays whatever the file provides.
func Default() *Config {
	return &Config{
		EventSourcing: EventSourcingConfig{Enabled: true},
		Store: StoreConfig{
			BatchSize:         100,
			MaxEventsPerLoad:  1000,
			ConnectionTimeout: Duration(30 * time.Second),
			QueryTimeout:      Duration(30 * time.Second),
			ValidateSchemas:   true,
		},
		Snapshot: SnapshotConfig{
			Enabled:     true,
			Threshold:   50,
			KeepCount:   3,
			MaxAge:      Duration(720 * time.Hour),
			Compression: true,
			Caching:     true,
			CacheTTL:    Duration(time.Hour),
		},
		Publisher: PublisherConfig{
			Enabled:           true,
			BatchSize:         10,
			PublishTimeout:    Duration(10 * time.Second),
			ContinueOnFailure: true,
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialDelay:      Duration(time.Second),
				MaxDelay:          Duration(10 * time.Second),
				BackoffMultiplier: 2.0,
			},
		},
		Projection: ProjectionConfig{
			BatchProcessing: ProjectionBatchConfig{
				DefaultBatchSize: 100,
				DefaultInterval:  Duration(5 * time.Second),
				MaxBatchSize:     1000,
				MinInterval:      Duration(100 * time.Millisecond),
			},
			HealthCheck: ProjectionHealthCheckConfig{
				Timeout:                   Duration(5 * time.Second),
				MaxAcceptableLag:          1000,
				FailOnUnhealthyProjection: true,
			},
			Retry: ProjectionRetryConfig{
				DefaultMaxAttempts: 3,
				DefaultDelay:       Duration(time.Second),
				MaxDelay:           Duration(5 * time.Minute),
				BackoffMultiplier:  2.0,
			},
		},
		Performance: PerformanceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureRateThreshold:    50,
				MinimumNumberOfCalls:    10,
				SlidingWindowSize:       Duration(time.Minute),
				WaitDurationInOpenState: Duration(30 * time.Second),
			},
			TracingEnabled: true,
			MetricsEnabled: true,
		},
		Multitenancy: MultitenancyConfig{},
		Upcasting:    UpcastingConfig{Enabled: true},
		Outbox: OutboxConfig{
			MaxRetries:        3,
			DispatchInterval:  Duration(5 * time.Second),
			BatchSize:         100,
			Retention:         Duration(168 * time.Hour),
			VisibilityTimeout: Duration(5 * time.Minute),
			MaxBackoff:        Duration(time.Hour),
		},
	}
}

// Load reads, overlays, and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := LoadReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

// LoadReader decodes YAML from r on top of Default. An empty document
// yields the defaults. Keys that do not map to a Config field are an error.
func LoadReader(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints. The first violation is
// returned as a *eventsourcing.ValidationError naming the offending key.
func (c *Config) Validate() error {
	if !govalidator.InRangeInt(c.Store.BatchSize, 1, 10000) {
		return invalid("store.batch_size", "must be between 1 and 10000")
	}
	if !govalidator.InRangeInt(c.Store.MaxEventsPerLoad, 1, 1000000) {
		return invalid("store.max_events_per_load", "must be between 1 and 1000000")
	}
	if c.Store.ConnectionTimeout <= 0 {
		return invalid("store.connection_timeout", "must be positive")
	}
	if c.Store.QueryTimeout <= 0 {
		return invalid("store.query_timeout", "must be positive")
	}

	if c.Snapshot.Enabled {
		if c.Snapshot.Threshold < 1 {
			return invalid("snapshot.threshold", "must be at least 1")
		}
		if c.Snapshot.KeepCount < 1 {
			return invalid("snapshot.keep_count", "must be at least 1")
		}
		if c.Snapshot.Caching && c.Snapshot.CacheTTL <= 0 {
			return invalid("snapshot.cache_ttl", "must be positive when caching is enabled")
		}
	}

	if !govalidator.InRangeInt(c.Publisher.BatchSize, 1, 10000) {
		return invalid("publisher.batch_size", "must be between 1 and 10000")
	}
	if c.Publisher.PublishTimeout <= 0 {
		return invalid("publisher.publish_timeout", "must be positive")
	}
	if err := validateRetry("publisher.retry", c.Publisher.Retry); err != nil {
		return err
	}

	batch := c.Projection.BatchProcessing
	if batch.MaxBatchSize < 1 {
		return invalid("projection.batch_processing.max_batch_size", "must be at least 1")
	}
	if !govalidator.InRangeInt(batch.DefaultBatchSize, 1, batch.MaxBatchSize) {
		return invalid("projection.batch_processing.default_batch_size",
			fmt.Sprintf("must be between 1 and max_batch_size (%d)", batch.MaxBatchSize))
	}
	if batch.MinInterval <= 0 {
		return invalid("projection.batch_processing.min_interval", "must be positive")
	}
	if batch.DefaultInterval < batch.MinInterval {
		return invalid("projection.batch_processing.default_interval",
			fmt.Sprintf("must be at least min_interval (%s)", batch.MinInterval))
	}
	if c.Projection.HealthCheck.Timeout <= 0 {
		return invalid("projection.health_check.timeout", "must be positive")
	}
	if c.Projection.HealthCheck.MaxAcceptableLag < 0 {
		return invalid("projection.health_check.max_acceptable_lag", "must not be negative")
	}
	if c.Projection.Retry.DefaultMaxAttempts < 1 {
		return invalid("projection.retry.default_max_attempts", "must be at least 1")
	}
	if c.Projection.Retry.DefaultDelay <= 0 {
		return invalid("projection.retry.default_delay", "must be positive")
	}
	if c.Projection.Retry.MaxDelay < c.Projection.Retry.DefaultDelay {
		return invalid("projection.retry.max_delay", "must be at least default_delay")
	}
	if c.Projection.Retry.BackoffMultiplier < 1 {
		return invalid("projection.retry.backoff_multiplier", "must be at least 1")
	}

	cb := c.Performance.CircuitBreaker
	if cb.Enabled {
		if !govalidator.InRangeInt(int(cb.FailureRateThreshold), 1, 100) {
			return invalid("performance.circuit_breaker.failure_rate_threshold", "must be between 1 and 100")
		}
		if cb.MinimumNumberOfCalls < 1 {
			return invalid("performance.circuit_breaker.minimum_number_of_calls", "must be at least 1")
		}
		if cb.SlidingWindowSize <= 0 {
			return invalid("performance.circuit_breaker.sliding_window_size", "must be positive")
		}
		if cb.WaitDurationInOpenState <= 0 {
			return invalid("performance.circuit_breaker.wait_duration_in_open_state", "must be positive")
		}
	}

	if c.Outbox.MaxRetries < 0 {
		return invalid("outbox.max_retries", "must not be negative")
	}
	if c.Outbox.DispatchInterval <= 0 {
		return invalid("outbox.dispatch_interval", "must be positive")
	}
	if !govalidator.InRangeInt(c.Outbox.BatchSize, 1, 10000) {
		return invalid("outbox.batch_size", "must be between 1 and 10000")
	}
	if c.Outbox.VisibilityTimeout <= 0 {
		return invalid("outbox.visibility_timeout", "must be positive")
	}
	if c.Outbox.MaxBackoff <= 0 {
		return invalid("outbox.max_backoff", "must be positive")
	}

	return nil
}

func validateRetry(prefix string, r RetryConfig) error {
	if r.MaxAttempts < 1 {
		return invalid(prefix+".max_attempts", "must be at least 1")
	}
	if r.InitialDelay <= 0 {
		return invalid(prefix+".initial_delay", "must be positive")
	}
	if r.MaxDelay < r.InitialDelay {
		return invalid(prefix+".max_delay", "must be at least initial_delay")
	}
	if r.BackoffMultiplier < 1 {
		return invalid(prefix+".backoff_multiplier", "must be at least 1")
	}
	return nil
}

func invalid(field, message string) error {
	return &eventsourcing.ValidationError{Field: field, Message: message}
}

package config_test

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keelsonlabs/keelson/pkg/config"
	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
	if cfg.Store.BatchSize != 100 {
		t.Errorf("expected store batch size 100, got %d", cfg.Store.BatchSize)
	}
	if got := time.Duration(cfg.Snapshot.MaxAge); got != 720*time.Hour {
		t.Errorf("expected 720h snapshot max age, got %s", got)
	}
	if !cfg.Upcasting.Enabled || cfg.Upcasting.StrictMode {
		t.Error("expected upcasting enabled and lenient by default")
	}
	if cfg.Multitenancy.Enabled {
		t.Error("expected multitenancy disabled by default")
	}
}

func TestLoadReader(t *testing.T) {
	t.Run("OverridesSelectedKeys", func(t *testing.T) {
		doc := `
store:
  batch_size: 250
snapshot:
  enabled: false
outbox:
  dispatch_interval: 1s
`
		cfg, err := config.LoadReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if cfg.Store.BatchSize != 250 {
			t.Errorf("override not applied, got batch size %d", cfg.Store.BatchSize)
		}
		if cfg.Snapshot.Enabled {
			t.Error("snapshot.enabled override not applied")
		}
		if got := time.Duration(cfg.Outbox.DispatchInterval); got != time.Second {
			t.Errorf("expected 1s dispatch interval, got %s", got)
		}
		// Untouched keys keep their defaults.
		if cfg.Store.MaxEventsPerLoad != 1000 {
			t.Errorf("default max_events_per_load lost, got %d", cfg.Store.MaxEventsPerLoad)
		}
		if cfg.Publisher.Retry.MaxAttempts != 3 {
			t.Errorf("default publisher retry lost, got %d attempts", cfg.Publisher.Retry.MaxAttempts)
		}
	})

	t.Run("EmptyDocumentYieldsDefaults", func(t *testing.T) {
		cfg, err := config.LoadReader(strings.NewReader(""))
		if err != nil {
			t.Fatalf("failed to load empty document: %v", err)
		}
		if cfg.Store.BatchSize != config.Default().Store.BatchSize {
			t.Errorf("empty document changed defaults, got batch size %d", cfg.Store.BatchSize)
		}
	})

	t.Run("UnknownKeyRejected", func(t *testing.T) {
		doc := "store:\n  batchsize: 10\n"
		if _, err := config.LoadReader(strings.NewReader(doc)); err == nil {
			t.Fatal("expected an error for an unknown key")
		} else if !strings.Contains(err.Error(), "batchsize") {
			t.Errorf("error does not name the unknown key: %v", err)
		}
	})

	t.Run("BadDurationRejected", func(t *testing.T) {
		doc := "store:\n  query_timeout: fast\n"
		if _, err := config.LoadReader(strings.NewReader(doc)); err == nil {
			t.Fatal("expected an error for an unparseable duration")
		} else if !strings.Contains(err.Error(), "fast") {
			t.Errorf("error does not name the bad value: %v", err)
		}
	})

	t.Run("InvalidValueRejected", func(t *testing.T) {
		doc := "store:\n  batch_size: 0\n"
		_, err := config.LoadReader(strings.NewReader(doc))
		if err == nil {
			t.Fatal("expected a validation error")
		}
		var ve *eventsourcing.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected a ValidationError, got %T: %v", err, err)
		}
		if ve.Field != "store.batch_size" {
			t.Errorf("expected store.batch_size, got %s", ve.Field)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("ReadsFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keelson.yaml")
		doc := "projection:\n  batch_processing:\n    default_batch_size: 500\n"
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		cfg, err := config.Load(path)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if cfg.Projection.BatchProcessing.DefaultBatchSize != 500 {
			t.Errorf("override not applied, got %d", cfg.Projection.BatchProcessing.DefaultBatchSize)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Fatal("expected an error for a missing file")
		}
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{
			name:   "StoreBatchSizeZero",
			mutate: func(c *config.Config) { c.Store.BatchSize = 0 },
			field:  "store.batch_size",
		},
		{
			name:   "StoreQueryTimeoutZero",
			mutate: func(c *config.Config) { c.Store.QueryTimeout = 0 },
			field:  "store.query_timeout",
		},
		{
			name:   "SnapshotThresholdZero",
			mutate: func(c *config.Config) { c.Snapshot.Threshold = 0 },
			field:  "snapshot.threshold",
		},
		{
			name:   "ProjectionBatchAboveMax",
			mutate: func(c *config.Config) { c.Projection.BatchProcessing.DefaultBatchSize = 5000 },
			field:  "projection.batch_processing.default_batch_size",
		},
		{
			name: "ProjectionIntervalBelowMin",
			mutate: func(c *config.Config) {
				c.Projection.BatchProcessing.DefaultInterval = config.Duration(time.Millisecond)
			},
			field: "projection.batch_processing.default_interval",
		},
		{
			name:   "PublisherMultiplierBelowOne",
			mutate: func(c *config.Config) { c.Publisher.Retry.BackoffMultiplier = 0.5 },
			field:  "publisher.retry.backoff_multiplier",
		},
		{
			name: "BreakerRateOutOfRange",
			mutate: func(c *config.Config) {
				c.Performance.CircuitBreaker.Enabled = true
				c.Performance.CircuitBreaker.FailureRateThreshold = 150
			},
			field: "performance.circuit_breaker.failure_rate_threshold",
		},
		{
			name:   "OutboxBatchTooLarge",
			mutate: func(c *config.Config) { c.Outbox.BatchSize = 20000 },
			field:  "outbox.batch_size",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)

			err := cfg.Validate()
			var ve *eventsourcing.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected a ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Errorf("expected field %s, got %s", tc.field, ve.Field)
			}
		})
	}

	t.Run("DisabledSectionsSkipChecks", func(t *testing.T) {
		cfg := config.Default()
		cfg.Snapshot.Enabled = false
		cfg.Snapshot.Threshold = 0
		cfg.Performance.CircuitBreaker.Enabled = false
		cfg.Performance.CircuitBreaker.FailureRateThreshold = 0
		if err := cfg.Validate(); err != nil {
			t.Fatalf("disabled sections should not be validated: %v", err)
		}
	})
}

func TestCircuitBreakerFactory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("DisabledReturnsNil", func(t *testing.T) {
		cb := config.Default().Performance.CircuitBreaker
		if f := cb.Factory(logger); f != nil {
			t.Error("expected nil factory when circuit breaking is disabled")
		}
	})

	t.Run("EnabledProducesNamedBreakers", func(t *testing.T) {
		cb := config.Default().Performance.CircuitBreaker
		cb.Enabled = true

		f := cb.Factory(logger)
		if f == nil {
			t.Fatal("expected a factory")
		}
		if f.Get("store") != f.Get("store") {
			t.Error("same name produced distinct breakers")
		}
	})
}

package observability_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keelsonlabs/keelson/pkg/observability"
)

func newTestTelemetry(t *testing.T) (*observability.Telemetry, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		tp.Shutdown(context.Background())
		mp.Shutdown(context.Background())
	})

	metrics, err := observability.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return &observability.Telemetry{
		TracerProvider: tp,
		MeterProvider:  mp,
		Metrics:        metrics,
	}, sr, reader
}

func endedSpanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestRepositoryMiddleware(t *testing.T) {
	ctx := context.Background()

	t.Run("WrapLoadRecordsSnapshotUse", func(t *testing.T) {
		tel, sr, reader := newTestTelemetry(t)
		mw := observability.NewRepositoryMiddleware(tel)

		err := mw.WrapLoad(ctx, "Account", "acc-1", func(ctx context.Context) (bool, error) {
			return true, nil
		})
		if err != nil {
			t.Fatalf("wrapped load failed: %v", err)
		}

		spans := sr.Ended()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		span := spans[0]
		if span.Name() != "repository.load" {
			t.Errorf("unexpected span name: %s", span.Name())
		}
		if span.Status().Code != codes.Ok {
			t.Errorf("expected Ok status, got %v", span.Status().Code)
		}
		if hit, ok := endedSpanAttr(span, observability.AttrSnapshotHit); !ok || !hit.AsBool() {
			t.Errorf("snapshot.hit attribute missing or false: %v", hit)
		}
		if typ, ok := endedSpanAttr(span, observability.AttrAggregateType); !ok || typ.AsString() != "Account" {
			t.Errorf("aggregate.type attribute wrong: %v", typ)
		}

		if got := counterTotal(t, reader, "keelson.repository.loads"); got != 1 {
			t.Errorf("expected 1 repository load recorded, got %d", got)
		}
		if got := counterTotal(t, reader, "keelson.snapshot.hits"); got != 1 {
			t.Errorf("expected 1 snapshot hit recorded, got %d", got)
		}
	})

	t.Run("WrapLoadRecordsError", func(t *testing.T) {
		tel, sr, _ := newTestTelemetry(t)
		mw := observability.NewRepositoryMiddleware(tel)

		boom := errors.New("history replay failed")
		err := mw.WrapLoad(ctx, "Account", "acc-1", func(ctx context.Context) (bool, error) {
			return false, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected wrapped error returned, got %v", err)
		}

		spans := sr.Ended()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		if spans[0].Status().Code != codes.Error {
			t.Errorf("expected Error status, got %v", spans[0].Status().Code)
		}
		if spans[0].Status().Description != "history replay failed" {
			t.Errorf("unexpected status description: %q", spans[0].Status().Description)
		}
	})

	t.Run("WrapSaveRecordsVersionAndCount", func(t *testing.T) {
		tel, sr, reader := newTestTelemetry(t)
		mw := observability.NewRepositoryMiddleware(tel)

		err := mw.WrapSave(ctx, "Account", "acc-1", 7, 2, func(ctx context.Context) error {
			return nil
		})
		if err != nil {
			t.Fatalf("wrapped save failed: %v", err)
		}

		spans := sr.Ended()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		span := spans[0]
		if span.Name() != "repository.save" {
			t.Errorf("unexpected span name: %s", span.Name())
		}
		if v, ok := endedSpanAttr(span, observability.AttrVersion); !ok || v.AsInt64() != 7 {
			t.Errorf("aggregate.version attribute wrong: %v", v)
		}
		if c, ok := endedSpanAttr(span, observability.AttrEventCount); !ok || c.AsInt64() != 2 {
			t.Errorf("event.count attribute wrong: %v", c)
		}

		if got := counterTotal(t, reader, "keelson.repository.saves"); got != 1 {
			t.Errorf("expected 1 repository save recorded, got %d", got)
		}
	})
}

func TestEventStoreMiddleware(t *testing.T) {
	ctx := context.Background()

	t.Run("AppendCountsOnlyCommittedEvents", func(t *testing.T) {
		tel, sr, reader := newTestTelemetry(t)
		mw := observability.NewEventStoreMiddleware(tel)

		err := mw.WrapAppendEvents(ctx, "Account", "acc-1", 3, func(ctx context.Context) error {
			return nil
		})
		if err != nil {
			t.Fatalf("wrapped append failed: %v", err)
		}

		boom := errors.New("version conflict")
		err = mw.WrapAppendEvents(ctx, "Account", "acc-1", 2, func(ctx context.Context) error {
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected wrapped error returned, got %v", err)
		}

		// The failed batch must not inflate the appended counter.
		if got := counterTotal(t, reader, "keelson.events.appended"); got != 3 {
			t.Errorf("expected 3 events counted, got %d", got)
		}

		spans := sr.Ended()
		if len(spans) != 2 {
			t.Fatalf("expected 2 spans, got %d", len(spans))
		}
		if spans[0].Name() != "eventstore.append" || spans[1].Name() != "eventstore.append" {
			t.Errorf("unexpected span names: %s, %s", spans[0].Name(), spans[1].Name())
		}
		if spans[0].Status().Code != codes.Ok {
			t.Errorf("expected Ok status on first append, got %v", spans[0].Status().Code)
		}
		if spans[1].Status().Code != codes.Error {
			t.Errorf("expected Error status on second append, got %v", spans[1].Status().Code)
		}
	})

	t.Run("LoadEventsReportsCount", func(t *testing.T) {
		tel, sr, _ := newTestTelemetry(t)
		mw := observability.NewEventStoreMiddleware(tel)

		count, err := mw.WrapLoadEvents(ctx, "Account", "acc-1", func(ctx context.Context) (int, error) {
			return 5, nil
		})
		if err != nil {
			t.Fatalf("wrapped load failed: %v", err)
		}
		if count != 5 {
			t.Fatalf("expected count 5 returned, got %d", count)
		}

		spans := sr.Ended()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		if spans[0].Name() != "eventstore.load" {
			t.Errorf("unexpected span name: %s", spans[0].Name())
		}
		if c, ok := endedSpanAttr(spans[0], observability.AttrEventCount); !ok || c.AsInt64() != 5 {
			t.Errorf("event.count attribute wrong: %v", c)
		}
	})
}

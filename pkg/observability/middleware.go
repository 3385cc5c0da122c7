package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerRepository = "keelson.repository"
	tracerEventStore = "keelson.eventstore"
)

func durationAttr(start time.Time) attribute.KeyValue {
	return attribute.Float64("duration_ms", float64(time.Since(start).Milliseconds()))
}

// RepositoryMiddleware wraps aggregate repository operations in spans and
// metrics. It observes the operations it is handed; it does not perform them.
// Repositories compose it through store.WithRepositoryTelemetry.
type RepositoryMiddleware struct {
	tel *Telemetry
}

// NewRepositoryMiddleware creates a repository middleware backed by tel.
func NewRepositoryMiddleware(tel *Telemetry) *RepositoryMiddleware {
	return &RepositoryMiddleware{tel: tel}
}

// WrapLoad traces an aggregate load. The operation reports whether a snapshot
// served part of the history; that is only known once the restore has run, so
// the snapshot attribute lands on the span after the operation returns.
func (m *RepositoryMiddleware) WrapLoad(ctx context.Context, aggregateType, aggregateID string, operation func(context.Context) (snapshotUsed bool, err error)) error {
	ctx, span := m.tel.Tracer(tracerRepository).Start(ctx, "repository.load",
		trace.WithAttributes(
			AttrAggregateType.String(aggregateType),
			AttrAggregateID.String(aggregateID),
			AttrOperation.String("load"),
		))

	start := time.Now()
	snapshotUsed, err := operation(ctx)
	span.SetAttributes(AttrSnapshotHit.Bool(snapshotUsed), durationAttr(start))

	if m.tel.Metrics != nil {
		m.tel.Metrics.RecordRepositoryOperation(ctx, "load", aggregateType)
		m.tel.Metrics.RecordAggregateLoad(ctx, aggregateType, snapshotUsed)
	}
	EndSpan(span, err)
	return err
}

// WrapSave traces persisting an aggregate's uncommitted events. version is the
// aggregate version the save will reach. Event store latency is recorded by
// the nested append wrap, not here.
func (m *RepositoryMiddleware) WrapSave(ctx context.Context, aggregateType, aggregateID string, version int64, eventCount int, operation func(context.Context) error) error {
	ctx, span := m.tel.Tracer(tracerRepository).Start(ctx, "repository.save",
		trace.WithAttributes(
			AttrAggregateType.String(aggregateType),
			AttrAggregateID.String(aggregateID),
			AttrVersion.Int64(version),
			AttrOperation.String("save"),
			AttrEventCount.Int(eventCount),
		))

	start := time.Now()
	err := operation(ctx)
	span.SetAttributes(durationAttr(start))

	if m.tel.Metrics != nil {
		m.tel.Metrics.RecordRepositoryOperation(ctx, "save", aggregateType)
	}
	EndSpan(span, err)
	return err
}

// EventStoreMiddleware wraps event store calls in spans and metrics. When a
// repository composes both middlewares, the store spans nest under the
// repository spans in the same trace.
type EventStoreMiddleware struct {
	tel *Telemetry
}

// NewEventStoreMiddleware creates an event store middleware backed by tel.
func NewEventStoreMiddleware(tel *Telemetry) *EventStoreMiddleware {
	return &EventStoreMiddleware{tel: tel}
}

// WrapAppendEvents traces one append batch. A failed append moves the latency
// histogram but not the events-appended counter, so the counter tracks the
// log rather than the attempts.
func (m *EventStoreMiddleware) WrapAppendEvents(ctx context.Context, aggregateType, aggregateID string, eventCount int, operation func(context.Context) error) error {
	ctx, span := m.tel.Tracer(tracerEventStore).Start(ctx, "eventstore.append",
		trace.WithAttributes(
			AttrAggregateType.String(aggregateType),
			AttrAggregateID.String(aggregateID),
			AttrEventCount.Int(eventCount),
		))

	start := time.Now()
	err := operation(ctx)
	span.SetAttributes(durationAttr(start))

	if m.tel.Metrics != nil {
		counted := eventCount
		if err != nil {
			counted = 0
		}
		m.tel.Metrics.RecordEventStoreOperation(ctx, "append", time.Since(start), counted)
	}
	EndSpan(span, err)
	return err
}

// WrapLoadEvents traces reading an aggregate's event tail. The operation
// returns how many events it read; the count lands on the span and the
// latency histogram.
func (m *EventStoreMiddleware) WrapLoadEvents(ctx context.Context, aggregateType, aggregateID string, operation func(context.Context) (int, error)) (int, error) {
	ctx, span := m.tel.Tracer(tracerEventStore).Start(ctx, "eventstore.load",
		trace.WithAttributes(
			AttrAggregateType.String(aggregateType),
			AttrAggregateID.String(aggregateID),
		))

	start := time.Now()
	eventCount, err := operation(ctx)
	if err == nil {
		span.SetAttributes(AttrEventCount.Int(eventCount))
	}
	span.SetAttributes(durationAttr(start))

	if m.tel.Metrics != nil {
		m.tel.Metrics.RecordEventStoreOperation(ctx, "load", time.Since(start), eventCount)
	}
	EndSpan(span, err)
	return eventCount, err
}

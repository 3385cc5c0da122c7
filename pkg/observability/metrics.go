package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the event sourcing runtime.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Event store metrics
	EventsAppended    metric.Int64Counter
	EventStoreLatency metric.Float64Histogram

	// Aggregate metrics
	AggregateLoads metric.Int64Counter
	SnapshotHits   metric.Int64Counter
	SnapshotMisses metric.Int64Counter

	// Outbox metrics
	OutboxDispatched      metric.Int64Counter
	OutboxFailures        metric.Int64Counter
	OutboxBacklog         metric.Int64Gauge
	OutboxDispatchLatency metric.Float64Histogram

	// Projection metrics
	ProjectionProcessed metric.Int64Counter
	ProjectionErrors    metric.Int64Counter
	ProjectionLag       metric.Int64Gauge

	// Repository metrics
	RepositorySaves metric.Int64Counter
	RepositoryLoads metric.Int64Counter

	// Broker metrics
	BrokerPublishLatency metric.Float64Histogram
	BrokerMessages       metric.Int64Counter
}

// NewMetrics creates all metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"keelson.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"keelson.command.total",
		metric.WithDescription("Total commands executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"keelson.command.errors",
		metric.WithDescription("Total command errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"keelson.events.appended",
		metric.WithDescription("Total events appended to the event log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventStoreLatency, err = meter.Float64Histogram(
		"keelson.eventstore.latency",
		metric.WithDescription("Event store operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.latency: %w", err)
	}

	m.AggregateLoads, err = meter.Int64Counter(
		"keelson.aggregate.loads",
		metric.WithDescription("Total aggregate loads"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating aggregate.loads: %w", err)
	}

	m.SnapshotHits, err = meter.Int64Counter(
		"keelson.snapshot.hits",
		metric.WithDescription("Aggregate loads served from a snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.hits: %w", err)
	}

	m.SnapshotMisses, err = meter.Int64Counter(
		"keelson.snapshot.misses",
		metric.WithDescription("Aggregate loads replayed from scratch"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot.misses: %w", err)
	}

	m.OutboxDispatched, err = meter.Int64Counter(
		"keelson.outbox.dispatched",
		metric.WithDescription("Outbox entries published to the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.dispatched: %w", err)
	}

	m.OutboxFailures, err = meter.Int64Counter(
		"keelson.outbox.failures",
		metric.WithDescription("Outbox publish attempts that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.failures: %w", err)
	}

	m.OutboxBacklog, err = meter.Int64Gauge(
		"keelson.outbox.backlog",
		metric.WithDescription("Outbox entries waiting for dispatch"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.backlog: %w", err)
	}

	m.OutboxDispatchLatency, err = meter.Float64Histogram(
		"keelson.outbox.dispatch.latency",
		metric.WithDescription("Broker publish latency per outbox entry in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox.dispatch.latency: %w", err)
	}

	m.ProjectionProcessed, err = meter.Int64Counter(
		"keelson.projection.processed",
		metric.WithDescription("Events applied to projections"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.processed: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"keelson.projection.errors",
		metric.WithDescription("Projection processing errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	m.ProjectionLag, err = meter.Int64Gauge(
		"keelson.projection.lag",
		metric.WithDescription("Events between the log head and the projection cursor"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.lag: %w", err)
	}

	m.RepositorySaves, err = meter.Int64Counter(
		"keelson.repository.saves",
		metric.WithDescription("Total repository save operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating repository.saves: %w", err)
	}

	m.RepositoryLoads, err = meter.Int64Counter(
		"keelson.repository.loads",
		metric.WithDescription("Total repository load operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating repository.loads: %w", err)
	}

	m.BrokerPublishLatency, err = meter.Float64Histogram(
		"keelson.broker.publish.latency",
		metric.WithDescription("Broker publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker.publish.latency: %w", err)
	}

	m.BrokerMessages, err = meter.Int64Counter(
		"keelson.broker.messages",
		metric.WithDescription("Total broker messages published"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker.messages: %w", err)
	}

	return m, nil
}

// RecordCommand records command execution metrics.
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("command_type", commandType),
	}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		errorAttrs := append(attrs, attribute.String("error_type", fmt.Sprintf("%T", err)))
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(errorAttrs...))
	}
}

// RecordEventStoreOperation records event store operation metrics.
func (m *Metrics) RecordEventStoreOperation(ctx context.Context, operation string, duration time.Duration, eventCount int) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.EventStoreLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if operation == "append" {
		m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
	}
}

// RecordAggregateLoad records an aggregate load and whether a snapshot
// served it.
func (m *Metrics) RecordAggregateLoad(ctx context.Context, aggregateType string, snapshotUsed bool) {
	attrs := []attribute.KeyValue{
		attribute.String("aggregate_type", aggregateType),
	}

	m.AggregateLoads.Add(ctx, 1, metric.WithAttributes(attrs...))

	if snapshotUsed {
		m.SnapshotHits.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		m.SnapshotMisses.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRepositoryOperation records repository save/load counts.
func (m *Metrics) RecordRepositoryOperation(ctx context.Context, operation string, aggregateType string) {
	attrs := []attribute.KeyValue{
		attribute.String("aggregate_type", aggregateType),
	}

	switch operation {
	case "save":
		m.RepositorySaves.Add(ctx, 1, metric.WithAttributes(attrs...))
	case "load":
		m.RepositoryLoads.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordOutboxDispatch records one outbox publish attempt.
func (m *Metrics) RecordOutboxDispatch(ctx context.Context, destination string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("destination", destination),
	}

	m.OutboxDispatchLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if err != nil {
		m.OutboxFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.OutboxDispatched.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOutboxBacklog records the number of entries waiting for dispatch.
func (m *Metrics) RecordOutboxBacklog(ctx context.Context, pending int64) {
	m.OutboxBacklog.Record(ctx, pending)
}

// RecordProjectionProcessed counts events applied by a projection.
func (m *Metrics) RecordProjectionProcessed(ctx context.Context, projectionName string, count int64) {
	m.ProjectionProcessed.Add(ctx, count, metric.WithAttributes(
		attribute.String("projection", projectionName)))
}

// RecordProjectionLag records how many events a projection is behind the log.
func (m *Metrics) RecordProjectionLag(ctx context.Context, projectionName string, lag int64) {
	m.ProjectionLag.Record(ctx, lag, metric.WithAttributes(
		attribute.String("projection", projectionName)))
}

// RecordProjectionError records a projection processing error.
func (m *Metrics) RecordProjectionError(ctx context.Context, projectionName string, errorType string) {
	m.ProjectionErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("projection", projectionName),
		attribute.String("error_type", errorType)))
}

// RecordBrokerPublish records broker publish metrics.
func (m *Metrics) RecordBrokerPublish(ctx context.Context, subject string, duration time.Duration, messageCount int) {
	attrs := []attribute.KeyValue{
		attribute.String("subject", subject),
	}

	m.BrokerPublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.BrokerMessages.Add(ctx, int64(messageCount), metric.WithAttributes(attrs...))
}

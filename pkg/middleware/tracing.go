package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/observability"
)

// OpenTelemetryMiddleware adds distributed tracing to command execution
// using the global tracer provider. Pass an empty tracerName to use the
// default instrumentation name.
func OpenTelemetryMiddleware(tracerName string) eventsourcing.CommandMiddleware {
	if tracerName == "" {
		tracerName = "keelson.commandbus"
	}
	return OpenTelemetryMiddlewareWithTracer(otel.Tracer(tracerName))
}

// OpenTelemetryMiddlewareWithTracer creates tracing middleware bound to a
// specific tracer, typically obtained from observability.Telemetry.
func OpenTelemetryMiddlewareWithTracer(tracer trace.Tracer) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			commandType := cmd.CommandType()
			if commandType == "" {
				commandType = "unknown"
			}

			attrs := observability.CommandAttrs(commandType, cmd.Metadata.CommandID)
			attrs = append(attrs,
				attribute.String("command.principal_id", cmd.Metadata.PrincipalID),
				attribute.String("command.correlation_id", cmd.Metadata.CorrelationID),
			)
			if cmd.Metadata.TenantID != "" {
				attrs = append(attrs, observability.AttrTenantID.String(cmd.Metadata.TenantID))
			}

			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", commandType),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attrs...),
			)

			events, err := next.Handle(spanCtx, cmd)

			if err == nil {
				span.SetAttributes(observability.AttrEventCount.Int(len(events)))
				if len(events) > 0 {
					eventTypes := make([]string, len(events))
					for i, evt := range events {
						eventTypes[i] = evt.EventType
					}
					span.SetAttributes(attribute.StringSlice("event.types", eventTypes))
				}
			}

			observability.EndSpan(span, err)

			if err != nil {
				return nil, err
			}
			return events, nil
		})
	}
}

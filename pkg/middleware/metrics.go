package middleware

import (
	"context"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/observability"
)

// MetricsMiddleware records command throughput, latency, and failures on the
// keelson.command.* instruments. A nil metrics handle disables recording.
func MetricsMiddleware(metrics *observability.Metrics) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		if metrics == nil {
			return next
		}

		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			start := time.Now()

			events, err := next.Handle(ctx, cmd)

			metrics.RecordCommand(ctx, cmd.CommandType(), time.Since(start), err)

			return events, err
		})
	}
}

package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/middleware"
	"github.com/keelsonlabs/keelson/pkg/observability"
)

type depositCommand struct {
	CommandID string `valid:"required"`
	Account   string `valid:"required"`
	Amount    string `valid:"required"`
}

func (c *depositCommand) ID() string          { return c.CommandID }
func (c *depositCommand) AggregateID() string { return c.Account }
func (c *depositCommand) CommandType() string { return "account.Deposit" }

func envelope() *eventsourcing.CommandEnvelope {
	return &eventsourcing.CommandEnvelope{
		Command: &depositCommand{CommandID: "cmd-1", Account: "acc-1", Amount: "25.00"},
		Metadata: eventsourcing.CommandMetadata{
			CommandID:     "cmd-1",
			PrincipalID:   "user-1",
			CorrelationID: "corr-1",
		},
	}
}

func staticHandler(events []*eventsourcing.Event, err error) eventsourcing.CommandHandler {
	return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
		return events, err
	})
}

func oneEvent() []*eventsourcing.Event {
	return []*eventsourcing.Event{{
		ID:            "evt-1",
		AggregateID:   "acc-1",
		AggregateType: "BankAccount",
		EventType:     "MoneyDeposited",
		Version:       1,
	}}
}

type validatorFunc func(cmd interface{}) error

func (f validatorFunc) Validate(cmd interface{}) error { return f(cmd) }

func TestLoggingMiddleware(t *testing.T) {
	t.Run("LogsSuccess", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))

		wrapped := middleware.LoggingMiddleware(logger)(staticHandler(oneEvent(), nil))
		events, err := wrapped.Handle(context.Background(), envelope())

		require.NoError(t, err)
		assert.Len(t, events, 1)
		assert.Contains(t, buf.String(), "Executing command")
		assert.Contains(t, buf.String(), "Command executed successfully")
		assert.Contains(t, buf.String(), "command_type=account.Deposit")
	})

	t.Run("LogsFailure", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))

		wrapped := middleware.LoggingMiddleware(logger)(staticHandler(nil, errors.New("balance lookup failed")))
		_, err := wrapped.Handle(context.Background(), envelope())

		require.Error(t, err)
		assert.Contains(t, buf.String(), "Command execution failed")
		assert.Contains(t, buf.String(), "balance lookup failed")
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Run("ConvertsPanicToError", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))

		panicking := eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			panic("nil aggregate state")
		})

		wrapped := middleware.RecoveryMiddleware(logger)(panicking)
		events, err := wrapped.Handle(context.Background(), envelope())

		require.Error(t, err)
		assert.Nil(t, events)
		assert.Contains(t, err.Error(), "panicked")
		assert.Contains(t, buf.String(), "stack_trace")
	})

	t.Run("PassesThrough", func(t *testing.T) {
		wrapped := middleware.RecoveryMiddleware(nil)(staticHandler(oneEvent(), nil))
		events, err := wrapped.Handle(context.Background(), envelope())

		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOpenTelemetryMiddleware(t *testing.T) {
	newRecorder := func(t *testing.T) (*tracetest.SpanRecorder, eventsourcing.CommandMiddleware) {
		t.Helper()
		sr := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
		t.Cleanup(func() { tp.Shutdown(context.Background()) })
		return sr, middleware.OpenTelemetryMiddlewareWithTracer(tp.Tracer("test"))
	}

	t.Run("RecordsSpanOnSuccess", func(t *testing.T) {
		sr, mw := newRecorder(t)

		wrapped := mw(staticHandler(oneEvent(), nil))
		_, err := wrapped.Handle(context.Background(), envelope())
		require.NoError(t, err)

		spans := sr.Ended()
		require.Len(t, spans, 1)
		span := spans[0]

		assert.Equal(t, "command.account.Deposit", span.Name())
		assert.Equal(t, codes.Ok, span.Status().Code)

		id, ok := spanAttr(span, observability.AttrCommandID)
		require.True(t, ok)
		assert.Equal(t, "cmd-1", id.AsString())

		count, ok := spanAttr(span, observability.AttrEventCount)
		require.True(t, ok)
		assert.Equal(t, int64(1), count.AsInt64())

		types, ok := spanAttr(span, attribute.Key("event.types"))
		require.True(t, ok)
		assert.Equal(t, []string{"MoneyDeposited"}, types.AsStringSlice())
	})

	t.Run("RecordsErrorStatus", func(t *testing.T) {
		sr, mw := newRecorder(t)

		wrapped := mw(staticHandler(nil, errors.New("insufficient funds")))
		_, err := wrapped.Handle(context.Background(), envelope())
		require.Error(t, err)

		spans := sr.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		assert.Equal(t, "insufficient funds", spans[0].Status().Description)
	})
}

func TestValidationMiddleware(t *testing.T) {
	t.Run("BlocksInvalidCommand", func(t *testing.T) {
		handlerCalled := false
		next := eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			handlerCalled = true
			return nil, nil
		})

		reject := validatorFunc(func(cmd interface{}) error { return errors.New("bad amount") })
		wrapped := middleware.ValidationMiddleware(reject)(next)

		_, err := wrapped.Handle(context.Background(), envelope())

		require.Error(t, err)
		assert.ErrorIs(t, err, eventsourcing.ErrInvalidCommand)
		assert.Contains(t, err.Error(), "bad amount")
		assert.False(t, handlerCalled)
	})

	t.Run("PassesValidCommand", func(t *testing.T) {
		accept := validatorFunc(func(cmd interface{}) error { return nil })
		wrapped := middleware.ValidationMiddleware(accept)(staticHandler(oneEvent(), nil))

		events, err := wrapped.Handle(context.Background(), envelope())

		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestMetadataValidationMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(env *eventsourcing.CommandEnvelope)
		opts    []middleware.MetadataOption
		wantErr string
	}{
		{
			name:    "MissingCommandID",
			mutate:  func(env *eventsourcing.CommandEnvelope) { env.Metadata.CommandID = "" },
			wantErr: "command_id is required",
		},
		{
			name:    "OversizedCommandID",
			mutate:  func(env *eventsourcing.CommandEnvelope) { env.Metadata.CommandID = strings.Repeat("x", 129) },
			wantErr: "exceeds 128 bytes",
		},
		{
			name:    "NonASCIICommandID",
			mutate:  func(env *eventsourcing.CommandEnvelope) { env.Metadata.CommandID = "cmd-é" },
			wantErr: "printable ASCII",
		},
		{
			name:    "MissingCommandType",
			mutate:  func(env *eventsourcing.CommandEnvelope) { env.Command = nil },
			wantErr: "command type is required",
		},
		{
			name:    "MissingPrincipalWhenRequired",
			mutate:  func(env *eventsourcing.CommandEnvelope) { env.Metadata.PrincipalID = "" },
			opts:    []middleware.MetadataOption{middleware.RequirePrincipal()},
			wantErr: "principal_id is required",
		},
		{
			name:    "MissingTenantWhenRequired",
			mutate:  func(env *eventsourcing.CommandEnvelope) {},
			opts:    []middleware.MetadataOption{middleware.RequireTenant()},
			wantErr: "tenant_id is required",
		},
		{
			name:   "ValidMetadata",
			mutate: func(env *eventsourcing.CommandEnvelope) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := envelope()
			tt.mutate(env)

			wrapped := middleware.MetadataValidationMiddleware(tt.opts...)(staticHandler(oneEvent(), nil))
			events, err := wrapped.Handle(context.Background(), env)

			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Len(t, events, 1)
				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, eventsourcing.ErrInvalidCommand)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

type signedCommand struct {
	Signature string
}

func (c *signedCommand) ID() string          { return "cmd-2" }
func (c *signedCommand) AggregateID() string { return "acc-2" }
func (c *signedCommand) CommandType() string { return "account.Sign" }

func (c *signedCommand) Validate() error {
	if c.Signature == "" {
		return errors.New("signature missing")
	}
	return nil
}

func TestStructValidator(t *testing.T) {
	validator := &middleware.StructValidator{}

	t.Run("RejectsTagViolation", func(t *testing.T) {
		err := validator.Validate(&depositCommand{CommandID: "cmd-1", Amount: "25.00"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Account")
	})

	t.Run("AcceptsValidStruct", func(t *testing.T) {
		err := validator.Validate(&depositCommand{CommandID: "cmd-1", Account: "acc-1", Amount: "25.00"})
		require.NoError(t, err)
	})

	t.Run("HonorsValidateMethod", func(t *testing.T) {
		err := validator.Validate(&signedCommand{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signature missing")

		require.NoError(t, validator.Validate(&signedCommand{Signature: "sig"}))
	})

	t.Run("NilPassesThrough", func(t *testing.T) {
		require.NoError(t, validator.Validate(nil))
	})
}

func TestAuthorizationMiddleware(t *testing.T) {
	roles := func(ctx context.Context, principalID string) ([]string, error) {
		switch principalID {
		case "user-1":
			return []string{"teller"}, nil
		case "user-2":
			return []string{"viewer"}, nil
		default:
			return nil, errors.New("directory unavailable")
		}
	}
	authorizer := middleware.NewRoleBasedAuthorizer(
		map[string][]string{"account.Deposit": {"teller"}},
		roles,
	)

	t.Run("AllowsPrincipalWithRole", func(t *testing.T) {
		wrapped := middleware.AuthorizationMiddleware(authorizer)(staticHandler(oneEvent(), nil))
		events, err := wrapped.Handle(context.Background(), envelope())

		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("DeniesPrincipalWithoutRole", func(t *testing.T) {
		handlerCalled := false
		next := eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			handlerCalled = true
			return nil, nil
		})

		env := envelope()
		env.Metadata.PrincipalID = "user-2"

		wrapped := middleware.AuthorizationMiddleware(authorizer)(next)
		_, err := wrapped.Handle(context.Background(), env)

		require.Error(t, err)
		assert.ErrorIs(t, err, eventsourcing.ErrUnauthorized)
		assert.False(t, handlerCalled)
	})

	t.Run("SkipsUnconfiguredCommands", func(t *testing.T) {
		open := middleware.NewRoleBasedAuthorizer(nil, roles)

		wrapped := middleware.AuthorizationMiddleware(open)(staticHandler(oneEvent(), nil))
		_, err := wrapped.Handle(context.Background(), envelope())

		require.NoError(t, err)
	})

	t.Run("PropagatesRoleLookupFailure", func(t *testing.T) {
		env := envelope()
		env.Metadata.PrincipalID = "user-unknown"

		wrapped := middleware.AuthorizationMiddleware(authorizer)(staticHandler(oneEvent(), nil))
		_, err := wrapped.Handle(context.Background(), env)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get principal roles")
	})
}

func metricTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestMetricsMiddleware(t *testing.T) {
	t.Run("NilMetricsPassesThrough", func(t *testing.T) {
		wrapped := middleware.MetricsMiddleware(nil)(staticHandler(oneEvent(), nil))
		events, err := wrapped.Handle(context.Background(), envelope())

		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("RecordsTotalsAndErrors", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		t.Cleanup(func() { provider.Shutdown(context.Background()) })

		metrics, err := observability.NewMetrics(provider.Meter("test"))
		require.NoError(t, err)

		mw := middleware.MetricsMiddleware(metrics)

		ok := mw(staticHandler(oneEvent(), nil))
		failing := mw(staticHandler(nil, errors.New("insufficient funds")))

		_, err = ok.Handle(context.Background(), envelope())
		require.NoError(t, err)
		_, err = ok.Handle(context.Background(), envelope())
		require.NoError(t, err)
		_, err = failing.Handle(context.Background(), envelope())
		require.Error(t, err)

		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))

		assert.Equal(t, int64(3), metricTotal(t, rm, "keelson.command.total"))
		assert.Equal(t, int64(1), metricTotal(t, rm, "keelson.command.errors"))
	})
}

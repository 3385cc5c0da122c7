// Package nats carries events over NATS JetStream. Publisher drains the
// transactional outbox onto destination streams and Subscriber attaches
// durable consumers, so delivery survives restarts on both sides.
//
// Each destination maps to one stream: destination "events" becomes stream
// EVENTS with subject space "events.>", and publications land on
// "<destination>.<AggregateType>.<EventType>". Streams are provisioned on
// first use.
package nats

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"

	"github.com/keelsonlabs/keelson/pkg/security/credentials"
)

// DefaultDestination is the destination assumed when an outbox entry or a
// subscription filter leaves it empty. Matches store.PublishAllRouter's
// conventional argument.
const DefaultDestination = "events"

const (
	defaultClientName     = "keelson"
	defaultStreamMaxAge   = 7 * 24 * time.Hour
	defaultStreamMaxBytes = 1024 * 1024 * 1024
)

type options struct {
	clientName     string
	credentials    credentials.Provider
	logger         *slog.Logger
	maxReconnects  int
	reconnectWait  time.Duration
	streamMaxAge   time.Duration
	streamMaxBytes int64
	ackWait        time.Duration
}

func defaultOptions() *options {
	return &options{
		clientName:     defaultClientName,
		logger:         slog.Default(),
		streamMaxAge:   defaultStreamMaxAge,
		streamMaxBytes: defaultStreamMaxBytes,
	}
}

// Option configures a Publisher or Subscriber.
type Option func(*options)

// WithClientName sets the NATS client connection name. Defaults to "keelson".
func WithClientName(name string) Option {
	return func(o *options) {
		o.clientName = name
	}
}

// WithCredentialsProvider authenticates the connection with credentials
// resolved from the provider at connect time.
func WithCredentialsProvider(p credentials.Provider) Option {
	return func(o *options) {
		o.credentials = p
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMaxReconnects bounds reconnection attempts. Defaults to the nats.go
// client default; use -1 for unlimited.
func WithMaxReconnects(n int) Option {
	return func(o *options) {
		o.maxReconnects = n
	}
}

// WithReconnectWait sets the delay between reconnection attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(o *options) {
		o.reconnectWait = d
	}
}

// WithStreamMaxAge sets how long destination streams retain events.
// Defaults to 7 days.
func WithStreamMaxAge(d time.Duration) Option {
	return func(o *options) {
		o.streamMaxAge = d
	}
}

// WithStreamMaxBytes caps destination stream size. Defaults to 1 GiB.
func WithStreamMaxBytes(n int64) Option {
	return func(o *options) {
		o.streamMaxBytes = n
	}
}

// WithAckWait sets how long the broker waits for a consumer acknowledgement
// before redelivering. Defaults to the JetStream default.
func WithAckWait(d time.Duration) Option {
	return func(o *options) {
		o.ackWait = d
	}
}

// connect dials url with the configured identity, reconnect policy, and
// credentials, and opens a JetStream context.
func (o *options) connect(ctx context.Context, url string) (*nats.Conn, nats.JetStreamContext, error) {
	logger := o.logger
	opts := []nats.Option{
		nats.Name(o.clientName),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if o.maxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(o.maxReconnects))
	}
	if o.reconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(o.reconnectWait))
	}

	if o.credentials != nil {
		auth, err := authOptions(ctx, o.credentials)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, auth...)
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// authOptions maps resolved credentials onto nats.go connection options.
func authOptions(ctx context.Context, provider credentials.Provider) ([]nats.Option, error) {
	creds, err := provider.GetCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve broker credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	switch creds.Type {
	case credentials.CredentialTypeToken:
		return []nats.Option{nats.Token(creds.Token)}, nil

	case credentials.CredentialTypeUserPassword:
		return []nats.Option{nats.UserInfo(creds.User, creds.Password)}, nil

	case credentials.CredentialTypeNKey:
		kp, err := nkeys.FromSeed([]byte(creds.Seed))
		if err != nil {
			return nil, fmt.Errorf("failed to parse nkey seed: %w", err)
		}
		return []nats.Option{nats.Nkey(creds.PublicKey, func(nonce []byte) ([]byte, error) {
			return kp.Sign(nonce)
		})}, nil

	case credentials.CredentialTypeJWT:
		if creds.Seed == "" {
			return nil, fmt.Errorf("jwt credentials require a signing seed")
		}
		return []nats.Option{nats.UserJWTAndSeed(creds.JWTToken, creds.Seed)}, nil

	case credentials.CredentialTypeMTLS:
		cert, err := tls.X509KeyPair([]byte(creds.CertPEM), []byte(creds.KeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		return []nats.Option{nats.Secure(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})}, nil
	}

	return nil, fmt.Errorf("unsupported credential type %q", creds.Type)
}

// ensureStream creates or updates the stream backing a destination.
func ensureStream(js nats.JetStreamContext, destination string, o *options) error {
	cfg := &nats.StreamConfig{
		Name:      streamNameFor(destination),
		Subjects:  []string{destination + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    o.streamMaxAge,
		MaxBytes:  o.streamMaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	stream, err := js.StreamInfo(cfg.Name)
	if err != nil {
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		return nil
	}

	if stream.Config.MaxAge != cfg.MaxAge || stream.Config.MaxBytes != cfg.MaxBytes {
		if _, err := js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// streamNameFor derives the stream name from a destination: uppercased, with
// anything outside [A-Z0-9] collapsed to underscores.
func streamNameFor(destination string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(destination) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// sanitizeConsumerName makes a subscription name safe for use as a JetStream
// durable name, which cannot contain dots, spaces, or wildcard characters.
func sanitizeConsumerName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

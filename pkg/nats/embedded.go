package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer runs a NATS server with JetStream inside the process. Used
// by tests and by single-binary deployments that want a broker without an
// external dependency.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// ServerOption configures the embedded server.
type ServerOption func(*server.Options)

// WithPort fixes the listen port. Defaults to a random free port.
func WithPort(port int) ServerOption {
	return func(o *server.Options) {
		o.Port = port
	}
}

// WithHost sets the listen host. Defaults to 127.0.0.1.
func WithHost(host string) ServerOption {
	return func(o *server.Options) {
		o.Host = host
	}
}

// WithStoreDir sets the JetStream storage directory. Defaults to a temporary
// directory, which makes streams non-durable across process restarts.
func WithStoreDir(dir string) ServerOption {
	return func(o *server.Options) {
		o.StoreDir = dir
	}
}

// StartEmbeddedServer starts an embedded NATS server with JetStream enabled
// and blocks until it accepts connections.
func StartEmbeddedServer(opts ...ServerOption) (*EmbeddedServer, error) {
	serverOpts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
	}
	for _, opt := range opts {
		opt(serverOpts)
	}

	s, err := server.NewServer(serverOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready after 5s")
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
	}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server and waits up to 5 seconds for it to wind down.
// Safe to call more than once.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Warn("embedded nats server shutdown timed out")
		}
	})
}

// ConnectToEmbedded opens a plain client connection to the embedded server.
func ConnectToEmbedded(srv *EmbeddedServer) (*nats.Conn, error) {
	return nats.Connect(srv.URL())
}

package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ServerService runs an embedded NATS server as a runner.Service, so a
// single-binary deployment can order the broker before the services that
// dial it.
type ServerService struct {
	logger     *slog.Logger
	serverOpts []ServerOption

	mu     sync.Mutex
	server *EmbeddedServer
}

// NewServerService creates the service. The server starts when the runner
// calls Start. A nil logger falls back to slog.Default().
func NewServerService(logger *slog.Logger, opts ...ServerOption) *ServerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerService{logger: logger, serverOpts: opts}
}

// Name implements runner.Service.
func (s *ServerService) Name() string {
	return "nats-server"
}

// Start launches the embedded server and blocks until it accepts
// connections.
func (s *ServerService) Start(ctx context.Context) error {
	srv, err := StartEmbeddedServer(s.serverOpts...)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("embedded nats server started", "url", srv.URL())
	return nil
}

// Stop shuts the server down.
func (s *ServerService) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		srv.Shutdown()
		s.logger.Info("embedded nats server stopped")
	}
	return nil
}

// HealthCheck probes the server with a short-lived connection.
func (s *ServerService) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return fmt.Errorf("nats server not started")
	}
	nc, err := ConnectToEmbedded(srv)
	if err != nil {
		return fmt.Errorf("nats server not responsive: %w", err)
	}
	nc.Close()
	return nil
}

// URL returns the client connection URL. Empty before Start.
func (s *ServerService) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

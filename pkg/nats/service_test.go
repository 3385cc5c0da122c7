package nats_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/keelsonlabs/keelson/pkg/nats"
	"github.com/keelsonlabs/keelson/pkg/runner"
)

func TestServerServiceLifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := nats.NewServerService(logger, nats.WithStoreDir(t.TempDir()))
	ctx := context.Background()

	if svc.URL() != "" {
		t.Error("URL should be empty before start")
	}
	if err := svc.HealthCheck(ctx); err == nil {
		t.Error("health check should fail before start")
	}

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer svc.Stop(ctx)

	if !strings.HasPrefix(svc.URL(), "nats://") {
		t.Errorf("unexpected server URL %q", svc.URL())
	}
	if err := svc.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed on a running server: %v", err)
	}

	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
}

func TestServerServiceUnderRunner(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := nats.NewServerService(logger, nats.WithStoreDir(t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runner.New([]runner.Service{svc}, runner.WithLogger(runner.NewSlogLogger(logger))).Run(ctx)
	}()

	// The runner starts services sequentially; once the URL is populated the
	// broker accepts connections.
	deadline := time.Now().Add(5 * time.Second)
	for svc.URL() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start under the runner")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := svc.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runner returned an error: %v", err)
	}
}

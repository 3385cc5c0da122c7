package runner

import "context"

// Service is one unit of the process lifecycle: the outbox dispatcher, the
// projection manager, an embedded broker. The Runner starts services in
// registration order and stops them in reverse.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start brings the service up and returns once it is operational.
	// Long-running work belongs on a goroutine the service owns; the given
	// context only bounds startup.
	Start(ctx context.Context) error

	// Stop shuts the service down within the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report liveness. The
// Runner's HealthCheck fans in over every service that implements it.
type HealthChecker interface {
	Service

	// HealthCheck returns nil when the service is healthy.
	HealthCheck(ctx context.Context) error
}

package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/keelsonlabs/keelson/pkg/store"
)

// Manager runs a set of projections side by side. Each projection gets its
// own runner, cursor and failure domain: one halting does not stop the
// others.
type Manager struct {
	db          *sql.DB
	events      store.EventStore
	checkpoints store.CheckpointStore
	opts        []Option
	logger      *slog.Logger

	mu      sync.Mutex
	runners map[string]*Runner
	running map[string]*runningProjection
	wg      sync.WaitGroup
}

type runningProjection struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager. The opts are applied to every runner it
// creates; Register can add per-projection options on top. A nil logger
// falls back to slog.Default().
func NewManager(db *sql.DB, events store.EventStore, checkpoints store.CheckpointStore, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:          db,
		events:      events,
		checkpoints: checkpoints,
		opts:        opts,
		logger:      logger,
		runners:     make(map[string]*Runner),
		running:     make(map[string]*runningProjection),
	}
}

// Register adds a projection, applying its read-model migrations when it has
// any. Returns the runner so callers can query health or rebuild directly.
func (m *Manager) Register(p store.Projection, opts ...Option) (*Runner, error) {
	name := p.Name()
	if err := Migrate(m.db, p); err != nil {
		return nil, err
	}

	runnerOpts := make([]Option, 0, len(m.opts)+len(opts)+1)
	runnerOpts = append(runnerOpts, WithLogger(m.logger))
	runnerOpts = append(runnerOpts, m.opts...)
	runnerOpts = append(runnerOpts, opts...)
	runner := NewRunner(p, m.db, m.events, m.checkpoints, runnerOpts...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runners[name]; exists {
		return nil, fmt.Errorf("projection %s already registered", name)
	}
	m.runners[name] = runner
	return runner, nil
}

// Runner returns the runner for a registered projection.
func (m *Manager) Runner(name string) (*Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runner, ok := m.runners[name]
	return runner, ok
}

// Start launches a projection's catch-up loop. The loop runs on a background
// context until Stop is called or the projection halts.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	runner, ok := m.runners[name]
	if !ok {
		return fmt.Errorf("projection %s not registered", name)
	}
	if _, running := m.running[name]; running {
		return fmt.Errorf("projection %s already running", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rp := &runningProjection{cancel: cancel, done: make(chan struct{})}
	m.running[name] = rp

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(rp.done)
		defer func() {
			m.mu.Lock()
			if m.running[name] == rp {
				delete(m.running, name)
			}
			m.mu.Unlock()
		}()

		if err := runner.Run(ctx); err != nil {
			m.logger.Error("projection stopped",
				"projection", name, "error", err)
		}
	}()
	return nil
}

// StartAll starts every registered projection that is not already running.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.runners))
	for name := range m.runners {
		if _, running := m.running[name]; !running {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		if err := m.Start(name); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels a projection's loop and waits for it to exit.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	rp, running := m.running[name]
	if running {
		rp.cancel()
		delete(m.running, name)
	}
	m.mu.Unlock()

	if !running {
		return fmt.Errorf("projection %s not running", name)
	}
	<-rp.done
	return nil
}

// StopAll stops every running projection and waits for the loops to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for name, rp := range m.running {
		rp.cancel()
		delete(m.running, name)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Rebuild stops a projection if it is running, rebuilds it from the start of
// the log, and restarts it if it was running.
func (m *Manager) Rebuild(ctx context.Context, name string) error {
	m.mu.Lock()
	runner, ok := m.runners[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("projection %s not registered", name)
	}

	wasRunning := m.Stop(name) == nil
	if err := runner.Rebuild(ctx); err != nil {
		return err
	}
	if wasRunning {
		return m.Start(name)
	}
	return nil
}

// GetHealth reports per-projection health for every registered projection.
func (m *Manager) GetHealth(ctx context.Context) (map[string]*Health, error) {
	m.mu.Lock()
	runners := make(map[string]*Runner, len(m.runners))
	for name, runner := range m.runners {
		runners[name] = runner
	}
	m.mu.Unlock()

	health := make(map[string]*Health, len(runners))
	for name, runner := range runners {
		h, err := runner.GetHealth(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get health of projection %s: %w", name, err)
		}
		health[name] = h
	}
	return health, nil
}

// Service adapts a Manager to runner.Service. Projection loops run on their
// own background contexts; the startup context only bounds Start itself.
//
// Example:
//
//	services := runner.New([]runner.Service{
//	    projection.NewService(manager),
//	    dispatcher,
//	})
type Service struct {
	manager *Manager
}

// NewService wraps a manager for the service runner.
func NewService(m *Manager) *Service {
	return &Service{manager: m}
}

// Name implements runner.Service.
func (s *Service) Name() string {
	return "projections"
}

// Start implements runner.Service by starting all registered projections.
func (s *Service) Start(ctx context.Context) error {
	return s.manager.StartAll()
}

// Stop implements runner.Service by stopping all projections.
func (s *Service) Stop(ctx context.Context) error {
	s.manager.StopAll()
	return nil
}

// HealthCheck implements runner.HealthChecker. It fails when any projection
// is halted or lagging past its bound.
func (s *Service) HealthCheck(ctx context.Context) error {
	health, err := s.manager.GetHealth(ctx)
	if err != nil {
		return err
	}
	for name, h := range health {
		if !h.Healthy {
			return fmt.Errorf("projection %s unhealthy: position=%d lag=%d halted=%v",
				name, h.Position, h.Lag, h.Halted)
		}
	}
	return nil
}

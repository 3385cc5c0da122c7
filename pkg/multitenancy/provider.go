package multitenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/keelsonlabs/keelson/pkg/store"
	"github.com/keelsonlabs/keelson/pkg/store/sqlite"
)

// TenantStoreStrategy selects how tenants share storage.
type TenantStoreStrategy int

const (
	// SharedDatabase keeps all tenants in one database behind a TenantStore,
	// isolated by tenant-prefixed IDs.
	SharedDatabase TenantStoreStrategy = iota

	// DatabasePerTenant opens one database file per tenant.
	DatabasePerTenant
)

// StoreProviderConfig configures a StoreProvider.
type StoreProviderConfig struct {
	Strategy TenantStoreStrategy

	// StrictMode rejects operations without an ambient tenant.
	StrictMode bool

	// SharedDSN is the database for the SharedDatabase strategy.
	SharedDSN string

	// DatabasePathTemplate names per-tenant database files for the
	// DatabasePerTenant strategy, e.g. "./data/tenant_%s.db". Must contain
	// exactly one %s verb.
	DatabasePathTemplate string

	// WALMode enables SQLite write-ahead logging on every store opened.
	WALMode bool

	// StoreOptions are applied to every store the provider opens, after the
	// DSN and WAL options derived from the fields above.
	StoreOptions []sqlite.EventStoreOption
}

// StoreProvider hands out the event store serving the tenant in context.
//
//	provider, err := multitenancy.NewStoreProvider(multitenancy.StoreProviderConfig{
//		Strategy:  multitenancy.SharedDatabase,
//		SharedDSN: "file:events.db",
//	})
//	...
//	st, err := provider.GetStore(multitenancy.WithTenantID(ctx, "tenant-a"))
type StoreProvider struct {
	cfg    StoreProviderConfig
	shared store.EventStore

	mu           sync.RWMutex
	tenantStores map[string]store.EventStore
}

// NewStoreProvider creates a store provider for the configured strategy.
// The SharedDatabase strategy opens its store eagerly; per-tenant stores
// open on first use.
func NewStoreProvider(cfg StoreProviderConfig) (*StoreProvider, error) {
	p := &StoreProvider{
		cfg:          cfg,
		tenantStores: make(map[string]store.EventStore),
	}

	switch cfg.Strategy {
	case SharedDatabase:
		inner, err := sqlite.NewEventStore(p.storeOptions(cfg.SharedDSN)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared event store: %w", err)
		}
		p.shared = NewTenantStore(inner, cfg.StrictMode)
	case DatabasePerTenant:
		if strings.Count(cfg.DatabasePathTemplate, "%s") != 1 {
			return nil, fmt.Errorf("database path template %q must contain exactly one %%s", cfg.DatabasePathTemplate)
		}
	default:
		return nil, fmt.Errorf("unknown tenant store strategy: %d", cfg.Strategy)
	}

	return p, nil
}

func (p *StoreProvider) storeOptions(dsn string) []sqlite.EventStoreOption {
	opts := []sqlite.EventStoreOption{
		sqlite.WithDSN(dsn),
		sqlite.WithWALMode(p.cfg.WALMode),
	}
	return append(opts, p.cfg.StoreOptions...)
}

// GetStore returns the event store for the tenant in context. The
// SharedDatabase strategy always returns the shared tenant-scoped store;
// DatabasePerTenant requires an ambient tenant to pick the database.
func (p *StoreProvider) GetStore(ctx context.Context) (store.EventStore, error) {
	if p.cfg.Strategy == SharedDatabase {
		return p.shared, nil
	}

	tenantID, err := RequireTenantID(ctx)
	if err != nil {
		return nil, err
	}
	if !ValidTenantID(tenantID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}

	return p.getOrCreateTenantStore(tenantID)
}

func (p *StoreProvider) getOrCreateTenantStore(tenantID string) (store.EventStore, error) {
	p.mu.RLock()
	st, exists := p.tenantStores[tenantID]
	p.mu.RUnlock()
	if exists {
		return st, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if st, exists = p.tenantStores[tenantID]; exists {
		return st, nil
	}

	dsn := fmt.Sprintf(p.cfg.DatabasePathTemplate, tenantID)
	st, err := sqlite.NewEventStore(p.storeOptions(dsn)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create store for tenant %s: %w", tenantID, err)
	}

	p.tenantStores[tenantID] = st
	return st, nil
}

// Close closes every store the provider opened.
func (p *StoreProvider) Close() error {
	var errs []error

	if p.shared != nil {
		if err := p.shared.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close shared store: %w", err))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for tenantID, st := range p.tenantStores {
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store for tenant %s: %w", tenantID, err))
		}
	}
	p.tenantStores = make(map[string]store.EventStore)

	return errors.Join(errs...)
}

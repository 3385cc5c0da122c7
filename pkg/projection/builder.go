package projection

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/store"
	"github.com/keelsonlabs/keelson/pkg/store/sqlite/migrate"
)

// Migratable is implemented by projections that own read-model schema. The
// Manager migrates such projections when they are registered.
type Migratable interface {
	Migrate(db *sql.DB) error
}

// Migrate applies a projection's read-model migrations when it has any.
func Migrate(db *sql.DB, p store.Projection) error {
	m, ok := p.(Migratable)
	if !ok {
		return nil
	}
	return m.Migrate(db)
}

// Builder assembles a projection from per-event-type handlers. Events without
// a registered handler are skipped, so a projection only names the types it
// cares about and tolerates everything else in the log.
//
// Example:
//
//	balances := projection.NewBuilder("account-balances").
//	    On(projection.Typed("AccountOpened", func(ctx context.Context, event *AccountOpened, envelope *eventsourcing.EventEnvelope) error {
//	        return insertBalance(ctx, envelope.AggregateID, event.InitialBalance)
//	    })).
//	    OnReset(func(ctx context.Context) error {
//	        return truncateBalances(ctx)
//	    }).
//	    WithMigrations(migrationsFS, "migrations").
//	    Build()
type Builder struct {
	name          string
	handlers      map[string]func(context.Context, *eventsourcing.EventEnvelope) error
	resetFunc     func(context.Context) error
	migrationsFS  fs.FS
	migrationsDir string
}

// NewBuilder creates a builder for a named projection.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:     name,
		handlers: make(map[string]func(context.Context, *eventsourcing.EventEnvelope) error),
	}
}

// On registers a handler for one event type. Registering the same type twice
// keeps the last handler.
func (b *Builder) On(registration store.EventHandlerRegistration) *Builder {
	b.handlers[registration.EventType] = registration.Handler
	return b
}

// OnReset registers the function that clears the read model. It runs inside
// the reset transaction carried in the context.
func (b *Builder) OnReset(fn func(context.Context) error) *Builder {
	b.resetFunc = fn
	return b
}

// WithMigrations attaches read-model schema migrations, applied from fsys/dir
// when the projection is registered with a Manager or passed to Migrate. Each
// projection tracks its schema version in its own table, so projections
// evolve independently.
func (b *Builder) WithMigrations(fsys fs.FS, dir string) *Builder {
	b.migrationsFS = fsys
	b.migrationsDir = dir
	return b
}

// Build creates the projection.
func (b *Builder) Build() store.Projection {
	return &builtProjection{
		name:          b.name,
		handlers:      b.handlers,
		resetFunc:     b.resetFunc,
		migrationsFS:  b.migrationsFS,
		migrationsDir: b.migrationsDir,
	}
}

// Typed adapts a handler for one decoded payload type into a registration.
//
// Example:
//
//	builder.On(projection.Typed("FundsDeposited", func(ctx context.Context, event *FundsDeposited, envelope *eventsourcing.EventEnvelope) error {
//	    return addToBalance(ctx, envelope.AggregateID, event.Amount)
//	}))
func Typed[E any](eventType string, handler func(context.Context, *E, *eventsourcing.EventEnvelope) error) store.EventHandlerRegistration {
	return store.EventHandlerRegistration{
		EventType: eventType,
		Handler: func(ctx context.Context, envelope *eventsourcing.EventEnvelope) error {
			payload, ok := envelope.Payload.(*E)
			if !ok {
				return fmt.Errorf("event %s decoded to %T, want %T", eventType, envelope.Payload, payload)
			}
			return handler(ctx, payload, envelope)
		},
	}
}

type builtProjection struct {
	name          string
	handlers      map[string]func(context.Context, *eventsourcing.EventEnvelope) error
	resetFunc     func(context.Context) error
	migrationsFS  fs.FS
	migrationsDir string
}

// Name returns the projection name.
func (p *builtProjection) Name() string {
	return p.name
}

// Handle dispatches the event to its registered handler, if any.
func (p *builtProjection) Handle(ctx context.Context, envelope *eventsourcing.EventEnvelope) error {
	handler, ok := p.handlers[envelope.EventType]
	if !ok {
		return nil
	}
	return handler(ctx, envelope)
}

// Reset clears the read model through the registered reset function.
func (p *builtProjection) Reset(ctx context.Context) error {
	if p.resetFunc == nil {
		return nil
	}
	return p.resetFunc(ctx)
}

// Migrate implements Migratable by applying the attached migrations.
func (p *builtProjection) Migrate(db *sql.DB) error {
	if p.migrationsFS == nil {
		return nil
	}
	migrator := migrate.New(db, migrationTable(p.name))
	if err := migrator.LoadFromFS(p.migrationsFS, p.migrationsDir); err != nil {
		return fmt.Errorf("failed to load migrations for projection %s: %w", p.name, err)
	}
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("failed to migrate projection %s: %w", p.name, err)
	}
	return nil
}

// migrationTable derives the schema-version table for a projection, keeping
// only characters safe in an identifier.
func migrationTable(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return "projection_" + b.String() + "_schema_migrations"
}

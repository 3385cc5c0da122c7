package multitenancy_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
	"github.com/keelsonlabs/keelson/pkg/multitenancy"
	"github.com/keelsonlabs/keelson/pkg/store/sqlite"
)

func newSharedStore(t *testing.T, strict bool) *multitenancy.TenantStore {
	t.Helper()
	inner, err := sqlite.NewEventStore(
		sqlite.WithMemoryDatabase(),
		sqlite.WithWALMode(false),
	)
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}
	t.Cleanup(func() { inner.Close() })
	return multitenancy.NewTenantStore(inner, strict)
}

func makeEvent(aggregateID string, version int64, eventType string) *eventsourcing.Event {
	return &eventsourcing.Event{
		AggregateID:   aggregateID,
		AggregateType: "Account",
		Version:       version,
		EventType:     eventType,
		EventVersion:  1,
		Payload:       []byte(`{"amount":"10.00"}`),
	}
}

func TestAggregateIDComposition(t *testing.T) {
	t.Run("ComposeAndDecompose", func(t *testing.T) {
		composite := multitenancy.ComposeAggregateID("tenant-a", "acc-1")
		if composite != "tenant-a::acc-1" {
			t.Fatalf("unexpected composite ID: %q", composite)
		}

		tenantID, aggregateID := multitenancy.DecomposeAggregateID(composite)
		if tenantID != "tenant-a" || aggregateID != "acc-1" {
			t.Errorf("decompose returned (%q, %q)", tenantID, aggregateID)
		}
	})

	t.Run("EmptyTenantPassthrough", func(t *testing.T) {
		if got := multitenancy.ComposeAggregateID("", "acc-1"); got != "acc-1" {
			t.Errorf("expected raw ID, got %q", got)
		}

		tenantID, aggregateID := multitenancy.DecomposeAggregateID("acc-1")
		if tenantID != "" || aggregateID != "acc-1" {
			t.Errorf("decompose returned (%q, %q)", tenantID, aggregateID)
		}
	})

	t.Run("ValidateTenantID", func(t *testing.T) {
		if err := multitenancy.ValidateTenantID("tenant-a::acc-1", "tenant-a"); err != nil {
			t.Errorf("same tenant rejected: %v", err)
		}
		if err := multitenancy.ValidateTenantID("acc-1", "tenant-a"); err != nil {
			t.Errorf("unprefixed ID rejected: %v", err)
		}

		err := multitenancy.ValidateTenantID("tenant-b::acc-1", "tenant-a")
		if !errors.Is(err, multitenancy.ErrTenantMismatch) {
			t.Errorf("expected ErrTenantMismatch, got %v", err)
		}
	})

	t.Run("ValidTenantID", func(t *testing.T) {
		for id, want := range map[string]bool{
			"tenant-a":   true,
			"Tenant_1.x": true,
			"":           false,
			"ten/ant":    false,
			"a::b":       false,
			".hidden":    false,
		} {
			if got := multitenancy.ValidTenantID(id); got != want {
				t.Errorf("ValidTenantID(%q) = %v, want %v", id, got, want)
			}
		}
	})
}

func TestTenantContext(t *testing.T) {
	ctx := context.Background()

	if _, ok := multitenancy.TenantFromContext(ctx); ok {
		t.Error("empty context reported a tenant")
	}
	if _, err := multitenancy.RequireTenantID(ctx); !errors.Is(err, multitenancy.ErrNoTenant) {
		t.Errorf("expected ErrNoTenant, got %v", err)
	}

	scoped := multitenancy.WithTenantID(ctx, "tenant-a")
	tenantID, ok := multitenancy.TenantFromContext(scoped)
	if !ok || tenantID != "tenant-a" {
		t.Errorf("got (%q, %v)", tenantID, ok)
	}

	if _, ok := multitenancy.TenantFromContext(multitenancy.WithTenantID(ctx, "")); ok {
		t.Error("empty tenant ID reported as present")
	}
}

func TestTenantStoreIsolation(t *testing.T) {
	ts := newSharedStore(t, false)
	ctxA := multitenancy.WithTenantID(context.Background(), "tenant-a")
	ctxB := multitenancy.WithTenantID(context.Background(), "tenant-b")

	t.Run("SameRawIDDifferentTenants", func(t *testing.T) {
		evtA := makeEvent("acc-001", 1, "AccountOpened")
		if err := ts.AppendEvents(ctxA, "acc-001", 0, []*eventsourcing.Event{evtA}); err != nil {
			t.Fatalf("tenant A append failed: %v", err)
		}

		evtB := makeEvent("acc-001", 1, "AccountOpened")
		if err := ts.AppendEvents(ctxB, "acc-001", 0, []*eventsourcing.Event{evtB}); err != nil {
			t.Fatalf("tenant B append failed: %v", err)
		}

		loadedA, err := ts.LoadEvents(ctxA, "acc-001", 0)
		if err != nil {
			t.Fatalf("tenant A load failed: %v", err)
		}
		if len(loadedA) != 1 {
			t.Fatalf("expected 1 event for tenant A, got %d", len(loadedA))
		}
		if loadedA[0].AggregateID != "acc-001" {
			t.Errorf("loaded event not in raw-ID space: %q", loadedA[0].AggregateID)
		}
		if loadedA[0].Metadata.TenantID != "tenant-a" {
			t.Errorf("loaded event stamped with %q", loadedA[0].Metadata.TenantID)
		}

		versionB, err := ts.GetAggregateVersion(ctxB, "acc-001")
		if err != nil {
			t.Fatalf("tenant B version failed: %v", err)
		}
		if versionB != 1 {
			t.Errorf("tenant B version = %d, want 1", versionB)
		}
	})

	t.Run("AssignedFieldsMirroredToCaller", func(t *testing.T) {
		evt := makeEvent("acc-002", 1, "AccountOpened")
		if err := ts.AppendEvents(ctxA, "acc-002", 0, []*eventsourcing.Event{evt}); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		if evt.ID == "" || evt.GlobalSequence == 0 || evt.Checksum == "" {
			t.Errorf("store-assigned fields missing: id=%q seq=%d checksum=%q",
				evt.ID, evt.GlobalSequence, evt.Checksum)
		}
		if evt.AggregateID != "acc-002" {
			t.Errorf("caller's event left composite: %q", evt.AggregateID)
		}
		if evt.Metadata.TenantID != "tenant-a" {
			t.Errorf("caller's event not stamped: %q", evt.Metadata.TenantID)
		}
	})

	t.Run("NoTenantPassesThroughUnscoped", func(t *testing.T) {
		ctx := context.Background()
		evt := makeEvent("acc-003", 1, "AccountOpened")
		if err := ts.AppendEvents(ctx, "acc-003", 0, []*eventsourcing.Event{evt}); err != nil {
			t.Fatalf("unscoped append failed: %v", err)
		}

		loaded, err := ts.LoadEvents(ctx, "acc-003", 0)
		if err != nil {
			t.Fatalf("unscoped load failed: %v", err)
		}
		if len(loaded) != 1 {
			t.Fatalf("expected 1 event, got %d", len(loaded))
		}
	})

	t.Run("InvalidTenantRejected", func(t *testing.T) {
		ctx := multitenancy.WithTenantID(context.Background(), "bad/tenant")
		err := ts.AppendEvents(ctx, "acc-004", 0, []*eventsourcing.Event{makeEvent("acc-004", 1, "AccountOpened")})
		if !errors.Is(err, multitenancy.ErrInvalidTenantID) {
			t.Errorf("expected ErrInvalidTenantID, got %v", err)
		}
	})
}

func TestTenantStoreStrictMode(t *testing.T) {
	ts := newSharedStore(t, true)

	err := ts.AppendEvents(context.Background(), "acc-001", 0, []*eventsourcing.Event{makeEvent("acc-001", 1, "AccountOpened")})
	if !errors.Is(err, multitenancy.ErrNoTenant) {
		t.Errorf("append without tenant: expected ErrNoTenant, got %v", err)
	}

	if _, err := ts.LoadEvents(context.Background(), "acc-001", 0); !errors.Is(err, multitenancy.ErrNoTenant) {
		t.Errorf("load without tenant: expected ErrNoTenant, got %v", err)
	}

	ctx := multitenancy.WithTenantID(context.Background(), "tenant-a")
	if err := ts.AppendEvents(ctx, "acc-001", 0, []*eventsourcing.Event{makeEvent("acc-001", 1, "AccountOpened")}); err != nil {
		t.Errorf("append with tenant failed: %v", err)
	}
}

func TestTenantStoreConstraintNamespacing(t *testing.T) {
	ts := newSharedStore(t, false)
	ctxA := multitenancy.WithTenantID(context.Background(), "tenant-a")
	ctxB := multitenancy.WithTenantID(context.Background(), "tenant-b")

	claim := func(aggregateID, email string) *eventsourcing.Event {
		evt := makeEvent(aggregateID, 1, "AccountOpened")
		evt.Constraints = []eventsourcing.UniqueConstraint{{
			IndexName: "email",
			Value:     email,
			Operation: eventsourcing.ConstraintClaim,
		}}
		return evt
	}

	if err := ts.AppendEvents(ctxA, "acc-1", 0, []*eventsourcing.Event{claim("acc-1", "alice@example.com")}); err != nil {
		t.Fatalf("tenant A claim failed: %v", err)
	}

	// Same value in another tenant's namespace is free.
	if err := ts.AppendEvents(ctxB, "acc-1", 0, []*eventsourcing.Event{claim("acc-1", "alice@example.com")}); err != nil {
		t.Fatalf("tenant B claim failed: %v", err)
	}

	// Within one tenant the value stays unique.
	err := ts.AppendEvents(ctxA, "acc-2", 0, []*eventsourcing.Event{claim("acc-2", "alice@example.com")})
	if !errors.Is(err, eventsourcing.ErrUniqueConstraintViolation) {
		t.Fatalf("expected ErrUniqueConstraintViolation, got %v", err)
	}

	available, owner, err := ts.CheckUniqueness(ctxA, "email", "alice@example.com")
	if err != nil {
		t.Fatalf("CheckUniqueness failed: %v", err)
	}
	if available {
		t.Error("claimed value reported available")
	}
	if owner != "acc-1" {
		t.Errorf("owner = %q, want raw acc-1", owner)
	}

	owner, err = ts.GetConstraintOwner(ctxB, "email", "alice@example.com")
	if err != nil {
		t.Fatalf("GetConstraintOwner failed: %v", err)
	}
	if owner != "acc-1" {
		t.Errorf("tenant B owner = %q, want raw acc-1", owner)
	}
}

func TestTenantStoreIdempotentCommands(t *testing.T) {
	ts := newSharedStore(t, false)
	ctxA := multitenancy.WithTenantID(context.Background(), "tenant-a")
	ctxB := multitenancy.WithTenantID(context.Background(), "tenant-b")

	resultA, err := ts.AppendEventsIdempotent(ctxA, "acc-1", 0,
		[]*eventsourcing.Event{makeEvent("acc-1", 1, "AccountOpened")}, "cmd-1", 0)
	if err != nil {
		t.Fatalf("tenant A command failed: %v", err)
	}
	if resultA.AlreadyProcessed {
		t.Error("fresh command reported as replay")
	}

	// The same command ID in another tenant is a distinct command.
	resultB, err := ts.AppendEventsIdempotent(ctxB, "acc-1", 0,
		[]*eventsourcing.Event{makeEvent("acc-1", 1, "AccountOpened")}, "cmd-1", 0)
	if err != nil {
		t.Fatalf("tenant B command failed: %v", err)
	}
	if resultB.AlreadyProcessed {
		t.Error("tenant B replayed tenant A's command result")
	}

	replay, err := ts.AppendEventsIdempotent(ctxA, "acc-1", 0,
		[]*eventsourcing.Event{makeEvent("acc-1", 1, "AccountOpened")}, "cmd-1", 0)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !replay.AlreadyProcessed {
		t.Fatal("replay not detected")
	}
	if replay.CommandID != "cmd-1" {
		t.Errorf("replay command ID = %q, want raw cmd-1", replay.CommandID)
	}
	if len(replay.Events) != 1 || replay.Events[0].AggregateID != "acc-1" {
		t.Errorf("replay events not in raw-ID space: %+v", replay.Events)
	}
}

func TestTenantStoreScopedFeed(t *testing.T) {
	ts := newSharedStore(t, false)
	ctxA := multitenancy.WithTenantID(context.Background(), "tenant-a")
	ctxB := multitenancy.WithTenantID(context.Background(), "tenant-b")

	if err := ts.AppendEvents(ctxA, "acc-1", 0, []*eventsourcing.Event{
		makeEvent("acc-1", 1, "AccountOpened"),
		makeEvent("acc-1", 2, "MoneyDeposited"),
	}); err != nil {
		t.Fatalf("tenant A append failed: %v", err)
	}
	if err := ts.AppendEvents(ctxB, "acc-9", 0, []*eventsourcing.Event{makeEvent("acc-9", 1, "AccountOpened")}); err != nil {
		t.Fatalf("tenant B append failed: %v", err)
	}

	scoped, err := ts.LoadAllEvents(ctxA, 0, 10)
	if err != nil {
		t.Fatalf("scoped feed failed: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("expected 2 tenant A events, got %d", len(scoped))
	}
	for _, evt := range scoped {
		if evt.Metadata.TenantID != "tenant-a" {
			t.Errorf("foreign event in scoped feed: %+v", evt)
		}
		if evt.AggregateID != "acc-1" {
			t.Errorf("scoped feed not in raw-ID space: %q", evt.AggregateID)
		}
	}

	// Without a tenant the feed is deployment-wide and returns stored form.
	all, err := ts.LoadAllEvents(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("global feed failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].AggregateID != "tenant-a::acc-1" {
		t.Errorf("global feed should keep composite IDs, got %q", all[0].AggregateID)
	}
}

func TestStoreProvider(t *testing.T) {
	t.Run("SharedStrategy", func(t *testing.T) {
		provider, err := multitenancy.NewStoreProvider(multitenancy.StoreProviderConfig{
			Strategy:  multitenancy.SharedDatabase,
			SharedDSN: ":memory:",
		})
		if err != nil {
			t.Fatalf("failed to create provider: %v", err)
		}
		t.Cleanup(func() { provider.Close() })

		ctxA := multitenancy.WithTenantID(context.Background(), "tenant-a")
		ctxB := multitenancy.WithTenantID(context.Background(), "tenant-b")

		storeA, err := provider.GetStore(ctxA)
		if err != nil {
			t.Fatalf("GetStore tenant A failed: %v", err)
		}
		storeB, err := provider.GetStore(ctxB)
		if err != nil {
			t.Fatalf("GetStore tenant B failed: %v", err)
		}

		if err := storeA.AppendEvents(ctxA, "acc-1", 0, []*eventsourcing.Event{makeEvent("acc-1", 1, "AccountOpened")}); err != nil {
			t.Fatalf("tenant A append failed: %v", err)
		}

		versionB, err := storeB.GetAggregateVersion(ctxB, "acc-1")
		if err != nil {
			t.Fatalf("tenant B version failed: %v", err)
		}
		if versionB != 0 {
			t.Errorf("tenant B sees tenant A's aggregate: version %d", versionB)
		}
	})

	t.Run("DatabasePerTenant", func(t *testing.T) {
		provider, err := multitenancy.NewStoreProvider(multitenancy.StoreProviderConfig{
			Strategy:             multitenancy.DatabasePerTenant,
			DatabasePathTemplate: filepath.Join(t.TempDir(), "tenant_%s.db"),
		})
		if err != nil {
			t.Fatalf("failed to create provider: %v", err)
		}
		t.Cleanup(func() { provider.Close() })

		ctxA := multitenancy.WithTenantID(context.Background(), "tenant-a")
		ctxB := multitenancy.WithTenantID(context.Background(), "tenant-b")

		storeA, err := provider.GetStore(ctxA)
		if err != nil {
			t.Fatalf("GetStore tenant A failed: %v", err)
		}
		if err := storeA.AppendEvents(ctxA, "acc-1", 0, []*eventsourcing.Event{makeEvent("acc-1", 1, "AccountOpened")}); err != nil {
			t.Fatalf("tenant A append failed: %v", err)
		}

		storeB, err := provider.GetStore(ctxB)
		if err != nil {
			t.Fatalf("GetStore tenant B failed: %v", err)
		}
		versionB, err := storeB.GetAggregateVersion(ctxB, "acc-1")
		if err != nil {
			t.Fatalf("tenant B version failed: %v", err)
		}
		if versionB != 0 {
			t.Errorf("tenant B database contains tenant A's aggregate")
		}

		// Same tenant gets the same store handle back.
		again, err := provider.GetStore(ctxA)
		if err != nil {
			t.Fatalf("second GetStore failed: %v", err)
		}
		if again != storeA {
			t.Error("provider did not cache the tenant store")
		}

		if _, err := provider.GetStore(context.Background()); !errors.Is(err, multitenancy.ErrNoTenant) {
			t.Errorf("expected ErrNoTenant, got %v", err)
		}

		badCtx := multitenancy.WithTenantID(context.Background(), "../../etc")
		if _, err := provider.GetStore(badCtx); !errors.Is(err, multitenancy.ErrInvalidTenantID) {
			t.Errorf("expected ErrInvalidTenantID, got %v", err)
		}
	})

	t.Run("RejectsBadTemplate", func(t *testing.T) {
		_, err := multitenancy.NewStoreProvider(multitenancy.StoreProviderConfig{
			Strategy:             multitenancy.DatabasePerTenant,
			DatabasePathTemplate: "/tmp/tenants.db",
		})
		if err == nil {
			t.Fatalf("expected error for template without %%s")
		}
	})
}

type transferCommand struct{}

func (transferCommand) ID() string          { return "cmd-1" }
func (transferCommand) AggregateID() string { return "acc-1" }
func (transferCommand) CommandType() string { return "account.Transfer" }

func passthroughHandler(events []*eventsourcing.Event) eventsourcing.CommandHandler {
	return eventsourcing.CommandHandlerFunc(func(ctx context.Context, envelope *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
		return events, nil
	})
}

func TestTenantIsolationMiddleware(t *testing.T) {
	mw := multitenancy.TenantIsolationMiddleware()

	t.Run("RejectsMissingTenant", func(t *testing.T) {
		called := false
		handler := eventsourcing.CommandHandlerFunc(func(ctx context.Context, envelope *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			called = true
			return nil, nil
		})

		_, err := mw(handler).Handle(context.Background(), &eventsourcing.CommandEnvelope{Command: transferCommand{}})
		if !errors.Is(err, multitenancy.ErrNoTenant) {
			t.Errorf("expected ErrNoTenant, got %v", err)
		}
		if called {
			t.Error("handler ran without a tenant")
		}
	})

	t.Run("RejectsMetadataMismatch", func(t *testing.T) {
		ctx := multitenancy.WithTenantID(context.Background(), "tenant-a")
		envelope := &eventsourcing.CommandEnvelope{
			Command:  transferCommand{},
			Metadata: eventsourcing.CommandMetadata{TenantID: "tenant-b"},
		}

		_, err := mw(passthroughHandler(nil)).Handle(ctx, envelope)
		if !errors.Is(err, multitenancy.ErrTenantMismatch) {
			t.Errorf("expected ErrTenantMismatch, got %v", err)
		}
	})

	t.Run("StampsEnvelopeAndEvents", func(t *testing.T) {
		ctx := multitenancy.WithTenantID(context.Background(), "tenant-a")
		envelope := &eventsourcing.CommandEnvelope{Command: transferCommand{}}
		produced := makeEvent("acc-1", 1, "MoneyTransferred")

		events, err := mw(passthroughHandler([]*eventsourcing.Event{produced})).Handle(ctx, envelope)
		if err != nil {
			t.Fatalf("handle failed: %v", err)
		}

		if envelope.Metadata.TenantID != "tenant-a" {
			t.Errorf("envelope not stamped: %q", envelope.Metadata.TenantID)
		}
		if events[0].Metadata.TenantID != "tenant-a" {
			t.Errorf("event not stamped: %q", events[0].Metadata.TenantID)
		}
	})

	t.Run("RejectsForeignEvents", func(t *testing.T) {
		ctx := multitenancy.WithTenantID(context.Background(), "tenant-a")
		foreign := makeEvent("tenant-b::acc-9", 1, "MoneyTransferred")

		_, err := mw(passthroughHandler([]*eventsourcing.Event{foreign})).Handle(ctx, &eventsourcing.CommandEnvelope{Command: transferCommand{}})
		if !errors.Is(err, multitenancy.ErrTenantMismatch) {
			t.Errorf("expected ErrTenantMismatch, got %v", err)
		}
	})
}

func TestTenantExtractionMiddleware(t *testing.T) {
	seen := func(captured *string) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, envelope *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			tenantID, _ := multitenancy.TenantFromContext(ctx)
			*captured = tenantID
			return nil, nil
		})
	}

	t.Run("PrefersContext", func(t *testing.T) {
		var got string
		mw := multitenancy.TenantExtractionMiddleware(nil)
		ctx := multitenancy.WithTenantID(context.Background(), "tenant-a")
		envelope := &eventsourcing.CommandEnvelope{
			Command:  transferCommand{},
			Metadata: eventsourcing.CommandMetadata{TenantID: "tenant-b"},
		}

		if _, err := mw(seen(&got)).Handle(ctx, envelope); err != nil {
			t.Fatalf("handle failed: %v", err)
		}
		if got != "tenant-a" {
			t.Errorf("handler saw %q, want context tenant", got)
		}
	})

	t.Run("FallsBackToMetadata", func(t *testing.T) {
		var got string
		mw := multitenancy.TenantExtractionMiddleware(nil)
		envelope := &eventsourcing.CommandEnvelope{
			Command:  transferCommand{},
			Metadata: eventsourcing.CommandMetadata{TenantID: "tenant-b"},
		}

		if _, err := mw(seen(&got)).Handle(context.Background(), envelope); err != nil {
			t.Fatalf("handle failed: %v", err)
		}
		if got != "tenant-b" {
			t.Errorf("handler saw %q, want metadata tenant", got)
		}
	})

	t.Run("UsesExtractor", func(t *testing.T) {
		var got string
		mw := multitenancy.TenantExtractionMiddleware(func(envelope *eventsourcing.CommandEnvelope) (string, error) {
			return "tenant-x", nil
		})

		if _, err := mw(seen(&got)).Handle(context.Background(), &eventsourcing.CommandEnvelope{Command: transferCommand{}}); err != nil {
			t.Fatalf("handle failed: %v", err)
		}
		if got != "tenant-x" {
			t.Errorf("handler saw %q, want extractor tenant", got)
		}
	})

	t.Run("FailsWithoutSource", func(t *testing.T) {
		mw := multitenancy.TenantExtractionMiddleware(nil)
		_, err := mw(passthroughHandler(nil)).Handle(context.Background(), &eventsourcing.CommandEnvelope{Command: transferCommand{}})
		if !errors.Is(err, multitenancy.ErrNoTenant) {
			t.Errorf("expected ErrNoTenant, got %v", err)
		}
	})
}

type allowlistAuthorizer struct {
	allowed map[string]string
}

func (a *allowlistAuthorizer) Authorize(ctx context.Context, principalID, tenantID string) error {
	if a.allowed[principalID] == tenantID {
		return nil
	}
	return errors.New("principal not in tenant")
}

func TestTenantAuthorizationMiddleware(t *testing.T) {
	authorizer := &allowlistAuthorizer{allowed: map[string]string{"user-1": "tenant-a"}}
	mw := multitenancy.TenantAuthorizationMiddleware(authorizer)

	t.Run("AllowsMember", func(t *testing.T) {
		ctx := multitenancy.WithTenantID(context.Background(), "tenant-a")
		envelope := &eventsourcing.CommandEnvelope{
			Command:  transferCommand{},
			Metadata: eventsourcing.CommandMetadata{PrincipalID: "user-1"},
		}

		if _, err := mw(passthroughHandler(nil)).Handle(ctx, envelope); err != nil {
			t.Errorf("member denied: %v", err)
		}
	})

	t.Run("DeniesOutsider", func(t *testing.T) {
		ctx := multitenancy.WithTenantID(context.Background(), "tenant-b")
		envelope := &eventsourcing.CommandEnvelope{
			Command:  transferCommand{},
			Metadata: eventsourcing.CommandMetadata{PrincipalID: "user-1"},
		}

		_, err := mw(passthroughHandler(nil)).Handle(ctx, envelope)
		if err == nil {
			t.Fatal("outsider allowed")
		}
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		_, err := mw(passthroughHandler(nil)).Handle(context.Background(), &eventsourcing.CommandEnvelope{Command: transferCommand{}})
		if !errors.Is(err, multitenancy.ErrNoTenant) {
			t.Errorf("expected ErrNoTenant, got %v", err)
		}
	})
}

package eventsourcing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

type testAccount struct {
	eventsourcing.AggregateRoot
	Owner    string
	Deposits []string
}

func newTestAccount(t *testing.T, id string) *testAccount {
	t.Helper()

	a := &testAccount{}
	a.AggregateRoot = eventsourcing.NewAggregateRoot(id, "Account",
		eventsourcing.WithAggregateCodec(newTestCodec(t)))

	eventsourcing.Handle(&a.AggregateRoot, func(e *accountOpened, _ *eventsourcing.Event) error {
		a.Owner = e.OwnerName
		a.Deposits = append(a.Deposits, e.OpeningAmount)
		return nil
	})
	eventsourcing.Handle(&a.AggregateRoot, func(e *moneyDeposited, _ *eventsourcing.Event) error {
		a.Deposits = append(a.Deposits, e.Amount)
		return nil
	})
	return a
}

func TestAggregateApplyChange(t *testing.T) {
	t.Run("VersionAndUncommitted", func(t *testing.T) {
		account := newTestAccount(t, "acc-1")

		err := account.ApplyChange(&accountOpened{
			AccountID:     "acc-1",
			OwnerName:     "Ada",
			OpeningAmount: "100.00",
			Currency:      "USD",
		}, eventsourcing.EventMetadata{CorrelationID: "corr-1"})
		if err != nil {
			t.Fatalf("failed to apply change: %v", err)
		}

		if account.Version() != 1 {
			t.Errorf("expected version 1, got %d", account.Version())
		}
		if account.Owner != "Ada" {
			t.Errorf("expected state update, owner is %q", account.Owner)
		}

		events := account.UncommittedEvents()
		if len(events) != 1 {
			t.Fatalf("expected 1 uncommitted event, got %d", len(events))
		}
		evt := events[0]
		if evt.AggregateID != "acc-1" || evt.AggregateType != "Account" {
			t.Errorf("unexpected envelope identity: %s/%s", evt.AggregateType, evt.AggregateID)
		}
		if evt.Version != 1 {
			t.Errorf("expected event version 1, got %d", evt.Version)
		}
		if evt.EventType != "AccountOpened" {
			t.Errorf("expected AccountOpened, got %s", evt.EventType)
		}
		if evt.Checksum != eventsourcing.Checksum(evt.Payload) {
			t.Error("checksum does not match payload")
		}
		if evt.Metadata.CorrelationID != "corr-1" {
			t.Errorf("metadata not carried: %+v", evt.Metadata)
		}
		if evt.CreatedAt.IsZero() {
			t.Error("expected CreatedAt to be set")
		}
	})

	t.Run("MissingApplierLeavesStateUntouched", func(t *testing.T) {
		registry := eventsourcing.NewRegistry()
		eventsourcing.MustRegisterEvent[accountOpened](registry, "AccountOpened", 1)
		eventsourcing.MustRegisterEvent[moneyDeposited](registry, "MoneyDeposited", 1)
		codec := eventsourcing.NewCodec(eventsourcing.WithRegistry(registry))

		a := &testAccount{}
		a.AggregateRoot = eventsourcing.NewAggregateRoot("acc-1", "Account",
			eventsourcing.WithAggregateCodec(codec))
		eventsourcing.Handle(&a.AggregateRoot, func(e *accountOpened, _ *eventsourcing.Event) error {
			a.Owner = e.OwnerName
			return nil
		})

		err := a.ApplyChange(&moneyDeposited{AccountID: "acc-1", Amount: "10.00"}, eventsourcing.EventMetadata{})
		if !errors.Is(err, eventsourcing.ErrHandlerNotFound) {
			t.Fatalf("expected ErrHandlerNotFound, got %v", err)
		}

		if a.Version() != 0 {
			t.Errorf("version advanced to %d despite failure", a.Version())
		}
		if a.HasUncommitted() {
			t.Error("event recorded despite failure")
		}
	})

	t.Run("DeterministicEventIDs", func(t *testing.T) {
		first := newTestAccount(t, "acc-1")
		first.SetCommandID("cmd-42")
		second := newTestAccount(t, "acc-1")
		second.SetCommandID("cmd-42")

		open := &accountOpened{AccountID: "acc-1", OwnerName: "Ada", OpeningAmount: "1.00", Currency: "USD"}
		deposit := &moneyDeposited{AccountID: "acc-1", Amount: "2.00"}

		for _, a := range []*testAccount{first, second} {
			if err := a.ApplyChange(open, eventsourcing.EventMetadata{}); err != nil {
				t.Fatalf("failed to apply: %v", err)
			}
			if err := a.ApplyChange(deposit, eventsourcing.EventMetadata{}); err != nil {
				t.Fatalf("failed to apply: %v", err)
			}
		}

		for i := range first.UncommittedEvents() {
			a, b := first.UncommittedEvents()[i], second.UncommittedEvents()[i]
			if a.ID != b.ID {
				t.Errorf("event %d IDs differ under the same command: %s vs %s", i, a.ID, b.ID)
			}
		}

		// Different command produces different IDs.
		third := newTestAccount(t, "acc-1")
		third.SetCommandID("cmd-43")
		if err := third.ApplyChange(open, eventsourcing.EventMetadata{}); err != nil {
			t.Fatalf("failed to apply: %v", err)
		}
		if third.UncommittedEvents()[0].ID == first.UncommittedEvents()[0].ID {
			t.Error("expected distinct IDs across commands")
		}
	})

	t.Run("TimestampsUseTimeFunc", func(t *testing.T) {
		fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		restore := eventsourcing.TimeFunc
		eventsourcing.TimeFunc = func() time.Time { return fixed }
		defer func() { eventsourcing.TimeFunc = restore }()

		account := newTestAccount(t, "acc-1")
		if err := account.ApplyChange(&accountOpened{AccountID: "acc-1", OwnerName: "Ada", OpeningAmount: "1.00", Currency: "USD"}, eventsourcing.EventMetadata{}); err != nil {
			t.Fatalf("failed to apply: %v", err)
		}

		if got := account.UncommittedEvents()[0].CreatedAt; !got.Equal(fixed) {
			t.Errorf("expected %v, got %v", fixed, got)
		}
	})
}

func TestAggregateReplay(t *testing.T) {
	buildHistory := func(t *testing.T) []*eventsourcing.Event {
		t.Helper()
		source := newTestAccount(t, "acc-1")
		if err := source.ApplyChange(&accountOpened{AccountID: "acc-1", OwnerName: "Ada", OpeningAmount: "100.00", Currency: "USD"}, eventsourcing.EventMetadata{}); err != nil {
			t.Fatalf("failed to apply: %v", err)
		}
		if err := source.ApplyChange(&moneyDeposited{AccountID: "acc-1", Amount: "50.00"}, eventsourcing.EventMetadata{}); err != nil {
			t.Fatalf("failed to apply: %v", err)
		}
		return source.UncommittedEvents()
	}

	t.Run("LoadFromHistory", func(t *testing.T) {
		history := buildHistory(t)

		rebuilt := newTestAccount(t, "acc-1")
		if err := rebuilt.LoadFromHistory(history); err != nil {
			t.Fatalf("failed to load from history: %v", err)
		}

		if rebuilt.Version() != 2 {
			t.Errorf("expected version 2, got %d", rebuilt.Version())
		}
		if rebuilt.Owner != "Ada" {
			t.Errorf("expected owner Ada, got %q", rebuilt.Owner)
		}
		if len(rebuilt.Deposits) != 2 || rebuilt.Deposits[0] != "100.00" || rebuilt.Deposits[1] != "50.00" {
			t.Errorf("unexpected deposits: %v", rebuilt.Deposits)
		}
		if rebuilt.HasUncommitted() {
			t.Error("replayed events must not be recorded as uncommitted")
		}
	})

	t.Run("RejectsForeignEvents", func(t *testing.T) {
		history := buildHistory(t)

		other := newTestAccount(t, "acc-2")
		err := other.LoadFromHistory(history)
		if !errors.Is(err, eventsourcing.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("RejectsVersionGaps", func(t *testing.T) {
		history := buildHistory(t)

		rebuilt := newTestAccount(t, "acc-1")
		err := rebuilt.LoadFromHistory(history[1:])
		if !errors.Is(err, eventsourcing.ErrInvalidVersion) {
			t.Errorf("expected ErrInvalidVersion, got %v", err)
		}
	})

	t.Run("LoadFromSnapshot", func(t *testing.T) {
		account := newTestAccount(t, "acc-1")
		if err := account.LoadFromSnapshot(7); err != nil {
			t.Fatalf("failed to load from snapshot: %v", err)
		}
		if account.Version() != 7 {
			t.Errorf("expected version 7, got %d", account.Version())
		}

		if err := account.LoadFromSnapshot(9); !errors.Is(err, eventsourcing.ErrValidation) {
			t.Errorf("expected ErrValidation for aggregate with state, got %v", err)
		}

		fresh := newTestAccount(t, "acc-1")
		if err := fresh.LoadFromSnapshot(0); !errors.Is(err, eventsourcing.ErrValidation) {
			t.Errorf("expected ErrValidation for non-positive version, got %v", err)
		}
	})

	t.Run("MarkCommitted", func(t *testing.T) {
		account := newTestAccount(t, "acc-1")
		if err := account.ApplyChange(&accountOpened{AccountID: "acc-1", OwnerName: "Ada", OpeningAmount: "1.00", Currency: "USD"}, eventsourcing.EventMetadata{}); err != nil {
			t.Fatalf("failed to apply: %v", err)
		}

		account.MarkCommitted()
		if account.HasUncommitted() {
			t.Error("expected no uncommitted events after MarkCommitted")
		}
		if account.Version() != 1 {
			t.Errorf("version must survive MarkCommitted, got %d", account.Version())
		}
	})
}

package eventsourcing_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

func storedV1AccountOpened(t *testing.T) *eventsourcing.Event {
	t.Helper()

	payload, err := eventsourcing.Canonicalize([]byte(`{"account_id":"acc-1","initial_balance":"100.00","owner_name":"Ada"}`))
	if err != nil {
		t.Fatalf("failed to canonicalize: %v", err)
	}
	return &eventsourcing.Event{
		ID:           "evt-1",
		AggregateID:  "acc-1",
		Version:      1,
		EventType:    "AccountOpened",
		EventVersion: 1,
		Payload:      payload,
		Checksum:     eventsourcing.Checksum(payload),
	}
}

func TestStepUpcaster(t *testing.T) {
	t.Run("RenameAndDefault", func(t *testing.T) {
		registry := eventsourcing.NewUpcasterRegistry()
		registry.Register(&eventsourcing.StepUpcaster{
			EventType:   "AccountOpened",
			FromVersion: 1,
			Transform: eventsourcing.Compose(
				eventsourcing.RenameField("initial_balance", "opening_amount"),
				eventsourcing.AddField("currency", "USD"),
			),
		})

		upcasted, err := registry.Apply(storedV1AccountOpened(t))
		if err != nil {
			t.Fatalf("failed to upcast: %v", err)
		}

		if upcasted.EventVersion != 2 {
			t.Errorf("expected version 2, got %d", upcasted.EventVersion)
		}
		want := `{"account_id":"acc-1","currency":"USD","opening_amount":"100.00","owner_name":"Ada"}`
		if string(upcasted.Payload) != want {
			t.Errorf("expected %s, got %s", want, upcasted.Payload)
		}
		if upcasted.Checksum != eventsourcing.Checksum(upcasted.Payload) {
			t.Error("checksum was not recomputed")
		}
	})

	t.Run("InputNotMutated", func(t *testing.T) {
		registry := eventsourcing.NewUpcasterRegistry()
		registry.Register(&eventsourcing.StepUpcaster{
			EventType:   "AccountOpened",
			FromVersion: 1,
			Transform:   eventsourcing.RemoveField("owner_name"),
		})

		original := storedV1AccountOpened(t)
		originalPayload := append([]byte(nil), original.Payload...)

		if _, err := registry.Apply(original); err != nil {
			t.Fatalf("failed to upcast: %v", err)
		}

		if original.EventVersion != 1 {
			t.Errorf("input event version changed to %d", original.EventVersion)
		}
		if !bytes.Equal(original.Payload, originalPayload) {
			t.Error("input payload was mutated")
		}
	})

	t.Run("Deterministic", func(t *testing.T) {
		registry := eventsourcing.NewUpcasterRegistry()
		registry.Register(&eventsourcing.StepUpcaster{
			EventType:   "AccountOpened",
			FromVersion: 1,
			Transform:   eventsourcing.AddField("currency", "USD"),
		})

		first, err := registry.Apply(storedV1AccountOpened(t))
		if err != nil {
			t.Fatalf("failed to upcast: %v", err)
		}
		second, err := registry.Apply(storedV1AccountOpened(t))
		if err != nil {
			t.Fatalf("failed to upcast: %v", err)
		}

		if !bytes.Equal(first.Payload, second.Payload) {
			t.Errorf("upcasting is not deterministic: %s vs %s", first.Payload, second.Payload)
		}
		if first.Checksum != second.Checksum {
			t.Error("checksums differ across identical upcasts")
		}
	})

	t.Run("NumbersSurviveTransformation", func(t *testing.T) {
		payload, err := eventsourcing.Canonicalize([]byte(`{"amount":0.30000000000000004,"account_id":"acc-1"}`))
		if err != nil {
			t.Fatalf("failed to canonicalize: %v", err)
		}
		evt := &eventsourcing.Event{
			ID:           "evt-2",
			EventType:    "MoneyDeposited",
			EventVersion: 1,
			Payload:      payload,
			Checksum:     eventsourcing.Checksum(payload),
		}

		registry := eventsourcing.NewUpcasterRegistry()
		registry.Register(&eventsourcing.StepUpcaster{
			EventType:   "MoneyDeposited",
			FromVersion: 1,
			Transform:   eventsourcing.AddField("currency", "USD"),
		})

		upcasted, err := registry.Apply(evt)
		if err != nil {
			t.Fatalf("failed to upcast: %v", err)
		}

		want := `{"account_id":"acc-1","amount":0.30000000000000004,"currency":"USD"}`
		if string(upcasted.Payload) != want {
			t.Errorf("expected %s, got %s", want, upcasted.Payload)
		}
	})
}

func TestUpcasterChain(t *testing.T) {
	t.Run("MultiStep", func(t *testing.T) {
		registry := eventsourcing.NewUpcasterRegistry()
		registry.Register(&eventsourcing.StepUpcaster{
			EventType:   "AccountOpened",
			FromVersion: 2,
			Transform:   eventsourcing.RemoveField("owner_name"),
		})
		registry.Register(&eventsourcing.StepUpcaster{
			EventType:   "AccountOpened",
			FromVersion: 1,
			Transform:   eventsourcing.RenameField("initial_balance", "opening_amount"),
		})

		upcasted, err := registry.Apply(storedV1AccountOpened(t))
		if err != nil {
			t.Fatalf("failed to upcast: %v", err)
		}

		// V1 -> V2 -> V3: rename applied first, then removal.
		if upcasted.EventVersion != 3 {
			t.Errorf("expected version 3, got %d", upcasted.EventVersion)
		}
		want := `{"account_id":"acc-1","opening_amount":"100.00"}`
		if string(upcasted.Payload) != want {
			t.Errorf("expected %s, got %s", want, upcasted.Payload)
		}
	})

	t.Run("NoMatchPassthrough", func(t *testing.T) {
		registry := eventsourcing.NewUpcasterRegistry()
		registry.Register(&eventsourcing.StepUpcaster{
			EventType:   "SomethingElse",
			FromVersion: 1,
		})

		original := storedV1AccountOpened(t)
		upcasted, err := registry.Apply(original)
		if err != nil {
			t.Fatalf("failed to apply: %v", err)
		}
		if upcasted != original {
			t.Error("expected passthrough for non-matching event")
		}
	})

	t.Run("PriorityOrder", func(t *testing.T) {
		registry := eventsourcing.NewUpcasterRegistry()
		registry.Register(&eventsourcing.StepUpcaster{
			EventType:   "AccountOpened",
			FromVersion: 1,
			Transform:   eventsourcing.AddField("picked", "low"),
			Prio:        1,
		})
		registry.Register(&eventsourcing.StepUpcaster{
			EventType:   "AccountOpened",
			FromVersion: 1,
			Transform:   eventsourcing.AddField("picked", "high"),
			Prio:        10,
		})

		upcasted, err := registry.Apply(storedV1AccountOpened(t))
		if err != nil {
			t.Fatalf("failed to upcast: %v", err)
		}

		if !bytes.Contains(upcasted.Payload, []byte(`"picked":"high"`)) {
			t.Errorf("expected high priority upcaster to win, got %s", upcasted.Payload)
		}
	})

	t.Run("DepthBound", func(t *testing.T) {
		registry := eventsourcing.NewUpcasterRegistry(eventsourcing.WithMaxChainDepth(3))
		registry.Register(loopingUpcaster{})

		_, err := registry.Apply(storedV1AccountOpened(t))
		if !errors.Is(err, eventsourcing.ErrUpcastingFailure) {
			t.Fatalf("expected ErrUpcastingFailure, got %v", err)
		}

		var upcastErr *eventsourcing.UpcastingError
		if !errors.As(err, &upcastErr) {
			t.Fatalf("expected UpcastingError, got %T", err)
		}
	})
}

// loopingUpcaster matches every event without making progress.
type loopingUpcaster struct{}

func (loopingUpcaster) CanUpcast(string, int) bool { return true }

func (loopingUpcaster) Upcast(evt *eventsourcing.Event) (*eventsourcing.Event, error) {
	return evt, nil
}

func (loopingUpcaster) Priority() int { return 0 }

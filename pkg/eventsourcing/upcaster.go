package eventsourcing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Upcaster transforms a stored event from an older schema revision toward the
// current one. Upcasters run on the read path only; the log is never
// rewritten. Implementations must be deterministic and side-effect free:
// applying the chain to the same stored row always yields the same event.
type Upcaster interface {
	// CanUpcast reports whether this upcaster applies to the given
	// event type and schema version.
	CanUpcast(eventType string, eventVersion int) bool

	// Upcast returns the transformed event. The input must not be mutated.
	Upcast(evt *Event) (*Event, error)

	// Priority orders upcasters that match the same event; higher runs first.
	Priority() int
}

// DefaultMaxChainDepth bounds the number of transformations applied to a
// single event, preventing runaway chains.
const DefaultMaxChainDepth = 10

// UpcasterRegistry holds an ordered set of upcasters and applies them as a
// chain: while any registered upcaster matches the event's current type and
// version, it is applied, producing V1 -> V2 -> V3 style evolution.
type UpcasterRegistry struct {
	mu        sync.RWMutex
	upcasters []Upcaster
	maxDepth  int
}

// UpcasterOption configures an UpcasterRegistry.
type UpcasterOption func(*UpcasterRegistry)

// WithMaxChainDepth overrides the chain depth bound.
func WithMaxChainDepth(depth int) UpcasterOption {
	return func(r *UpcasterRegistry) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// NewUpcasterRegistry creates an empty registry.
func NewUpcasterRegistry(opts ...UpcasterOption) *UpcasterRegistry {
	r := &UpcasterRegistry{maxDepth: DefaultMaxChainDepth}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an upcaster. Among upcasters that match the same event,
// higher priority wins; ties keep registration order.
func (r *UpcasterRegistry) Register(u Upcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upcasters = append(r.upcasters, u)
	sort.SliceStable(r.upcasters, func(i, j int) bool {
		return r.upcasters[i].Priority() > r.upcasters[j].Priority()
	})
}

// Len returns the number of registered upcasters.
func (r *UpcasterRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.upcasters)
}

// Apply runs the upcaster chain on a stored event. The input event is never
// mutated; when no upcaster matches, the input is returned unchanged.
func (r *UpcasterRegistry) Apply(evt *Event) (*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.upcasters) == 0 {
		return evt, nil
	}

	current := evt
	for depth := 0; ; depth++ {
		if depth >= r.maxDepth {
			return nil, &UpcastingError{
				EventType:   evt.EventType,
				FromVersion: evt.EventVersion,
				Reason:      fmt.Sprintf("chain exceeded maximum depth %d", r.maxDepth),
			}
		}

		matched := false
		for _, u := range r.upcasters {
			if !u.CanUpcast(current.EventType, current.EventVersion) {
				continue
			}
			next, err := u.Upcast(cloneEvent(current))
			if err != nil {
				return nil, &UpcastingError{
					EventType:   current.EventType,
					FromVersion: current.EventVersion,
					Reason:      err.Error(),
				}
			}
			current = next
			matched = true
			break
		}
		if !matched {
			return current, nil
		}
	}
}

// StepUpcaster upcasts one event type from one schema version to the next by
// transforming the decoded payload object. The payload is re-canonicalized
// and the checksum recomputed after transformation.
//
// Example:
//
//	registry.Register(&eventsourcing.StepUpcaster{
//	    EventType:   "AccountOpened",
//	    FromVersion: 1,
//	    Transform: eventsourcing.Compose(
//	        eventsourcing.RenameField("initial_balance", "opening_amount"),
//	        eventsourcing.AddField("currency", "USD"),
//	    ),
//	})
type StepUpcaster struct {
	// EventType is the tag this upcaster applies to.
	EventType string

	// FromVersion is the schema version this upcaster consumes.
	FromVersion int

	// ToVersion is the produced version. Zero means FromVersion+1.
	ToVersion int

	// Transform rewrites the payload object. Field values preserve their
	// JSON representation (numbers arrive as json.Number).
	Transform func(payload map[string]any) (map[string]any, error)

	// Prio orders this upcaster among others matching the same event.
	Prio int
}

// CanUpcast reports whether the event matches this step.
func (u *StepUpcaster) CanUpcast(eventType string, eventVersion int) bool {
	return eventType == u.EventType && eventVersion == u.FromVersion
}

// Priority returns the configured priority.
func (u *StepUpcaster) Priority() int {
	return u.Prio
}

// Upcast applies the payload transformation and bumps the schema version.
func (u *StepUpcaster) Upcast(evt *Event) (*Event, error) {
	obj, err := decodePayloadObject(evt.Payload)
	if err != nil {
		return nil, err
	}

	transformed := obj
	if u.Transform != nil {
		transformed, err = u.Transform(obj)
		if err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(transformed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upcasted payload: %w", err)
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return nil, err
	}

	evt.Payload = canonical
	evt.Checksum = Checksum(canonical)
	evt.EventVersion = u.ToVersion
	if evt.EventVersion == 0 {
		evt.EventVersion = u.FromVersion + 1
	}
	return evt, nil
}

// Compose chains payload transformations left to right.
func Compose(fns ...func(map[string]any) (map[string]any, error)) func(map[string]any) (map[string]any, error) {
	return func(obj map[string]any) (map[string]any, error) {
		var err error
		for _, fn := range fns {
			obj, err = fn(obj)
			if err != nil {
				return nil, err
			}
		}
		return obj, nil
	}
}

// AddField sets a field to a default value unless it is already present.
func AddField(name string, value any) func(map[string]any) (map[string]any, error) {
	return func(obj map[string]any) (map[string]any, error) {
		if _, exists := obj[name]; !exists {
			obj[name] = value
		}
		return obj, nil
	}
}

// RenameField moves a field to a new name. Missing fields are left alone.
func RenameField(from, to string) func(map[string]any) (map[string]any, error) {
	return func(obj map[string]any) (map[string]any, error) {
		if value, exists := obj[from]; exists {
			obj[to] = value
			delete(obj, from)
		}
		return obj, nil
	}
}

// RemoveField drops a field.
func RemoveField(name string) func(map[string]any) (map[string]any, error) {
	return func(obj map[string]any) (map[string]any, error) {
		delete(obj, name)
		return obj, nil
	}
}

// TransformField rewrites a single field's value. Missing fields are left
// alone.
func TransformField(name string, fn func(any) (any, error)) func(map[string]any) (map[string]any, error) {
	return func(obj map[string]any) (map[string]any, error) {
		value, exists := obj[name]
		if !exists {
			return obj, nil
		}
		transformed, err := fn(value)
		if err != nil {
			return nil, fmt.Errorf("failed to transform field %s: %w", name, err)
		}
		obj[name] = transformed
		return obj, nil
	}
}

func decodePayloadObject(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("failed to decode payload object: %w", err)
	}
	return obj, nil
}

func cloneEvent(evt *Event) *Event {
	clone := *evt
	clone.Payload = append([]byte(nil), evt.Payload...)
	if evt.Metadata.Custom != nil {
		custom := make(map[string]string, len(evt.Metadata.Custom))
		for k, v := range evt.Metadata.Custom {
			custom[k] = v
		}
		clone.Metadata.Custom = custom
	}
	if evt.Constraints != nil {
		clone.Constraints = append([]UniqueConstraint(nil), evt.Constraints...)
	}
	return &clone
}

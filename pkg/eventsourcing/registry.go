package eventsourcing

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// EventDefinition describes one registered event schema.
type EventDefinition struct {
	// EventType is the stable wire discriminator.
	EventType string

	// EventVersion is the current schema revision. Stored rows carrying an
	// older revision are routed through the upcaster chain on read.
	EventVersion int

	// New returns a pointer to a zero value of the concrete payload type.
	New func() any
}

// Registry maps event type tags to concrete payload types. Registration
// happens once at startup; duplicate tags fail fast.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]EventDefinition
	byType map[reflect.Type]EventDefinition
}

// DefaultRegistry is the process-wide registry used when a Codec is built
// without an explicit one.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty event type registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]EventDefinition),
		byType: make(map[reflect.Type]EventDefinition),
	}
}

// Register adds an event definition. The factory must return a pointer to the
// payload type. Registering the same event type twice is an error.
func (r *Registry) Register(eventType string, eventVersion int, factory func() any) error {
	if eventType == "" {
		return &ValidationError{Field: "event_type", Message: "must not be empty"}
	}
	if eventVersion < 1 {
		return &ValidationError{Field: "event_version", Message: "must be positive"}
	}

	rtype := reflect.TypeOf(factory())
	if rtype == nil || rtype.Kind() != reflect.Pointer {
		return &ValidationError{Field: "factory", Message: "must return a non-nil pointer"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.byName[eventType]; exists {
		return fmt.Errorf("event type %q is already registered (version %d)", eventType, existing.EventVersion)
	}

	def := EventDefinition{EventType: eventType, EventVersion: eventVersion, New: factory}
	r.byName[eventType] = def
	r.byType[rtype] = def
	return nil
}

// MustRegister is like Register but panics on error. Intended for package
// init-time registration where a duplicate tag is a programming error.
func (r *Registry) MustRegister(eventType string, eventVersion int, factory func() any) {
	if err := r.Register(eventType, eventVersion, factory); err != nil {
		panic(fmt.Sprintf("eventsourcing: %v", err))
	}
}

// RegisterEvent registers the payload type T under the given tag.
func RegisterEvent[T any](r *Registry, eventType string, eventVersion int) error {
	return r.Register(eventType, eventVersion, func() any { return new(T) })
}

// MustRegisterEvent is like RegisterEvent but panics on error.
func MustRegisterEvent[T any](r *Registry, eventType string, eventVersion int) {
	r.MustRegister(eventType, eventVersion, func() any { return new(T) })
}

// Definition looks up a registered event type by tag.
func (r *Registry) Definition(eventType string) (EventDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[eventType]
	return def, ok
}

// DefinitionOf looks up the registration for a payload instance.
// Both value and pointer payloads resolve to the registered pointer type.
func (r *Registry) DefinitionOf(payload any) (EventDefinition, bool) {
	rtype := reflect.TypeOf(payload)
	if rtype == nil {
		return EventDefinition{}, false
	}
	if rtype.Kind() != reflect.Pointer {
		rtype = reflect.PointerTo(rtype)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byType[rtype]
	return def, ok
}

// Types returns the registered event type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byName))
	for name := range r.byName {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

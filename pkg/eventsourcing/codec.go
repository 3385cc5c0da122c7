package eventsourcing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Codec serializes domain events to canonical JSON and reconstructs them from
// stored rows. Canonical form means object keys sorted at every depth and
// numbers preserved verbatim, so the checksum of a payload is stable across
// encode/decode round trips and across processes.
//
// Example:
//
//	registry := eventsourcing.NewRegistry()
//	eventsourcing.MustRegisterEvent[AccountOpened](registry, "AccountOpened", 1)
//	codec := eventsourcing.NewCodec(eventsourcing.WithRegistry(registry))
//
//	enc, err := codec.Encode(&AccountOpened{AccountID: "A-1"})
//	// enc.EventType == "AccountOpened", enc.Checksum == sha256(enc.Payload)
type Codec struct {
	registry        *Registry
	upcasters       *UpcasterRegistry
	validateSchemas bool
	strictUpcasting bool
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithRegistry sets the event type registry. Defaults to DefaultRegistry.
func WithRegistry(r *Registry) CodecOption {
	return func(c *Codec) {
		c.registry = r
	}
}

// WithUpcasters sets the upcaster registry applied on decode.
func WithUpcasters(u *UpcasterRegistry) CodecOption {
	return func(c *Codec) {
		c.upcasters = u
	}
}

// WithSchemaValidation toggles strict payload decoding. When enabled, unknown
// fields in a stored payload are rejected as a SchemaMismatchError.
// Enabled by default.
func WithSchemaValidation(enabled bool) CodecOption {
	return func(c *Codec) {
		c.validateSchemas = enabled
	}
}

// WithStrictUpcasting makes decoding fail when a stored event's schema version
// does not reach the registered version after the upcaster chain has run.
// Disabled by default: older payloads decode leniently.
func WithStrictUpcasting(enabled bool) CodecOption {
	return func(c *Codec) {
		c.strictUpcasting = enabled
	}
}

// NewCodec creates a Codec with the given options.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{
		registry:        DefaultRegistry,
		upcasters:       NewUpcasterRegistry(),
		validateSchemas: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the codec's event type registry.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// Encoded is the result of serializing one domain event.
type Encoded struct {
	EventType    string
	EventVersion int
	Payload      []byte
	Checksum     string
}

// Encode serializes a registered domain event to canonical JSON.
// The payload's concrete type must have been registered; unregistered types
// fail with ErrUnknownEventType.
func (c *Codec) Encode(payload any) (*Encoded, error) {
	def, ok := c.registry.DefinitionOf(payload)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not registered", ErrUnknownEventType, payload)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	canonical, err := Canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize event payload: %w", err)
	}

	return &Encoded{
		EventType:    def.EventType,
		EventVersion: def.EventVersion,
		Payload:      canonical,
		Checksum:     Checksum(canonical),
	}, nil
}

// Decode verifies a stored event's integrity, runs the upcaster chain, and
// reconstructs the typed payload.
func (c *Codec) Decode(evt *Event) (*EventEnvelope, error) {
	if err := evt.VerifyChecksum(); err != nil {
		return nil, err
	}

	current, err := c.upcasters.Apply(evt)
	if err != nil {
		return nil, err
	}

	def, ok := c.registry.Definition(current.EventType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, current.EventType)
	}

	if current.EventVersion != def.EventVersion && c.strictUpcasting {
		return nil, &UpcastingError{
			EventType:   current.EventType,
			FromVersion: current.EventVersion,
			Reason:      fmt.Sprintf("no upcaster chain to registered version %d", def.EventVersion),
		}
	}

	payload := def.New()
	dec := json.NewDecoder(bytes.NewReader(current.Payload))
	dec.UseNumber()
	if c.validateSchemas {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(payload); err != nil {
		return nil, &SchemaMismatchError{EventType: current.EventType, Err: err}
	}

	return &EventEnvelope{Event: *current, Payload: payload}, nil
}

// Checksum returns the hex-encoded SHA-256 digest of a canonical payload.
func Checksum(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Canonicalize rewrites a JSON document into canonical form: object keys
// sorted lexicographically at every depth, array order preserved, numbers
// emitted verbatim (no float64 coercion, so decimal amounts survive), strings
// escaped per encoding/json.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON document: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON document: trailing data")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return writeJSONString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("cannot canonicalize value of type %T", v)
	}
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	escaped, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to escape string: %w", err)
	}
	buf.Write(escaped)
	return nil
}

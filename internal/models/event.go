package models

import (
	"errors"
	"reflect"
	"strings"
)

// Built-in event types emitted by the trackers. The set is open: producers
// may submit any non-empty type.
const (
	TypePageView    = "pageview"
	TypeNavigation  = "navigation"
	TypeMouseClick  = "mouse-click"
	TypeMouseMoving = "mouse-moving"
	TypeScroll      = "scroll"
	TypeReferral    = "referral"
)

// Payload carries event-specific data. Values must be JSON-serializable:
// scalars, slices or nested maps.
type Payload map[string]any

// Clone returns a deep copy of p. Nested maps and slices are copied so the
// clone shares no mutable container with p; pointers and structs are not
// followed.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64:
		return v
	case Payload:
		return t.Clone()
	case map[string]any:
		return map[string]any(Payload(t).Clone())
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = cloneValue(elem)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value(), rv.Type().Elem()))
		}
		return out.Interface()
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneElem(rv.Index(i), rv.Type().Elem()))
		}
		return out.Interface()
	}
	return v
}

func cloneElem(v reflect.Value, typ reflect.Type) reflect.Value {
	c := cloneValue(v.Interface())
	if c == nil {
		return reflect.Zero(typ)
	}
	return reflect.ValueOf(c)
}

// Event is a single observation of client activity.
type Event struct {
	// Event type (pageview, navigation, mouse-click, ...)
	Type string `json:"type"`

	// Creation time in milliseconds since the Unix epoch
	Timestamp int64 `json:"timestamp"`

	// Identity of the client, assigned by the identity gate
	Identity string `json:"identity"`

	// Event-specific data
	Payload Payload `json:"payload"`

	// Optional keyed integrity signature
	Signature string `json:"signature,omitempty"`
}

// Validation errors
var (
	ErrEmptyType        = errors.New("event type cannot be empty")
	ErrTypeTooLong      = errors.New("event type exceeds maximum length")
	ErrInvalidTimestamp = errors.New("timestamp must be a positive millisecond epoch")
	ErrTooManyPayload   = errors.New("too many payload keys")
)

const (
	MaxTypeLength  = 128
	MaxPayloadKeys = 256
)

// NewEvent creates an event without identity. The payload is never nil.
func NewEvent(eventType string, timestamp int64, payload Payload) Event {
	if payload == nil {
		payload = Payload{}
	}
	return Event{
		Type:      eventType,
		Timestamp: timestamp,
		Payload:   payload,
	}
}

// Normalize trims the type and replaces a nil payload with an empty one.
func (e *Event) Normalize() {
	e.Type = strings.TrimSpace(e.Type)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
}

// Validate checks that the event carries what producers are required to set.
func (e *Event) Validate() error {
	if e.Type == "" {
		return ErrEmptyType
	}

	if len(e.Type) > MaxTypeLength {
		return ErrTypeTooLong
	}

	if e.Timestamp <= 0 {
		return ErrInvalidTimestamp
	}

	if len(e.Payload) > MaxPayloadKeys {
		return ErrTooManyPayload
	}

	return nil
}

// WithIdentity returns a copy of the event stamped with identity.
func (e Event) WithIdentity(identity string) Event {
	e.Identity = identity
	return e
}

// Identity-less view used inside batch envelopes.
func (e Event) batchEvent() BatchEvent {
	return BatchEvent{
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Payload:   e.Payload.Clone(),
	}
}

// Kind implements Delivery.
func (e Event) Kind() Kind { return KindEvent }

// Subject implements Delivery.
func (e Event) Subject() string { return e.Identity }

// Len implements Delivery.
func (e Event) Len() int { return 1 }

// Signed implements Delivery.
func (e Event) Signed() string { return e.Signature }

func (Event) delivery() {}

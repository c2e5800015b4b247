package models

// Kind distinguishes the two shapes a sink can receive.
type Kind string

const (
	KindEvent Kind = "event"
	KindBatch Kind = "batch"
)

// Delivery is the unit handed to a sink: an Event in single mode or a
// BatchEnvelope in batch mode. The set of implementations is closed.
type Delivery interface {
	Kind() Kind
	// Subject returns the identity the delivery belongs to.
	Subject() string
	// Len returns the number of events carried.
	Len() int
	// Signed returns the signature, or "" when unsigned.
	Signed() string

	delivery()
}

// BatchEvent is an Event without its identity field.
type BatchEvent struct {
	Type      string  `json:"type"`
	Timestamp int64   `json:"timestamp"`
	Payload   Payload `json:"payload"`
}

// BatchEnvelope groups events sharing one identity. It must not be modified
// after it is handed to a sink.
type BatchEnvelope struct {
	Identity  string       `json:"identity"`
	Events    []BatchEvent `json:"events"`
	Signature string       `json:"signature,omitempty"`
}

// NewBatchEnvelope builds an envelope from stamped events. The identity is
// taken from the first event and per-event identities are dropped.
func NewBatchEnvelope(events []Event) BatchEnvelope {
	env := BatchEnvelope{
		Events: make([]BatchEvent, len(events)),
	}
	if len(events) > 0 {
		env.Identity = events[0].Identity
	}
	for i, e := range events {
		env.Events[i] = e.batchEvent()
	}
	return env
}

// Kind implements Delivery.
func (b BatchEnvelope) Kind() Kind { return KindBatch }

// Subject implements Delivery.
func (b BatchEnvelope) Subject() string { return b.Identity }

// Len implements Delivery.
func (b BatchEnvelope) Len() int { return len(b.Events) }

// Signed implements Delivery.
func (b BatchEnvelope) Signed() string { return b.Signature }

func (BatchEnvelope) delivery() {}

var (
	_ Delivery = Event{}
	_ Delivery = BatchEnvelope{}
)

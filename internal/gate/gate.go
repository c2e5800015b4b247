// Package gate holds events back until the client identity is known, then
// releases them in arrival order ahead of anything submitted later.
package gate

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"eventflow/internal/identity"
	"eventflow/internal/metrics"
	"eventflow/internal/models"
)

// State of identity resolution.
type State int

const (
	Unresolved State = iota
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultPendingLimit caps the number of events held before resolution.
const DefaultPendingLimit = 1000

// Forwarder is the next pipeline stage: the batcher, or direct delivery when
// batching is disabled.
type Forwarder interface {
	Add(e models.Event)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(e models.Event)

// Add implements Forwarder.
func (f ForwarderFunc) Add(e models.Event) { f(e) }

// Config holds gate configuration
type Config struct {
	Next Forwarder
	// PendingLimit bounds the pre-resolution buffer; the oldest event is
	// dropped on overflow. Zero selects DefaultPendingLimit, negative means
	// unbounded.
	PendingLimit int
	Logger       zerolog.Logger
}

// Gate stamps events with the resolved identity. Safe for concurrent use.
type Gate struct {
	next  Forwarder
	limit int
	log   zerolog.Logger

	// mu is held while forwarding, which is what keeps replayed events ahead
	// of concurrent submissions.
	mu       sync.Mutex
	state    State
	identity string
	pending  []models.Event
	dropped  uint64
}

// New creates a gate in the Unresolved state.
func New(cfg Config) *Gate {
	limit := cfg.PendingLimit
	if limit == 0 {
		limit = DefaultPendingLimit
	}
	return &Gate{
		next:  cfg.Next,
		limit: limit,
		log:   cfg.Logger,
	}
}

// Submit stamps and forwards e once the identity is known; before that it
// is buffered. After a terminal failure events are dropped.
func (g *Gate) Submit(e models.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case Resolved:
		g.next.Add(e.WithIdentity(g.identity))
	case Failed:
		g.dropped++
		metrics.GateDroppedTotal.WithLabelValues("failed").Inc()
	default:
		if g.limit > 0 && len(g.pending) >= g.limit {
			g.pending[0] = models.Event{}
			g.pending = g.pending[1:]
			g.dropped++
			metrics.GateDroppedTotal.WithLabelValues("overflow").Inc()
			g.log.Warn().Int("limit", g.limit).Msg("pending buffer full, dropped oldest event")
		}
		g.pending = append(g.pending, e.WithIdentity(""))
		metrics.GatePendingEvents.Set(float64(len(g.pending)))
		g.log.Debug().Str("type", e.Type).Int("pending", len(g.pending)).Msg("event buffered until identity resolves")
	}
}

// Resolve stores identity and replays the buffered events. Calls after the
// first transition are ignored.
func (g *Gate) Resolve(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Unresolved {
		g.log.Warn().Str("state", g.state.String()).Msg("identity already settled, ignoring resolve")
		return
	}

	g.state = Resolved
	g.identity = id
	pending := g.pending
	g.pending = nil

	g.log.Info().Int("replayed", len(pending)).Msg("identity resolved")
	for _, e := range pending {
		g.next.Add(e.WithIdentity(id))
	}
	metrics.GatePendingEvents.Set(0)
}

// Fail moves the gate to the terminal Failed state and discards the buffer.
func (g *Gate) Fail() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Unresolved {
		return
	}
	g.state = Failed
	g.dropped += uint64(len(g.pending))
	metrics.GateDroppedTotal.WithLabelValues("failed").Add(float64(len(g.pending)))
	g.pending = nil
	metrics.GatePendingEvents.Set(0)
	g.log.Warn().Msg("identity unavailable, events will be dropped")
}

// Start resolves the identity in the background. A provider error leaves the
// gate Unresolved; an empty identity without error fails it.
func (g *Gate) Start(ctx context.Context, p identity.Provider) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("identity provider panic recovered")
				metrics.PanicsRecovered.WithLabelValues("identity").Inc()
				metrics.IdentityResolutionsTotal.WithLabelValues("failed").Inc()
			}
		}()

		id, err := p.Resolve(ctx)
		switch {
		case err != nil:
			metrics.IdentityResolutionsTotal.WithLabelValues("failed").Inc()
			g.log.Error().Err(err).Msg("identity resolution failed, events stay buffered")
		case id == "":
			metrics.IdentityResolutionsTotal.WithLabelValues("empty").Inc()
			g.Fail()
		default:
			metrics.IdentityResolutionsTotal.WithLabelValues("resolved").Inc()
			g.Resolve(id)
		}
	}()
}

// State returns the current resolution state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Identity returns the resolved identity, if any.
func (g *Gate) Identity() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.identity, g.state == Resolved
}

// PendingSize returns the number of buffered events.
func (g *Gate) PendingSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Dropped returns how many events the gate has discarded.
func (g *Gate) Dropped() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}

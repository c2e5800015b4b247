// Package collector assembles the delivery pipeline: events pass the
// identity gate, are either batched or forwarded immediately, optionally
// signed, and handed to the sink.
package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"eventflow/internal/batcher"
	"eventflow/internal/clock"
	"eventflow/internal/gate"
	"eventflow/internal/identity"
	"eventflow/internal/logger"
	"eventflow/internal/metrics"
	"eventflow/internal/models"
	"eventflow/internal/signer"
	"eventflow/internal/sink"
	"eventflow/internal/tracker"
)

var (
	// ErrCollectorClosed is returned by SubmitErr after Close.
	ErrCollectorClosed = errors.New("collector is closed")
	ErrNilSink         = errors.New("sink is required")
	ErrNilProvider     = errors.New("identity provider is required")
)

// Config holds collector configuration
type Config struct {
	EnableBatching bool
	BatchInterval  time.Duration
	// Debug only raises log verbosity.
	Debug        bool
	PendingLimit int
	SinkTimeout  time.Duration
	// Signing is optional; deliveries are unsigned when nil.
	Signing *signer.Options
}

// Option customizes a Collector.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *zerolog.Logger
}

// WithClock replaces the wall clock used for timestamps and the batch timer.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger replaces the component loggers.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// Collector is the entry point producers submit events to.
type Collector struct {
	cfg      Config
	clock    clock.Clock
	log      zerolog.Logger
	provider identity.Provider
	signer   *signer.Signer
	sink     sink.Sink
	gate     *gate.Gate
	batcher  *batcher.Batcher

	startOnce sync.Once
	// mu orders submissions against Close, so nothing reaches the batcher
	// after its final flush.
	mu     sync.RWMutex
	closed bool

	submitted atomic.Uint64
	rejected  atomic.Uint64
}

// New wires a collector. Nothing happens until Start begins resolving the
// identity; events submitted before then are buffered.
func New(cfg Config, provider identity.Provider, s sink.Sink, opts ...Option) (*Collector, error) {
	if s == nil {
		return nil, ErrNilSink
	}
	if provider == nil {
		return nil, ErrNilProvider
	}

	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	componentLog := func(name string) zerolog.Logger {
		if o.logger != nil {
			return o.logger.With().Str("component", name).Logger()
		}
		return logger.ForComponent(name, cfg.Debug)
	}

	c := &Collector{
		cfg:      cfg,
		clock:    o.clock,
		log:      componentLog("collector"),
		provider: provider,
		sink:     sink.Safe(s),
	}

	if cfg.Signing != nil {
		sgn, err := signer.New(*cfg.Signing)
		if err != nil {
			return nil, err
		}
		c.signer = sgn
	}

	var next gate.Forwarder
	if cfg.EnableBatching {
		bcfg := batcher.Config{
			Sink:        c.sink,
			Interval:    cfg.BatchInterval,
			Clock:       c.clock,
			SinkTimeout: cfg.SinkTimeout,
			Logger:      componentLog("batcher"),
		}
		if c.signer != nil {
			bcfg.Signer = c.signer
		}
		c.batcher = batcher.New(bcfg)
		next = c.batcher
	} else {
		next = gate.ForwarderFunc(c.deliverNow)
	}

	c.gate = gate.New(gate.Config{
		Next:         next,
		PendingLimit: cfg.PendingLimit,
		Logger:       componentLog("gate"),
	})

	c.log.Debug().
		Bool("batching", cfg.EnableBatching).
		Dur("batch_interval", cfg.BatchInterval).
		Bool("signing", c.signer != nil).
		Msg("collector created")

	return c, nil
}

// deliverNow is the non-batching path: each stamped event is signed and
// delivered before Submit returns.
func (c *Collector) deliverNow(e models.Event) {
	if c.signer != nil {
		signed, err := c.signer.SignEvent(e)
		if err != nil {
			c.log.Error().Err(err).Str("type", e.Type).Msg("failed to sign event, delivering unsigned")
		} else {
			e = signed
		}
	}

	timeout := c.cfg.SinkTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := c.sink.Deliver(ctx, e); err != nil {
		c.log.Warn().Err(err).Str("type", e.Type).Msg("sink rejected event")
	}
}

// Start begins identity resolution in the background. Later calls are
// no-ops.
func (c *Collector) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.gate.Start(ctx, c.provider)
	})
}

// Submit accepts an event from a producer. Failures are logged, never
// returned; use SubmitErr to observe them.
func (c *Collector) Submit(e models.Event) {
	if err := c.SubmitErr(e); err != nil {
		c.log.Debug().Err(err).Str("type", e.Type).Msg("event rejected")
	}
}

// SubmitErr is Submit that reports validation failures and submissions
// after Close. The identity on e is ignored.
func (c *Collector) SubmitErr(e models.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		c.rejected.Add(1)
		return ErrCollectorClosed
	}

	e.Normalize()
	if err := e.Validate(); err != nil {
		c.rejected.Add(1)
		return err
	}
	// The pipeline owns its copy; producers may reuse their maps.
	e.Payload = e.Payload.Clone()

	c.submitted.Add(1)
	metrics.EventsSubmittedTotal.WithLabelValues(e.Type).Inc()
	c.gate.Submit(e)
	return nil
}

// Track submits a custom event stamped with the current time.
func (c *Collector) Track(eventType string, payload models.Payload) error {
	return c.SubmitErr(tracker.Custom(c.clock.Now(), eventType, payload))
}

// TrackPageView submits a pageview event.
func (c *Collector) TrackPageView(info tracker.PageInfo) error {
	return tracker.Guard(models.TypePageView, func() error {
		return c.SubmitErr(tracker.PageView(c.clock.Now(), info))
	})
}

// TrackClick submits a mouse-click event.
func (c *Collector) TrackClick(info tracker.ClickInfo) error {
	return tracker.Guard(models.TypeMouseClick, func() error {
		return c.SubmitErr(tracker.MouseClick(c.clock.Now(), info))
	})
}

// TrackReferral submits a referral event.
func (c *Collector) TrackReferral(info tracker.ReferralInfo) error {
	return tracker.Guard(models.TypeReferral, func() error {
		return c.SubmitErr(tracker.Referral(c.clock.Now(), info))
	})
}

// NavigationTracker returns a tracker that submits navigation events here.
func (c *Collector) NavigationTracker(initialURL string) *tracker.Navigation {
	return tracker.NewNavigation(c.clock, c.Submit, initialURL)
}

// MouseMoveTracker returns a throttled mouse-moving tracker bound to c.
func (c *Collector) MouseMoveTracker(interval time.Duration) *tracker.MouseMove {
	return tracker.NewMouseMove(c.clock, c.Submit, interval)
}

// ScrollTracker returns a throttled scroll tracker bound to c.
func (c *Collector) ScrollTracker(interval time.Duration) *tracker.Scroll {
	return tracker.NewScroll(c.clock, c.Submit, interval)
}

// Flush delivers queued events now. Without batching there is nothing to
// flush.
func (c *Collector) Flush() {
	if c.batcher != nil {
		c.batcher.Flush()
	}
}

// Close flushes queued events, cancels the batch timer and rejects later
// submissions. Events still waiting for the identity are discarded and the
// gate stops accepting a resolution.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	discarded := c.gate.PendingSize()
	// A late resolution must not feed the batcher after its final flush.
	c.gate.Fail()
	if c.batcher != nil {
		c.batcher.Flush()
		c.batcher.Clear()
	}
	c.log.Debug().
		Int("pending_discarded", discarded).
		Msg("collector closed")
	return nil
}

func (c *Collector) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Identity returns the resolved identity, if any.
func (c *Collector) Identity() (string, bool) {
	return c.gate.Identity()
}

// State returns the identity resolution state.
func (c *Collector) State() gate.State {
	return c.gate.State()
}

// Signer returns the configured signer, or nil.
func (c *Collector) Signer() *signer.Signer {
	return c.signer
}

// QueueSize returns the number of events waiting for the next flush.
func (c *Collector) QueueSize() int {
	if c.batcher == nil {
		return 0
	}
	return c.batcher.QueueSize()
}

// PendingSize returns the number of events waiting for the identity.
func (c *Collector) PendingSize() int {
	return c.gate.PendingSize()
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	State     string `json:"state"`
	Identity  string `json:"identity,omitempty"`
	Batching  bool   `json:"batching"`
	Signing   bool   `json:"signing"`
	Pending   int    `json:"pending"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Dropped   uint64 `json:"dropped"`
	Closed    bool   `json:"closed"`
}

// Stats returns collector statistics
func (c *Collector) Stats() Stats {
	id, _ := c.gate.Identity()
	return Stats{
		State:     c.gate.State().String(),
		Identity:  id,
		Batching:  c.batcher != nil,
		Signing:   c.signer != nil,
		Pending:   c.gate.PendingSize(),
		Queued:    c.QueueSize(),
		Submitted: c.submitted.Load(),
		Rejected:  c.rejected.Load(),
		Dropped:   c.gate.Dropped(),
		Closed:    c.isClosed(),
	}
}

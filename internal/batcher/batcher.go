// Package batcher groups identity-stamped events into envelopes and flushes
// them on a debounce timer: every added event restarts the countdown, so a
// continuous burst is delivered once activity pauses for Interval.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eventflow/internal/clock"
	"eventflow/internal/metrics"
	"eventflow/internal/models"
	"eventflow/internal/sink"
)

// DefaultInterval is the debounce window used when Config.Interval is unset.
const DefaultInterval = 2 * time.Second

// Signer signs outbound envelopes. *signer.Signer satisfies it.
type Signer interface {
	SignEnvelope(env models.BatchEnvelope) (models.BatchEnvelope, error)
}

// Config holds batcher configuration
type Config struct {
	Sink     sink.Sink
	Interval time.Duration
	// Signer is optional; envelopes are delivered unsigned when nil.
	Signer Signer
	Clock  clock.Clock
	// SinkTimeout bounds the context passed to the sink.
	SinkTimeout time.Duration
	Logger      zerolog.Logger
}

// Batcher accumulates events and hands them to the sink as one envelope per
// flush. Safe for concurrent use.
type Batcher struct {
	sink        sink.Sink
	signer      Signer
	clock       clock.Clock
	interval    time.Duration
	sinkTimeout time.Duration
	log         zerolog.Logger

	mu    sync.Mutex
	queue []models.Event
	timer *clock.Timer
	// gen identifies the armed timer; callbacks from superseded timers are
	// ignored.
	gen uint64

	// deliverMu keeps envelopes reaching the sink in the order their queues
	// were swapped out.
	deliverMu sync.Mutex
}

// New creates a Batcher.
func New(cfg Config) *Batcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 10 * time.Second
	}

	return &Batcher{
		sink:        cfg.Sink,
		signer:      cfg.Signer,
		clock:       cfg.Clock,
		interval:    cfg.Interval,
		sinkTimeout: cfg.SinkTimeout,
		log:         cfg.Logger,
	}
}

// Add queues e and restarts the debounce timer.
func (b *Batcher) Add(e models.Event) {
	b.mu.Lock()
	b.queue = append(b.queue, e)
	size := len(b.queue)

	if b.timer != nil {
		b.timer.Stop()
	}
	b.gen++
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.interval, func() { b.onTimer(gen) })
	b.mu.Unlock()

	metrics.BatcherQueueSize.Set(float64(size))
	b.log.Debug().
		Str("type", e.Type).
		Int("queue_size", size).
		Msg("event queued")
}

func (b *Batcher) onTimer(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.mu.Unlock()

	b.flush("timer")
}

// Flush delivers all queued events as one envelope. It is a no-op when the
// queue is empty and leaves any armed timer alone.
func (b *Batcher) Flush() {
	b.flush("manual")
}

func (b *Batcher) flush(trigger string) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	events := b.queue
	b.queue = nil
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}
	metrics.BatcherQueueSize.Set(0)

	env := models.NewBatchEnvelope(events)
	if b.signer != nil {
		signed, err := b.signer.SignEnvelope(env)
		if err != nil {
			b.log.Error().Err(err).Int("batch_size", len(events)).Msg("failed to sign envelope, delivering unsigned")
		} else {
			env = signed
		}
	}

	b.log.Debug().
		Str("trigger", trigger).
		Int("batch_size", len(events)).
		Msg("flushing batch")
	metrics.BatcherFlushesTotal.WithLabelValues(trigger).Inc()
	metrics.BatchSize.Observe(float64(len(events)))

	ctx, cancel := context.WithTimeout(context.Background(), b.sinkTimeout)
	defer cancel()
	if err := b.sink.Deliver(ctx, env); err != nil {
		b.log.Warn().Err(err).Int("batch_size", len(events)).Msg("sink rejected batch")
	}
}

// Clear cancels the pending flush timer without flushing.
func (b *Batcher) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	// Invalidate a callback that is already running but has not taken the lock.
	b.gen++
}

// QueueSize returns the number of queued events.
func (b *Batcher) QueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

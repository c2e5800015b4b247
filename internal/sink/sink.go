// Package sink defines where the pipeline hands finished deliveries, and
// adapters for common destinations.
package sink

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eventflow/internal/logger"
	"eventflow/internal/metrics"
	"eventflow/internal/models"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("channel sink closed")

// BatchError reports a partially failed batch write. Failed holds the
// positions, in ascending order, of the deliveries that were not written;
// every other delivery of the batch was.
type BatchError struct {
	Failed []int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d deliveries failed: %v", len(e.Failed), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Sink receives either a models.Event (single mode) or a
// models.BatchEnvelope (batch mode). Implementations must not submit events
// back into the collector synchronously.
type Sink interface {
	Deliver(ctx context.Context, d models.Delivery) error
}

// Func adapts a plain function to Sink.
type Func func(ctx context.Context, d models.Delivery) error

// Deliver implements Sink.
func (f Func) Deliver(ctx context.Context, d models.Delivery) error {
	return f(ctx, d)
}

// NewCallback wraps fn as a named Sink. A nil fn fails every delivery.
func NewCallback(name string, fn Func) Sink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

type callbackSink struct {
	name string
	fn   Func
}

func (s *callbackSink) Deliver(ctx context.Context, d models.Delivery) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	return s.fn(ctx, d)
}

// NewChannel exposes deliveries on a channel; it returns the sink, the
// read-only channel, and a close function the caller should invoke during
// shutdown.
func NewChannel(buffer int) (Sink, <-chan models.Delivery, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan models.Delivery, buffer)
	s := &channelSink{
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, s.close
}

type channelSink struct {
	ch     chan models.Delivery
	closed chan struct{}
	once   sync.Once
	mu     sync.RWMutex
}

func (s *channelSink) Deliver(ctx context.Context, d models.Delivery) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- d:
		return nil
	}
}

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		// Wait for in-flight sends before closing the data channel.
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// NewLog writes every delivery as one structured log line.
func NewLog(log zerolog.Logger) Sink {
	return Func(func(_ context.Context, d models.Delivery) error {
		log.Info().
			Str("kind", string(d.Kind())).
			Str("identity", d.Subject()).
			Int("events", d.Len()).
			Bool("signed", d.Signed() != "").
			Interface("delivery", d).
			Msg("delivery")
		return nil
	})
}

// Multi fans a delivery out to every sink in order. All sinks are attempted;
// their errors are joined.
func Multi(sinks ...Sink) Sink {
	return Func(func(ctx context.Context, d models.Delivery) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Deliver(ctx, d); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Safe wraps s so that a panic inside it is recovered and reported as an
// error, and every delivery is counted and timed.
func Safe(s Sink) Sink {
	return &safeSink{next: s}
}

type safeSink struct {
	next Sink
}

func (s *safeSink) Deliver(ctx context.Context, d models.Delivery) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log := logger.WithComponent("sink")
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("sink panic recovered")
			metrics.PanicsRecovered.WithLabelValues("sink").Inc()
			err = fmt.Errorf("sink panic: %v", r)
		}

		metrics.SinkDeliveryDuration.Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "failed"
		}
		metrics.SinkDeliveriesTotal.WithLabelValues(string(d.Kind()), status).Inc()
	}()

	return s.next.Deliver(ctx, d)
}

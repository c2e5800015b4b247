// Package worker decouples the collector from slow destinations: deliveries
// are queued without blocking and published in batches by a fixed set of
// goroutines.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"eventflow/internal/logger"
	"eventflow/internal/metrics"
	"eventflow/internal/models"
	"eventflow/internal/sink"
)

var (
	// ErrQueueFull is returned by Deliver when the queue has no free slot.
	ErrQueueFull = errors.New("worker queue is full")
	// ErrPoolStopped is returned by Deliver after Stop.
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Publisher defines the interface for publishing deliveries
type Publisher interface {
	Publish(ctx context.Context, d models.Delivery) error
	PublishBatch(ctx context.Context, ds []models.Delivery) error
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	Workers      int
	QueueSize    int
	BatchSize    int
	BatchTimeout time.Duration
	// PublishTimeout bounds each PublishBatch call; individual retries get
	// half of it.
	PublishTimeout time.Duration
}

// Pool manages a pool of workers that drain the queue into the publisher.
// It implements sink.Sink.
type Pool struct {
	publisher      Publisher
	queue          chan models.Delivery
	workers        int
	batchSize      int
	batchTimeout   time.Duration
	publishTimeout time.Duration

	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	started atomic.Bool

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	metrics.WorkerQueueCapacity.Set(float64(cfg.QueueSize))

	return &Pool{
		publisher:      cfg.Publisher,
		queue:          make(chan models.Delivery, cfg.QueueSize),
		workers:        cfg.Workers,
		batchSize:      cfg.BatchSize,
		batchTimeout:   cfg.BatchTimeout,
		publishTimeout: cfg.PublishTimeout,
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	if p.started.Swap(true) {
		return
	}

	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("queue_size", cap(p.queue)).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Deliver enqueues d without blocking. The delivery is published later;
// publish failures are only visible through logs, metrics and Stats.
func (p *Pool) Deliver(_ context.Context, d models.Delivery) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- d:
		metrics.WorkerQueueSize.Set(float64(len(p.queue)))
		return nil
	default:
		p.dropped.Add(1)
		metrics.WorkerDroppedTotal.Inc()
		return ErrQueueFull
	}
}

// Stop rejects new deliveries, drains the queue and waits for the workers
// to publish what they hold.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	log := logger.WithComponent("worker_pool")
	log.Info().Int("remaining", len(p.queue)).Msg("stopping worker pool")

	if !p.started.Load() {
		// Nobody is draining; publish the backlog inline.
		var rest []models.Delivery
		for d := range p.queue {
			rest = append(rest, d)
		}
		p.publishBatch(rest)
	}
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// worker processes deliveries from the queue
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	batch := make([]models.Delivery, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case d, ok := <-p.queue:
			if !ok {
				p.publishBatch(batch)
				return
			}
			metrics.WorkerQueueSize.Set(float64(len(p.queue)))

			batch = append(batch, d)
			if len(batch) >= p.batchSize {
				p.publishBatch(batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				p.publishBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

func (p *Pool) publishBatch(batch []models.Delivery) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("worker")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()

	err := p.publisher.PublishBatch(ctx, batch)
	duration := time.Since(start)
	metrics.WorkerBatchPublishDuration.Observe(duration.Seconds())

	if err != nil {
		retry := batch
		var batchErr *sink.BatchError
		if errors.As(err, &batchErr) {
			retry = make([]models.Delivery, 0, len(batchErr.Failed))
			for _, i := range batchErr.Failed {
				if i >= 0 && i < len(batch) {
					retry = append(retry, batch[i])
				}
			}
			written := len(batch) - len(retry)
			p.processed.Add(uint64(written))
			metrics.WorkerProcessedTotal.Add(float64(written))
		}
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Int("failed", len(retry)).
			Dur("duration", duration).
			Msg("failed to publish batch")
		p.publishIndividually(retry)
		return
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("batch published")
	p.processed.Add(uint64(len(batch)))
	metrics.WorkerProcessedTotal.Add(float64(len(batch)))
}

// publishIndividually retries each unwritten delivery of a failed batch on
// its own.
func (p *Pool) publishIndividually(batch []models.Delivery) {
	if len(batch) == 0 {
		return
	}
	log := logger.WithComponent("worker")
	log.Warn().Int("count", len(batch)).Msg("attempting individual publish for failed batch")

	for _, d := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout/2)
		err := p.publisher.Publish(ctx, d)
		cancel()

		if err != nil {
			log.Error().
				Err(err).
				Str("kind", string(d.Kind())).
				Str("identity", d.Subject()).
				Msg("failed to publish delivery individually")
			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
			continue
		}
		p.processed.Add(1)
		metrics.WorkerProcessedTotal.Inc()
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.queue),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Stats holds worker pool counters
type Stats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// SinkPublisher publishes through s one delivery at a time, for
// destinations without a native batch write.
func SinkPublisher(s sink.Sink) Publisher {
	return sinkPublisher{sink: s}
}

type sinkPublisher struct {
	sink sink.Sink
}

func (p sinkPublisher) Publish(ctx context.Context, d models.Delivery) error {
	return p.sink.Deliver(ctx, d)
}

// PublishBatch attempts every delivery and reports the ones that failed as a
// *sink.BatchError.
func (p sinkPublisher) PublishBatch(ctx context.Context, ds []models.Delivery) error {
	var (
		failed []int
		errs   []error
	)
	for i, d := range ds {
		if err := p.sink.Deliver(ctx, d); err != nil {
			failed = append(failed, i)
			errs = append(errs, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &sink.BatchError{Failed: failed, Err: errors.Join(errs...)}
}

// Package server runs the collector as a daemon: producers post events over
// HTTP, and deliveries leave through the configured sink.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eventflow/internal/codec"
	"eventflow/internal/collector"
	"eventflow/internal/config"
	"eventflow/internal/handlers"
	"eventflow/internal/identity"
	"eventflow/internal/kafka"
	"eventflow/internal/logger"
	"eventflow/internal/middleware"
	"eventflow/internal/sink"
	"eventflow/internal/worker"
)

// Server is the high-level coordinator for ingest, collection and delivery.
type Server struct {
	cfg        *config.Config
	collector  *collector.Collector
	producer   *kafka.Producer
	workerPool *worker.Pool
	httpServer *http.Server
	wg         sync.WaitGroup

	// healthCheck checks the destination; nil means always healthy.
	healthCheck func(ctx context.Context) error
}

// Option customizes a Server.
type Option func(*buildOptions)

type buildOptions struct {
	sink     sink.Sink
	provider identity.Provider
}

// WithSink replaces the configured destination.
func WithSink(s sink.Sink) Option {
	return func(o *buildOptions) { o.sink = s }
}

// WithProvider replaces the configured identity provider.
func WithProvider(p identity.Provider) Option {
	return func(o *buildOptions) { o.provider = p }
}

// New constructs a Server with the given config.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{cfg: cfg}

	dest := o.sink
	if dest == nil {
		var err error
		if dest, err = s.buildSink(); err != nil {
			return nil, err
		}
	}

	if cfg.Sink.Async {
		pub := worker.SinkPublisher(dest)
		workers := cfg.Worker.Workers
		if s.producer != nil {
			pub = s.producer
		} else if workers > 1 {
			// Envelopes for one identity must reach a plain sink in order.
			log := logger.WithComponent("server")
			log.Warn().Int("workers", workers).Msg("async delivery to a non-kafka sink uses a single worker")
			workers = 1
		}
		s.workerPool = worker.NewPool(worker.Config{
			Publisher:    pub,
			Workers:      workers,
			QueueSize:    cfg.Worker.QueueSize,
			BatchSize:    cfg.Worker.BatchSize,
			BatchTimeout: cfg.Worker.BatchTimeout,
		})
		dest = s.workerPool
	}

	provider := o.provider
	if provider == nil {
		provider = buildProvider(cfg.Identity)
	}

	ccfg := collector.Config{
		EnableBatching: cfg.Collector.EnableBatching,
		BatchInterval:  cfg.Collector.BatchInterval,
		Debug:          cfg.Collector.Debug,
		PendingLimit:   cfg.Collector.PendingLimit,
		SinkTimeout:    cfg.Collector.SinkTimeout,
	}
	if cfg.Signing.SecretKey != "" {
		signing := cfg.Signing
		ccfg.Signing = &signing
	}

	c, err := collector.New(ccfg, provider, dest)
	if err != nil {
		s.closeProducer()
		return nil, fmt.Errorf("failed to create collector: %w", err)
	}
	s.collector = c

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// buildSink creates the configured destination.
func (s *Server) buildSink() (sink.Sink, error) {
	log := logger.WithComponent("server")

	switch s.cfg.Sink.Type {
	case config.SinkKafka:
		c, err := codec.New(s.cfg.Kafka.Codec)
		if err != nil {
			return nil, err
		}
		producer, err := kafka.NewProducer(s.cfg.Kafka.Brokers, s.cfg.Kafka.Topic, s.cfg.Kafka.Producer, kafka.WithCodec(c))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize producer: %w", err)
		}
		s.producer = producer
		s.healthCheck = producer.HealthCheck
		log.Info().
			Strs("brokers", s.cfg.Kafka.Brokers).
			Str("topic", s.cfg.Kafka.Topic).
			Str("codec", c.Name()).
			Msg("kafka producer initialized")
		return producer, nil

	case config.SinkHTTP:
		log.Info().Str("url", s.cfg.HTTPSink.URL).Msg("http sink initialized")
		return sink.NewHTTP(s.cfg.HTTPSink)

	default:
		return sink.NewLog(logger.WithComponent("delivery")), nil
	}
}

func buildProvider(cfg config.IdentityConfig) identity.Provider {
	switch cfg.Mode {
	case config.IdentityStatic:
		return identity.Static(cfg.Static)
	case config.IdentityRandom:
		return identity.Once(identity.Random())
	default:
		return identity.Once(identity.Fingerprint(nil, identity.HostAttributes()))
	}
}

// Collector returns the underlying collector.
func (s *Server) Collector() *collector.Collector {
	return s.collector
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	ingest := handlers.NewIngestHandler(handlers.IngestConfig{
		Submitter:   s.collector,
		MaxBodySize: s.cfg.Server.MaxBodySize,
	})
	mux.Handle("/ingest", middleware.Chain(
		ingest,
		middleware.Recovery,
		middleware.Logging,
		middleware.Auth(s.cfg.Server.AuthToken),
	))
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Run starts background goroutines and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	log := logger.WithComponent("server")
	log.Info().Msg("server starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.workerPool != nil {
		s.workerPool.Start()
	}
	s.collector.Start(ctx)

	errCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			errCh <- err
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reportStats(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
	}
	cancel()

	if err := s.shutdown(); err != nil {
		return err
	}
	return runErr
}

// shutdown stops intake first, then drains the pipeline toward the sink.
func (s *Server) shutdown() error {
	log := logger.WithComponent("server")
	log.Info().Msg("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 1. Stop accepting new HTTP requests
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Flush the batcher and reject late submissions
	if err := s.collector.Close(); err != nil {
		log.Error().Err(err).Msg("collector close error")
	}

	// 3. Drain the async queue
	if s.workerPool != nil {
		done := make(chan struct{})
		go func() {
			s.workerPool.Stop()
			close(done)
		}()
		select {
		case <-done:
			log.Info().Msg("workers stopped gracefully")
		case <-time.After(15 * time.Second):
			log.Warn().Msg("worker shutdown timeout - forcing exit")
		}
	}

	// 4. Close producer
	s.closeProducer()

	s.wg.Wait()
	log.Info().Msg("server stopped gracefully")
	return nil
}

func (s *Server) closeProducer() {
	if s.producer == nil {
		return
	}
	if err := s.producer.Close(); err != nil {
		log := logger.WithComponent("server")
		log.Error().Err(err).Msg("producer close error")
	}
}

// reportStats periodically logs statistics
func (s *Server) reportStats(ctx context.Context) {
	log := logger.WithComponent("server")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.stats()
			ev := log.Info().
				Str("identity_state", stats.Collector.State).
				Int("pending", stats.Collector.Pending).
				Int("queued", stats.Collector.Queued).
				Uint64("submitted", stats.Collector.Submitted).
				Uint64("dropped", stats.Collector.Dropped)
			if stats.Worker != nil {
				ev = ev.Uint64("worker_processed", stats.Worker.Processed).
					Uint64("worker_failed", stats.Worker.Failed)
			}
			if stats.Producer != nil {
				ev = ev.Uint64("producer_sent", stats.Producer.MessagesSent).
					Uint64("producer_failed", stats.Producer.MessagesFailed)
			}
			ev.Msg("stats")
		}
	}
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Collector collector.Stats      `json:"collector"`
	Worker    *worker.Stats        `json:"worker,omitempty"`
	Producer  *kafka.ProducerStats `json:"producer,omitempty"`
}

func (s *Server) stats() StatsResponse {
	resp := StatsResponse{Collector: s.collector.Stats()}
	if s.workerPool != nil {
		ws := s.workerPool.Stats()
		resp.Worker = &ws
	}
	if s.producer != nil {
		ps := s.producer.Stats()
		resp.Producer = &ps
	}
	return resp
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	IdentityState    string `json:"identity_state"`
	IdentityResolved bool   `json:"identity_resolved"`
	Sink             string `json:"sink"`
	Error            string `json:"error,omitempty"`
	Timestamp        string `json:"timestamp"`
}

// healthHandler reports whether the destination is reachable. An unresolved
// identity is reported but does not make the daemon unhealthy.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	_, resolved := s.collector.Identity()
	resp := HealthResponse{
		Status:           "healthy",
		IdentityState:    s.collector.State().String(),
		IdentityResolved: resolved,
		Sink:             s.cfg.Sink.Type,
		Timestamp:        time.Now().Format(time.RFC3339),
	}
	status := http.StatusOK

	if s.healthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.healthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

// statsHandler returns current statistics
func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventflow_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventflow_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventflow_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_ingest_events_total",
			Help: "Total number of events received over HTTP",
		},
		[]string{"status"}, // status: accepted, rejected
	)

	IngestValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_ingest_validation_errors_total",
			Help: "Total number of validation errors",
		},
		[]string{"error_type"},
	)

	// Core pipeline metrics
	EventsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_events_submitted_total",
			Help: "Total number of events submitted to the collector",
		},
		[]string{"type"},
	)

	IdentityResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_identity_resolutions_total",
			Help: "Identity resolution attempts by outcome",
		},
		[]string{"status"}, // status: resolved, failed, empty
	)

	GatePendingEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventflow_gate_pending_events",
			Help: "Events buffered while waiting for identity resolution",
		},
	)

	GateDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_gate_dropped_total",
			Help: "Events dropped by the identity gate",
		},
		[]string{"reason"}, // reason: overflow, failed
	)

	BatcherQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventflow_batcher_queue_size",
			Help: "Events waiting in the batch queue",
		},
	)

	BatcherFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_batcher_flushes_total",
			Help: "Batch flushes that produced an envelope",
		},
		[]string{"trigger"}, // trigger: timer, manual
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventflow_batch_size",
			Help:    "Number of events per flushed envelope",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	SignaturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_signatures_total",
			Help: "Signature operations by outcome",
		},
		[]string{"op", "result"}, // op: sign, verify
	)

	// Sink metrics
	SinkDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_sink_deliveries_total",
			Help: "Deliveries handed to the sink",
		},
		[]string{"kind", "status"}, // status: success, failed
	)

	SinkDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventflow_sink_delivery_duration_seconds",
			Help:    "Time spent inside the sink per delivery",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	TrackerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_tracker_failures_total",
			Help: "Failures isolated inside event producers",
		},
		[]string{"tracker"},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventflow_worker_queue_size",
			Help: "Current size of the async delivery queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventflow_worker_queue_capacity",
			Help: "Capacity of the async delivery queue",
		},
	)

	WorkerDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventflow_worker_dropped_total",
			Help: "Deliveries dropped because the async queue was full",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventflow_worker_processed_total",
			Help: "Total number of deliveries published by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventflow_worker_failed_total",
			Help: "Total number of deliveries that failed in workers",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventflow_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch of deliveries",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventflow_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventflow_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventflow_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventflow_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)

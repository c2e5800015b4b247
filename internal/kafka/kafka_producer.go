package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"eventflow/internal/codec"
	"eventflow/internal/config"
	"eventflow/internal/logger"
	"eventflow/internal/metrics"
	"eventflow/internal/models"
	"eventflow/internal/sink"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// Message header keys.
const (
	HeaderIdentity    = "identity"
	HeaderKind        = "kind"
	HeaderEventCount  = "event_count"
	HeaderDeliveryID  = "delivery_id"
	HeaderSignature   = "signature"
	HeaderContentType = "content_type"
)

// kafkaWriter is the part of *kafka.Writer the retry loop uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer publishes deliveries to a Kafka topic through a pool of writers,
// with retry and compression. It satisfies both sink.Sink and
// worker.Publisher.
type Producer struct {
	cfg     config.ProducerConfig
	brokers []string
	topic   string
	codec   codec.Codec
	writers []*kafka.Writer
	pool    chan *kafka.Writer
	closed  atomic.Bool

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// ProducerOption is a functional option for configuring the producer
type ProducerOption func(*Producer)

// WithCodec selects the message value encoding. JSON is the default.
func WithCodec(c codec.Codec) ProducerOption {
	return func(p *Producer) {
		if c != nil {
			p.codec = c
		}
	}
}

// NewProducer creates a new Kafka producer with the given configuration.
// Writers connect lazily, so this does not contact the brokers.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	p := &Producer{
		cfg:     cfg,
		brokers: brokers,
		topic:   topic,
		codec:   codec.JSON{},
		writers: make([]*kafka.Writer, cfg.PoolSize),
		pool:    make(chan *kafka.Writer, cfg.PoolSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	compression := getCompression(cfg.Compression)
	for i := 0; i < cfg.PoolSize; i++ {
		writer := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // same identity, same partition
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression,
			MaxAttempts:  1, // retries are handled here
		}
		p.writers[i] = writer
		p.pool <- writer
	}

	return p, nil
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// buildMessage encodes d and attaches the routing headers.
func (p *Producer) buildMessage(d models.Delivery) (kafka.Message, error) {
	data, err := p.codec.Marshal(d)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	headers := []kafka.Header{
		{Key: HeaderIdentity, Value: []byte(d.Subject())},
		{Key: HeaderKind, Value: []byte(d.Kind())},
		{Key: HeaderEventCount, Value: []byte(strconv.Itoa(d.Len()))},
		{Key: HeaderDeliveryID, Value: []byte(uuid.NewString())},
		{Key: HeaderContentType, Value: []byte(p.codec.ContentType())},
	}
	if sig := d.Signed(); sig != "" {
		headers = append(headers, kafka.Header{Key: HeaderSignature, Value: []byte(sig)})
	}

	return kafka.Message{
		Key:     []byte(d.Subject()),
		Value:   data,
		Headers: headers,
		Time:    time.Now(),
	}, nil
}

// Deliver implements sink.Sink.
func (p *Producer) Deliver(ctx context.Context, d models.Delivery) error {
	return p.Publish(ctx, d)
}

// Publish sends one delivery to Kafka.
func (p *Producer) Publish(ctx context.Context, d models.Delivery) error {
	return p.PublishBatch(ctx, []models.Delivery{d})
}

// PublishBatch sends deliveries in a single write. When some deliveries
// fail to encode or to write, the others are still written and the error is
// a *sink.BatchError naming the failed positions.
func (p *Producer) PublishBatch(ctx context.Context, ds []models.Delivery) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(ds) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	start := time.Now()

	var (
		failed []int
		errs   []error
	)
	messages := make([]kafka.Message, 0, len(ds))
	// origin maps a message position back to its delivery position.
	origin := make([]int, 0, len(ds))
	for i, d := range ds {
		msg, err := p.buildMessage(d)
		if err != nil {
			log.Error().
				Err(err).
				Str("kind", string(d.Kind())).
				Str("identity", d.Subject()).
				Msg("failed to serialize delivery")
			p.messagesFailed.Add(1)
			metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
			failed = append(failed, i)
			errs = append(errs, err)
			continue
		}
		messages = append(messages, msg)
		origin = append(origin, i)
	}

	if len(messages) > 0 {
		unwritten, err := p.write(ctx, messages)
		duration := time.Since(start)
		metrics.KafkaPublishDuration.Observe(duration.Seconds())

		if err != nil {
			log.Error().
				Err(err).
				Int("batch_size", len(messages)).
				Int("failed", len(unwritten)).
				Dur("duration", duration).
				Msg("failed to publish to kafka")
			p.messagesFailed.Add(uint64(len(unwritten)))
			metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(unwritten)))
			for _, m := range unwritten {
				failed = append(failed, origin[m])
			}
			errs = append(errs, err)
		} else {
			log.Debug().
				Int("batch_size", len(messages)).
				Dur("duration", duration).
				Msg("published to kafka")
		}

		p.recordWritten(messages, unwritten)
	}

	if len(failed) == 0 {
		return nil
	}
	sort.Ints(failed)
	return &sink.BatchError{Failed: failed, Err: errors.Join(errs...)}
}

// recordWritten counts every message not listed in unwritten as sent.
func (p *Producer) recordWritten(messages []kafka.Message, unwritten []int) {
	skip := make(map[int]bool, len(unwritten))
	for _, m := range unwritten {
		skip[m] = true
	}

	var sent, bytesTotal uint64
	for i, msg := range messages {
		if skip[i] {
			continue
		}
		sent++
		bytesTotal += uint64(len(msg.Value))
	}
	p.messagesSent.Add(sent)
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(sent))
	p.bytesWritten.Add(bytesTotal)
	metrics.KafkaBytesWritten.Add(float64(bytesTotal))
}

// write takes a writer from the pool and writes messages with retry. It
// returns the positions of the messages that were not written.
func (p *Producer) write(ctx context.Context, messages []kafka.Message) ([]int, error) {
	var writer *kafka.Writer
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		return allPositions(len(messages)), ctx.Err()
	}
	return p.writeWithRetry(ctx, writer, messages)
}

func allPositions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// writeWithRetry writes messages with exponential backoff between attempts.
// After a partial write only the messages kafka reported as failed are sent
// again.
func (p *Producer) writeWithRetry(ctx context.Context, writer kafkaWriter, messages []kafka.Message) ([]int, error) {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	pending := allPositions(len(messages))
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(pending)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")
			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return pending, ctx.Err()
			}
		}

		batch := make([]kafka.Message, len(pending))
		for i, m := range pending {
			batch[i] = messages[m]
		}

		err := writer.WriteMessages(ctx, batch...)
		if err == nil {
			return nil, nil
		}
		lastErr = err

		var writeErrs kafka.WriteErrors
		if errors.As(err, &writeErrs) && len(writeErrs) == len(pending) {
			still := pending[:0:0]
			for i, werr := range writeErrs {
				if werr != nil {
					still = append(still, pending[i])
				}
			}
			pending = still
			if len(pending) == 0 {
				return nil, nil
			}
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return pending, err
		}
	}

	return pending, fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer metrics
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// HealthCheck dials the first reachable broker.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no broker reachable: %w", lastErr)
}

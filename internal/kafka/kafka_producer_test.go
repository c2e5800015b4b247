package kafka

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventflow/internal/codec"
	"eventflow/internal/config"
	"eventflow/internal/models"
	"eventflow/internal/sink"
)

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

func header(msg kafka.Message, key string) (string, bool) {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func newTestProducer(t *testing.T, opts ...ProducerOption) *Producer {
	t.Helper()
	cfg := config.Default()
	p, err := NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewProducerValidation(t *testing.T) {
	_, err := NewProducer(nil, "topic", config.ProducerConfig{})
	assert.Error(t, err)

	_, err = NewProducer([]string{"localhost:9092"}, "", config.ProducerConfig{})
	assert.Error(t, err)

	p, err := NewProducer([]string{"localhost:9092"}, "topic", config.ProducerConfig{})
	require.NoError(t, err)
	assert.Len(t, p.writers, 4)
	require.NoError(t, p.Close())
}

func TestGetCompression(t *testing.T) {
	assert.Equal(t, compress.Gzip, getCompression("gzip"))
	assert.Equal(t, compress.Snappy, getCompression("snappy"))
	assert.Equal(t, compress.Lz4, getCompression("lz4"))
	assert.Equal(t, compress.Zstd, getCompression("zstd"))
	assert.Equal(t, compress.None, getCompression(""))
}

func TestBuildMessageEnvelope(t *testing.T) {
	p := newTestProducer(t)

	env := models.NewBatchEnvelope([]models.Event{
		models.NewEvent("pageview", 1, nil).WithIdentity("visitor"),
		models.NewEvent("scroll", 2, nil).WithIdentity("visitor"),
	})
	env.Signature = "abc123"

	msg, err := p.buildMessage(env)
	require.NoError(t, err)

	assert.Equal(t, "visitor", string(msg.Key))
	assert.Contains(t, string(msg.Value), `"identity":"visitor"`)

	kind, _ := header(msg, HeaderKind)
	assert.Equal(t, "batch", kind)
	count, _ := header(msg, HeaderEventCount)
	assert.Equal(t, "2", count)
	sig, ok := header(msg, HeaderSignature)
	assert.True(t, ok)
	assert.Equal(t, "abc123", sig)
	id, _ := header(msg, HeaderDeliveryID)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	ct, _ := header(msg, HeaderContentType)
	assert.Equal(t, "application/json", ct)
}

func TestBuildMessageUnsignedEvent(t *testing.T) {
	c, err := codec.New("cbor")
	require.NoError(t, err)
	p := newTestProducer(t, WithCodec(c))

	msg, err := p.buildMessage(models.NewEvent("custom", 1, nil).WithIdentity("x"))
	require.NoError(t, err)

	_, ok := header(msg, HeaderSignature)
	assert.False(t, ok)
	kind, _ := header(msg, HeaderKind)
	assert.Equal(t, "event", kind)
	ct, _ := header(msg, HeaderContentType)
	assert.Equal(t, "application/cbor", ct)
}

func TestPublishAfterClose(t *testing.T) {
	p := newTestProducer(t)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.Publish(context.Background(), models.NewEvent("x", 1, nil))
	assert.ErrorIs(t, err, ErrProducerClosed)
	assert.ErrorIs(t, p.HealthCheck(context.Background()), ErrProducerClosed)
}

func TestPublishBatchEmpty(t *testing.T) {
	p := newTestProducer(t)
	assert.NoError(t, p.PublishBatch(context.Background(), nil))
}

// scriptedWriter fails the messages whose key is listed in failOnce on the
// first write that contains them.
type scriptedWriter struct {
	failOnce map[string]bool
	calls    [][]string
}

func (w *scriptedWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	keys := make([]string, len(msgs))
	werrs := make(kafka.WriteErrors, len(msgs))
	var failed bool
	for i, m := range msgs {
		keys[i] = string(m.Key)
		if w.failOnce[keys[i]] {
			delete(w.failOnce, keys[i])
			werrs[i] = errors.New("leader not available")
			failed = true
		}
	}
	w.calls = append(w.calls, keys)
	if failed {
		return werrs
	}
	return nil
}

func messages(keys ...string) []kafka.Message {
	out := make([]kafka.Message, len(keys))
	for i, k := range keys {
		out[i] = kafka.Message{Key: []byte(k)}
	}
	return out
}

func TestWriteWithRetryResendsOnlyFailedMessages(t *testing.T) {
	cfg := config.Default().Kafka.Producer
	cfg.RetryBackoff = time.Millisecond
	p, err := NewProducer([]string{"localhost:9092"}, "t", cfg)
	require.NoError(t, err)

	w := &scriptedWriter{failOnce: map[string]bool{"b": true}}
	unwritten, err := p.writeWithRetry(context.Background(), w, messages("a", "b", "c"))
	require.NoError(t, err)
	assert.Empty(t, unwritten)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"b"}}, w.calls)
}

type downWriter struct{ calls int }

func (w *downWriter) WriteMessages(context.Context, ...kafka.Message) error {
	w.calls++
	return errors.New("connection refused")
}

func TestWriteWithRetryReportsUnwritten(t *testing.T) {
	cfg := config.Default().Kafka.Producer
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	p, err := NewProducer([]string{"localhost:9092"}, "t", cfg)
	require.NoError(t, err)

	w := &downWriter{}
	unwritten, err := p.writeWithRetry(context.Background(), w, messages("a", "b"))
	require.Error(t, err)
	assert.Equal(t, []int{0, 1}, unwritten)
	assert.Equal(t, 3, w.calls)
}

func TestRecordWrittenSkipsUnwritten(t *testing.T) {
	p := newTestProducer(t)
	msgs := []kafka.Message{{Value: []byte("aa")}, {Value: []byte("bbb")}, {Value: []byte("c")}}

	p.recordWritten(msgs, []int{1})

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.MessagesSent)
	assert.Equal(t, uint64(3), stats.BytesWritten)
}

func TestPublishBatchReportsUnencodable(t *testing.T) {
	p := newTestProducer(t)
	bad := models.NewEvent("e", 1, models.Payload{"fn": func() {}}).WithIdentity("x")

	err := p.PublishBatch(context.Background(), []models.Delivery{bad})
	var batchErr *sink.BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, []int{0}, batchErr.Failed)
	assert.ErrorIs(t, err, ErrSerializeFailed)
	assert.Equal(t, uint64(1), p.Stats().MessagesFailed)
	assert.Zero(t, p.Stats().MessagesSent)
}

func TestProducerPublish(t *testing.T) {
	skipIfNoKafka(t)
	p := newTestProducer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, p.HealthCheck(ctx))
	require.NoError(t, p.Publish(ctx, models.NewEvent("pageview", time.Now().UnixMilli(), nil).WithIdentity("it")))
	assert.Equal(t, uint64(1), p.Stats().MessagesSent)
}

func TestProducerPublishBatch(t *testing.T) {
	skipIfNoKafka(t)
	p := newTestProducer(t)

	ds := make([]models.Delivery, 10)
	for i := range ds {
		ds[i] = models.NewEvent("pageview", int64(i+1), nil).WithIdentity("it")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.PublishBatch(ctx, ds))

	stats := p.Stats()
	assert.Equal(t, uint64(10), stats.MessagesSent)
	assert.NotZero(t, stats.BytesWritten)
}

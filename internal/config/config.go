package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"eventflow/internal/signer"
	"eventflow/internal/sink"
)

// Sink types selectable from configuration.
const (
	SinkLog   = "log"
	SinkKafka = "kafka"
	SinkHTTP  = "http"
)

// Identity modes selectable from configuration.
const (
	IdentityHost   = "host"
	IdentityRandom = "random"
	IdentityStatic = "static"
)

// Config holds runtime configuration for the collector daemon.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Collector CollectorConfig `yaml:"collector"`
	Signing   signer.Options  `yaml:"signing"`
	Identity  IdentityConfig  `yaml:"identity"`
	Server    ServerConfig    `yaml:"server"`
	Sink      SinkConfig      `yaml:"sink"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	HTTPSink  sink.HTTPConfig `yaml:"http_sink"`
	Worker    WorkerConfig    `yaml:"worker"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// CollectorConfig covers the identity gate and batcher.
type CollectorConfig struct {
	EnableBatching bool          `yaml:"enable_batching"`
	BatchInterval  time.Duration `yaml:"batch_interval"`
	// Debug enables diagnostic logging; it has no behavioral effect.
	Debug bool `yaml:"debug"`
	// PendingLimit caps events held before the identity resolves. Negative
	// means unbounded.
	PendingLimit int           `yaml:"pending_limit"`
	SinkTimeout  time.Duration `yaml:"sink_timeout"`
}

type IdentityConfig struct {
	Mode   string `yaml:"mode"`
	Static string `yaml:"static"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	AuthToken    string        `yaml:"auth_token"`
	MaxBodySize  int64         `yaml:"max_body_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type SinkConfig struct {
	Type string `yaml:"type"`
	// Async hands deliveries to the worker pool instead of calling the
	// destination inline.
	Async bool `yaml:"async"`
}

type KafkaConfig struct {
	Brokers  []string       `yaml:"brokers"`
	Topic    string         `yaml:"topic"`
	Codec    string         `yaml:"codec"`
	Producer ProducerConfig `yaml:"producer"`
}

// ProducerConfig tunes the Kafka writer pool.
type ProducerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type WorkerConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads YAML from path, applies defaults and environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse is Load for an in-memory document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Collector.BatchInterval == 0 {
		c.Collector.BatchInterval = 2 * time.Second
	}
	if c.Collector.PendingLimit == 0 {
		c.Collector.PendingLimit = 1000
	}
	if c.Collector.SinkTimeout == 0 {
		c.Collector.SinkTimeout = 10 * time.Second
	}
	if c.Identity.Mode == "" {
		c.Identity.Mode = IdentityHost
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxBodySize == 0 {
		c.Server.MaxBodySize = 10 * 1024 * 1024 // 10MB
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Sink.Type == "" {
		c.Sink.Type = SinkLog
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "eventflow-events"
	}
	if c.Kafka.Codec == "" {
		c.Kafka.Codec = "json"
	}
	p := &c.Kafka.Producer
	if p.PoolSize == 0 {
		p.PoolSize = 4
	}
	if p.BatchSize == 0 {
		p.BatchSize = 100
	}
	if p.BatchTimeout == 0 {
		p.BatchTimeout = 10 * time.Millisecond
	}
	if p.WriteTimeout == 0 {
		p.WriteTimeout = 10 * time.Second
	}
	if p.RequiredAcks == 0 {
		p.RequiredAcks = 1
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.RetryBackoff == 0 {
		p.RetryBackoff = 100 * time.Millisecond
	}
	if c.Worker.Workers == 0 {
		c.Worker.Workers = 1
	}
	if c.Worker.QueueSize == 0 {
		c.Worker.QueueSize = 1000
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 100
	}
	if c.Worker.BatchTimeout == 0 {
		c.Worker.BatchTimeout = 100 * time.Millisecond
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("EVENTFLOW_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("EVENTFLOW_SIGNING_SECRET"); v != "" {
		c.Signing.SecretKey = v
	}
	if v := os.Getenv("EVENTFLOW_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Collector.BatchInterval < 0 {
		return fmt.Errorf("collector.batch_interval must be positive")
	}
	if c.Signing.SecretKey != "" {
		if _, err := signer.New(c.Signing); err != nil {
			return fmt.Errorf("signing: %w", err)
		}
	}
	switch c.Identity.Mode {
	case IdentityHost, IdentityRandom:
	case IdentityStatic:
		if c.Identity.Static == "" {
			return fmt.Errorf("identity.static is required when identity.mode is static")
		}
	default:
		return fmt.Errorf("identity.mode %q is not supported", c.Identity.Mode)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Sink.Type {
	case SinkLog:
	case SinkKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required for the kafka sink")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required for the kafka sink")
		}
	case SinkHTTP:
		if c.HTTPSink.URL == "" {
			return fmt.Errorf("http_sink.url is required for the http sink")
		}
	default:
		return fmt.Errorf("sink.type %q is not supported", c.Sink.Type)
	}
	return nil
}

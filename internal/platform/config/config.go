package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Sink kinds accepted in SINK_KIND.
const (
	SinkPostgres = "postgres"
	SinkKafka    = "kafka"
	SinkStdout   = "stdout"
)

// Config is the full process configuration.
type Config struct {
	Kafka    Kafka
	Registry Registry
	Dedup    Dedup
	Redis    Redis
	Batch    Batch
	Sink     Sink
	Spill    Spill
	Ops      Ops
	Log      Log
	Tracing  Tracing
}

// Kafka configures the upstream consumer.
type Kafka struct {
	Brokers     []string
	Topic       string
	Group       string
	CreateTopic bool
	Partitions  int32
}

// Registry points at the device public key file.
type Registry struct {
	Path string
}

// Dedup bounds the in-process duplicate cache.
type Dedup struct {
	Capacity int
	TTL      time.Duration
}

// Redis configures the shared dedup cache. An empty URL disables it.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Enabled reports whether a Redis URL was given.
func (r Redis) Enabled() bool { return r.URL != "" }

// Batch configures per-shard flush thresholds.
type Batch struct {
	MaxEvents int
	MaxDelay  time.Duration
}

// Sink selects and configures the durable store.
type Sink struct {
	Kind        string
	PostgresDSN string
	Table       string
	Topic       string
	RetryMax    int
}

// Spill configures the local queue for undeliverable batches. An empty Path
// disables it.
type Spill struct {
	Path           string
	ReplayInterval time.Duration
}

// Ops configures the metrics and health server.
type Ops struct {
	Addr string
}

// Log selects handler and level.
type Log struct {
	Level  string
	Format string
}

// Tracing enables OTLP export when Endpoint is set.
type Tracing struct {
	Endpoint    string
	ServiceName string
}

// FromEnv loads .env from the working directory when present, then reads the
// environment.
func FromEnv() (Config, error) {
	return Load(".env")
}

// Load reads dotenv into the environment without overriding variables that
// are already set, then builds the Config. A missing dotenv file is not an
// error.
func Load(dotenv string) (Config, error) {
	if dotenv != "" {
		if _, err := os.Stat(dotenv); err == nil {
			if err := godotenv.Load(dotenv); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", dotenv, err)
			}
		}
	}

	p := &parser{}
	cfg := Config{
		Kafka: Kafka{
			Brokers:     splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:       p.str("KAFKA_TOPIC", "telemetry.envelopes"),
			Group:       p.str("KAFKA_CONSUMER_GROUP", "myco-ingestor"),
			CreateTopic: p.boolean("KAFKA_CREATE_TOPIC", false),
			Partitions:  int32(p.integer("KAFKA_TOPIC_PARTITIONS", 3)),
		},
		Registry: Registry{
			Path: os.Getenv("DEVICE_REGISTRY_PATH"),
		},
		Dedup: Dedup{
			Capacity: p.integer("DEDUP_CAPACITY", 500_000),
			TTL:      p.millis("DEDUP_TTL_MS", 48*time.Hour),
		},
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     p.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  p.millis("REDIS_TIMEOUT_MS", 500*time.Millisecond),
			WriteTimeout: p.millis("REDIS_TIMEOUT_MS", 500*time.Millisecond),
		},
		Batch: Batch{
			MaxEvents: p.integer("BATCH_MAX_EVENTS", 200),
			MaxDelay:  p.millis("BATCH_MAX_MS", 2*time.Second),
		},
		Sink: Sink{
			Kind:        strings.ToLower(p.str("SINK_KIND", SinkPostgres)),
			PostgresDSN: os.Getenv("POSTGRES_DSN"),
			Table:       p.str("SINK_TABLE", "telemetry_raw"),
			Topic:       p.str("SINK_TOPIC", "telemetry.verified"),
			RetryMax:    p.integer("SINK_RETRY_MAX", 5),
		},
		Spill: Spill{
			Path:           p.strAllowEmpty("SPILL_PATH", "spill.db"),
			ReplayInterval: p.millis("SPILL_REPLAY_INTERVAL_MS", 30*time.Second),
		},
		Ops: Ops{
			Addr: p.str("OPS_ADDR", ":9090"),
		},
		Log: Log{
			Level:  strings.ToLower(p.str("LOG_LEVEL", "info")),
			Format: strings.ToLower(p.str("LOG_FORMAT", "json")),
		},
		Tracing: Tracing{
			Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName: p.str("OTEL_SERVICE_NAME", "myco-ingestor"),
		},
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if c.Registry.Path == "" {
		errs = append(errs, errors.New("DEVICE_REGISTRY_PATH is required"))
	}
	switch c.Sink.Kind {
	case SinkPostgres:
		if c.Sink.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required when SINK_KIND=postgres"))
		}
	case SinkKafka, SinkStdout:
	default:
		errs = append(errs, fmt.Errorf("SINK_KIND %q is not one of postgres, kafka, stdout", c.Sink.Kind))
	}
	if c.Dedup.Capacity <= 0 {
		errs = append(errs, errors.New("DEDUP_CAPACITY must be positive"))
	}
	if c.Dedup.TTL <= 0 {
		errs = append(errs, errors.New("DEDUP_TTL_MS must be positive"))
	}
	if c.Batch.MaxEvents <= 0 {
		errs = append(errs, errors.New("BATCH_MAX_EVENTS must be positive"))
	}
	if c.Batch.MaxDelay <= 0 {
		errs = append(errs, errors.New("BATCH_MAX_MS must be positive"))
	}
	if c.Sink.RetryMax <= 0 {
		errs = append(errs, errors.New("SINK_RETRY_MAX must be positive"))
	}
	if c.Kafka.Partitions <= 0 {
		errs = append(errs, errors.New("KAFKA_TOPIC_PARTITIONS must be positive"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not one of json, text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// parser keeps the first parse error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, raw, err)
	}
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// strAllowEmpty distinguishes unset (default) from explicitly empty.
func (p *parser) strAllowEmpty(key, def string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return strings.TrimSpace(v)
}

func (p *parser) integer(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return n
}

func (p *parser) millis(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func (p *parser) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package pipeline wires one envelope through decode, verify, dedup,
// normalize and batch. A Pipeline holds what shards share; each Shard owns
// its aggregator and processes one upstream partition in order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"myco/internal/batch"
	"myco/internal/dedup"
	"myco/internal/envelope"
	"myco/internal/normalize"
	"myco/internal/sink"
	"myco/internal/stream"
	"myco/internal/verify"
)

// ErrDuplicate marks an authentic envelope already admitted in the
// retention window.
var ErrDuplicate = errors.New("duplicate envelope")

// Verifier authenticates a decoded envelope.
type Verifier interface {
	Verify(env *envelope.Envelope) error
}

// Pipeline is safe for concurrent use by many shards.
type Pipeline struct {
	verifier  Verifier
	cache     dedup.Cache
	sink      sink.Sink
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
	batchOpts []batch.Option
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithBatchOptions applies opts to every shard's aggregator.
func WithBatchOptions(opts ...batch.Option) Option {
	return func(p *Pipeline) {
		p.batchOpts = append(p.batchOpts, opts...)
	}
}

// WithClock overrides the ingest timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a pipeline.
func New(verifier Verifier, cache dedup.Cache, s sink.Sink, opts ...Option) (*Pipeline, error) {
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if cache == nil {
		return nil, errors.New("dedup cache is required")
	}
	if s == nil {
		return nil, errors.New("sink is required")
	}
	p := &Pipeline{
		verifier: verifier,
		cache:    cache,
		sink:     s,
		logger:   slog.Default(),
		tracer:   otel.Tracer("myco/internal/pipeline"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ShardOption configures a Shard.
type ShardOption func(*shardConfig)

type shardConfig struct {
	commit stream.Committer
}

// WithCommitter marks the last offset of every delivered batch.
func WithCommitter(commit stream.Committer) ShardOption {
	return func(c *shardConfig) {
		c.commit = commit
	}
}

// NewShard creates a shard with its own aggregator.
func (p *Pipeline) NewShard(id string, opts ...ShardOption) (*Shard, error) {
	var cfg shardConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	batchOpts := append([]batch.Option{
		batch.WithShard(id),
		batch.WithLogger(p.logger),
	}, p.batchOpts...)
	if cfg.commit != nil {
		commit := cfg.commit
		batchOpts = append(batchOpts, batch.WithOnDelivered(func(_ context.Context, b []normalize.Record) {
			commit(b[len(b)-1].Offset)
		}))
	}

	agg, err := batch.New(p.sink, batchOpts...)
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", id, err)
	}
	return &Shard{id: id, p: p, agg: agg}, nil
}

// Shard processes one ordered stream. Process and Handle must be called
// from a single goroutine.
type Shard struct {
	id  string
	p   *Pipeline
	agg *batch.Aggregator
}

// Process runs one message through the pipeline. It returns nil when the
// record was admitted, ErrDuplicate for a repeat, and the decode or
// verification error otherwise.
func (s *Shard) Process(ctx context.Context, msg *stream.Message) error {
	env, format, err := envelope.Decode(msg.Value)
	if err != nil {
		return err
	}
	if s.p.metrics != nil {
		s.p.metrics.IncDecoded(string(format))
	}

	if err := s.verify(ctx, env); err != nil {
		return err
	}

	// Dedup runs after verification so forged envelopes cannot occupy keys.
	// The claim is the upstream position, so re-reading an uncommitted
	// record after a crash or rebalance is admitted again.
	key := dedup.NewKey(env.DeviceID, env.MessageID)
	seen, err := s.p.cache.CheckAndMark(ctx, key, dedup.Position(msg.Topic, msg.Partition, msg.Offset))
	if err != nil {
		// Admit on cache failure; the sink's primary key absorbs the repeat.
		s.p.logger.WarnContext(ctx, "dedup check failed, admitting",
			"shard", s.id,
			"key", key.String(),
			"error", err,
		)
	}
	if seen {
		return fmt.Errorf("%s: %w", key, ErrDuplicate)
	}

	rec := normalize.Normalize(env, msg.Value, normalize.Arrival{
		Topic:      msg.Topic,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		EnqueuedAt: msg.EnqueuedAt,
		IngestedAt: s.p.now(),
	})
	return s.agg.Append(ctx, rec)
}

func (s *Shard) verify(ctx context.Context, env *envelope.Envelope) error {
	_, span := s.p.tracer.Start(ctx, "envelope.verify", trace.WithAttributes(
		attribute.String("device.id", env.DeviceID),
	))
	defer span.End()

	err := s.p.verifier.Verify(env)
	if err != nil {
		span.SetStatus(codes.Error, verify.Reason(err))
	}
	return err
}

// Handle processes msg, logging and counting the outcome. One bad envelope
// never stops the shard.
func (s *Shard) Handle(ctx context.Context, msg *stream.Message) {
	err := s.Process(ctx, msg)
	reason := Reason(err)
	if s.p.metrics != nil {
		s.p.metrics.ObserveOutcome(reason)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate):
		s.p.logger.DebugContext(ctx, "duplicate envelope skipped",
			"shard", s.id,
			"offset", msg.Offset,
			"error", err,
		)
	default:
		s.p.logger.WarnContext(ctx, "envelope rejected",
			"shard", s.id,
			"reason", reason,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"error", err,
		)
	}
}

// Flush delivers the shard's pending records.
func (s *Shard) Flush(ctx context.Context) error {
	return s.agg.Flush(ctx)
}

// Close flushes and stops the shard.
func (s *Shard) Close(ctx context.Context) error {
	return s.agg.Close(ctx)
}

// Reason maps a Process result to a stable label.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, envelope.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, envelope.ErrDecode):
		return "decode_error"
	case errors.Is(err, batch.ErrClosed):
		return "shard_closed"
	default:
		return verify.Reason(err)
	}
}

// Package batch groups verified records per shard and hands them to the sink
// when a size or latency bound is reached.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"myco/internal/normalize"
	"myco/internal/sink"
)

// Defaults for the flush bounds.
const (
	DefaultMaxSize    = 200
	DefaultMaxLatency = 2 * time.Second
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("aggregator closed")

// Flush triggers, used as a metric label.
const (
	reasonSize  = "size"
	reasonTimer = "timer"
	reasonFlush = "flush"
)

// Aggregator buffers records for one shard. State, guarded by mu:
//
//	pending  records in arrival order, len < maxSize between calls
//	timer    armed iff pending is non-empty and no size flush happened since
//	gen      bumped on every swap; a timer only flushes its own generation
//
// sendMu is taken before mu on every flush, so batches reach the sink in the
// order they were swapped out and a shard never has two sends in flight.
type Aggregator struct {
	sink        sink.Sink
	shard       string
	maxSize     int
	maxLatency  time.Duration
	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	onDelivered func(ctx context.Context, batch []normalize.Record)
	timerCtx    context.Context

	sendMu sync.Mutex

	mu      sync.Mutex
	pending []normalize.Record
	timer   *time.Timer
	gen     uint64
	closed  bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMaxSize sets the record count that triggers an immediate flush.
func WithMaxSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxSize = n
		}
	}
}

// WithMaxLatency sets how long the first pending record may wait.
func WithMaxLatency(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.maxLatency = d
		}
	}
}

// WithShard labels logs and metrics.
func WithShard(id string) Option {
	return func(a *Aggregator) {
		a.shard = id
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// WithOnDelivered registers fn to run after each batch the sink accepted.
// It runs with the shard's send lock held, so calls are ordered.
func WithOnDelivered(fn func(ctx context.Context, batch []normalize.Record)) Option {
	return func(a *Aggregator) {
		a.onDelivered = fn
	}
}

// WithTimerContext sets the context used for timer-triggered flushes.
func WithTimerContext(ctx context.Context) Option {
	return func(a *Aggregator) {
		a.timerCtx = ctx
	}
}

// New creates an aggregator delivering to s.
func New(s sink.Sink, opts ...Option) (*Aggregator, error) {
	if s == nil {
		return nil, errors.New("sink is required")
	}
	a := &Aggregator{
		sink:       s,
		maxSize:    DefaultMaxSize,
		maxLatency: DefaultMaxLatency,
		logger:     slog.Default(),
		tracer:     otel.Tracer("myco/internal/batch"),
		timerCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Append adds rec. Reaching the size bound flushes before returning, which
// holds the caller back while the sink is slow. Delivery failures are logged
// and counted here; Append itself fails only with ErrClosed.
func (a *Aggregator) Append(ctx context.Context, rec normalize.Record) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.pending = append(a.pending, rec)
	full := len(a.pending) >= a.maxSize
	if !full && a.timer == nil {
		gen := a.gen
		a.timer = time.AfterFunc(a.maxLatency, func() { a.flushTimer(gen) })
	}
	a.mu.Unlock()

	if full {
		_ = a.flush(ctx, reasonSize, nil)
	}
	return nil
}

// Flush delivers whatever is pending. An empty buffer is a no-op.
func (a *Aggregator) Flush(ctx context.Context) error {
	return a.flush(ctx, reasonFlush, nil)
}

// Close flushes the remainder and rejects later appends.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return a.flush(ctx, reasonFlush, nil)
}

// Pending returns the number of buffered records.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Aggregator) flushTimer(gen uint64) {
	_ = a.flush(a.timerCtx, reasonTimer, &gen)
}

// flush swaps the pending slice out and delivers it. With onlyGen set, the
// flush is skipped unless the buffer is still in that generation.
func (a *Aggregator) flush(ctx context.Context, reason string, onlyGen *uint64) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	a.mu.Lock()
	if onlyGen != nil && *onlyGen != a.gen {
		a.mu.Unlock()
		return nil
	}
	batch := a.pending
	a.pending = nil
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return a.deliver(ctx, reason, batch)
}

func (a *Aggregator) deliver(ctx context.Context, reason string, batch []normalize.Record) error {
	ctx, span := a.tracer.Start(ctx, "batch.flush", trace.WithAttributes(
		attribute.String("shard", a.shard),
		attribute.String("reason", reason),
		attribute.Int("records", len(batch)),
	))
	defer span.End()

	start := time.Now()
	err := a.sink.Send(ctx, batch)
	if a.metrics != nil {
		a.metrics.ObserveFlush(reason, len(batch), time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sink send failed")
		a.logger.ErrorContext(ctx, "batch lost",
			"shard", a.shard,
			"reason", reason,
			"records", len(batch),
			"first_offset", batch[0].Offset,
			"last_offset", batch[len(batch)-1].Offset,
			"error", err,
		)
		return err
	}

	a.logger.DebugContext(ctx, "batch delivered",
		"shard", a.shard,
		"reason", reason,
		"records", len(batch),
	)
	if a.onDelivered != nil {
		a.onDelivered(ctx, batch)
	}
	return nil
}

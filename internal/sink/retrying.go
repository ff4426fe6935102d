package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"myco/internal/normalize"
)

// DefaultMaxAttempts is how many deliveries are tried before spilling.
const DefaultMaxAttempts = 5

// Spiller durably parks a batch the sink would not take.
type Spiller interface {
	Put(ctx context.Context, batch []normalize.Record) error
}

// Retrying retries delivery with exponential backoff and spills the batch
// once attempts run out. Send fails only when delivery and spill both fail,
// so a sink outage costs latency, not records.
type Retrying struct {
	next        Sink
	spill       Spiller
	maxAttempts uint64
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger
	metrics     *Metrics
}

// RetryOption configures a Retrying sink.
type RetryOption func(*Retrying)

// WithMaxAttempts sets the number of delivery attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(r *Retrying) {
		if n > 0 {
			r.maxAttempts = uint64(n)
		}
	}
}

// WithSpill sets where exhausted batches go. Without one, exhausted batches
// are returned as errors.
func WithSpill(s Spiller) RetryOption {
	return func(r *Retrying) {
		r.spill = s
	}
}

// WithBackOff replaces the exponential policy, typically with
// backoff.ZeroBackOff in tests.
func WithBackOff(newBackOff func() backoff.BackOff) RetryOption {
	return func(r *Retrying) {
		r.newBackOff = newBackOff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RetryOption {
	return func(r *Retrying) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) RetryOption {
	return func(r *Retrying) {
		r.metrics = m
	}
}

// NewRetrying wraps next.
func NewRetrying(next Sink, opts ...RetryOption) (*Retrying, error) {
	if next == nil {
		return nil, errors.New("sink is required")
	}
	r := &Retrying{
		next:        next,
		maxAttempts: DefaultMaxAttempts,
		newBackOff:  defaultBackOff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Send implements Sink.
func (r *Retrying) Send(ctx context.Context, batch []normalize.Record) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	attempt := 0
	op := func() error {
		attempt++
		err := r.next.Send(ctx, batch)
		if err != nil && attempt < int(r.maxAttempts) {
			r.logger.WarnContext(ctx, "sink send failed, retrying",
				"attempt", attempt,
				"records", len(batch),
				"error", err,
			)
			if r.metrics != nil {
				r.metrics.IncRetry()
			}
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.maxAttempts-1), ctx)

	sendErr := backoff.Retry(op, policy)
	if sendErr == nil {
		r.observe("ok", len(batch), start)
		return nil
	}

	if r.spill == nil {
		r.observe("failed", len(batch), start)
		return fmt.Errorf("%w: %d attempts: %w", ErrSink, attempt, sendErr)
	}

	// Spill even when ctx was cancelled by shutdown.
	if err := r.spill.Put(context.WithoutCancel(ctx), batch); err != nil {
		r.observe("failed", len(batch), start)
		r.logger.ErrorContext(ctx, "sink and spill both failed, batch lost",
			"records", len(batch),
			"send_error", sendErr,
			"spill_error", err,
		)
		return fmt.Errorf("%w: %w", ErrSink, errors.Join(sendErr, err))
	}

	r.observe("spilled", len(batch), start)
	r.logger.WarnContext(ctx, "sink unavailable, batch spilled",
		"attempts", attempt,
		"records", len(batch),
		"error", sendErr,
	)
	return nil
}

func (r *Retrying) observe(result string, n int, start time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveSend(result, n, time.Since(start))
	}
}

// Close closes the wrapped sink.
func (r *Retrying) Close() error {
	return r.next.Close()
}

package dedup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"myco/pkg/platform/circuit"
)

// Fallback checks a shared primary cache and falls back to a local one while
// the primary is failing. Every key is also marked locally, so duplicates
// delivered to this process are still caught during an outage.
//
// CheckAndMark never returns an error: dedup is best-effort and the pipeline
// must not stall on a cache outage.
type Fallback struct {
	primary Cache
	local   Cache
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *Metrics
}

// FallbackOption configures a Fallback.
type FallbackOption func(*Fallback)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FallbackOption {
	return func(f *Fallback) {
		f.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) FallbackOption {
	return func(f *Fallback) {
		f.metrics = m
	}
}

// WithBreaker replaces the default breaker (open after 5 failures, close
// after 3 successes, probe once per second while open).
func WithBreaker(b *circuit.Breaker) FallbackOption {
	return func(f *Fallback) {
		f.breaker = b
	}
}

// NewFallback wraps primary with local.
func NewFallback(primary, local Cache, opts ...FallbackOption) (*Fallback, error) {
	if primary == nil || local == nil {
		return nil, errors.New("primary and local caches are required")
	}
	f := &Fallback{
		primary: primary,
		local:   local,
		breaker: circuit.New("dedup", circuit.WithProbeInterval(time.Second)),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// CheckAndMark implements Cache.
func (f *Fallback) CheckAndMark(ctx context.Context, key Key, claim string) (bool, error) {
	localSeen, _ := f.local.CheckAndMark(ctx, key, claim)

	if !f.breaker.Allow() {
		f.observeFallback()
		f.observe(localSeen)
		return localSeen, nil
	}

	seen, err := f.primary.CheckAndMark(ctx, key, claim)
	if err != nil {
		useFallback, change := f.breaker.RecordFailure()
		if change.Opened {
			f.logger.WarnContext(ctx, "dedup circuit opened, using local cache",
				"breaker", f.breaker.Name(),
				"error", err,
			)
			f.setOpen(true)
		}
		if !useFallback {
			f.logger.DebugContext(ctx, "dedup primary failed", "key", key.String(), "error", err)
		}
		f.observeFallback()
		f.observe(localSeen)
		return localSeen, nil
	}

	if _, change := f.breaker.RecordSuccess(); change.Closed {
		f.logger.InfoContext(ctx, "dedup circuit closed, primary restored", "breaker", f.breaker.Name())
		f.setOpen(false)
	}
	f.observe(seen)
	return seen, nil
}

func (f *Fallback) observe(seen bool) {
	if f.metrics != nil {
		f.metrics.IncLookup(seen)
	}
}

func (f *Fallback) observeFallback() {
	if f.metrics != nil {
		f.metrics.IncFallback()
	}
}

func (f *Fallback) setOpen(open bool) {
	if f.metrics != nil {
		f.metrics.SetCircuitOpen(open)
	}
}

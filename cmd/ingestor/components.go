package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"myco/internal/dedup"
	"myco/internal/platform/config"
	"myco/internal/platform/httpserver"
	"myco/internal/platform/postgres"
	platformredis "myco/internal/platform/redis"
	"myco/internal/sink"
	"myco/internal/spill"
)

type dedupCache struct {
	dedup.Cache
	close func()
}

// buildDedup returns the in-memory cache, fronted by Redis when a URL is
// configured. An unreachable Redis at startup is fatal; later outages fall
// back to the local cache.
func buildDedup(ctx context.Context, cfg config.Config, log *slog.Logger, reg prometheus.Registerer) (*dedupCache, error) {
	local := dedup.NewMemory(cfg.Dedup.Capacity, cfg.Dedup.TTL)
	if !cfg.Redis.Enabled() {
		return &dedupCache{Cache: local, close: func() {}}, nil
	}

	client, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	shared, err := dedup.NewRedis(client.Client, cfg.Dedup.TTL)
	if err != nil {
		client.Close()
		return nil, err
	}
	cache, err := dedup.NewFallback(shared, local,
		dedup.WithLogger(log),
		dedup.WithMetrics(dedup.NewMetrics(reg)),
	)
	if err != nil {
		client.Close()
		return nil, err
	}
	// Not a readiness check: a Redis outage degrades to the local cache.
	return &dedupCache{Cache: cache, close: func() { _ = client.Close() }}, nil
}

type sinkStack struct {
	raw      sink.Sink
	delivery sink.Sink
	spill    *spill.Queue
	closers  []func() error
}

func (s *sinkStack) close(log *slog.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn("close sink resource", "error", err)
		}
	}
}

// buildSink creates the configured store and wraps it in retries that spill
// to the local queue once attempts are exhausted.
func buildSink(ctx context.Context, cfg config.Config, log *slog.Logger, reg prometheus.Registerer, checks *[]httpserver.Check) (*sinkStack, error) {
	stack := &sinkStack{}
	fail := func(err error) (*sinkStack, error) {
		stack.close(log)
		return nil, err
	}

	switch cfg.Sink.Kind {
	case config.SinkPostgres:
		pool, err := postgres.New(ctx, cfg.Sink.PostgresDSN)
		if err != nil {
			return fail(err)
		}
		stack.closers = append(stack.closers, func() error { pool.Close(); return nil })
		*checks = append(*checks, httpserver.Check{Name: "postgres", Probe: pool.Health})

		pg, err := sink.NewPostgres(pool.Pool, sink.WithTable(cfg.Sink.Table), sink.WithPostgresLogger(log))
		if err != nil {
			return fail(err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		stack.raw = pg

	case config.SinkKafka:
		producer, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Kafka.Brokers...),
			kgo.RequiredAcks(kgo.AllISRAcks()),
		)
		if err != nil {
			return fail(fmt.Errorf("create kafka producer: %w", err))
		}
		stack.closers = append(stack.closers, func() error { producer.Close(); return nil })
		*checks = append(*checks, httpserver.Check{Name: "kafka_sink", Probe: producer.Ping})

		ks, err := sink.NewKafka(producer, cfg.Sink.Topic)
		if err != nil {
			return fail(err)
		}
		stack.raw = ks

	default:
		stack.raw = sink.NewWriter(os.Stdout)
	}

	retryOpts := []sink.RetryOption{
		sink.WithMaxAttempts(cfg.Sink.RetryMax),
		sink.WithLogger(log),
		sink.WithMetrics(sink.NewMetrics(reg)),
	}
	if cfg.Spill.Path != "" {
		q, err := spill.Open(cfg.Spill.Path,
			spill.WithLogger(log),
			spill.WithMetrics(spill.NewMetrics(reg)),
		)
		if err != nil {
			return fail(err)
		}
		stack.closers = append(stack.closers, q.Close)
		stack.spill = q
		retryOpts = append(retryOpts, sink.WithSpill(q))
		if n := q.Len(); n > 0 {
			log.Warn("spill queue has pending batches from a previous run", "batches", n)
		}
	}

	delivery, err := sink.NewRetrying(stack.raw, retryOpts...)
	if err != nil {
		return fail(err)
	}
	stack.delivery = delivery
	// Closing the retrying sink closes the store it wraps.
	stack.closers = append(stack.closers, delivery.Close)
	return stack, nil
}

// logOutput sends logs to stderr when stdout carries the records.
func logOutput(sinkKind string) io.Writer {
	if sinkKind == config.SinkStdout {
		return os.Stderr
	}
	return os.Stdout
}

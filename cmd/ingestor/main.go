// ingestor consumes signed telemetry envelopes from Kafka, verifies and
// deduplicates them, and writes verified records in batches to the
// configured sink.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"myco/internal/batch"
	"myco/internal/pipeline"
	"myco/internal/platform/config"
	"myco/internal/platform/httpserver"
	"myco/internal/platform/logger"
	"myco/internal/platform/metrics"
	"myco/internal/platform/tracing"
	"myco/internal/registry"
	"myco/internal/stream"
	"myco/internal/verify"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ingestor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.NewWithWriter(logOutput(cfg.Sink.Kind), cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	reg := metrics.NewRegistry()
	var checks []httpserver.Check

	devices, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return err
	}
	log.Info("device registry loaded", "path", cfg.Registry.Path, "devices", devices.Len())

	verifier, err := verify.New(devices, verify.WithMetrics(verify.NewMetrics(reg)))
	if err != nil {
		return err
	}

	cache, err := buildDedup(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer cache.close()

	out, err := buildSink(ctx, cfg, log, reg, &checks)
	if err != nil {
		return err
	}
	defer out.close(log)

	proc, err := pipeline.New(verifier, cache.Cache, out.delivery,
		pipeline.WithLogger(log),
		pipeline.WithMetrics(pipeline.NewMetrics(reg)),
		pipeline.WithBatchOptions(
			batch.WithMaxSize(cfg.Batch.MaxEvents),
			batch.WithMaxLatency(cfg.Batch.MaxDelay),
			batch.WithMetrics(batch.NewMetrics(reg)),
		),
	)
	if err != nil {
		return err
	}

	consumer, err := stream.NewKafka(stream.Config{
		Brokers: cfg.Kafka.Brokers,
		Topics:  []string{cfg.Kafka.Topic},
		Group:   cfg.Kafka.Group,
	}, shardFactory(proc),
		stream.WithLogger(log),
		stream.WithMetrics(stream.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}
	if cfg.Kafka.CreateTopic {
		if err := stream.EnsureTopic(ctx, consumer.Client(), cfg.Kafka.Topic, cfg.Kafka.Partitions, 1); err != nil {
			return err
		}
	}
	checks = append(checks, httpserver.Check{Name: "kafka", Probe: consumer.Ping})

	srv := httpserver.New(cfg.Ops.Addr, httpserver.NewOpsRouter(reg, log, checks...))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		log.Info("ops server listening", "addr", cfg.Ops.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if out.spill != nil {
		g.Go(func() error {
			return out.spill.RunReplayer(gctx, out.raw, cfg.Spill.ReplayInterval)
		})
	}

	log.Info("ingestor started",
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.Group,
		"sink", cfg.Sink.Kind,
		"shared_dedup", cfg.Redis.Enabled(),
		"spill", cfg.Spill.Path,
	)
	err = g.Wait()
	log.Info("ingestor stopped", "error", err)
	return err
}

// shardFactory gives every assigned partition its own shard, committing the
// last offset of each delivered batch back to that partition.
func shardFactory(p *pipeline.Pipeline) stream.HandlerFactory {
	return func(topic string, partition int32, commit stream.Committer) (stream.PartitionHandler, error) {
		shard, err := p.NewShard(fmt.Sprintf("%s/%d", topic, partition), pipeline.WithCommitter(commit))
		if err != nil {
			return nil, err
		}
		return shard, nil
	}
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultTopic and DefaultGroup name the upstream subscription.
const (
	DefaultTopic = "telemetry.envelopes"
	DefaultGroup = "myco-ingestor"
)

type topicPartition struct {
	topic     string
	partition int32
}

// Kafka is a consumer-group reader that runs one goroutine and one
// PartitionHandler per assigned partition. Offsets are committed only once a
// handler marks them, so every record is processed at least once.
type Kafka struct {
	client  *kgo.Client
	factory HandlerFactory
	logger  *slog.Logger
	metrics *Metrics
	onError func(topic string, partition int32, err error)

	mu      sync.Mutex
	workers map[topicPartition]*partitionWorker
}

// Config is the consumer wiring.
type Config struct {
	Brokers []string
	Topics  []string
	Group   string
}

// Option configures the Kafka consumer.
type Option func(*Kafka)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kafka) {
		k.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(k *Kafka) {
		k.metrics = m
	}
}

// WithErrorHandler receives transport faults. They are never fatal.
func WithErrorHandler(fn func(topic string, partition int32, err error)) Option {
	return func(k *Kafka) {
		k.onError = fn
	}
}

// NewKafka creates the consumer and joins the group lazily on the first poll.
func NewKafka(cfg Config, factory HandlerFactory, opts ...Option) (*Kafka, error) {
	if factory == nil {
		return nil, errors.New("handler factory is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{DefaultTopic}
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}

	k := &Kafka{
		factory: factory,
		logger:  slog.Default(),
		workers: make(map[topicPartition]*partitionWorker),
	}
	for _, opt := range opts {
		opt(k)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.AutoCommitMarks(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(k.assigned),
		kgo.OnPartitionsRevoked(k.revoked),
		kgo.OnPartitionsLost(k.lost),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	k.client = client
	return k, nil
}

// Client exposes the underlying client for admin calls and health checks.
func (k *Kafka) Client() *kgo.Client {
	return k.client
}

// Run polls until ctx is done, then closes every partition handler, commits
// what they marked, and leaves the group.
func (k *Kafka) Run(ctx context.Context) error {
	defer k.shutdown()

	for {
		fetches := k.client.PollRecords(ctx, 1000)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			k.reportError(topic, partition, err)
		})

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			k.mu.Lock()
			w := k.workers[topicPartition{p.Topic, p.Partition}]
			k.mu.Unlock()
			if w == nil {
				// Assignment already gone; the new owner will re-read these.
				return
			}
			select {
			case w.records <- p.Records:
			case <-w.done:
			case <-ctx.Done():
			}
		})

		k.client.AllowRebalance()
	}
}

// Ping checks broker reachability.
func (k *Kafka) Ping(ctx context.Context) error {
	return k.client.Ping(ctx)
}

func (k *Kafka) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	k.mu.Lock()
	all := make(map[string][]int32)
	for tp := range k.workers {
		all[tp.topic] = append(all[tp.topic], tp.partition)
	}
	k.mu.Unlock()
	k.stopWorkers(all)

	if err := k.client.CommitMarkedOffsets(ctx); err != nil {
		k.logger.Error("commit offsets on shutdown failed", "error", err)
	}
	k.client.AllowRebalance()
	k.client.Close()
	k.logger.Info("kafka consumer stopped")
}

func (k *Kafka) assigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	k.mu.Lock()
	for topic, partitions := range assigned {
		for _, partition := range partitions {
			tp := topicPartition{topic, partition}
			handler, err := k.factory(topic, partition, k.committer(topic, partition))
			if err != nil {
				k.reportError(topic, partition, fmt.Errorf("create partition handler: %w", err))
				continue
			}
			w := newPartitionWorker(tp, handler, k.logger, k.metrics)
			k.workers[tp] = w
			go w.run(context.WithoutCancel(ctx))
			k.logger.Info("partition assigned", "topic", topic, "partition", partition)
		}
	}
	k.mu.Unlock()
	k.setAssigned()
}

func (k *Kafka) revoked(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
	k.stopWorkers(revoked)
	if err := cl.CommitMarkedOffsets(ctx); err != nil {
		k.logger.Warn("commit offsets on revoke failed", "error", err)
	}
}

func (k *Kafka) lost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	k.stopWorkers(lost)
}

// stopWorkers closes the named partitions' handlers concurrently and waits.
func (k *Kafka) stopWorkers(partitions map[string][]int32) {
	var wg sync.WaitGroup
	k.mu.Lock()
	for topic, ps := range partitions {
		for _, partition := range ps {
			tp := topicPartition{topic, partition}
			w, ok := k.workers[tp]
			if !ok {
				continue
			}
			delete(k.workers, tp)
			close(w.quit)
			wg.Go(func() { <-w.done })
			k.logger.Info("partition released", "topic", topic, "partition", partition)
		}
	}
	k.mu.Unlock()
	wg.Wait()
	k.setAssigned()
}

func (k *Kafka) committer(topic string, partition int32) Committer {
	return func(offset int64) {
		k.client.MarkCommitOffsets(map[string]map[int32]kgo.EpochOffset{
			topic: {partition: {Epoch: -1, Offset: offset + 1}},
		})
	}
}

func (k *Kafka) reportError(topic string, partition int32, err error) {
	k.logger.Warn("kafka fetch error", "topic", topic, "partition", partition, "error", err)
	if k.metrics != nil {
		k.metrics.IncFetchError()
	}
	if k.onError != nil {
		k.onError(topic, partition, err)
	}
}

func (k *Kafka) setAssigned() {
	if k.metrics == nil {
		return
	}
	k.mu.Lock()
	n := len(k.workers)
	k.mu.Unlock()
	k.metrics.Assigned.Set(float64(n))
}

package stream

import (
	"context"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// partitionWorker feeds one partition's records to its handler in order.
type partitionWorker struct {
	tp      topicPartition
	handler PartitionHandler
	logger  *slog.Logger
	metrics *Metrics

	records chan []*kgo.Record
	quit    chan struct{}
	done    chan struct{}
}

func newPartitionWorker(tp topicPartition, handler PartitionHandler, logger *slog.Logger, metrics *Metrics) *partitionWorker {
	return &partitionWorker{
		tp:      tp,
		handler: handler,
		logger:  logger,
		metrics: metrics,
		records: make(chan []*kgo.Record, 4),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *partitionWorker) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if err := w.handler.Close(ctx); err != nil {
			w.logger.Error("partition handler close failed",
				"topic", w.tp.topic,
				"partition", w.tp.partition,
				"error", err,
			)
		}
	}()

	for {
		select {
		case <-w.quit:
			return
		case recs := <-w.records:
			for _, r := range recs {
				select {
				case <-w.quit:
					return
				default:
				}
				w.handler.Handle(ctx, toMessage(r))
				if w.metrics != nil {
					w.metrics.IncConsumed(w.tp.topic)
				}
			}
		}
	}
}

func toMessage(r *kgo.Record) *Message {
	return &Message{
		Topic:      r.Topic,
		Partition:  r.Partition,
		Offset:     r.Offset,
		Key:        r.Key,
		Value:      r.Value,
		EnqueuedAt: r.Timestamp,
	}
}

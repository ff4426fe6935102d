package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"myco/internal/normalize"
)

// Producer is the subset of *kgo.Client the Kafka sink uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Kafka publishes one record per row to an output topic, keyed by device id
// so a device's records stay ordered within a partition.
type Kafka struct {
	producer Producer
	topic    string
}

// NewKafka creates a Kafka sink. The client is owned by the caller.
func NewKafka(producer Producer, topic string) (*Kafka, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if topic == "" {
		return nil, errors.New("kafka sink topic is required")
	}
	return &Kafka{producer: producer, topic: topic}, nil
}

// Send implements Sink. All records are produced in one call; the batch fails
// if any record fails.
func (k *Kafka) Send(ctx context.Context, batch []normalize.Record) error {
	if len(batch) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(batch))
	for i := range batch {
		value, err := json.Marshal(&batch[i])
		if err != nil {
			return fmt.Errorf("%w: marshal %s/%s: %w", ErrSink, batch[i].DeviceID, batch[i].MessageID, err)
		}
		records = append(records, &kgo.Record{
			Topic: k.topic,
			Key:   []byte(batch[i].DeviceID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "msgId", Value: []byte(batch[i].MessageID)},
			},
			Timestamp: time.Now(),
		})
	}
	if err := k.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("%w: produce to %s: %w", ErrSink, k.topic, err)
	}
	return nil
}

// Close implements Sink.
func (k *Kafka) Close() error { return nil }

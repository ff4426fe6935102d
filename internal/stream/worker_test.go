package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type recordingHandler struct {
	mu      sync.Mutex
	offsets []int64
	closed  int
}

func (h *recordingHandler) Handle(_ context.Context, msg *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offsets = append(h.offsets, msg.Offset)
}

func (h *recordingHandler) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *recordingHandler) seen() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.offsets...)
}

func records(topic string, partition int32, from, to int64) []*kgo.Record {
	var out []*kgo.Record
	for off := from; off < to; off++ {
		out = append(out, &kgo.Record{
			Topic:     topic,
			Partition: partition,
			Offset:    off,
			Value:     []byte{byte(off)},
			Timestamp: time.UnixMilli(1735689600000 + off),
		})
	}
	return out
}

func TestPartitionWorkerHandlesInOrderAndClosesOnce(t *testing.T) {
	handler := &recordingHandler{}
	metrics := NewMetrics(prometheus.NewRegistry())
	w := newPartitionWorker(topicPartition{"telemetry.envelopes", 2}, handler,
		slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)
	go w.run(context.Background())

	w.records <- records("telemetry.envelopes", 2, 0, 5)
	w.records <- records("telemetry.envelopes", 2, 5, 9)

	require.Eventually(t, func() bool { return len(handler.seen()) == 9 }, time.Second, 5*time.Millisecond)
	close(w.quit)
	<-w.done

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8}, handler.seen())
	assert.Equal(t, 1, handler.closed)
	assert.Equal(t, float64(9), promtest.ToFloat64(metrics.Consumed.WithLabelValues("telemetry.envelopes")))
}

func TestToMessage(t *testing.T) {
	ts := time.UnixMilli(1735689600123)
	msg := toMessage(&kgo.Record{
		Topic:     "t",
		Partition: 1,
		Offset:    7,
		Key:       []byte("node-001"),
		Value:     []byte{0xa0},
		Timestamp: ts,
	})
	assert.Equal(t, &Message{
		Topic:      "t",
		Partition:  1,
		Offset:     7,
		Key:        []byte("node-001"),
		Value:      []byte{0xa0},
		EnqueuedAt: ts,
	}, msg)
}

func TestNewKafkaValidates(t *testing.T) {
	factory := func(string, int32, Committer) (PartitionHandler, error) { return &recordingHandler{}, nil }

	_, err := NewKafka(Config{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)
	_, err = NewKafka(Config{}, factory)
	assert.Error(t, err)
}

package sink_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"myco/internal/normalize"
	"myco/internal/sink"
	"myco/pkg/testutil"
)

type fakeProducer struct {
	produced []*kgo.Record
	err      error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if f.err == nil {
			f.produced = append(f.produced, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

func TestKafkaSink(t *testing.T) {
	producer := &fakeProducer{}
	k, err := sink.NewKafka(producer, "telemetry.verified")
	require.NoError(t, err)
	batch := testutil.Records(t, "node-001", 2)

	require.NoError(t, k.Send(context.Background(), batch))
	require.Len(t, producer.produced, 2)

	for i, r := range producer.produced {
		assert.Equal(t, "telemetry.verified", r.Topic)
		assert.Equal(t, []byte("node-001"), r.Key)
		var rec normalize.Record
		require.NoError(t, json.Unmarshal(r.Value, &rec))
		assert.Equal(t, batch[i].MessageID, rec.MessageID)
	}
}

func TestKafkaSinkProduceError(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker unavailable")}
	k, err := sink.NewKafka(producer, "telemetry.verified")
	require.NoError(t, err)

	err = k.Send(context.Background(), testutil.Records(t, "node-001", 1))
	assert.ErrorIs(t, err, sink.ErrSink)
	assert.ErrorContains(t, err, "broker unavailable")
}

func TestNewKafkaValidates(t *testing.T) {
	_, err := sink.NewKafka(nil, "t")
	assert.Error(t, err)
	_, err = sink.NewKafka(&fakeProducer{}, "")
	assert.Error(t, err)
}

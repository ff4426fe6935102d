package sink_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"myco/internal/normalize"
	"myco/internal/sink"
	"myco/pkg/testutil"
)

func TestWriterEmitsOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	w := sink.NewWriter(&buf)
	batch := testutil.Records(t, "node-001", 3)

	require.NoError(t, w.Send(context.Background(), batch))
	require.NoError(t, w.Close())

	scanner := bufio.NewScanner(&buf)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var got []normalize.Record
	for scanner.Scan() {
		var rec normalize.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		got = append(got, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, got, 3)
	for i := range got {
		assert.Equal(t, batch[i].MessageID, got[i].MessageID)
		assert.Equal(t, batch[i].Offset, got[i].Offset)
	}
}

func TestWriterWritesNothingWhenARecordCannotBeEncoded(t *testing.T) {
	var buf bytes.Buffer
	w := sink.NewWriter(&buf)
	batch := testutil.Records(t, "node-001", 3)
	batch[1].Body.Meta = map[string]any{"temp": math.NaN()}

	for range 3 {
		err := w.Send(context.Background(), batch)
		require.ErrorIs(t, err, sink.ErrSink)
	}
	assert.Zero(t, buf.Len(), "records before the bad one must not be written on any attempt")

	batch[1].Body.Meta = map[string]any{}
	require.NoError(t, w.Send(context.Background(), batch))
	assert.Equal(t, 3, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestMemorySink(t *testing.T) {
	m := sink.NewMemory()
	ctx := context.Background()
	first := testutil.Records(t, "node-001", 2)

	require.NoError(t, m.Send(ctx, first))
	m.FailWith(sink.ErrSink)
	assert.ErrorIs(t, m.Send(ctx, first), sink.ErrSink)
	m.FailWith(nil)
	require.NoError(t, m.Send(ctx, first[:1]))

	assert.Len(t, m.Batches(), 2)
	assert.Len(t, m.Records(), 3)

	// Mutating the caller's slice does not change what was delivered.
	first[0].DeviceID = "mutated"
	assert.Equal(t, "node-001", m.Records()[0].DeviceID)
}

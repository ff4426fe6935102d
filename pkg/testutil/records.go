package testutil

import (
	"testing"
	"time"

	"myco/internal/normalize"
)

// IngestTime is the fixed arrival time used for test records.
var IngestTime = time.Date(2025, 1, 1, 0, 0, 5, 0, time.UTC)

// Record returns the normalized record of a sealed test envelope, as the
// pipeline would build it for the given stream offset.
func Record(t testing.TB, deviceID string, msg byte, offset int64) normalize.Record {
	t.Helper()
	env := NewEnvelope(deviceID, msg)
	raw := SealedBytes(t, env)
	return normalize.Normalize(env, raw, normalize.Arrival{
		Topic:      "telemetry.envelopes",
		Offset:     offset,
		EnqueuedAt: IngestTime.Add(-time.Second),
		IngestedAt: IngestTime,
	})
}

// Records returns n records for deviceID with message ids and offsets 1..n.
func Records(t testing.TB, deviceID string, n int) []normalize.Record {
	t.Helper()
	out := make([]normalize.Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Record(t, deviceID, byte(i), int64(i)))
	}
	return out
}

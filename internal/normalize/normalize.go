package normalize

import (
	"encoding/base64"
	"maps"
	"math"
	"time"

	"github.com/google/uuid"

	"myco/internal/envelope"
)

// Normalize builds the sink record for a verified envelope. raw is the
// payload exactly as received. The result depends only on its arguments.
func Normalize(env *envelope.Envelope, raw []byte, arrival Arrival) Record {
	header := Header{
		DeviceID:     env.DeviceID,
		Protocol:     env.Protocol.String(),
		MessageID:    messageIDString(env.MessageID),
		MessageIDB64: env.MessageIDBase64(),
	}
	ts := Timestamp{
		Ms:     env.TimestampMs,
		UTC:    formatTime(time.UnixMilli(env.TimestampMs)),
		MonoMs: env.MonotonicMs,
	}

	body := Body{
		Header:    header,
		Timestamp: ts,
		Sequence:  env.Sequence,
		Pack:      make([]Reading, 0, len(env.Readings)),
		Meta:      map[string]any{},
		HashB64:   base64.StdEncoding.EncodeToString(env.ContentHash),
		SigB64:    base64.StdEncoding.EncodeToString(env.Signature),
		Compact:   true,
		Version:   env.Version,
	}
	if env.Meta != nil {
		body.Meta = maps.Clone(env.Meta)
	}
	for _, r := range env.Readings {
		body.Pack = append(body.Pack, Reading{
			SensorID:   r.SensorID,
			ValueInt:   r.ValueInt,
			ValueScale: r.ValueScale,
			Value:      Value(r.ValueInt, r.ValueScale),
			Unit:       r.Unit,
			Quality:    r.Quality,
		})
	}

	rec := Record{
		IngestedAt:  formatTime(arrival.IngestedAt),
		Partition:   arrival.Partition,
		Offset:      arrival.Offset,
		DeviceID:    env.DeviceID,
		MessageID:   header.MessageID,
		Protocol:    header.Protocol,
		Sequence:    env.Sequence,
		TimeUTC:     ts.UTC,
		MonotonicMs: env.MonotonicMs,
		RawCBORB64:  base64.StdEncoding.EncodeToString(raw),
		HashB64:     body.HashB64,
		SigB64:      body.SigB64,
	}
	if !arrival.EnqueuedAt.IsZero() {
		enqueued := formatTime(arrival.EnqueuedAt)
		rec.EnqueuedTime = &enqueued
	}

	if g := env.Geo; g != nil {
		geo := Geo{
			Lat:   float64(g.LatE7) / 1e7,
			Lon:   float64(g.LonE7) / 1e7,
			LatE7: g.LatE7,
			LonE7: g.LonE7,
			AccM:  g.AccM,
		}
		body.Geo = &geo
		rec.Lat, rec.Lon, rec.AccM = &geo.Lat, &geo.Lon, &geo.AccM
	}

	rec.Body = body
	return rec
}

// Value decodes a fixed-point reading: valueInt × 10^−valueScale.
func Value(valueInt int64, valueScale uint64) float64 {
	return float64(valueInt) / math.Pow10(int(valueScale))
}

// messageIDString renders a 16-byte id in hyphenated UUID form.
func messageIDString(id []byte) string {
	u, err := uuid.FromBytes(id)
	if err != nil {
		return base64.StdEncoding.EncodeToString(id)
	}
	return u.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

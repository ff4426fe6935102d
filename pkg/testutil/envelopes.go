package testutil

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"

	"myco/internal/envelope"
)

// DeviceKey derives a deterministic keypair from name so tests can refer to
// the same device across packages.
func DeviceKey(name string) (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := sha256.Sum256([]byte("device-key:" + name))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return priv.Public().(ed25519.PublicKey), priv
}

// MessageID returns a deterministic 16-byte message id for n.
func MessageID(n byte) []byte {
	id := make([]byte, envelope.MessageIDSize)
	for i := range id {
		id[i] = n
	}
	id[6] = 0x40 | (n & 0x0f)
	return id
}

// NewEnvelope returns an unsigned envelope with one temperature reading
// (2153 at scale 2, i.e. 21.53).
func NewEnvelope(deviceID string, msg byte) *envelope.Envelope {
	return &envelope.Envelope{
		Version:     envelope.CurrentVersion,
		DeviceID:    deviceID,
		Protocol:    envelope.ProtocolMQTT,
		MessageID:   MessageID(msg),
		TimestampMs: 1735689600000,
		Sequence:    uint64(msg),
		MonotonicMs: 123456,
		Readings: []envelope.Reading{
			{SensorID: 1, ValueInt: 2153, ValueScale: 2, Unit: 1, Quality: 0},
		},
	}
}

// Sealed signs env with the key derived for its device id.
func Sealed(t testing.TB, env *envelope.Envelope) *envelope.Envelope {
	t.Helper()
	_, priv := DeviceKey(env.DeviceID)
	if err := envelope.Seal(env, priv); err != nil {
		t.Fatalf("seal envelope: %v", err)
	}
	return env
}

// SealedBytes signs env and returns its compact CBOR encoding.
func SealedBytes(t testing.TB, env *envelope.Envelope) []byte {
	t.Helper()
	Sealed(t, env)
	raw, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return raw
}

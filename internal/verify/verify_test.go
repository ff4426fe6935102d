package verify

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"myco/internal/envelope"
	"myco/internal/registry"
	"myco/pkg/testutil"
)

type VerifierSuite struct {
	suite.Suite
	verifier *Verifier
	metrics  *Metrics
}

func TestVerifierSuite(t *testing.T) {
	suite.Run(t, new(VerifierSuite))
}

func (s *VerifierSuite) SetupTest() {
	pub, _ := testutil.DeviceKey("node-001")
	reg, err := registry.New(map[string][]byte{"node-001": pub})
	s.Require().NoError(err)

	s.metrics = NewMetrics(prometheus.NewRegistry())
	s.verifier, err = New(reg, WithMetrics(s.metrics))
	s.Require().NoError(err)
}

func (s *VerifierSuite) sealed(msg byte) *envelope.Envelope {
	env := testutil.NewEnvelope("node-001", msg)
	env.Geo = &envelope.Geo{LatE7: 515074000, LonE7: -1278000, AccM: 12}
	env.Meta = map[string]any{"fw": "2.0.1"}
	return testutil.Sealed(s.T(), env)
}

func (s *VerifierSuite) TestValidEnvelope() {
	s.NoError(s.verifier.Verify(s.sealed(1)))

	s.Run("after a cbor round trip", func() {
		raw := testutil.SealedBytes(s.T(), testutil.NewEnvelope("node-001", 2))
		decoded, _, err := envelope.Decode(raw)
		s.Require().NoError(err)
		s.NoError(s.verifier.Verify(decoded))
	})

	// Both calls land in the single result="ok" series.
	s.Equal(1, promtest.CollectAndCount(s.metrics.Duration))
}

func (s *VerifierSuite) TestMissingAuthFields() {
	s.Run("no hash", func() {
		env := s.sealed(3)
		env.ContentHash = nil
		s.ErrorIs(s.verifier.Verify(env), ErrMissingAuthFields)
	})
	s.Run("no signature", func() {
		env := s.sealed(3)
		env.Signature = nil
		s.ErrorIs(s.verifier.Verify(env), ErrMissingAuthFields)
	})
	s.Run("neither", func() {
		env := testutil.NewEnvelope("node-001", 3)
		s.ErrorIs(s.verifier.Verify(env), ErrMissingAuthFields)
	})
}

func flipBit(b []byte, bit int) []byte {
	out := append([]byte(nil), b...)
	out[bit/8] ^= 1 << (bit % 8)
	return out
}

func (s *VerifierSuite) TestSingleBitFlipCausesHashMismatch() {
	mutations := map[string]func(env *envelope.Envelope, bit int){
		"version":      func(env *envelope.Envelope, bit int) { env.Version ^= 1 << (bit % 64) },
		"device id":    func(env *envelope.Envelope, bit int) { env.DeviceID = string(flipBit([]byte(env.DeviceID), bit%(8*len(env.DeviceID)))) },
		"protocol":     func(env *envelope.Envelope, bit int) { env.Protocol ^= envelope.Protocol(1 << (bit % 8)) },
		"message id":   func(env *envelope.Envelope, bit int) { env.MessageID = flipBit(env.MessageID, bit%128) },
		"timestamp":    func(env *envelope.Envelope, bit int) { env.TimestampMs ^= 1 << (bit % 63) },
		"sequence":     func(env *envelope.Envelope, bit int) { env.Sequence ^= 1 << (bit % 64) },
		"monotonic":    func(env *envelope.Envelope, bit int) { env.MonotonicMs ^= 1 << (bit % 64) },
		"latitude":     func(env *envelope.Envelope, bit int) { env.Geo.LatE7 ^= 1 << (bit % 63) },
		"longitude":    func(env *envelope.Envelope, bit int) { env.Geo.LonE7 ^= 1 << (bit % 63) },
		"accuracy":     func(env *envelope.Envelope, bit int) { env.Geo.AccM ^= 1 << (bit % 64) },
		"sensor id":    func(env *envelope.Envelope, bit int) { env.Readings[0].SensorID ^= 1 << (bit % 64) },
		"value int":    func(env *envelope.Envelope, bit int) { env.Readings[0].ValueInt ^= 1 << (bit % 63) },
		"value scale":  func(env *envelope.Envelope, bit int) { env.Readings[0].ValueScale ^= 1 << (bit % 64) },
		"unit":         func(env *envelope.Envelope, bit int) { env.Readings[0].Unit ^= 1 << (bit % 64) },
		"quality":      func(env *envelope.Envelope, bit int) { env.Readings[0].Quality ^= 1 << (bit % 64) },
		"meta value":   func(env *envelope.Envelope, bit int) { env.Meta["fw"] = string(flipBit([]byte("2.0.1"), bit%40)) },
	}

	for name, mutate := range mutations {
		s.Run(name, func() {
			for _, bit := range []int{0, 1, 5, 17, 31, 62} {
				env := s.sealed(4)
				mutate(env, bit)
				s.ErrorIs(s.verifier.Verify(env), ErrHashMismatch, "bit %d", bit)
			}
		})
	}
}

func (s *VerifierSuite) TestRandomSignature() {
	for range 10 {
		env := s.sealed(5)
		sig := make([]byte, envelope.SignatureSize)
		_, err := rand.Read(sig)
		s.Require().NoError(err)
		env.Signature = sig
		s.ErrorIs(s.verifier.Verify(env), ErrInvalidSignature)
	}
}

func (s *VerifierSuite) TestSignatureFromAnotherDevice() {
	env := testutil.NewEnvelope("node-001", 6)
	_, otherKey := testutil.DeviceKey("node-002")
	s.Require().NoError(envelope.Seal(env, otherKey))
	s.ErrorIs(s.verifier.Verify(env), ErrInvalidSignature)
}

func (s *VerifierSuite) TestUnknownDevice() {
	env := testutil.Sealed(s.T(), testutil.NewEnvelope("node-404", 7))
	err := s.verifier.Verify(env)
	s.ErrorIs(err, ErrUnknownDevice)
	s.Contains(err.Error(), "node-404")
}

func (s *VerifierSuite) TestSignatureWithoutDomainPrefix() {
	env := testutil.NewEnvelope("node-001", 8)
	_, priv := testutil.DeviceKey("node-001")
	s.Require().NoError(envelope.Seal(env, priv))
	// Re-sign the bare hash, as a signer that skips domain separation would.
	canonical, err := envelope.Canonical(env)
	s.Require().NoError(err)
	env.Signature = ed25519.Sign(priv, envelope.ContentHash(canonical))
	s.ErrorIs(s.verifier.Verify(env), ErrInvalidSignature)
}

func (s *VerifierSuite) TestReason() {
	s.Equal("ok", Reason(nil))
	s.Equal("missing_auth_fields", Reason(ErrMissingAuthFields))
	s.Equal("hash_mismatch", Reason(ErrHashMismatch))
	s.Equal("unknown_device", Reason(ErrUnknownDevice))
	s.Equal("invalid_signature", Reason(ErrInvalidSignature))
}

func TestNewRequiresKeys(t *testing.T) {
	_, err := New(nil)
	if err == nil {
		t.Fatal("expected error for nil key lookup")
	}
}

package envelope_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"myco/internal/envelope"
	"myco/pkg/testutil"
)

type CodecSuite struct {
	suite.Suite
}

func TestCodecSuite(t *testing.T) {
	suite.Run(t, new(CodecSuite))
}

func jsonForm(env *envelope.Envelope) map[string]any {
	readings := make([]map[string]any, 0, len(env.Readings))
	for _, r := range env.Readings {
		readings = append(readings, map[string]any{
			"0": r.SensorID, "1": r.ValueInt, "2": r.ValueScale, "3": r.Unit, "4": r.Quality,
		})
	}
	form := map[string]any{
		"0": env.Version,
		"1": env.DeviceID,
		"2": uint8(env.Protocol),
		"3": env.MessageID,
		"4": env.TimestampMs,
		"5": env.Sequence,
		"6": env.MonotonicMs,
		"8": readings,
	}
	if env.Geo != nil {
		form["7"] = map[string]any{"0": env.Geo.LatE7, "1": env.Geo.LonE7, "2": env.Geo.AccM}
	}
	if env.Meta != nil {
		form["9"] = env.Meta
	}
	if env.ContentHash != nil {
		form["10"] = env.ContentHash
	}
	if env.Signature != nil {
		form["11"] = env.Signature
	}
	return form
}

func (s *CodecSuite) TestDecodeCBOR() {
	original := testutil.NewEnvelope("node-001", 1)
	original.Geo = &envelope.Geo{LatE7: 377749000, LonE7: -1224194000, AccM: 5}
	original.Meta = map[string]any{"fw": "1.4.2", "rssi": int64(-71)}
	raw := testutil.SealedBytes(s.T(), original)

	decoded, format, err := envelope.Decode(raw)
	s.Require().NoError(err)
	s.Equal(envelope.FormatCBOR, format)
	s.Equal("node-001", decoded.DeviceID)
	s.Equal(envelope.ProtocolMQTT, decoded.Protocol)
	s.Equal(original.MessageID, decoded.MessageID)
	s.Equal(original.TimestampMs, decoded.TimestampMs)
	s.Equal(original.Readings, decoded.Readings)
	s.Require().NotNil(decoded.Geo)
	s.Equal(*original.Geo, *decoded.Geo)
	s.Equal("1.4.2", decoded.Meta["fw"])
	s.Equal(int64(-71), decoded.Meta["rssi"])
	s.Equal(original.ContentHash, decoded.ContentHash)
	s.Equal(original.Signature, decoded.Signature)
}

func (s *CodecSuite) TestDecodeJSON() {
	original := testutil.NewEnvelope("node-001", 2)
	original.Meta = map[string]any{"battery": uint64(87)}
	testutil.Sealed(s.T(), original)
	raw, err := json.Marshal(jsonForm(original))
	s.Require().NoError(err)

	decoded, format, err := envelope.Decode(raw)
	s.Require().NoError(err)
	s.Equal(envelope.FormatJSON, format)
	s.Equal(original.DeviceID, decoded.DeviceID)
	s.Equal(original.MessageID, decoded.MessageID)
	s.Equal(original.ContentHash, decoded.ContentHash)
	s.Equal(uint64(87), decoded.Meta["battery"])

	s.Run("canonical form matches the cbor decode", func() {
		fromJSON, err := envelope.Canonical(decoded)
		s.Require().NoError(err)
		fromStruct, err := envelope.Canonical(original)
		s.Require().NoError(err)
		s.Equal(fromStruct, fromJSON)
	})
}

func (s *CodecSuite) TestDecodeRejectsVerbose() {
	s.Run("json record with header object", func() {
		raw := []byte(`{"hdr":{"deviceId":"node-001","proto":"mqtt"},"pack":[]}`)
		_, _, err := envelope.Decode(raw)
		s.ErrorIs(err, envelope.ErrUnsupportedFormat)
	})

	s.Run("cbor record with header object", func() {
		raw, err := cbor.Marshal(map[string]any{"hdr": map[string]any{"deviceId": "node-001"}})
		s.Require().NoError(err)
		_, _, err = envelope.Decode(raw)
		s.ErrorIs(err, envelope.ErrUnsupportedFormat)
	})
}

func (s *CodecSuite) TestDecodeErrors() {
	valid := map[int]any{
		0: 1, 1: "node-001", 2: 2, 3: testutil.MessageID(3),
		4: 1735689600000, 5: 3, 6: 10, 8: []any{},
	}

	tests := []struct {
		name string
		raw  func() []byte
	}{
		{name: "empty payload", raw: func() []byte { return nil }},
		{name: "garbage bytes", raw: func() []byte { return []byte{0xff, 0x00, 0x13} }},
		{name: "json array", raw: func() []byte { return []byte(`[1,2,3]`) }},
		{name: "cbor array", raw: func() []byte {
			b, _ := cbor.Marshal([]int{1, 2, 3})
			return b
		}},
		{name: "unknown top-level key", raw: func() []byte {
			m := map[int]any{12: "extra"}
			for k, v := range valid {
				m[k] = v
			}
			b, _ := cbor.Marshal(m)
			return b
		}},
		{name: "short message id", raw: func() []byte {
			m := map[int]any{3: []byte{1, 2, 3}}
			for k, v := range valid {
				if k != 3 {
					m[k] = v
				}
			}
			b, _ := cbor.Marshal(m)
			return b
		}},
		{name: "missing device id", raw: func() []byte {
			m := map[int]any{}
			for k, v := range valid {
				if k != 1 {
					m[k] = v
				}
			}
			b, _ := cbor.Marshal(m)
			return b
		}},
		{name: "wrong signature length", raw: func() []byte {
			m := map[int]any{11: make([]byte, 10)}
			for k, v := range valid {
				m[k] = v
			}
			b, _ := cbor.Marshal(m)
			return b
		}},
		{name: "json with unknown key", raw: func() []byte {
			return []byte(`{"0":1,"1":"node-001","3":"AAAAAAAAAAAAAAAAAAAAAA==","8":[],"42":true}`)
		}},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, _, err := envelope.Decode(tt.raw())
			s.ErrorIs(err, envelope.ErrDecode)
		})
	}
}

// wireMap is the CBOR form of a sealed envelope as an integer-keyed map, so
// tests can drop keys the typed encoder would always write.
func wireMap(t *testing.T, env *envelope.Envelope) map[uint64]any {
	t.Helper()
	raw, err := envelope.Encode(env)
	require.NoError(t, err)
	var m map[uint64]any
	require.NoError(t, cbor.Unmarshal(raw, &m))
	return m
}

func encodeWire(t *testing.T, m map[uint64]any) []byte {
	t.Helper()
	mode, err := cbor.CoreDetEncOptions().EncMode()
	require.NoError(t, err)
	raw, err := mode.Marshal(m)
	require.NoError(t, err)
	return raw
}

func (s *CodecSuite) TestDecodeRequiresAlwaysEncodedKeys() {
	sealed := func() *envelope.Envelope {
		env := testutil.NewEnvelope("node-001", 9)
		env.Geo = &envelope.Geo{LatE7: 1, LonE7: 2, AccM: 3}
		return testutil.Sealed(s.T(), env)
	}

	s.Run("cbor without sequence", func() {
		m := wireMap(s.T(), sealed())
		delete(m, 5)
		_, _, err := envelope.Decode(encodeWire(s.T(), m))
		s.Require().ErrorIs(err, envelope.ErrDecode)
		s.Contains(err.Error(), "envelope missing key 5")
	})

	s.Run("cbor geo without accuracy", func() {
		m := wireMap(s.T(), sealed())
		m[7] = map[uint64]any{0: int64(1), 1: int64(2)}
		_, _, err := envelope.Decode(encodeWire(s.T(), m))
		s.Require().ErrorIs(err, envelope.ErrDecode)
		s.Contains(err.Error(), "geo missing key 2")
	})

	s.Run("cbor reading without quality", func() {
		env := sealed()
		s.Require().NotEmpty(env.Readings)
		m := wireMap(s.T(), env)
		r := env.Readings[0]
		m[8] = []any{map[uint64]any{0: r.SensorID, 1: r.ValueInt, 2: r.ValueScale, 3: r.Unit}}
		_, _, err := envelope.Decode(encodeWire(s.T(), m))
		s.Require().ErrorIs(err, envelope.ErrDecode)
		s.Contains(err.Error(), "reading 0 missing key 4")
	})

	s.Run("json without sequence", func() {
		form := jsonForm(sealed())
		delete(form, "5")
		raw, err := json.Marshal(form)
		s.Require().NoError(err)
		_, _, err = envelope.Decode(raw)
		s.Require().ErrorIs(err, envelope.ErrDecode)
		s.Contains(err.Error(), "envelope missing key 5")
	})

	s.Run("json geo without accuracy", func() {
		form := jsonForm(sealed())
		form["7"] = map[string]any{"0": 1, "1": 2}
		raw, err := json.Marshal(form)
		s.Require().NoError(err)
		_, _, err = envelope.Decode(raw)
		s.Require().ErrorIs(err, envelope.ErrDecode)
		s.Contains(err.Error(), "geo missing key 2")
	})

	s.Run("complete wire map still decodes", func() {
		raw := encodeWire(s.T(), wireMap(s.T(), sealed()))
		_, format, err := envelope.Decode(raw)
		s.Require().NoError(err)
		s.Equal(envelope.FormatCBOR, format)
	})
}

func (s *CodecSuite) TestDecodeRejectsNonFiniteMeta() {
	tests := []struct {
		name string
		meta map[string]any
		path string
	}{
		{name: "nan", meta: map[string]any{"temp": math.NaN()}, path: "meta.temp"},
		{name: "positive infinity", meta: map[string]any{"temp": math.Inf(1)}, path: "meta.temp"},
		{name: "nested", meta: map[string]any{"calib": map[string]any{"gain": math.Inf(-1)}}, path: "meta.calib.gain"},
		{name: "in array", meta: map[string]any{"samples": []any{1.5, math.NaN()}}, path: "meta.samples[1]"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			env := testutil.NewEnvelope("node-001", 10)
			env.Meta = tt.meta
			raw := testutil.SealedBytes(s.T(), env)

			_, _, err := envelope.Decode(raw)
			s.Require().ErrorIs(err, envelope.ErrDecode)
			s.Contains(err.Error(), tt.path)
		})
	}

	s.Run("finite floats decode", func() {
		env := testutil.NewEnvelope("node-001", 10)
		env.Meta = map[string]any{"temp": 21.5}
		decoded, _, err := envelope.Decode(testutil.SealedBytes(s.T(), env))
		s.Require().NoError(err)
		s.InDelta(21.5, decoded.Meta["temp"], 1e-9)
	})
}

func (s *CodecSuite) TestJSONMetaAboveInt64MatchesCBOR() {
	env := testutil.NewEnvelope("node-001", 11)
	env.Meta = map[string]any{"counter": uint64(math.MaxUint64)}
	testutil.Sealed(s.T(), env)

	fromCBOR, _, err := envelope.Decode(testutil.SealedBytes(s.T(), env))
	s.Require().NoError(err)
	raw, err := json.Marshal(jsonForm(env))
	s.Require().NoError(err)
	fromJSON, format, err := envelope.Decode(raw)
	s.Require().NoError(err)
	s.Require().Equal(envelope.FormatJSON, format)

	s.Equal(uint64(math.MaxUint64), fromJSON.Meta["counter"])
	a, err := envelope.Canonical(fromCBOR)
	s.Require().NoError(err)
	b, err := envelope.Canonical(fromJSON)
	s.Require().NoError(err)
	s.Equal(a, b)
}

func TestCanonical(t *testing.T) {
	env := testutil.NewEnvelope("node-001", 4)
	unsigned, err := envelope.Canonical(env)
	require.NoError(t, err)
	// Eight fields without geo or meta: a one-byte map header 0xa8.
	assert.Equal(t, byte(0xa8), unsigned[0])

	t.Run("excludes hash and signature", func(t *testing.T) {
		sealed := testutil.Sealed(t, testutil.NewEnvelope("node-001", 4))
		signed, err := envelope.Canonical(sealed)
		require.NoError(t, err)
		assert.Equal(t, unsigned, signed)
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		env := testutil.NewEnvelope("node-001", 4)
		env.Meta = map[string]any{"zeta": "z", "alpha": "a", "mid": uint64(3)}
		first, err := envelope.Canonical(env)
		require.NoError(t, err)
		for range 20 {
			again, err := envelope.Canonical(env)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	})

	t.Run("geo adds a field", func(t *testing.T) {
		env := testutil.NewEnvelope("node-001", 4)
		env.Geo = &envelope.Geo{LatE7: 1, LonE7: 2, AccM: 3}
		b, err := envelope.Canonical(env)
		require.NoError(t, err)
		assert.Equal(t, byte(0xa9), b[0])
	})

	t.Run("nil readings encode as empty array", func(t *testing.T) {
		withNil := testutil.NewEnvelope("node-001", 4)
		withNil.Readings = nil
		withEmpty := testutil.NewEnvelope("node-001", 4)
		withEmpty.Readings = []envelope.Reading{}
		a, err := envelope.Canonical(withNil)
		require.NoError(t, err)
		b, err := envelope.Canonical(withEmpty)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestProtocolString(t *testing.T) {
	tests := []struct {
		protocol envelope.Protocol
		expected string
	}{
		{envelope.ProtocolLoRaWAN, "lorawan"},
		{envelope.ProtocolMQTT, "mqtt"},
		{envelope.ProtocolBLE, "ble"},
		{envelope.ProtocolLTE, "lte"},
		{envelope.ProtocolOther, "other"},
		{envelope.Protocol(0), "other"},
		{envelope.Protocol(200), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.protocol.String())
		})
	}
}

package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// jsonEnvelope is the text form of Envelope used by gateways that cannot
// emit CBOR. Keys are the decimal field numbers; byte fields are standard
// base64 strings.
type jsonEnvelope struct {
	Version     uint64         `json:"0"`
	DeviceID    string         `json:"1"`
	Protocol    Protocol       `json:"2"`
	MessageID   []byte         `json:"3"`
	TimestampMs int64          `json:"4"`
	Sequence    uint64         `json:"5"`
	MonotonicMs uint64         `json:"6"`
	Geo         *jsonGeo       `json:"7,omitempty"`
	Readings    []jsonReading  `json:"8"`
	Meta        map[string]any `json:"9,omitempty"`
	ContentHash []byte         `json:"10,omitempty"`
	Signature   []byte         `json:"11,omitempty"`
}

type jsonGeo struct {
	LatE7 int64  `json:"0"`
	LonE7 int64  `json:"1"`
	AccM  uint64 `json:"2"`
}

type jsonReading struct {
	SensorID   uint64 `json:"0"`
	ValueInt   int64  `json:"1"`
	ValueScale uint64 `json:"2"`
	Unit       uint64 `json:"3"`
	Quality    uint64 `json:"4"`
}

func decodeJSON(raw []byte) (*Envelope, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not utf-8", ErrDecode)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrDecode, err)
	}
	if _, verbose := fields[verboseHeaderKey]; verbose {
		return nil, fmt.Errorf("%w: verbose json record", ErrUnsupportedFormat)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var je jsonEnvelope
	if err := dec.Decode(&je); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrDecode, err)
	}
	if err := jsonKeys(fields); err != nil {
		return nil, err
	}

	env := je.toEnvelope()
	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func (je *jsonEnvelope) toEnvelope() *Envelope {
	env := &Envelope{
		Version:     je.Version,
		DeviceID:    je.DeviceID,
		Protocol:    je.Protocol,
		MessageID:   je.MessageID,
		TimestampMs: je.TimestampMs,
		Sequence:    je.Sequence,
		MonotonicMs: je.MonotonicMs,
		ContentHash: je.ContentHash,
		Signature:   je.Signature,
	}
	if je.Geo != nil {
		env.Geo = &Geo{LatE7: je.Geo.LatE7, LonE7: je.Geo.LonE7, AccM: je.Geo.AccM}
	}
	env.Readings = make([]Reading, 0, len(je.Readings))
	for _, r := range je.Readings {
		env.Readings = append(env.Readings, Reading(r))
	}
	if len(je.Meta) > 0 {
		env.Meta = make(map[string]any, len(je.Meta))
		for k, v := range je.Meta {
			env.Meta[k] = jsonScalar(v)
		}
	}
	return env
}

// jsonScalar maps json.Number to the integer types the CBOR decoder would
// have produced, so both formats canonicalize identically.
func jsonScalar(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			if i >= 0 {
				return uint64(i)
			}
			return i
		}
		if u, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return u
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = jsonScalar(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = jsonScalar(inner)
		}
		return out
	default:
		return v
	}
}

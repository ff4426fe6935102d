// Package envelope holds the compact telemetry envelope, its two accepted
// wire formats, and the canonical encoding used as the authenticated payload.
//
// Envelopes are keyed by small integers on the wire:
//
//	0 version   1 deviceId    2 protocol   3 messageId   4 timestampMs
//	5 sequence  6 monotonicMs 7 geo        8 readings    9 meta
//	10 contentHash            11 signature
//
// The Go types below are the schema: decoding rejects keys they do not
// declare and requires every key they always encode, and the canonical form
// is produced by re-encoding them.
package envelope

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
)

// CurrentVersion is the envelope version emitted by current firmware.
const CurrentVersion = 1

// Field sizes fixed by the protocol.
const (
	MessageIDSize   = 16
	ContentHashSize = 32
	SignatureSize   = 64

	// MaxValueScale bounds the decimal exponent so 10^scale fits in an int64.
	MaxValueScale = 18
)

// Protocol identifies the radio or transport the node used to send.
type Protocol uint8

const (
	ProtocolLoRaWAN Protocol = 1
	ProtocolMQTT    Protocol = 2
	ProtocolBLE     Protocol = 3
	ProtocolLTE     Protocol = 4
	ProtocolOther   Protocol = 5
)

// String returns the lowercase protocol name; unknown codes render as "other".
func (p Protocol) String() string {
	switch p {
	case ProtocolLoRaWAN:
		return "lorawan"
	case ProtocolMQTT:
		return "mqtt"
	case ProtocolBLE:
		return "ble"
	case ProtocolLTE:
		return "lte"
	default:
		return "other"
	}
}

// Geo is a fixed-point position fix. Degrees are stored multiplied by 1e7 so
// the authenticated payload never carries floating point.
type Geo struct {
	LatE7 int64  `cbor:"0,keyasint"`
	LonE7 int64  `cbor:"1,keyasint"`
	AccM  uint64 `cbor:"2,keyasint"`
}

// Reading is one sensor sample. The real value is ValueInt * 10^-ValueScale.
type Reading struct {
	SensorID   uint64 `cbor:"0,keyasint"`
	ValueInt   int64  `cbor:"1,keyasint"`
	ValueScale uint64 `cbor:"2,keyasint"`
	Unit       uint64 `cbor:"3,keyasint"`
	Quality    uint64 `cbor:"4,keyasint"`
}

// Envelope is a single telemetry message from a device.
type Envelope struct {
	Version     uint64         `cbor:"0,keyasint"`
	DeviceID    string         `cbor:"1,keyasint"`
	Protocol    Protocol       `cbor:"2,keyasint"`
	MessageID   []byte         `cbor:"3,keyasint"`
	TimestampMs int64          `cbor:"4,keyasint"`
	Sequence    uint64         `cbor:"5,keyasint"`
	MonotonicMs uint64         `cbor:"6,keyasint"`
	Geo         *Geo           `cbor:"7,keyasint,omitempty"`
	Readings    []Reading      `cbor:"8,keyasint"`
	Meta        map[string]any `cbor:"9,keyasint,omitempty"`
	ContentHash []byte         `cbor:"10,keyasint,omitempty"`
	Signature   []byte         `cbor:"11,keyasint,omitempty"`
}

// MessageIDBase64 returns the message id in standard base64.
func (e *Envelope) MessageIDBase64() string {
	return base64.StdEncoding.EncodeToString(e.MessageID)
}

// validate enforces the field shapes both wire formats must satisfy.
func (e *Envelope) validate() error {
	if e.DeviceID == "" {
		return fmt.Errorf("%w: missing device id", ErrDecode)
	}
	if len(e.MessageID) != MessageIDSize {
		return fmt.Errorf("%w: message id must be %d bytes, got %d", ErrDecode, MessageIDSize, len(e.MessageID))
	}
	if e.ContentHash != nil && len(e.ContentHash) != ContentHashSize {
		return fmt.Errorf("%w: content hash must be %d bytes, got %d", ErrDecode, ContentHashSize, len(e.ContentHash))
	}
	if e.Signature != nil && len(e.Signature) != SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrDecode, SignatureSize, len(e.Signature))
	}
	for i, r := range e.Readings {
		if r.ValueScale > MaxValueScale {
			return fmt.Errorf("%w: reading %d value scale %d exceeds %d", ErrDecode, i, r.ValueScale, MaxValueScale)
		}
	}
	for k, v := range e.Meta {
		if err := finite("meta."+k, v); err != nil {
			return err
		}
	}
	return nil
}

// finite rejects NaN and infinities anywhere in a meta value. Records are
// stored and spilled as JSON, which has no encoding for them.
func finite(path string, v any) error {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrDecode, path)
		}
	case float32:
		return finite(path, float64(t))
	case map[string]any:
		for k, inner := range t {
			if err := finite(path+"."+k, inner); err != nil {
				return err
			}
		}
	case []any:
		for i, inner := range t {
			if err := finite(path+"["+strconv.Itoa(i)+"]", inner); err != nil {
				return err
			}
		}
	}
	return nil
}

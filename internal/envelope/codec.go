package envelope

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrDecode reports bytes that are neither a well-formed compact envelope
	// in CBOR nor in JSON.
	ErrDecode = errors.New("envelope decode failed")
	// ErrUnsupportedFormat reports a pre-expanded verbose record. Only compact
	// envelopes are authenticated.
	ErrUnsupportedFormat = errors.New("unsupported envelope format")
)

// Format names the wire encoding an envelope arrived in.
type Format string

const (
	FormatCBOR Format = "cbor"
	FormatJSON Format = "json"
)

// verboseHeaderKey marks an already-expanded record.
const verboseHeaderKey = "hdr"

var (
	// encMode is Core Deterministic Encoding (RFC 8949 §4.2): sorted map
	// keys, smallest integer and float forms, definite lengths. Nil slices
	// encode as empty containers so an envelope without readings still
	// canonicalizes to an empty array.
	encMode cbor.EncMode

	// decMode decodes into the typed schema and rejects unknown or
	// duplicate keys.
	decMode cbor.DecMode

	// probeMode decodes into untyped values to classify the input before
	// the strict decode.
	probeMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.NilContainers = cbor.NilContainerAsEmpty
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		// meta values are string-keyed; nested maps decode the same way.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}

	probeMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR probe decoder initialization failed: " + err.Error())
	}
}

// Decode turns raw bytes of unknown encoding into an envelope. CBOR is tried
// first; bytes that are not a CBOR map are retried as JSON.
func Decode(raw []byte) (*Envelope, Format, error) {
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecode)
	}

	env, cborErr := decodeCBOR(raw)
	if cborErr == nil {
		return env, FormatCBOR, nil
	}
	if !errors.Is(cborErr, errNotCBORMap) {
		return nil, FormatCBOR, cborErr
	}

	env, jsonErr := decodeJSON(raw)
	if jsonErr == nil {
		return env, FormatJSON, nil
	}
	if errors.Is(jsonErr, ErrUnsupportedFormat) {
		return nil, FormatJSON, jsonErr
	}
	return nil, "", fmt.Errorf("%w: not cbor (%v), not json (%v)", ErrDecode, cborErr, jsonErr)
}

// errNotCBORMap signals that the JSON decoder should get a chance.
var errNotCBORMap = errors.New("not a cbor map")

func decodeCBOR(raw []byte) (*Envelope, error) {
	var probe any
	if err := probeMode.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotCBORMap, err)
	}
	fields, ok := probe.(map[any]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level %T", errNotCBORMap, probe)
	}
	if _, verbose := fields[verboseHeaderKey]; verbose {
		return nil, fmt.Errorf("%w: verbose cbor record", ErrUnsupportedFormat)
	}

	var env Envelope
	if err := decMode.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: cbor: %v", ErrDecode, err)
	}
	if err := cborKeys(fields); err != nil {
		return nil, err
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Canonical returns the authenticated payload: the deterministic encoding of
// every field except contentHash and signature.
func Canonical(env *Envelope) ([]byte, error) {
	unsigned := *env
	unsigned.ContentHash = nil
	unsigned.Signature = nil

	b, err := encMode.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return b, nil
}

// Encode returns the full compact CBOR form, including contentHash and
// signature when set.
func Encode(env *Envelope) ([]byte, error) {
	b, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

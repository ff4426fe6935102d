package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Keys that Canonical always emits. A sender that omitted one hashed a
// different map than the one re-encoded here, so absence is a decode error
// rather than a zero value.
var (
	requiredEnvelopeKeys = []uint64{0, 1, 2, 3, 4, 5, 6, 8}
	requiredGeoKeys      = []uint64{0, 1, 2}
	requiredReadingKeys  = []uint64{0, 1, 2, 3, 4}
)

func requireKeys(scope string, has func(uint64) bool, keys []uint64) error {
	for _, k := range keys {
		if !has(k) {
			return fmt.Errorf("%w: %s missing key %d", ErrDecode, scope, k)
		}
	}
	return nil
}

// cborKeys checks the untyped decode of a CBOR envelope. Unsigned map keys
// decode as uint64.
func cborKeys(fields map[any]any) error {
	has := func(m map[any]any) func(uint64) bool {
		return func(k uint64) bool {
			_, ok := m[k]
			return ok
		}
	}

	if err := requireKeys("envelope", has(fields), requiredEnvelopeKeys); err != nil {
		return err
	}
	if geo, ok := fields[uint64(7)].(map[any]any); ok {
		if err := requireKeys("geo", has(geo), requiredGeoKeys); err != nil {
			return err
		}
	}
	readings, _ := fields[uint64(8)].([]any)
	for i, r := range readings {
		m, _ := r.(map[any]any)
		if err := requireKeys("reading "+strconv.Itoa(i), has(m), requiredReadingKeys); err != nil {
			return err
		}
	}
	return nil
}

// jsonKeys checks the raw top-level object of a JSON envelope.
func jsonKeys(fields map[string]json.RawMessage) error {
	has := func(m map[string]json.RawMessage) func(uint64) bool {
		return func(k uint64) bool {
			_, ok := m[strconv.FormatUint(k, 10)]
			return ok
		}
	}

	if err := requireKeys("envelope", has(fields), requiredEnvelopeKeys); err != nil {
		return err
	}
	if raw, ok := fields["7"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		var geo map[string]json.RawMessage
		if err := json.Unmarshal(raw, &geo); err != nil {
			return fmt.Errorf("%w: json geo: %v", ErrDecode, err)
		}
		if err := requireKeys("geo", has(geo), requiredGeoKeys); err != nil {
			return err
		}
	}
	var readings []map[string]json.RawMessage
	if err := json.Unmarshal(fields["8"], &readings); err != nil {
		return fmt.Errorf("%w: json readings: %v", ErrDecode, err)
	}
	for i, r := range readings {
		if err := requireKeys("reading "+strconv.Itoa(i), has(r), requiredReadingKeys); err != nil {
			return err
		}
	}
	return nil
}

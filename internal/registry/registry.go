// Package registry maps device ids to their Ed25519 public keys.
//
// The registry is loaded once at startup and never mutated afterwards, so
// lookups need no locking and a single instance is shared by every shard.
package registry

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"myco/pkg/platform/sentinel"
)

// Registry is an immutable device id → public key mapping.
type Registry struct {
	keys map[string]ed25519.PublicKey
}

// entry accepts both provisioning shapes: a bare base64 string, or an object
// with a publicKeyB64 field.
type entry struct {
	PublicKeyB64 string `json:"publicKeyB64"`
}

func (e *entry) UnmarshalJSON(b []byte) error {
	var bare string
	if err := json.Unmarshal(b, &bare); err == nil {
		e.PublicKeyB64 = bare
		return nil
	}
	type plain entry
	var obj plain
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = entry(obj)
	return nil
}

// New builds a registry from raw keys, copying them. Every key must be
// exactly ed25519.PublicKeySize bytes.
func New(keys map[string][]byte) (*Registry, error) {
	r := &Registry{keys: make(map[string]ed25519.PublicKey, len(keys))}
	for deviceID, key := range keys {
		if deviceID == "" {
			return nil, fmt.Errorf("empty device id: %w", sentinel.ErrInvalidState)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("device %s: public key must be %d bytes, got %d: %w",
				deviceID, ed25519.PublicKeySize, len(key), sentinel.ErrInvalidState)
		}
		r.keys[deviceID] = append(ed25519.PublicKey(nil), key...)
	}
	return r, nil
}

// Parse decodes registry JSON.
func Parse(data []byte) (*Registry, error) {
	var raw map[string]entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	keys := make(map[string][]byte, len(raw))
	for deviceID, e := range raw {
		if e.PublicKeyB64 == "" {
			return nil, fmt.Errorf("device %s: missing public key: %w", deviceID, sentinel.ErrInvalidState)
		}
		key, err := base64.StdEncoding.DecodeString(e.PublicKeyB64)
		if err != nil {
			return nil, fmt.Errorf("device %s: decode public key: %w", deviceID, err)
		}
		keys[deviceID] = key
	}
	return New(keys)
}

// Load reads and parses the registry file at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	return Parse(data)
}

// Lookup returns the public key registered for deviceID.
func (r *Registry) Lookup(deviceID string) (ed25519.PublicKey, bool) {
	key, ok := r.keys[deviceID]
	return key, ok
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return len(r.keys)
}

// DeviceIDs returns the registered ids in sorted order.
func (r *Registry) DeviceIDs() []string {
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

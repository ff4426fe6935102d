// Package devicekeys provisions per-device Ed25519 keypairs and writes them in
// the layout the registry loader and device signers read.
package devicekeys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Key is one provisioned device.
type Key struct {
	DeviceID string
	Public   ed25519.PublicKey
	Private  ed25519.PrivateKey
}

// Seed returns the 32-byte private seed.
func (k Key) Seed() []byte {
	return k.Private.Seed()
}

type publicEntry struct {
	PublicKeyB64 string `json:"publicKeyB64"`
}

// privateEntry carries the 64-byte seed||public secret key many embedded
// signing libraries expect, and the bare seed.
type privateEntry struct {
	PrivateKeyB64 string `json:"privateKeyB64"`
	Seed32B64     string `json:"seed32B64"`
}

// DeviceID formats the n-th device id, numbered from 1 and zero-padded to
// three digits.
func DeviceID(prefix string, n int) string {
	return fmt.Sprintf("%s%03d", prefix, n)
}

// Generate creates count keypairs named prefix001, prefix002, ... reading
// entropy from rand.
func Generate(rand io.Reader, prefix string, count int) ([]Key, error) {
	if count <= 0 {
		return nil, errors.New("count must be positive")
	}
	keys := make([]Key, 0, count)
	for i := 1; i <= count; i++ {
		pub, priv, err := ed25519.GenerateKey(rand)
		if err != nil {
			return nil, fmt.Errorf("generate key for %s: %w", DeviceID(prefix, i), err)
		}
		keys = append(keys, Key{DeviceID: DeviceID(prefix, i), Public: pub, Private: priv})
	}
	return keys, nil
}

// PrivatePath derives the private file name: devices.json becomes
// devices_private.json. Paths without a .json suffix get _private appended.
func PrivatePath(publicPath string) string {
	if base, ok := strings.CutSuffix(publicPath, ".json"); ok {
		return base + "_private.json"
	}
	return publicPath + "_private"
}

// Write stores the public registry at publicPath and the secrets at
// PrivatePath(publicPath), readable only by the owner. It returns the private
// path.
func Write(publicPath string, keys []Key) (string, error) {
	pub := make(map[string]publicEntry, len(keys))
	priv := make(map[string]privateEntry, len(keys))
	for _, k := range keys {
		pub[k.DeviceID] = publicEntry{PublicKeyB64: base64.StdEncoding.EncodeToString(k.Public)}
		priv[k.DeviceID] = privateEntry{
			PrivateKeyB64: base64.StdEncoding.EncodeToString(k.Private),
			Seed32B64:     base64.StdEncoding.EncodeToString(k.Seed()),
		}
	}

	if err := writeJSON(publicPath, pub, 0o644); err != nil {
		return "", err
	}
	privatePath := PrivatePath(publicPath)
	if err := writeJSON(privatePath, priv, 0o600); err != nil {
		return "", err
	}
	return privatePath, nil
}

// LoadPrivate reads a private key file written by Write. Entries are
// rebuilt from the seed and checked against the stored 64-byte key.
func LoadPrivate(path string) (map[string]ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private keys: %w", err)
	}
	var entries map[string]privateEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse private keys: %w", err)
	}

	out := make(map[string]ed25519.PrivateKey, len(entries))
	for id, e := range entries {
		seed, err := base64.StdEncoding.DecodeString(e.Seed32B64)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("device %s: seed32B64 is not a %d-byte base64 seed", id, ed25519.SeedSize)
		}
		key := ed25519.NewKeyFromSeed(seed)
		if e.PrivateKeyB64 != "" && e.PrivateKeyB64 != base64.StdEncoding.EncodeToString(key) {
			return nil, fmt.Errorf("device %s: privateKeyB64 does not match seed", id)
		}
		out[id] = key
	}
	return out, nil
}

func writeJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

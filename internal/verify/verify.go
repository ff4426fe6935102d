// Package verify authenticates envelopes. It is the pipeline's only trust
// boundary: everything downstream assumes the envelope is authentic.
package verify

import (
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"myco/internal/envelope"
)

var (
	ErrMissingAuthFields = errors.New("missing content hash or signature")
	// ErrHashMismatch means the payload was tampered with or corrupted.
	ErrHashMismatch = errors.New("content hash mismatch")
	// ErrUnknownDevice means the device was never provisioned; kept distinct
	// from ErrInvalidSignature so provisioning gaps are visible.
	ErrUnknownDevice    = errors.New("unknown device")
	ErrInvalidSignature = errors.New("invalid signature")
)

// KeyLookup resolves a device's public key.
type KeyLookup interface {
	Lookup(deviceID string) (ed25519.PublicKey, bool)
}

// Verifier checks content hashes and signatures against a device registry.
type Verifier struct {
	keys    KeyLookup
	metrics *Metrics
}

// Option configures the Verifier.
type Option func(*Verifier)

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(v *Verifier) {
		v.metrics = m
	}
}

// New creates a verifier backed by keys.
func New(keys KeyLookup, opts ...Option) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("key lookup is required")
	}
	v := &Verifier{keys: keys}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify runs the authentication steps in order and stops at the first
// failure:
//
//  1. contentHash and signature must be present
//  2. recompute BLAKE2b-256 over the canonical encoding
//  3. compare with the declared hash in constant time
//  4. build DomainPrefix || computed hash
//  5. resolve the device key
//  6. verify the Ed25519 signature
func (v *Verifier) Verify(env *envelope.Envelope) error {
	start := time.Now()
	err := v.verify(env)
	if v.metrics != nil {
		v.metrics.ObserveVerify(Reason(err), time.Since(start))
	}
	return err
}

func (v *Verifier) verify(env *envelope.Envelope) error {
	if len(env.ContentHash) == 0 || len(env.Signature) == 0 {
		return fmt.Errorf("device %s: %w", env.DeviceID, ErrMissingAuthFields)
	}

	canonical, err := envelope.Canonical(env)
	if err != nil {
		return fmt.Errorf("device %s: %w: %v", env.DeviceID, ErrHashMismatch, err)
	}
	computed := envelope.ContentHash(canonical)

	if subtle.ConstantTimeCompare(computed, env.ContentHash) != 1 {
		return fmt.Errorf("device %s: %w", env.DeviceID, ErrHashMismatch)
	}

	msg := envelope.SigningMessage(computed)

	key, ok := v.keys.Lookup(env.DeviceID)
	if !ok {
		return fmt.Errorf("device %s: %w", env.DeviceID, ErrUnknownDevice)
	}

	if !ed25519.Verify(key, msg, env.Signature) {
		return fmt.Errorf("device %s: %w", env.DeviceID, ErrInvalidSignature)
	}
	return nil
}

// Reason maps a verification result to a stable label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingAuthFields):
		return "missing_auth_fields"
	case errors.Is(err, ErrHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "error"
	}
}

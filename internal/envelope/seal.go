package envelope

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// DomainPrefix scopes signatures to version 1 of this protocol. Devices sign
// DomainPrefix || BLAKE2b-256(canonical), never the raw payload.
const DomainPrefix = "MYCO1"

// ContentHash returns the BLAKE2b-256 digest of canonical bytes.
func ContentHash(canonical []byte) []byte {
	sum := blake2b.Sum256(canonical)
	return sum[:]
}

// SigningMessage builds the domain-separated message for a content hash.
func SigningMessage(hash []byte) []byte {
	msg := make([]byte, 0, len(DomainPrefix)+len(hash))
	msg = append(msg, DomainPrefix...)
	return append(msg, hash...)
}

// Seal computes the content hash of env and signs it with key, setting
// ContentHash and Signature. It is the sender half of verification and is
// used by provisioning checks and tests.
func Seal(env *Envelope, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size: %d", len(key))
	}
	canonical, err := Canonical(env)
	if err != nil {
		return err
	}
	hash := ContentHash(canonical)
	env.ContentHash = hash
	env.Signature = ed25519.Sign(key, SigningMessage(hash))
	return nil
}

// Package crypto holds the signing and key-derivation primitives used
// by the ledger and evidence subsystems. Signing is Ed25519; purpose
// keys are derived from a single operator-supplied master secret via
// HKDF-SHA256, so one secret in config fans out into independent keys.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Sealer signs canonical byte strings. The in-memory Ed25519 sealer is
// the only implementation today; the interface leaves room for an HSM
// or cloud KMS backend.
type Sealer interface {
	Seal(data []byte) (string, error)
	PublicKey() string
}

// Ed25519Sealer signs with an in-process Ed25519 key.
type Ed25519Sealer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Sealer generates a fresh random keypair.
func NewEd25519Sealer() (*Ed25519Sealer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Ed25519Sealer{priv: priv, pub: pub}, nil
}

// NewEd25519SealerFromSeed builds a deterministic sealer from a 32-byte
// seed, typically derived from the master secret with DeriveKey.
func NewEd25519SealerFromSeed(seed []byte) (*Ed25519Sealer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Sealer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Seal returns the hex-encoded Ed25519 signature over data.
func (s *Ed25519Sealer) Seal(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, data)), nil
}

// PublicKey returns the hex-encoded public key.
func (s *Ed25519Sealer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// Verify checks a hex signature produced by a sealer against a hex
// public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: invalid public key size %d", len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}

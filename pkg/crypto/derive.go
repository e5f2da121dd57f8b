package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key purposes derived from the master secret. Each purpose yields an
// independent key; compromising one does not expose the others.
const (
	PurposeLedgerSeal  = "ledger-seal"
	PurposeWebhookHMAC = "webhook-hmac"
	PurposeTokenAuth   = "token-auth"
)

const kdfSalt = "bequest-kdf-v1"

// DeriveKey derives n bytes of key material for the given purpose from
// the master secret using HKDF-SHA256. Derivation is deterministic: the
// same master and purpose always produce the same key.
func DeriveKey(master []byte, purpose string, n int) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("crypto: master secret must not be empty")
	}
	if purpose == "" {
		return nil, fmt.Errorf("crypto: purpose must not be empty")
	}

	r := hkdf.New(sha256.New, master, []byte(kdfSalt), []byte(purpose))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: HKDF derivation failed: %w", err)
	}
	return out, nil
}

// SealerFromMaster derives the deterministic ledger-seal keypair from
// the master secret.
func SealerFromMaster(master []byte) (*Ed25519Sealer, error) {
	seed, err := DeriveKey(master, PurposeLedgerSeal, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return NewEd25519SealerFromSeed(seed)
}

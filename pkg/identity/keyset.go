// Package identity issues and validates the bearer tokens accepted by
// the HTTP surface. Tokens are Ed25519-signed JWTs. The key set
// supports rotation without invalidating live sessions, and a
// deployment with a master secret derives its signing key
// deterministically so tokens survive restarts.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bequest-labs/bequest/pkg/crypto"
)

// KeySet manages the active signing key and verification of tokens
// signed by past keys.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the verification key selected by the token header.
	KeyFunc() jwt.Keyfunc
}

// maxRetainedKeys bounds the kid map. Rotating past the bound evicts
// an old key, which invalidates any tokens still signed with it.
const maxRetainedKeys = 10

// InMemoryKeySet holds Ed25519 keys in process memory.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]ed25519.PrivateKey
}

// NewKeySet creates a key set with a fresh random signing key.
func NewKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{keys: make(map[string]ed25519.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewKeySetFromMaster derives the signing key from the master secret.
// The same master always yields the same key, so tokens issued before
// a restart still verify after it.
func NewKeySetFromMaster(master []byte) (*InMemoryKeySet, error) {
	seed, err := crypto.DeriveKey(master, crypto.PurposeTokenAuth, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return &InMemoryKeySet{
		currentKID: "master-1",
		keys: map[string]ed25519.PrivateKey{
			"master-1": ed25519.NewKeyFromSeed(seed),
		},
	}, nil
}

// Rotate generates a new signing key and makes it current. Previously
// issued tokens keep verifying until their key is evicted.
func (ks *InMemoryKeySet) Rotate() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("identity: generating key: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.keys[kid] = priv
	ks.currentKID = kid

	if len(ks.keys) > maxRetainedKeys {
		for k := range ks.keys {
			if k != kid {
				delete(ks.keys, k)
				break
			}
		}
	}
	return nil
}

// Sign signs claims with the current key, recording its kid in the
// token header.
func (ks *InMemoryKeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	key := ks.keys[kid]
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("identity: no active signing key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// KeyFunc resolves the verification key named by the token's kid
// header. Only EdDSA tokens are accepted.
func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("identity: missing kid in token header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("identity: unknown key %s", kid)
		}
		return key.Public(), nil
	}
}

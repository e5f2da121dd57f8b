package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bequest-labs/bequest/pkg/plan"
)

// RoleAdmin marks the administrative identity. Executor reassignment
// and abort require it.
const RoleAdmin = "admin"

const (
	tokenIssuer   = "bequest/identity"
	tokenAudience = "bequest"
)

// Claims are the JWT claims carried by Bequest tokens. Subject is the
// participant identity the caller acts as.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the claims carry the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Identity returns the subject as a normalized participant identity.
func (c *Claims) Identity() plan.Identity {
	return plan.NormalizeIdentity(plan.Identity(c.Subject))
}

// TokenManager issues and validates bearer tokens against a KeySet.
type TokenManager struct {
	keySet KeySet
}

// NewTokenManager creates a manager over the given key set.
func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks}
}

// Issue signs a token for subject with the given roles and lifetime.
func (tm *TokenManager) Issue(ctx context.Context, subject plan.Identity, roles []string, ttl time.Duration) (string, error) {
	subject = plan.NormalizeIdentity(subject)
	if subject == "" {
		return "", fmt.Errorf("identity: token subject required")
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(subject),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
		},
		Roles: roles,
	}
	return tm.keySet.Sign(ctx, claims)
}

// Validate parses tokenStr, checks signature, expiry, issuer, and
// audience, and returns the claims.
func (tm *TokenManager) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, tm.keySet.KeyFunc(),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: token validation failed: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

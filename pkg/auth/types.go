// Package auth authenticates HTTP callers and carries the resulting
// principal through the request context. It also supplies the
// request-scoped middleware: request IDs, CORS, and per-principal
// rate limiting.
package auth

import (
	"github.com/bequest-labs/bequest/pkg/identity"
	"github.com/bequest-labs/bequest/pkg/plan"
)

// Principal is the authenticated caller of a request. Identity is the
// participant identity the caller acts as; handlers pass it to the
// plan operations, which decide whether that identity is the owner, a
// guardian, or neither.
type Principal struct {
	Identity plan.Identity
	Roles    []string
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool {
	return p.HasRole(identity.RoleAdmin)
}

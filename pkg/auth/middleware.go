package auth

import (
	"net/http"
	"strings"

	"github.com/bequest-labs/bequest/pkg/api"
	"github.com/bequest-labs/bequest/pkg/identity"
)

// TokenValidator validates a bearer token and returns its claims.
// *identity.TokenManager satisfies it.
type TokenValidator interface {
	Validate(token string) (*identity.Claims, error)
}

// publicPaths are reachable without credentials. Everything else is
// fail-closed.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// Middleware authenticates every request with a bearer token and
// stores the resulting Principal in the request context. Requests
// without a valid token are rejected before they reach a handler.
func Middleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "authentication is not configured")
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteUnauthorized(w, "missing Authorization header")
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				api.WriteUnauthorized(w, "Authorization header must be a Bearer token")
				return
			}

			claims, err := validator.Validate(token)
			if err != nil {
				api.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			principal := Principal{
				Identity: claims.Identity(),
				Roles:    claims.Roles,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

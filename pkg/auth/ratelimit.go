package auth

import (
	"log/slog"
	"net/http"

	"github.com/bequest-labs/bequest/pkg/api"
	"github.com/bequest-labs/bequest/pkg/backpressure"
)

// RateLimitMiddleware throttles requests per principal using the
// shared limiter store. Unauthenticated requests fall back to the
// remote address so public paths are still bounded. A nil store
// disables limiting; limiter errors fail open because a degraded
// Redis must not take the API down.
func RateLimitMiddleware(store backpressure.LimiterStore, policy backpressure.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actor := r.RemoteAddr
			if p, ok := GetPrincipal(r.Context()); ok {
				actor = string(p.Identity)
			}

			allowed, err := store.Allow(r.Context(), actor, policy, 1)
			if err != nil {
				slog.Warn("rate limiter unavailable, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := 1
				if policy.RPM > 0 && 60/policy.RPM > 1 {
					retryAfter = 60 / policy.RPM
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/keygate/keygate/internal/model"
)

// RateLimit returns an HTTP middleware that limits requests per IP address
// to the specified number per minute. It guards the management API, which
// is not covered by per-key limits.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, model.CodeRateLimited, "Too many requests", nil)
		}),
	)
}

// RateLimitByOwner limits management requests per authenticated owner. It
// must be used after Authenticate; unauthenticated requests share the
// client IP bucket.
func RateLimitByOwner(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if p := GetPrincipal(r.Context()); p != nil {
				return "owner:" + p.OwnerID, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, model.CodeRateLimited, "Too many requests", nil)
		}),
	)
}

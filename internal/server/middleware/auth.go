package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Principal types.
const (
	PrincipalOwner  = "owner"
	PrincipalAPIKey = "api_key"
)

// Principal represents the authenticated identity making the request.
type Principal struct {
	Type    string // PrincipalOwner or PrincipalAPIKey
	OwnerID string
	Email   string
	// Identity is set for API key principals.
	Identity *model.Identity
}

// Authenticate returns an HTTP middleware that establishes the request's
// principal. It accepts, in order:
//
//  1. an API key identity already attached by Guard earlier in the chain
//  2. an owner JWT Bearer token in the Authorization header
//
// On failure, a 401 JSON error response is returned.
func Authenticate(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var principal *Principal

			if id := GetIdentity(r.Context()); id != nil {
				principal = &Principal{
					Type:     PrincipalAPIKey,
					OwnerID:  id.OwnerID,
					Identity: id,
				}
			}

			if principal == nil {
				authHeader := r.Header.Get("Authorization")
				if token, ok := bearerToken(authHeader); ok {
					p, err := authSvc.ValidateJWT(r.Context(), token)
					if err != nil {
						writeError(w, http.StatusUnauthorized, model.CodeUnauthorized, "Invalid token", nil)
						return
					}
					noteCaller(r.Context(), "", p.OwnerID)
					principal = &Principal{
						Type:    PrincipalOwner,
						OwnerID: p.OwnerID,
						Email:   p.Email,
					}
				}
			}

			if principal == nil {
				writeError(w, http.StatusUnauthorized, model.CodeUnauthorized,
					"Authentication required. Provide an API key or an owner Bearer token.", nil)
				return
			}

			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireOwner returns an HTTP middleware that only admits owner JWT
// principals. Key management is never reachable with an API key. It must be
// used after Authenticate in the middleware chain.
func RequireOwner() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || principal.Type != PrincipalOwner {
				writeError(w, http.StatusForbidden, model.CodeForbidden, "Owner access required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

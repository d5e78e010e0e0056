package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/keys"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/service"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRateLimitStatus    = "X-RateLimit-Status"
)

// APIKeyHeader and APIKeyQueryParam are the non-bearer key carriers.
const (
	APIKeyHeader     = "X-API-Key"
	APIKeyQueryParam = "api_key"
)

type contextKeyIdentity string

// IdentityKey is the context key for the API key identity set by Guard.
const IdentityKey contextKeyIdentity = "api_key_identity"

// KeyAuthenticator validates presented key material. *service.Authenticator
// implements it.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, creds service.Credentials, required []string) (*service.Outcome, *service.Rejection)
}

// Extractor pulls a candidate API key from a request. It only reports a
// match when the value starts with a recognized environment literal.
type Extractor func(r *http.Request) (string, bool)

// Extractors are tried in order; the first match wins.
var Extractors = []Extractor{FromAuthorization, FromAPIKeyHeader, FromQuery}

// FromAuthorization reads "Authorization: Bearer <key>".
func FromAuthorization(r *http.Request) (string, bool) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return "", false
	}
	return recognized(token)
}

// FromAPIKeyHeader reads the X-API-Key header.
func FromAPIKeyHeader(r *http.Request) (string, bool) {
	return recognized(strings.TrimSpace(r.Header.Get(APIKeyHeader)))
}

// FromQuery reads the api_key query parameter.
func FromQuery(r *http.Request) (string, bool) {
	return recognized(r.URL.Query().Get(APIKeyQueryParam))
}

func recognized(v string) (string, bool) {
	if _, ok := keys.EnvironmentOf(v); !ok {
		return "", false
	}
	return v, true
}

// ExtractKey runs the extractors in order.
func ExtractKey(r *http.Request) (string, bool) {
	for _, extract := range Extractors {
		if v, ok := extract(r); ok {
			return v, true
		}
	}
	return "", false
}

// ClientIP returns the request's client address. Behind a proxy, RealIP
// must run first so RemoteAddr reflects the forwarded client.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// Guard returns an HTTP middleware that authenticates storefront requests
// by API key and requires the given scopes. A request that presents no
// recognizable key passes through untouched so another authenticator can
// decide. Any rejection ends the request with the structured error
// envelope.
func Guard(auth KeyAuthenticator, scopes ...string) func(http.Handler) http.Handler {
	required := append([]string(nil), scopes...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret, ok := ExtractKey(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			out, rej := auth.Authenticate(r.Context(), service.Credentials{
				Secret:   secret,
				Origin:   r.Header.Get("Origin"),
				ClientIP: ClientIP(r),
			}, required)
			if rej != nil {
				noteCaller(r.Context(), keys.PrefixOf(secret), "")
				if rej.RateLimit != nil {
					setRateHeaders(w, *rej.RateLimit)
				}
				writeRejection(w, rej)
				return
			}

			noteCaller(r.Context(), out.Identity.KeyPrefix, out.Identity.OwnerID)
			setRateHeaders(w, out.RateLimit)
			ctx := context.WithValue(r.Context(), IdentityKey, out.Identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity returns the API key identity attached by Guard, or nil.
func GetIdentity(ctx context.Context) *model.Identity {
	if id, ok := ctx.Value(IdentityKey).(*model.Identity); ok {
		return id
	}
	return nil
}

func setRateHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Enforced {
		h.Set(HeaderRateLimitStatus, "not-enforced")
	}
}

// StatusFor maps a rejection code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case model.CodeInvalidAPIKey, model.CodeAPIKeyRevoked, model.CodeAPIKeyExpired:
		return http.StatusUnauthorized
	case model.CodeInsufficientScopes, model.CodeOriginNotAllowed, model.CodeIPNotAllowed:
		return http.StatusForbidden
	case model.CodeMonthlyQuotaExceeded, model.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case model.CodeAuthUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

func writeRejection(w http.ResponseWriter, rej *service.Rejection) {
	var ctx map[string]interface{}
	switch {
	case rej.Code == model.CodeInsufficientScopes:
		ctx = map[string]interface{}{"missing_scopes": rej.Missing}
	case rej.Code == model.CodeRateLimitExceeded && rej.RateLimit != nil:
		reset := rej.RateLimit.ResetAt
		retry := int(math.Ceil(time.Until(reset).Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		ctx = map[string]interface{}{
			"limit":       rej.RateLimit.Limit,
			"remaining":   rej.RateLimit.Remaining,
			"reset_at":    reset.UTC().Format(time.RFC3339),
			"retry_after": retry,
		}
	case rej.Code == model.CodeAuthUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, StatusFor(rej.Code), rej.Code, rej.Message, ctx)
}

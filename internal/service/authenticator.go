package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keygate/keygate/internal/keys"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/policy"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/telemetry"
)

// Default authenticator timeouts.
const (
	DefaultLookupTimeout = 2 * time.Second
	DefaultUsageTimeout  = 5 * time.Second
)

// outcomeOK is the metrics label for an authorized request.
const outcomeOK = "OK"

// dummyHash is compared against when no record exists at a prefix, so an
// unknown prefix costs the same comparison as a hash mismatch.
var dummyHash = keys.Hash("keygate-unknown-prefix")

// Credentials is the key material and request attributes the Guard
// extracted from one request.
type Credentials struct {
	Secret   string
	Origin   string
	ClientIP string
}

// Outcome is a successful authentication.
type Outcome struct {
	Identity  *model.Identity
	RateLimit ratelimit.Result
}

// Rejection is a failed authentication. Code is one of the model.Code*
// reason codes; Message is safe to return to the caller.
type Rejection struct {
	Code    string
	Message string
	// Missing lists the required scopes the key lacks.
	Missing []string
	// RateLimit is the key's window. It is nil when no key was resolved.
	// Only a RATE_LIMIT_EXCEEDED rejection counted the request.
	RateLimit *ratelimit.Result
}

func (r *Rejection) Error() string {
	return r.Code + ": " + r.Message
}

// Authenticator runs the per-request key pipeline: resolve, state checks,
// policy checks, rate limit, usage recording.
type Authenticator struct {
	store         KeyStore
	limiter       *ratelimit.Limiter
	metrics       *telemetry.Metrics
	logger        *slog.Logger
	now           func() time.Time
	lookupTimeout time.Duration
	usageTimeout  time.Duration

	usage sync.WaitGroup
}

// AuthenticatorOption configures an Authenticator.
type AuthenticatorOption func(*Authenticator)

// WithLookupTimeout bounds the Key Store lookup. A lookup that times out is
// rejected as unavailable.
func WithLookupTimeout(d time.Duration) AuthenticatorOption {
	return func(a *Authenticator) {
		if d > 0 {
			a.lookupTimeout = d
		}
	}
}

// WithAuthMetrics records decision metrics.
func WithAuthMetrics(m *telemetry.Metrics) AuthenticatorOption {
	return func(a *Authenticator) { a.metrics = m }
}

// WithAuthLogger sets the authenticator logger.
func WithAuthLogger(l *slog.Logger) AuthenticatorOption {
	return func(a *Authenticator) { a.logger = l }
}

// WithAuthClock overrides the time source used for expiry checks.
func WithAuthClock(now func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(store KeyStore, limiter *ratelimit.Limiter, opts ...AuthenticatorOption) *Authenticator {
	a := &Authenticator{
		store:         store,
		limiter:       limiter,
		logger:        slog.Default(),
		now:           time.Now,
		lookupTimeout: DefaultLookupTimeout,
		usageTimeout:  DefaultUsageTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate validates presented key material for an endpoint requiring
// the given scopes.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials, required []string) (*Outcome, *Rejection) {
	start := time.Now()
	out, rej := a.authenticate(ctx, creds, required)
	code := outcomeOK
	if rej != nil {
		code = rej.Code
	}
	a.metrics.ObserveAuth(code, time.Since(start))
	return out, rej
}

func (a *Authenticator) authenticate(ctx context.Context, creds Credentials, required []string) (*Outcome, *Rejection) {
	key, rej := a.resolve(ctx, creds.Secret)
	if rej != nil {
		return nil, rej
	}
	log := a.logger.With("key_id", key.ID, "key_prefix", key.KeyPrefix)

	now := a.now()
	switch {
	case !key.IsActive():
		log.Debug("api key rejected: revoked")
		rej = &Rejection{Code: model.CodeAPIKeyRevoked, Message: "API key has been revoked"}
	case key.IsExpired(now):
		log.Debug("api key rejected: expired")
		rej = &Rejection{Code: model.CodeAPIKeyExpired, Message: "API key has expired"}
	case key.QuotaExhausted():
		log.Debug("api key rejected: monthly quota exhausted")
		rej = &Rejection{Code: model.CodeMonthlyQuotaExceeded, Message: "Monthly request quota exceeded"}
	default:
		decision := policy.Evaluate(key, policy.Request{
			RequiredScopes: required,
			Origin:         creds.Origin,
			ClientIP:       creds.ClientIP,
		})
		if !decision.Allowed {
			log.Debug("api key rejected by policy", "reason", decision.Reason, "origin", creds.Origin, "client_ip", creds.ClientIP)
			rej = policyRejection(decision)
		}
	}
	if rej != nil {
		// Report the window without spending budget on a refused request.
		status := a.limiter.Status(ctx, key.KeyPrefix, key.RateLimit)
		rej.RateLimit = &status
		return nil, rej
	}

	res := a.limiter.Check(ctx, key.KeyPrefix, key.RateLimit)
	if !res.Enforced {
		a.metrics.RateLimitNotEnforced()
	}
	if !res.Allowed {
		log.Debug("api key rejected: rate limit", "limit", res.Limit)
		return nil, &Rejection{
			Code:      model.CodeRateLimitExceeded,
			Message:   "Rate limit exceeded",
			RateLimit: &res,
		}
	}

	a.recordUsage(ctx, key.ID, now)
	return &Outcome{Identity: model.IdentityFor(key), RateLimit: res}, nil
}

// resolve finds the record matching secret. Every failure to match yields
// the same rejection; only the debug log tells them apart.
func (a *Authenticator) resolve(ctx context.Context, secret string) (*model.APIKey, *Rejection) {
	invalid := &Rejection{Code: model.CodeInvalidAPIKey, Message: "Invalid API key"}

	env, ok := keys.EnvironmentOf(secret)
	if !ok || len(secret) != keys.Length {
		a.logger.Debug("api key rejected: malformed")
		return nil, invalid
	}
	prefix := keys.PrefixOf(secret)

	lookupCtx, cancel := context.WithTimeout(ctx, a.lookupTimeout)
	defer cancel()
	candidates, err := a.store.FindAPIKeysByPrefix(lookupCtx, prefix)
	if err != nil {
		a.logger.Error("api key lookup failed", "key_prefix", prefix, "error", err)
		return nil, &Rejection{Code: model.CodeAuthUnavailable, Message: "Authentication is temporarily unavailable"}
	}

	digest := keys.Hash(secret)
	if len(candidates) == 0 {
		keys.Verify(digest, dummyHash)
		a.logger.Debug("api key rejected: no key at prefix", "key_prefix", prefix)
		return nil, invalid
	}

	var match *model.APIKey
	for i := range candidates {
		// Compare every candidate so the position of a match is not
		// observable.
		if keys.Verify(digest, candidates[i].KeyHash) && match == nil {
			match = &candidates[i]
		}
	}
	if match == nil {
		a.logger.Debug("api key rejected: hash mismatch", "key_prefix", prefix)
		return nil, invalid
	}
	if match.Environment != env {
		a.logger.Debug("api key rejected: environment mismatch", "key_prefix", prefix)
		return nil, invalid
	}
	return match, nil
}

func policyRejection(d policy.Decision) *Rejection {
	switch d.Reason {
	case policy.ReasonInsufficientScopes:
		return &Rejection{
			Code:    model.CodeInsufficientScopes,
			Message: "API key is missing required scopes",
			Missing: d.Missing,
		}
	case policy.ReasonOriginNotAllowed:
		return &Rejection{Code: model.CodeOriginNotAllowed, Message: "Origin is not allowed for this API key"}
	default:
		return &Rejection{Code: model.CodeIPNotAllowed, Message: "Client IP is not allowed for this API key"}
	}
}

// recordUsage counts the request without holding up the response. The
// write outlives the request context but has its own deadline.
func (a *Authenticator) recordUsage(ctx context.Context, keyID string, at time.Time) {
	a.usage.Add(1)
	go func() {
		defer a.usage.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.usageTimeout)
		defer cancel()
		if err := a.store.RecordAPIKeyUsage(ctx, keyID, at); err != nil {
			a.metrics.UsageWriteFailed()
			a.logger.Warn("failed to record api key usage", "key_id", keyID, "error", err)
		}
	}()
}

// Wait blocks until in-flight usage writes finish.
func (a *Authenticator) Wait() {
	a.usage.Wait()
}

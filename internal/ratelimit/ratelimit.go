// Package ratelimit enforces per-key fixed-window request limits against a
// shared counter store.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/keygate/keygate/internal/counter"
)

// Window is the length of a rate limit window.
const Window = 60 * time.Second

// Result describes the state of a key's current window. Limit, Remaining and
// ResetAt are reported to the caller whether or not the request is allowed.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// Enforced is false when the counter store could not be consulted and
	// the request was let through without counting.
	Enforced bool
}

// Limiter counts requests per key prefix.
type Limiter struct {
	store   counter.Store
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTimeout bounds the counter store round trips of one check.
// Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithLogger sets the logger used for degraded-mode warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter over store.
func New(store counter.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		timeout: 500 * time.Millisecond,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WindowKey is the counter key for a key prefix.
func WindowKey(prefix string) string {
	return "rl:" + prefix
}

// Check counts one request for prefix against limit.
//
// The policy is fail-open: if the counter store errors or times out, the
// request is allowed with Enforced=false. Throttling legitimate traffic
// during an infrastructure outage is judged worse than briefly exceeding a
// limit.
func (l *Limiter) Check(ctx context.Context, prefix string, limit int) Result {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now()
	key := WindowKey(prefix)

	count, err := l.store.Increment(ctx, key)
	if err != nil {
		return l.failOpen(prefix, limit, now, err)
	}
	if count == 1 {
		if err := l.store.SetExpiry(ctx, key, Window); err != nil {
			return l.failOpen(prefix, limit, now, err)
		}
	}

	ttl, err := l.store.RemainingTTL(ctx, key)
	if err != nil {
		return l.failOpen(prefix, limit, now, err)
	}
	if ttl == counter.NoTTL {
		// The expiry from the first increment was lost. Re-arm it so the
		// window cannot become permanent.
		if err := l.store.SetExpiry(ctx, key, Window); err != nil {
			return l.failOpen(prefix, limit, now, err)
		}
		ttl = Window
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(ttl),
		Enforced:  true,
	}
}

// Peek reports the current count of prefix's window without counting a
// request. Used for usage reports.
func (l *Limiter) Peek(ctx context.Context, prefix string) (count int64, ttl time.Duration, err error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	key := WindowKey(prefix)
	count, err = l.store.Get(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	ttl, err = l.store.RemainingTTL(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	return count, ttl, nil
}

// Status reports prefix's current window against limit without counting a
// request. It fills the rate headers on rejections that stop before the
// limiter. A counter store error yields Enforced=false.
func (l *Limiter) Status(ctx context.Context, prefix string, limit int) Result {
	now := l.now()
	count, ttl, err := l.Peek(ctx, prefix)
	if err != nil {
		return l.failOpen(prefix, limit, now, err)
	}
	if ttl <= 0 {
		// No open window: the next request starts a fresh one.
		count, ttl = 0, Window
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count < int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(ttl),
		Enforced:  true,
	}
}

func (l *Limiter) failOpen(prefix string, limit int, now time.Time, err error) Result {
	l.logger.Warn("rate limit not enforced: counter store error",
		"key_prefix", prefix,
		"error", err,
	)
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   now.Add(Window),
		Enforced:  false,
	}
}

package counter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig controls when the breaker stops calling the backend.
type BreakerConfig struct {
	Name string
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// BreakerStore wraps a Store with a circuit breaker. While the breaker is
// open, calls fail immediately with ErrUnavailable instead of waiting on
// backend timeouts, which keeps the fail-open rate limit path fast during a
// Redis outage.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps next.
func NewBreakerStore(next Store, cfg BreakerConfig) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "counter-store"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	threshold := cfg.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A cancelled request says nothing about backend health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the current breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) run(fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	return v, err
}

// Increment implements Store.
func (b *BreakerStore) Increment(ctx context.Context, key string) (int64, error) {
	v, err := b.run(func() (interface{}, error) {
		return b.next.Increment(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// SetExpiry implements Store.
func (b *BreakerStore) SetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	_, err := b.run(func() (interface{}, error) {
		return nil, b.next.SetExpiry(ctx, key, ttl)
	})
	return err
}

// RemainingTTL implements Store.
func (b *BreakerStore) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	v, err := b.run(func() (interface{}, error) {
		return b.next.RemainingTTL(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	return v.(time.Duration), nil
}

// Get implements Store.
func (b *BreakerStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := b.run(func() (interface{}, error) {
		return b.next.Get(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Ping bypasses the breaker so readiness probes see the real backend state.
func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

// Close implements Store.
func (b *BreakerStore) Close() error {
	return b.next.Close()
}

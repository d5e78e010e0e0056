package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/keygate/keygate/internal/counter"
)

var quiet = WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCheckWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := counter.NewMemoryStoreWithClock(clock.Now)
	l := New(store, WithClock(clock.Now), quiet)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		r := l.Check(ctx, "sf_live_abcdefgh", 5)
		if !r.Allowed || !r.Enforced {
			t.Fatalf("request %d: %+v, want allowed", i, r)
		}
		if r.Remaining != 5-i {
			t.Errorf("request %d: Remaining = %d, want %d", i, r.Remaining, 5-i)
		}
		if r.Limit != 5 {
			t.Errorf("Limit = %d, want 5", r.Limit)
		}
	}

	r := l.Check(ctx, "sf_live_abcdefgh", 5)
	if r.Allowed {
		t.Fatal("6th request in window should be rejected")
	}
	if r.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", r.Remaining)
	}
	if !r.ResetAt.After(clock.Now()) || r.ResetAt.After(clock.Now().Add(Window)) {
		t.Errorf("ResetAt = %v, want within the next window", r.ResetAt)
	}

	clock.Advance(Window)
	r = l.Check(ctx, "sf_live_abcdefgh", 5)
	if !r.Allowed || r.Remaining != 4 {
		t.Errorf("after window: %+v, want allowed with 4 remaining", r)
	}
}

func TestCheckKeysAreIndependent(t *testing.T) {
	l := New(counter.NewMemoryStore(), quiet)
	ctx := context.Background()

	l.Check(ctx, "a", 1)
	if r := l.Check(ctx, "a", 1); r.Allowed {
		t.Error("second request for a should be limited")
	}
	if r := l.Check(ctx, "b", 1); !r.Allowed {
		t.Error("b has its own window")
	}
}

func TestCheckWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	store := counter.NewRedisStore(counter.RedisConfig{Address: mr.Addr(), Prefix: "keygate:", Timeout: 200 * time.Millisecond})
	defer store.Close()
	l := New(store, quiet)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if r := l.Check(ctx, "pfx", 5); !r.Allowed {
			t.Fatalf("request %d rejected", i+1)
		}
	}
	if r := l.Check(ctx, "pfx", 5); r.Allowed || !r.Enforced {
		t.Fatalf("6th request: %+v, want enforced rejection", r)
	}
	if ttl := mr.TTL("keygate:" + WindowKey("pfx")); ttl <= 0 || ttl > Window {
		t.Errorf("window TTL = %v", ttl)
	}

	mr.FastForward(Window + time.Second)
	if r := l.Check(ctx, "pfx", 5); !r.Allowed {
		t.Fatal("7th request after the window should succeed")
	}
}

func TestCheckRearmsMissingExpiry(t *testing.T) {
	store := counter.NewMemoryStore()
	ctx := context.Background()
	// Simulate a window whose expiry was never set.
	store.Increment(ctx, WindowKey("p"))

	l := New(store, quiet)
	r := l.Check(ctx, "p", 10)
	if !r.Allowed || r.Remaining != 8 {
		t.Fatalf("unexpected result %+v", r)
	}
	ttl, _ := store.RemainingTTL(ctx, WindowKey("p"))
	if ttl <= 0 {
		t.Errorf("expiry was not re-armed, ttl = %v", ttl)
	}
}

type downStore struct{ *counter.MemoryStore }

func (*downStore) Increment(context.Context, string) (int64, error) {
	return 0, counter.ErrUnavailable
}

func TestCheckFailsOpen(t *testing.T) {
	l := New(&downStore{counter.NewMemoryStore()}, quiet)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r := l.Check(ctx, "p", 2)
		if !r.Allowed {
			t.Fatalf("request %d rejected during outage", i+1)
		}
		if r.Enforced {
			t.Fatal("expected Enforced=false during outage")
		}
		if r.Limit != 2 || r.Remaining != 2 {
			t.Errorf("Limit/Remaining = %d/%d, want 2/2", r.Limit, r.Remaining)
		}
	}
}

func TestCheckFailsOpenWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	store := counter.NewRedisStore(counter.RedisConfig{Address: mr.Addr(), Timeout: 100 * time.Millisecond})
	defer store.Close()
	mr.Close()

	l := New(store, quiet, WithTimeout(300*time.Millisecond))
	r := l.Check(context.Background(), "p", 0)
	if !r.Allowed || r.Enforced {
		t.Errorf("expected fail-open result, got %+v", r)
	}
}

func TestPeek(t *testing.T) {
	l := New(counter.NewMemoryStore(), quiet)
	ctx := context.Background()

	l.Check(ctx, "p", 10)
	l.Check(ctx, "p", 10)
	n, ttl, err := l.Peek(ctx, "p")
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if ttl <= 0 || ttl > Window {
		t.Errorf("ttl = %v", ttl)
	}
	// Peek does not count.
	if n2, _, _ := l.Peek(ctx, "p"); n2 != 2 {
		t.Errorf("Peek changed the count to %d", n2)
	}
}

func TestStatusDoesNotCount(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := counter.NewMemoryStoreWithClock(clock.Now)
	l := New(store, WithClock(clock.Now), quiet)
	ctx := context.Background()

	r := l.Status(ctx, "p", 3)
	if !r.Enforced || r.Limit != 3 || r.Remaining != 3 || !r.ResetAt.Equal(clock.Now().Add(Window)) {
		t.Errorf("status without a window = %+v", r)
	}

	l.Check(ctx, "p", 3)
	clock.Advance(10 * time.Second)
	r = l.Status(ctx, "p", 3)
	if r.Remaining != 2 || !r.Allowed {
		t.Errorf("status after one request = %+v", r)
	}
	if want := clock.Now().Add(Window - 10*time.Second); !r.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", r.ResetAt, want)
	}
	if n, _, _ := l.Peek(ctx, "p"); n != 1 {
		t.Errorf("Status changed the count to %d", n)
	}
}

type unreachableStore struct{ *counter.MemoryStore }

func (*unreachableStore) Get(context.Context, string) (int64, error) {
	return 0, counter.ErrUnavailable
}

func TestStatusDuringOutage(t *testing.T) {
	l := New(&unreachableStore{counter.NewMemoryStore()}, quiet)
	r := l.Status(context.Background(), "p", 4)
	if r.Enforced || r.Remaining != 4 {
		t.Errorf("status during outage = %+v, want not enforced", r)
	}
}

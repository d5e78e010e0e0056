package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("") // in-memory
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(owner, prefix string) *model.APIKey {
	return &model.APIKey{
		OwnerID:             owner,
		Name:                "integration",
		KeyHash:             "hash-" + prefix,
		KeyPrefix:           prefix,
		Environment:         model.EnvironmentLive,
		Scopes:              []string{"products:read"},
		AllowedOrigins:      []string{"https://shop.example"},
		AllowedIPs:          []string{"10.0.0.0/8"},
		RateLimit:           60,
		MonthlyRequestLimit: 1000,
	}
}

func TestAPIKeyCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := testKey("owner-1", "sf_live_AAAAAAAA")
	if err := s.CreateAPIKey(ctx, k); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if k.ID == "" {
		t.Fatal("expected ID to be assigned")
	}
	if k.Status != model.StatusActive {
		t.Errorf("Status = %q, want active", k.Status)
	}

	got, err := s.GetAPIKey(ctx, k.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if got.KeyHash != k.KeyHash || got.KeyPrefix != k.KeyPrefix {
		t.Errorf("hash/prefix not persisted: %+v", got)
	}
	if len(got.Scopes) != 1 || got.Scopes[0] != "products:read" {
		t.Errorf("Scopes = %v", got.Scopes)
	}
	if len(got.AllowedIPs) != 1 || got.AllowedIPs[0] != "10.0.0.0/8" {
		t.Errorf("AllowedIPs = %v", got.AllowedIPs)
	}
	if got.LastUsedAt != nil || got.ExpiresAt != nil || got.RevokeAfter != nil {
		t.Errorf("expected nil optional timestamps, got %+v", got)
	}

	if _, err := s.GetAPIKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIKeyNilSetsRoundTripEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := testKey("o", "sf_test_BBBBBBBB")
	k.AllowedOrigins = nil
	k.AllowedIPs = nil
	if err := s.CreateAPIKey(ctx, k); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	got, _ := s.GetAPIKey(ctx, k.ID)
	if got.AllowedOrigins == nil || len(got.AllowedOrigins) != 0 {
		t.Errorf("AllowedOrigins = %#v, want empty slice", got.AllowedOrigins)
	}
}

func TestFindAPIKeysByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testKey("o", "sf_live_SHARED00")
	b := testKey("o", "sf_live_SHARED00")
	b.KeyHash = "other-hash"
	c := testKey("o", "sf_live_DIFFERNT")
	for _, k := range []*model.APIKey{a, b, c} {
		if err := s.CreateAPIKey(ctx, k); err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}
	}

	got, err := s.FindAPIKeysByPrefix(ctx, "sf_live_SHARED00")
	if err != nil {
		t.Fatalf("FindAPIKeysByPrefix: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d keys, want 2 sharing the prefix", len(got))
	}

	none, err := s.FindAPIKeysByPrefix(ctx, "sf_live_NOPE0000")
	if err != nil || len(none) != 0 {
		t.Errorf("unknown prefix: %v, %v", none, err)
	}
}

func TestListAPIKeysByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateAPIKey(ctx, testKey("alice", "sf_live_A1111111"))
	s.CreateAPIKey(ctx, testKey("alice", "sf_live_A2222222"))
	s.CreateAPIKey(ctx, testKey("bob", "sf_live_B1111111"))

	keys, err := s.ListAPIKeysByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListAPIKeysByOwner: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("got %d keys for alice, want 2", len(keys))
	}
	for _, k := range keys {
		if k.OwnerID != "alice" {
			t.Errorf("leaked key of %s", k.OwnerID)
		}
	}

	all, _ := s.ListAPIKeys(ctx)
	if len(all) != 3 {
		t.Errorf("ListAPIKeys = %d, want 3", len(all))
	}
}

func TestUpdateAPIKeyFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := testKey("o", "sf_live_UPDATE00")
	s.CreateAPIKey(ctx, k)
	s.RecordAPIKeyUsage(ctx, k.ID, time.Now())

	name := "renamed"
	scopes := []string{"products:read", "cart:write"}
	limit := 5
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	patch := model.KeyPatch{Name: &name, Scopes: &scopes, RateLimit: &limit, ExpiresAt: &exp}
	if err := s.UpdateAPIKeyFields(ctx, k.ID, patch); err != nil {
		t.Fatalf("UpdateAPIKeyFields: %v", err)
	}

	got, _ := s.GetAPIKey(ctx, k.ID)
	if got.Name != "renamed" || got.RateLimit != 5 || len(got.Scopes) != 2 {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, exp)
	}
	if got.RequestCount != 1 {
		t.Errorf("update clobbered usage: RequestCount = %d", got.RequestCount)
	}
	if got.KeyHash != k.KeyHash {
		t.Error("update touched the hash")
	}
	if got.MonthlyRequestLimit != 1000 {
		t.Errorf("untouched field changed: %d", got.MonthlyRequestLimit)
	}

	if err := s.UpdateAPIKeyFields(ctx, "missing", patch); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key: expected ErrNotFound, got %v", err)
	}
}

func TestRevokeAPIKeyIsConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	k := testKey("o", "sf_live_REVOKE00")
	s.CreateAPIKey(ctx, k)

	if err := s.RevokeAPIKey(ctx, k.ID, "compromised"); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	if err := s.RevokeAPIKey(ctx, k.ID, "again"); !errors.Is(err, ErrNotActive) {
		t.Errorf("second revoke: expected ErrNotActive, got %v", err)
	}

	got, _ := s.GetAPIKey(ctx, k.ID)
	if got.Status != model.StatusRevoked || got.RevokedAt == nil {
		t.Errorf("not revoked: %+v", got)
	}
	if got.RevokedReason != "compromised" {
		t.Errorf("RevokedReason = %q, want first reason kept", got.RevokedReason)
	}

	name := "x"
	if err := s.UpdateAPIKeyFields(ctx, k.ID, model.KeyPatch{Name: &name}); !errors.Is(err, ErrNotActive) {
		t.Errorf("update revoked key: expected ErrNotActive, got %v", err)
	}
	if err := s.RevokeAPIKey(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateAPIKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testKey("o", "sf_live_OLDKEY00")
	s.CreateAPIKey(ctx, old)

	replacement := testKey("o", "sf_live_NEWKEY00")
	deadline := time.Now().Add(5 * time.Minute)
	if err := s.RotateAPIKey(ctx, old.ID, replacement, deadline); err != nil {
		t.Fatalf("RotateAPIKey: %v", err)
	}
	if replacement.ID == "" || replacement.RotatedFromID != old.ID {
		t.Fatalf("replacement not linked: %+v", replacement)
	}

	gotOld, _ := s.GetAPIKey(ctx, old.ID)
	if gotOld.RotatedToID != replacement.ID || gotOld.RevokeAfter == nil {
		t.Errorf("old key rotation metadata missing: %+v", gotOld)
	}
	if !gotOld.IsActive() {
		t.Error("old key must stay active during the grace period")
	}

	// A second rotation of the same key is refused and inserts nothing.
	if err := s.RotateAPIKey(ctx, old.ID, testKey("o", "sf_live_THIRD000"), deadline); !errors.Is(err, ErrAlreadyRotated) {
		t.Errorf("expected ErrAlreadyRotated, got %v", err)
	}
	if keys, _ := s.FindAPIKeysByPrefix(ctx, "sf_live_THIRD000"); len(keys) != 0 {
		t.Error("failed rotation must not insert the replacement")
	}

	s.RevokeAPIKey(ctx, replacement.ID, "done")
	if err := s.RotateAPIKey(ctx, replacement.ID, testKey("o", "sf_live_FOURTH00"), deadline); !errors.Is(err, ErrNotActive) {
		t.Errorf("rotate revoked key: expected ErrNotActive, got %v", err)
	}
}

func TestListDueRotationsAndConditionalRevoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testKey("o", "sf_live_DUE00000")
	s.CreateAPIKey(ctx, old)
	replacement := testKey("o", "sf_live_DUE11111")
	deadline := time.Now().Add(time.Minute)
	s.RotateAPIKey(ctx, old.ID, replacement, deadline)

	due, err := s.ListDueRotations(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListDueRotations: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("nothing is due yet, got %d", len(due))
	}

	due, _ = s.ListDueRotations(ctx, deadline)
	if len(due) != 1 || due[0].ID != old.ID {
		t.Fatalf("expected old key due at deadline, got %+v", due)
	}

	if err := s.RevokeRotatedAPIKey(ctx, old.ID, "someone-else", "x"); err == nil {
		t.Error("revoke with a mismatched replacement should not succeed")
	}
	if err := s.RevokeRotatedAPIKey(ctx, old.ID, replacement.ID, "rotated: replaced by "+replacement.ID); err != nil {
		t.Fatalf("RevokeRotatedAPIKey: %v", err)
	}
	if due, _ = s.ListDueRotations(ctx, deadline.Add(time.Hour)); len(due) != 0 {
		t.Errorf("revoked key still listed as due")
	}
}

func TestRecordUsageConcurrent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	k := testKey("o", "sf_live_USAGE000")
	s.CreateAPIKey(ctx, k)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.RecordAPIKeyUsage(ctx, k.ID, time.Now()); err != nil {
				t.Errorf("RecordAPIKeyUsage: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetAPIKey(ctx, k.ID)
	if got.RequestCount != 20 || got.MonthlyRequestCount != 20 {
		t.Errorf("counts = %d/%d, want 20/20", got.RequestCount, got.MonthlyRequestCount)
	}
	if got.LastUsedAt == nil {
		t.Error("LastUsedAt not set")
	}
	if _, err := os.Stat(filepath.Join(dir, "keygate.db")); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}

func TestResetMonthlyCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := testKey("o", "sf_live_RESET000")
	revoked := testKey("o", "sf_live_RESET111")
	s.CreateAPIKey(ctx, active)
	s.CreateAPIKey(ctx, revoked)
	for i := 0; i < 3; i++ {
		s.RecordAPIKeyUsage(ctx, active.ID, time.Now())
		s.RecordAPIKeyUsage(ctx, revoked.ID, time.Now())
	}
	s.RevokeAPIKey(ctx, revoked.ID, "gone")

	n, err := s.ResetMonthlyCounters(ctx)
	if err != nil {
		t.Fatalf("ResetMonthlyCounters: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d keys, want 1", n)
	}

	a, _ := s.GetAPIKey(ctx, active.ID)
	if a.MonthlyRequestCount != 0 || a.RequestCount != 3 {
		t.Errorf("active counts = %d/%d, want monthly 0, lifetime 3", a.MonthlyRequestCount, a.RequestCount)
	}
	r, _ := s.GetAPIKey(ctx, revoked.ID)
	if r.MonthlyRequestCount != 3 {
		t.Errorf("revoked key monthly count = %d, want untouched 3", r.MonthlyRequestCount)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "monthly_reset"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSetting(ctx, "monthly_reset", "2025-05"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, "monthly_reset", "2025-06"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err := s.GetSetting(ctx, "monthly_reset")
	if err != nil || v != "2025-06" {
		t.Errorf("GetSetting = %q, %v", v, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.CreateAPIKey(context.Background(), testKey("o", "sf_live_PERSIST0"))
	s1.Close()

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	keys, _ := s2.ListAPIKeys(context.Background())
	if len(keys) != 1 {
		t.Errorf("got %d keys after reopen, want 1", len(keys))
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); !errors.Is(err, ErrUnsupportedDriver) {
		t.Errorf("expected ErrUnsupportedDriver, got %v", err)
	}
}

func TestLoadSettings(t *testing.T) {
	v := viper.New()
	v.Set("keys.grace_period", "90s")
	v.Set("redis.addr", "redis:6379")

	s, err := LoadSettings(v)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Keys.GracePeriod != 90*time.Second {
		t.Errorf("GracePeriod = %v, want 90s", s.Keys.GracePeriod)
	}
	if s.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q", s.Redis.Addr)
	}
	if s.Auth.LookupTimeout != 2*time.Second || s.Redis.Timeout != 250*time.Millisecond {
		t.Errorf("defaults not applied: %+v", s)
	}

	bad := viper.New()
	bad.Set("store.driver", "postgres")
	if _, err := LoadSettings(bad); err == nil {
		t.Error("postgres without dsn should fail validation")
	}
}

func TestLoadSettingsTrustedProxies(t *testing.T) {
	v := viper.New()
	v.Set("server.trusted_proxies", []string{"10.0.0.0/8", "192.0.2.7", "2001:db8::/32"})
	s, err := LoadSettings(v)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if len(s.Server.TrustedProxies) != 3 {
		t.Errorf("TrustedProxies = %v", s.Server.TrustedProxies)
	}

	bad := viper.New()
	bad.Set("server.trusted_proxies", []string{"10.0.0.0/8", "proxy.internal"})
	if _, err := LoadSettings(bad); err == nil {
		t.Error("hostname in trusted_proxies should fail validation")
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keygate.yaml")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}
	s, err := LoadSettings(v)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Keys.GracePeriod != 5*time.Minute || s.Server.Port != 8080 {
		t.Errorf("round trip lost defaults: %+v", s.Keys)
	}
}

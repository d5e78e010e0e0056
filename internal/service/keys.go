package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/keys"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/policy"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/telemetry"
)

// KeyStore is the persistence the key services need. *config.Store
// implements it.
type KeyStore interface {
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error)
	ListAPIKeysByOwner(ctx context.Context, ownerID string) ([]model.APIKey, error)
	ListDueRotations(ctx context.Context, now time.Time) ([]model.APIKey, error)
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	UpdateAPIKeyFields(ctx context.Context, id string, patch model.KeyPatch) error
	RevokeAPIKey(ctx context.Context, id, reason string) error
	RevokeRotatedAPIKey(ctx context.Context, id, replacementID, reason string) error
	RotateAPIKey(ctx context.Context, oldID string, replacement *model.APIKey, revokeAfter time.Time) error
	RecordAPIKeyUsage(ctx context.Context, id string, at time.Time) error
	ResetMonthlyCounters(ctx context.Context) (int64, error)
	GetSetting(ctx context.Context, name string) (string, error)
	SetSetting(ctx context.Context, name, value string) error
}

var _ KeyStore = (*config.Store)(nil)

// Default lifecycle settings.
const (
	DefaultGracePeriod         = 5 * time.Minute
	DefaultRateLimit           = 60
	DefaultMonthlyRequestLimit = 100000
)

const (
	maxNameLength    = 255
	revocationBudget = 10 * time.Second
)

// RotationReason is the revocation reason recorded on a rotated-out key.
func RotationReason(replacementID string) string {
	return "rotated: replaced by " + replacementID
}

// KeyServiceConfig holds lifecycle defaults.
type KeyServiceConfig struct {
	GracePeriod         time.Duration
	DefaultRateLimit    int
	DefaultMonthlyLimit int64
}

// IssueRequest describes a key to issue. Zero limits take the configured
// defaults.
type IssueRequest struct {
	OwnerID             string            `json:"-"`
	Name                string            `json:"name"`
	Environment         model.Environment `json:"environment"`
	Scopes              []string          `json:"scopes"`
	AllowedOrigins      []string          `json:"allowed_origins"`
	AllowedIPs          []string          `json:"allowed_ips"`
	RateLimit           int               `json:"rate_limit"`
	MonthlyRequestLimit int64             `json:"monthly_request_limit"`
	ExpiresAt           *time.Time        `json:"expires_at,omitempty"`
}

// IssuedKey is the only place a plaintext secret ever appears.
type IssuedKey struct {
	Key    *model.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

// KeyUsage reports a key's counters and its current rate limit window.
type KeyUsage struct {
	KeyID               string     `json:"key_id"`
	RequestCount        int64      `json:"request_count"`
	MonthlyRequestCount int64      `json:"monthly_request_count"`
	MonthlyRequestLimit int64      `json:"monthly_request_limit"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	RateLimit           int        `json:"rate_limit"`
	WindowCount         int64      `json:"window_count"`
	WindowResetAt       *time.Time `json:"window_reset_at,omitempty"`
	// WindowAvailable is false when the counter store could not be read.
	WindowAvailable bool `json:"window_available"`
}

// KeyService is the key lifecycle manager: issue, rotate, revoke, update
// and the scheduled sweeps.
type KeyService struct {
	store    KeyStore
	cfg      KeyServiceConfig
	limiter  *ratelimit.Limiter
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
	generate func(model.Environment) (*keys.Material, error)

	mu     sync.Mutex
	timers map[string]*time.Timer // old key ID -> pending revocation
}

// KeyServiceOption configures a KeyService.
type KeyServiceOption func(*KeyService)

// WithLimiter enables window reporting in Usage.
func WithLimiter(l *ratelimit.Limiter) KeyServiceOption {
	return func(s *KeyService) { s.limiter = l }
}

// WithMetrics records lifecycle metrics.
func WithMetrics(m *telemetry.Metrics) KeyServiceOption {
	return func(s *KeyService) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) KeyServiceOption {
	return func(s *KeyService) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) KeyServiceOption {
	return func(s *KeyService) { s.now = now }
}

// NewKeyService creates a KeyService. Zero config values take the package
// defaults.
func NewKeyService(store KeyStore, cfg KeyServiceConfig, opts ...KeyServiceOption) *KeyService {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = DefaultRateLimit
	}
	if cfg.DefaultMonthlyLimit <= 0 {
		cfg.DefaultMonthlyLimit = DefaultMonthlyRequestLimit
	}
	s := &KeyService{
		store:    store,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		generate: keys.Generate,
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GracePeriod returns the rotation overlap.
func (s *KeyService) GracePeriod() time.Duration {
	return s.cfg.GracePeriod
}

// Issue generates and persists a new key. The returned secret is not stored
// anywhere and cannot be retrieved again.
func (s *KeyService) Issue(ctx context.Context, req IssueRequest) (*IssuedKey, error) {
	if req.RateLimit == 0 {
		req.RateLimit = s.cfg.DefaultRateLimit
	}
	if req.MonthlyRequestLimit == 0 {
		req.MonthlyRequestLimit = s.cfg.DefaultMonthlyLimit
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateIssue(req); err != nil {
		return nil, err
	}

	material, err := s.generate(req.Environment)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	key := &model.APIKey{
		OwnerID:             req.OwnerID,
		Name:                req.Name,
		KeyHash:             material.Hash,
		KeyPrefix:           material.Prefix,
		Environment:         req.Environment,
		Scopes:              normalizeSet(req.Scopes),
		AllowedOrigins:      normalizeSet(req.AllowedOrigins),
		AllowedIPs:          normalizeSet(req.AllowedIPs),
		RateLimit:           req.RateLimit,
		MonthlyRequestLimit: req.MonthlyRequestLimit,
		Status:              model.StatusActive,
		ExpiresAt:           req.ExpiresAt,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}

	s.metrics.KeyIssued(string(key.Environment), "issue")
	s.logger.Info("api key issued",
		"key_id", key.ID,
		"owner_id", key.OwnerID,
		"key_prefix", key.KeyPrefix,
		"environment", key.Environment,
	)
	return &IssuedKey{Key: key, Secret: material.Secret}, nil
}

func (s *KeyService) validateIssue(req IssueRequest) error {
	if req.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if req.Name == "" || len(req.Name) > maxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameLength)
	}
	if !req.Environment.Valid() {
		return fmt.Errorf("%w: environment must be %q or %q", ErrInvalidInput, model.EnvironmentLive, model.EnvironmentTest)
	}
	if req.RateLimit < 0 {
		return fmt.Errorf("%w: rate_limit must be positive", ErrInvalidInput)
	}
	if req.MonthlyRequestLimit < 0 {
		return fmt.Errorf("%w: monthly_request_limit must be positive", ErrInvalidInput)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	return validateSets(req.Scopes, req.AllowedOrigins, req.AllowedIPs)
}

func validateSets(scopes, origins, ips []string) error {
	for _, sc := range scopes {
		if strings.TrimSpace(sc) == "" {
			return fmt.Errorf("%w: empty scope", ErrInvalidInput)
		}
	}
	for _, o := range origins {
		if strings.TrimSpace(o) == "" {
			return fmt.Errorf("%w: empty origin", ErrInvalidInput)
		}
	}
	for _, ip := range ips {
		if !policy.ValidIPEntry(ip) {
			return fmt.Errorf("%w: %q is not an IP address or CIDR block", ErrInvalidInput, ip)
		}
	}
	return nil
}

// normalizeSet trims, drops duplicates and sorts.
func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// owned loads a key and checks ownership: existence first, then owner.
func (s *KeyService) owned(ctx context.Context, keyID, ownerID string) (*model.APIKey, error) {
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	if key.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return key, nil
}

// mapStoreErr translates conditional-write failures from the store.
func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, config.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, config.ErrNotActive):
		return ErrKeyNotActive
	case errors.Is(err, config.ErrAlreadyRotated):
		return ErrAlreadyRotated
	}
	return err
}

// Get returns one of the owner's keys.
func (s *KeyService) Get(ctx context.Context, keyID, ownerID string) (*model.APIKey, error) {
	return s.owned(ctx, keyID, ownerID)
}

// List returns the owner's keys, revoked ones included.
func (s *KeyService) List(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	list, err := s.store.ListAPIKeysByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return list, nil
}

// Rotate issues a replacement for an active key. The replacement inherits
// scopes, allow-lists, limits, environment and the current monthly count.
// Both keys validate until the grace period ends; then the old key is
// revoked by an in-process timer or, if that never fires, by the rotation
// sweep.
func (s *KeyService) Rotate(ctx context.Context, keyID, ownerID string) (*IssuedKey, error) {
	old, err := s.owned(ctx, keyID, ownerID)
	if err != nil {
		return nil, err
	}
	if !old.IsActive() {
		return nil, ErrKeyNotActive
	}
	if old.RotatedToID != "" {
		return nil, ErrAlreadyRotated
	}

	material, err := s.generate(old.Environment)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	replacement := &model.APIKey{
		OwnerID:             old.OwnerID,
		Name:                old.Name,
		KeyHash:             material.Hash,
		KeyPrefix:           material.Prefix,
		Environment:         old.Environment,
		Scopes:              slices.Clone(old.Scopes),
		AllowedOrigins:      slices.Clone(old.AllowedOrigins),
		AllowedIPs:          slices.Clone(old.AllowedIPs),
		RateLimit:           old.RateLimit,
		MonthlyRequestLimit: old.MonthlyRequestLimit,
		MonthlyRequestCount: old.MonthlyRequestCount,
		Status:              model.StatusActive,
		ExpiresAt:           old.ExpiresAt,
	}
	revokeAfter := s.now().Add(s.cfg.GracePeriod)
	if err := s.store.RotateAPIKey(ctx, old.ID, replacement, revokeAfter); err != nil {
		return nil, mapStoreErr(err)
	}

	s.scheduleRevocation(old.ID, replacement.ID, s.cfg.GracePeriod)
	s.metrics.KeyIssued(string(replacement.Environment), "rotate")
	s.logger.Info("api key rotated",
		"key_id", old.ID,
		"replacement_id", replacement.ID,
		"owner_id", old.OwnerID,
		"revoke_after", revokeAfter,
	)

	old.RotatedToID = replacement.ID
	old.RevokeAfter = &revokeAfter
	return &IssuedKey{Key: replacement, Secret: material.Secret}, nil
}

// scheduleRevocation arms the grace period timer for a rotated key.
func (s *KeyService) scheduleRevocation(oldID, replacementID string, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[oldID]; ok {
		t.Stop()
	}
	s.timers[oldID] = time.AfterFunc(after, func() {
		s.mu.Lock()
		delete(s.timers, oldID)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), revocationBudget)
		defer cancel()
		if err := s.revokeRotated(ctx, oldID, replacementID); err != nil {
			s.logger.Warn("grace period revocation failed, leaving it to the sweep",
				"key_id", oldID,
				"error", err,
			)
		}
	})
}

func (s *KeyService) cancelTimer(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[keyID]; ok {
		t.Stop()
		delete(s.timers, keyID)
	}
}

// PendingRevocations returns the number of armed grace period timers.
func (s *KeyService) PendingRevocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops all pending timers. The durable sweep still revokes those
// keys once their deadlines pass.
func (s *KeyService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// revokeRotated revokes oldID if it is still active and still replaced by
// replacementID. A key that is already revoked counts as done.
func (s *KeyService) revokeRotated(ctx context.Context, oldID, replacementID string) error {
	err := s.store.RevokeRotatedAPIKey(ctx, oldID, replacementID, RotationReason(replacementID))
	switch {
	case err == nil:
		s.metrics.KeyRevoked()
		s.logger.Info("rotated api key revoked", "key_id", oldID, "replacement_id", replacementID)
		return nil
	case errors.Is(err, config.ErrNotActive), errors.Is(err, config.ErrNotFound):
		return nil
	}
	return err
}

// Revoke permanently disables an active key. Revoking a key that is
// already revoked fails with ErrKeyNotActive.
func (s *KeyService) Revoke(ctx context.Context, keyID, ownerID, reason string) (*model.APIKey, error) {
	key, err := s.owned(ctx, keyID, ownerID)
	if err != nil {
		return nil, err
	}
	if !key.IsActive() {
		return nil, ErrKeyNotActive
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "revoked by owner"
	}
	if err := s.store.RevokeAPIKey(ctx, keyID, reason); err != nil {
		return nil, mapStoreErr(err)
	}
	s.cancelTimer(keyID)
	s.metrics.KeyRevoked()
	s.logger.Info("api key revoked", "key_id", keyID, "owner_id", ownerID, "reason", reason)

	return s.reload(ctx, keyID)
}

// Update changes owner-editable fields of an active key.
func (s *KeyService) Update(ctx context.Context, keyID, ownerID string, patch model.KeyPatch) (*model.APIKey, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if err := s.validatePatch(&patch); err != nil {
		return nil, err
	}

	key, err := s.owned(ctx, keyID, ownerID)
	if err != nil {
		return nil, err
	}
	if !key.IsActive() {
		return nil, ErrKeyNotActive
	}
	if err := s.store.UpdateAPIKeyFields(ctx, keyID, patch); err != nil {
		return nil, mapStoreErr(err)
	}
	return s.reload(ctx, keyID)
}

func (s *KeyService) validatePatch(p *model.KeyPatch) error {
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" || len(name) > maxNameLength {
			return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameLength)
		}
		p.Name = &name
	}
	if p.RateLimit != nil && *p.RateLimit <= 0 {
		return fmt.Errorf("%w: rate_limit must be positive", ErrInvalidInput)
	}
	if p.MonthlyRequestLimit != nil && *p.MonthlyRequestLimit <= 0 {
		return fmt.Errorf("%w: monthly_request_limit must be positive", ErrInvalidInput)
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(s.now()) {
		return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	var scopes, origins, ips []string
	if p.Scopes != nil {
		scopes = *p.Scopes
	}
	if p.AllowedOrigins != nil {
		origins = *p.AllowedOrigins
	}
	if p.AllowedIPs != nil {
		ips = *p.AllowedIPs
	}
	if err := validateSets(scopes, origins, ips); err != nil {
		return err
	}
	for _, set := range []*[]string{p.Scopes, p.AllowedOrigins, p.AllowedIPs} {
		if set != nil {
			*set = normalizeSet(*set)
		}
	}
	return nil
}

func (s *KeyService) reload(ctx context.Context, keyID string) (*model.APIKey, error) {
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return key, nil
}

// Usage reports a key's counters and its current rate window.
func (s *KeyService) Usage(ctx context.Context, keyID, ownerID string) (*KeyUsage, error) {
	key, err := s.owned(ctx, keyID, ownerID)
	if err != nil {
		return nil, err
	}
	u := &KeyUsage{
		KeyID:               key.ID,
		RequestCount:        key.RequestCount,
		MonthlyRequestCount: key.MonthlyRequestCount,
		MonthlyRequestLimit: key.MonthlyRequestLimit,
		LastUsedAt:          key.LastUsedAt,
		RateLimit:           key.RateLimit,
	}
	if s.limiter == nil {
		return u, nil
	}
	count, ttl, err := s.limiter.Peek(ctx, key.KeyPrefix)
	if err != nil {
		s.logger.Warn("rate window unavailable for usage report", "key_id", key.ID, "error", err)
		return u, nil
	}
	u.WindowAvailable = true
	u.WindowCount = count
	if ttl > 0 {
		reset := s.now().Add(ttl)
		u.WindowResetAt = &reset
	}
	return u, nil
}

// MonthlyReset zeroes the monthly count of every active key in one
// statement, so increments racing the reset are never lost.
func (s *KeyService) MonthlyReset(ctx context.Context) (int64, error) {
	n, err := s.store.ResetMonthlyCounters(ctx)
	s.metrics.SweepRun(telemetry.SweepMonthlyReset, n, err)
	if err != nil {
		return 0, fmt.Errorf("monthly reset: %w", err)
	}
	s.logger.Info("monthly request counters reset", "keys", n)
	return n, nil
}

// RevokeDueRotations revokes every rotated key whose grace period has
// ended. It converges regardless of whether the in-process timers fired.
func (s *KeyService) RevokeDueRotations(ctx context.Context) (int, error) {
	due, err := s.store.ListDueRotations(ctx, s.now())
	if err != nil {
		s.metrics.SweepRun(telemetry.SweepRotations, 0, err)
		return 0, fmt.Errorf("list due rotations: %w", err)
	}

	var (
		revoked int
		errs    []error
	)
	for _, k := range due {
		err := s.store.RevokeRotatedAPIKey(ctx, k.ID, k.RotatedToID, RotationReason(k.RotatedToID))
		switch {
		case err == nil:
			revoked++
			s.cancelTimer(k.ID)
			s.metrics.KeyRevoked()
			s.logger.Info("rotated api key revoked by sweep", "key_id", k.ID, "replacement_id", k.RotatedToID)
		case errors.Is(err, config.ErrNotActive):
			// Revoked concurrently by the timer or the owner.
		default:
			errs = append(errs, fmt.Errorf("revoke %s: %w", k.ID, err))
		}
	}
	err = errors.Join(errs...)
	s.metrics.SweepRun(telemetry.SweepRotations, int64(revoked), err)
	return revoked, err
}

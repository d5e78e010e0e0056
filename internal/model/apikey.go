package model

import (
	"slices"
	"time"
)

// Environment separates live traffic from integration testing. A key's
// environment is fixed when it is issued.
type Environment string

const (
	EnvironmentLive Environment = "live"
	EnvironmentTest Environment = "test"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	return e == EnvironmentLive || e == EnvironmentTest
}

// KeyStatus is the lifecycle state of an API key. Revocation is terminal.
type KeyStatus string

const (
	StatusActive  KeyStatus = "active"
	StatusRevoked KeyStatus = "revoked"
)

// APIKey is a storefront credential issued to an integration. The raw key
// is never stored; only a SHA-256 hash and a short lookup prefix are
// persisted.
type APIKey struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Name        string      `json:"name"`
	KeyHash     string      `json:"-"` // SHA-256 hash, never expose
	KeyPrefix   string      `json:"key_prefix"`
	Environment Environment `json:"environment"`

	Scopes         []string `json:"scopes"`
	AllowedOrigins []string `json:"allowed_origins"`
	AllowedIPs     []string `json:"allowed_ips"`

	RateLimit           int        `json:"rate_limit"` // requests per 60s window
	MonthlyRequestLimit int64      `json:"monthly_request_limit"`
	MonthlyRequestCount int64      `json:"monthly_request_count"`
	RequestCount        int64      `json:"request_count"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`

	Status        KeyStatus  `json:"status"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`

	// Rotation bookkeeping. RevokeAfter is the durable deadline enforced by
	// the rotation sweep when the in-process timer did not fire.
	RotatedFromID string     `json:"rotated_from_id,omitempty"`
	RotatedToID   string     `json:"rotated_to_id,omitempty"`
	RevokeAfter   *time.Time `json:"revoke_after,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the key has not been revoked.
func (k *APIKey) IsActive() bool {
	return k.Status == StatusActive
}

// IsExpired reports whether the key's absolute deadline has passed.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// QuotaExhausted reports whether the monthly request budget is used up.
func (k *APIKey) QuotaExhausted() bool {
	return k.MonthlyRequestCount >= k.MonthlyRequestLimit
}

// Usable reports whether the key passes validation at the given instant:
// active, unexpired and under its monthly quota.
func (k *APIKey) Usable(now time.Time) bool {
	return k.IsActive() && !k.IsExpired(now) && !k.QuotaExhausted()
}

// HasScope reports whether the key was granted scope.
func (k *APIKey) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Identity is the resolved caller attached to the request context after a
// successful API key check. Downstream handlers read it instead of the key.
type Identity struct {
	KeyID       string      `json:"key_id"`
	OwnerID     string      `json:"owner_id"`
	KeyPrefix   string      `json:"key_prefix"`
	Scopes      []string    `json:"scopes"`
	Environment Environment `json:"environment"`
}

// IdentityFor builds the request identity for a validated key.
func IdentityFor(k *APIKey) *Identity {
	return &Identity{
		KeyID:       k.ID,
		OwnerID:     k.OwnerID,
		KeyPrefix:   k.KeyPrefix,
		Scopes:      slices.Clone(k.Scopes),
		Environment: k.Environment,
	}
}

// KeyPatch lists the owner-editable fields of a key. Nil fields are left
// untouched. The secret and its hash are never patchable.
type KeyPatch struct {
	Name                *string    `json:"name,omitempty"`
	Scopes              *[]string  `json:"scopes,omitempty"`
	AllowedOrigins      *[]string  `json:"allowed_origins,omitempty"`
	AllowedIPs          *[]string  `json:"allowed_ips,omitempty"`
	RateLimit           *int       `json:"rate_limit,omitempty"`
	MonthlyRequestLimit *int64     `json:"monthly_request_limit,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p KeyPatch) Empty() bool {
	return p.Name == nil && p.Scopes == nil && p.AllowedOrigins == nil &&
		p.AllowedIPs == nil && p.RateLimit == nil && p.MonthlyRequestLimit == nil &&
		p.ExpiresAt == nil
}

// Apply copies the non-nil patch fields onto k.
func (p KeyPatch) Apply(k *APIKey) {
	if p.Name != nil {
		k.Name = *p.Name
	}
	if p.Scopes != nil {
		k.Scopes = slices.Clone(*p.Scopes)
	}
	if p.AllowedOrigins != nil {
		k.AllowedOrigins = slices.Clone(*p.AllowedOrigins)
	}
	if p.AllowedIPs != nil {
		k.AllowedIPs = slices.Clone(*p.AllowedIPs)
	}
	if p.RateLimit != nil {
		k.RateLimit = *p.RateLimit
	}
	if p.MonthlyRequestLimit != nil {
		k.MonthlyRequestLimit = *p.MonthlyRequestLimit
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		k.ExpiresAt = &t
	}
}

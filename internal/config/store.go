package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keygate/keygate/internal/model"
)

// Supported Key Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Store is the Key Store: the single source of truth for API key records.
// All state transitions are targeted UPDATEs so that concurrent usage
// increments are never overwritten by a full-row write.
type Store struct {
	db      *sqlx.DB
	driver  string
	dialect dialect
	now     func() time.Time
}

// NewStore creates a SQLite-backed store in dataDir. Pass empty string for
// in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "keygate.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return Open(DriverSQLite, dsn)
}

// Open connects to the Key Store using one of the supported drivers and
// applies migrations.
func Open(driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	sqlDriver := driver
	switch driver {
	case DriverPostgres:
		sqlDriver = "pgx"
	case DriverMySQL:
		// Timestamps must scan into time.Time.
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		dsn = cfg.FormatDSN()
	}

	db, err := sqlx.Connect(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	}

	s := &Store{db: db, driver: driver, dialect: d, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate key store: %w", err)
	}
	return s, nil
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks connectivity to the underlying database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// timestamp returns the current time in the precision stored by every
// driver.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// ---------------------------------------------------------------------------
// API key rows
// ---------------------------------------------------------------------------

const apiKeyColumns = `id, owner_id, name, key_hash, key_prefix, environment,
	scopes_json, allowed_origins_json, allowed_ips_json,
	rate_limit, monthly_request_limit, monthly_request_count, request_count,
	last_used_at, status, revoked_at, revoked_reason, expires_at,
	rotated_from_id, rotated_to_id, revoke_after, created_at, updated_at`

// apiKeyRow maps 1:1 to the api_keys table. The string sets are stored as
// JSON text so the schema stays portable across drivers.
type apiKeyRow struct {
	ID                  string     `db:"id"`
	OwnerID             string     `db:"owner_id"`
	Name                string     `db:"name"`
	KeyHash             string     `db:"key_hash"`
	KeyPrefix           string     `db:"key_prefix"`
	Environment         string     `db:"environment"`
	ScopesJSON          string     `db:"scopes_json"`
	AllowedOriginsJSON  string     `db:"allowed_origins_json"`
	AllowedIPsJSON      string     `db:"allowed_ips_json"`
	RateLimit           int        `db:"rate_limit"`
	MonthlyRequestLimit int64      `db:"monthly_request_limit"`
	MonthlyRequestCount int64      `db:"monthly_request_count"`
	RequestCount        int64      `db:"request_count"`
	LastUsedAt          *time.Time `db:"last_used_at"`
	Status              string     `db:"status"`
	RevokedAt           *time.Time `db:"revoked_at"`
	RevokedReason       string     `db:"revoked_reason"`
	ExpiresAt           *time.Time `db:"expires_at"`
	RotatedFromID       string     `db:"rotated_from_id"`
	RotatedToID         string     `db:"rotated_to_id"`
	RevokeAfter         *time.Time `db:"revoke_after"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	scopes, err := encodeSet(k.Scopes)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal scopes: %w", err)
	}
	origins, err := encodeSet(k.AllowedOrigins)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal allowed origins: %w", err)
	}
	ips, err := encodeSet(k.AllowedIPs)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal allowed ips: %w", err)
	}
	return apiKeyRow{
		ID:                  k.ID,
		OwnerID:             k.OwnerID,
		Name:                k.Name,
		KeyHash:             k.KeyHash,
		KeyPrefix:           k.KeyPrefix,
		Environment:         string(k.Environment),
		ScopesJSON:          scopes,
		AllowedOriginsJSON:  origins,
		AllowedIPsJSON:      ips,
		RateLimit:           k.RateLimit,
		MonthlyRequestLimit: k.MonthlyRequestLimit,
		MonthlyRequestCount: k.MonthlyRequestCount,
		RequestCount:        k.RequestCount,
		LastUsedAt:          utcPtr(k.LastUsedAt),
		Status:              string(k.Status),
		RevokedAt:           utcPtr(k.RevokedAt),
		RevokedReason:       k.RevokedReason,
		ExpiresAt:           utcPtr(k.ExpiresAt),
		RotatedFromID:       k.RotatedFromID,
		RotatedToID:         k.RotatedToID,
		RevokeAfter:         utcPtr(k.RevokeAfter),
		CreatedAt:           k.CreatedAt,
		UpdatedAt:           k.UpdatedAt,
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	k := model.APIKey{
		ID:                  r.ID,
		OwnerID:             r.OwnerID,
		Name:                r.Name,
		KeyHash:             r.KeyHash,
		KeyPrefix:           r.KeyPrefix,
		Environment:         model.Environment(r.Environment),
		RateLimit:           r.RateLimit,
		MonthlyRequestLimit: r.MonthlyRequestLimit,
		MonthlyRequestCount: r.MonthlyRequestCount,
		RequestCount:        r.RequestCount,
		LastUsedAt:          utcPtr(r.LastUsedAt),
		Status:              model.KeyStatus(r.Status),
		RevokedAt:           utcPtr(r.RevokedAt),
		RevokedReason:       r.RevokedReason,
		ExpiresAt:           utcPtr(r.ExpiresAt),
		RotatedFromID:       r.RotatedFromID,
		RotatedToID:         r.RotatedToID,
		RevokeAfter:         utcPtr(r.RevokeAfter),
		CreatedAt:           r.CreatedAt.UTC(),
		UpdatedAt:           r.UpdatedAt.UTC(),
	}
	var err error
	if k.Scopes, err = decodeSet(r.ScopesJSON); err != nil {
		return k, fmt.Errorf("unmarshal scopes of key %s: %w", r.ID, err)
	}
	if k.AllowedOrigins, err = decodeSet(r.AllowedOriginsJSON); err != nil {
		return k, fmt.Errorf("unmarshal allowed origins of key %s: %w", r.ID, err)
	}
	if k.AllowedIPs, err = decodeSet(r.AllowedIPsJSON); err != nil {
		return k, fmt.Errorf("unmarshal allowed ips of key %s: %w", r.ID, err)
	}
	return k, nil
}

func encodeSet(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func decodeSet(s string) ([]string, error) {
	out := []string{}
	if s == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(s), &out)
	return out, err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func rowsToModels(rows []apiKeyRow) ([]model.APIKey, error) {
	out := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// API key reads
// ---------------------------------------------------------------------------

// GetAPIKey returns a key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, s.db, id)
}

func (s *Store) getAPIKey(ctx context.Context, q sqlx.QueryerContext, id string) (*model.APIKey, error) {
	var row apiKeyRow
	query := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE id = ?")
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// FindAPIKeysByPrefix returns every key sharing the lookup prefix. Prefixes
// are not unique, so callers verify the hash of each candidate.
func (s *Store) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error) {
	var rows []apiKeyRow
	query := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE key_prefix = ?")
	if err := s.db.SelectContext(ctx, &rows, query, prefix); err != nil {
		return nil, fmt.Errorf("find api keys by prefix: %w", err)
	}
	return rowsToModels(rows)
}

// ListAPIKeysByOwner returns an owner's keys, newest first.
func (s *Store) ListAPIKeysByOwner(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	var rows []apiKeyRow
	query := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE owner_id = ? ORDER BY created_at DESC, id DESC")
	if err := s.db.SelectContext(ctx, &rows, query, ownerID); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return rowsToModels(rows)
}

// ListAPIKeys returns every key, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT "+apiKeyColumns+" FROM api_keys ORDER BY created_at DESC, id DESC"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return rowsToModels(rows)
}

// ListDueRotations returns active keys whose rotation deadline is at or
// before now.
func (s *Store) ListDueRotations(ctx context.Context, now time.Time) ([]model.APIKey, error) {
	var rows []apiKeyRow
	query := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE status = ? AND revoke_after IS NOT NULL")
	if err := s.db.SelectContext(ctx, &rows, query, string(model.StatusActive)); err != nil {
		return nil, fmt.Errorf("list pending rotations: %w", err)
	}
	pending, err := rowsToModels(rows)
	if err != nil {
		return nil, err
	}
	// Pending rotations are few; comparing here avoids relying on each
	// driver's timestamp ordering.
	due := pending[:0]
	for _, k := range pending {
		if !now.Before(*k.RevokeAfter) {
			due = append(due, k)
		}
	}
	return due, nil
}

// ---------------------------------------------------------------------------
// API key writes
// ---------------------------------------------------------------------------

// CreateAPIKey inserts a new key. An empty ID is filled with a UUIDv7.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	return s.createAPIKey(ctx, s.db, key)
}

func (s *Store) createAPIKey(ctx context.Context, ex sqlx.ExtContext, key *model.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.Must(uuid.NewV7()).String()
	}
	if key.Status == "" {
		key.Status = model.StatusActive
	}
	now := s.timestamp()
	key.CreatedAt = now
	key.UpdatedAt = now

	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(id, owner_id, name, key_hash, key_prefix, environment,
		 scopes_json, allowed_origins_json, allowed_ips_json,
		 rate_limit, monthly_request_limit, monthly_request_count, request_count,
		 last_used_at, status, revoked_at, revoked_reason, expires_at,
		 rotated_from_id, rotated_to_id, revoke_after, created_at, updated_at)
		VALUES
		(:id, :owner_id, :name, :key_hash, :key_prefix, :environment,
		 :scopes_json, :allowed_origins_json, :allowed_ips_json,
		 :rate_limit, :monthly_request_limit, :monthly_request_count, :request_count,
		 :last_used_at, :status, :revoked_at, :revoked_reason, :expires_at,
		 :rotated_from_id, :rotated_to_id, :revoke_after, :created_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, ex, q, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// UpdateAPIKeyFields applies the non-nil fields of patch to an active key.
// Usage counters and the hash are never part of the statement.
func (s *Store) UpdateAPIKeyFields(ctx context.Context, id string, patch model.KeyPatch) error {
	var (
		sets []string
		args []interface{}
	)
	set := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	setJSON := func(col string, v []string) error {
		enc, err := encodeSet(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", col, err)
		}
		set(col, enc)
		return nil
	}

	if patch.Name != nil {
		set("name", *patch.Name)
	}
	if patch.Scopes != nil {
		if err := setJSON("scopes_json", *patch.Scopes); err != nil {
			return err
		}
	}
	if patch.AllowedOrigins != nil {
		if err := setJSON("allowed_origins_json", *patch.AllowedOrigins); err != nil {
			return err
		}
	}
	if patch.AllowedIPs != nil {
		if err := setJSON("allowed_ips_json", *patch.AllowedIPs); err != nil {
			return err
		}
	}
	if patch.RateLimit != nil {
		set("rate_limit", *patch.RateLimit)
	}
	if patch.MonthlyRequestLimit != nil {
		set("monthly_request_limit", *patch.MonthlyRequestLimit)
	}
	if patch.ExpiresAt != nil {
		set("expires_at", patch.ExpiresAt.UTC())
	}
	set("updated_at", s.timestamp())

	query := "UPDATE api_keys SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
	args = append(args, id, string(model.StatusActive))
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	return s.checkConditional(ctx, s.db, result, id)
}

// RevokeAPIKey marks an active key revoked. Revoking a key that is not
// active returns ErrNotActive; the first revocation's reason is kept.
func (s *Store) RevokeAPIKey(ctx context.Context, id, reason string) error {
	return s.revokeAPIKey(ctx, s.db, id, reason, "")
}

// RevokeRotatedAPIKey revokes a key only if it is still active and still
// scheduled for replacement by replacementID.
func (s *Store) RevokeRotatedAPIKey(ctx context.Context, id, replacementID, reason string) error {
	return s.revokeAPIKey(ctx, s.db, id, reason, replacementID)
}

func (s *Store) revokeAPIKey(ctx context.Context, ex sqlx.ExtContext, id, reason, replacementID string) error {
	now := s.timestamp()
	query := `UPDATE api_keys
		SET status = ?, revoked_at = ?, revoked_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`
	args := []interface{}{string(model.StatusRevoked), now, reason, now, id, string(model.StatusActive)}
	if replacementID != "" {
		query += " AND rotated_to_id = ?"
		args = append(args, replacementID)
	}
	result, err := ex.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return s.checkConditional(ctx, ex, result, id)
}

// RotateAPIKey records that oldID is replaced by replacement, due for
// revocation at revokeAfter, and inserts the replacement. Both writes
// happen in one transaction.
func (s *Store) RotateAPIKey(ctx context.Context, oldID string, replacement *model.APIKey, revokeAfter time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback()

	if replacement.ID == "" {
		replacement.ID = uuid.Must(uuid.NewV7()).String()
	}
	replacement.RotatedFromID = oldID

	result, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE api_keys
		SET rotated_to_id = ?, revoke_after = ?, updated_at = ?
		WHERE id = ? AND status = ? AND rotated_to_id = ''`),
		replacement.ID, revokeAfter.UTC(), s.timestamp(), oldID, string(model.StatusActive))
	if err != nil {
		return fmt.Errorf("mark api key rotated: %w", err)
	}
	if err := s.checkConditional(ctx, tx, result, oldID); err != nil {
		return err
	}

	if err := s.createAPIKey(ctx, tx, replacement); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	return nil
}

// checkConditional turns a zero-row conditional UPDATE into the error that
// explains it.
func (s *Store) checkConditional(ctx context.Context, q sqlx.QueryerContext, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	current, err := s.getAPIKey(ctx, q, id)
	if err != nil {
		return err
	}
	if !current.IsActive() {
		return ErrNotActive
	}
	if current.RotatedToID != "" {
		return ErrAlreadyRotated
	}
	// MySQL reports zero affected rows when the new values equal the old.
	return nil
}

// RecordAPIKeyUsage atomically counts one successful request against a key.
func (s *Store) RecordAPIKeyUsage(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE api_keys
		SET request_count = request_count + 1,
		    monthly_request_count = monthly_request_count + 1,
		    last_used_at = ?
		WHERE id = ?`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("record api key usage: %w", err)
	}
	return nil
}

// ResetMonthlyCounters zeroes the monthly count of every active key in a
// single statement and returns the number of keys reset.
func (s *Store) ResetMonthlyCounters(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE api_keys SET monthly_request_count = 0 WHERE status = ?"),
		string(model.StatusActive))
	if err != nil {
		return 0, fmt.Errorf("reset monthly counters: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns a setting value, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind("SELECT value FROM settings WHERE name = ?"), name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting creates or replaces a setting.
func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(s.dialect.upsert), name, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

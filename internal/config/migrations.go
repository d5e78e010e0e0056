package config

import (
	"fmt"
	"strings"
)

// dialect holds the column types that differ between the supported drivers.
type dialect struct {
	id        string // primary key / reference column
	text      string // free text column
	timestamp string
	bigint    string
	upsert    string // settings upsert statement
}

var dialects = map[string]dialect{
	DriverSQLite: {
		id:        "TEXT",
		text:      "TEXT",
		timestamp: "DATETIME",
		bigint:    "INTEGER",
		upsert: `INSERT INTO settings (name, value) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
	},
	DriverPostgres: {
		id:        "VARCHAR(64)",
		text:      "TEXT",
		timestamp: "TIMESTAMPTZ",
		bigint:    "BIGINT",
		upsert: `INSERT INTO settings (name, value) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
	},
	DriverMySQL: {
		id:        "VARCHAR(64)",
		text:      "VARCHAR(2048)",
		timestamp: "DATETIME(6)",
		bigint:    "BIGINT",
		upsert: `INSERT INTO settings (name, value) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value)`,
	},
}

func (s *Store) migrate() error {
	d := s.dialect
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id ` + d.id + ` PRIMARY KEY,
			owner_id ` + d.id + ` NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			key_hash VARCHAR(64) NOT NULL,
			key_prefix VARCHAR(32) NOT NULL,
			environment VARCHAR(16) NOT NULL,
			scopes_json ` + d.text + ` NOT NULL,
			allowed_origins_json ` + d.text + ` NOT NULL,
			allowed_ips_json ` + d.text + ` NOT NULL,
			rate_limit INTEGER NOT NULL DEFAULT 60,
			monthly_request_limit ` + d.bigint + ` NOT NULL DEFAULT 0,
			monthly_request_count ` + d.bigint + ` NOT NULL DEFAULT 0,
			request_count ` + d.bigint + ` NOT NULL DEFAULT 0,
			last_used_at ` + d.timestamp + ` NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			revoked_at ` + d.timestamp + ` NULL,
			revoked_reason VARCHAR(255) NOT NULL DEFAULT '',
			expires_at ` + d.timestamp + ` NULL,
			created_at ` + d.timestamp + ` NOT NULL,
			updated_at ` + d.timestamp + ` NOT NULL
		)`,

		`CREATE INDEX idx_api_keys_prefix ON api_keys(key_prefix)`,
		`CREATE INDEX idx_api_keys_owner ON api_keys(owner_id)`,

		// v2: rotation bookkeeping.
		`ALTER TABLE api_keys ADD COLUMN rotated_from_id VARCHAR(64) NOT NULL DEFAULT ''`,
		`ALTER TABLE api_keys ADD COLUMN rotated_to_id VARCHAR(64) NOT NULL DEFAULT ''`,
		`ALTER TABLE api_keys ADD COLUMN revoke_after ` + d.timestamp + ` NULL`,

		// v3: key-value settings (last monthly reset, etc.)
		`CREATE TABLE IF NOT EXISTS settings (
			name VARCHAR(191) PRIMARY KEY,
			value ` + d.text + ` NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Re-running ADD COLUMN or CREATE INDEX against an existing
			// schema fails on every driver; those are no-ops here.
			if alreadyApplied(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "already exists")
}

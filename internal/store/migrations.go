package store

import (
	"fmt"
	"strings"
)

// dialect holds the column types that differ between engines.
type dialect struct {
	name      string
	timestamp string
	boolean   string
	trueLit   string
	forUpdate bool
}

func dialectFor(driver string) dialect {
	switch driver {
	case DriverPostgres:
		return dialect{name: DriverPostgres, timestamp: "TIMESTAMPTZ", boolean: "BOOLEAN", trueLit: "TRUE", forUpdate: true}
	case DriverMySQL:
		return dialect{name: DriverMySQL, timestamp: "DATETIME(6)", boolean: "BOOLEAN", trueLit: "TRUE", forUpdate: true}
	default:
		return dialect{name: DriverSQLite, timestamp: "DATETIME", boolean: "INTEGER", trueLit: "1"}
	}
}

func (s *Store) migrate() error {
	ts, b := s.dialect.timestamp, s.dialect.boolean

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS owners (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(200) NOT NULL,
			email VARCHAR(320) NOT NULL DEFAULT '',
			is_active ` + b + ` NOT NULL DEFAULT ` + s.dialect.trueLit + `,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(64) NOT NULL REFERENCES owners(id),
			name VARCHAR(200) NOT NULL,
			description TEXT NOT NULL,
			key_hash VARCHAR(64) NOT NULL,
			key_prefix VARCHAR(32) NOT NULL,
			scopes_json TEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			rate_limit_per_minute INTEGER NOT NULL,
			daily_usage_quota INTEGER NOT NULL,
			usage_count BIGINT NOT NULL DEFAULT 0,
			today_usage_count INTEGER NOT NULL DEFAULT 0,
			last_reset_date VARCHAR(10) NOT NULL DEFAULT '',
			ip_allow_list_json TEXT NOT NULL,
			security_json TEXT NOT NULL,
			expires_at ` + ts + ` NULL,
			last_used_at ` + ts + ` NULL,
			revoked_at ` + ts + ` NULL,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,

		`CREATE UNIQUE INDEX idx_api_keys_hash ON api_keys(key_hash)`,
		`CREATE INDEX idx_api_keys_owner ON api_keys(owner_id, status)`,

		`CREATE TABLE IF NOT EXISTS usage_logs (
			id VARCHAR(64) PRIMARY KEY,
			api_key_id VARCHAR(64) NOT NULL,
			ts ` + ts + ` NOT NULL,
			method VARCHAR(16) NOT NULL,
			endpoint VARCHAR(2048) NOT NULL,
			status_code INTEGER NOT NULL,
			response_time_ms BIGINT NOT NULL,
			client_ip VARCHAR(64) NOT NULL,
			request_size BIGINT NOT NULL,
			response_size BIGINT NOT NULL,
			scopes_json TEXT NOT NULL,
			error_message TEXT NOT NULL
		)`,

		`CREATE INDEX idx_usage_logs_key_ts ON usage_logs(api_key_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Index creation is not idempotent on every engine; an existing
			// index or column is a no-op.
			if isAlreadyExists(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "duplicate key name")
}

package storage

import (
	"database/sql"
	"fmt"
)

var migrations = []string{
	// Migration 1: usage records, provider configs, series rollups,
	// retention settings.
	`CREATE TABLE IF NOT EXISTS usage_records (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL DEFAULT '',
		model            TEXT NOT NULL,
		prompt_tokens    INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens     INTEGER NOT NULL DEFAULT 0,
		cached_tokens    INTEGER NOT NULL DEFAULT 0,
		reasoning_tokens INTEGER NOT NULL DEFAULT 0,
		cost             REAL,
		cost_currency    TEXT NOT NULL DEFAULT 'USD',
		success          INTEGER NOT NULL DEFAULT 1,
		error            TEXT,
		is_streaming     INTEGER NOT NULL DEFAULT 0,
		started_at       DATETIME,
		first_chunk_at   DATETIME,
		created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		metadata         TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_usage_user_created ON usage_records(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_usage_model_created ON usage_records(model, created_at);
	CREATE INDEX IF NOT EXISTS idx_usage_success_created ON usage_records(success, created_at);
	CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at);

	CREATE TABLE IF NOT EXISTS provider_configs (
		id         TEXT PRIMARY KEY,
		scope      TEXT NOT NULL CHECK(scope IN ('global', 'user')),
		user_id    TEXT NOT NULL DEFAULT '',
		provider   TEXT NOT NULL,
		params     TEXT NOT NULL DEFAULT '{}',
		is_active  INTEGER NOT NULL DEFAULT 1,
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_configs_scope_user ON provider_configs(scope, user_id);
	CREATE INDEX IF NOT EXISTS idx_configs_active ON provider_configs(is_active);

	CREATE TABLE IF NOT EXISTS usage_series (
		granularity         TEXT NOT NULL CHECK(granularity IN ('hour', 'day', 'month')),
		bucket              DATETIME NOT NULL,
		model               TEXT NOT NULL,
		call_count          INTEGER NOT NULL DEFAULT 0,
		success_count       INTEGER NOT NULL DEFAULT 0,
		avg_e2e_latency_sec REAL,
		avg_ttft_sec        REAL,
		avg_output_tps      REAL,
		prompt_tokens       INTEGER NOT NULL DEFAULT 0,
		completion_tokens   INTEGER NOT NULL DEFAULT 0,
		total_tokens        INTEGER NOT NULL DEFAULT 0,
		cached_tokens       INTEGER NOT NULL DEFAULT 0,
		reasoning_tokens    INTEGER NOT NULL DEFAULT 0,
		total_cost          REAL,
		cost_currency       TEXT NOT NULL DEFAULT 'USD',
		mixed_currency      INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (granularity, bucket, model)
	);

	CREATE INDEX IF NOT EXISTS idx_series_bucket ON usage_series(bucket);

	CREATE TABLE IF NOT EXISTS retention_settings (
		id                   INTEGER PRIMARY KEY CHECK(id = 1),
		retention_days       INTEGER NOT NULL DEFAULT 365,
		cleanup_enabled      INTEGER NOT NULL DEFAULT 1,
		cleanup_schedule     TEXT NOT NULL DEFAULT '0 2 * * *',
		aggregation_schedule TEXT NOT NULL DEFAULT '5 * * * *',
		updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

// runMigrations applies pending schema migrations.
func runMigrations(db *sql.DB) error {
	// Ensure migration tracking table exists
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := currentVersion; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}

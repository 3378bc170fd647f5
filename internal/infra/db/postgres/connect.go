package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx2); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema. Idempotent; safe to run on every boot.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username VARCHAR(128) NOT NULL UNIQUE,
			email VARCHAR(255) NOT NULL DEFAULT '',
			role VARCHAR(32) NOT NULL DEFAULT 'user',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			last_login TIMESTAMPTZ NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scan_config_profiles (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(128) NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			config_yaml TEXT NOT NULL,
			allow_standard_users BOOLEAN NOT NULL DEFAULT FALSE,
			is_system_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_by BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scans (
			id CHAR(36) PRIMARY KEY,
			user_id BIGINT NOT NULL,
			target VARCHAR(512) NOT NULL,
			scan_mode VARCHAR(16) NOT NULL,
			plugins TEXT NOT NULL DEFAULT '',
			parallel BOOLEAN NOT NULL DEFAULT FALSE,
			max_workers INT NOT NULL DEFAULT 0,
			verbose BOOLEAN NOT NULL DEFAULT FALSE,
			dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			status VARCHAR(16) NOT NULL,
			output_dir VARCHAR(1024) NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			config_profile_id BIGINT NULL,
			config_overrides TEXT NOT NULL DEFAULT '',
			logo_id BIGINT NULL,
			artifact_url VARCHAR(1024) NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_status ON scans (status)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_user ON scans (user_id)`,
		`CREATE TABLE IF NOT EXISTS scan_results (
			id BIGSERIAL PRIMARY KEY,
			scan_id CHAR(36) NOT NULL,
			plugin_name VARCHAR(128) NOT NULL,
			disposition VARCHAR(16) NOT NULL DEFAULT 'unknown',
			findings_count INT NOT NULL DEFAULT 0,
			raw_output_path VARCHAR(1024) NOT NULL DEFAULT '',
			processed_output_path VARCHAR(1024) NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			executed_at TIMESTAMPTZ NOT NULL,
			UNIQUE (scan_id, plugin_name)
		)`,
		`CREATE TABLE IF NOT EXISTS scan_shares (
			id BIGSERIAL PRIMARY KEY,
			scan_id CHAR(36) NOT NULL,
			shared_with_user_id BIGINT NULL,
			permission_level VARCHAR(16) NOT NULL,
			share_token CHAR(36) NOT NULL DEFAULT '',
			created_by BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shares_scan ON scan_shares (scan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_shares_token ON scan_shares (share_token)`,
		`CREATE TABLE IF NOT EXISTS scan_analyses (
			id CHAR(36) PRIMARY KEY,
			scan_id CHAR(36) NOT NULL,
			model VARCHAR(64) NOT NULL DEFAULT '',
			result TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_scan ON scan_analyses (scan_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

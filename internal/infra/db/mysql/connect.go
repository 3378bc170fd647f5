package mysql

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	// test ping
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
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			username VARCHAR(128) NOT NULL UNIQUE,
			email VARCHAR(255) NOT NULL DEFAULT '',
			role VARCHAR(32) NOT NULL DEFAULT 'user',
			is_active TINYINT(1) NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			last_login DATETIME NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scan_config_profiles (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(128) NOT NULL UNIQUE,
			description TEXT,
			config_yaml MEDIUMTEXT NOT NULL,
			allow_standard_users TINYINT(1) NOT NULL DEFAULT 0,
			is_system_default TINYINT(1) NOT NULL DEFAULT 0,
			created_by BIGINT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scans (
			id CHAR(36) PRIMARY KEY,
			user_id BIGINT NOT NULL,
			target VARCHAR(512) NOT NULL,
			scan_mode VARCHAR(16) NOT NULL,
			plugins TEXT,
			parallel TINYINT(1) NOT NULL DEFAULT 0,
			max_workers INT NOT NULL DEFAULT 0,
			verbose TINYINT(1) NOT NULL DEFAULT 0,
			dry_run TINYINT(1) NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL,
			output_dir VARCHAR(1024) NOT NULL DEFAULT '',
			error_message TEXT,
			config_profile_id BIGINT NULL,
			config_overrides TEXT,
			logo_id BIGINT NULL,
			artifact_url VARCHAR(1024) NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			completed_at DATETIME NULL,
			INDEX idx_scans_status (status),
			INDEX idx_scans_user (user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS scan_results (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			scan_id CHAR(36) NOT NULL,
			plugin_name VARCHAR(128) NOT NULL,
			disposition VARCHAR(16) NOT NULL DEFAULT 'unknown',
			findings_count INT NOT NULL DEFAULT 0,
			raw_output_path VARCHAR(1024) NOT NULL DEFAULT '',
			processed_output_path VARCHAR(1024) NOT NULL DEFAULT '',
			error_message TEXT,
			executed_at DATETIME NOT NULL,
			UNIQUE KEY uq_scan_plugin (scan_id, plugin_name)
		)`,
		`CREATE TABLE IF NOT EXISTS scan_shares (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			scan_id CHAR(36) NOT NULL,
			shared_with_user_id BIGINT NULL,
			permission_level VARCHAR(16) NOT NULL,
			share_token CHAR(36) NOT NULL DEFAULT '',
			created_by BIGINT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NULL,
			INDEX idx_shares_scan (scan_id),
			INDEX idx_shares_token (share_token)
		)`,
		`CREATE TABLE IF NOT EXISTS scan_analyses (
			id CHAR(36) PRIMARY KEY,
			scan_id CHAR(36) NOT NULL,
			model VARCHAR(64) NOT NULL DEFAULT '',
			result MEDIUMTEXT NOT NULL,
			created_at DATETIME NOT NULL,
			INDEX idx_analyses_scan (scan_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

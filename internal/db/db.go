package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"reportdesk/internal/config"
)

// Connect opens the Postgres pool described by cfg and verifies it with
// a short ping.
func Connect(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		cfg.Host,
		cfg.Port,
		cfg.Name,
		cfg.User,
		cfg.Password,
	)
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS report_type (
		id BIGSERIAL PRIMARY KEY,
		type_name TEXT NOT NULL,
		user_id BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS report_name (
		id BIGSERIAL PRIMARY KEY,
		type_id BIGINT NOT NULL REFERENCES report_type(id),
		report_name TEXT NOT NULL,
		user_id BIGINT,
		storage_dir TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	// NULL owners all mean "public", so the uniqueness scope folds them to 0.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_report_scope
		ON report_name (type_id, report_name, COALESCE(user_id, 0))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_type_scope
		ON report_type (type_name, COALESCE(user_id, 0))`,
	`CREATE TABLE IF NOT EXISTS report_catalogue (
		id BIGSERIAL PRIMARY KEY,
		type_id BIGINT NOT NULL,
		report_name_id BIGINT NOT NULL REFERENCES report_name(id),
		catalogue_name TEXT NOT NULL,
		level INT NOT NULL,
		sort_order INT NOT NULL,
		parent_id BIGINT NOT NULL DEFAULT 0,
		file_name TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_catalogue_report
		ON report_catalogue (report_name_id, sort_order)`,
	`CREATE TABLE IF NOT EXISTS report_merged_record (
		id BIGSERIAL PRIMARY KEY,
		type_id BIGINT NOT NULL,
		report_name_id BIGINT NOT NULL REFERENCES report_name(id),
		merged_name TEXT NOT NULL,
		file_path TEXT NOT NULL,
		user_id BIGINT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the tables and indexes if they are missing.
func EnsureSchema(ctx context.Context, pool *sql.DB) error {
	for _, stmt := range schema {
		if _, err := pool.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

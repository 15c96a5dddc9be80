// Package store is the durable Postgres layer: branches, reviews, parse
// reports, subscribers, subscriptions and bot session state. It owns the
// review_id uniqueness invariant.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects a pgx pool, verifies connectivity and ensures the schema.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("store ready", "max_conns", cfg.MaxConns)
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports database liveness for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying pool for tests and migrations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS branches (
		id BIGSERIAL PRIMARY KEY,
		branch_id TEXT NOT NULL UNIQUE,
		branch_name TEXT NOT NULL,
		city TEXT,
		address TEXT,
		id_steady TEXT,
		id_iiko TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		id BIGSERIAL PRIMARY KEY,
		review_id TEXT NOT NULL UNIQUE,
		branch_id TEXT NOT NULL REFERENCES branches(branch_id),
		branch_name TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		rating INTEGER,
		text TEXT NOT NULL DEFAULT '',
		date_created TIMESTAMPTZ,
		date_edited TIMESTAMPTZ,
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		likes_count INTEGER NOT NULL DEFAULT 0,
		comments_count INTEGER NOT NULL DEFAULT 0,
		photos_count INTEGER NOT NULL DEFAULT 0,
		photos_urls JSONB NOT NULL DEFAULT '[]',
		sent_to_telegram BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_branch_id ON reviews (branch_id)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_rating ON reviews (rating)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_date_created ON reviews (date_created)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_created_at ON reviews (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_unsent ON reviews (sent_to_telegram) WHERE sent_to_telegram = FALSE`,
	`CREATE TABLE IF NOT EXISTS parse_reports (
		id BIGSERIAL PRIMARY KEY,
		parse_date TIMESTAMPTZ NOT NULL DEFAULT now(),
		total_branches INTEGER NOT NULL DEFAULT 0,
		successful_branches INTEGER NOT NULL DEFAULT 0,
		failed_branches INTEGER NOT NULL DEFAULT 0,
		total_reviews INTEGER NOT NULL DEFAULT 0,
		new_reviews INTEGER NOT NULL DEFAULT 0,
		updated_reviews INTEGER NOT NULL DEFAULT 0,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		errors TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS telegram_users (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		username TEXT,
		first_name TEXT,
		last_name TEXT,
		language_code TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS telegram_subscriptions (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		branch_id TEXT NOT NULL,
		branch_name TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_branch ON telegram_subscriptions (user_id, branch_id)`,
	`CREATE TABLE IF NOT EXISTS telegram_user_states (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		state JSONB NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// initSchema creates all tables and indices in one transaction. A schema
// error here is fatal at startup.
func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Package db manages the durable Postgres store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/privatebeach/beach-manager/internal/logger"
)

// Database wraps the sql.DB handle plus schema management.
type Database struct {
	db *sql.DB
}

// Connect opens the Postgres pool and verifies connectivity within the
// caller's deadline.
func Connect(ctx context.Context, dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Database{db: db}, nil
}

// DB returns the underlying handle.
func (d *Database) DB() *sql.DB { return d.db }

// Close closes the pool.
func (d *Database) Close() error { return d.db.Close() }

// Ping verifies connectivity, used by the readiness probe.
func (d *Database) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Migrate creates the schema if it does not exist. Row-level
// authorization is enforced in queries by private_beach_id; the schema
// carries the supporting indexes.
func (d *Database) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			private_beach_id TEXT,
			origin_session_id TEXT NOT NULL,
			harness_kind TEXT NOT NULL,
			capabilities TEXT[] NOT NULL DEFAULT '{}',
			transport_mode TEXT NOT NULL DEFAULT 'http_fallback',
			state TEXT NOT NULL DEFAULT 'registered',
			join_code_hash TEXT,
			created_by TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sessions_beach_origin
			ON sessions (private_beach_id, origin_session_id)
			WHERE private_beach_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS sessions_beach ON sessions (private_beach_id)`,
		`CREATE TABLE IF NOT EXISTS controller_leases (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			controlling_account TEXT,
			issued_by TEXT NOT NULL,
			reason TEXT,
			issued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS leases_session ON controller_leases (session_id)`,
		`CREATE TABLE IF NOT EXISTS session_runtime (
			session_id UUID PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
			snapshot_ref TEXT,
			last_health_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS controller_events (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			session_id UUID NOT NULL,
			controller_id TEXT,
			issued_by TEXT,
			lease_id TEXT,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			payload JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS events_session ON controller_events (session_id, id DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Log.Info().Msg("Database schema ready")
	return nil
}

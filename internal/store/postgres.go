// Package store is the durable relational layer: sessions, anomaly events,
// alerts, risk snapshots, and evidence rows on Postgres. Unique constraints
// on the session identity tuple and on event_id are the second line of
// defense behind the ephemeral replay markers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Store wraps the shared connection pool. One instance per process.
type Store struct {
	db *sql.DB
}

// Open connects, verifies the connection, and applies the schema.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("postgres connected")
	return s, nil
}

// NewWithDB wraps an existing pool; used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		tenant_id          TEXT NOT NULL,
		exam_schedule_id   TEXT NOT NULL,
		user_id            TEXT NOT NULL,
		attempt_no         INTEGER NOT NULL,
		status             TEXT NOT NULL,
		started_at         TIMESTAMPTZ NOT NULL,
		ended_at           TIMESTAMPTZ,
		last_heartbeat_at  TIMESTAMPTZ NOT NULL,
		current_risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		config_snapshot    TEXT NOT NULL DEFAULT '{}',
		CONSTRAINT sessions_identity_unique UNIQUE (tenant_id, exam_schedule_id, user_id, attempt_no),
		CONSTRAINT sessions_score_nonneg CHECK (current_risk_score >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS anomaly_events (
		event_id   TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		event_time TIMESTAMPTZ NOT NULL,
		severity   TEXT NOT NULL,
		confidence DOUBLE PRECISION,
		details    TEXT NOT NULL DEFAULT '{}',
		evidence_id TEXT,
		thumbnail_meta TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS anomaly_events_session_created
		ON anomaly_events (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		type       TEXT NOT NULL,
		severity   TEXT NOT NULL,
		triggering_event_id TEXT,
		evidence_id TEXT,
		details    TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS alerts_session_created
		ON alerts (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS evidence (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		byte_size  INTEGER NOT NULL,
		sha256     TEXT NOT NULL,
		mime_type  TEXT NOT NULL,
		locator    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS evidence_session_created
		ON evidence (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS risk_score_snapshots (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		score      DOUBLE PRECISION NOT NULL,
		details    TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS risk_score_snapshots_session_created
		ON risk_score_snapshots (session_id, created_at)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

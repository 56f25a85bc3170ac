// Package calllog is the optional PostgreSQL call journal. When a DSN is
// configured it records one row per call and one row per conversation turn.
// Writes are best effort: a journal failure is logged and the call
// continues.
package calllog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddl = `
CREATE TABLE IF NOT EXISTS calls (
    call_id     TEXT         PRIMARY KEY,
    caller      TEXT         NOT NULL DEFAULT '',
    pipeline    TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);

CREATE TABLE IF NOT EXISTS call_turns (
    id          BIGSERIAL    PRIMARY KEY,
    call_id     TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_turns_call_id
    ON call_turns (call_id, timestamp);
`

// Turn is one recorded conversation turn.
type Turn struct {
	CallID    string
	Role      string
	Content   string
	Timestamp time.Time
}

// CallRecord is the journal row for one call.
type CallRecord struct {
	CallID    string
	Caller    string
	Pipeline  string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Store is the PostgreSQL-backed call journal. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewStore connects to the database at dsn and ensures the journal tables
// exist.
func NewStore(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("calllog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: migrate: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Migrate ensures the journal tables exist. Idempotent; safe to call on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("calllog migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CallStarted records the beginning of a call. Re-recording a known call
// updates its caller and pipeline.
func (s *Store) CallStarted(ctx context.Context, callID, caller, pipeline string) {
	const q = `
		INSERT INTO calls (call_id, caller, pipeline)
		VALUES ($1, $2, $3)
		ON CONFLICT (call_id) DO UPDATE
		SET caller = EXCLUDED.caller, pipeline = EXCLUDED.pipeline`

	if _, err := s.pool.Exec(ctx, q, callID, caller, pipeline); err != nil {
		s.log.Warn("call journal: record start", "call_id", callID, "err", err)
	}
}

// CallEnded stamps the call's end time.
func (s *Store) CallEnded(ctx context.Context, callID string) {
	const q = `UPDATE calls SET ended_at = now() WHERE call_id = $1 AND ended_at IS NULL`

	if _, err := s.pool.Exec(ctx, q, callID); err != nil {
		s.log.Warn("call journal: record end", "call_id", callID, "err", err)
	}
}

// RecordTurn appends one conversation turn to the call's transcript.
func (s *Store) RecordTurn(ctx context.Context, callID, role, content string) {
	const q = `INSERT INTO call_turns (call_id, role, content) VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, callID, role, content); err != nil {
		s.log.Warn("call journal: record turn", "call_id", callID, "err", err)
	}
}

// Transcript returns the call's turns in chronological order.
func (s *Store) Transcript(ctx context.Context, callID string) ([]Turn, error) {
	const q = `
		SELECT call_id, role, content, timestamp
		FROM   call_turns
		WHERE  call_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("calllog: transcript: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var t Turn
		err := row.Scan(&t.CallID, &t.Role, &t.Content, &t.Timestamp)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("calllog: scan turns: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// RecentCalls returns up to limit calls ordered newest first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	const q = `
		SELECT call_id, caller, pipeline, started_at, ended_at
		FROM   calls
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: recent calls: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CallRecord, error) {
		var r CallRecord
		err := row.Scan(&r.CallID, &r.Caller, &r.Pipeline, &r.StartedAt, &r.EndedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("calllog: scan calls: %w", err)
	}
	if records == nil {
		records = []CallRecord{}
	}
	return records, nil
}

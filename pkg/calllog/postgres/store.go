// Package postgres provides a PostgreSQL-backed implementation of
// [calllog.Store].
//
// All writes go through a single [pgxpool.Pool]. [Migrate] creates the two
// tables on startup:
//
//	call_turns: one row per relayed conversation turn
//	call_records: one row per finished call with the final benefit snapshot
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spikeclinical/spikebot/pkg/callstate"
	"github.com/spikeclinical/spikebot/pkg/calllog"
)

const ddlCallTurns = `
CREATE TABLE IF NOT EXISTS call_turns (
    id       BIGSERIAL    PRIMARY KEY,
    call_id  TEXT         NOT NULL,
    role     TEXT         NOT NULL,
    content  TEXT         NOT NULL,
    at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_turns_call_id
    ON call_turns (call_id);

CREATE INDEX IF NOT EXISTS idx_call_turns_call_at
    ON call_turns (call_id, at);
`

const ddlCallRecords = `
CREATE TABLE IF NOT EXISTS call_records (
    call_id     TEXT         PRIMARY KEY,
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL,
    state       JSONB        NOT NULL DEFAULT '{}',
    turns       INT          NOT NULL DEFAULT 0
);
`

// Store is the PostgreSQL-backed call log. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure the tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("call log: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("call log: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call log: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call log: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the call log tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCallTurns, ddlCallRecords} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("call log migrate: %w", err)
		}
	}
	return nil
}

// WriteTurn implements [calllog.Store].
func (s *Store) WriteTurn(ctx context.Context, entry calllog.TurnEntry) error {
	const q = `
		INSERT INTO call_turns (call_id, role, content, at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, entry.CallID, entry.Role, entry.Content, entry.At)
	if err != nil {
		return fmt.Errorf("call log: write turn: %w", err)
	}
	return nil
}

// WriteRecord implements [calllog.Store]. The benefit snapshot is stored as
// JSONB so unknown fields stay null rather than collapsing to zero values.
// Writing the same call twice replaces the earlier snapshot.
func (s *Store) WriteRecord(ctx context.Context, rec calllog.Record) error {
	stateRaw, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("call log: encode state: %w", err)
	}

	const q = `
		INSERT INTO call_records (call_id, started_at, ended_at, state, turns)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id) DO UPDATE
		SET started_at = EXCLUDED.started_at,
		    ended_at   = EXCLUDED.ended_at,
		    state      = EXCLUDED.state,
		    turns      = EXCLUDED.turns`

	if _, err := s.pool.Exec(ctx, q, rec.CallID, rec.StartedAt, rec.EndedAt, stateRaw, rec.Turns); err != nil {
		return fmt.Errorf("call log: write record: %w", err)
	}
	return nil
}

// Turns returns every logged turn for callID, ordered chronologically.
func (s *Store) Turns(ctx context.Context, callID string) ([]calllog.TurnEntry, error) {
	const q = `
		SELECT call_id, role, content, at
		FROM   call_turns
		WHERE  call_id = $1
		ORDER  BY at, id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("call log: query turns: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (calllog.TurnEntry, error) {
		var e calllog.TurnEntry
		err := row.Scan(&e.CallID, &e.Role, &e.Content, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("call log: scan turns: %w", err)
	}
	return entries, nil
}

// Record returns the final snapshot for callID.
func (s *Store) Record(ctx context.Context, callID string) (calllog.Record, error) {
	const q = `
		SELECT call_id, started_at, ended_at, state, turns
		FROM   call_records
		WHERE  call_id = $1`

	var (
		rec      calllog.Record
		stateRaw []byte
	)
	err := s.pool.QueryRow(ctx, q, callID).Scan(
		&rec.CallID, &rec.StartedAt, &rec.EndedAt, &stateRaw, &rec.Turns,
	)
	if err != nil {
		return calllog.Record{}, fmt.Errorf("call log: query record: %w", err)
	}

	var state callstate.State
	if err := json.Unmarshal(stateRaw, &state); err != nil {
		return calllog.Record{}, fmt.Errorf("call log: decode state: %w", err)
	}
	rec.State = state
	return rec, nil
}

// Ping verifies the database connection. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ensure Store implements calllog.Store at compile time.
var _ calllog.Store = (*Store)(nil)

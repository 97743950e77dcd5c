// Package postgres is the PostgreSQL [calllog.Store]. Turns live in a
// call_turns table with a GIN full-text index over input and output.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxline/pkg/calllog"
)

var _ calllog.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS call_turns (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    ordinal     INTEGER      NOT NULL,
    input       TEXT         NOT NULL DEFAULT '',
    output      TEXT         NOT NULL,
    greeting    BOOLEAN      NOT NULL DEFAULT false,
    language    TEXT         NOT NULL DEFAULT '',
    mode        TEXT         NOT NULL DEFAULT '',
    started     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    latency_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_call_turns_session_started
    ON call_turns (session_id, started);

CREATE INDEX IF NOT EXISTS idx_call_turns_fts
    ON call_turns USING GIN (to_tsvector('simple', input || ' ' || output));
`

const columns = "session_id, ordinal, input, output, greeting, language, mode, started, latency_ns"

// Store is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and, when migrate is set, creates the schema.
func Open(ctx context.Context, dsn string, migrate bool) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("call log: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("call log: ping: %w", err)
	}
	s := &Store{pool: pool}
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the call_turns table and its indexes. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("call log: migrate: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Append implements [calllog.Store].
func (s *Store) Append(ctx context.Context, e calllog.Entry) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO call_turns ("+columns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		e.SessionID, e.Ordinal, e.Input, e.Output, e.Greeting, e.Language, e.Mode, e.Started, e.Latency.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("call log: append: %w", err)
	}
	return nil
}

// Session implements [calllog.Store].
func (s *Store) Session(ctx context.Context, sessionID string) ([]calllog.Entry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+columns+" FROM call_turns WHERE session_id = $1 ORDER BY started, ordinal",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("call log: session: %w", err)
	}
	return collect(rows)
}

// Search implements [calllog.Store] using plainto_tsquery, so the query needs
// no operator syntax.
func (s *Store) Search(ctx context.Context, query string, opts calllog.SearchOpts) ([]calllog.Entry, error) {
	q, args := searchQuery(query, opts)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("call log: search: %w", err)
	}
	return collect(rows)
}

func searchQuery(query string, opts calllog.SearchOpts) (string, []any) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('simple', input || ' ' || output) @@ plainto_tsquery('simple', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "started > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "started < "+next(opts.Before))
	}

	q := "SELECT " + columns + "\n" +
		"FROM   call_turns\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY started, ordinal"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}
	return q, args
}

func collect(rows pgx.Rows) ([]calllog.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (calllog.Entry, error) {
		var (
			e         calllog.Entry
			latencyNS int64
		)
		if err := row.Scan(&e.SessionID, &e.Ordinal, &e.Input, &e.Output, &e.Greeting,
			&e.Language, &e.Mode, &e.Started, &latencyNS); err != nil {
			return calllog.Entry{}, err
		}
		e.Latency = time.Duration(latencyNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("call log: scan rows: %w", err)
	}
	if entries == nil {
		entries = []calllog.Entry{}
	}
	return entries, nil
}

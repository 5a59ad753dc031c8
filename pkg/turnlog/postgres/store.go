package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/hark/pkg/turnlog"
)

var _ turnlog.Store = (*Store)(nil)

// Store is a [turnlog.Store] on a [pgxpool.Pool]. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("turnlog store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("turnlog store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("turnlog store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("turnlog store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append implements [turnlog.Store].
func (s *Store) Append(ctx context.Context, t turnlog.Turn) error {
	const q = `
		INSERT INTO turns
		    (session_id, at, user_text, language, reply, outcome, utterance_ns, round_trip_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		t.SessionID,
		at,
		t.UserText,
		t.Language,
		t.Reply,
		string(t.Outcome),
		t.UtteranceDuration.Nanoseconds(),
		t.RoundTrip.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("turnlog store: append: %w", err)
	}
	return nil
}

// Find implements [turnlog.Store]. Query.Text is matched with
// plainto_tsquery so no operator syntax is needed.
func (s *Store) Find(ctx context.Context, q turnlog.Query) ([]turnlog.Turn, error) {
	sql, args := buildFind(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("turnlog store: find: %w", err)
	}
	return collectTurns(rows)
}

// buildFind renders the SELECT for q with positional arguments.
func buildFind(q turnlog.Query) (string, []any) {
	var (
		args       []any
		conditions []string
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(q.SessionID))
	}
	if q.Text != "" {
		conditions = append(conditions,
			"to_tsvector('simple', user_text || ' ' || reply) @@ plainto_tsquery('simple', "+next(q.Text)+")")
	}
	if !q.Since.IsZero() {
		conditions = append(conditions, "at >= "+next(q.Since))
	}

	sql := "SELECT session_id, at, user_text, language, reply, outcome, utterance_ns, round_trip_ns\n" +
		"FROM   turns\n"
	if len(conditions) > 0 {
		sql += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	sql += "ORDER  BY at DESC, id DESC"
	if q.Limit > 0 {
		sql += "\nLIMIT " + next(q.Limit)
	}
	return sql, args
}

func collectTurns(rows pgx.Rows) ([]turnlog.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (turnlog.Turn, error) {
		var (
			t                  turnlog.Turn
			outcome            string
			utteranceNS, rttNS int64
		)
		if err := row.Scan(&t.SessionID, &t.At, &t.UserText, &t.Language, &t.Reply, &outcome, &utteranceNS, &rttNS); err != nil {
			return turnlog.Turn{}, err
		}
		t.Outcome = turnlog.Outcome(outcome)
		t.UtteranceDuration = time.Duration(utteranceNS)
		t.RoundTrip = time.Duration(rttNS)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turnlog store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []turnlog.Turn{}
	}
	return turns, nil
}

// Close implements [turnlog.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

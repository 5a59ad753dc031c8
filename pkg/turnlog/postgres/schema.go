// Package postgres provides a PostgreSQL-backed [turnlog.Store].
//
// Turns are stored in a single append-only table with a GIN full-text index
// over the user text and reply. The 'simple' text search configuration is
// used because sessions mix languages.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Append(ctx, turn)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id                BIGSERIAL    PRIMARY KEY,
    session_id        TEXT         NOT NULL,
    at                TIMESTAMPTZ  NOT NULL DEFAULT now(),
    user_text         TEXT         NOT NULL,
    language          TEXT         NOT NULL DEFAULT '',
    reply             TEXT         NOT NULL DEFAULT '',
    outcome           TEXT         NOT NULL,
    utterance_ns      BIGINT       NOT NULL DEFAULT 0,
    round_trip_ns     BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turns_session_at
    ON turns (session_id, at);

CREATE INDEX IF NOT EXISTS idx_turns_at
    ON turns (at);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON turns USING GIN (to_tsvector('simple', user_text || ' ' || reply));
`

// Migrate creates the turns table and its indexes. It is idempotent and safe
// to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("turnlog migrate: %w", err)
	}
	return nil
}

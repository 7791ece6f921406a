package transcript

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxline/pkg/frame"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS call_turns (
    session_id  TEXT         NOT NULL,
    seq         INTEGER      NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    spoken_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_call_turns_spoken_at
    ON call_turns (spoken_at);
`

// PostgresStore keeps transcripts in a call_turns table.
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the call_turns table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Save implements [Store]. The previous transcript of sessionID is replaced
// inside one transaction.
func (s *PostgresStore) Save(ctx context.Context, sessionID string, turns []frame.Turn) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("transcript: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM call_turns WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("transcript: clear %s: %w", sessionID, err)
	}

	rows := make([][]any, len(turns))
	for i, t := range turns {
		rows[i] = []any{sessionID, i, string(t.Role), t.Content, t.At}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"call_turns"},
		[]string{"session_id", "seq", "role", "content", "spoken_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("transcript: write %s: %w", sessionID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transcript: commit: %w", err)
	}
	return nil
}

// Load implements [Store].
func (s *PostgresStore) Load(ctx context.Context, sessionID string) ([]frame.Turn, error) {
	const q = `
		SELECT role, content, spoken_at
		FROM   call_turns
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript: load: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (frame.Turn, error) {
		var (
			t    frame.Turn
			role string
		)
		if err := row.Scan(&role, &t.Content, &t.At); err != nil {
			return frame.Turn{}, err
		}
		t.Role = frame.Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: scan rows: %w", err)
	}
	if len(turns) == 0 {
		return nil, ErrNotFound
	}
	return turns, nil
}

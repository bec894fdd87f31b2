package history

import (
	"context"
	"database/sql"
	"errors"
)

// NOTE: This repository assumes the following table exists:
//
// CREATE TABLE call_history (
//   call_id          TEXT PRIMARY KEY,
//   caller_id        TEXT NOT NULL,
//   recipient_id     TEXT NOT NULL,
//   type             TEXT NOT NULL,
//   outcome          TEXT NOT NULL,
//   started_at       TIMESTAMPTZ NOT NULL,
//   connected_at     TIMESTAMPTZ,
//   ended_at         TIMESTAMPTZ NOT NULL,
//   duration_seconds BIGINT NOT NULL,
//   archived_at      TIMESTAMPTZ NOT NULL
// );
// CREATE INDEX call_history_caller_idx ON call_history (caller_id, started_at DESC);
// CREATE INDEX call_history_recipient_idx ON call_history (recipient_id, started_at DESC);

// PostgresRepo persists archived calls via database/sql (pgx stdlib driver).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Archive(ctx context.Context, e Entry) error {
	// Idempotent on call_id so a sweep retry after a failed prune is safe.
	const q = `
INSERT INTO call_history (
  call_id, caller_id, recipient_id, type, outcome,
  started_at, connected_at, ended_at, duration_seconds, archived_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (call_id) DO NOTHING
`
	_, err := r.db.ExecContext(ctx, q,
		e.CallID,
		e.CallerID,
		e.RecipientID,
		e.Type,
		e.Outcome,
		e.StartedAt,
		e.ConnectedAt,
		e.EndedAt,
		e.DurationSeconds,
		e.ArchivedAt,
	)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, callID string) (Entry, error) {
	const q = `
SELECT call_id, caller_id, recipient_id, type, outcome,
       started_at, connected_at, ended_at, duration_seconds, archived_at
FROM call_history
WHERE call_id = $1
`
	var e Entry
	if err := r.db.QueryRowContext(ctx, q, callID).Scan(
		&e.CallID,
		&e.CallerID,
		&e.RecipientID,
		&e.Type,
		&e.Outcome,
		&e.StartedAt,
		&e.ConnectedAt,
		&e.EndedAt,
		&e.DurationSeconds,
		&e.ArchivedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func (r *PostgresRepo) ListByParticipant(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT call_id, caller_id, recipient_id, type, outcome,
       started_at, connected_at, ended_at, duration_seconds, archived_at
FROM call_history
WHERE caller_id = $1 OR recipient_id = $1
ORDER BY started_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.CallID,
			&e.CallerID,
			&e.RecipientID,
			&e.Type,
			&e.Outcome,
			&e.StartedAt,
			&e.ConnectedAt,
			&e.EndedAt,
			&e.DurationSeconds,
			&e.ArchivedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

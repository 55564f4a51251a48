package history

import (
	"context"
	"database/sql"
	"errors"

	"videocall-platform/internal/calls"
)

// Schema creates the call_history table. It references users(id), so it must
// run after the users schema.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_history (
	id          BIGSERIAL PRIMARY KEY,
	caller_id   BIGINT      NOT NULL REFERENCES users(id),
	receiver_id BIGINT      NOT NULL REFERENCES users(id),
	call_status TEXT        NOT NULL CHECK (call_status IN ('answered', 'missed', 'rejected', 'cancelled')),
	duration    INTEGER     NOT NULL DEFAULT 0 CHECK (duration >= 0),
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`ALTER TABLE call_history ADD COLUMN IF NOT EXISTS call_id TEXT`,
	`CREATE UNIQUE INDEX IF NOT EXISTS call_history_call_id_key ON call_history (call_id)`,
	`CREATE INDEX IF NOT EXISTS call_history_caller_started_idx ON call_history (caller_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS call_history_receiver_started_idx ON call_history (receiver_id, started_at DESC)`,
}

// PostgresRepo stores history rows through database/sql (pgx stdlib driver).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Insert(ctx context.Context, rec Record) (int64, error) {
	if r.db == nil {
		return 0, errors.New("history: db not configured")
	}
	// NULL call ids never conflict, so HTTP-posted rows always insert.
	const q = `
INSERT INTO call_history (call_id, caller_id, receiver_id, call_status, duration, started_at)
VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6)
ON CONFLICT (call_id) DO NOTHING
RETURNING id
`
	var id int64
	err := r.db.QueryRowContext(ctx, q,
		rec.CallID,
		rec.CallerID,
		rec.ReceiverID,
		string(rec.Status),
		rec.DurationSeconds,
		rec.StartedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) && rec.CallID != "" {
		// An earlier attempt for this call already committed.
		err = r.db.QueryRowContext(ctx, `SELECT id FROM call_history WHERE call_id = $1`, rec.CallID).Scan(&id)
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *PostgresRepo) ListForUser(ctx context.Context, userID int64, limit int) ([]Record, error) {
	if r.db == nil {
		return nil, errors.New("history: db not configured")
	}
	const q = `
SELECT ch.id, ch.caller_id, ch.receiver_id, ch.call_status, ch.duration, ch.started_at,
       u1.username AS caller_name,
       u2.username AS receiver_name
FROM call_history ch
JOIN users u1 ON ch.caller_id = u1.id
JOIN users u2 ON ch.receiver_id = u2.id
WHERE ch.caller_id = $1 OR ch.receiver_id = $1
ORDER BY ch.started_at DESC, ch.id DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(
			&rec.ID,
			&rec.CallerID,
			&rec.ReceiverID,
			&status,
			&rec.DurationSeconds,
			&rec.StartedAt,
			&rec.CallerName,
			&rec.ReceiverName,
		); err != nil {
			return nil, err
		}
		rec.Status = calls.Outcome(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

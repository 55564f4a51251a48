package users

import (
	"context"
	"database/sql"
	"errors"

	"videocall-platform/pkg/utils"
)

// Schema creates the users table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	id         BIGSERIAL PRIMARY KEY,
	username   TEXT        NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) ResolveOrCreate(ctx context.Context, username string) (User, error) {
	if r.db == nil {
		return User{}, errors.New("users: db not configured")
	}

	var out User
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// ON CONFLICT DO NOTHING returns no row when the name already exists,
		// which is the common login path; fall through to the select.
		const insert = `
INSERT INTO users (username) VALUES ($1)
ON CONFLICT (username) DO NOTHING
RETURNING id, username, created_at
`
		err := tx.QueryRowContext(ctx, insert, username).Scan(&out.ID, &out.Username, &out.CreatedAt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		const sel = `SELECT id, username, created_at FROM users WHERE username = $1`
		return tx.QueryRowContext(ctx, sel, username).Scan(&out.ID, &out.Username, &out.CreatedAt)
	})
	if err != nil {
		return User{}, err
	}
	return out, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id int64) (User, error) {
	if r.db == nil {
		return User{}, errors.New("users: db not configured")
	}
	const q = `SELECT id, username, created_at FROM users WHERE id = $1`
	var u User
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.Username, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

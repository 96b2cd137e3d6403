package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"nefrit/internal/database"
	"nefrit/internal/model"
	"nefrit/internal/repository"
)

// UserSQL is a database/sql implementation of repository.UserRepository.
// Queries use '?' placeholders and are rebound for the configured dialect.
type UserSQL struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewUserSQL creates a new UserSQL repository.
func NewUserSQL(db *sql.DB, dialect database.Dialect) *UserSQL {
	return &UserSQL{db: db, dialect: dialect}
}

var _ repository.UserRepository = (*UserSQL)(nil)

const userColumns = `id, user_id, username, user_uuid, path, created_at, is_active`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*model.User, error) {
	var u model.User
	if err := s.Scan(
		&u.ID,
		&u.TelegramID,
		&u.Username,
		&u.UUID,
		&u.Path,
		&u.CreatedAt,
		&u.Active,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateWithKey inserts the user and consumes the key atomically.
func (r *UserSQL) CreateWithKey(ctx context.Context, u *model.User, key string) (*model.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const qKey = `UPDATE keys SET is_used = ?, used_by = ? WHERE key = ? AND is_used = ?`
	res, err := tx.ExecContext(ctx, r.dialect.Rebind(qKey), true, u.TelegramID, key, false)
	if err != nil {
		return nil, fmt.Errorf("consume key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consume key: %w", err)
	}
	if n == 0 {
		return nil, repository.ErrKeyConsumed
	}

	const qUser = `
		INSERT INTO users (user_id, username, user_uuid, path, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING ` + userColumns
	row := tx.QueryRowContext(ctx, r.dialect.Rebind(qUser),
		u.TelegramID,
		u.Username,
		u.UUID,
		u.Path,
		u.CreatedAt,
		u.Active,
	)
	out, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// FindByTelegramID fetches a user by Telegram id.
func (r *UserSQL) FindByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE user_id = ?`
	return scanUser(r.db.QueryRowContext(ctx, r.dialect.Rebind(q), telegramID))
}

// FindByPath fetches a user by subscription path.
func (r *UserSQL) FindByPath(ctx context.Context, path string) (*model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE path = ?`
	return scanUser(r.db.QueryRowContext(ctx, r.dialect.Rebind(q), path))
}

// ListActive returns active users.
func (r *UserSQL) ListActive(ctx context.Context) ([]model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE is_active = ? ORDER BY id`
	return r.list(ctx, r.dialect.Rebind(q), true)
}

// List returns all users.
func (r *UserSQL) List(ctx context.Context) ([]model.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
}

func (r *UserSQL) list(ctx context.Context, q string, args ...any) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]model.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// Count returns the number of users.
func (r *UserSQL) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

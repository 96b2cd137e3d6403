package sqldb

import (
	"context"
	"database/sql"

	"nefrit/internal/database"
	"nefrit/internal/model"
	"nefrit/internal/repository"
)

// KeySQL is a database/sql implementation of repository.KeyRepository.
type KeySQL struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewKeySQL creates a new KeySQL repository.
func NewKeySQL(db *sql.DB, dialect database.Dialect) *KeySQL {
	return &KeySQL{db: db, dialect: dialect}
}

var _ repository.KeyRepository = (*KeySQL)(nil)

func scanKey(s scanner) (*model.ActivationKey, error) {
	var (
		k      model.ActivationKey
		usedBy sql.NullInt64
	)
	if err := s.Scan(&k.ID, &k.Key, &k.Used, &usedBy); err != nil {
		return nil, err
	}
	if usedBy.Valid {
		v := usedBy.Int64
		k.UsedBy = &v
	}
	return &k, nil
}

// Create inserts an unused key and returns the stored row.
func (r *KeySQL) Create(ctx context.Context, key string) (*model.ActivationKey, error) {
	const q = `INSERT INTO keys (key, is_used) VALUES (?, ?) RETURNING id, key, is_used, used_by`
	return scanKey(r.db.QueryRowContext(ctx, r.dialect.Rebind(q), key, false))
}

// Find fetches a key by value.
func (r *KeySQL) Find(ctx context.Context, key string) (*model.ActivationKey, error) {
	const q = `SELECT id, key, is_used, used_by FROM keys WHERE key = ?`
	return scanKey(r.db.QueryRowContext(ctx, r.dialect.Rebind(q), key))
}

// List returns keys newest first.
func (r *KeySQL) List(ctx context.Context, limit int) ([]model.ActivationKey, error) {
	q := `SELECT id, key, is_used, used_by FROM keys ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]model.ActivationKey, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// CountFree returns the number of unused keys.
func (r *KeySQL) CountFree(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM keys WHERE is_used = ?`
	var n int
	if err := r.db.QueryRowContext(ctx, r.dialect.Rebind(q), false).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

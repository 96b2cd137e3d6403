package repository

import (
	"context"
	"errors"

	"nefrit/internal/model"
)

// Package repository contains data access abstractions for subscriptions.
// Implementations live in subpackages (sqldb) and contain no business rules.

// ErrKeyConsumed is returned when a key was redeemed concurrently between
// lookup and activation.
var ErrKeyConsumed = errors.New("activation key already consumed")

// UserRepository defines data access for subscribed users.
type UserRepository interface {
	// CreateWithKey inserts the user and marks the key as used by them in a
	// single transaction. Returns ErrKeyConsumed if the key is no longer free.
	CreateWithKey(ctx context.Context, u *model.User, key string) (*model.User, error)

	// FindByTelegramID returns the user with the given Telegram id or sql.ErrNoRows.
	FindByTelegramID(ctx context.Context, telegramID int64) (*model.User, error)

	// FindByPath returns the user owning a subscription path or sql.ErrNoRows.
	FindByPath(ctx context.Context, path string) (*model.User, error)

	// ListActive returns all active users ordered by id.
	ListActive(ctx context.Context) ([]model.User, error)

	// List returns every user ordered by id.
	List(ctx context.Context) ([]model.User, error)

	// Count returns the number of users.
	Count(ctx context.Context) (int, error)
}

// KeyRepository defines data access for activation keys.
type KeyRepository interface {
	// Create stores a new unused key.
	Create(ctx context.Context, key string) (*model.ActivationKey, error)

	// Find returns a key by its value or sql.ErrNoRows.
	Find(ctx context.Context, key string) (*model.ActivationKey, error)

	// List returns the newest keys first; limit <= 0 returns all keys.
	List(ctx context.Context, limit int) ([]model.ActivationKey, error)

	// CountFree returns the number of unused keys.
	CountFree(ctx context.Context) (int, error)
}

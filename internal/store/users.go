package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// UserStore reads the users table owned by the identity system.
// It implements domain.UserDirectory.
type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func (s *UserStore) Exists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := conn(ctx, s.pool).QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists)
	if err != nil {
		return false, storageErr("look up user", err)
	}
	return exists, nil
}

// Register inserts a user if absent. Used by the seeder and tests.
func (s *UserStore) Register(ctx context.Context, userID, email string) error {
	_, err := conn(ctx, s.pool).Exec(ctx,
		"INSERT INTO users (id, email) VALUES ($1, NULLIF($2, '')) ON CONFLICT (id) DO NOTHING",
		userID, email)
	if err != nil {
		return storageErr("register user", err)
	}
	return nil
}

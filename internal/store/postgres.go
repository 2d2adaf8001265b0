package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Db *pgxpool.Pool
}

// NewStore opens a pool against connString and pings it once.
func NewStore(ctx context.Context, connString string, maxConns int32) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 2
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Accounts() *AccountStore {
	return NewAccountStore(s.Db)
}

func (s *Store) Entries() *EntryStore {
	return NewEntryStore(s.Db)
}

func (s *Store) Users() *UserStore {
	return NewUserStore(s.Db)
}

func (s *Store) Transactions() *TransactionManager {
	return NewTransactionManager(s.Db)
}

// Ping backs the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

func (s *Store) Close() {
	s.Db.Close()
}

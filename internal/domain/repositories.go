package domain

import (
	"context"
	"iter"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountRepository is the durable mapping from user id to Account.
// Writes made with a context returned by TransactionManager join that unit of work.
type AccountRepository interface {
	// Get returns ErrAccountNotFound when the user has no account.
	Get(ctx context.Context, userID string) (*Account, error)

	// GetOrCreate atomically inserts a zero-balance account if none exists.
	// created reports whether this call inserted it.
	GetOrCreate(ctx context.Context, userID string) (acc *Account, created bool, err error)

	// LockForUpdate row-locks the accounts of userIDs in ascending id order
	// until the surrounding transaction ends. Users without an account are
	// absent from the result.
	LockForUpdate(ctx context.Context, userIDs ...string) (map[string]*Account, error)

	// AdjustBalance adds delta to one balance and returns the updated account.
	// It fails with ErrInsufficientBalance rather than commit a negative balance.
	AdjustBalance(ctx context.Context, userID string, c Currency, delta decimal.Decimal) (*Account, error)

	// SetStatus moves an account between ACTIVE and SUSPENDED.
	SetStatus(ctx context.Context, userID string, status AccountStatus) error
}

// EntryRepository is the append-only store of ledger entries.
type EntryRepository interface {
	// Append persists e and returns it as stored. A (sender, key) clash
	// yields ErrDuplicateIdempotencyKey.
	Append(ctx context.Context, e *LedgerEntry) (*LedgerEntry, error)

	FindByID(ctx context.Context, id uuid.UUID) (*LedgerEntry, error)

	FindByIdempotencyKey(ctx context.Context, senderID, key string) (*LedgerEntry, error)

	// FindByAccount yields every entry userID sent or received, newest
	// first. Each range over the sequence restarts from the newest entry.
	FindByAccount(ctx context.Context, userID string) iter.Seq2[LedgerEntry, error]
}

// UserDirectory resolves identities owned by the identity system.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// TransactionManager runs fn as one atomic unit of work. If fn returns an
// error, everything written through its context is rolled back.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

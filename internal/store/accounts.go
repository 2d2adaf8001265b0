package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/coomunity/unitsledger/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const accountColumns = `id, user_id, balance_units::text, balance_toins::text, status, created_at, updated_at`

// AccountStore implements domain.AccountRepository.
type AccountStore struct {
	pool *pgxpool.Pool
}

func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// balanceColumn maps a currency onto its column. Only these two literals
// are ever interpolated into SQL.
func balanceColumn(c domain.Currency) (string, error) {
	switch c {
	case domain.CurrencyUnits:
		return "balance_units", nil
	case domain.CurrencyToins:
		return "balance_toins", nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrInvalidCurrency, c)
}

func (s *AccountStore) Get(ctx context.Context, userID string) (*domain.Account, error) {
	row := conn(ctx, s.pool).QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1", userID)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, storageErr("get account", err)
	}
	return acc, nil
}

func (s *AccountStore) GetOrCreate(ctx context.Context, userID string) (*domain.Account, bool, error) {
	tag, err := conn(ctx, s.pool).Exec(ctx,
		"INSERT INTO accounts (id, user_id) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING",
		uuid.New(), userID)
	if err != nil {
		return nil, false, storageErr("provision account", err)
	}

	acc, err := s.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return acc, tag.RowsAffected() == 1, nil
}

// LockForUpdate locks one row at a time in ascending user id order, so two
// transfers over the same pair of accounts always queue instead of deadlocking.
func (s *AccountStore) LockForUpdate(ctx context.Context, userIDs ...string) (map[string]*domain.Account, error) {
	tx := getTx(ctx)
	if tx == nil {
		return nil, fmt.Errorf("%w: lock accounts: no transaction in context", domain.ErrStorageFailure)
	}

	ids := slices.Clone(userIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	locked := make(map[string]*domain.Account, len(ids))
	for _, id := range ids {
		row := tx.QueryRow(ctx,
			"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1 FOR UPDATE", id)
		acc, err := scanAccount(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, storageErr("lock account", err)
		}
		locked[id] = acc
	}
	return locked, nil
}

func (s *AccountStore) AdjustBalance(ctx context.Context, userID string, c domain.Currency, delta decimal.Decimal) (*domain.Account, error) {
	col, err := balanceColumn(c)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE accounts
		SET %[1]s = %[1]s + $2::numeric, updated_at = NOW()
		WHERE user_id = $1 AND %[1]s + $2::numeric >= 0
		RETURNING %[2]s`, col, accountColumns)

	acc, err := scanAccount(conn(ctx, s.pool).QueryRow(ctx, query, userID, delta.String()))
	switch {
	case err == nil:
		return acc, nil
	case pgCode(err) == codeCheckViolation:
		return nil, domain.ErrInsufficientBalance
	case pgCode(err) == codeNumericOutOfRange:
		return nil, fmt.Errorf("%w: balance would exceed %s", domain.ErrInvalidAmount, domain.MaxAmount)
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, storageErr("adjust balance", err)
	}

	// No row matched: either the account is missing or the guard refused.
	if _, err := s.Get(ctx, userID); err != nil {
		return nil, err
	}
	return nil, domain.ErrInsufficientBalance
}

func (s *AccountStore) SetStatus(ctx context.Context, userID string, status domain.AccountStatus) error {
	tag, err := conn(ctx, s.pool).Exec(ctx,
		"UPDATE accounts SET status = $2, updated_at = NOW() WHERE user_id = $1", userID, string(status))
	if err != nil {
		return storageErr("set account status", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acc          domain.Account
		units, toins string
		status       string
		created, upd time.Time
	)
	if err := row.Scan(&acc.ID, &acc.UserID, &units, &toins, &status, &created, &upd); err != nil {
		return nil, err
	}

	var err error
	if acc.BalanceUnits, err = decimal.NewFromString(units); err != nil {
		return nil, fmt.Errorf("parse balance_units: %w", err)
	}
	if acc.BalanceToins, err = decimal.NewFromString(toins); err != nil {
		return nil, fmt.Errorf("parse balance_toins: %w", err)
	}
	acc.Status = domain.AccountStatus(status)
	acc.CreatedAt = created
	acc.UpdatedAt = upd
	return &acc, nil
}

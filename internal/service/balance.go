package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/coomunity/unitsledger/internal/domain"
	"github.com/shopspring/decimal"
)

// BalanceService answers advisory balance questions. Nothing it returns is
// held under a lock; the transfer engine re-checks inside its unit of work.
type BalanceService struct {
	accounts domain.AccountRepository
}

func NewBalanceService(accounts domain.AccountRepository) *BalanceService {
	return &BalanceService{accounts: accounts}
}

// GetBalance returns zero for a user who has no account yet.
func (s *BalanceService) GetBalance(ctx context.Context, userID string, c domain.Currency) (decimal.Decimal, error) {
	if !c.Valid() {
		return decimal.Zero, fmt.Errorf("%w: %q", domain.ErrInvalidCurrency, c)
	}
	acc, err := s.accounts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return acc.Balance(c), nil
}

func (s *BalanceService) HasSufficientBalance(ctx context.Context, userID string, amount decimal.Decimal, c domain.Currency) (bool, error) {
	bal, err := s.GetBalance(ctx, userID, c)
	if err != nil {
		return false, err
	}
	return bal.GreaterThanOrEqual(amount), nil
}

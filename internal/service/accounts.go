package service

import (
	"context"
	"errors"

	"github.com/coomunity/unitsledger/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// EntryView is a ledger entry as seen from one account.
type EntryView struct {
	domain.LedgerEntry
	Direction domain.Direction `json:"direction"`
}

// AccountService is the read side of the ledger. Every call is gated on the
// requesting Caller.
type AccountService struct {
	accounts domain.AccountRepository
	entries  domain.EntryRepository
	users    domain.UserDirectory
	logger   *zap.Logger
}

func NewAccountService(accounts domain.AccountRepository, entries domain.EntryRepository, users domain.UserDirectory, logger *zap.Logger) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{accounts: accounts, entries: entries, users: users, logger: logger}
}

// GetAccount returns userID's account to its owner or an elevated caller,
// provisioning it on first access.
func (s *AccountService) GetAccount(ctx context.Context, userID string, requester domain.Caller) (*domain.Account, error) {
	if !requester.CanRead(userID) {
		return nil, domain.ErrNotAuthorized
	}
	return s.provision(ctx, userID)
}

func (s *AccountService) ListEntriesForAccount(ctx context.Context, userID string, requester domain.Caller, limit int) ([]EntryView, error) {
	if !requester.CanRead(userID) {
		return nil, domain.ErrNotAuthorized
	}
	return s.history(ctx, userID, limit)
}

// AdminGetAccount skips the ownership check but requires an elevated role.
func (s *AccountService) AdminGetAccount(ctx context.Context, userID string, requester domain.Caller) (*domain.Account, error) {
	if !requester.Elevated() {
		return nil, domain.ErrNotAuthorized
	}
	return s.provision(ctx, userID)
}

func (s *AccountService) AdminListEntriesForAccount(ctx context.Context, userID string, requester domain.Caller, limit int) ([]EntryView, error) {
	if !requester.Elevated() {
		return nil, domain.ErrNotAuthorized
	}
	return s.history(ctx, userID, limit)
}

// AdminSetAccountStatus suspends or reactivates userID's account. The
// account is provisioned first, so a user can be suspended before first use.
func (s *AccountService) AdminSetAccountStatus(ctx context.Context, userID string, status domain.AccountStatus, requester domain.Caller) (*domain.Account, error) {
	if !requester.Elevated() {
		return nil, domain.ErrNotAuthorized
	}
	if _, err := domain.ParseAccountStatus(string(status)); err != nil {
		return nil, err
	}
	if _, err := s.provision(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.accounts.SetStatus(ctx, userID, status); err != nil {
		return nil, err
	}
	s.logger.Info("account status changed",
		zap.String("user_id", userID),
		zap.String("status", string(status)),
		zap.String("by", requester.UserID))
	return s.accounts.Get(ctx, userID)
}

// GetEntry is visible to the entry's sender, its recipient and elevated callers.
func (s *AccountService) GetEntry(ctx context.Context, id uuid.UUID, requester domain.Caller) (*domain.LedgerEntry, error) {
	if !requester.Resolved() {
		return nil, domain.ErrNotAuthorized
	}
	e, err := s.entries.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Involves(requester.UserID) && !requester.Elevated() {
		return nil, domain.ErrNotAuthorized
	}
	return e, nil
}

func (s *AccountService) provision(ctx context.Context, userID string) (*domain.Account, error) {
	acc, err := s.accounts.Get(ctx, userID)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, err
	}

	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	acc, created, err := s.accounts.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if created {
		accountsProvisioned.Inc()
		s.logger.Info("account provisioned", zap.String("user_id", userID))
	}
	return acc, nil
}

func (s *AccountService) requireUser(ctx context.Context, userID string) error {
	exists, err := s.users.Exists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrUserNotFound
	}
	return nil
}

// history reads at most limit entries, newest first. A known user with no
// account yet has an empty history.
func (s *AccountService) history(ctx context.Context, userID string, limit int) ([]EntryView, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	if _, err := s.accounts.Get(ctx, userID); err != nil {
		if !errors.Is(err, domain.ErrAccountNotFound) {
			return nil, err
		}
		if err := s.requireUser(ctx, userID); err != nil {
			return nil, err
		}
		return []EntryView{}, nil
	}

	views := make([]EntryView, 0, min(limit, DefaultHistoryLimit))
	for e, err := range s.entries.FindByAccount(ctx, userID) {
		if err != nil {
			return nil, err
		}
		views = append(views, EntryView{LedgerEntry: e, Direction: e.DirectionFor(userID)})
		if len(views) == limit {
			break
		}
	}
	return views, nil
}

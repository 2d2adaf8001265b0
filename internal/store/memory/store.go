// Package memory is an in-process implementation of the ledger repositories.
// A unit of work holds the store mutex from start to finish, so transfers
// are fully serialized.
package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/coomunity/unitsledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type txKey struct{}

// undoLog records what a unit of work must restore on rollback.
type undoLog struct {
	accounts   map[string]*domain.Account // nil value: account did not exist
	entryCount int
	keys       map[string]bool
}

// Store implements AccountRepository, EntryRepository, UserDirectory and
// TransactionManager over maps.
type Store struct {
	mu       sync.Mutex
	users    map[string]bool
	accounts map[string]*domain.Account
	entries  []domain.LedgerEntry
	keys     map[string]int // sender + "\x00" + key -> index in entries
	now      func() time.Time
}

func New() *Store {
	return &Store{
		users:    make(map[string]bool),
		accounts: make(map[string]*domain.Account),
		keys:     make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddUser registers identities the directory will resolve.
func (s *Store) AddUser(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.users[id] = true
	}
}

// Fund sets a balance directly. Test and seed helper.
func (s *Store) Fund(userID string, c domain.Currency, amount decimal.Decimal) *domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		acc = domain.NewAccount(userID, s.now())
		s.accounts[userID] = acc
	}
	acc.SetBalance(c, amount)
	cp := *acc
	return &cp
}

func (s *Store) SetStatus(ctx context.Context, userID string, status domain.AccountStatus) error {
	unlock, undo := s.lock(ctx)
	defer unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	undo.remember(userID, acc)

	updated := *acc
	updated.Status = status
	updated.UpdatedAt = s.now()
	s.accounts[userID] = &updated
	return nil
}

// lock takes the mutex unless ctx already belongs to a unit of work, in
// which case the mutex is held by WithTransaction and undo is returned.
func (s *Store) lock(ctx context.Context) (unlock func(), undo *undoLog) {
	if u, ok := ctx.Value(txKey{}).(*undoLog); ok {
		return func() {}, u
	}
	s.mu.Lock()
	return s.mu.Unlock, nil
}

func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*undoLog); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	undo := &undoLog{
		accounts:   make(map[string]*domain.Account),
		entryCount: len(s.entries),
		keys:       make(map[string]bool),
	}
	err := fn(context.WithValue(ctx, txKey{}, undo))
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.rollback(undo)
		return err
	}
	return nil
}

func (s *Store) rollback(u *undoLog) {
	for id, snap := range u.accounts {
		if snap == nil {
			delete(s.accounts, id)
			continue
		}
		s.accounts[id] = snap
	}
	for k := range u.keys {
		delete(s.keys, k)
	}
	s.entries = s.entries[:u.entryCount]
}

// remember snapshots userID's account the first time a unit of work touches it.
func (u *undoLog) remember(userID string, acc *domain.Account) {
	if u == nil {
		return
	}
	if _, seen := u.accounts[userID]; seen {
		return
	}
	if acc == nil {
		u.accounts[userID] = nil
		return
	}
	cp := *acc
	u.accounts[userID] = &cp
}

func (s *Store) Exists(ctx context.Context, userID string) (bool, error) {
	unlock, _ := s.lock(ctx)
	defer unlock()
	return s.users[userID], nil
}

func (s *Store) Get(ctx context.Context, userID string) (*domain.Account, error) {
	unlock, _ := s.lock(ctx)
	defer unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *Store) GetOrCreate(ctx context.Context, userID string) (*domain.Account, bool, error) {
	unlock, undo := s.lock(ctx)
	defer unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		undo.remember(userID, nil)
		acc = domain.NewAccount(userID, s.now())
		s.accounts[userID] = acc
	}
	cp := *acc
	return &cp, !ok, nil
}

// LockForUpdate returns snapshots; the store mutex is the lock.
func (s *Store) LockForUpdate(ctx context.Context, userIDs ...string) (map[string]*domain.Account, error) {
	unlock, _ := s.lock(ctx)
	defer unlock()
	out := make(map[string]*domain.Account, len(userIDs))
	for _, id := range userIDs {
		if acc, ok := s.accounts[id]; ok {
			cp := *acc
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *Store) AdjustBalance(ctx context.Context, userID string, c domain.Currency, delta decimal.Decimal) (*domain.Account, error) {
	if !c.Valid() {
		return nil, domain.ErrInvalidCurrency
	}
	unlock, undo := s.lock(ctx)
	defer unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	next := acc.Balance(c).Add(delta)
	if next.IsNegative() {
		return nil, domain.ErrInsufficientBalance
	}
	if next.GreaterThan(domain.MaxAmount) {
		return nil, fmt.Errorf("%w: balance would exceed %s", domain.ErrInvalidAmount, domain.MaxAmount)
	}
	undo.remember(userID, acc)

	updated := *acc
	updated.SetBalance(c, next)
	updated.UpdatedAt = s.now()
	s.accounts[userID] = &updated
	cp := updated
	return &cp, nil
}

func idemKey(sender, key string) string {
	return sender + "\x00" + key
}

func (s *Store) Append(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	unlock, undo := s.lock(ctx)
	defer unlock()

	stored := *e
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	// Round-trip metadata so callers never share a map with the store.
	raw, err := domain.EncodeMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	if stored.Metadata, err = domain.DecodeMetadata(raw); err != nil {
		return nil, err
	}

	if stored.IdempotencyKey != "" {
		k := idemKey(stored.SenderID, stored.IdempotencyKey)
		if _, dup := s.keys[k]; dup {
			return nil, domain.ErrDuplicateIdempotencyKey
		}
		s.keys[k] = len(s.entries)
		if undo != nil {
			undo.keys[k] = true
		}
	}
	s.entries = append(s.entries, stored)
	out := stored
	return &out, nil
}

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	unlock, _ := s.lock(ctx)
	defer unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			e := s.entries[i]
			return &e, nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, senderID, key string) (*domain.LedgerEntry, error) {
	unlock, _ := s.lock(ctx)
	defer unlock()
	i, ok := s.keys[idemKey(senderID, key)]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	e := s.entries[i]
	return &e, nil
}

// FindByAccount snapshots matching entries when iteration starts, so each
// range sees the ledger as of that moment.
func (s *Store) FindByAccount(ctx context.Context, userID string) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		unlock, _ := s.lock(ctx)
		var matched []domain.LedgerEntry
		for i := len(s.entries) - 1; i >= 0; i-- {
			if s.entries[i].Involves(userID) {
				matched = append(matched, s.entries[i])
			}
		}
		unlock()

		// Ties on created_at keep reverse append order.
		slices.SortStableFunc(matched, func(a, b domain.LedgerEntry) int {
			return b.CreatedAt.Compare(a.CreatedAt)
		})
		for _, e := range matched {
			if err := ctx.Err(); err != nil {
				yield(domain.LedgerEntry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits a balance or amount may carry.
const AmountScale = 4

// MaxAmount is the largest value a NUMERIC(20,4) column holds.
var MaxAmount = decimal.RequireFromString("9999999999999999.9999")

// Currency is one of the two balances every account holds.
type Currency string

const (
	CurrencyUnits Currency = "UNITS"
	CurrencyToins Currency = "TOINS"
)

// ParseCurrency accepts the canonical names case-insensitively ("Units", "toins").
func ParseCurrency(s string) (Currency, error) {
	switch Currency(strings.ToUpper(strings.TrimSpace(s))) {
	case CurrencyUnits:
		return CurrencyUnits, nil
	case CurrencyToins:
		return CurrencyToins, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, s)
}

func (c Currency) Valid() bool {
	return c == CurrencyUnits || c == CurrencyToins
}

// AccountStatus is the lifecycle state of an account. Only ACTIVE accounts
// send or receive transfers.
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
)

func ParseAccountStatus(s string) (AccountStatus, error) {
	switch st := AccountStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case AccountStatusActive, AccountStatusSuspended:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Account holds a user's balances. There is exactly one per user.
type Account struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	BalanceUnits decimal.Decimal `json:"balance_units"`
	BalanceToins decimal.Decimal `json:"balance_toins"`
	Status       AccountStatus   `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewAccount returns a zero-balance ACTIVE account for userID.
func NewAccount(userID string, now time.Time) *Account {
	return &Account{
		ID:           uuid.New(),
		UserID:       userID,
		BalanceUnits: decimal.Zero,
		BalanceToins: decimal.Zero,
		Status:       AccountStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Balance returns the balance held in c.
func (a *Account) Balance(c Currency) decimal.Decimal {
	if c == CurrencyToins {
		return a.BalanceToins
	}
	return a.BalanceUnits
}

// SetBalance replaces the balance held in c.
func (a *Account) SetBalance(c Currency, v decimal.Decimal) {
	if c == CurrencyToins {
		a.BalanceToins = v
		return
	}
	a.BalanceUnits = v
}

func (a *Account) Active() bool {
	return a.Status == AccountStatusActive
}

// Direction is the side of an entry as seen from one account.
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

// LedgerEntry is the immutable record of one completed transfer.
type LedgerEntry struct {
	ID                 uuid.UUID       `json:"id"`
	SenderAccountID    uuid.UUID       `json:"sender_account_id"`
	RecipientAccountID uuid.UUID       `json:"recipient_account_id"`
	SenderID           string          `json:"sender_id"`
	RecipientID        string          `json:"recipient_id"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           Currency        `json:"currency"`
	Description        string          `json:"description"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// DirectionFor reports whether the entry moved value into or out of userID's account.
func (e *LedgerEntry) DirectionFor(userID string) Direction {
	if e.SenderID == userID {
		return DirectionOutgoing
	}
	return DirectionIncoming
}

// Involves reports whether userID is the sender or the recipient.
func (e *LedgerEntry) Involves(userID string) bool {
	return e.SenderID == userID || e.RecipientID == userID
}

// EncodeMetadata serializes metadata for storage. A nil map encodes to nil.
func EncodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// TransferRequest is the input to one peer-to-peer transfer.
type TransferRequest struct {
	RecipientID    string
	Amount         decimal.Decimal
	Currency       Currency
	Description    string
	Metadata       map[string]any
	IdempotencyKey string
}

// Validate checks everything that can be decided without storage.
func (r TransferRequest) Validate(callerID string) error {
	if callerID == "" {
		return ErrNotAuthorized
	}
	if r.RecipientID == "" {
		return ErrRecipientNotFound
	}
	if callerID == r.RecipientID {
		return ErrSelfTransferForbidden
	}
	if err := ValidateAmount(r.Amount); err != nil {
		return err
	}
	if !r.Currency.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, r.Currency)
	}
	return nil
}

// SamePayload reports whether e was produced by an equivalent request from the same sender.
func (r TransferRequest) SamePayload(e *LedgerEntry) bool {
	return e.RecipientID == r.RecipientID &&
		e.Currency == r.Currency &&
		e.Amount.Equal(r.Amount)
}

// ValidateAmount enforces a strictly positive amount of at most AmountScale fractional digits.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, AmountScale)
	}
	if amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: exceeds %s", ErrInvalidAmount, MaxAmount)
	}
	return nil
}

// DefaultDescription is used when a transfer carries no description.
func DefaultDescription(amount decimal.Decimal, c Currency) string {
	return fmt.Sprintf("Transfer of %s %s", amount.String(), c)
}

// TransferResult is what the engine hands back for one transfer call.
// Replayed is set when an idempotency key matched an earlier committed entry.
type TransferResult struct {
	Entry    LedgerEntry
	Replayed bool
}

package domain

import "errors"

var (
	ErrSelfTransferForbidden = errors.New("self-transfer is forbidden")
	ErrRecipientNotFound     = errors.New("recipient not found")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrNotAuthorized         = errors.New("not authorized")

	// ErrStorageFailure marks a unit of work that could not be opened, read
	// or committed. Nothing it touched was persisted, so callers may retry.
	ErrStorageFailure = errors.New("storage failure")

	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidCurrency     = errors.New("invalid currency")
	ErrAccountNotFound     = errors.New("account not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrAccountInactive     = errors.New("account is not active")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different payload")
	ErrInvalidStatus       = errors.New("invalid account status")

	// ErrDuplicateIdempotencyKey is raised by an entry store when the
	// (sender, key) pair already exists. It never leaves the engine.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

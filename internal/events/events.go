// Package events carries ledger facts to the rest of the platform after
// they are committed. Delivery is best effort.
package events

import (
	"context"
	"time"

	"github.com/coomunity/unitsledger/internal/domain"
	"github.com/google/uuid"
)

const TypeTransferCompleted = "ledger.transfer.completed"

// TransferCompleted is published once per committed ledger entry.
type TransferCompleted struct {
	EventID     uuid.UUID `json:"eventId"`
	EventType   string    `json:"eventType"`
	EntryID     uuid.UUID `json:"entryId"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func NewTransferCompleted(e domain.LedgerEntry) TransferCompleted {
	return TransferCompleted{
		EventID:     uuid.New(),
		EventType:   TypeTransferCompleted,
		EntryID:     e.ID,
		SenderID:    e.SenderID,
		RecipientID: e.RecipientID,
		Amount:      e.Amount.StringFixed(domain.AmountScale),
		Currency:    string(e.Currency),
		Description: e.Description,
		OccurredAt:  e.CreatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt TransferCompleted) error
	Close() error
}

// Noop discards events. It is used when EVENTS_DRIVER is none.
type Noop struct{}

func (Noop) Publish(context.Context, TransferCompleted) error { return nil }
func (Noop) Close() error                                     { return nil }

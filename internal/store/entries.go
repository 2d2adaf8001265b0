package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/coomunity/unitsledger/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// entryPageSize bounds one keyset page read by FindByAccount.
const entryPageSize = 100

const entryColumns = `id, sender_account_id, recipient_account_id, sender_user_id, recipient_user_id,
	amount::text, currency, description, metadata::text, COALESCE(idempotency_key, ''), created_at`

// EntryStore implements domain.EntryRepository. The table itself rejects
// UPDATE and DELETE.
type EntryStore struct {
	pool     *pgxpool.Pool
	pageSize int
}

func NewEntryStore(pool *pgxpool.Pool) *EntryStore {
	return &EntryStore{pool: pool, pageSize: entryPageSize}
}

func (s *EntryStore) Append(ctx context.Context, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	meta, err := domain.EncodeMetadata(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	var metaArg, keyArg *string
	if meta != nil {
		m := string(meta)
		metaArg = &m
	}
	if e.IdempotencyKey != "" {
		keyArg = &e.IdempotencyKey
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO ledger_entries (
			id, sender_account_id, recipient_account_id, sender_user_id, recipient_user_id,
			amount, currency, description, metadata, idempotency_key, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9::jsonb, $10, $11)
		RETURNING `+entryColumns,
		e.ID, e.SenderAccountID, e.RecipientAccountID, e.SenderID, e.RecipientID,
		e.Amount.String(), string(e.Currency), e.Description, metaArg, keyArg, createdAt,
	)
	stored, err := scanEntry(row)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return nil, domain.ErrDuplicateIdempotencyKey
		}
		return nil, storageErr("append entry", err)
	}
	return stored, nil
}

func (s *EntryStore) FindByID(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	row := conn(ctx, s.pool).QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE id = $1", id)
	return s.one(row, "find entry")
}

func (s *EntryStore) FindByIdempotencyKey(ctx context.Context, senderID, key string) (*domain.LedgerEntry, error) {
	row := conn(ctx, s.pool).QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE sender_user_id = $1 AND idempotency_key = $2",
		senderID, key)
	return s.one(row, "find entry by idempotency key")
}

func (s *EntryStore) one(row pgx.Row, op string) (*domain.LedgerEntry, error) {
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, storageErr(op, err)
	}
	return e, nil
}

const (
	historyFirstPage = `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE (sender_user_id = $1 OR recipient_user_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	historyNextPage = `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE (sender_user_id = $1 OR recipient_user_id = $1)
		  AND (created_at, id) < ($3, $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
)

// FindByAccount pages through history on (created_at, id). Rows of a page
// are fully read before anything is yielded, so no connection is held
// while the consumer runs.
func (s *EntryStore) FindByAccount(ctx context.Context, userID string) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		var cursor *domain.LedgerEntry
		for {
			page, err := s.page(ctx, userID, cursor)
			if err != nil {
				yield(domain.LedgerEntry{}, err)
				return
			}
			for i := range page {
				if !yield(page[i], nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			cursor = &page[len(page)-1]
		}
	}
}

func (s *EntryStore) page(ctx context.Context, userID string, after *domain.LedgerEntry) ([]domain.LedgerEntry, error) {
	var (
		rows pgx.Rows
		err  error
	)
	q := conn(ctx, s.pool)
	if after == nil {
		rows, err = q.Query(ctx, historyFirstPage, userID, s.pageSize)
	} else {
		rows, err = q.Query(ctx, historyNextPage, userID, s.pageSize, after.CreatedAt, after.ID)
	}
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	defer rows.Close()

	page := make([]domain.LedgerEntry, 0, s.pageSize)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr("scan entry", err)
		}
		page = append(page, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list entries", err)
	}
	return page, nil
}

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var (
		e        domain.LedgerEntry
		amount   string
		currency string
		meta     *string
	)
	err := row.Scan(
		&e.ID, &e.SenderAccountID, &e.RecipientAccountID, &e.SenderID, &e.RecipientID,
		&amount, &currency, &e.Description, &meta, &e.IdempotencyKey, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	e.Currency = domain.Currency(currency)
	if meta != nil {
		if e.Metadata, err = domain.DecodeMetadata([]byte(*meta)); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &e, nil
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/coomunity/unitsledger/internal/domain"
	"github.com/coomunity/unitsledger/internal/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 2 * time.Second

type TransferService struct {
	accounts domain.AccountRepository
	entries  domain.EntryRepository
	users    domain.UserDirectory
	tx       domain.TransactionManager
	balances *BalanceService

	publisher      events.Publisher
	driver         string
	publishTimeout time.Duration

	logger *zap.Logger
	now    func() time.Time
}

type Option func(*TransferService)

func WithLogger(l *zap.Logger) Option {
	return func(s *TransferService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPublisher sends a TransferCompleted event after every commit.
// driver labels the publish metric.
func WithPublisher(p events.Publisher, driver string, timeout time.Duration) Option {
	return func(s *TransferService) {
		s.publisher = p
		s.driver = driver
		if timeout > 0 {
			s.publishTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *TransferService) { s.now = now }
}

func NewTransferService(
	accounts domain.AccountRepository,
	entries domain.EntryRepository,
	users domain.UserDirectory,
	tx domain.TransactionManager,
	opts ...Option,
) *TransferService {
	s := &TransferService{
		accounts:       accounts,
		entries:        entries,
		users:          users,
		tx:             tx,
		balances:       NewBalanceService(accounts),
		publisher:      events.Noop{},
		driver:         "none",
		publishTimeout: defaultPublishTimeout,
		logger:         zap.NewNop(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transfer moves req.Amount of req.Currency from callerID to req.RecipientID.
// Either the debit, the credit, the recipient's provisioning and the ledger
// entry all commit together, or none of them do.
func (s *TransferService) Transfer(ctx context.Context, callerID string, req domain.TransferRequest) (*domain.TransferResult, error) {
	start := time.Now()
	res, outcome, err := s.transfer(ctx, callerID, req)

	transfersTotal.WithLabelValues(currencyLabel(req.Currency), outcome).Inc()
	transferDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	fields := []zap.Field{
		zap.String("sender", callerID),
		zap.String("recipient", req.RecipientID),
		zap.String("currency", string(req.Currency)),
		zap.String("amount", req.Amount.String()),
		zap.String("outcome", outcome),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		if errors.Is(err, domain.ErrStorageFailure) {
			s.logger.Error("transfer failed", fields...)
		} else {
			s.logger.Warn("transfer rejected", fields...)
		}
		return nil, err
	}

	fields = append(fields, zap.String("transfer_id", res.Entry.ID.String()))
	if res.Replayed {
		s.logger.Info("transfer replayed", fields...)
		return res, nil
	}
	s.logger.Info("transfer committed", fields...)
	s.publish(ctx, res.Entry)
	return res, nil
}

func (s *TransferService) transfer(ctx context.Context, callerID string, req domain.TransferRequest) (*domain.TransferResult, string, error) {
	if err := req.Validate(callerID); err != nil {
		return nil, outcomeInvalid, err
	}
	if req.Description == "" {
		req.Description = domain.DefaultDescription(req.Amount, req.Currency)
	}

	if req.IdempotencyKey != "" {
		prior, err := s.entries.FindByIdempotencyKey(ctx, callerID, req.IdempotencyKey)
		switch {
		case err == nil:
			return replay(prior, req)
		case !errors.Is(err, domain.ErrEntryNotFound):
			return nil, outcomeStorageFailure, err
		}
	}

	exists, err := s.users.Exists(ctx, req.RecipientID)
	if err != nil {
		return nil, outcomeStorageFailure, err
	}
	if !exists {
		return nil, outcomeRejected, domain.ErrRecipientNotFound
	}

	ok, err := s.balances.HasSufficientBalance(ctx, callerID, req.Amount, req.Currency)
	if err != nil {
		return nil, outcomeStorageFailure, err
	}
	if !ok {
		return nil, outcomeRejected, domain.ErrInsufficientBalance
	}

	var (
		stored      *domain.LedgerEntry
		provisioned bool
	)
	err = s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		var cerr error
		stored, provisioned, cerr = s.commit(ctx, callerID, req)
		return cerr
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			// A concurrent request with the same key committed first.
			// commit reports it either from the unique index or from the
			// lookup it makes under the sender's lock.
			prior, ferr := s.entries.FindByIdempotencyKey(ctx, callerID, req.IdempotencyKey)
			if ferr != nil {
				return nil, outcomeRolledBack, ferr
			}
			return replay(prior, req)
		}
		return nil, outcomeRolledBack, err
	}

	if provisioned {
		accountsProvisioned.Inc()
	}
	return &domain.TransferResult{Entry: *stored}, outcomeCommitted, nil
}

// commit runs inside the unit of work.
func (s *TransferService) commit(ctx context.Context, callerID string, req domain.TransferRequest) (*domain.LedgerEntry, bool, error) {
	_, provisioned, err := s.accounts.GetOrCreate(ctx, req.RecipientID)
	if err != nil {
		return nil, false, err
	}

	locked, err := s.accounts.LockForUpdate(ctx, callerID, req.RecipientID)
	if err != nil {
		return nil, false, err
	}

	// Holding the sender's lock, an earlier commit with the same key is
	// visible. Its debit must not be judged against the balance it left.
	if req.IdempotencyKey != "" {
		_, err := s.entries.FindByIdempotencyKey(ctx, callerID, req.IdempotencyKey)
		switch {
		case err == nil:
			return nil, false, domain.ErrDuplicateIdempotencyKey
		case !errors.Is(err, domain.ErrEntryNotFound):
			return nil, false, err
		}
	}
	sender, ok := locked[callerID]
	if !ok {
		return nil, false, domain.ErrInsufficientBalance
	}
	recipient, ok := locked[req.RecipientID]
	if !ok {
		return nil, false, domain.ErrRecipientNotFound
	}
	if !sender.Active() || !recipient.Active() {
		return nil, false, domain.ErrAccountInactive
	}
	if sender.Balance(req.Currency).LessThan(req.Amount) {
		return nil, false, domain.ErrInsufficientBalance
	}

	if _, err := s.accounts.AdjustBalance(ctx, callerID, req.Currency, req.Amount.Neg()); err != nil {
		return nil, false, err
	}
	if _, err := s.accounts.AdjustBalance(ctx, req.RecipientID, req.Currency, req.Amount); err != nil {
		return nil, false, err
	}

	stored, err := s.entries.Append(ctx, &domain.LedgerEntry{
		ID:                 uuid.New(),
		SenderAccountID:    sender.ID,
		RecipientAccountID: recipient.ID,
		SenderID:           callerID,
		RecipientID:        req.RecipientID,
		Amount:             req.Amount,
		Currency:           req.Currency,
		Description:        req.Description,
		Metadata:           req.Metadata,
		IdempotencyKey:     req.IdempotencyKey,
		CreatedAt:          s.now(),
	})
	if err != nil {
		return nil, false, err
	}
	return stored, provisioned, nil
}

func replay(prior *domain.LedgerEntry, req domain.TransferRequest) (*domain.TransferResult, string, error) {
	if !req.SamePayload(prior) {
		return nil, outcomeInvalid, domain.ErrIdempotencyMismatch
	}
	return &domain.TransferResult{Entry: *prior, Replayed: true}, outcomeReplayed, nil
}

// publish is best effort: the entry is already committed, so a bus failure
// is logged and counted but never returned.
func (s *TransferService) publish(ctx context.Context, e domain.LedgerEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, events.NewTransferCompleted(e)); err != nil {
		eventsPublished.WithLabelValues(s.driver, "error").Inc()
		s.logger.Warn("event publish failed",
			zap.String("transfer_id", e.ID.String()),
			zap.String("driver", s.driver),
			zap.Error(err))
		return
	}
	eventsPublished.WithLabelValues(s.driver, "ok").Inc()
}

func currencyLabel(c domain.Currency) string {
	if c.Valid() {
		return string(c)
	}
	return "invalid"
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coomunity/unitsledger/internal/domain"
	"github.com/coomunity/unitsledger/internal/service"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Transferrer interface {
	Transfer(ctx context.Context, callerID string, req domain.TransferRequest) (*domain.TransferResult, error)
}

type AccountReader interface {
	GetAccount(ctx context.Context, userID string, requester domain.Caller) (*domain.Account, error)
	ListEntriesForAccount(ctx context.Context, userID string, requester domain.Caller, limit int) ([]service.EntryView, error)
	AdminGetAccount(ctx context.Context, userID string, requester domain.Caller) (*domain.Account, error)
	AdminListEntriesForAccount(ctx context.Context, userID string, requester domain.Caller, limit int) ([]service.EntryView, error)
	AdminSetAccountStatus(ctx context.Context, userID string, status domain.AccountStatus, requester domain.Caller) (*domain.Account, error)
	GetEntry(ctx context.Context, id uuid.UUID, requester domain.Caller) (*domain.LedgerEntry, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	transfers Transferrer
	accounts  AccountReader
	db        Pinger
	logger    *zap.Logger
}

func NewHandler(transfers Transferrer, accounts AccountReader, db Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{transfers: transfers, accounts: accounts, db: db, logger: logger}
}

// NewRouter wires every route. Everything under /api/v1 requires a bearer
// token and is rate limited per caller.
func NewRouter(h *Handler, auth *Authenticator, limiter *RateLimiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(h.logger))

	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Handler, limiter.Handler)

	api.HandleFunc("/transfers", h.CreateTransferHandler).Methods(http.MethodPost)
	api.HandleFunc("/accounts/me", h.GetMyAccountHandler).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{userId}", h.GetAccountHandler).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{userId}/entries", h.GetAccountEntriesHandler).Methods(http.MethodGet)
	api.HandleFunc("/entries/{id}", h.GetEntryHandler).Methods(http.MethodGet)
	api.HandleFunc("/admin/accounts/{userId}", h.AdminGetAccountHandler).Methods(http.MethodGet)
	api.HandleFunc("/admin/accounts/{userId}/entries", h.AdminGetAccountEntriesHandler).Methods(http.MethodGet)
	api.HandleFunc("/admin/accounts/{userId}/status", h.AdminSetAccountStatusHandler).Methods(http.MethodPut)

	return r
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps the ledger's error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusForbidden, "INSUFFICIENT_BALANCE"
	case errors.Is(err, domain.ErrSelfTransferForbidden):
		return http.StatusForbidden, "SELF_TRANSFER_FORBIDDEN"
	case errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden, "NOT_AUTHORIZED"
	case errors.Is(err, domain.ErrAccountInactive):
		return http.StatusForbidden, "ACCOUNT_INACTIVE"
	case errors.Is(err, domain.ErrRecipientNotFound):
		return http.StatusNotFound, "RECIPIENT_NOT_FOUND"
	case errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound, "USER_NOT_FOUND"
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "ACCOUNT_NOT_FOUND"
	case errors.Is(err, domain.ErrEntryNotFound):
		return http.StatusNotFound, "ENTRY_NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "INVALID_AMOUNT"
	case errors.Is(err, domain.ErrInvalidCurrency):
		return http.StatusUnprocessableEntity, "INVALID_CURRENCY"
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "IDEMPOTENCY_MISMATCH"
	case errors.Is(err, domain.ErrInvalidStatus):
		return http.StatusUnprocessableEntity, "INVALID_STATUS"
	case errors.Is(err, domain.ErrStorageFailure):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code, tag := statusFor(err)
	msg := err.Error()
	switch code {
	case http.StatusServiceUnavailable:
		msg = "storage temporarily unavailable, retry later"
	case http.StatusInternalServerError:
		msg = "Internal Server Error"
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	respondWithJSON(w, code, errorBody{Error: msg, Code: tag})
}

func respondWithError(w http.ResponseWriter, code int, tag, message string) {
	respondWithJSON(w, code, errorBody{Error: message, Code: tag})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

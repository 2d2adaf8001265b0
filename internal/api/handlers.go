package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coomunity/unitsledger/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const (
	maxBodyBytes          = 64 << 10
	maxIdempotencyKeyLen  = 255
	idempotencyKeyHeader  = "Idempotency-Key"
	idempotentReplayedHdr = "Idempotent-Replayed"
)

type transferPayload struct {
	RecipientID string          `json:"recipientId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Metadata    map[string]any  `json:"metadata"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	key := r.Header.Get(idempotencyKeyHeader)
	if len(key) > maxIdempotencyKeyLen {
		respondWithError(w, http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY",
			fmt.Sprintf("%s must be at most %d characters", idempotencyKeyHeader, maxIdempotencyKeyLen))
		return
	}

	var body transferPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "MALFORMED_BODY", "Malformed JSON body")
		return
	}

	currency, err := domain.ParseCurrency(body.Currency)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	res, err := h.transfers.Transfer(r.Context(), caller.UserID, domain.TransferRequest{
		RecipientID:    body.RecipientID,
		Amount:         body.Amount,
		Currency:       currency,
		Description:    body.Description,
		Metadata:       body.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/entries/"+res.Entry.ID.String())
	if res.Replayed {
		w.Header().Set(idempotentReplayedHdr, "true")
		respondWithJSON(w, http.StatusOK, res.Entry)
		return
	}
	respondWithJSON(w, http.StatusCreated, res.Entry)
}

func (h *Handler) GetMyAccountHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	acc, err := h.accounts.GetAccount(r.Context(), caller.UserID, caller)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	acc, err := h.accounts.GetAccount(r.Context(), mux.Vars(r)["userId"], caller)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	caller, _ := CallerFrom(r.Context())
	entries, err := h.accounts.ListEntriesForAccount(r.Context(), mux.Vars(r)["userId"], caller, limit)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) GetEntryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_ID", "Entry id must be a UUID")
		return
	}
	caller, _ := CallerFrom(r.Context())
	entry, err := h.accounts.GetEntry(r.Context(), id, caller)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entry)
}

func (h *Handler) AdminGetAccountHandler(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	acc, err := h.accounts.AdminGetAccount(r.Context(), mux.Vars(r)["userId"], caller)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) AdminGetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	caller, _ := CallerFrom(r.Context())
	entries, err := h.accounts.AdminListEntriesForAccount(r.Context(), mux.Vars(r)["userId"], caller, limit)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

type statusPayload struct {
	Status string `json:"status"`
}

func (h *Handler) AdminSetAccountStatusHandler(w http.ResponseWriter, r *http.Request) {
	var body statusPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "MALFORMED_BODY", "Malformed JSON body")
		return
	}
	status, err := domain.ParseAccountStatus(body.Status)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	caller, _ := CallerFrom(r.Context())
	acc, err := h.accounts.AdminSetAccountStatus(r.Context(), mux.Vars(r)["userId"], status, caller)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

// parseLimit reads ?limit=. Absent means the service default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		respondWithError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

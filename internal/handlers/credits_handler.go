package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/soundfoundry/backend/internal/middleware"
	"github.com/soundfoundry/backend/internal/models"
	"github.com/soundfoundry/backend/internal/services"
)

// AccountService is the subset of services.AccountService the handler needs.
type AccountService interface {
	Credits(ctx context.Context, userID uuid.UUID) (*services.CreditsSummary, error)
	UpdatePPPBand(ctx context.Context, userID uuid.UUID, band models.PPPBand) (*services.CreditsSummary, error)
	ToggleSolidarity(ctx context.Context, userID uuid.UUID, enabled bool) (*services.CreditsSummary, error)
	Statement(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// QuoteService prices credit packs.
type QuoteService interface {
	Quote(ctx context.Context, userID uuid.UUID, credits int) (*services.Quote, error)
}

// CreditsHandler serves /api/v1/credits endpoints.
type CreditsHandler struct {
	Account  AccountService
	Payments QuoteService
	Logger   *slog.Logger
}

func NewCreditsHandler(account AccountService, payments QuoteService, logger *slog.Logger) *CreditsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditsHandler{Account: account, Payments: payments, Logger: logger}
}

// GetCredits handles GET /api/v1/credits.
func (h *CreditsHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	summary, err := h.Account.Credits(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, h.Logger, "get credits", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetLedger handles GET /api/v1/credits/ledger?limit=N, newest first.
func (h *CreditsHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit, _, err := queryInt(r, "limit")
	if err != nil {
		http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
		return
	}
	entries, err := h.Account.Statement(r.Context(), user.ID, limit)
	if err != nil {
		writeServiceError(w, h.Logger, "get ledger", err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type purchaseRequest struct {
	Credits int `json:"credits"`
}

// Purchase handles POST /api/v1/credits/purchase. It quotes the pack; the
// credits arrive through the payment webhook.
func (h *CreditsHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	quote, err := h.Payments.Quote(r.Context(), user.ID, req.Credits)
	if err != nil {
		writeServiceError(w, h.Logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type pppRequest struct {
	PPPBand models.PPPBand `json:"ppp_band"`
}

// UpdatePPP handles POST /api/v1/credits/ppp.
func (h *CreditsHandler) UpdatePPP(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req pppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	summary, err := h.Account.UpdatePPPBand(r.Context(), user.ID, req.PPPBand)
	if err != nil {
		writeServiceError(w, h.Logger, "update ppp band", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type solidarityRequest struct {
	Enabled bool `json:"enabled"`
}

// ToggleSolidarity handles POST /api/v1/credits/solidarity.
func (h *CreditsHandler) ToggleSolidarity(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req solidarityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	summary, err := h.Account.ToggleSolidarity(r.Context(), user.ID, req.Enabled)
	if err != nil {
		writeServiceError(w, h.Logger, "toggle solidarity", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

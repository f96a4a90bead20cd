package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soundfoundry/backend/internal/models"
	"github.com/soundfoundry/backend/internal/pricing"
	"github.com/soundfoundry/backend/internal/services"
)

const (
	// SignatureHeader carries "t=<unix>,v1=<hex hmac>" over "<t>.<body>".
	SignatureHeader = "Stripe-Signature"

	DefaultSignatureTolerance = 5 * time.Minute

	eventCheckoutCompleted = "checkout.session.completed"
	maxWebhookBody         = 1 << 20
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("invalid signature")
	ErrStaleSignature   = errors.New("signature timestamp outside tolerance")
)

// CheckoutProcessor credits a completed checkout.
type CheckoutProcessor interface {
	HandleCheckoutCompleted(ctx context.Context, ev services.CheckoutEvent) (*models.LedgerEntry, error)
}

// WebhookHandler serves POST /api/v1/webhooks/payments.
type WebhookHandler struct {
	Payments  CheckoutProcessor
	Secret    []byte
	Tolerance time.Duration
	Logger    *slog.Logger
	now       func() time.Time
}

func NewWebhookHandler(payments CheckoutProcessor, secret string, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		Payments:  payments,
		Secret:    []byte(secret),
		Tolerance: DefaultSignatureTolerance,
		Logger:    logger,
		now:       time.Now,
	}
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object checkoutSession `json:"object"`
	} `json:"data"`
}

type checkoutSession struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

// HandlePayment handles the payment provider's event delivery. Every verified
// delivery is acknowledged with 200, including redeliveries and events this
// service does not act on, so the provider stops retrying.
func (h *WebhookHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	if len(h.Secret) == 0 {
		h.Logger.Error("payment webhook received but no secret is configured")
		http.Error(w, `{"error":"webhook not configured"}`, http.StatusServiceUnavailable)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	if err := h.verify(r.Header.Get(SignatureHeader), payload); err != nil {
		h.Logger.Warn("payment webhook rejected", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if ev.Type != eventCheckoutCompleted {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	checkout, err := h.toCheckout(ev.Data.Object)
	if err != nil {
		// Redelivery cannot fix a malformed session, so it is acknowledged.
		h.Logger.Warn("checkout event ignored", "event_id", ev.ID, "session_id", ev.Data.Object.ID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	entry, err := h.Payments.HandleCheckoutCompleted(r.Context(), checkout)
	switch {
	case errors.Is(err, services.ErrDuplicateEvent):
		h.Logger.Info("checkout already credited", "event_id", ev.ID, "session_id", checkout.SessionID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	case err != nil:
		writeServiceError(w, h.Logger, "checkout credit", err)
		return
	}

	h.Logger.Info("checkout credited",
		"event_id", ev.ID,
		"session_id", checkout.SessionID,
		"user_id", checkout.UserID,
		"credits", entry.Delta,
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// verify checks a "t=<unix>,v1=<hex>" header. Any one matching v1 passes.
func (h *WebhookHandler) verify(header string, payload []byte) error {
	if header == "" {
		return ErrMissingSignature
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrBadSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	age := h.now().Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if h.Tolerance > 0 && age > h.Tolerance {
		return ErrStaleSignature
	}

	expected := Sign(h.Secret, ts, payload)
	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrBadSignature
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func Sign(secret []byte, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *WebhookHandler) toCheckout(s checkoutSession) (services.CheckoutEvent, error) {
	userID, err := uuid.Parse(s.Metadata["user_id"])
	if err != nil {
		return services.CheckoutEvent{}, fmt.Errorf("metadata user_id: %w", err)
	}
	credits, err := strconv.Atoi(s.Metadata["credits"])
	if err != nil || credits <= 0 {
		return services.CheckoutEvent{}, fmt.Errorf("metadata credits %q is not a positive integer", s.Metadata["credits"])
	}
	ev := services.CheckoutEvent{
		SessionID:     s.ID,
		PaymentIntent: s.PaymentIntent,
		UserID:        userID,
		Credits:       credits,
	}
	if raw := s.Metadata["pricing_snapshot"]; raw != "" {
		var snap pricing.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			h.Logger.Warn("pricing snapshot unreadable, repricing from profile", "session_id", s.ID, "error", err)
		} else {
			ev.Snapshot = &snap
		}
	}
	return ev, nil
}

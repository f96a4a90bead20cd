package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/soundfoundry/backend/internal/ledger"
	"github.com/soundfoundry/backend/internal/models"
	"github.com/soundfoundry/backend/internal/pricing"
)

// ErrDuplicateEvent is returned when a checkout session was already credited.
var ErrDuplicateEvent = errors.New("payment event already processed")

// PaymentUserRepo reads the purchasing user's pricing profile.
type PaymentUserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Quote is the price of one credit pack for one user, with the snapshot the
// checkout carries through to the webhook.
type Quote struct {
	Credits        int              `json:"credits"`
	PricePerCredit string           `json:"price_per_credit"`
	TotalPrice     string           `json:"total_price"`
	Snapshot       pricing.Snapshot `json:"pricing_snapshot"`
}

// CheckoutEvent is a completed payment as delivered by the payment provider.
type CheckoutEvent struct {
	SessionID     string            `json:"session_id"`
	PaymentIntent string            `json:"payment_intent"`
	UserID        uuid.UUID         `json:"user_id"`
	Credits       int               `json:"credits"`
	Snapshot      *pricing.Snapshot `json:"pricing_snapshot,omitempty"`
}

type purchaseMeta struct {
	StripeSessionID     string           `json:"stripe_session_id"`
	StripePaymentIntent string           `json:"stripe_payment_intent,omitempty"`
	PricingSnapshot     pricing.Snapshot `json:"pricing_snapshot"`
}

type PaymentService struct {
	Pricing *pricing.Engine
	Users   PaymentUserRepo
	Ledger  *ledger.Service
	Logger  *slog.Logger
}

func NewPaymentService(engine *pricing.Engine, users PaymentUserRepo, l *ledger.Service, logger *slog.Logger) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{Pricing: engine, Users: users, Ledger: l, Logger: logger}
}

// Quote prices a credit pack at the user's current band and solidarity choice.
func (s *PaymentService) Quote(ctx context.Context, userID uuid.UUID, credits int) (*Quote, error) {
	if !pricing.IsCreditPack(credits) {
		return nil, fmt.Errorf("%w: %d", pricing.ErrInvalidPack, credits)
	}
	user, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap := s.Pricing.Snapshot(user.PPPBand, user.SolidarityOptIn, credits)
	return &Quote{
		Credits:        credits,
		PricePerCredit: snap.PricePerCredit.StringFixed(4),
		TotalPrice:     snap.TotalPrice.StringFixed(2),
		Snapshot:       snap,
	}, nil
}

// HandleCheckoutCompleted credits a paid pack. The session id is the entry's
// external reference, so a redelivered event credits nothing and returns ErrDuplicateEvent.
func (s *PaymentService) HandleCheckoutCompleted(ctx context.Context, ev CheckoutEvent) (*models.LedgerEntry, error) {
	if ev.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if ev.Credits <= 0 {
		return nil, fmt.Errorf("%w: credits must be positive", ErrInvalidInput)
	}

	var snap pricing.Snapshot
	if ev.Snapshot != nil {
		snap = *ev.Snapshot
		// The customer already paid the snapshot's total; a mismatch is recorded, not refused.
		if err := pricing.Verify(snap); err != nil {
			s.Logger.Error("pricing snapshot does not replay", "session_id", ev.SessionID, "error", err)
		}
	} else {
		user, err := s.Users.GetByID(ctx, ev.UserID)
		if err != nil {
			return nil, err
		}
		snap = s.Pricing.Snapshot(user.PPPBand, user.SolidarityOptIn, ev.Credits)
	}

	ref := ev.SessionID
	entry, err := s.Ledger.Grant(ctx, ledger.Posting{
		UserID:      ev.UserID,
		Amount:      ev.Credits,
		Reason:      models.ReasonPurchase,
		ExternalRef: &ref,
		Meta: purchaseMeta{
			StripeSessionID:     ev.SessionID,
			StripePaymentIntent: ev.PaymentIntent,
			PricingSnapshot:     snap,
		},
	})
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return nil, ErrDuplicateEvent
	}
	if err != nil {
		return nil, fmt.Errorf("credit purchase: %w", err)
	}
	s.Logger.Info("purchase credited", "user_id", ev.UserID, "credits", ev.Credits, "session_id", ev.SessionID)
	return entry, nil
}

package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/soundfoundry/backend/internal/ledger"
	"github.com/soundfoundry/backend/internal/models"
	"github.com/soundfoundry/backend/internal/pricing"
	"github.com/soundfoundry/backend/internal/quota"
)

var ErrInvalidBand = errors.New("invalid ppp band")

// AccountUserRepo reads and updates the user's pricing profile.
type AccountUserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdatePricingProfile(ctx context.Context, id uuid.UUID, band models.PPPBand, solidarity bool) (*models.User, error)
}

// CreditsSummary is the balance view shown to a user.
type CreditsSummary struct {
	Balance         int                `json:"credits"`
	Plan            string             `json:"plan"`
	PPPBand         models.PPPBand     `json:"ppp_band"`
	SolidarityOptIn bool               `json:"solidarity_opt_in"`
	PricePerCredit  string             `json:"price_per_credit"`
	Breakdown       pricing.Breakdown  `json:"pricing_breakdown"`
	FreeMode        quota.FreeModeInfo `json:"free_mode"`
}

type AccountService struct {
	Users   AccountUserRepo
	Ledger  *ledger.Service
	Pricing *pricing.Engine
	Gate    *quota.Gate
}

func NewAccountService(users AccountUserRepo, l *ledger.Service, engine *pricing.Engine, gate *quota.Gate) *AccountService {
	return &AccountService{Users: users, Ledger: l, Pricing: engine, Gate: gate}
}

func (s *AccountService) Credits(ctx context.Context, userID uuid.UUID) (*CreditsSummary, error) {
	u, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.summary(u), nil
}

func (s *AccountService) UpdatePPPBand(ctx context.Context, userID uuid.UUID, band models.PPPBand) (*CreditsSummary, error) {
	if !band.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBand, band)
	}
	u, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	u, err = s.Users.UpdatePricingProfile(ctx, userID, band, u.SolidarityOptIn)
	if err != nil {
		return nil, fmt.Errorf("update ppp band: %w", err)
	}
	return s.summary(u), nil
}

func (s *AccountService) ToggleSolidarity(ctx context.Context, userID uuid.UUID, enabled bool) (*CreditsSummary, error) {
	u, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	u, err = s.Users.UpdatePricingProfile(ctx, userID, u.PPPBand, enabled)
	if err != nil {
		return nil, fmt.Errorf("update solidarity: %w", err)
	}
	return s.summary(u), nil
}

// Statement returns the user's ledger, newest first.
func (s *AccountService) Statement(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	return s.Ledger.Statement(ctx, userID, limit)
}

func (s *AccountService) summary(u *models.User) *CreditsSummary {
	return &CreditsSummary{
		Balance:         u.Credits,
		Plan:            u.Plan,
		PPPBand:         u.PPPBand,
		SolidarityOptIn: u.SolidarityOptIn,
		PricePerCredit:  s.Pricing.PricePerCredit(u.PPPBand, u.SolidarityOptIn).StringFixed(4),
		Breakdown:       s.Pricing.Breakdown(u.PPPBand, u.SolidarityOptIn),
		FreeMode:        s.Gate.Policy().Info(),
	}
}

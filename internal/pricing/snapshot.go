package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/soundfoundry/backend/internal/models"
)

// Snapshot records everything needed to reproduce what a purchase cost. The
// snapshot stored with a purchase is the authority for what the user paid.
type Snapshot struct {
	Credits         int             `json:"credits"`
	PricePerCredit  decimal.Decimal `json:"price_per_credit"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	PPPBand         models.PPPBand  `json:"ppp_band"`
	SolidarityOptIn bool            `json:"solidarity_opt_in"`
	BaseCostPerMin  decimal.Decimal `json:"base_cost_per_min"`
	MarginCap       decimal.Decimal `json:"margin_cap"`
	ModelCost       decimal.Decimal `json:"model_cost"`
	InfraCost       decimal.Decimal `json:"infra_cost"`
	OverheadCost    decimal.Decimal `json:"overhead_cost"`
}

// Snapshot prices a pack for the given user attributes.
func (e *Engine) Snapshot(band models.PPPBand, solidarity bool, credits int) Snapshot {
	return Snapshot{
		Credits:         credits,
		PricePerCredit:  e.PricePerCredit(band, solidarity),
		TotalPrice:      e.PackPrice(credits, band, solidarity),
		PPPBand:         band,
		SolidarityOptIn: solidarity,
		BaseCostPerMin:  e.BaseCostPerMinute(),
		MarginCap:       e.costs.MarginCap,
		ModelCost:       e.costs.Model,
		InfraCost:       e.costs.Infra,
		OverheadCost:    e.costs.Overhead,
	}
}

// Replay recomputes a snapshot from the cost inputs stored inside it, independent
// of whatever rates are configured today.
func Replay(s Snapshot) (Snapshot, error) {
	e, err := NewEngine(Costs{
		Model:     s.ModelCost,
		Infra:     s.InfraCost,
		Overhead:  s.OverheadCost,
		MarginCap: s.MarginCap,
	})
	if err != nil {
		return Snapshot{}, err
	}
	return e.Snapshot(s.PPPBand, s.SolidarityOptIn, s.Credits), nil
}

// Verify checks that the stored totals match a replay of the stored inputs.
func Verify(s Snapshot) error {
	r, err := Replay(s)
	if err != nil {
		return err
	}
	switch {
	case !r.BaseCostPerMin.Equal(s.BaseCostPerMin):
		return fmt.Errorf("%w: base_cost_per_min %s != %s", ErrSnapshotMismatch, s.BaseCostPerMin, r.BaseCostPerMin)
	case !r.PricePerCredit.Equal(s.PricePerCredit):
		return fmt.Errorf("%w: price_per_credit %s != %s", ErrSnapshotMismatch, s.PricePerCredit, r.PricePerCredit)
	case !r.TotalPrice.Equal(s.TotalPrice):
		return fmt.Errorf("%w: total_price %s != %s", ErrSnapshotMismatch, s.TotalPrice, r.TotalPrice)
	}
	return nil
}

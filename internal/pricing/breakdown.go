package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/soundfoundry/backend/internal/models"
)

type CostComponents struct {
	ModelCostPerMin    decimal.Decimal `json:"model_cost_per_min"`
	InfraCostPerMin    decimal.Decimal `json:"infra_cost_per_min"`
	OverheadPerMin     decimal.Decimal `json:"overhead_per_min"`
	TotalCostPerMinute decimal.Decimal `json:"total_cost_per_min"`
}

type PPPAdjustment struct {
	Band          models.PPPBand  `json:"band"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	AdjustedPrice decimal.Decimal `json:"adjusted_price"`
}

type SolidarityAdjustment struct {
	OptedIn             bool            `json:"opted_in"`
	Multiplier          decimal.Decimal `json:"multiplier"`
	FinalPricePerCredit decimal.Decimal `json:"final_price_per_credit"`
}

type PackQuote struct {
	Credits int             `json:"credits"`
	Price   decimal.Decimal `json:"price"`
}

// Breakdown explains how a user's price per credit was reached.
type Breakdown struct {
	CostComponents     CostComponents       `json:"cost_components"`
	BasePricePerCredit decimal.Decimal      `json:"base_price_per_credit"`
	PPP                PPPAdjustment        `json:"ppp_adjustment"`
	Solidarity         SolidarityAdjustment `json:"solidarity"`
	MarginCap          decimal.Decimal      `json:"margin_cap"`
	CreditPacks        []PackQuote          `json:"credit_packs"`
}

func (e *Engine) Breakdown(band models.PPPBand, solidarity bool) Breakdown {
	base := e.BasePricePerCredit()
	ppp := PPPMultiplier(band)
	solidarityMult := one
	if solidarity {
		solidarityMult = SolidarityMultiplier
	}
	packs := make([]PackQuote, 0, len(CreditPacks))
	for _, n := range CreditPacks {
		packs = append(packs, PackQuote{Credits: n, Price: e.PackPrice(n, band, solidarity)})
	}
	return Breakdown{
		CostComponents: CostComponents{
			ModelCostPerMin:    e.costs.Model,
			InfraCostPerMin:    e.costs.Infra,
			OverheadPerMin:     e.costs.Overhead,
			TotalCostPerMinute: e.BaseCostPerMinute(),
		},
		BasePricePerCredit: base,
		PPP: PPPAdjustment{
			Band:          band,
			Multiplier:    ppp,
			AdjustedPrice: base.Mul(ppp),
		},
		Solidarity: SolidarityAdjustment{
			OptedIn:             solidarity,
			Multiplier:          solidarityMult,
			FinalPricePerCredit: e.PricePerCredit(band, solidarity),
		},
		MarginCap:   e.costs.MarginCap,
		CreditPacks: packs,
	}
}

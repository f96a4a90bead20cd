// Package pricing converts raw per-minute costs and a margin cap into a
// per-credit price, adjusted by purchasing-power band and solidarity opt-in.
// Everything here is a pure function of its inputs.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/soundfoundry/backend/internal/models"
)

// SecondsPerCredit is the fixed exchange rate: one credit buys 30 seconds of audio.
const SecondsPerCredit = 30

// CreditPacks are the pack sizes offered for purchase.
var CreditPacks = []int{300, 700, 2000}

var (
	// ErrInvalidPack is returned for a credit amount that is not one of CreditPacks.
	ErrInvalidPack = errors.New("pricing: invalid credit pack")
	// ErrSnapshotMismatch is returned when stored snapshot totals differ from a replay of its inputs.
	ErrSnapshotMismatch = errors.New("pricing: snapshot does not match its inputs")
)

var (
	creditsPerMinute = decimal.NewFromInt(60 / SecondsPerCredit)
	one              = decimal.NewFromInt(1)

	// SolidarityMultiplier is applied on top of the PPP multiplier when a user opts in.
	SolidarityMultiplier = decimal.RequireFromString("0.85")

	pppMultipliers = map[models.PPPBand]decimal.Decimal{
		models.PPPBandLow:  decimal.RequireFromString("0.70"),
		models.PPPBandLMid: decimal.RequireFromString("0.80"),
		models.PPPBandUMid: decimal.RequireFromString("0.90"),
		models.PPPBandHigh: decimal.RequireFromString("1.00"),
	}
)

const (
	pricePerCreditPlaces = 4
	currencyPlaces       = 2
)

// CreditsForDuration returns ceil(seconds / SecondsPerCredit); zero or negative durations cost nothing.
func CreditsForDuration(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return (seconds + SecondsPerCredit - 1) / SecondsPerCredit
}

// IsCreditPack reports whether credits is a purchasable pack size.
func IsCreditPack(credits int) bool {
	for _, p := range CreditPacks {
		if p == credits {
			return true
		}
	}
	return false
}

// PPPMultiplier returns the multiplier for band. Unknown bands price as HIGH.
func PPPMultiplier(band models.PPPBand) decimal.Decimal {
	if m, ok := pppMultipliers[band]; ok {
		return m
	}
	return pppMultipliers[models.PPPBandHigh]
}

// Costs are the externally configured inputs, in currency units per minute of audio.
type Costs struct {
	Model     decimal.Decimal
	Infra     decimal.Decimal
	Overhead  decimal.Decimal
	MarginCap decimal.Decimal
}

// DefaultCosts are the development rates: 0.22 per minute with a 12% margin cap.
func DefaultCosts() Costs {
	return Costs{
		Model:     decimal.RequireFromString("0.15"),
		Infra:     decimal.RequireFromString("0.05"),
		Overhead:  decimal.RequireFromString("0.02"),
		MarginCap: decimal.RequireFromString("0.12"),
	}
}

func (c Costs) validate() error {
	for name, v := range map[string]decimal.Decimal{
		"model": c.Model, "infra": c.Infra, "overhead": c.Overhead, "margin_cap": c.MarginCap,
	} {
		if v.IsNegative() {
			return fmt.Errorf("pricing: %s cost must not be negative", name)
		}
	}
	return nil
}

// Engine computes prices from a fixed set of Costs.
type Engine struct {
	costs Costs
}

// NewEngine returns an Engine for costs.
func NewEngine(costs Costs) (*Engine, error) {
	if err := costs.validate(); err != nil {
		return nil, err
	}
	return &Engine{costs: costs}, nil
}

func (e *Engine) Costs() Costs { return e.costs }

// BaseCostPerMinute is model + infra + overhead.
func (e *Engine) BaseCostPerMinute() decimal.Decimal {
	return e.costs.Model.Add(e.costs.Infra).Add(e.costs.Overhead)
}

// BasePricePerCredit is the unrounded price before PPP and solidarity adjustments.
func (e *Engine) BasePricePerCredit() decimal.Decimal {
	return e.BaseCostPerMinute().Div(creditsPerMinute).Mul(one.Add(e.costs.MarginCap))
}

// PricePerCredit applies the band and solidarity multipliers and rounds up to 0.0001.
func (e *Engine) PricePerCredit(band models.PPPBand, solidarity bool) decimal.Decimal {
	price := e.BasePricePerCredit().Mul(PPPMultiplier(band))
	if solidarity {
		price = price.Mul(SolidarityMultiplier)
	}
	return price.RoundCeil(pricePerCreditPlaces)
}

// PackPrice is the total for a pack, rounded up to the currency minor unit.
func (e *Engine) PackPrice(credits int, band models.PPPBand, solidarity bool) decimal.Decimal {
	return e.PricePerCredit(band, solidarity).Mul(decimal.NewFromInt(int64(credits))).RoundCeil(currencyPlaces)
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// PPPBand is the purchasing-power tier used to regionally adjust the credit price.
type PPPBand string

// Bands from lowest to highest purchasing power.
const (
	PPPBandLow  PPPBand = "LOW"
	PPPBandLMid PPPBand = "LMID"
	PPPBandUMid PPPBand = "UMID"
	PPPBandHigh PPPBand = "HIGH"
)

// PPPBands lists every band in ascending purchasing-power order.
var PPPBands = []PPPBand{PPPBandLow, PPPBandLMid, PPPBandUMid, PPPBandHigh}

func (b PPPBand) Valid() bool {
	switch b {
	case PPPBandLow, PPPBandLMid, PPPBandUMid, PPPBandHigh:
		return true
	}
	return false
}

// User plan enums.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// User carries identity plus the economic state the ledger owns. Credits is a
// cache of the ledger sum and is only ever written by ledger operations.
type User struct {
	ID              uuid.UUID `json:"id"`
	Email           string    `json:"email"`
	DisplayName     string    `json:"display_name"`
	PasswordHash    string    `json:"-"`
	Credits         int       `json:"credits"`
	PPPBand         PPPBand   `json:"ppp_band"`
	SolidarityOptIn bool      `json:"solidarity_opt_in"`
	Plan            string    `json:"plan"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

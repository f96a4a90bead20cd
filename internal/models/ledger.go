package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LedgerReason is the closed set of reasons a balance may change.
type LedgerReason string

const (
	ReasonTrackGenerate  LedgerReason = "track_generate"
	ReasonPurchase       LedgerReason = "purchase"
	ReasonRefundFailure  LedgerReason = "refund_failure"
	ReasonQualityPartial LedgerReason = "quality_partial"
	ReasonAdminGrant     LedgerReason = "admin_grant"
)

// IsDebit reports whether entries with this reason carry a negative delta.
func (r LedgerReason) IsDebit() bool {
	return r == ReasonTrackGenerate
}

// IsCredit reports whether entries with this reason carry a positive delta.
func (r LedgerReason) IsCredit() bool {
	switch r {
	case ReasonPurchase, ReasonRefundFailure, ReasonQualityPartial, ReasonAdminGrant:
		return true
	}
	return false
}

// LedgerEntry is an immutable balance change. Entries are never updated or deleted.
type LedgerEntry struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Delta       int             `json:"delta"`
	Reason      LedgerReason    `json:"reason"`
	TrackID     *uuid.UUID      `json:"track_id,omitempty"`
	JobID       *uuid.UUID      `json:"job_id,omitempty"`
	ExternalRef *string         `json:"external_ref,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

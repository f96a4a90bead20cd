// Package quota decides whether a generation request may proceed. It owns the
// single rule combining free-mode limits with credit sufficiency.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soundfoundry/backend/internal/ledger"
	"github.com/soundfoundry/backend/internal/models"
	"github.com/soundfoundry/backend/internal/pricing"
)

var (
	// ErrQuotaExceeded marks a free-mode duration or daily cap denial.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrInsufficientCredits is the ledger's sentinel, so a race lost at debit time matches a gate denial.
	ErrInsufficientCredits = ledger.ErrInsufficientCredits
	ErrPublishBlocked      = errors.New("publishing disabled in free mode")
	ErrInvalidDuration     = errors.New("duration must be positive")
)

// Policy is the free-mode configuration.
type Policy struct {
	Enabled      bool
	MaxDurationS int
	DailyRenders int
	Watermark    bool
	BlockPublish bool
}

// FreeModeInfo is the policy as shown to clients.
type FreeModeInfo struct {
	Enabled      bool `json:"enabled"`
	MaxDurationS int  `json:"max_duration_s"`
	DailyRenders int  `json:"daily_renders"`
	Watermark    bool `json:"watermark"`
	BlockPublish bool `json:"block_publish"`
}

func (p Policy) Info() FreeModeInfo {
	return FreeModeInfo{
		Enabled:      p.Enabled,
		MaxDurationS: p.MaxDurationS,
		DailyRenders: p.DailyRenders,
		Watermark:    p.Watermark,
		BlockPublish: p.BlockPublish,
	}
}

// DeniedError is a user-correctable refusal. Message is shown verbatim.
type DeniedError struct {
	Reason  error
	Message string
}

func (e *DeniedError) Error() string { return e.Message }
func (e *DeniedError) Unwrap() error { return e.Reason }

// InsufficientCredits builds the denial for a balance below the requirement.
func InsufficientCredits(required, available int) *DeniedError {
	return &DeniedError{
		Reason:  ErrInsufficientCredits,
		Message: fmt.Sprintf("Insufficient credits. This render requires %d credits, but you have %d.", required, available),
	}
}

// Decision is the outcome of an allowed check.
type Decision struct {
	FreeMode        bool
	CreditsRequired int
}

// CostPreview answers "what would this cost" without changing anything. It
// reports exactly what a real request would debit: nothing in free mode.
type CostPreview struct {
	DurationS       int           `json:"duration_s"`
	CreditsRequired int           `json:"credits_required"`
	FreeModeEnabled bool          `json:"free_mode_enabled"`
	FreeModeInfo    *FreeModeInfo `json:"free_mode_info,omitempty"`
}

type Gate struct {
	policy  Policy
	counter DailyCounter
	now     func() time.Time
	log     *slog.Logger
}

// GateOption configures Gate.
type GateOption func(*Gate)

// WithClock overrides the clock used to pick the counter day.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func NewGate(policy Policy, counter DailyCounter, log *slog.Logger, opts ...GateOption) *Gate {
	if log == nil {
		log = slog.Default()
	}
	g := &Gate{policy: policy, counter: counter, now: time.Now, log: log}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) Policy() Policy { return g.policy }

// Check evaluates the request, short-circuiting on the first denial:
// free-mode duration cap, free-mode daily cap, then (outside free mode) balance.
// A counter read failure denies nothing silently: it is returned as an error.
func (g *Gate) Check(ctx context.Context, user *models.User, durationS int) (Decision, error) {
	if durationS <= 0 {
		return Decision{}, ErrInvalidDuration
	}
	if g.policy.Enabled {
		if durationS > g.policy.MaxDurationS {
			return Decision{}, &DeniedError{
				Reason:  ErrQuotaExceeded,
				Message: fmt.Sprintf("Free mode limited to %ds. Set FREE_MODE=false for production.", g.policy.MaxDurationS),
			}
		}
		count, err := g.counter.Count(ctx, user.ID, g.now())
		if err != nil {
			return Decision{}, fmt.Errorf("read daily render count: %w", err)
		}
		if count >= g.policy.DailyRenders {
			return Decision{}, &DeniedError{
				Reason:  ErrQuotaExceeded,
				Message: fmt.Sprintf("Free mode limited to %d renders per day. Set FREE_MODE=false for production.", g.policy.DailyRenders),
			}
		}
		return Decision{FreeMode: true}, nil
	}

	required := pricing.CreditsForDuration(durationS)
	if user.Credits < required {
		return Decision{}, InsufficientCredits(required, user.Credits)
	}
	return Decision{CreditsRequired: required}, nil
}

// RecordStart counts an accepted free-mode job against today's cap. Outside free mode it does nothing.
func (g *Gate) RecordStart(ctx context.Context, userID uuid.UUID) error {
	if !g.policy.Enabled {
		return nil
	}
	n, err := g.counter.Incr(ctx, userID, g.now())
	if err != nil {
		return err
	}
	g.log.Debug("free mode render counted", "user_id", userID, "count", n, "limit", g.policy.DailyRenders)
	return nil
}

func (g *Gate) Preview(durationS int) CostPreview {
	p := CostPreview{DurationS: durationS, FreeModeEnabled: g.policy.Enabled}
	if g.policy.Enabled {
		info := g.policy.Info()
		p.FreeModeInfo = &info
		return p
	}
	p.CreditsRequired = pricing.CreditsForDuration(durationS)
	return p
}

// CanPublish refuses public visibility while free mode blocks publishing.
func (g *Gate) CanPublish() error {
	if g.policy.Enabled && g.policy.BlockPublish {
		return &DeniedError{
			Reason:  ErrPublishBlocked,
			Message: "Publishing disabled in free mode. Set FREE_MODE=false for production.",
		}
	}
	return nil
}

// Watermark reports whether generated audio should carry the free-mode watermark.
func (g *Gate) Watermark() bool {
	return g.policy.Enabled && g.policy.Watermark
}

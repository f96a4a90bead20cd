package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/soundfoundry/backend/internal/ledger"
	"github.com/soundfoundry/backend/internal/models"
	"github.com/soundfoundry/backend/internal/repository"
)

var (
	// ErrNothingToRefund is returned when the track has no generation debit.
	ErrNothingToRefund = errors.New("no debit found for track")
	// ErrDuplicateRefund is returned when a refund of the same kind already exists for the track.
	ErrDuplicateRefund  = errors.New("refund already issued for track")
	ErrTrackNotComplete = errors.New("track is not complete")
	ErrTrackNotFound    = repository.ErrTrackNotFound
)

// QualityRefundPercent is the share of the original debit returned for a poor quality render.
const QualityRefundPercent = 50

// RefundEntryRepo looks up the entries a refund depends on, inside the refund's transaction.
type RefundEntryRepo interface {
	FindTrackDebitTx(ctx context.Context, tx pgx.Tx, userID, trackID uuid.UUID) (*models.LedgerEntry, error)
	HasTrackEntryTx(ctx context.Context, tx pgx.Tx, trackID uuid.UUID, reason models.LedgerReason) (bool, error)
}

// RefundTrackRepo reads the track being refunded.
type RefundTrackRepo interface {
	GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Track, error)
}

// RefundEngine issues ledger credits that reverse track debits. Each refund runs
// in its own transaction holding the user's row lock, so the duplicate check and
// the credit cannot interleave with a concurrent refund for the same user.
type RefundEngine struct {
	Pool    ledger.TxBeginner
	Ledger  *ledger.Service
	Entries RefundEntryRepo
	Tracks  RefundTrackRepo
	Logger  *slog.Logger
}

func NewRefundEngine(pool ledger.TxBeginner, l *ledger.Service, entries RefundEntryRepo, tracks RefundTrackRepo, logger *slog.Logger) *RefundEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefundEngine{Pool: pool, Ledger: l, Entries: entries, Tracks: tracks, Logger: logger}
}

type failureRefundMeta struct {
	RefundedEntryID uuid.UUID `json:"refunded_entry_id"`
	OriginalDelta   int       `json:"original_delta"`
	RefundReason    string    `json:"refund_reason"`
}

type qualityRefundMeta struct {
	RefundedEntryID  uuid.UUID `json:"refunded_entry_id"`
	OriginalAmount   int       `json:"original_amount"`
	RefundAmount     int       `json:"refund_amount"`
	RefundPercentage int       `json:"refund_percentage"`
}

// RefundFailed returns the full generation debit of a failed track to the user.
func (e *RefundEngine) RefundFailed(ctx context.Context, userID, trackID uuid.UUID, reason string) (*models.LedgerEntry, error) {
	return e.inTx(ctx, func(tx pgx.Tx) (*models.LedgerEntry, error) {
		if _, err := e.Ledger.LockUser(ctx, tx, userID); err != nil {
			return nil, err
		}
		debit, err := e.originalDebit(ctx, tx, userID, trackID, models.ReasonRefundFailure)
		if err != nil {
			return nil, err
		}
		return e.credit(ctx, tx, ledger.Posting{
			UserID:  userID,
			Amount:  -debit.Delta,
			Reason:  models.ReasonRefundFailure,
			TrackID: &trackID,
			JobID:   debit.JobID,
			Meta: failureRefundMeta{
				RefundedEntryID: debit.ID,
				OriginalDelta:   debit.Delta,
				RefundReason:    reason,
			},
		})
	})
}

// RefundQualityPartial returns half (rounded up) of the generation debit for a
// completed track the user owns. At most one quality refund exists per track.
func (e *RefundEngine) RefundQualityPartial(ctx context.Context, userID, trackID uuid.UUID) (*models.LedgerEntry, error) {
	return e.inTx(ctx, func(tx pgx.Tx) (*models.LedgerEntry, error) {
		if _, err := e.Ledger.LockUser(ctx, tx, userID); err != nil {
			return nil, err
		}
		track, err := e.Tracks.GetByIDTx(ctx, tx, trackID)
		if err != nil {
			return nil, err
		}
		if track.UserID != userID {
			return nil, ErrTrackNotFound
		}
		if track.Status != models.TrackStatusComplete {
			return nil, ErrTrackNotComplete
		}
		debit, err := e.originalDebit(ctx, tx, userID, trackID, models.ReasonQualityPartial)
		if err != nil {
			return nil, err
		}
		original := -debit.Delta
		amount := partialAmount(original, QualityRefundPercent)
		return e.credit(ctx, tx, ledger.Posting{
			UserID:  userID,
			Amount:  amount,
			Reason:  models.ReasonQualityPartial,
			TrackID: &trackID,
			JobID:   debit.JobID,
			Meta: qualityRefundMeta{
				RefundedEntryID:  debit.ID,
				OriginalAmount:   original,
				RefundAmount:     amount,
				RefundPercentage: QualityRefundPercent,
			},
		})
	})
}

// partialAmount is ceil(amount * percent / 100).
func partialAmount(amount, percent int) int {
	return (amount*percent + 99) / 100
}

// originalDebit finds the track's debit and rejects a second refund of kind reason.
func (e *RefundEngine) originalDebit(ctx context.Context, tx pgx.Tx, userID, trackID uuid.UUID, reason models.LedgerReason) (*models.LedgerEntry, error) {
	debit, err := e.Entries.FindTrackDebitTx(ctx, tx, userID, trackID)
	if err != nil {
		return nil, fmt.Errorf("find track debit: %w", err)
	}
	if debit == nil || debit.Delta >= 0 {
		return nil, ErrNothingToRefund
	}
	exists, err := e.Entries.HasTrackEntryTx(ctx, tx, trackID, reason)
	if err != nil {
		return nil, fmt.Errorf("check existing refund: %w", err)
	}
	if exists {
		return nil, ErrDuplicateRefund
	}
	return debit, nil
}

func (e *RefundEngine) credit(ctx context.Context, tx pgx.Tx, p ledger.Posting) (*models.LedgerEntry, error) {
	entry, err := e.Ledger.Credit(ctx, tx, p)
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		return nil, ErrDuplicateRefund
	}
	return entry, err
}

func (e *RefundEngine) inTx(ctx context.Context, fn func(pgx.Tx) (*models.LedgerEntry, error)) (*models.LedgerEntry, error) {
	tx, err := e.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit refund: %w", err)
	}
	e.Logger.Info("refund issued",
		"user_id", entry.UserID, "track_id", entry.TrackID, "reason", entry.Reason, "amount", entry.Delta)
	return entry, nil
}

// Package ledger owns every change to a user's credit balance. Each change
// updates the cached users.credits and appends an immutable ledger entry in the
// same transaction, so the cache always equals the entry sum.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/soundfoundry/backend/internal/models"
)

// UserStore mutates the cached balance. Every method runs in the caller's transaction.
type UserStore interface {
	// DebitIfSufficient subtracts amount only when the balance covers it, in one statement.
	// It returns ErrInsufficientCredits (and changes nothing) otherwise.
	DebitIfSufficient(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (newBalance int, err error)
	AddCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (newBalance int, err error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.User, error)
	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)
}

// EntryStore appends and reads ledger entries.
type EntryStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	SumByUser(ctx context.Context, userID uuid.UUID) (int, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Posting describes one balance change. Amount is always a positive magnitude;
// the sign comes from the operation.
type Posting struct {
	UserID      uuid.UUID
	Amount      int
	Reason      models.LedgerReason
	TrackID     *uuid.UUID
	JobID       *uuid.UUID
	ExternalRef *string
	Meta        any
}

// Reconciliation compares the cached balance against the ledger sum.
type Reconciliation struct {
	UserID     uuid.UUID `json:"user_id"`
	Cached     int       `json:"cached"`
	LedgerSum  int       `json:"ledger_sum"`
	Consistent bool      `json:"consistent"`
}

type Service struct {
	Pool    TxBeginner
	Users   UserStore
	Entries EntryStore
	now     func() time.Time
}

func NewService(pool TxBeginner, users UserStore, entries EntryStore) *Service {
	return &Service{Pool: pool, Users: users, Entries: entries, now: time.Now}
}

// Debit removes p.Amount credits. Call within a transaction.
func (s *Service) Debit(ctx context.Context, tx pgx.Tx, p Posting) (*models.LedgerEntry, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !p.Reason.IsDebit() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidReason, p.Reason)
	}
	if _, err := s.Users.DebitIfSufficient(ctx, tx, p.UserID, p.Amount); err != nil {
		return nil, err
	}
	return s.append(ctx, tx, p, -p.Amount)
}

// Credit adds p.Amount credits. Call within a transaction.
func (s *Service) Credit(ctx context.Context, tx pgx.Tx, p Posting) (*models.LedgerEntry, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !p.Reason.IsCredit() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidReason, p.Reason)
	}
	if _, err := s.Users.AddCredits(ctx, tx, p.UserID, p.Amount); err != nil {
		return nil, err
	}
	return s.append(ctx, tx, p, p.Amount)
}

// Grant runs Credit in its own transaction.
func (s *Service) Grant(ctx context.Context, p Posting) (*models.LedgerEntry, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin grant tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := s.Credit(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit grant: %w", err)
	}
	return entry, nil
}

// LockUser takes the user's row lock for the rest of tx. Refunds use it to
// serialize their lookup-then-credit sequence per user.
func (s *Service) LockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.User, error) {
	return s.Users.GetByIDForUpdate(ctx, tx, userID)
}

func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	u, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Credits, nil
}

// Statement returns the user's most recent entries, newest first.
func (s *Service) Statement(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.Entries.ListByUser(ctx, userID, limit)
}

func (s *Service) Reconcile(ctx context.Context, userID uuid.UUID) (Reconciliation, error) {
	u, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	sum, err := s.Entries.SumByUser(ctx, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{UserID: userID, Cached: u.Credits, LedgerSum: sum, Consistent: u.Credits == sum}, nil
}

func (s *Service) append(ctx context.Context, tx pgx.Tx, p Posting, delta int) (*models.LedgerEntry, error) {
	var meta json.RawMessage
	if p.Meta != nil {
		raw, err := json.Marshal(p.Meta)
		if err != nil {
			return nil, fmt.Errorf("marshal ledger meta: %w", err)
		}
		meta = raw
	}
	entry := &models.LedgerEntry{
		ID:          uuid.New(),
		UserID:      p.UserID,
		Delta:       delta,
		Reason:      p.Reason,
		TrackID:     p.TrackID,
		JobID:       p.JobID,
		ExternalRef: p.ExternalRef,
		Meta:        meta,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.Entries.CreateTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

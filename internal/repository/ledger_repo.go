package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundfoundry/backend/internal/ledger"
	"github.com/soundfoundry/backend/internal/models"
)

const ledgerColumns = `id, user_id, delta, reason, track_id, job_id, external_ref, meta, created_at`

// LedgerRepo is append-only: there is no update or delete.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := row.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &e.TrackID, &e.JobID, &e.ExternalRef, &e.Meta, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *LedgerRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, delta, reason, track_id, job_id, external_ref, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, e.ID, e.UserID, e.Delta, e.Reason, e.TrackID, e.JobID, e.ExternalRef, e.Meta).Scan(&e.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateEntry, pgErr.ConstraintName)
	}
	return err
}

func (r *LedgerRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (r *LedgerRepo) SumByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var sum int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE user_id = $1`, userID).Scan(&sum)
	return sum, err
}

// FindTrackDebitTx returns the track_generate entry for the track, or nil when there is none.
func (r *LedgerRepo) FindTrackDebitTx(ctx context.Context, tx pgx.Tx, userID, trackID uuid.UUID) (*models.LedgerEntry, error) {
	e, err := scanEntry(tx.QueryRow(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE user_id = $1 AND track_id = $2 AND reason = $3
		ORDER BY created_at ASC LIMIT 1
	`, userID, trackID, models.ReasonTrackGenerate))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// HasTrackEntryTx reports whether an entry with reason already references the track.
func (r *LedgerRepo) HasTrackEntryTx(ctx context.Context, tx pgx.Tx, trackID uuid.UUID, reason models.LedgerReason) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE track_id = $1 AND reason = $2)
	`, trackID, reason).Scan(&exists)
	return exists, err
}

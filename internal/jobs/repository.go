package jobs

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundfoundry/backend/internal/models"
)

// ErrJobNotFound is returned when no job matches the lookup.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `j.id, j.track_id, j.status, j.progress, j.provider_job_id, j.error, j.created_at, j.updated_at`

// nonTerminal guards every transition: a finished job row is never rewritten.
const nonTerminal = `status NOT IN ('complete', 'failed', 'cancelled')`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.TrackID, &j.Status, &j.Progress, &j.ProviderJobID, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateTx inserts a queued job inside the given transaction.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	return tx.QueryRow(ctx, `
		INSERT INTO jobs (id, track_id, status, progress)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, j.ID, j.TrackID, j.Status, j.Progress).Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs j WHERE j.id = $1`, jobID))
}

// GetForUser returns the job only if its track belongs to userID.
func (r *Repository) GetForUser(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j JOIN tracks t ON t.id = j.track_id
		WHERE j.id = $1 AND t.user_id = $2
	`, jobID, userID))
}

// Start moves a non-terminal job to processing. It reports false when the job
// already reached a terminal state and must not run again.
func (r *Repository) Start(ctx context.Context, jobID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'processing', updated_at = now()
		WHERE id = $1 AND `+nonTerminal, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetProviderJobID records the provider's own identifier for the render.
func (r *Repository) SetProviderJobID(ctx context.Context, jobID uuid.UUID, providerJobID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET provider_job_id = $2, updated_at = now()
		WHERE id = $1 AND `+nonTerminal, jobID, providerJobID)
	return err
}

// SetProgress never lowers progress.
func (r *Repository) SetProgress(ctx context.Context, jobID uuid.UUID, progress float64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET progress = GREATEST(progress, $2), updated_at = now()
		WHERE id = $1 AND `+nonTerminal, jobID, progress)
	return err
}

func (r *Repository) Complete(ctx context.Context, jobID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'complete', progress = 1.0, error = NULL, updated_at = now()
		WHERE id = $1 AND `+nonTerminal, jobID)
	return err
}

func (r *Repository) Fail(ctx context.Context, jobID uuid.UUID, message string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error = $2, updated_at = now()
		WHERE id = $1 AND `+nonTerminal, jobID, message)
	return err
}

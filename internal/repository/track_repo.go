package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundfoundry/backend/internal/models"
)

// ErrTrackNotFound is returned when no track matches the lookup.
var ErrTrackNotFound = errors.New("track not found")

const trackColumns = `id, user_id, title, prompt, lyrics, has_vocals, duration_s, style_strength, seed, reference_url,
	provider, status, public, file_url, preview_url, error_message, created_at, updated_at`

// terminalTrackGuard keeps finished tracks from being rewritten by a late worker.
const terminalTrackGuard = `status NOT IN ('complete', 'failed')`

type TrackRepo struct {
	pool *pgxpool.Pool
}

func NewTrackRepo(pool *pgxpool.Pool) *TrackRepo {
	return &TrackRepo{pool: pool}
}

func scanTrack(row pgx.Row) (*models.Track, error) {
	var t models.Track
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Prompt, &t.Lyrics, &t.HasVocals, &t.DurationS, &t.StyleStrength, &t.Seed, &t.ReferenceURL,
		&t.Provider, &t.Status, &t.Public, &t.FileURL, &t.PreviewURL, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTrackNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTx inserts a track inside the given transaction.
func (r *TrackRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Track) error {
	return tx.QueryRow(ctx, `
		INSERT INTO tracks (id, user_id, title, prompt, lyrics, has_vocals, duration_s, style_strength, seed, reference_url, provider, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.Title, t.Prompt, t.Lyrics, t.HasVocals, t.DurationS, t.StyleStrength, t.Seed, t.ReferenceURL, t.Provider, t.Status).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TrackRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Track, error) {
	return scanTrack(r.pool.QueryRow(ctx, `SELECT `+trackColumns+` FROM tracks WHERE id = $1`, id))
}

// GetByIDTx reads the track inside tx, for checks that must see the same snapshot as a following write.
func (r *TrackRepo) GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Track, error) {
	return scanTrack(tx.QueryRow(ctx, `SELECT `+trackColumns+` FROM tracks WHERE id = $1`, id))
}

func (r *TrackRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Track, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+trackColumns+`
		FROM tracks WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (r *TrackRepo) MarkRendering(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tracks SET status = 'rendering', updated_at = now() WHERE id = $1 AND `+terminalTrackGuard, id)
	return err
}

// SetProvider records which provider is producing the track.
func (r *TrackRepo) SetProvider(ctx context.Context, id uuid.UUID, provider string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tracks SET provider = $2, updated_at = now() WHERE id = $1 AND `+terminalTrackGuard, id, provider)
	return err
}

func (r *TrackRepo) Complete(ctx context.Context, id uuid.UUID, fileURL, previewURL string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tracks SET status = 'complete', file_url = $2, preview_url = $3, error_message = NULL, updated_at = now()
		WHERE id = $1 AND `+terminalTrackGuard, id, fileURL, previewURL)
	return err
}

func (r *TrackRepo) Fail(ctx context.Context, id uuid.UUID, message string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tracks SET status = 'failed', error_message = $2, updated_at = now()
		WHERE id = $1 AND `+terminalTrackGuard, id, message)
	return err
}

func (r *TrackRepo) SetPublic(ctx context.Context, id uuid.UUID, public bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE tracks SET public = $2, updated_at = now() WHERE id = $1`, id, public)
	return err
}

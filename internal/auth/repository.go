package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundfoundry/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateTx inserts a new user with a zero balance. Opening credits are granted
// through the ledger in the same transaction.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, u *models.User) error {
	return tx.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, credits, ppp_band, solidarity_opt_in, plan)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
		RETURNING credits, created_at, updated_at
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, u.PPPBand, u.SolidarityOptIn, u.Plan).Scan(&u.Credits, &u.CreatedAt, &u.UpdatedAt)
}

// GetByEmail returns the user with its password hash for login. Returns nil if not found.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, credits, ppp_band, solidarity_opt_in, plan, created_at, updated_at
		FROM users WHERE email = $1
	`, email)
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Credits, &u.PPPBand, &u.SolidarityOptIn, &u.Plan, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

package jobs

import (
	"context"

	"github.com/google/uuid"

	"github.com/soundfoundry/backend/internal/models"
)

// Store is the read side the service needs.
type Store interface {
	GetForUser(ctx context.Context, jobID, userID uuid.UUID) (*models.Job, error)
}

type Service interface {
	GetJob(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error)
}

type service struct {
	store Store
}

func NewService(store Store) Service {
	return &service{store: store}
}

var _ Service = (*service)(nil)

// GetJob returns a snapshot of the job for polling clients. Progress is a hint, not a timing guarantee.
func (s *service) GetJob(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error) {
	return s.store.GetForUser(ctx, jobID, userID)
}

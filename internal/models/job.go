package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

// JobStatusCancelled exists in the schema but nothing drives a job into it yet.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is one execution record for a track. Progress is a coarse, non-decreasing hint in [0,1].
type Job struct {
	ID            uuid.UUID `json:"id"`
	TrackID       uuid.UUID `json:"track_id"`
	Status        JobStatus `json:"status"`
	Progress      float64   `json:"progress"`
	ProviderJobID *string   `json:"provider_job_id,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

type TrackStatus string

const (
	TrackStatusQueued    TrackStatus = "queued"
	TrackStatusRendering TrackStatus = "rendering"
	TrackStatusMastering TrackStatus = "mastering"
	TrackStatusComplete  TrackStatus = "complete"
	TrackStatusFailed    TrackStatus = "failed"
)

func (s TrackStatus) IsTerminal() bool {
	return s == TrackStatusComplete || s == TrackStatusFailed
}

// Track is one generation request and, once finished, its result.
type Track struct {
	ID            uuid.UUID   `json:"id"`
	UserID        uuid.UUID   `json:"user_id"`
	Title         *string     `json:"title,omitempty"`
	Prompt        string      `json:"prompt"`
	Lyrics        *string     `json:"lyrics,omitempty"`
	HasVocals     bool        `json:"has_vocals"`
	DurationS     int         `json:"duration_s"`
	StyleStrength float64     `json:"style_strength"`
	Seed          *int        `json:"seed,omitempty"`
	ReferenceURL  *string     `json:"reference_url,omitempty"`
	Provider      string      `json:"provider"`
	Status        TrackStatus `json:"status"`
	Public        bool        `json:"public"`
	FileURL       *string     `json:"file_url,omitempty"`
	PreviewURL    *string     `json:"preview_url,omitempty"`
	ErrorMessage  *string     `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

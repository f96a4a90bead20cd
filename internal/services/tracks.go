package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/soundfoundry/backend/internal/execution"
	"github.com/soundfoundry/backend/internal/ledger"
	"github.com/soundfoundry/backend/internal/models"
	"github.com/soundfoundry/backend/internal/quota"
)

// ErrInvalidInput marks a request the caller must correct.
var ErrInvalidInput = errors.New("invalid input")

// Track request limits. Providers cannot render past MaxTrackDurationS, so
// longer requests are rejected rather than charged for audio they cannot get.
const (
	MaxTrackDurationS    = 240
	MaxPromptLength      = 2000
	MaxLyricsLength      = 5000
	DefaultDurationS     = 60
	DefaultStyleStrength = 0.5
)

// InsertGenerateTrackTxFunc enqueues a render within the given transaction. Provided by main using river.Client.InsertTx.
type InsertGenerateTrackTxFunc func(ctx context.Context, tx pgx.Tx, args execution.GenerateTrackArgs) error

// TrackUserRepo reads the requesting user.
type TrackUserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// TrackRepo is the track repository interface used by TrackService.
type TrackRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Track) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Track, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Track, error)
	SetPublic(ctx context.Context, id uuid.UUID, public bool) error
}

// TrackJobRepo creates the job row that tracks a render.
type TrackJobRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
}

type CreateTrackInput struct {
	Title         *string  `json:"title,omitempty"`
	Prompt        string   `json:"prompt"`
	Lyrics        *string  `json:"lyrics,omitempty"`
	HasVocals     bool     `json:"has_vocals"`
	DurationS     int      `json:"duration_s"`
	StyleStrength *float64 `json:"style_strength,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	ReferenceURL  *string  `json:"reference_url,omitempty"`
}

// Normalize fills defaults and validates the input.
func (in *CreateTrackInput) Normalize() error {
	in.Prompt = strings.TrimSpace(in.Prompt)
	switch {
	case in.Prompt == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	case len(in.Prompt) > MaxPromptLength:
		return fmt.Errorf("%w: prompt exceeds %d characters", ErrInvalidInput, MaxPromptLength)
	case in.Lyrics != nil && len(*in.Lyrics) > MaxLyricsLength:
		return fmt.Errorf("%w: lyrics exceed %d characters", ErrInvalidInput, MaxLyricsLength)
	}
	if in.DurationS == 0 {
		in.DurationS = DefaultDurationS
	}
	if in.DurationS < 0 || in.DurationS > MaxTrackDurationS {
		return fmt.Errorf("%w: duration_s must be between 1 and %d", ErrInvalidInput, MaxTrackDurationS)
	}
	if in.StyleStrength == nil {
		s := DefaultStyleStrength
		in.StyleStrength = &s
	}
	if *in.StyleStrength < 0 || *in.StyleStrength > 1 {
		return fmt.Errorf("%w: style_strength must be between 0 and 1", ErrInvalidInput)
	}
	return nil
}

// CreateTrackResult is what the caller learns about an accepted request.
type CreateTrackResult struct {
	Track          *models.Track `json:"track"`
	Job            *models.Job   `json:"job"`
	CreditsCharged int           `json:"credits_charged"`
	FreeMode       bool          `json:"free_mode"`
	// Watermark is set when the free-mode render must carry the audible watermark.
	Watermark      bool          `json:"watermark"`
}

type trackDebitMeta struct {
	DurationS       int `json:"duration_s"`
	CreditsRequired int `json:"credits_required"`
}

// TrackService accepts generation requests and serves the user's tracks.
type TrackService struct {
	Pool            ledger.TxBeginner
	Users           TrackUserRepo
	Tracks          TrackRepo
	Jobs            TrackJobRepo
	Ledger          *ledger.Service
	Gate            *quota.Gate
	Refunds         *RefundEngine
	Insert          InsertGenerateTrackTxFunc
	DefaultProvider string
	Logger          *slog.Logger
}

// Create admits a request through the quota gate, then records the track, its
// job and the debit and enqueues the render in one transaction. Either all of
// them exist afterwards or none do.
func (s *TrackService) Create(ctx context.Context, userID uuid.UUID, in CreateTrackInput) (*CreateTrackResult, error) {
	if err := in.Normalize(); err != nil {
		return nil, err
	}
	user, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	decision, err := s.Gate.Check(ctx, user, in.DurationS)
	if err != nil {
		return nil, err
	}

	track := &models.Track{
		ID:            uuid.New(),
		UserID:        userID,
		Title:         in.Title,
		Prompt:        in.Prompt,
		Lyrics:        in.Lyrics,
		HasVocals:     in.HasVocals,
		DurationS:     in.DurationS,
		StyleStrength: *in.StyleStrength,
		Seed:          in.Seed,
		ReferenceURL:  in.ReferenceURL,
		Provider:      s.DefaultProvider,
		Status:        models.TrackStatusQueued,
	}
	job := &models.Job{
		ID:      uuid.New(),
		TrackID: track.ID,
		Status:  models.JobStatusQueued,
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create track tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.Tracks.CreateTx(ctx, tx, track); err != nil {
		return nil, fmt.Errorf("create track: %w", err)
	}
	if err := s.Jobs.CreateTx(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if !decision.FreeMode {
		_, err := s.Ledger.Debit(ctx, tx, ledger.Posting{
			UserID:  userID,
			Amount:  decision.CreditsRequired,
			Reason:  models.ReasonTrackGenerate,
			TrackID: &track.ID,
			JobID:   &job.ID,
			Meta:    trackDebitMeta{DurationS: in.DurationS, CreditsRequired: decision.CreditsRequired},
		})
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			// The balance moved between the gate check and the debit.
			return nil, quota.InsufficientCredits(decision.CreditsRequired, s.currentBalance(ctx, user))
		}
		if err != nil {
			return nil, fmt.Errorf("debit credits: %w", err)
		}
	}
	if err := s.Insert(ctx, tx, execution.GenerateTrackArgs{
		JobID:    job.ID,
		TrackID:  track.ID,
		UserID:   userID,
		FreeMode: decision.FreeMode,
	}); err != nil {
		return nil, fmt.Errorf("enqueue render: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create track: %w", err)
	}

	if err := s.Gate.RecordStart(ctx, userID); err != nil {
		s.Logger.Warn("count free mode render failed", "user_id", userID, "track_id", track.ID, "error", err)
	}
	s.Logger.Info("track queued",
		"user_id", userID, "track_id", track.ID, "job_id", job.ID,
		"credits", decision.CreditsRequired, "free_mode", decision.FreeMode)

	return &CreateTrackResult{
		Track:          track,
		Job:            job,
		CreditsCharged: decision.CreditsRequired,
		FreeMode:       decision.FreeMode,
		Watermark:      decision.FreeMode && s.Gate.Watermark(),
	}, nil
}

func (s *TrackService) currentBalance(ctx context.Context, fallback *models.User) int {
	u, err := s.Users.GetByID(ctx, fallback.ID)
	if err != nil {
		return fallback.Credits
	}
	return u.Credits
}

// Get returns the track if userID owns it.
func (s *TrackService) Get(ctx context.Context, userID, trackID uuid.UUID) (*models.Track, error) {
	t, err := s.Tracks.GetByID(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrTrackNotFound
	}
	return t, nil
}

// List returns the user's most recent tracks.
func (s *TrackService) List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Track, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.Tracks.ListByUser(ctx, userID, limit)
}

// CostPreview reports what a request of durationS would cost now, changing nothing.
func (s *TrackService) CostPreview(durationS int) (quota.CostPreview, error) {
	if durationS <= 0 || durationS > MaxTrackDurationS {
		return quota.CostPreview{}, fmt.Errorf("%w: duration_s must be between 1 and %d", ErrInvalidInput, MaxTrackDurationS)
	}
	return s.Gate.Preview(durationS), nil
}

// Publish changes a completed track's visibility. Making it public is refused
// while free mode blocks publishing.
func (s *TrackService) Publish(ctx context.Context, userID, trackID uuid.UUID, public bool) (*models.Track, error) {
	t, err := s.Get(ctx, userID, trackID)
	if err != nil {
		return nil, err
	}
	if public {
		if err := s.Gate.CanPublish(); err != nil {
			return nil, err
		}
		if t.Status != models.TrackStatusComplete {
			return nil, ErrTrackNotComplete
		}
	}
	if err := s.Tracks.SetPublic(ctx, trackID, public); err != nil {
		return nil, fmt.Errorf("set public: %w", err)
	}
	t.Public = public
	return t, nil
}

// RefundQuality issues the partial refund for a poor render.
func (s *TrackService) RefundQuality(ctx context.Context, userID, trackID uuid.UUID) (*models.LedgerEntry, error) {
	return s.Refunds.RefundQualityPartial(ctx, userID, trackID)
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/soundfoundry/backend/internal/middleware"
	"github.com/soundfoundry/backend/internal/models"
	"github.com/soundfoundry/backend/internal/quota"
	"github.com/soundfoundry/backend/internal/services"
)

// TrackService is the subset of services.TrackService the handler needs.
type TrackService interface {
	Create(ctx context.Context, userID uuid.UUID, in services.CreateTrackInput) (*services.CreateTrackResult, error)
	Get(ctx context.Context, userID, trackID uuid.UUID) (*models.Track, error)
	List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Track, error)
	CostPreview(durationS int) (quota.CostPreview, error)
	Publish(ctx context.Context, userID, trackID uuid.UUID, public bool) (*models.Track, error)
	RefundQuality(ctx context.Context, userID, trackID uuid.UUID) (*models.LedgerEntry, error)
}

// TrackHandler serves /api/v1/tracks endpoints.
type TrackHandler struct {
	Tracks TrackService
	Logger *slog.Logger
}

func NewTrackHandler(tracks TrackService, logger *slog.Logger) *TrackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackHandler{Tracks: tracks, Logger: logger}
}

// --- POST /api/v1/tracks ---

type createTrackResponse struct {
	TrackID        string             `json:"track_id"`
	JobID          string             `json:"job_id"`
	Status         models.TrackStatus `json:"status"`
	CreditsCharged int                `json:"credits_charged"`
	FreeMode       bool               `json:"free_mode"`
	Watermark      bool               `json:"watermark"`
}

// CreateTrack handles POST /api/v1/tracks.
// Auth -> Validate -> Gate -> Debit + Enqueue (one tx) -> 202.
func (h *TrackHandler) CreateTrack(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var in services.CreateTrackInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Tracks.Create(r.Context(), user.ID, in)
	if err != nil {
		writeServiceError(w, h.Logger, "create track", err)
		return
	}

	writeJSON(w, http.StatusAccepted, createTrackResponse{
		TrackID:        res.Track.ID.String(),
		JobID:          res.Job.ID.String(),
		Status:         res.Track.Status,
		CreditsCharged: res.CreditsCharged,
		FreeMode:       res.FreeMode,
		Watermark:      res.Watermark,
	})
}

// --- GET /api/v1/tracks ---

// ListTracks handles GET /api/v1/tracks?limit=N.
func (h *TrackHandler) ListTracks(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit, _, err := queryInt(r, "limit")
	if err != nil {
		http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
		return
	}
	tracks, err := h.Tracks.List(r.Context(), user.ID, limit)
	if err != nil {
		writeServiceError(w, h.Logger, "list tracks", err)
		return
	}
	if tracks == nil {
		tracks = []*models.Track{}
	}
	writeJSON(w, http.StatusOK, tracks)
}

// --- GET /api/v1/tracks/{id} ---

func (h *TrackHandler) GetTrack(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	trackID, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid track id"}`, http.StatusBadRequest)
		return
	}
	t, err := h.Tracks.Get(r.Context(), user.ID, trackID)
	if err != nil {
		writeServiceError(w, h.Logger, "get track", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- GET /api/v1/tracks/cost-preview ---

// CostPreview handles GET /api/v1/tracks/cost-preview?duration_s=N. It changes nothing.
func (h *TrackHandler) CostPreview(w http.ResponseWriter, r *http.Request) {
	durationS, present, err := queryInt(r, "duration_s")
	if err != nil || !present {
		http.Error(w, `{"error":"duration_s is required"}`, http.StatusBadRequest)
		return
	}
	preview, err := h.Tracks.CostPreview(durationS)
	if err != nil {
		writeServiceError(w, h.Logger, "cost preview", err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// --- POST /api/v1/tracks/{id}/publish ---

type publishRequest struct {
	Public *bool `json:"public"`
}

// PublishTrack handles POST /api/v1/tracks/{id}/publish. An empty body publishes.
func (h *TrackHandler) PublishTrack(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	trackID, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid track id"}`, http.StatusBadRequest)
		return
	}
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	public := true
	if req.Public != nil {
		public = *req.Public
	}
	t, err := h.Tracks.Publish(r.Context(), user.ID, trackID, public)
	if err != nil {
		writeServiceError(w, h.Logger, "publish track", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- POST /api/v1/tracks/{id}/refund-quality ---

type refundResponse struct {
	TrackID         string `json:"track_id"`
	EntryID         string `json:"entry_id"`
	CreditsRefunded int    `json:"credits_refunded"`
}

// RefundQuality handles POST /api/v1/tracks/{id}/refund-quality.
func (h *TrackHandler) RefundQuality(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	trackID, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid track id"}`, http.StatusBadRequest)
		return
	}
	entry, err := h.Tracks.RefundQuality(r.Context(), user.ID, trackID)
	if err != nil {
		writeServiceError(w, h.Logger, "quality refund", err)
		return
	}
	writeJSON(w, http.StatusOK, refundResponse{
		TrackID:         trackID.String(),
		EntryID:         entry.ID.String(),
		CreditsRefunded: entry.Delta,
	})
}

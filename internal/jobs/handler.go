package jobs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/soundfoundry/backend/internal/middleware"
	"github.com/soundfoundry/backend/internal/models"
)

// JobResponse is the polling view of a job.
type JobResponse struct {
	ID       string           `json:"id"`
	TrackID  string           `json:"track_id"`
	Status   models.JobStatus `json:"status"`
	Progress float64          `json:"progress"`
	Error    *string          `json:"error,omitempty"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	job, err := h.svc.GetJob(r.Context(), user.ID, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
			return
		}
		h.log.Error("get job failed", "job_id", jobID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toResponse(job))
}

func toResponse(j *models.Job) JobResponse {
	return JobResponse{
		ID:       j.ID.String(),
		TrackID:  j.TrackID.String(),
		Status:   j.Status,
		Progress: j.Progress,
		Error:    j.Error,
	}
}

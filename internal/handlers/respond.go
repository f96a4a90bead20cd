package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/soundfoundry/backend/internal/ledger"
	"github.com/soundfoundry/backend/internal/pricing"
	"github.com/soundfoundry/backend/internal/quota"
	"github.com/soundfoundry/backend/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors to status codes. Denials carry their
// message verbatim; anything unrecognised is logged and reported as a 500.
func writeServiceError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	var denied *quota.DeniedError
	switch {
	case errors.As(err, &denied):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": denied.Message, "reason": denied.Reason.Error()})
	case errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, services.ErrInvalidBand),
		errors.Is(err, pricing.ErrInvalidPack),
		errors.Is(err, services.ErrNothingToRefund),
		errors.Is(err, services.ErrTrackNotComplete):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrTrackNotFound), errors.Is(err, ledger.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrDuplicateRefund):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads an optional integer query parameter.
func queryInt(r *http.Request, key string) (int, bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, err
	}
	return n, true, nil
}

package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// DefaultMaxBody fits the largest create-track payload (prompt plus lyrics) with room to spare.
const DefaultMaxBody int64 = 64 << 10

// JSONBody rejects bodies larger than maxBytes or that are not a JSON object,
// then replaces r.Body so downstream handlers can re-read it. Requests without
// a body pass through.
func JSONBody(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBody
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			if len(bytes.TrimSpace(bodyBytes)) > 0 {
				var peek map[string]json.RawMessage
				if err := json.Unmarshal(bodyBytes, &peek); err != nil {
					http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
					return
				}
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			next.ServeHTTP(w, r)
		})
	}
}

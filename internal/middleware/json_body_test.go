package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// echoHandler writes the body it received, proving JSONBody restored it.
var echoHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
	w.Write(b)
})

func TestJSONBody(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		max      int64
		wantCode int
	}{
		{"object passes", `{"prompt":"lofi beat"}`, 0, http.StatusOK},
		{"empty body passes", ``, 0, http.StatusOK},
		{"array rejected", `[1,2]`, 0, http.StatusBadRequest},
		{"malformed rejected", `{"prompt":`, 0, http.StatusBadRequest},
		{"too large", `{"prompt":"` + strings.Repeat("a", 100) + `"}`, 32, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mw := JSONBody(tc.max)(echoHandler)
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d: %s", tc.wantCode, rec.Code, rec.Body.String())
			}
			if tc.wantCode == http.StatusOK && rec.Body.String() != tc.body {
				t.Errorf("expected body %q restored, got %q", tc.body, rec.Body.String())
			}
		})
	}
}

func TestJSONBody_NoBody(t *testing.T) {
	mw := JSONBody(DefaultMaxBody)(echoHandler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

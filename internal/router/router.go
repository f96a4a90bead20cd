package router

import (
	"net/http"

	"github.com/soundfoundry/backend/internal/auth"
	"github.com/soundfoundry/backend/internal/handlers"
	"github.com/soundfoundry/backend/internal/jobs"
	"github.com/soundfoundry/backend/internal/middleware"
)

// Handlers groups everything served under /api/v1.
type Handlers struct {
	Auth     *auth.Handler
	Tracks   *handlers.TrackHandler
	Credits  *handlers.CreditsHandler
	Webhooks *handlers.WebhookHandler
	Jobs     *jobs.Handler
}

// New returns an http.Handler that serves API under /api/v1. requireUser
// guards every route that acts on behalf of a user.
func New(h Handlers, requireUser func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"
	body := middleware.JSONBody(middleware.DefaultMaxBody)
	authed := func(h http.Handler) http.Handler {
		return requireUser(h)
	}

	mux.HandleFunc(base+"/auth/register", h.Auth.Register)
	mux.HandleFunc(base+"/auth/login", h.Auth.Login)

	mux.Handle(base+"/tracks/cost-preview", methodGET(h.Tracks.CostPreview))
	mux.Handle(base+"/tracks", authed(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			body(http.HandlerFunc(h.Tracks.CreateTrack)).ServeHTTP(w, r)
		case http.MethodGet:
			h.Tracks.ListTracks(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})))
	mux.Handle(base+"/tracks/{id}", authed(methodGET(h.Tracks.GetTrack)))
	mux.Handle(base+"/tracks/{id}/publish", authed(body(methodPOST(h.Tracks.PublishTrack))))
	mux.Handle(base+"/tracks/{id}/refund-quality", authed(body(methodPOST(h.Tracks.RefundQuality))))

	mux.Handle(base+"/jobs/{id}", authed(methodGET(h.Jobs.GetJob)))

	mux.Handle(base+"/credits", authed(methodGET(h.Credits.GetCredits)))
	mux.Handle(base+"/credits/ledger", authed(methodGET(h.Credits.GetLedger)))
	mux.Handle(base+"/credits/purchase", authed(body(methodPOST(h.Credits.Purchase))))
	mux.Handle(base+"/credits/ppp", authed(body(methodPOST(h.Credits.UpdatePPP))))
	mux.Handle(base+"/credits/solidarity", authed(body(methodPOST(h.Credits.ToggleSolidarity))))

	// Signed by the payment provider; no user token.
	mux.Handle(base+"/webhooks/payments", methodPOST(h.Webhooks.HandlePayment))

	return mux
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

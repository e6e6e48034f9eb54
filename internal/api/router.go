package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/etlgate/internal/api/middleware"
	"github.com/kiranshivaraju/etlgate/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	// Agent endpoints
	HeartbeatHandler http.HandlerFunc
	PollHandler      http.HandlerFunc
	StartJobHandler  http.HandlerFunc
	JobResultHandler http.HandlerFunc
	UploadArtifact   http.HandlerFunc

	// Shared by agents and users
	GetJobHandler http.HandlerFunc

	// User endpoints
	SubmitJobHandler      http.HandlerFunc
	CompareRunHandler     http.HandlerFunc
	ConnectionTestHandler http.HandlerFunc
	ListAgentsHandler     http.HandlerFunc
	ListReportsHandler    http.HandlerFunc
	GetReportHandler      http.HandlerFunc
	DeleteReportHandler   http.HandlerFunc

	// Public
	DownloadArtifact http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", orNotImplemented(deps.HealthHandler))
		r.Get("/artifacts/{jobID}/*", orNotImplemented(deps.DownloadArtifact))

		// Agent routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Agent)
			r.Use(deps.RateLimit.Limit)

			r.Post("/heartbeat", orNotImplemented(deps.HeartbeatHandler))
			r.Get("/jobs/poll", orNotImplemented(deps.PollHandler))
			r.Post("/jobs/poll", orNotImplemented(deps.PollHandler))
			r.Post("/jobs/{jobID}/start", orNotImplemented(deps.StartJobHandler))
			r.Post("/jobs/{jobID}/result", orNotImplemented(deps.JobResultHandler))
			r.Post("/jobs/{jobID}/artifacts", orNotImplemented(deps.UploadArtifact))
		})

		r.With(deps.Auth.AgentOrUser, deps.RateLimit.Limit).
			Get("/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))

		// User routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.User)
			r.Use(deps.RateLimit.Limit)

			r.Post("/jobs", orNotImplemented(deps.SubmitJobHandler))
			r.Post("/compare/run", orNotImplemented(deps.CompareRunHandler))
			r.Post("/connections/test", orNotImplemented(deps.ConnectionTestHandler))
			r.Get("/agents", orNotImplemented(deps.ListAgentsHandler))
			r.Get("/reports", orNotImplemented(deps.ListReportsHandler))
			r.Get("/reports/{compareID}", orNotImplemented(deps.GetReportHandler))
			r.Delete("/reports/{compareID}", orNotImplemented(deps.DeleteReportHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/docbatch/internal/api/middleware"
	"github.com/kiranshivaraju/docbatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler      http.HandlerFunc
	BatchHealthHandler http.HandlerFunc
	MetricsHandler     http.Handler

	CreateJobHandler http.HandlerFunc
	ListJobsHandler  http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	AddItemsHandler  http.HandlerFunc
	ListItemsHandler http.HandlerFunc
	StartJobHandler  http.HandlerFunc
	PauseJobHandler  http.HandlerFunc
	CancelJobHandler http.HandlerFunc
	ExportHandler    http.HandlerFunc
	EventsHandler    http.HandlerFunc
	FailuresHandler  http.HandlerFunc
	DownloadHandler  http.HandlerFunc

	StaleClaimsHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Unthrottled probes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.ClientIdentity)
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Get("/api/v1/batch/health", orNotImplemented(deps.BatchHealthHandler))

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.CreateJobHandler))
			r.Get("/", orNotImplemented(deps.ListJobsHandler))

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", orNotImplemented(deps.GetJobHandler))
				r.Post("/items", orNotImplemented(deps.AddItemsHandler))
				r.Get("/items", orNotImplemented(deps.ListItemsHandler))
				r.Post("/start", orNotImplemented(deps.StartJobHandler))
				r.Post("/pause", orNotImplemented(deps.PauseJobHandler))
				r.Post("/cancel", orNotImplemented(deps.CancelJobHandler))
				r.Post("/export", orNotImplemented(deps.ExportHandler))
				r.Get("/events", orNotImplemented(deps.EventsHandler))
				r.Get("/failures", orNotImplemented(deps.FailuresHandler))
			})
		})

		r.Get("/api/v1/downloads/{filename}", orNotImplemented(deps.DownloadHandler))

		// Admin routes
		r.Get("/api/v1/admin/stale-claims", orNotImplemented(deps.StaleClaimsHandler))
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

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/hdriflow/internal/api/handler"
	mw "github.com/kiranshivaraju/hdriflow/internal/api/middleware"
	"github.com/kiranshivaraju/hdriflow/internal/api/response"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	// MetricsHandler defaults to promhttp.Handler().
	MetricsHandler http.Handler

	StateHandler       http.HandlerFunc
	DashboardHandler   http.HandlerFunc
	StartUploadHandler http.HandlerFunc
	UploadHandler      http.HandlerFunc
	ConfigureHandler   http.HandlerFunc
	SubmitHandler      http.HandlerFunc
	CancelHandler      http.HandlerFunc
	BackHandler        http.HandlerFunc
	HistoryHandler     http.HandlerFunc
	SubmissionHandler  http.HandlerFunc
}

// WithConsole fills the console routes from h.
func (d Dependencies) WithConsole(h *handler.ConsoleHandler) Dependencies {
	d.StateHandler = h.State
	d.DashboardHandler = h.Dashboard
	d.StartUploadHandler = h.StartUpload
	d.UploadHandler = h.Upload
	d.ConfigureHandler = h.Configure
	d.SubmitHandler = h.Submit
	d.CancelHandler = h.Cancel
	d.BackHandler = h.Back
	d.HistoryHandler = h.History
	d.SubmissionHandler = h.Submission
	return d
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.AssignRequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	metrics := deps.MetricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	// Console routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/state", orNotImplemented(deps.StateHandler))
		r.Post("/api/v1/dashboard", orNotImplemented(deps.DashboardHandler))

		r.Post("/api/v1/upload/start", orNotImplemented(deps.StartUploadHandler))
		r.Post("/api/v1/upload", orNotImplemented(deps.UploadHandler))
		r.Put("/api/v1/configuration", orNotImplemented(deps.ConfigureHandler))

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitHandler))
		r.Post("/api/v1/jobs/cancel", orNotImplemented(deps.CancelHandler))
		r.Post("/api/v1/back", orNotImplemented(deps.BackHandler))

		r.Get("/api/v1/history", orNotImplemented(deps.HistoryHandler))
		r.Get("/api/v1/history/{jobID}", orNotImplemented(deps.SubmissionHandler))
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

package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/mindscope/internal/api/middleware"
	"github.com/kiranshivaraju/mindscope/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	Logger    *slog.Logger
	Observer  mw.RequestObserver

	HealthHandler   http.HandlerFunc
	MetricsHandler  http.Handler
	SubmitHandler   http.HandlerFunc
	ListSubmissions http.HandlerFunc
	GetSubmission   http.HandlerFunc
	ResultHandler   http.HandlerFunc
	StatusHandler   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Logger(deps.Logger, deps.Observer))
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/assessments", orNotImplemented(deps.SubmitHandler))
		r.Get("/api/v1/submissions", orNotImplemented(deps.ListSubmissions))
		r.Get("/api/v1/submissions/{jobID}", orNotImplemented(deps.GetSubmission))
		r.Get("/api/v1/results/{resultID}", orNotImplemented(deps.ResultHandler))
		r.Get("/api/v1/status", orNotImplemented(deps.StatusHandler))
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

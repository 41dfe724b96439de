package app

import (
	"net/http"

	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/octup/accounting-service/internal/integration"
	"github.com/octup/accounting-service/internal/observability"
	"github.com/octup/accounting-service/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	IntegrationHandler *integration.Handler
	JobsHandler        *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1/oauth", func(r chi.Router) {
		params.IntegrationHandler.MountRoutes(r)
	})
	if params.JobsHandler != nil {
		r.Route("/api/v1/jobs", func(r chi.Router) {
			params.JobsHandler.MountRoutes(r)
		})
	}

	return r
}

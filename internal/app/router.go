package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/metrocal/metrocal/internal/observability"
	"github.com/metrocal/metrocal/internal/workorders"
	"github.com/metrocal/metrocal/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	WorkOrderHandler *workorders.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with the service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.WorkOrderHandler != nil {
		apiLimit := 0
		if params.Config != nil {
			apiLimit = params.Config.APIRateLimit
		}
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(APIRateLimit(apiLimit))
			r.Use(RequireActor)
			params.WorkOrderHandler.MountRoutes(r)
		})
		params.WorkOrderHandler.MountPublicRoutes(r)
	}

	return r
}

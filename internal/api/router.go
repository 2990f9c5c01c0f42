package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/relaize/internal/api/middleware"
	"github.com/kiranshivaraju/relaize/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	UploadHandler        http.HandlerFunc
	ListTasksHandler     http.HandlerFunc
	ClearTasksHandler    http.HandlerFunc
	GetTaskHandler       http.HandlerFunc
	UpdateTaskHandler    http.HandlerFunc
	SourceHandler        http.HandlerFunc
	PreviewHandler       http.HandlerFunc
	ProcessHandler       http.HandlerFunc
	AdjustHandler        http.HandlerFunc
	CancelHandler        http.HandlerFunc
	PreviewAdjustHandler http.HandlerFunc

	ReportHandler http.HandlerFunc

	CatalogHandler   http.HandlerFunc
	ModelsHandler    http.HandlerFunc
	PipelinesHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public probes
	r.Get("/api/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/uploads", orNotImplemented(deps.UploadHandler))

		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.ListTasksHandler))
			r.Delete("/", orNotImplemented(deps.ClearTasksHandler))

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", orNotImplemented(deps.GetTaskHandler))
				r.Patch("/", orNotImplemented(deps.UpdateTaskHandler))
				r.Get("/source", orNotImplemented(deps.SourceHandler))
				r.Get("/preview", orNotImplemented(deps.PreviewHandler))
				r.Post("/process", orNotImplemented(deps.ProcessHandler))
				r.Post("/adjust", orNotImplemented(deps.AdjustHandler))
				r.Post("/cancel", orNotImplemented(deps.CancelHandler))
				r.Post("/preview-adjust", orNotImplemented(deps.PreviewAdjustHandler))
			})
		})

		r.Get("/api/reports/{id}", orNotImplemented(deps.ReportHandler))

		r.Get("/api/catalog", orNotImplemented(deps.CatalogHandler))
		r.Get("/api/catalog/models", orNotImplemented(deps.ModelsHandler))
		r.Get("/api/catalog/pipelines", orNotImplemented(deps.PipelinesHandler))
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

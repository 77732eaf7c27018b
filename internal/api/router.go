package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/vidscan/internal/api/middleware"
	"github.com/kiranshivaraju/vidscan/internal/api/response"
	"github.com/kiranshivaraju/vidscan/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	UploadHandler        http.HandlerFunc
	StatusHandler        http.HandlerFunc
	ResultHandler        http.HandlerFunc
	DeleteHandler        http.HandlerFunc
	ListJobsHandler      http.HandlerFunc
	EventsHandler        http.HandlerFunc
	OutputHandler        http.HandlerFunc
	ProcessedFileHandler http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/video/status/{jobID}", orNotImplemented(deps.StatusHandler))
		r.Get("/api/video/result/{jobID}", orNotImplemented(deps.ResultHandler))
		r.Get("/api/video/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/video/events/{jobID}", orNotImplemented(deps.EventsHandler))
		r.Get("/api/video/output/{jobID}", orNotImplemented(deps.OutputHandler))
		r.Get("/uploads/processed/{file}", orNotImplemented(deps.ProcessedFileHandler))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeWrite))

			r.Post("/api/video/upload", orNotImplemented(deps.UploadHandler))
			r.Delete("/api/video/job/{jobID}", orNotImplemented(deps.DeleteHandler))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
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

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/siteforge/engine/internal/api/handlers"
	mw "github.com/siteforge/engine/internal/api/middleware"
)

type Dependencies struct {
	ProjectsHandler *handlers.ProjectsHandler
	StatusHandler   *handlers.StatusHandler
	HealthHandler   *handlers.HealthHandler
	// WebSocket upgrades /api/v1/ws. Optional.
	WebSocket   http.HandlerFunc
	RateLimiter *mw.RateLimiter
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	// Built-in middleware
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	if dep.RateLimiter != nil {
		r.Use(dep.RateLimiter.Middleware)
	}

	// Health endpoints
	hh := dep.HealthHandler
	if hh == nil {
		hh = handlers.NewHealthHandler()
	}
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)

	r.Route("/api/v1", func(api chi.Router) {
		if dep.WebSocket != nil {
			api.Get("/ws", dep.WebSocket)
		}

		api.Group(func(rest chi.Router) {
			rest.Use(chimid.Compress(5))

			rest.Route("/projects", func(pr chi.Router) {
				pr.Get("/", dep.ProjectsHandler.List)
				pr.Post("/", dep.ProjectsHandler.Create)
				pr.Route("/{id}", func(one chi.Router) {
					one.Get("/", dep.ProjectsHandler.Get)
					one.Delete("/", dep.ProjectsHandler.Delete)
					one.Post("/payment", dep.ProjectsHandler.ConfirmPayment)
					one.Post("/start", dep.ProjectsHandler.Start)
					one.Post("/cancel", dep.ProjectsHandler.Cancel)
					one.Get("/status", dep.StatusHandler.Status)
					one.Get("/artifact", dep.StatusHandler.Artifact)
				})
			})
		})
	})

	return r
}

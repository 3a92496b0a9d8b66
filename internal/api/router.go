package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/botfleet/botfleet/internal/api/handlers"
	"github.com/botfleet/botfleet/internal/api/middleware"
	"github.com/botfleet/botfleet/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.AccountExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Account-Id", "X-User-Id", "X-Actor-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Containers and their patterns
		r.Route("/containers", func(r chi.Router) {
			r.Get("/", h.ListContainers)
			r.Post("/", h.CreateContainer)
			r.Route("/{containerId}", func(r chi.Router) {
				r.Get("/", h.GetContainer)
				r.Put("/", h.UpdateContainer)
				r.Delete("/", h.DeleteContainer)
				r.Post("/select", h.SelectPattern)
				r.Get("/effective", h.EffectivePattern)

				r.Route("/patterns", func(r chi.Router) {
					r.Get("/", h.ListPatterns)
					r.Post("/", h.CreatePattern)
				})
			})
		})

		// Patterns addressed directly
		r.Route("/patterns/{patternId}", func(r chi.Router) {
			r.Get("/", h.GetPattern)
			r.Put("/", h.UpdatePattern)
			r.Delete("/", h.DeletePattern)
			r.Post("/test", h.TestPattern)
		})

		// Forced pattern assignments
		r.Route("/overrides", func(r chi.Router) {
			r.Get("/", h.ListOverrides)
			r.Post("/", h.CreateOverride)
			r.Route("/{overrideId}", func(r chi.Router) {
				r.Get("/", h.GetOverride)
				r.Put("/", h.UpdateOverride)
				r.Delete("/", h.DeleteOverride)
			})
		})

		// Pattern execution
		r.Post("/inject", h.Inject)

		// Blueprints and their instance fleets
		r.Route("/blueprints", func(r chi.Router) {
			r.Get("/", h.ListBlueprints)
			r.Post("/", h.CreateBlueprint)
			r.Route("/{blueprintId}", func(r chi.Router) {
				r.Get("/", h.GetBlueprint)
				r.Put("/", h.UpdateBlueprint)
				r.Delete("/", h.DeleteBlueprint)
				r.Post("/activate", h.ActivateBlueprint)
				r.Post("/deactivate", h.DeactivateBlueprint)
				r.Post("/spawn", h.SpawnInstances)
				r.Post("/terminate-all", h.TerminateAllInstances)
			})
		})

		// Instances
		r.Route("/instances", func(r chi.Router) {
			r.Get("/", h.ListInstances)
			r.Route("/{instanceId}", func(r chi.Router) {
				r.Get("/", h.GetInstance)
				r.Post("/terminate", h.TerminateInstance)
				r.Post("/heartbeat", h.InstanceHeartbeat)
				r.Post("/error", h.MarkInstanceError)
			})
		})

		// Audit trail
		r.Get("/audit", h.ListAuditEvents)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "botfleet-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "botfleet-control-plane",
		})
	}
}

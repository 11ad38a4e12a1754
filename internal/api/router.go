package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentloom/agentloom/control-plane/internal/api/handlers"
	"github.com/agentloom/agentloom/control-plane/internal/api/middleware"
	"github.com/agentloom/agentloom/control-plane/internal/config"
	"github.com/agentloom/agentloom/control-plane/pkg/contracts"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, chain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	requireAuth := cfg.Auth.APIKeys != "" || cfg.Auth.ServiceAccountSecret != ""
	authmw := middleware.NewAuthMiddleware(chain, requireAuth)

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.ScopeExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(authmw.Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Organization", "X-Environment", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Sync protocol
		r.Route("/sync", func(r chi.Router) {
			r.Post("/", h.SyncDevelopment)
			r.Post("/production", h.SyncProduction)
			r.Post("/plan", h.SyncPlan)
			r.Get("/state", h.SyncState)
		})

		// Agents
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Route("/{agentSlug}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Post("/promote", h.PromoteAgent)
			})
		})

		// Declared resource views
		r.Get("/roles", h.ListRoles)
		r.Get("/entity-types", h.ListEntityTypes)

		// Entity documents
		r.Route("/entities/{entityType}", func(r chi.Router) {
			r.Get("/", h.ListEntities)
			r.Post("/", h.CreateEntity)
			r.Route("/{entityId}", func(r chi.Router) {
				r.Get("/", h.GetEntity)
				r.Put("/", h.UpdateEntity)
				r.Delete("/", h.DeleteEntity)
			})
		})

		// Authorization and delegation checks
		r.Post("/authz/check", h.CheckAuthorization)
		r.Post("/delegation/check", h.CheckDelegation)

		// Organizations
		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", h.ListOrganizations)
			r.Post("/", h.CreateOrganization)
		})

		// Audit trail
		r.Get("/audit", h.ListAuditEvents)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "agentloom-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentloom-control-plane",
		})
	}
}

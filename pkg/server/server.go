// Package server provides the public entry point for initializing the
// AgentLoom control plane server.
//
// This package exists in pkg/ (not internal/) so deployments can import it
// and compose the full server with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/agentloom/agentloom/control-plane/internal/api"
	"github.com/agentloom/agentloom/control-plane/internal/api/handlers"
	"github.com/agentloom/agentloom/control-plane/internal/auth"
	"github.com/agentloom/agentloom/control-plane/internal/authz"
	"github.com/agentloom/agentloom/control-plane/internal/config"
	"github.com/agentloom/agentloom/control-plane/internal/delegation"
	"github.com/agentloom/agentloom/control-plane/internal/entities"
	"github.com/agentloom/agentloom/control-plane/internal/retention"
	"github.com/agentloom/agentloom/control-plane/internal/store"
	syncsvc "github.com/agentloom/agentloom/control-plane/internal/sync"
	"github.com/agentloom/agentloom/control-plane/internal/telemetry"
	"github.com/agentloom/agentloom/control-plane/internal/trigger"
	"github.com/agentloom/agentloom/control-plane/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized AgentLoom control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store. Exposed so external middleware can read it.
	Store store.Store

	// Config is the server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry
	// and close the store.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	seedDefaultOrganization(ctx, dataStore)

	engine := authz.NewEngine(dataStore)
	dispatcher := trigger.NewDispatcher(dataStore, trigger.NewRunner(dataStore))
	entityService := entities.NewService(dataStore, engine, dispatcher)
	syncService := syncsvc.NewService(dataStore)
	guard := delegation.NewGuard(dataStore)

	log.Info().Msg("✅ Policy engine initialized")
	log.Info().Msg("✅ Trigger dispatcher initialized")
	log.Info().Msg("✅ Sync service initialized")

	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewAPIKeyProvider(cfg.Auth.APIKeys, cfg.Auth.APIKeyRoles))
	chain.RegisterProvider(auth.NewServiceAccountProvider(cfg.Auth.ServiceAccountSecret))

	h := handlers.New(dataStore, syncService, engine, entityService, guard)
	router := api.NewRouter(cfg, h, chain)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	if cfg.Retention.Enabled {
		janitor := retention.NewJanitor(dataStore,
			time.Duration(cfg.Retention.IntervalMinutes)*time.Minute,
			time.Duration(cfg.Retention.AuditDays)*24*time.Hour)
		if cfg.Retention.ArchiveDir != "" {
			janitor.RegisterArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, true))
		}
		go janitor.Start(janitorCtx)
	}

	shutdown := func(ctx context.Context) error {
		stopJanitor()
		if err := dataStore.Close(); err != nil {
			log.Warn().Err(err).Msg("Store close failed")
		}
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	case "memory", "":
		s := store.NewMemoryStore(cfg.Store.DataDir)
		log.Info().Str("data_dir", cfg.Store.DataDir).Msg("✅ In-memory store initialized")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// seedDefaultOrganization creates the default organization and its system
// roles on first boot. System roles live outside the sync protocol: admin
// holds a wildcard allow, viewer a read-only allow.
func seedDefaultOrganization(ctx context.Context, s store.Store) {
	org, err := s.GetOrganizationBySlug(ctx, "default")
	if err != nil {
		org = &models.Organization{
			ID:        "default",
			Slug:      "default",
			Name:      "Default Organization",
			CreatedAt: time.Now().UTC(),
		}
		if err := s.CreateOrganization(ctx, org); err != nil {
			log.Warn().Err(err).Msg("Failed to seed default organization")
			return
		}
		log.Info().Msg("✅ Default organization seeded")
	}

	seedSystemRole(ctx, s, org.ID, "admin", "Full access to every resource", []models.Policy{
		{Resource: authz.Wildcard, Action: authz.Wildcard, Effect: models.EffectAllow, Priority: 10},
	})
	seedSystemRole(ctx, s, org.ID, "viewer", "Read-only access to every resource", []models.Policy{
		{Resource: authz.Wildcard, Action: "read", Effect: models.EffectAllow, Priority: 10},
	})
}

func seedSystemRole(ctx context.Context, s store.Store, organizationID, name, description string, policies []models.Policy) {
	if _, err := s.GetRoleByName(ctx, organizationID, name); err == nil {
		return
	}
	now := time.Now().UTC()
	role := &models.Role{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		Name:           name,
		Description:    description,
		System:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i := range policies {
		policies[i].ID = uuid.New().String()
		policies[i].RoleID = role.ID
	}
	role.Policies = policies
	if err := s.CreateRole(ctx, role); err != nil {
		log.Warn().Err(err).Str("role", name).Msg("Failed to seed system role")
		return
	}
	log.Info().Str("role", name).Msg("✅ System role seeded")
}

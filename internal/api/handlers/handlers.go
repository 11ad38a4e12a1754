// Package handlers implements the HTTP handlers for the AgentLoom control
// plane. All handlers go through the Store interface and the service layer;
// none touch persistence directly.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/agentloom/agentloom/control-plane/internal/authz"
	"github.com/agentloom/agentloom/control-plane/internal/delegation"
	"github.com/agentloom/agentloom/control-plane/internal/entities"
	"github.com/agentloom/agentloom/control-plane/internal/store"
	syncsvc "github.com/agentloom/agentloom/control-plane/internal/sync"
	pkgmw "github.com/agentloom/agentloom/control-plane/pkg/middleware"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Sync     *syncsvc.Service
	Engine   *authz.Engine
	Entities *entities.Service
	Guard    *delegation.Guard
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, sync *syncsvc.Service, engine *authz.Engine, ents *entities.Service, guard *delegation.Guard) *Handlers {
	return &Handlers{
		Store:    s,
		Sync:     sync,
		Engine:   engine,
		Entities: ents,
		Guard:    guard,
	}
}

// OrganizationAccessError reports a request whose organization scope does
// not match the organization its authenticated identity is bound to. Maps
// to HTTP 403.
type OrganizationAccessError struct {
	Requested string
	Allowed   string
}

func (e *OrganizationAccessError) Error() string {
	return fmt.Sprintf("identity is bound to organization %q, not %q", e.Allowed, e.Requested)
}

// resolveOrganization turns the request's organization scope (ID or slug)
// into a persisted organization. An identity bound to an organization may
// only act within it; identities without an organization scope (deployment
// API keys) act on any organization.
func (h *Handlers) resolveOrganization(ctx context.Context) (*models.Organization, error) {
	ref := pkgmw.GetOrganizationID(ctx)
	if ref == "" {
		return nil, &store.ErrNotFound{Entity: "organization", Key: "(missing X-Organization)"}
	}
	org, err := h.Store.GetOrganization(ctx, ref)
	if err != nil {
		org, err = h.Store.GetOrganizationBySlug(ctx, ref)
		if err != nil {
			return nil, err
		}
	}
	if id := pkgmw.GetIdentity(ctx); id != nil && id.OrganizationID != "" {
		// Token claims may carry the organization as either its ID or slug.
		if id.OrganizationID != org.ID && id.OrganizationID != org.Slug {
			return nil, &OrganizationAccessError{Requested: ref, Allowed: id.OrganizationID}
		}
	}
	return org, nil
}

// actor builds the policy-engine actor for the request.
func (h *Handlers) actor(ctx context.Context, organizationID string) authz.Actor {
	a := authz.Actor{
		OrganizationID: organizationID,
		Environment:    pkgmw.GetEnvironment(ctx),
	}
	if id := pkgmw.GetIdentity(ctx); id != nil {
		a.UserID = id.Subject
		a.Roles = id.Roles
	}
	return a
}

// ══════════════════════════════════════════════════════════════
// ── Sync Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// syncRequest is the body of POST /sync, /sync/production and /sync/plan.
type syncRequest struct {
	Bundle   models.SyncBundle   `json:"bundle"`
	Force    bool                `json:"force,omitempty"`
	Preserve map[string][]string `json:"preserve,omitempty"`
}

// SyncDevelopment applies a bundle to the development environment (fanning
// out to eval when the bundle carries eval content).
func (h *Handlers) SyncDevelopment(w http.ResponseWriter, r *http.Request) {
	h.handleSync(w, r, h.Sync.SyncDevelopment)
}

// SyncProduction applies a bundle to production. Only ever explicit.
func (h *Handlers) SyncProduction(w http.ResponseWriter, r *http.Request) {
	h.handleSync(w, r, h.Sync.SyncProduction)
}

func (h *Handlers) handleSync(w http.ResponseWriter, r *http.Request, apply func(context.Context, string, *models.SyncBundle, syncsvc.Options) (*models.SyncResult, error)) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	opts := syncsvc.Options{
		Force:    req.Force,
		Preserve: req.Preserve,
		ActorID:  h.actor(r.Context(), org.ID).UserID,
	}

	result, err := apply(r.Context(), org.ID, &req.Bundle, opts)
	if err != nil {
		var risks *syncsvc.ErrDeletionRisks
		var busy *syncsvc.ErrSyncBusy
		var invalid *models.ValidationError
		switch {
		case errors.As(err, &risks):
			respondJSON(w, http.StatusConflict, map[string]any{
				"error":          "deletion_risks",
				"message":        err.Error(),
				"deletion_risks": risks.Risks,
			})
		case errors.As(err, &busy):
			respondError(w, http.StatusServiceUnavailable, err.Error())
		case errors.As(err, &invalid):
			respondJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "invalid_bundle",
				"issues": invalid.Issues,
			})
		default:
			if result != nil {
				respondJSON(w, http.StatusInternalServerError, result)
				return
			}
			respondStoreError(w, err)
		}
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// SyncPlan reports what a sync would delete without applying anything.
func (h *Handlers) SyncPlan(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	env := pkgmw.GetEnvironment(r.Context())
	risks, err := h.Sync.Plan(r.Context(), org.ID, env, &req.Bundle, req.Preserve)
	if err != nil {
		var invalid *models.ValidationError
		if errors.As(err, &invalid) {
			respondJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "invalid_bundle",
				"issues": invalid.Issues,
			})
			return
		}
		respondStoreError(w, err)
		return
	}
	if risks == nil {
		risks = []models.DeletionRisk{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"environment":    env,
		"deletion_risks": risks,
	})
}

// SyncState summarizes the organization's persisted resources.
func (h *Handlers) SyncState(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	state, err := h.Sync.State(r.Context(), org.ID, pkgmw.GetEnvironment(r.Context()))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	agents, err := h.Store.ListAgents(r.Context(), org.ID, includeDeleted)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	slug := chi.URLParam(r, "agentSlug")
	agent, err := h.Store.GetAgentBySlug(r.Context(), org.ID, slug)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	response := map[string]any{"agent": agent}
	env := pkgmw.GetEnvironment(r.Context())
	if cfg, err := h.Store.GetAgentConfig(r.Context(), agent.ID, env); err == nil {
		response["config"] = cfg
	}
	respondJSON(w, http.StatusOK, response)
}

// PromoteAgent copies the agent's development config into production.
func (h *Handlers) PromoteAgent(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	slug := chi.URLParam(r, "agentSlug")
	cfg, err := h.Sync.PromoteAgent(r.Context(), org.ID, slug, h.actor(r.Context(), org.ID).UserID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("agent", slug).Int("version", cfg.Version).Msg("Agent promoted")
	respondJSON(w, http.StatusOK, cfg)
}

// ══════════════════════════════════════════════════════════════
// ── Role / Entity Type Handlers ──────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	roles, err := h.Store.ListRoles(r.Context(), org.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if roles == nil {
		roles = []models.Role{}
	}
	respondJSON(w, http.StatusOK, roles)
}

func (h *Handlers) ListEntityTypes(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	types, err := h.Store.ListEntityTypes(r.Context(), org.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if types == nil {
		types = []models.EntityType{}
	}
	respondJSON(w, http.StatusOK, types)
}

// ══════════════════════════════════════════════════════════════
// ── Entity Handlers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListEntities(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	typeSlug := chi.URLParam(r, "entityType")
	out, err := h.Entities.List(r.Context(), h.actor(r.Context(), org.ID), typeSlug)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	if out == nil {
		out = []models.Entity{}
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	typeSlug := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "entityId")
	entity, err := h.Entities.Get(r.Context(), h.actor(r.Context(), org.ID), typeSlug, id)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

func (h *Handlers) CreateEntity(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	typeSlug := chi.URLParam(r, "entityType")

	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	entity, err := h.Entities.Create(r.Context(), h.actor(r.Context(), org.ID), typeSlug, doc)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, entity)
}

func (h *Handlers) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	typeSlug := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "entityId")

	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	entity, err := h.Entities.Update(r.Context(), h.actor(r.Context(), org.ID), typeSlug, id, doc)
	if err != nil {
		respondAuthzError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

func (h *Handlers) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	typeSlug := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "entityId")

	if err := h.Entities.Delete(r.Context(), h.actor(r.Context(), org.ID), typeSlug, id); err != nil {
		respondAuthzError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Authorization / Delegation Handlers ──────────────────────
// ══════════════════════════════════════════════════════════════

// authzCheckRequest asks whether the current actor may perform action on
// resource.
type authzCheckRequest struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

func (h *Handlers) CheckAuthorization(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req authzCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Resource == "" || req.Action == "" {
		respondError(w, http.StatusBadRequest, "resource and action are required")
		return
	}

	decision, err := h.Engine.Authorize(r.Context(), h.actor(r.Context(), org.ID), req.Resource, req.Action)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

// delegationCheckRequest asks whether the chain's last agent may delegate
// to target.
type delegationCheckRequest struct {
	Chain  []string `json:"chain"`
	Target string   `json:"target"`
}

func (h *Handlers) CheckDelegation(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req delegationCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		respondError(w, http.StatusBadRequest, "target is required")
		return
	}

	if err := h.Guard.Check(r.Context(), org.ID, req.Chain, req.Target); err != nil {
		var denied *delegation.Error
		if errors.As(err, &denied) {
			respondJSON(w, http.StatusOK, map[string]any{
				"allowed": false,
				"reason":  denied.Reason,
			})
			return
		}
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"allowed": true})
}

// ══════════════════════════════════════════════════════════════
// ── Organization / Audit Handlers ────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Store.ListOrganizations(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if orgs == nil {
		orgs = []models.Organization{}
	}
	respondJSON(w, http.StatusOK, orgs)
}

func (h *Handlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req models.Organization
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Slug == "" {
		respondError(w, http.StatusBadRequest, "slug is required")
		return
	}
	req.ID = uuid.New().String()
	req.CreatedAt = time.Now().UTC()
	if err := h.Store.CreateOrganization(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("organization", req.Slug).Msg("Organization created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	org, err := h.resolveOrganization(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := h.Store.ListAuditEvents(r.Context(), org.ID, limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// ══════════════════════════════════════════════════════════════
// ── Response Helpers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps store errors onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	var conflict *store.ErrConflict
	var orgAccess *OrganizationAccessError
	switch {
	case errors.As(err, &orgAccess):
		respondJSON(w, http.StatusForbidden, map[string]string{
			"error":   "organization_access_denied",
			"message": err.Error(),
		})
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondAuthzError maps entity-service errors: denials are 403, schema
// violations 400, everything else falls through to the store mapping.
func respondAuthzError(w http.ResponseWriter, err error) {
	var denied *authz.DeniedError
	var docErr *entities.DocumentError
	switch {
	case errors.As(err, &denied):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &docErr):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondStoreError(w, err)
	}
}

// Package store provides the storage interface and implementations for the
// AgentLoom control plane. The in-memory store backs local development and
// tests; the PostgreSQL store backs production deployments.
package store

import (
	"context"
	"time"

	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

// Store is the primary storage interface for the control plane. All
// reconciler, authorization, and handler code depends on this interface so
// the memory and PostgreSQL implementations stay interchangeable.
type Store interface {
	OrganizationStore
	AgentStore
	EntityTypeStore
	RoleStore
	TriggerStore
	EvalSuiteStore
	EntityStore
	RelationStore
	AuditStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// SyncLocker is implemented by stores that can serialize reconciliation
// across processes (the PostgreSQL store uses advisory locks). The sync
// service always holds its own in-process lock; this is the cross-process
// layer on top.
type SyncLocker interface {
	WithSyncLock(ctx context.Context, organizationID string, env models.Environment, kind string, fn func(context.Context) error) error
}

// ── Organization Store ──────────────────────────────────────

type OrganizationStore interface {
	ListOrganizations(ctx context.Context) ([]models.Organization, error)
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	// ListAgents returns an organization's agents. Soft-deleted agents are
	// included only when includeDeleted is set — reconciliation needs them
	// to reactivate a re-synced slug.
	ListAgents(ctx context.Context, organizationID string, includeDeleted bool) ([]models.Agent, error)
	GetAgentBySlug(ctx context.Context, organizationID, slug string) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error

	// GetAgentConfig returns the single live config row for (agent, env).
	GetAgentConfig(ctx context.Context, agentID string, env models.Environment) (*models.AgentConfig, error)
	// PutAgentConfig replaces the live config row for (agent, env) wholesale.
	PutAgentConfig(ctx context.Context, cfg *models.AgentConfig) error
}

// ── Entity Type Store ───────────────────────────────────────

type EntityTypeStore interface {
	ListEntityTypes(ctx context.Context, organizationID string) ([]models.EntityType, error)
	GetEntityTypeBySlug(ctx context.Context, organizationID, slug string) (*models.EntityType, error)
	CreateEntityType(ctx context.Context, et *models.EntityType) error
	UpdateEntityType(ctx context.Context, et *models.EntityType) error
	DeleteEntityType(ctx context.Context, organizationID, slug string) error
}

// ── Role Store ──────────────────────────────────────────────

type RoleStore interface {
	// ListRoles returns roles with their full policy sets (scope rules and
	// field masks populated). System roles are included; callers that diff
	// must exclude them.
	ListRoles(ctx context.Context, organizationID string) ([]models.Role, error)
	GetRoleByName(ctx context.Context, organizationID, name string) (*models.Role, error)
	CreateRole(ctx context.Context, role *models.Role) error
	UpdateRole(ctx context.Context, role *models.Role) error

	// ReplacePolicies swaps a role's entire policy set in one step. Readers
	// must never observe the role with zero policies during the swap.
	ReplacePolicies(ctx context.Context, roleID string, policies []models.Policy) error

	// DeleteRole removes the role and cascades to its policies, scope rules,
	// and field masks.
	DeleteRole(ctx context.Context, organizationID, name string) error
}

// ── Trigger Store ───────────────────────────────────────────

type TriggerStore interface {
	ListTriggers(ctx context.Context, organizationID string, env models.Environment) ([]models.Trigger, error)
	GetTriggerBySlug(ctx context.Context, organizationID string, env models.Environment, slug string) (*models.Trigger, error)
	CreateTrigger(ctx context.Context, t *models.Trigger) error
	UpdateTrigger(ctx context.Context, t *models.Trigger) error
	DeleteTrigger(ctx context.Context, organizationID string, env models.Environment, slug string) error
}

// ── Eval Suite Store ────────────────────────────────────────

type EvalSuiteStore interface {
	// ListEvalSuites returns suites with cases populated. Archived suites are
	// included only when includeArchived is set.
	ListEvalSuites(ctx context.Context, organizationID string, env models.Environment, includeArchived bool) ([]models.EvalSuite, error)
	GetEvalSuiteBySlug(ctx context.Context, organizationID string, env models.Environment, slug string) (*models.EvalSuite, error)
	CreateEvalSuite(ctx context.Context, suite *models.EvalSuite) error
	UpdateEvalSuite(ctx context.Context, suite *models.EvalSuite) error

	// ReplaceEvalCases swaps a suite's entire case list in one step.
	ReplaceEvalCases(ctx context.Context, suiteID string, cases []models.EvalCase) error

	// ArchiveEvalSuite flags the suite archived. Suites are never deleted.
	ArchiveEvalSuite(ctx context.Context, organizationID string, env models.Environment, slug string) error
}

// ── Entity Store ────────────────────────────────────────────

type EntityStore interface {
	ListEntities(ctx context.Context, organizationID string, env models.Environment, typeSlug string) ([]models.Entity, error)
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	CreateEntity(ctx context.Context, e *models.Entity) error
	UpdateEntity(ctx context.Context, e *models.Entity) error
	DeleteEntity(ctx context.Context, id string) error

	// FindEntityByField returns the first entity of the type whose document
	// field (dot path) equals the given value. Used to resolve an actor's
	// bound entity via the type's userIdField.
	FindEntityByField(ctx context.Context, organizationID string, env models.Environment, typeSlug, field, value string) (*models.Entity, error)
}

// ── Relation Store ──────────────────────────────────────────

type RelationStore interface {
	CreateRelation(ctx context.Context, rel *models.Relation) error
	// ListRelatedIDs returns IDs of entities related to fromEntityID under
	// the named relation type.
	ListRelatedIDs(ctx context.Context, organizationID string, env models.Environment, relationType, fromEntityID string) ([]string, error)
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, organizationID string, limit int) ([]models.AuditEvent, error)
	// ListAuditEventsBefore returns events older than cutoff, oldest first,
	// up to limit. The retention janitor archives these before deleting.
	ListAuditEventsBefore(ctx context.Context, organizationID string, cutoff time.Time, limit int) ([]models.AuditEvent, error)
	// DeleteAuditEvents removes the events with the given IDs and returns
	// how many were actually deleted.
	DeleteAuditEvents(ctx context.Context, ids []string) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested record does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when a create collides with an existing natural
// key. Reconciliation treats this as "row appeared concurrently" and retries
// the item as an update instead of inserting a duplicate.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}

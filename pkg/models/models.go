// Package models defines the declarative resource model for the AgentLoom
// control plane: agents, entity types, RBAC roles, triggers, and eval suites,
// plus the sync bundle/result shapes that carry them between client and server.
//
// Every resource is scoped by (organization, environment). Development and
// eval share declared resources; production is an independently materialized
// copy created only by explicit promotion.
package models

import (
	"time"
)

// ── Environment ──────────────────────────────────────────────

// Environment is the isolation axis for all resources within an organization.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvEval        Environment = "eval"
)

// Valid reports whether e is one of the three known environments.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvProduction, EnvEval:
		return true
	}
	return false
}

// ── Organization ─────────────────────────────────────────────

type Organization struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── Agent ────────────────────────────────────────────────────

type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusDeleted AgentStatus = "deleted"
)

// Agent is a named conversational worker. Agents are never hard-deleted:
// absence from a sync bundle flips Status to deleted, and re-syncing the same
// slug reactivates the existing record so execution history stays attached.
type Agent struct {
	ID             string      `json:"id" db:"id"`
	OrganizationID string      `json:"organization_id" db:"organization_id"`
	Slug           string      `json:"slug" db:"slug"`
	Name           string      `json:"name" db:"name"`
	Description    string      `json:"description,omitempty" db:"description"`
	Status         AgentStatus `json:"status" db:"status"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// AgentConfig is the versioned deployable snapshot of an agent's behavior.
// Exactly one live row exists per (AgentID, Environment); each sync replaces
// it wholesale and bumps Version. The production row is written only by an
// explicit promotion, which copies the development row's fields.
type AgentConfig struct {
	ID           string      `json:"id" db:"id"`
	AgentID      string      `json:"agent_id" db:"agent_id"`
	Environment  Environment `json:"environment" db:"environment"`
	Version      int         `json:"version" db:"version"`
	SystemPrompt string      `json:"system_prompt" db:"system_prompt"`
	Model        string      `json:"model" db:"model"`
	Temperature  *float64    `json:"temperature,omitempty" db:"temperature"`
	MaxTokens    int         `json:"max_tokens,omitempty" db:"max_tokens"`
	Tools        []string    `json:"tools,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// ── Entity Type ──────────────────────────────────────────────

// FieldSchema is a JSON-Schema-like shape for one field of an entity type.
// Every "object"-typed field must declare Properties; the bundle validator
// rejects schemas that don't.
type FieldSchema struct {
	Type        string                  `json:"type"`
	Description string                  `json:"description,omitempty"`
	Properties  map[string]*FieldSchema `json:"properties,omitempty"`
	Items       *FieldSchema            `json:"items,omitempty"`
	Required    []string                `json:"required,omitempty"`
	Enum        []string                `json:"enum,omitempty"`
}

// EntityType is a declared data shape ("table definition") whose instances
// are schema-validated JSON documents.
type EntityType struct {
	ID             string                  `json:"id" db:"id"`
	OrganizationID string                  `json:"organization_id" db:"organization_id"`
	Slug           string                  `json:"slug" db:"slug"`
	Name           string                  `json:"name" db:"name"`
	Schema         map[string]*FieldSchema `json:"schema"`
	SearchFields   []string                `json:"search_fields,omitempty"`
	DisplayConfig  map[string]any          `json:"display_config,omitempty"`

	// BoundToRole + UserIDField bind entities of this type to actors holding
	// the named role: an actor's bound entity is the row whose UserIDField
	// equals the actor's user ID. Scope rules referencing actor.entityId
	// resolve through this binding.
	BoundToRole string `json:"bound_to_role,omitempty" db:"bound_to_role"`
	UserIDField string `json:"user_id_field,omitempty" db:"user_id_field"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ── Role / Policy / Scope Rule / Field Mask ──────────────────

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Role is an RBAC role: a name plus an ordered policy list. System roles
// (admin, viewer) are seeded per organization, immutable, and excluded from
// sync diffing.
type Role struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	Name           string    `json:"name" db:"name"`
	Description    string    `json:"description,omitempty" db:"description"`
	System         bool      `json:"system" db:"system"`
	Policies       []Policy  `json:"policies,omitempty"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Policy is one resource+action+effect rule under a role. A declared policy
// with N actions materializes as N rows, one per action. The wildcard "*"
// matches any resource or action.
type Policy struct {
	ID       string `json:"id" db:"id"`
	RoleID   string `json:"role_id" db:"role_id"`
	Resource string `json:"resource" db:"resource"`
	Action   string `json:"action" db:"action"`
	Effect   Effect `json:"effect" db:"effect"`
	Priority int    `json:"priority" db:"priority"`

	ScopeRules []ScopeRule `json:"scope_rules,omitempty"`
	FieldMasks []FieldMask `json:"field_masks,omitempty"`
}

// DefaultPriority returns the priority assigned to the policy declared at
// the given index when no explicit priority is set: (index + 1) * 10.
func DefaultPriority(index int) int {
	return (index + 1) * 10
}

type ScopeOperator string

const (
	OpEq       ScopeOperator = "eq"
	OpNe       ScopeOperator = "ne"
	OpIn       ScopeOperator = "in"
	OpContains ScopeOperator = "contains"
)

// ScopeRule is a row-level filter attached to a policy. Value is either a
// literal ("literal:VALUE") or an actor reference (actor.userId,
// actor.organizationId, actor.entityId, actor.relatedIds:TYPE).
type ScopeRule struct {
	ID         string        `json:"id" db:"id"`
	PolicyID   string        `json:"policy_id" db:"policy_id"`
	EntityType string        `json:"entity_type" db:"entity_type"`
	Field      string        `json:"field" db:"field"` // dot path into the document
	Operator   ScopeOperator `json:"operator" db:"operator"`
	Value      string        `json:"value" db:"value"`
}

type MaskType string

const (
	MaskHide   MaskType = "hide"
	MaskRedact MaskType = "redact"
)

// FieldMask is a column-level redaction attached to a policy. "hide" removes
// the field from the payload entirely; "redact" replaces its value with the
// placeholder from MaskConfig (default "[REDACTED]").
type FieldMask struct {
	ID         string            `json:"id" db:"id"`
	PolicyID   string            `json:"policy_id" db:"policy_id"`
	EntityType string            `json:"entity_type" db:"entity_type"`
	FieldPath  string            `json:"field_path" db:"field_path"`
	MaskType   MaskType          `json:"mask_type" db:"mask_type"`
	MaskConfig map[string]string `json:"mask_config,omitempty"`
}

// ── Trigger ──────────────────────────────────────────────────

// EntityEvent is an entity lifecycle event a trigger can bind to.
type EntityEvent string

const (
	EventCreated EntityEvent = "created"
	EventUpdated EntityEvent = "updated"
	EventDeleted EntityEvent = "deleted"
)

// TriggerActionVerbs is the closed set of verbs a trigger pipeline step may
// use. The verb implementations live behind the trigger.ActionRunner
// interface — from the core's perspective they are opaque tool invocations
// subject to the same RBAC gate.
var TriggerActionVerbs = map[string]bool{
	"create_entity": true,
	"update_entity": true,
	"delete_entity": true,
	"invoke_agent":  true,
	"notify":        true,
	"webhook":       true,
}

// TriggerAction is one step of a trigger's ordered action pipeline.
type TriggerAction struct {
	Verb   string         `json:"verb"`
	Params map[string]any `json:"params,omitempty"`
}

// RetryPolicy bounds retries of a failed pipeline step.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff,omitempty"` // initial backoff, Go duration string
}

// Trigger is an automation rule bound to entity lifecycle events.
type Trigger struct {
	ID             string      `json:"id" db:"id"`
	OrganizationID string      `json:"organization_id" db:"organization_id"`
	Environment    Environment `json:"environment" db:"environment"`
	Slug           string      `json:"slug" db:"slug"`
	EntityType     string      `json:"entity_type" db:"entity_type"`
	Event          EntityEvent `json:"event" db:"event"`

	// Condition is a dot-path → expected-value equality map over the entity
	// document. All pairs must match for the trigger to fire.
	Condition map[string]any `json:"condition,omitempty"`

	// When is an optional expression (expr-lang) evaluated against the
	// document for conditions equality can't express. Empty means no gate.
	When string `json:"when,omitempty" db:"when"`

	Actions  []TriggerAction `json:"actions"`
	Schedule string          `json:"schedule,omitempty" db:"schedule"`
	Retry    *RetryPolicy    `json:"retry,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ── Eval Suite ───────────────────────────────────────────────

// EvalTurn is one conversational turn of an eval case.
type EvalTurn struct {
	Role    string `json:"role"` // "user" or "agent"
	Content string `json:"content"`
}

// EvalAssertion checks a property of the agent's response.
type EvalAssertion struct {
	Kind     string `json:"kind"` // "contains", "not_contains", "judge"
	Value    string `json:"value,omitempty"`
	Criteria string `json:"criteria,omitempty"` // for kind=judge
}

// EvalCase is a single test of conversational behavior. Cases are fully
// replaced whenever their suite is synced.
type EvalCase struct {
	ID         string          `json:"id" db:"id"`
	SuiteID    string          `json:"suite_id" db:"suite_id"`
	Name       string          `json:"name" db:"name"`
	Position   int             `json:"position" db:"position"`
	Turns      []EvalTurn      `json:"turns"`
	Assertions []EvalAssertion `json:"assertions"`
}

// EvalSuite is a test suite of conversational assertions bound to one agent
// by slug. Suites absent from a sync are archived, never deleted.
type EvalSuite struct {
	ID             string      `json:"id" db:"id"`
	OrganizationID string      `json:"organization_id" db:"organization_id"`
	Environment    Environment `json:"environment" db:"environment"`
	Slug           string      `json:"slug" db:"slug"`
	Name           string      `json:"name" db:"name"`
	AgentSlug      string      `json:"agent_slug" db:"agent_slug"`
	JudgeModel     string      `json:"judge_model,omitempty" db:"judge_model"`
	JudgePrompt    string      `json:"judge_prompt,omitempty" db:"judge_prompt"`
	Archived       bool        `json:"archived" db:"archived"`
	Cases          []EvalCase  `json:"cases,omitempty"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// ── Entity (schema-validated document) ───────────────────────

// Entity is one JSON document instance of an entity type.
type Entity struct {
	ID             string         `json:"id" db:"id"`
	OrganizationID string         `json:"organization_id" db:"organization_id"`
	Environment    Environment    `json:"environment" db:"environment"`
	EntityType     string         `json:"entity_type" db:"entity_type"` // type slug
	Document       map[string]any `json:"document"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// Relation links two entities under a named relation type. Scope rules use
// actor.relatedIds:TYPE to resolve the set of entities related to the
// actor's bound entity.
type Relation struct {
	ID             string      `json:"id" db:"id"`
	OrganizationID string      `json:"organization_id" db:"organization_id"`
	Environment    Environment `json:"environment" db:"environment"`
	RelationType   string      `json:"relation_type" db:"relation_type"`
	FromEntityID   string      `json:"from_entity_id" db:"from_entity_id"`
	ToEntityID     string      `json:"to_entity_id" db:"to_entity_id"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditEvent records an auditable control-plane action: a sync, a promotion,
// or a denied authorization decision.
type AuditEvent struct {
	ID             string         `json:"id" db:"id"`
	OrganizationID string         `json:"organization_id" db:"organization_id"`
	Environment    Environment    `json:"environment,omitempty" db:"environment"`
	UserID         string         `json:"user_id" db:"user_id"`
	Action         string         `json:"action" db:"action"` // "sync", "promote", "authz.denied", ...
	Resource       string         `json:"resource,omitempty" db:"resource"`
	Details        map[string]any `json:"details,omitempty"`
	Timestamp      time.Time      `json:"timestamp" db:"timestamp"`
}

// ── Sync Bundle (declared resources, client → server) ────────

// Resource kind labels, used in risk reports and per-kind lock keys.
const (
	KindAgents      = "agents"
	KindEntityTypes = "entity_types"
	KindRoles       = "roles"
	KindTriggers    = "triggers"
	KindEvalSuites  = "eval_suites"
)

// SyncBundle is the declarative resource set a client submits. Any subset of
// the fields may be present; absent kinds are not reconciled.
type SyncBundle struct {
	Agents      []AgentSpec      `json:"agents,omitempty" validate:"dive"`
	EntityTypes []EntityTypeSpec `json:"entity_types,omitempty" validate:"dive"`
	Roles       []RoleSpec       `json:"roles,omitempty" validate:"dive"`
	Triggers    []TriggerSpec    `json:"triggers,omitempty" validate:"dive"`
	EvalSuites  []EvalSuiteSpec  `json:"eval_suites,omitempty" validate:"dive"`
	Fixtures    []FixtureSpec    `json:"fixtures,omitempty" validate:"dive"`
}

// HasEvalContent reports whether the bundle carries anything that targets the
// eval environment (eval suites or fixtures).
func (b *SyncBundle) HasEvalContent() bool {
	return len(b.EvalSuites) > 0 || len(b.Fixtures) > 0
}

type AgentSpec struct {
	Slug        string          `json:"slug" validate:"required,slug"`
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description,omitempty"`
	Config      AgentConfigSpec `json:"config"`
}

type AgentConfigSpec struct {
	SystemPrompt string   `json:"system_prompt"`
	Model        string   `json:"model" validate:"required"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

type EntityTypeSpec struct {
	Slug          string                  `json:"slug" validate:"required,slug"`
	Name          string                  `json:"name" validate:"required"`
	Schema        map[string]*FieldSchema `json:"schema" validate:"required"`
	SearchFields  []string                `json:"search_fields,omitempty"`
	DisplayConfig map[string]any          `json:"display_config,omitempty"`
	BoundToRole   string                  `json:"bound_to_role,omitempty"`
	UserIDField   string                  `json:"user_id_field,omitempty"`
}

type RoleSpec struct {
	Name        string       `json:"name" validate:"required"`
	Description string       `json:"description,omitempty"`
	Policies    []PolicySpec `json:"policies" validate:"required,min=1,dive"`
}

// PolicySpec is the declared form of a policy: one spec with N actions
// materializes as N persisted Policy rows.
type PolicySpec struct {
	Resource string   `json:"resource" validate:"required"`
	Actions  []string `json:"actions" validate:"required,min=1"`
	Effect   Effect   `json:"effect" validate:"required,oneof=allow deny"`
	// Priority nil takes the declaration-order default; a pointer keeps an
	// explicit 0 distinguishable from "not set".
	Priority   *int            `json:"priority,omitempty"`
	ScopeRules []ScopeRuleSpec `json:"scope_rules,omitempty" validate:"dive"`
	FieldMasks []FieldMaskSpec `json:"field_masks,omitempty" validate:"dive"`
}

type ScopeRuleSpec struct {
	EntityType string        `json:"entity_type" validate:"required"`
	Field      string        `json:"field" validate:"required"`
	Operator   ScopeOperator `json:"operator" validate:"required,oneof=eq ne in contains"`
	Value      string        `json:"value" validate:"required"`
}

type FieldMaskSpec struct {
	EntityType string            `json:"entity_type" validate:"required"`
	FieldPath  string            `json:"field_path" validate:"required"`
	MaskType   MaskType          `json:"mask_type" validate:"required,oneof=hide redact"`
	MaskConfig map[string]string `json:"mask_config,omitempty"`
}

type TriggerSpec struct {
	Slug       string          `json:"slug" validate:"required,slug"`
	EntityType string          `json:"entity_type" validate:"required"`
	Event      EntityEvent     `json:"event" validate:"required,oneof=created updated deleted"`
	Condition  map[string]any  `json:"condition,omitempty"`
	When       string          `json:"when,omitempty"`
	Actions    []TriggerAction `json:"actions" validate:"required,min=1"`
	Schedule   string          `json:"schedule,omitempty"`
	Retry      *RetryPolicy    `json:"retry,omitempty"`
}

type EvalSuiteSpec struct {
	Slug        string         `json:"slug" validate:"required,slug"`
	Name        string         `json:"name" validate:"required"`
	AgentSlug   string         `json:"agent_slug" validate:"required"`
	JudgeModel  string         `json:"judge_model,omitempty"`
	JudgePrompt string         `json:"judge_prompt,omitempty"`
	Cases       []EvalCaseSpec `json:"cases,omitempty" validate:"dive"`
}

type EvalCaseSpec struct {
	Name       string          `json:"name" validate:"required"`
	Turns      []EvalTurn      `json:"turns" validate:"required,min=1"`
	Assertions []EvalAssertion `json:"assertions,omitempty"`
}

// FixtureSpec seeds entity documents into the eval environment.
type FixtureSpec struct {
	EntityType string           `json:"entity_type" validate:"required"`
	Documents  []map[string]any `json:"documents" validate:"required,min=1"`
}

// ── Sync Result (server → client) ────────────────────────────

// SkippedItem records a per-item soft failure (unresolved reference).
type SkippedItem struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// KindResult is the reconciliation outcome for one resource kind. All lists
// carry natural keys, never internal IDs.
type KindResult struct {
	Created   []string      `json:"created"`
	Updated   []string      `json:"updated"`
	Deleted   []string      `json:"deleted"`
	Preserved []string      `json:"preserved,omitempty"`
	Skipped   []SkippedItem `json:"skipped,omitempty"`
}

// SyncResult aggregates per-kind results for one environment's sync.
type SyncResult struct {
	Success     bool        `json:"success"`
	Environment Environment `json:"environment"`
	EntityTypes KindResult  `json:"entity_types"`
	Roles       KindResult  `json:"roles"`
	Agents      KindResult  `json:"agents"`
	Triggers    KindResult  `json:"triggers"`
	EvalSuites  KindResult  `json:"eval_suites"`
	Fixtures    KindResult  `json:"fixtures,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// ── Sync State (pull summary) ────────────────────────────────

// ResourceSummary is one row of the pull-state response.
type ResourceSummary struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	HasConfig bool   `json:"has_config,omitempty"` // agents: live config exists
}

// SyncState is the per-kind summary of an organization's persisted resources,
// consumed by the deletion-risk detector and status displays.
type SyncState struct {
	Environment Environment       `json:"environment"`
	Agents      []ResourceSummary `json:"agents"`
	EntityTypes []ResourceSummary `json:"entity_types"`
	Roles       []ResourceSummary `json:"roles"`
	Triggers    []ResourceSummary `json:"triggers"`
	EvalSuites  []ResourceSummary `json:"eval_suites"`
}

// DeletionRisk reports resources of one kind that a non-forced sync would
// delete. Advisory only — it gates an interactive confirmation client-side.
type DeletionRisk struct {
	ResourceKind string   `json:"resource_kind"`
	RemoteCount  int      `json:"remote_count"`
	LocalCount   int      `json:"local_count"`
	DeletedNames []string `json:"deleted_names"`
}

// Package sync implements the server-side reconciliation engine: per-kind
// diff algorithms that converge persisted organization state to a declared
// resource bundle, the deletion-risk detector that previews destructive
// syncs, and the sync service that orchestrates the whole protocol.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Reconciler diffs incoming declarative resource sets against persisted
// state by natural key, producing created/updated/deleted/preserved sets and
// cascading to dependent child records. Matching is always key-based: a
// renamed slug is a delete plus a create, never an in-place rename.
type Reconciler struct {
	store store.Store
}

// NewReconciler creates a reconciler backed by the given store.
func NewReconciler(s store.Store) *Reconciler {
	return &Reconciler{store: s}
}

func newKindResult() models.KindResult {
	return models.KindResult{
		Created: []string{},
		Updated: []string{},
		Deleted: []string{},
	}
}

func isConflict(err error) bool {
	var c *store.ErrConflict
	return errors.As(err, &c)
}

// ── Entity Types ────────────────────────────────────────────

// ReconcileEntityTypes converges the organization's entity types to the
// incoming set. Absent types are hard-deleted unless their slug is in
// preserve.
func (r *Reconciler) ReconcileEntityTypes(ctx context.Context, organizationID string, specs []models.EntityTypeSpec, preserve map[string]bool) (models.KindResult, error) {
	result := newKindResult()

	existing, err := r.store.ListEntityTypes(ctx, organizationID)
	if err != nil {
		return result, fmt.Errorf("list entity types: %w", err)
	}
	byKey := make(map[string]models.EntityType, len(existing))
	for _, et := range existing {
		byKey[et.Slug] = et
	}

	incoming := make(map[string]bool, len(specs))
	now := time.Now().UTC()

	for _, spec := range specs {
		incoming[spec.Slug] = true

		if current, ok := byKey[spec.Slug]; ok {
			patched := current
			applyEntityTypeSpec(&patched, spec, now)
			if err := r.store.UpdateEntityType(ctx, &patched); err != nil {
				return result, fmt.Errorf("update entity type %q: %w", spec.Slug, err)
			}
			result.Updated = append(result.Updated, spec.Slug)
			continue
		}

		et := models.EntityType{
			ID:             uuid.New().String(),
			OrganizationID: organizationID,
			Slug:           spec.Slug,
			CreatedAt:      now,
		}
		applyEntityTypeSpec(&et, spec, now)
		err := r.store.CreateEntityType(ctx, &et)
		if isConflict(err) {
			// A concurrent sync inserted this key first; fall back to update.
			current, gerr := r.store.GetEntityTypeBySlug(ctx, organizationID, spec.Slug)
			if gerr != nil {
				return result, fmt.Errorf("reload entity type %q after conflict: %w", spec.Slug, gerr)
			}
			patched := *current
			applyEntityTypeSpec(&patched, spec, now)
			if uerr := r.store.UpdateEntityType(ctx, &patched); uerr != nil {
				return result, fmt.Errorf("update entity type %q after conflict: %w", spec.Slug, uerr)
			}
			result.Updated = append(result.Updated, spec.Slug)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("create entity type %q: %w", spec.Slug, err)
		}
		result.Created = append(result.Created, spec.Slug)
	}

	for _, et := range existing {
		if incoming[et.Slug] {
			continue
		}
		if preserve[et.Slug] {
			result.Preserved = append(result.Preserved, et.Slug)
			continue
		}
		if err := r.store.DeleteEntityType(ctx, organizationID, et.Slug); err != nil {
			return result, fmt.Errorf("delete entity type %q: %w", et.Slug, err)
		}
		result.Deleted = append(result.Deleted, et.Slug)
	}

	return result, nil
}

func applyEntityTypeSpec(et *models.EntityType, spec models.EntityTypeSpec, now time.Time) {
	et.Name = spec.Name
	et.Schema = spec.Schema
	et.SearchFields = spec.SearchFields
	et.DisplayConfig = spec.DisplayConfig
	et.BoundToRole = spec.BoundToRole
	et.UserIDField = spec.UserIDField
	et.UpdatedAt = now
}

// ── Roles ───────────────────────────────────────────────────

// ReconcileRoles converges the organization's roles. A synced role's policy
// set is always fully replaced — no partial patching — so scope rules and
// field masks can never outlive the policy that carried them. System roles
// are invisible to the diff: never updated, never deleted, and an incoming
// spec colliding with one is skipped.
func (r *Reconciler) ReconcileRoles(ctx context.Context, organizationID string, specs []models.RoleSpec, preserve map[string]bool) (models.KindResult, error) {
	result := newKindResult()

	all, err := r.store.ListRoles(ctx, organizationID)
	if err != nil {
		return result, fmt.Errorf("list roles: %w", err)
	}
	byKey := make(map[string]models.Role)
	systemNames := make(map[string]bool)
	for _, role := range all {
		if role.System {
			systemNames[role.Name] = true
			continue
		}
		byKey[role.Name] = role
	}

	incoming := make(map[string]bool, len(specs))
	now := time.Now().UTC()

	for _, spec := range specs {
		incoming[spec.Name] = true

		if systemNames[spec.Name] {
			result.Skipped = append(result.Skipped, models.SkippedItem{
				Key:    spec.Name,
				Reason: "system role is immutable",
			})
			continue
		}

		if current, ok := byKey[spec.Name]; ok {
			patched := current
			patched.Description = spec.Description
			patched.UpdatedAt = now
			patched.Policies = nil // metadata-only update
			if err := r.store.UpdateRole(ctx, &patched); err != nil {
				return result, fmt.Errorf("update role %q: %w", spec.Name, err)
			}
			if err := r.store.ReplacePolicies(ctx, current.ID, buildPolicies(current.ID, spec.Policies)); err != nil {
				return result, fmt.Errorf("replace policies for role %q: %w", spec.Name, err)
			}
			result.Updated = append(result.Updated, spec.Name)
			continue
		}

		role := models.Role{
			ID:             uuid.New().String(),
			OrganizationID: organizationID,
			Name:           spec.Name,
			Description:    spec.Description,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		role.Policies = buildPolicies(role.ID, spec.Policies)
		err := r.store.CreateRole(ctx, &role)
		if isConflict(err) {
			current, gerr := r.store.GetRoleByName(ctx, organizationID, spec.Name)
			if gerr != nil {
				return result, fmt.Errorf("reload role %q after conflict: %w", spec.Name, gerr)
			}
			if rerr := r.store.ReplacePolicies(ctx, current.ID, buildPolicies(current.ID, spec.Policies)); rerr != nil {
				return result, fmt.Errorf("replace policies for role %q after conflict: %w", spec.Name, rerr)
			}
			result.Updated = append(result.Updated, spec.Name)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("create role %q: %w", spec.Name, err)
		}
		result.Created = append(result.Created, spec.Name)
	}

	for name := range byKey {
		if incoming[name] {
			continue
		}
		if preserve[name] {
			result.Preserved = append(result.Preserved, name)
			continue
		}
		if err := r.store.DeleteRole(ctx, organizationID, name); err != nil {
			return result, fmt.Errorf("delete role %q: %w", name, err)
		}
		result.Deleted = append(result.Deleted, name)
	}

	return result, nil
}

// buildPolicies materializes declared policy specs into persisted rows: one
// row per action, priority defaulting to (declaration index + 1) * 10, each
// row carrying its own copies of the spec's scope rules and field masks.
func buildPolicies(roleID string, specs []models.PolicySpec) []models.Policy {
	var out []models.Policy
	for i, spec := range specs {
		priority := models.DefaultPriority(i)
		if spec.Priority != nil {
			priority = *spec.Priority
		}
		for _, action := range spec.Actions {
			p := models.Policy{
				ID:       uuid.New().String(),
				RoleID:   roleID,
				Resource: spec.Resource,
				Action:   action,
				Effect:   spec.Effect,
				Priority: priority,
			}
			for _, sr := range spec.ScopeRules {
				p.ScopeRules = append(p.ScopeRules, models.ScopeRule{
					ID:         uuid.New().String(),
					PolicyID:   p.ID,
					EntityType: sr.EntityType,
					Field:      sr.Field,
					Operator:   sr.Operator,
					Value:      sr.Value,
				})
			}
			for _, fm := range spec.FieldMasks {
				p.FieldMasks = append(p.FieldMasks, models.FieldMask{
					ID:         uuid.New().String(),
					PolicyID:   p.ID,
					EntityType: fm.EntityType,
					FieldPath:  fm.FieldPath,
					MaskType:   fm.MaskType,
					MaskConfig: fm.MaskConfig,
				})
			}
			out = append(out, p)
		}
	}
	return out
}

// ── Agents ──────────────────────────────────────────────────

// ReconcileAgents converges the organization's agents for one environment.
// Agents are never hard-deleted: absence flips status to deleted, and
// re-syncing a previously-deleted slug reactivates the existing record so
// its execution history stays attached. The live config row for (agent, env)
// is replaced wholesale on every sync, bumping its version.
func (r *Reconciler) ReconcileAgents(ctx context.Context, organizationID string, env models.Environment, specs []models.AgentSpec, preserve map[string]bool) (models.KindResult, error) {
	result := newKindResult()

	existing, err := r.store.ListAgents(ctx, organizationID, true)
	if err != nil {
		return result, fmt.Errorf("list agents: %w", err)
	}
	byKey := make(map[string]models.Agent, len(existing))
	for _, a := range existing {
		byKey[a.Slug] = a
	}

	incoming := make(map[string]bool, len(specs))
	now := time.Now().UTC()

	for _, spec := range specs {
		incoming[spec.Slug] = true

		if current, ok := byKey[spec.Slug]; ok {
			patched := current
			patched.Name = spec.Name
			patched.Description = spec.Description
			if patched.Status == models.AgentStatusDeleted {
				log.Info().Str("agent", spec.Slug).Msg("Reactivating soft-deleted agent")
				patched.Status = models.AgentStatusActive
			}
			patched.UpdatedAt = now
			if err := r.store.UpdateAgent(ctx, &patched); err != nil {
				return result, fmt.Errorf("update agent %q: %w", spec.Slug, err)
			}
			if err := r.replaceAgentConfig(ctx, patched.ID, env, spec.Config); err != nil {
				return result, fmt.Errorf("replace config for agent %q: %w", spec.Slug, err)
			}
			result.Updated = append(result.Updated, spec.Slug)
			continue
		}

		agent := models.Agent{
			ID:             uuid.New().String(),
			OrganizationID: organizationID,
			Slug:           spec.Slug,
			Name:           spec.Name,
			Description:    spec.Description,
			Status:         models.AgentStatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err := r.store.CreateAgent(ctx, &agent)
		if isConflict(err) {
			current, gerr := r.store.GetAgentBySlug(ctx, organizationID, spec.Slug)
			if gerr != nil {
				return result, fmt.Errorf("reload agent %q after conflict: %w", spec.Slug, gerr)
			}
			patched := *current
			patched.Name = spec.Name
			patched.Description = spec.Description
			patched.Status = models.AgentStatusActive
			patched.UpdatedAt = now
			if uerr := r.store.UpdateAgent(ctx, &patched); uerr != nil {
				return result, fmt.Errorf("update agent %q after conflict: %w", spec.Slug, uerr)
			}
			if cerr := r.replaceAgentConfig(ctx, patched.ID, env, spec.Config); cerr != nil {
				return result, fmt.Errorf("replace config for agent %q: %w", spec.Slug, cerr)
			}
			result.Updated = append(result.Updated, spec.Slug)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("create agent %q: %w", spec.Slug, err)
		}
		if err := r.replaceAgentConfig(ctx, agent.ID, env, spec.Config); err != nil {
			return result, fmt.Errorf("write config for agent %q: %w", spec.Slug, err)
		}
		result.Created = append(result.Created, spec.Slug)
	}

	for _, a := range existing {
		if incoming[a.Slug] {
			continue
		}
		if a.Status == models.AgentStatusDeleted {
			continue // already soft-deleted, nothing to report
		}
		if preserve[a.Slug] {
			result.Preserved = append(result.Preserved, a.Slug)
			continue
		}
		patched := a
		patched.Status = models.AgentStatusDeleted
		patched.UpdatedAt = now
		if err := r.store.UpdateAgent(ctx, &patched); err != nil {
			return result, fmt.Errorf("soft-delete agent %q: %w", a.Slug, err)
		}
		result.Deleted = append(result.Deleted, a.Slug)
	}

	return result, nil
}

// replaceAgentConfig swaps the live config row for (agent, env), bumping the
// version past whatever was there.
func (r *Reconciler) replaceAgentConfig(ctx context.Context, agentID string, env models.Environment, spec models.AgentConfigSpec) error {
	version := 1
	if current, err := r.store.GetAgentConfig(ctx, agentID, env); err == nil {
		version = current.Version + 1
	}
	cfg := models.AgentConfig{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		Environment:  env,
		Version:      version,
		SystemPrompt: spec.SystemPrompt,
		Model:        spec.Model,
		Temperature:  spec.Temperature,
		MaxTokens:    spec.MaxTokens,
		Tools:        spec.Tools,
		UpdatedAt:    time.Now().UTC(),
	}
	return r.store.PutAgentConfig(ctx, &cfg)
}

// PromoteAgent copies an agent's development config into production. It
// never runs implicitly — production is only ever written by this explicit
// call — and is independent of any concurrent development sync since the two
// environments are separate rows.
func (r *Reconciler) PromoteAgent(ctx context.Context, organizationID, slug string) (*models.AgentConfig, error) {
	agent, err := r.store.GetAgentBySlug(ctx, organizationID, slug)
	if err != nil {
		return nil, err
	}
	if agent.Status == models.AgentStatusDeleted {
		return nil, fmt.Errorf("agent %q is deleted", slug)
	}
	dev, err := r.store.GetAgentConfig(ctx, agent.ID, models.EnvDevelopment)
	if err != nil {
		return nil, fmt.Errorf("no development config for agent %q: %w", slug, err)
	}

	version := 1
	if current, err := r.store.GetAgentConfig(ctx, agent.ID, models.EnvProduction); err == nil {
		version = current.Version + 1
	}
	prod := models.AgentConfig{
		ID:           uuid.New().String(),
		AgentID:      agent.ID,
		Environment:  models.EnvProduction,
		Version:      version,
		SystemPrompt: dev.SystemPrompt,
		Model:        dev.Model,
		Temperature:  dev.Temperature,
		MaxTokens:    dev.MaxTokens,
		Tools:        dev.Tools,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := r.store.PutAgentConfig(ctx, &prod); err != nil {
		return nil, fmt.Errorf("write production config for agent %q: %w", slug, err)
	}
	log.Info().Str("agent", slug).Int("version", version).Msg("Promoted agent config to production")
	return &prod, nil
}

// ── Triggers ────────────────────────────────────────────────

// ReconcileTriggers converges the (organization, environment) trigger set.
// Absent triggers are hard-deleted unless preserved.
func (r *Reconciler) ReconcileTriggers(ctx context.Context, organizationID string, env models.Environment, specs []models.TriggerSpec, preserve map[string]bool) (models.KindResult, error) {
	result := newKindResult()

	existing, err := r.store.ListTriggers(ctx, organizationID, env)
	if err != nil {
		return result, fmt.Errorf("list triggers: %w", err)
	}
	byKey := make(map[string]models.Trigger, len(existing))
	for _, t := range existing {
		byKey[t.Slug] = t
	}

	incoming := make(map[string]bool, len(specs))
	now := time.Now().UTC()

	for _, spec := range specs {
		incoming[spec.Slug] = true

		if current, ok := byKey[spec.Slug]; ok {
			patched := current
			applyTriggerSpec(&patched, spec, now)
			if err := r.store.UpdateTrigger(ctx, &patched); err != nil {
				return result, fmt.Errorf("update trigger %q: %w", spec.Slug, err)
			}
			result.Updated = append(result.Updated, spec.Slug)
			continue
		}

		t := models.Trigger{
			ID:             uuid.New().String(),
			OrganizationID: organizationID,
			Environment:    env,
			Slug:           spec.Slug,
			CreatedAt:      now,
		}
		applyTriggerSpec(&t, spec, now)
		err := r.store.CreateTrigger(ctx, &t)
		if isConflict(err) {
			current, gerr := r.store.GetTriggerBySlug(ctx, organizationID, env, spec.Slug)
			if gerr != nil {
				return result, fmt.Errorf("reload trigger %q after conflict: %w", spec.Slug, gerr)
			}
			patched := *current
			applyTriggerSpec(&patched, spec, now)
			if uerr := r.store.UpdateTrigger(ctx, &patched); uerr != nil {
				return result, fmt.Errorf("update trigger %q after conflict: %w", spec.Slug, uerr)
			}
			result.Updated = append(result.Updated, spec.Slug)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("create trigger %q: %w", spec.Slug, err)
		}
		result.Created = append(result.Created, spec.Slug)
	}

	for _, t := range existing {
		if incoming[t.Slug] {
			continue
		}
		if preserve[t.Slug] {
			result.Preserved = append(result.Preserved, t.Slug)
			continue
		}
		if err := r.store.DeleteTrigger(ctx, organizationID, env, t.Slug); err != nil {
			return result, fmt.Errorf("delete trigger %q: %w", t.Slug, err)
		}
		result.Deleted = append(result.Deleted, t.Slug)
	}

	return result, nil
}

func applyTriggerSpec(t *models.Trigger, spec models.TriggerSpec, now time.Time) {
	t.EntityType = spec.EntityType
	t.Event = spec.Event
	t.Condition = spec.Condition
	t.When = spec.When
	t.Actions = spec.Actions
	t.Schedule = spec.Schedule
	t.Retry = spec.Retry
	t.UpdatedAt = now
}

// ── Eval Suites ─────────────────────────────────────────────

// ReconcileEvalSuites converges the (organization, environment) eval suites.
// A suite referencing an agent slug that doesn't resolve is skipped with a
// diagnostic — the rest of the batch still processes. Suite upserts replace
// all child cases; absent suites are archived, never deleted.
func (r *Reconciler) ReconcileEvalSuites(ctx context.Context, organizationID string, env models.Environment, specs []models.EvalSuiteSpec, preserve map[string]bool) (models.KindResult, error) {
	result := newKindResult()

	agents, err := r.store.ListAgents(ctx, organizationID, false)
	if err != nil {
		return result, fmt.Errorf("list agents: %w", err)
	}
	agentSlugs := make(map[string]bool, len(agents))
	for _, a := range agents {
		agentSlugs[a.Slug] = true
	}

	existing, err := r.store.ListEvalSuites(ctx, organizationID, env, false)
	if err != nil {
		return result, fmt.Errorf("list eval suites: %w", err)
	}
	byKey := make(map[string]models.EvalSuite, len(existing))
	for _, s := range existing {
		byKey[s.Slug] = s
	}

	incoming := make(map[string]bool, len(specs))
	now := time.Now().UTC()

	for _, spec := range specs {
		// A declared suite counts as present even when its agent reference
		// doesn't resolve: the skip is per-item and must never cascade into
		// the absence pass archiving a suite the bundle still declares.
		incoming[spec.Slug] = true
		if !agentSlugs[spec.AgentSlug] {
			result.Skipped = append(result.Skipped, models.SkippedItem{
				Key:    spec.Slug,
				Reason: fmt.Sprintf("agent %q not found", spec.AgentSlug),
			})
			continue
		}

		if current, ok := byKey[spec.Slug]; ok {
			patched := current
			applyEvalSuiteSpec(&patched, spec, now)
			patched.Cases = nil // replaced separately
			if err := r.store.UpdateEvalSuite(ctx, &patched); err != nil {
				return result, fmt.Errorf("update eval suite %q: %w", spec.Slug, err)
			}
			if err := r.store.ReplaceEvalCases(ctx, current.ID, buildEvalCases(current.ID, spec.Cases)); err != nil {
				return result, fmt.Errorf("replace cases for eval suite %q: %w", spec.Slug, err)
			}
			result.Updated = append(result.Updated, spec.Slug)
			continue
		}

		suite := models.EvalSuite{
			ID:             uuid.New().String(),
			OrganizationID: organizationID,
			Environment:    env,
			Slug:           spec.Slug,
			CreatedAt:      now,
		}
		applyEvalSuiteSpec(&suite, spec, now)
		suite.Cases = buildEvalCases(suite.ID, spec.Cases)
		err := r.store.CreateEvalSuite(ctx, &suite)
		if isConflict(err) {
			current, gerr := r.store.GetEvalSuiteBySlug(ctx, organizationID, env, spec.Slug)
			if gerr != nil {
				return result, fmt.Errorf("reload eval suite %q after conflict: %w", spec.Slug, gerr)
			}
			if rerr := r.store.ReplaceEvalCases(ctx, current.ID, buildEvalCases(current.ID, spec.Cases)); rerr != nil {
				return result, fmt.Errorf("replace cases for eval suite %q after conflict: %w", spec.Slug, rerr)
			}
			result.Updated = append(result.Updated, spec.Slug)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("create eval suite %q: %w", spec.Slug, err)
		}
		result.Created = append(result.Created, spec.Slug)
	}

	for _, s := range existing {
		if incoming[s.Slug] {
			continue
		}
		if preserve[s.Slug] {
			result.Preserved = append(result.Preserved, s.Slug)
			continue
		}
		if err := r.store.ArchiveEvalSuite(ctx, organizationID, env, s.Slug); err != nil {
			return result, fmt.Errorf("archive eval suite %q: %w", s.Slug, err)
		}
		// Archived, not deleted — but reported under deleted so the client
		// summary reads the same across kinds.
		result.Deleted = append(result.Deleted, s.Slug)
	}

	return result, nil
}

func applyEvalSuiteSpec(s *models.EvalSuite, spec models.EvalSuiteSpec, now time.Time) {
	s.Name = spec.Name
	s.AgentSlug = spec.AgentSlug
	s.JudgeModel = spec.JudgeModel
	s.JudgePrompt = spec.JudgePrompt
	s.Archived = false // re-syncing an archived suite revives it
	s.UpdatedAt = now
}

func buildEvalCases(suiteID string, specs []models.EvalCaseSpec) []models.EvalCase {
	out := make([]models.EvalCase, 0, len(specs))
	for i, spec := range specs {
		out = append(out, models.EvalCase{
			ID:         uuid.New().String(),
			SuiteID:    suiteID,
			Name:       spec.Name,
			Position:   i,
			Turns:      spec.Turns,
			Assertions: spec.Assertions,
		})
	}
	return out
}

// ── Fixtures ────────────────────────────────────────────────

// ApplyFixtures seeds entity documents into the eval environment. Each
// fixture's type is fully replaced (existing eval entities of the type are
// dropped first) so repeated syncs stay idempotent. A fixture naming an
// unknown entity type is skipped, not fatal.
func (r *Reconciler) ApplyFixtures(ctx context.Context, organizationID string, fixtures []models.FixtureSpec) (models.KindResult, error) {
	result := newKindResult()
	now := time.Now().UTC()

	for _, fx := range fixtures {
		if _, err := r.store.GetEntityTypeBySlug(ctx, organizationID, fx.EntityType); err != nil {
			var nf *store.ErrNotFound
			if errors.As(err, &nf) {
				result.Skipped = append(result.Skipped, models.SkippedItem{
					Key:    fx.EntityType,
					Reason: fmt.Sprintf("entity type %q not found", fx.EntityType),
				})
				continue
			}
			return result, fmt.Errorf("lookup entity type %q: %w", fx.EntityType, err)
		}

		existing, err := r.store.ListEntities(ctx, organizationID, models.EnvEval, fx.EntityType)
		if err != nil {
			return result, fmt.Errorf("list eval entities for %q: %w", fx.EntityType, err)
		}
		for _, e := range existing {
			if err := r.store.DeleteEntity(ctx, e.ID); err != nil {
				return result, fmt.Errorf("clear eval entity %q: %w", e.ID, err)
			}
		}

		for _, doc := range fx.Documents {
			ent := models.Entity{
				ID:             uuid.New().String(),
				OrganizationID: organizationID,
				Environment:    models.EnvEval,
				EntityType:     fx.EntityType,
				Document:       doc,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := r.store.CreateEntity(ctx, &ent); err != nil {
				return result, fmt.Errorf("seed fixture entity for %q: %w", fx.EntityType, err)
			}
		}
		result.Created = append(result.Created, fx.EntityType)
	}

	return result, nil
}

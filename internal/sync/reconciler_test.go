package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/control-plane/internal/store"
	syncpkg "github.com/agentloom/agentloom/control-plane/internal/sync"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

const testOrg = "acme"

func newTestReconciler(t *testing.T) (*syncpkg.Reconciler, store.Store) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	err := s.CreateOrganization(context.Background(), &models.Organization{
		ID: testOrg, Slug: testOrg, Name: "Acme", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return syncpkg.NewReconciler(s), s
}

func intPtr(n int) *int { return &n }

func agentSpec(slug string) models.AgentSpec {
	return models.AgentSpec{
		Slug: slug, Name: slug,
		Config: models.AgentConfigSpec{SystemPrompt: "You are " + slug, Model: "gpt-4o"},
	}
}

// ─── Entity Types ────────────────────────────────────────────

func TestReconcileEntityTypes_CreateThenUpdate(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()
	specs := []models.EntityTypeSpec{{
		Slug: "patient", Name: "Patient",
		Schema: map[string]*models.FieldSchema{"name": {Type: "string"}},
	}}

	res, err := r.ReconcileEntityTypes(ctx, testOrg, specs, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"patient"}, res.Created)
	assert.Empty(t, res.Updated)

	// Same bundle again: everything is an update, nothing is deleted.
	res, err = r.ReconcileEntityTypes(ctx, testOrg, specs, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"patient"}, res.Updated)
	assert.Empty(t, res.Deleted)
}

func TestReconcileEntityTypes_RenameIsDeletePlusCreate(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileEntityTypes(ctx, testOrg, []models.EntityTypeSpec{
		{Slug: "patient", Name: "Patient", Schema: map[string]*models.FieldSchema{}},
	}, nil)
	require.NoError(t, err)

	res, err := r.ReconcileEntityTypes(ctx, testOrg, []models.EntityTypeSpec{
		{Slug: "patients", Name: "Patient", Schema: map[string]*models.FieldSchema{}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"patients"}, res.Created)
	assert.Equal(t, []string{"patient"}, res.Deleted)
}

func TestReconcileEntityTypes_PreserveSkipsDeletion(t *testing.T) {
	r, s := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileEntityTypes(ctx, testOrg, []models.EntityTypeSpec{
		{Slug: "patient", Name: "Patient", Schema: map[string]*models.FieldSchema{}},
		{Slug: "visit", Name: "Visit", Schema: map[string]*models.FieldSchema{}},
	}, nil)
	require.NoError(t, err)

	res, err := r.ReconcileEntityTypes(ctx, testOrg, []models.EntityTypeSpec{
		{Slug: "visit", Name: "Visit", Schema: map[string]*models.FieldSchema{}},
	}, map[string]bool{"patient": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"patient"}, res.Preserved)
	assert.Empty(t, res.Deleted)

	_, err = s.GetEntityTypeBySlug(ctx, testOrg, "patient")
	assert.NoError(t, err, "preserved type must survive")
}

// ─── Roles ───────────────────────────────────────────────────

func TestReconcileRoles_PolicyMaterialization(t *testing.T) {
	r, s := newTestReconciler(t)
	ctx := context.Background()

	res, err := r.ReconcileRoles(ctx, testOrg, []models.RoleSpec{{
		Name: "nurse",
		Policies: []models.PolicySpec{
			{Resource: "patient", Actions: []string{"read", "update"}, Effect: models.EffectAllow},
			{Resource: "visit", Actions: []string{"read"}, Effect: models.EffectAllow, Priority: intPtr(5)},
			{Resource: "audit", Actions: []string{"read"}, Effect: models.EffectDeny, Priority: intPtr(0)},
		},
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"nurse"}, res.Created)

	role, err := s.GetRoleByName(ctx, testOrg, "nurse")
	require.NoError(t, err)
	require.Len(t, role.Policies, 4, "one row per action")

	// First declared policy gets default priority 10; explicit priorities
	// are kept verbatim, zero included.
	byAction := map[string]models.Policy{}
	for _, p := range role.Policies {
		byAction[p.Resource+"/"+p.Action] = p
	}
	assert.Equal(t, 10, byAction["patient/read"].Priority)
	assert.Equal(t, 10, byAction["patient/update"].Priority)
	assert.Equal(t, 5, byAction["visit/read"].Priority)
	assert.Equal(t, 0, byAction["audit/read"].Priority)
}

func TestReconcileRoles_SystemRolesAreUntouchable(t *testing.T) {
	r, s := newTestReconciler(t)
	ctx := context.Background()

	admin := &models.Role{
		ID: "sys-admin", OrganizationID: testOrg, Name: "admin", System: true,
		Policies: []models.Policy{{ID: "p0", RoleID: "sys-admin", Resource: "*", Action: "*", Effect: models.EffectAllow}},
	}
	require.NoError(t, s.CreateRole(ctx, admin))

	// Incoming spec colliding with a system role is skipped; an empty
	// non-system set never deletes system roles.
	res, err := r.ReconcileRoles(ctx, testOrg, []models.RoleSpec{{
		Name:     "admin",
		Policies: []models.PolicySpec{{Resource: "patient", Actions: []string{"read"}, Effect: models.EffectAllow}},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "admin", res.Skipped[0].Key)
	assert.Empty(t, res.Deleted)

	got, err := s.GetRoleByName(ctx, testOrg, "admin")
	require.NoError(t, err)
	assert.True(t, got.System)
	assert.Equal(t, "*", got.Policies[0].Resource, "system role policies unchanged")
}

func TestReconcileRoles_UpdateReplacesPolicySet(t *testing.T) {
	r, s := newTestReconciler(t)
	ctx := context.Background()

	spec := models.RoleSpec{Name: "nurse", Policies: []models.PolicySpec{
		{Resource: "patient", Actions: []string{"read", "update", "delete"}, Effect: models.EffectAllow},
	}}
	_, err := r.ReconcileRoles(ctx, testOrg, []models.RoleSpec{spec}, nil)
	require.NoError(t, err)

	spec.Policies = []models.PolicySpec{{Resource: "patient", Actions: []string{"read"}, Effect: models.EffectAllow}}
	res, err := r.ReconcileRoles(ctx, testOrg, []models.RoleSpec{spec}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"nurse"}, res.Updated)

	role, _ := s.GetRoleByName(ctx, testOrg, "nurse")
	assert.Len(t, role.Policies, 1, "old policy rows must not linger after replace")
}

// ─── Agents ──────────────────────────────────────────────────

func TestReconcileAgents_SoftDeleteAndReactivate(t *testing.T) {
	r, s := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{agentSpec("support")}, nil)
	require.NoError(t, err)

	// Absent from the next sync: soft-deleted, not removed.
	res, err := r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"support"}, res.Deleted)

	agent, err := s.GetAgentBySlug(ctx, testOrg, "support")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusDeleted, agent.Status)
	originalID := agent.ID

	// Re-synced slug reactivates the same record.
	res, err = r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{agentSpec("support")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"support"}, res.Updated)

	agent, _ = s.GetAgentBySlug(ctx, testOrg, "support")
	assert.Equal(t, models.AgentStatusActive, agent.Status)
	assert.Equal(t, originalID, agent.ID, "history must stay attached to the original record")
}

func TestReconcileAgents_AlreadyDeletedNotReReported(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{agentSpec("support")}, nil)
	require.NoError(t, err)
	_, err = r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{}, nil)
	require.NoError(t, err)

	res, err := r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Deleted, "an agent deleted in a prior sync is not reported again")
}

func TestReconcileAgents_ConfigVersionBumps(t *testing.T) {
	r, s := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{agentSpec("support")}, nil)
	require.NoError(t, err)
	agent, _ := s.GetAgentBySlug(ctx, testOrg, "support")

	cfg, err := s.GetAgentConfig(ctx, agent.ID, models.EnvDevelopment)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Version)

	spec := agentSpec("support")
	spec.Config.Model = "gpt-4o-mini"
	_, err = r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{spec}, nil)
	require.NoError(t, err)

	cfg, _ = s.GetAgentConfig(ctx, agent.ID, models.EnvDevelopment)
	assert.Equal(t, 2, cfg.Version)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
}

// ─── Promotion ───────────────────────────────────────────────

func TestPromoteAgent(t *testing.T) {
	r, s := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.PromoteAgent(ctx, testOrg, "support")
	assert.Error(t, err, "unknown agent cannot be promoted")

	_, err = r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{agentSpec("support")}, nil)
	require.NoError(t, err)

	prod, err := r.PromoteAgent(ctx, testOrg, "support")
	require.NoError(t, err)
	assert.Equal(t, models.EnvProduction, prod.Environment)
	assert.Equal(t, 1, prod.Version)
	assert.Equal(t, "gpt-4o", prod.Model)

	// Promotion is the only writer of production; it versions independently.
	prod, err = r.PromoteAgent(ctx, testOrg, "support")
	require.NoError(t, err)
	assert.Equal(t, 2, prod.Version)

	agent, _ := s.GetAgentBySlug(ctx, testOrg, "support")
	devCfg, _ := s.GetAgentConfig(ctx, agent.ID, models.EnvDevelopment)
	assert.Equal(t, 1, devCfg.Version, "promotion must not touch the development row")
}

func TestPromoteAgent_DeletedAgentRejected(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{agentSpec("support")}, nil)
	require.NoError(t, err)
	_, err = r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{}, nil)
	require.NoError(t, err)

	_, err = r.PromoteAgent(ctx, testOrg, "support")
	assert.ErrorContains(t, err, "deleted")
}

// ─── Eval Suites ─────────────────────────────────────────────

func TestReconcileEvalSuites_UnresolvedAgentSkipped(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	res, err := r.ReconcileEvalSuites(ctx, testOrg, models.EnvEval, []models.EvalSuiteSpec{{
		Slug: "smoke", Name: "Smoke", AgentSlug: "ghost",
	}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "smoke", res.Skipped[0].Key)
	assert.Contains(t, res.Skipped[0].Reason, "ghost")
	assert.Empty(t, res.Created)
}

func TestReconcileEvalSuites_SkippedSuiteIsNotArchived(t *testing.T) {
	r, s := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileAgents(ctx, testOrg, models.EnvEval, []models.AgentSpec{agentSpec("support")}, nil)
	require.NoError(t, err)

	suite := models.EvalSuiteSpec{Slug: "smoke", Name: "Smoke", AgentSlug: "support"}
	_, err = r.ReconcileEvalSuites(ctx, testOrg, models.EnvEval, []models.EvalSuiteSpec{suite}, nil)
	require.NoError(t, err)

	// Same suite re-declared while its agent reference is broken: the skip
	// is per-item, the suite must stay live.
	suite.AgentSlug = "ghost"
	res, err := r.ReconcileEvalSuites(ctx, testOrg, models.EnvEval, []models.EvalSuiteSpec{suite}, nil)
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "smoke", res.Skipped[0].Key)
	assert.Empty(t, res.Deleted, "declared-but-skipped suite must not be archived")

	got, err := s.GetEvalSuiteBySlug(ctx, testOrg, models.EnvEval, "smoke")
	require.NoError(t, err)
	assert.False(t, got.Archived)
}

func TestReconcileEvalSuites_ArchiveAndRevive(t *testing.T) {
	r, s := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileAgents(ctx, testOrg, models.EnvEval, []models.AgentSpec{agentSpec("support")}, nil)
	require.NoError(t, err)

	suite := models.EvalSuiteSpec{
		Slug: "smoke", Name: "Smoke", AgentSlug: "support",
		Cases: []models.EvalCaseSpec{{Name: "greet", Turns: []models.EvalTurn{{Role: "user", Content: "hi"}}}},
	}
	_, err = r.ReconcileEvalSuites(ctx, testOrg, models.EnvEval, []models.EvalSuiteSpec{suite}, nil)
	require.NoError(t, err)

	// Absent suite is archived and reported under deleted.
	res, err := r.ReconcileEvalSuites(ctx, testOrg, models.EnvEval, []models.EvalSuiteSpec{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"smoke"}, res.Deleted)

	got, err := s.GetEvalSuiteBySlug(ctx, testOrg, models.EnvEval, "smoke")
	require.NoError(t, err)
	assert.True(t, got.Archived)

	// Re-syncing revives it with fresh cases.
	res, err = r.ReconcileEvalSuites(ctx, testOrg, models.EnvEval, []models.EvalSuiteSpec{suite}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"smoke"}, res.Created)

	got, _ = s.GetEvalSuiteBySlug(ctx, testOrg, models.EnvEval, "smoke")
	assert.False(t, got.Archived)
	require.Len(t, got.Cases, 1)
	assert.Equal(t, 0, got.Cases[0].Position)
}

// ─── Fixtures ────────────────────────────────────────────────

func TestApplyFixtures_ReplaceIsIdempotent(t *testing.T) {
	r, s := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileEntityTypes(ctx, testOrg, []models.EntityTypeSpec{
		{Slug: "patient", Name: "Patient", Schema: map[string]*models.FieldSchema{"name": {Type: "string"}}},
	}, nil)
	require.NoError(t, err)

	fixtures := []models.FixtureSpec{{
		EntityType: "patient",
		Documents:  []map[string]any{{"name": "Alice"}, {"name": "Bob"}},
	}}
	_, err = r.ApplyFixtures(ctx, testOrg, fixtures)
	require.NoError(t, err)
	_, err = r.ApplyFixtures(ctx, testOrg, fixtures)
	require.NoError(t, err)

	ents, err := s.ListEntities(ctx, testOrg, models.EnvEval, "patient")
	require.NoError(t, err)
	assert.Len(t, ents, 2, "re-applying fixtures must not duplicate documents")
}

func TestApplyFixtures_UnknownTypeSkipped(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	res, err := r.ApplyFixtures(ctx, testOrg, []models.FixtureSpec{{
		EntityType: "ghost", Documents: []map[string]any{{"x": 1}},
	}})
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "ghost", res.Skipped[0].Key)
}

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

// newTestStore creates a fresh in-memory store with no persistence.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

func seedOrg(t *testing.T, s store.Store, id string) {
	t.Helper()
	err := s.CreateOrganization(context.Background(), &models.Organization{
		ID: id, Slug: id, Name: id, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateOrganization() error = %v", err)
	}
}

// ─── Organizations ───────────────────────────────────────────

func TestCreateAndGetOrganization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOrg(t, s, "acme")

	got, err := s.GetOrganization(ctx, "acme")
	if err != nil {
		t.Fatalf("GetOrganization() error = %v", err)
	}
	if got.Slug != "acme" {
		t.Errorf("GetOrganization().Slug = %q, want %q", got.Slug, "acme")
	}

	bySlug, err := s.GetOrganizationBySlug(ctx, "acme")
	if err != nil {
		t.Fatalf("GetOrganizationBySlug() error = %v", err)
	}
	if bySlug.ID != got.ID {
		t.Errorf("GetOrganizationBySlug().ID = %q, want %q", bySlug.ID, got.ID)
	}
}

func TestCreateOrganization_Conflict(t *testing.T) {
	s := newTestStore(t)
	seedOrg(t, s, "acme")

	err := s.CreateOrganization(context.Background(), &models.Organization{ID: "acme", Slug: "acme"})
	var conflict *store.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("CreateOrganization() duplicate error = %v, want *ErrConflict", err)
	}
}

// ─── Agents ──────────────────────────────────────────────────

func TestCreateAgent_ConflictOnSlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOrg(t, s, "acme")

	a := &models.Agent{ID: "a1", OrganizationID: "acme", Slug: "support", Status: models.AgentStatusActive}
	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}

	dup := &models.Agent{ID: "a2", OrganizationID: "acme", Slug: "support"}
	err := s.CreateAgent(ctx, dup)
	var conflict *store.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("CreateAgent() duplicate slug error = %v, want *ErrConflict", err)
	}
}

func TestListAgents_ExcludesDeletedByDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOrg(t, s, "acme")

	s.CreateAgent(ctx, &models.Agent{ID: "a1", OrganizationID: "acme", Slug: "alive", Status: models.AgentStatusActive})
	s.CreateAgent(ctx, &models.Agent{ID: "a2", OrganizationID: "acme", Slug: "gone", Status: models.AgentStatusDeleted})

	visible, err := s.ListAgents(ctx, "acme", false)
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	if len(visible) != 1 || visible[0].Slug != "alive" {
		t.Errorf("ListAgents(false) = %v, want only %q", visible, "alive")
	}

	all, _ := s.ListAgents(ctx, "acme", true)
	if len(all) != 2 {
		t.Errorf("ListAgents(true) returned %d agents, want 2", len(all))
	}
}

func TestPutAgentConfig_UpsertPerEnvironment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dev := &models.AgentConfig{ID: "c1", AgentID: "a1", Environment: models.EnvDevelopment, Version: 1, Model: "gpt-4o"}
	if err := s.PutAgentConfig(ctx, dev); err != nil {
		t.Fatalf("PutAgentConfig() error = %v", err)
	}
	// Replace the same (agent, env) row.
	dev2 := &models.AgentConfig{ID: "c2", AgentID: "a1", Environment: models.EnvDevelopment, Version: 2, Model: "gpt-4o-mini"}
	if err := s.PutAgentConfig(ctx, dev2); err != nil {
		t.Fatalf("PutAgentConfig() replace error = %v", err)
	}

	got, err := s.GetAgentConfig(ctx, "a1", models.EnvDevelopment)
	if err != nil {
		t.Fatalf("GetAgentConfig() error = %v", err)
	}
	if got.Version != 2 || got.Model != "gpt-4o-mini" {
		t.Errorf("GetAgentConfig() = v%d %q, want v2 %q", got.Version, got.Model, "gpt-4o-mini")
	}

	// Production row is independent.
	if _, err := s.GetAgentConfig(ctx, "a1", models.EnvProduction); err == nil {
		t.Error("GetAgentConfig(production) should report not found")
	}
}

// ─── Roles ───────────────────────────────────────────────────

func TestUpdateRole_MetadataOnlyKeepsPolicies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	role := &models.Role{
		ID: "r1", OrganizationID: "acme", Name: "nurse",
		Policies: []models.Policy{{ID: "p1", RoleID: "r1", Resource: "patient", Action: "read", Effect: models.EffectAllow}},
	}
	if err := s.CreateRole(ctx, role); err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}

	meta := &models.Role{ID: "r1", OrganizationID: "acme", Name: "nurse", Description: "updated"}
	if err := s.UpdateRole(ctx, meta); err != nil {
		t.Fatalf("UpdateRole() error = %v", err)
	}

	got, _ := s.GetRoleByName(ctx, "acme", "nurse")
	if got.Description != "updated" {
		t.Errorf("Description = %q, want %q", got.Description, "updated")
	}
	if len(got.Policies) != 1 {
		t.Errorf("metadata-only update dropped policies: got %d, want 1", len(got.Policies))
	}
}

func TestReplacePolicies_SwapsWholeSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	role := &models.Role{
		ID: "r1", OrganizationID: "acme", Name: "nurse",
		Policies: []models.Policy{{ID: "p1", RoleID: "r1", Resource: "patient", Action: "read", Effect: models.EffectAllow}},
	}
	s.CreateRole(ctx, role)

	next := []models.Policy{
		{ID: "p2", RoleID: "r1", Resource: "patient", Action: "read", Effect: models.EffectAllow},
		{ID: "p3", RoleID: "r1", Resource: "patient", Action: "update", Effect: models.EffectAllow},
	}
	if err := s.ReplacePolicies(ctx, "r1", next); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}

	got, _ := s.GetRoleByName(ctx, "acme", "nurse")
	if len(got.Policies) != 2 {
		t.Fatalf("ReplacePolicies() left %d policies, want 2", len(got.Policies))
	}
	for _, p := range got.Policies {
		if p.ID == "p1" {
			t.Error("old policy survived the replace")
		}
	}
}

func TestDeleteRole_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	role := &models.Role{
		ID: "r1", OrganizationID: "acme", Name: "nurse",
		Policies: []models.Policy{{
			ID: "p1", RoleID: "r1", Resource: "patient", Action: "read", Effect: models.EffectAllow,
			ScopeRules: []models.ScopeRule{{ID: "s1", PolicyID: "p1", EntityType: "patient", Field: "ward", Operator: models.OpEq, Value: "literal:icu"}},
		}},
	}
	s.CreateRole(ctx, role)

	if err := s.DeleteRole(ctx, "acme", "nurse"); err != nil {
		t.Fatalf("DeleteRole() error = %v", err)
	}
	if _, err := s.GetRoleByName(ctx, "acme", "nurse"); err == nil {
		t.Error("GetRoleByName() after delete should report not found")
	}
}

// ─── Triggers ────────────────────────────────────────────────

func TestTriggers_KeyedByEnvironment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dev := &models.Trigger{ID: "t1", OrganizationID: "acme", Environment: models.EnvDevelopment, Slug: "on-create", EntityType: "ticket", Event: models.EventCreated}
	prod := &models.Trigger{ID: "t2", OrganizationID: "acme", Environment: models.EnvProduction, Slug: "on-create", EntityType: "ticket", Event: models.EventCreated}
	if err := s.CreateTrigger(ctx, dev); err != nil {
		t.Fatalf("CreateTrigger(dev) error = %v", err)
	}
	if err := s.CreateTrigger(ctx, prod); err != nil {
		t.Fatalf("CreateTrigger(prod) with same slug, different env error = %v", err)
	}

	devList, _ := s.ListTriggers(ctx, "acme", models.EnvDevelopment)
	if len(devList) != 1 || devList[0].ID != "t1" {
		t.Errorf("ListTriggers(dev) = %v, want just t1", devList)
	}
}

// ─── Eval Suites ─────────────────────────────────────────────

func TestArchiveEvalSuite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	suite := &models.EvalSuite{ID: "es1", OrganizationID: "acme", Environment: models.EnvEval, Slug: "smoke", AgentSlug: "support"}
	if err := s.CreateEvalSuite(ctx, suite); err != nil {
		t.Fatalf("CreateEvalSuite() error = %v", err)
	}

	if err := s.ArchiveEvalSuite(ctx, "acme", models.EnvEval, "smoke"); err != nil {
		t.Fatalf("ArchiveEvalSuite() error = %v", err)
	}

	live, _ := s.ListEvalSuites(ctx, "acme", models.EnvEval, false)
	if len(live) != 0 {
		t.Errorf("ListEvalSuites(false) after archive = %d suites, want 0", len(live))
	}
	all, _ := s.ListEvalSuites(ctx, "acme", models.EnvEval, true)
	if len(all) != 1 || !all[0].Archived {
		t.Errorf("ListEvalSuites(true) = %v, want one archived suite", all)
	}
}

func TestReplaceEvalCases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	suite := &models.EvalSuite{
		ID: "es1", OrganizationID: "acme", Environment: models.EnvEval, Slug: "smoke", AgentSlug: "support",
		Cases: []models.EvalCase{{ID: "c1", SuiteID: "es1", Name: "old", Position: 0}},
	}
	s.CreateEvalSuite(ctx, suite)

	next := []models.EvalCase{
		{ID: "c2", SuiteID: "es1", Name: "greeting", Position: 0},
		{ID: "c3", SuiteID: "es1", Name: "escalation", Position: 1},
	}
	if err := s.ReplaceEvalCases(ctx, "es1", next); err != nil {
		t.Fatalf("ReplaceEvalCases() error = %v", err)
	}

	got, _ := s.GetEvalSuiteBySlug(ctx, "acme", models.EnvEval, "smoke")
	if len(got.Cases) != 2 || got.Cases[0].Name != "greeting" {
		t.Errorf("cases after replace = %v, want [greeting escalation]", got.Cases)
	}
}

// ─── Entities ────────────────────────────────────────────────

func TestFindEntityByField_NestedPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ent := &models.Entity{
		ID: "e1", OrganizationID: "acme", Environment: models.EnvDevelopment, EntityType: "patient",
		Document: map[string]any{"contact": map[string]any{"email": "pat@example.com"}},
	}
	s.CreateEntity(ctx, ent)

	got, err := s.FindEntityByField(ctx, "acme", models.EnvDevelopment, "patient", "contact.email", "pat@example.com")
	if err != nil {
		t.Fatalf("FindEntityByField() error = %v", err)
	}
	if got.ID != "e1" {
		t.Errorf("FindEntityByField().ID = %q, want %q", got.ID, "e1")
	}

	if _, err := s.FindEntityByField(ctx, "acme", models.EnvDevelopment, "patient", "contact.email", "nobody@example.com"); err == nil {
		t.Error("FindEntityByField() with no match should report not found")
	}
}

func TestListRelatedIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateRelation(ctx, &models.Relation{ID: "r1", OrganizationID: "acme", Environment: models.EnvDevelopment, RelationType: "assigned", FromEntityID: "e1", ToEntityID: "e2"})
	s.CreateRelation(ctx, &models.Relation{ID: "r2", OrganizationID: "acme", Environment: models.EnvDevelopment, RelationType: "assigned", FromEntityID: "e1", ToEntityID: "e3"})
	s.CreateRelation(ctx, &models.Relation{ID: "r3", OrganizationID: "acme", Environment: models.EnvProduction, RelationType: "assigned", FromEntityID: "e1", ToEntityID: "e4"})

	ids, err := s.ListRelatedIDs(ctx, "acme", models.EnvDevelopment, "assigned", "e1")
	if err != nil {
		t.Fatalf("ListRelatedIDs() error = %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("ListRelatedIDs() = %v, want 2 ids (production relation excluded)", ids)
	}
}

// ─── Audit ───────────────────────────────────────────────────

func TestListAuditEvents_NewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, action := range []string{"sync", "promote", "sync"} {
		s.CreateAuditEvent(ctx, &models.AuditEvent{
			ID: string(rune('a' + i)), OrganizationID: "acme", Action: action, Timestamp: time.Now().UTC(),
		})
	}

	got, err := s.ListAuditEvents(ctx, "acme", 2)
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListAuditEvents(limit=2) = %d events, want 2", len(got))
	}
	if got[0].Action != "sync" || got[1].Action != "promote" {
		t.Errorf("order = [%s %s], want newest first [sync promote]", got[0].Action, got[1].Action)
	}
}

// ─── Persistence ─────────────────────────────────────────────

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := store.NewMemoryStore(dir)
	s.CreateOrganization(ctx, &models.Organization{ID: "acme", Slug: "acme", Name: "Acme"})
	s.CreateAgent(ctx, &models.Agent{ID: "a1", OrganizationID: "acme", Slug: "support", Status: models.AgentStatusActive})
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := store.NewMemoryStore(dir)
	defer reopened.Close()

	if _, err := reopened.GetOrganization(ctx, "acme"); err != nil {
		t.Errorf("organization lost across restart: %v", err)
	}
	agent, err := reopened.GetAgentBySlug(ctx, "acme", "support")
	if err != nil {
		t.Fatalf("agent lost across restart: %v", err)
	}
	if agent.Status != models.AgentStatusActive {
		t.Errorf("agent.Status = %q, want %q", agent.Status, models.AgentStatusActive)
	}
}

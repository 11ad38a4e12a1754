package entities_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/control-plane/internal/authz"
	"github.com/agentloom/agentloom/control-plane/internal/entities"
	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

const testOrg = "acme"

func newTestService(t *testing.T) (*entities.Service, store.Store) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.CreateOrganization(ctx, &models.Organization{ID: testOrg, Slug: testOrg, Name: "Acme"}))
	require.NoError(t, s.CreateEntityType(ctx, &models.EntityType{
		ID: "et1", OrganizationID: testOrg, Slug: "patient", Name: "Patient",
		Schema: map[string]*models.FieldSchema{
			"name":  {Type: "string"},
			"owner": {Type: "string"},
			"ssn":   {Type: "string"},
		},
	}))

	svc := entities.NewService(s, authz.NewEngine(s), nil)
	return svc, s
}

func grantRole(t *testing.T, s store.Store, name string, policies ...models.Policy) {
	t.Helper()
	require.NoError(t, s.CreateRole(context.Background(), &models.Role{
		ID: name, OrganizationID: testOrg, Name: name, Policies: policies,
	}))
}

func testActor(roles ...string) authz.Actor {
	return authz.Actor{UserID: "u1", OrganizationID: testOrg, Environment: models.EnvDevelopment, Roles: roles}
}

func TestCreate_DefaultDeny(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Create(context.Background(), testActor(), "patient", map[string]any{"name": "Alice"})
	var denied *authz.DeniedError
	require.ErrorAs(t, err, &denied)
}

func TestCreate_ValidatesSchema(t *testing.T) {
	svc, s := newTestService(t)
	grantRole(t, s, "writer", models.Policy{ID: "p1", Resource: "patient", Action: "create", Effect: models.EffectAllow})

	_, err := svc.Create(context.Background(), testActor("writer"), "patient", map[string]any{"undeclared": true})
	var derr *entities.DocumentError
	require.ErrorAs(t, err, &derr)

	ent, err := svc.Create(context.Background(), testActor("writer"), "patient", map[string]any{"name": "Alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, ent.ID)
	assert.Equal(t, models.EnvDevelopment, ent.Environment)
}

func TestList_ScopeFilteredAndMasked(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	grantRole(t, s, "nurse", models.Policy{
		ID: "p1", Resource: "patient", Action: "read", Effect: models.EffectAllow,
		ScopeRules: []models.ScopeRule{{ID: "s1", PolicyID: "p1", EntityType: "patient", Field: "owner", Operator: models.OpEq, Value: "actor.userId"}},
		FieldMasks: []models.FieldMask{{ID: "m1", PolicyID: "p1", EntityType: "patient", FieldPath: "ssn", MaskType: models.MaskRedact}},
	})

	now := time.Now().UTC()
	for i, owner := range []string{"u1", "u2", "u1"} {
		require.NoError(t, s.CreateEntity(ctx, &models.Entity{
			ID: string(rune('a' + i)), OrganizationID: testOrg, Environment: models.EnvDevelopment,
			EntityType: "patient",
			Document:   map[string]any{"owner": owner, "ssn": "123"},
			CreatedAt:  now, UpdatedAt: now,
		}))
	}

	got, err := svc.List(ctx, testActor("nurse"), "patient")
	require.NoError(t, err)
	require.Len(t, got, 2, "scope keeps only the actor's rows")
	for _, e := range got {
		assert.Equal(t, authz.DefaultRedaction, e.Document["ssn"])
	}
}

func TestGet_OutOfScopeReadsAsNotFound(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	grantRole(t, s, "nurse", models.Policy{
		ID: "p1", Resource: "patient", Action: "read", Effect: models.EffectAllow,
		ScopeRules: []models.ScopeRule{{ID: "s1", PolicyID: "p1", EntityType: "patient", Field: "owner", Operator: models.OpEq, Value: "actor.userId"}},
	})

	require.NoError(t, s.CreateEntity(ctx, &models.Entity{
		ID: "other", OrganizationID: testOrg, Environment: models.EnvDevelopment,
		EntityType: "patient", Document: map[string]any{"owner": "u2"},
	}))

	_, err := svc.Get(ctx, testActor("nurse"), "patient", "other")
	var nf *store.ErrNotFound
	require.ErrorAs(t, err, &nf, "scope must never leak existence as a 403")
}

func TestGet_WrongEnvironmentReadsAsNotFound(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	grantRole(t, s, "admin", models.Policy{ID: "p1", Resource: "*", Action: "*", Effect: models.EffectAllow})

	require.NoError(t, s.CreateEntity(ctx, &models.Entity{
		ID: "prod-row", OrganizationID: testOrg, Environment: models.EnvProduction,
		EntityType: "patient", Document: map[string]any{"owner": "u1"},
	}))

	_, err := svc.Get(ctx, testActor("admin"), "patient", "prod-row")
	var nf *store.ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func TestUpdate_ScopeCheckedAgainstPersistedDocument(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	grantRole(t, s, "nurse", models.Policy{
		ID: "p1", Resource: "patient", Action: "update", Effect: models.EffectAllow,
		ScopeRules: []models.ScopeRule{{ID: "s1", PolicyID: "p1", EntityType: "patient", Field: "owner", Operator: models.OpEq, Value: "actor.userId"}},
	})

	require.NoError(t, s.CreateEntity(ctx, &models.Entity{
		ID: "other", OrganizationID: testOrg, Environment: models.EnvDevelopment,
		EntityType: "patient", Document: map[string]any{"owner": "u2"},
	}))

	// Writing owner=u1 into the payload must not buy access.
	_, err := svc.Update(ctx, testActor("nurse"), "patient", "other", map[string]any{"owner": "u1"})
	var nf *store.ErrNotFound
	require.ErrorAs(t, err, &nf)

	persisted, _ := s.GetEntity(ctx, "other")
	assert.Equal(t, "u2", persisted.Document["owner"])
}

func TestDelete(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()
	grantRole(t, s, "admin", models.Policy{ID: "p1", Resource: "*", Action: "*", Effect: models.EffectAllow})

	ent, err := svc.Create(ctx, testActor("admin"), "patient", map[string]any{"name": "Alice"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, testActor("admin"), "patient", ent.ID))
	_, err = s.GetEntity(ctx, ent.ID)
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestExplicitDeny_SurfacesAsDenied(t *testing.T) {
	svc, s := newTestService(t)
	grantRole(t, s, "admin", models.Policy{ID: "p1", Resource: "*", Action: "*", Effect: models.EffectAllow})
	grantRole(t, s, "blocked", models.Policy{ID: "p2", Resource: "patient", Action: "delete", Effect: models.EffectDeny})

	err := svc.Delete(context.Background(), testActor("admin", "blocked"), "patient", "any")
	var denied *authz.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.True(t, denied.Explicit)
}

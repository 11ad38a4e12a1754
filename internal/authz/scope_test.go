package authz_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

func rule(field string, op models.ScopeOperator, value string) models.ScopeRule {
	return models.ScopeRule{EntityType: "patient", Field: field, Operator: op, Value: value}
}

func TestEntityMatchesScope_ActorUserID(t *testing.T) {
	e, _ := newTestEngine(t)
	actor := actorWith("nurse")

	rules := []models.ScopeRule{rule("owner", models.OpEq, "actor.userId")}
	assert.True(t, e.EntityMatchesScope(context.Background(), actor, rules, map[string]any{"owner": "u1"}))
	assert.False(t, e.EntityMatchesScope(context.Background(), actor, rules, map[string]any{"owner": "u2"}))
	assert.False(t, e.EntityMatchesScope(context.Background(), actor, rules, map[string]any{}), "missing field matches nothing")
}

func TestEntityMatchesScope_LiteralAndBareValues(t *testing.T) {
	e, _ := newTestEngine(t)
	actor := actorWith("nurse")

	assert.True(t, e.EntityMatchesScope(context.Background(), actor,
		[]models.ScopeRule{rule("ward", models.OpEq, "literal:icu")},
		map[string]any{"ward": "icu"}))

	// Bare values read as literals too.
	assert.True(t, e.EntityMatchesScope(context.Background(), actor,
		[]models.ScopeRule{rule("ward", models.OpEq, "icu")},
		map[string]any{"ward": "icu"}))

	assert.True(t, e.EntityMatchesScope(context.Background(), actor,
		[]models.ScopeRule{rule("ward", models.OpNe, "literal:icu")},
		map[string]any{"ward": "er"}))
}

func TestEntityMatchesScope_ContainsOnArray(t *testing.T) {
	e, _ := newTestEngine(t)
	actor := actorWith("nurse")

	rules := []models.ScopeRule{rule("tags", models.OpContains, "literal:urgent")}
	assert.True(t, e.EntityMatchesScope(context.Background(), actor, rules,
		map[string]any{"tags": []any{"routine", "urgent"}}))
	assert.False(t, e.EntityMatchesScope(context.Background(), actor, rules,
		map[string]any{"tags": []any{"routine"}}))
}

func TestEntityMatchesScope_AllRulesMandatory(t *testing.T) {
	e, _ := newTestEngine(t)
	actor := actorWith("nurse")

	rules := []models.ScopeRule{
		rule("owner", models.OpEq, "actor.userId"),
		rule("ward", models.OpEq, "literal:icu"),
	}
	assert.True(t, e.EntityMatchesScope(context.Background(), actor, rules,
		map[string]any{"owner": "u1", "ward": "icu"}))
	assert.False(t, e.EntityMatchesScope(context.Background(), actor, rules,
		map[string]any{"owner": "u1", "ward": "er"}))
}

func TestEntityMatchesScope_UnresolvableReferenceFailsClosed(t *testing.T) {
	e, _ := newTestEngine(t)
	actor := actorWith("nurse")

	// actor.entityId with no bound entity type configured resolves to
	// nothing, so the rule matches nothing.
	rules := []models.ScopeRule{rule("id", models.OpEq, "actor.entityId")}
	assert.False(t, e.EntityMatchesScope(context.Background(), actor, rules, map[string]any{"id": "e1"}))

	// Unknown actor references fail closed too.
	rules = []models.ScopeRule{rule("id", models.OpEq, "actor.somethingElse")}
	assert.False(t, e.EntityMatchesScope(context.Background(), actor, rules, map[string]any{"id": "e1"}))
}

func TestEntityMatchesScope_BoundEntityAndRelatedIDs(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	actor := actorWith("nurse")

	// The nurse role binds to the staff type through the email field.
	require.NoError(t, s.CreateEntityType(ctx, &models.EntityType{
		ID: "et1", OrganizationID: testOrg, Slug: "staff", Name: "Staff",
		BoundToRole: "nurse", UserIDField: "userId",
	}))
	require.NoError(t, s.CreateEntity(ctx, &models.Entity{
		ID: "staff-1", OrganizationID: testOrg, Environment: models.EnvDevelopment,
		EntityType: "staff", Document: map[string]any{"userId": "u1"},
	}))
	require.NoError(t, s.CreateRelation(ctx, &models.Relation{
		ID: "r1", OrganizationID: testOrg, Environment: models.EnvDevelopment,
		RelationType: "assigned", FromEntityID: "staff-1", ToEntityID: "patient-7",
	}))

	// actor.entityId resolves to the bound staff record.
	assert.True(t, e.EntityMatchesScope(ctx, actor,
		[]models.ScopeRule{rule("assignee", models.OpEq, "actor.entityId")},
		map[string]any{"assignee": "staff-1"}))

	// actor.relatedIds:assigned resolves to the related patient set.
	assert.True(t, e.EntityMatchesScope(ctx, actor,
		[]models.ScopeRule{rule("id", models.OpIn, "actor.relatedIds:assigned")},
		map[string]any{"id": "patient-7"}))
	assert.False(t, e.EntityMatchesScope(ctx, actor,
		[]models.ScopeRule{rule("id", models.OpIn, "actor.relatedIds:assigned")},
		map[string]any{"id": "patient-9"}))
}

func TestFilterEntities(t *testing.T) {
	e, _ := newTestEngine(t)
	actor := actorWith("nurse")

	ents := []models.Entity{
		{ID: "e1", Document: map[string]any{"owner": "u1"}},
		{ID: "e2", Document: map[string]any{"owner": "u2"}},
		{ID: "e3", Document: map[string]any{"owner": "u1"}},
	}

	// No rules: everything passes through untouched.
	assert.Len(t, e.FilterEntities(context.Background(), actor, nil, ents), 3)

	got := e.FilterEntities(context.Background(), actor,
		[]models.ScopeRule{rule("owner", models.OpEq, "actor.userId")}, ents)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e3", got[1].ID)
}

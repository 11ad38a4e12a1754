package sync_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

func TestDetectDeletionRisks_AbsentKindsNotDiffed(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{agentSpec("support")}, nil)
	require.NoError(t, err)

	// Agents nil: the kind is not reconciled, so nothing is at risk.
	risks, err := r.DetectDeletionRisks(ctx, testOrg, models.EnvDevelopment, &models.SyncBundle{}, nil)
	require.NoError(t, err)
	assert.Empty(t, risks)

	// Agents empty (non-nil): everything persisted would go.
	risks, err = r.DetectDeletionRisks(ctx, testOrg, models.EnvDevelopment, &models.SyncBundle{
		Agents: []models.AgentSpec{},
	}, nil)
	require.NoError(t, err)
	require.Len(t, risks, 1)
	assert.Equal(t, models.KindAgents, risks[0].ResourceKind)
	assert.Equal(t, 1, risks[0].RemoteCount)
	assert.Equal(t, 0, risks[0].LocalCount)
	assert.Equal(t, []string{"support"}, risks[0].DeletedNames)
}

func TestDetectDeletionRisks_PreservedKeysExcluded(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{
		agentSpec("support"), agentSpec("billing"),
	}, nil)
	require.NoError(t, err)

	bundle := &models.SyncBundle{Agents: []models.AgentSpec{}}

	// Preserving one of the two leaves only the other at risk.
	risks, err := r.DetectDeletionRisks(ctx, testOrg, models.EnvDevelopment, bundle,
		map[string][]string{models.KindAgents: {"billing"}})
	require.NoError(t, err)
	require.Len(t, risks, 1)
	assert.Equal(t, []string{"support"}, risks[0].DeletedNames)

	// Preserving both clears the kind entirely.
	risks, err = r.DetectDeletionRisks(ctx, testOrg, models.EnvDevelopment, bundle,
		map[string][]string{models.KindAgents: {"support", "billing"}})
	require.NoError(t, err)
	assert.Empty(t, risks)
}

func TestDetectDeletionRisks_SystemRolesNeverCount(t *testing.T) {
	r, s := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRole(ctx, &models.Role{
		ID: "sys", OrganizationID: testOrg, Name: "admin", System: true,
	}))
	_, err := r.ReconcileRoles(ctx, testOrg, []models.RoleSpec{{
		Name:     "nurse",
		Policies: []models.PolicySpec{{Resource: "patient", Actions: []string{"read"}, Effect: models.EffectAllow}},
	}}, nil)
	require.NoError(t, err)

	risks, err := r.DetectDeletionRisks(ctx, testOrg, models.EnvDevelopment, &models.SyncBundle{
		Roles: []models.RoleSpec{},
	}, nil)
	require.NoError(t, err)
	require.Len(t, risks, 1)
	assert.Equal(t, []string{"nurse"}, risks[0].DeletedNames, "only the declared role is at risk, never system roles")
}

func TestDetectDeletionRisks_DeletedAgentsExcluded(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{agentSpec("support")}, nil)
	require.NoError(t, err)
	_, err = r.ReconcileAgents(ctx, testOrg, models.EnvDevelopment, []models.AgentSpec{}, nil)
	require.NoError(t, err)

	risks, err := r.DetectDeletionRisks(ctx, testOrg, models.EnvDevelopment, &models.SyncBundle{
		Agents: []models.AgentSpec{},
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, risks, "an already soft-deleted agent is not a pending deletion")
}

func TestDetectDeletionRisks_EvalSuitesAlwaysDiffedInEval(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileAgents(ctx, testOrg, models.EnvEval, []models.AgentSpec{agentSpec("support")}, nil)
	require.NoError(t, err)
	_, err = r.ReconcileEvalSuites(ctx, testOrg, models.EnvEval, []models.EvalSuiteSpec{{
		Slug: "smoke", Name: "Smoke", AgentSlug: "support",
	}}, nil)
	require.NoError(t, err)

	// The sync targets development, but suite risks come from the eval env.
	risks, err := r.DetectDeletionRisks(ctx, testOrg, models.EnvDevelopment, &models.SyncBundle{
		EvalSuites: []models.EvalSuiteSpec{},
	}, nil)
	require.NoError(t, err)
	require.Len(t, risks, 1)
	assert.Equal(t, models.KindEvalSuites, risks[0].ResourceKind)
	assert.Equal(t, []string{"smoke"}, risks[0].DeletedNames)
}

package trigger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/internal/trigger"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

const testOrg = "acme"

// recordingRunner captures pipeline steps and can fail the first N calls.
type recordingRunner struct {
	calls    []string // "trigger-slug/verb"
	failNext int
}

func (r *recordingRunner) Run(ctx context.Context, t *models.Trigger, action models.TriggerAction, event trigger.Event) error {
	r.calls = append(r.calls, t.Slug+"/"+action.Verb)
	if r.failNext > 0 {
		r.failNext--
		return errors.New("transient failure")
	}
	return nil
}

func newTestDispatcher(t *testing.T) (*trigger.Dispatcher, *recordingRunner, store.Store) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	runner := &recordingRunner{}
	return trigger.NewDispatcher(s, runner), runner, s
}

func seedTrigger(t *testing.T, s store.Store, trig *models.Trigger) {
	t.Helper()
	if trig.OrganizationID == "" {
		trig.OrganizationID = testOrg
	}
	if trig.Environment == "" {
		trig.Environment = models.EnvDevelopment
	}
	require.NoError(t, s.CreateTrigger(context.Background(), trig))
}

func event(entityType string, kind models.EntityEvent, doc map[string]any) trigger.Event {
	return trigger.Event{
		OrganizationID: testOrg,
		Environment:    models.EnvDevelopment,
		EntityType:     entityType,
		Kind:           kind,
		Entity: &models.Entity{
			ID: "e1", OrganizationID: testOrg, Environment: models.EnvDevelopment,
			EntityType: entityType, Document: doc,
		},
	}
}

func TestDispatch_MatchesTypeAndEvent(t *testing.T) {
	d, runner, s := newTestDispatcher(t)
	seedTrigger(t, s, &models.Trigger{
		ID: "t1", Slug: "on-ticket", EntityType: "ticket", Event: models.EventCreated,
		Actions: []models.TriggerAction{{Verb: "notify"}},
	})

	require.NoError(t, d.Dispatch(context.Background(), event("ticket", models.EventCreated, nil)))
	assert.Equal(t, []string{"on-ticket/notify"}, runner.calls)

	// Wrong event kind, wrong type: no dispatch.
	runner.calls = nil
	require.NoError(t, d.Dispatch(context.Background(), event("ticket", models.EventUpdated, nil)))
	require.NoError(t, d.Dispatch(context.Background(), event("invoice", models.EventCreated, nil)))
	assert.Empty(t, runner.calls)
}

func TestDispatch_ConditionMap(t *testing.T) {
	d, runner, s := newTestDispatcher(t)
	seedTrigger(t, s, &models.Trigger{
		ID: "t1", Slug: "urgent-only", EntityType: "ticket", Event: models.EventCreated,
		Condition: map[string]any{"priority": "urgent", "score": 5},
		Actions:   []models.TriggerAction{{Verb: "notify"}},
	})

	// JSON decoding hands the dispatcher float64 where the condition holds an
	// int; the comparison tolerates that.
	require.NoError(t, d.Dispatch(context.Background(), event("ticket", models.EventCreated,
		map[string]any{"priority": "urgent", "score": float64(5)})))
	assert.Len(t, runner.calls, 1)

	runner.calls = nil
	require.NoError(t, d.Dispatch(context.Background(), event("ticket", models.EventCreated,
		map[string]any{"priority": "low", "score": float64(5)})))
	assert.Empty(t, runner.calls, "all condition pairs must match")
}

func TestDispatch_WhenExpression(t *testing.T) {
	d, runner, s := newTestDispatcher(t)
	seedTrigger(t, s, &models.Trigger{
		ID: "t1", Slug: "big-orders", EntityType: "order", Event: models.EventCreated,
		When:    `document.total > 100 && event == "created"`,
		Actions: []models.TriggerAction{{Verb: "notify"}},
	})

	require.NoError(t, d.Dispatch(context.Background(), event("order", models.EventCreated,
		map[string]any{"total": 250.0})))
	assert.Len(t, runner.calls, 1)

	runner.calls = nil
	require.NoError(t, d.Dispatch(context.Background(), event("order", models.EventCreated,
		map[string]any{"total": 50.0})))
	assert.Empty(t, runner.calls)
}

func TestDispatch_BadWhenExpressionIsIsolated(t *testing.T) {
	d, runner, s := newTestDispatcher(t)
	seedTrigger(t, s, &models.Trigger{
		ID: "t1", Slug: "broken", EntityType: "order", Event: models.EventCreated,
		When:    `document.total +`,
		Actions: []models.TriggerAction{{Verb: "notify"}},
	})
	seedTrigger(t, s, &models.Trigger{
		ID: "t2", Slug: "healthy", EntityType: "order", Event: models.EventCreated,
		Actions: []models.TriggerAction{{Verb: "webhook"}},
	})

	// The broken trigger is skipped; the healthy one still fires and
	// Dispatch itself does not fail.
	require.NoError(t, d.Dispatch(context.Background(), event("order", models.EventCreated,
		map[string]any{"total": 250.0})))
	assert.Equal(t, []string{"healthy/webhook"}, runner.calls)
}

func TestDispatch_PipelineRunsInOrderAndStopsOnFailure(t *testing.T) {
	d, runner, s := newTestDispatcher(t)
	seedTrigger(t, s, &models.Trigger{
		ID: "t1", Slug: "multi", EntityType: "ticket", Event: models.EventCreated,
		Actions: []models.TriggerAction{{Verb: "create_entity"}, {Verb: "notify"}, {Verb: "webhook"}},
	})

	runner.failNext = 1 // first step fails once, no retry policy
	require.NoError(t, d.Dispatch(context.Background(), event("ticket", models.EventCreated, nil)))
	assert.Equal(t, []string{"multi/create_entity"}, runner.calls, "later steps must not run after a failed step")

	runner.calls = nil
	require.NoError(t, d.Dispatch(context.Background(), event("ticket", models.EventCreated, nil)))
	assert.Equal(t, []string{"multi/create_entity", "multi/notify", "multi/webhook"}, runner.calls)
}

func TestDispatch_RetriesWithPolicy(t *testing.T) {
	d, runner, s := newTestDispatcher(t)
	seedTrigger(t, s, &models.Trigger{
		ID: "t1", Slug: "flaky", EntityType: "ticket", Event: models.EventCreated,
		Actions: []models.TriggerAction{{Verb: "webhook"}},
		Retry:   &models.RetryPolicy{MaxAttempts: 3, Backoff: "1ms"},
	})

	runner.failNext = 2
	require.NoError(t, d.Dispatch(context.Background(), event("ticket", models.EventCreated, nil)))
	assert.Len(t, runner.calls, 3, "two failures then success within a 3-attempt budget")
}

package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentloom/agentloom/control-plane/internal/notify"
	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Runner is the default ActionRunner. Entity verbs write through the store,
// webhook posts the event payload, notify delivers to the channel named in
// the action params, invoke_agent lands on the audit trail for the execution
// plane.
type Runner struct {
	store    store.Store
	notifier *notify.Service
	client   *http.Client
}

func NewRunner(s store.Store) *Runner {
	return &Runner{
		store:    s,
		notifier: notify.NewService(),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) Run(ctx context.Context, t *models.Trigger, action models.TriggerAction, event Event) error {
	switch action.Verb {
	case "create_entity":
		return r.createEntity(ctx, action, event)
	case "update_entity":
		return r.updateEntity(ctx, action, event)
	case "delete_entity":
		return r.deleteEntity(ctx, event)
	case "webhook":
		return r.webhook(ctx, action, event)
	case "notify":
		return r.notify(ctx, t, action, event)
	case "invoke_agent":
		return r.record(ctx, t, "trigger.invoke_agent", action.Params, event)
	default:
		return fmt.Errorf("unknown action verb %q", action.Verb)
	}
}

func (r *Runner) createEntity(ctx context.Context, action models.TriggerAction, event Event) error {
	typeSlug, _ := action.Params["entity_type"].(string)
	doc, _ := action.Params["document"].(map[string]any)
	if typeSlug == "" || doc == nil {
		return fmt.Errorf("create_entity requires entity_type and document params")
	}
	now := time.Now().UTC()
	return r.store.CreateEntity(ctx, &models.Entity{
		ID:             uuid.New().String(),
		OrganizationID: event.OrganizationID,
		Environment:    event.Environment,
		EntityType:     typeSlug,
		Document:       doc,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

func (r *Runner) updateEntity(ctx context.Context, action models.TriggerAction, event Event) error {
	if event.Entity == nil {
		return fmt.Errorf("update_entity requires an entity on the event")
	}
	patch, _ := action.Params["patch"].(map[string]any)
	if patch == nil {
		return fmt.Errorf("update_entity requires a patch param")
	}
	current, err := r.store.GetEntity(ctx, event.Entity.ID)
	if err != nil {
		return err
	}
	updated := *current
	updated.Document = make(map[string]any, len(current.Document)+len(patch))
	for k, v := range current.Document {
		updated.Document[k] = v
	}
	for k, v := range patch {
		updated.Document[k] = v
	}
	updated.UpdatedAt = time.Now().UTC()
	return r.store.UpdateEntity(ctx, &updated)
}

func (r *Runner) deleteEntity(ctx context.Context, event Event) error {
	if event.Entity == nil {
		return fmt.Errorf("delete_entity requires an entity on the event")
	}
	return r.store.DeleteEntity(ctx, event.Entity.ID)
}

func (r *Runner) webhook(ctx context.Context, action models.TriggerAction, event Event) error {
	url, _ := action.Params["url"].(string)
	if url == "" {
		return fmt.Errorf("webhook requires a url param")
	}
	payload := map[string]any{
		"organization_id": event.OrganizationID,
		"environment":     event.Environment,
		"entity_type":     event.EntityType,
		"event":           event.Kind,
	}
	if event.Entity != nil {
		payload["entity"] = event.Entity
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// notify delivers the event to the channel declared in the action params.
// Actions without a url fall back to the audit trail so operators still see
// that a notification was due.
func (r *Runner) notify(ctx context.Context, t *models.Trigger, action models.TriggerAction, event Event) error {
	ch, err := notify.ChannelFromParams(action.Params)
	if err != nil {
		return r.record(ctx, t, "trigger.notify", action.Params, event)
	}
	ev := notify.Event{
		Type:           string(event.Kind),
		OrganizationID: event.OrganizationID,
		Environment:    string(event.Environment),
		Trigger:        t.Slug,
		EntityType:     event.EntityType,
		Timestamp:      time.Now().UTC(),
	}
	if event.Entity != nil {
		ev.Payload = event.Entity.Document
	}
	res := r.notifier.Dispatch(ctx, ch, ev)
	if !res.Success && !res.Skipped {
		return fmt.Errorf("notify %s: %s", res.Channel, res.Error)
	}
	return nil
}

// record lands the action on the audit trail. Agent invocation is consumed
// from there by the execution plane.
func (r *Runner) record(ctx context.Context, t *models.Trigger, action string, params map[string]any, event Event) error {
	details := map[string]any{
		"trigger":     t.Slug,
		"entity_type": event.EntityType,
		"event":       string(event.Kind),
	}
	for k, v := range params {
		details[k] = v
	}
	err := r.store.CreateAuditEvent(ctx, &models.AuditEvent{
		ID:             uuid.New().String(),
		OrganizationID: event.OrganizationID,
		Environment:    event.Environment,
		UserID:         "system",
		Action:         action,
		Resource:       "trigger:" + t.Slug,
		Details:        details,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	log.Debug().Str("trigger", t.Slug).Str("action", action).Msg("Trigger action recorded")
	return nil
}

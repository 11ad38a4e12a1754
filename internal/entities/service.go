// Package entities implements the authorized CRUD surface over entity
// documents: every operation passes the policy gate, list results are scope
// filtered and field masked, and writes emit lifecycle events to the trigger
// dispatcher.
package entities

import (
	"context"
	"fmt"
	"time"

	"github.com/agentloom/agentloom/control-plane/internal/authz"
	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/internal/trigger"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Service is the entity CRUD layer. All reads return masked copies; callers
// never see a raw document they hold only a redacted grant for.
type Service struct {
	store      store.Store
	engine     *authz.Engine
	dispatcher *trigger.Dispatcher
}

func NewService(s store.Store, engine *authz.Engine, dispatcher *trigger.Dispatcher) *Service {
	return &Service{store: s, engine: engine, dispatcher: dispatcher}
}

// List returns the entities of one type the actor may read, scope filtered
// and field masked.
func (s *Service) List(ctx context.Context, actor authz.Actor, typeSlug string) ([]models.Entity, error) {
	decision, err := s.engine.Authorize(ctx, actor, typeSlug, "read")
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Deny(typeSlug, "read")
	}

	all, err := s.store.ListEntities(ctx, actor.OrganizationID, actor.Environment, typeSlug)
	if err != nil {
		return nil, err
	}
	visible := s.engine.FilterEntities(ctx, actor, decision.ScopeRules, all)
	return authz.MaskEntities(visible, decision.FieldMasks), nil
}

// Get returns one entity. An entity that exists but falls outside the
// actor's scope reads as not found, so scope never leaks existence.
func (s *Service) Get(ctx context.Context, actor authz.Actor, typeSlug, id string) (*models.Entity, error) {
	decision, err := s.engine.Authorize(ctx, actor, typeSlug, "read")
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Deny(typeSlug, "read")
	}

	entity, err := s.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if entity.OrganizationID != actor.OrganizationID ||
		entity.Environment != actor.Environment ||
		entity.EntityType != typeSlug {
		return nil, &store.ErrNotFound{Entity: "entity", Key: id}
	}
	if !s.engine.EntityMatchesScope(ctx, actor, decision.ScopeRules, entity.Document) {
		return nil, &store.ErrNotFound{Entity: "entity", Key: id}
	}

	masked := authz.MaskEntities([]models.Entity{*entity}, decision.FieldMasks)
	return &masked[0], nil
}

// Create validates the document against the type's schema, writes it, and
// fires the created event.
func (s *Service) Create(ctx context.Context, actor authz.Actor, typeSlug string, doc map[string]any) (*models.Entity, error) {
	decision, err := s.engine.Authorize(ctx, actor, typeSlug, "create")
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Deny(typeSlug, "create")
	}

	et, err := s.store.GetEntityTypeBySlug(ctx, actor.OrganizationID, typeSlug)
	if err != nil {
		return nil, err
	}
	if err := ValidateDocument(et.Schema, doc); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entity := &models.Entity{
		ID:             uuid.New().String(),
		OrganizationID: actor.OrganizationID,
		Environment:    actor.Environment,
		EntityType:     typeSlug,
		Document:       doc,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateEntity(ctx, entity); err != nil {
		return nil, err
	}
	s.emit(ctx, actor, models.EventCreated, entity)
	return entity, nil
}

// Update replaces the entity's document and fires the updated event. Scope
// is checked against the persisted document, not the incoming one, so an
// actor can't write their way into scope.
func (s *Service) Update(ctx context.Context, actor authz.Actor, typeSlug, id string, doc map[string]any) (*models.Entity, error) {
	decision, err := s.engine.Authorize(ctx, actor, typeSlug, "update")
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Deny(typeSlug, "update")
	}

	current, err := s.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.OrganizationID != actor.OrganizationID ||
		current.Environment != actor.Environment ||
		current.EntityType != typeSlug {
		return nil, &store.ErrNotFound{Entity: "entity", Key: id}
	}
	if !s.engine.EntityMatchesScope(ctx, actor, decision.ScopeRules, current.Document) {
		return nil, &store.ErrNotFound{Entity: "entity", Key: id}
	}

	et, err := s.store.GetEntityTypeBySlug(ctx, actor.OrganizationID, typeSlug)
	if err != nil {
		return nil, err
	}
	if err := ValidateDocument(et.Schema, doc); err != nil {
		return nil, err
	}

	updated := *current
	updated.Document = doc
	updated.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateEntity(ctx, &updated); err != nil {
		return nil, err
	}
	s.emit(ctx, actor, models.EventUpdated, &updated)
	return &updated, nil
}

// Delete removes the entity and fires the deleted event with the last
// document snapshot.
func (s *Service) Delete(ctx context.Context, actor authz.Actor, typeSlug, id string) error {
	decision, err := s.engine.Authorize(ctx, actor, typeSlug, "delete")
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return decision.Deny(typeSlug, "delete")
	}

	current, err := s.store.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	if current.OrganizationID != actor.OrganizationID ||
		current.Environment != actor.Environment ||
		current.EntityType != typeSlug {
		return &store.ErrNotFound{Entity: "entity", Key: id}
	}
	if !s.engine.EntityMatchesScope(ctx, actor, decision.ScopeRules, current.Document) {
		return &store.ErrNotFound{Entity: "entity", Key: id}
	}

	if err := s.store.DeleteEntity(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, actor, models.EventDeleted, current)
	return nil
}

// emit hands the lifecycle event to the trigger dispatcher. Dispatch
// failures are logged, never surfaced: the write already happened.
func (s *Service) emit(ctx context.Context, actor authz.Actor, kind models.EntityEvent, entity *models.Entity) {
	if s.dispatcher == nil {
		return
	}
	err := s.dispatcher.Dispatch(ctx, trigger.Event{
		OrganizationID: actor.OrganizationID,
		Environment:    actor.Environment,
		EntityType:     entity.EntityType,
		Kind:           kind,
		Entity:         entity,
	})
	if err != nil {
		log.Warn().Err(err).Str("entity_type", entity.EntityType).Str("event", string(kind)).Msg("Trigger dispatch failed")
	}
}

// DocumentError reports a document that does not conform to its type's
// schema.
type DocumentError struct {
	Field  string
	Reason string
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document field %q: %s", e.Field, e.Reason)
}

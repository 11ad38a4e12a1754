package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Scope rule values resolve against the actor at evaluation time. Resolution
// failures (an actor.entityId reference with no bound entity type) degrade to
// "matches nothing" so a misconfigured role fails closed instead of throwing.

const (
	refUserID        = "actor.userId"
	refOrgID         = "actor.organizationId"
	refEntityID      = "actor.entityId"
	refRelatedPrefix = "actor.relatedIds:"
	literalPrefix    = "literal:"
)

// EntityMatchesScope reports whether the document satisfies every scope rule.
// Rules are mandatory filters: all must match. A rule whose value cannot be
// resolved matches nothing.
func (e *Engine) EntityMatchesScope(ctx context.Context, actor Actor, rules []models.ScopeRule, doc map[string]any) bool {
	for _, rule := range rules {
		resolved, ok := e.resolveValue(ctx, actor, rule.Value)
		if !ok {
			return false
		}
		if !matchRule(rule, doc, resolved) {
			return false
		}
	}
	return true
}

// FilterEntities returns the subset of entities whose documents satisfy every
// scope rule for the actor.
func (e *Engine) FilterEntities(ctx context.Context, actor Actor, rules []models.ScopeRule, entities []models.Entity) []models.Entity {
	if len(rules) == 0 {
		return entities
	}
	out := make([]models.Entity, 0, len(entities))
	for _, ent := range entities {
		if e.EntityMatchesScope(ctx, actor, rules, ent.Document) {
			out = append(out, ent)
		}
	}
	return out
}

// resolveValue resolves a scope rule value to the set of strings it stands
// for. ok=false means resolution failed and the rule must match nothing.
func (e *Engine) resolveValue(ctx context.Context, actor Actor, value string) ([]string, bool) {
	switch {
	case value == refUserID:
		return []string{actor.UserID}, true

	case value == refOrgID:
		return []string{actor.OrganizationID}, true

	case value == refEntityID:
		ent := e.boundEntity(ctx, actor)
		if ent == nil {
			return nil, false
		}
		return []string{ent.ID}, true

	case strings.HasPrefix(value, refRelatedPrefix):
		relType := strings.TrimPrefix(value, refRelatedPrefix)
		ent := e.boundEntity(ctx, actor)
		if ent == nil {
			return nil, false
		}
		ids, err := e.store.ListRelatedIDs(ctx, actor.OrganizationID, actor.Environment, relType, ent.ID)
		if err != nil {
			log.Warn().Err(err).Str("relation", relType).Msg("Related ID resolution failed, scope matches nothing")
			return nil, false
		}
		return ids, true

	case strings.HasPrefix(value, literalPrefix):
		return []string{strings.TrimPrefix(value, literalPrefix)}, true

	case strings.HasPrefix(value, "actor."):
		// Unknown actor reference: fail closed.
		log.Warn().Str("value", value).Msg("Unknown actor reference in scope rule")
		return nil, false

	default:
		// Bare values are literals.
		return []string{value}, true
	}
}

// boundEntity resolves the entity bound to the actor through an entity type
// declaring boundToRole for one of the actor's roles. Returns nil when no
// binding exists — the caller treats that as match-nothing.
func (e *Engine) boundEntity(ctx context.Context, actor Actor) *models.Entity {
	types, err := e.store.ListEntityTypes(ctx, actor.OrganizationID)
	if err != nil {
		log.Warn().Err(err).Msg("Entity type listing failed during binding resolution")
		return nil
	}
	for _, et := range types {
		if et.BoundToRole == "" || et.UserIDField == "" {
			continue
		}
		if !containsString(actor.Roles, et.BoundToRole) {
			continue
		}
		ent, err := e.store.FindEntityByField(ctx, actor.OrganizationID, actor.Environment, et.Slug, et.UserIDField, actor.UserID)
		if err != nil {
			if _, ok := err.(*store.ErrNotFound); !ok {
				log.Warn().Err(err).Str("type", et.Slug).Msg("Bound entity lookup failed")
			}
			continue
		}
		return ent
	}
	return nil
}

// matchRule applies a single rule operator to the document field.
func matchRule(rule models.ScopeRule, doc map[string]any, resolved []string) bool {
	fieldVal, ok := lookupPath(doc, rule.Field)
	if !ok {
		return false
	}

	switch rule.Operator {
	case models.OpEq:
		return len(resolved) == 1 && stringify(fieldVal) == resolved[0]

	case models.OpNe:
		return len(resolved) == 1 && stringify(fieldVal) != resolved[0]

	case models.OpIn:
		fv := stringify(fieldVal)
		for _, r := range resolved {
			if fv == r {
				return true
			}
		}
		return false

	case models.OpContains:
		if len(resolved) != 1 {
			return false
		}
		switch v := fieldVal.(type) {
		case []any:
			for _, item := range v {
				if stringify(item) == resolved[0] {
					return true
				}
			}
			return false
		case string:
			return strings.Contains(v, resolved[0])
		default:
			return false
		}

	default:
		return false
	}
}

// lookupPath walks a dot-separated path through nested maps.
func lookupPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		mp, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mp[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

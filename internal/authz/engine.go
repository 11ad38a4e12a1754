// Package authz implements the policy evaluation engine that gates every
// entity operation: policy matching with deny-overrides-allow semantics,
// row-level scope filtering, and column-level field masking.
//
// The engine is a pure data operation over the store — it never blocks on
// network I/O and is safe for concurrent use.
package authz

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Wildcard matches any resource or action in a policy.
const Wildcard = "*"

// Actor is the authenticated identity a decision is evaluated for.
type Actor struct {
	UserID         string
	OrganizationID string
	Environment    models.Environment
	Roles          []string // role names
}

// Decision is the outcome of evaluating a (resource, action) pair for an
// actor. A denied decision is distinguishable from "not found": the engine
// reports denied, never absent.
type Decision struct {
	Allowed bool

	// Explicit is set when the denial came from a matching deny policy
	// rather than the default-deny fallthrough.
	Explicit bool

	// DeniedBy names the role whose policy denied, when Explicit.
	DeniedBy string

	// ScopeRules are the mandatory row filters collected from matching
	// allow policies, ordered by policy priority.
	ScopeRules []models.ScopeRule

	// FieldMasks are the column redactions collected from matching allow
	// policies, ordered by policy priority.
	FieldMasks []models.FieldMask
}

// DeniedError is the structured authorization failure surfaced to callers.
// Presentation layers may choose to mask it as not-found; the engine itself
// never conflates the two.
type DeniedError struct {
	Resource string
	Action   string
	Explicit bool
	Role     string
}

func (e *DeniedError) Error() string {
	if e.Explicit {
		return fmt.Sprintf("denied: role %q denies %s on %s", e.Role, e.Action, e.Resource)
	}
	return fmt.Sprintf("denied: no policy allows %s on %s", e.Action, e.Resource)
}

// Engine evaluates policy sets against (resource, action, actor) triples.
type Engine struct {
	store store.Store
}

// NewEngine creates an authorization engine backed by the given store.
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// Authorize evaluates the actor's roles against the requested resource and
// action:
//
//  1. Collect every policy whose resource and action match (wildcards count).
//  2. Any matching deny wins unconditionally — priority never rescues an
//     allow from a deny.
//  3. Otherwise at least one matching allow grants access.
//  4. Zero matches is the default deny.
//
// On allow, the decision carries the scope rules for the target resource and
// the field masks from every matching allow policy.
func (e *Engine) Authorize(ctx context.Context, actor Actor, resource, action string) (*Decision, error) {
	type match struct {
		role   string
		policy models.Policy
	}
	var matches []match

	for _, roleName := range actor.Roles {
		role, err := e.store.GetRoleByName(ctx, actor.OrganizationID, roleName)
		if err != nil {
			if _, ok := err.(*store.ErrNotFound); ok {
				// A role assigned to the actor but missing from the org is a
				// misconfiguration; it contributes no policies.
				log.Warn().Str("role", roleName).Str("org", actor.OrganizationID).Msg("Actor references unknown role")
				continue
			}
			return nil, fmt.Errorf("load role %q: %w", roleName, err)
		}
		for _, p := range role.Policies {
			if policyMatches(p, resource, action) {
				matches = append(matches, match{role: role.Name, policy: p})
			}
		}
	}

	// Deny override: any matching deny ends the evaluation.
	for _, m := range matches {
		if m.policy.Effect == models.EffectDeny {
			return &Decision{Allowed: false, Explicit: true, DeniedBy: m.role}, nil
		}
	}

	var allows []models.Policy
	for _, m := range matches {
		if m.policy.Effect == models.EffectAllow {
			allows = append(allows, m.policy)
		}
	}
	if len(allows) == 0 {
		return &Decision{Allowed: false}, nil
	}

	// Priority orders among same-effect matches; lower value evaluates first.
	sort.SliceStable(allows, func(i, j int) bool { return allows[i].Priority < allows[j].Priority })

	dec := &Decision{Allowed: true}
	for _, p := range allows {
		for _, sr := range p.ScopeRules {
			if sr.EntityType == resource || sr.EntityType == Wildcard {
				dec.ScopeRules = append(dec.ScopeRules, sr)
			}
		}
		for _, fm := range p.FieldMasks {
			if fm.EntityType == resource || fm.EntityType == Wildcard {
				dec.FieldMasks = append(dec.FieldMasks, fm)
			}
		}
	}
	return dec, nil
}

// Deny converts a not-allowed decision into its structured error.
func (d *Decision) Deny(resource, action string) error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Resource: resource, Action: action, Explicit: d.Explicit, Role: d.DeniedBy}
}

func policyMatches(p models.Policy, resource, action string) bool {
	if p.Resource != resource && p.Resource != Wildcard {
		return false
	}
	return p.Action == action || p.Action == Wildcard
}

package sync

import (
	"context"
	"fmt"

	"github.com/agentloom/agentloom/control-plane/pkg/models"
)

// DetectDeletionRisks computes, without writing anything, which persisted
// resources the bundle would delete (or soft-delete/archive) if applied to
// the environment right now. One entry per kind with pending removals;
// kinds absent from the bundle are not diffed, system roles,
// already-deleted agents and preserve-listed keys never count (a preserved
// key survives the diff, so its absence deletes nothing). The answer is
// advisory: the real sync re-diffs under the lock, so racing writes at
// worst make the preview stale, never wrong in what it applies.
func (r *Reconciler) DetectDeletionRisks(ctx context.Context, organizationID string, env models.Environment, bundle *models.SyncBundle, preserve map[string][]string) ([]models.DeletionRisk, error) {
	var risks []models.DeletionRisk

	if bundle.Agents != nil {
		agents, err := r.store.ListAgents(ctx, organizationID, false)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		remote := make([]string, 0, len(agents))
		for _, a := range agents {
			remote = append(remote, a.Slug)
		}
		local := make([]string, 0, len(bundle.Agents))
		for _, s := range bundle.Agents {
			local = append(local, s.Slug)
		}
		if risk := riskFor(models.KindAgents, remote, local, preserveSet(preserve, models.KindAgents)); risk != nil {
			risks = append(risks, *risk)
		}
	}

	if bundle.EntityTypes != nil {
		types, err := r.store.ListEntityTypes(ctx, organizationID)
		if err != nil {
			return nil, fmt.Errorf("list entity types: %w", err)
		}
		remote := make([]string, 0, len(types))
		for _, et := range types {
			remote = append(remote, et.Slug)
		}
		local := make([]string, 0, len(bundle.EntityTypes))
		for _, s := range bundle.EntityTypes {
			local = append(local, s.Slug)
		}
		if risk := riskFor(models.KindEntityTypes, remote, local, preserveSet(preserve, models.KindEntityTypes)); risk != nil {
			risks = append(risks, *risk)
		}
	}

	if bundle.Roles != nil {
		roles, err := r.store.ListRoles(ctx, organizationID)
		if err != nil {
			return nil, fmt.Errorf("list roles: %w", err)
		}
		var remote []string
		for _, role := range roles {
			if role.System {
				continue
			}
			remote = append(remote, role.Name)
		}
		local := make([]string, 0, len(bundle.Roles))
		for _, s := range bundle.Roles {
			local = append(local, s.Name)
		}
		if risk := riskFor(models.KindRoles, remote, local, preserveSet(preserve, models.KindRoles)); risk != nil {
			risks = append(risks, *risk)
		}
	}

	if bundle.Triggers != nil {
		triggers, err := r.store.ListTriggers(ctx, organizationID, env)
		if err != nil {
			return nil, fmt.Errorf("list triggers: %w", err)
		}
		remote := make([]string, 0, len(triggers))
		for _, t := range triggers {
			remote = append(remote, t.Slug)
		}
		local := make([]string, 0, len(bundle.Triggers))
		for _, s := range bundle.Triggers {
			local = append(local, s.Slug)
		}
		if risk := riskFor(models.KindTriggers, remote, local, preserveSet(preserve, models.KindTriggers)); risk != nil {
			risks = append(risks, *risk)
		}
	}

	if bundle.EvalSuites != nil {
		// Eval suites always live in the eval environment, wherever the
		// sync itself targets.
		suites, err := r.store.ListEvalSuites(ctx, organizationID, models.EnvEval, false)
		if err != nil {
			return nil, fmt.Errorf("list eval suites: %w", err)
		}
		remote := make([]string, 0, len(suites))
		for _, s := range suites {
			remote = append(remote, s.Slug)
		}
		local := make([]string, 0, len(bundle.EvalSuites))
		for _, s := range bundle.EvalSuites {
			local = append(local, s.Slug)
		}
		if risk := riskFor(models.KindEvalSuites, remote, local, preserveSet(preserve, models.KindEvalSuites)); risk != nil {
			risks = append(risks, *risk)
		}
	}

	return risks, nil
}

// riskFor diffs persisted keys against declared keys for one kind and
// returns a risk entry when the diff would remove anything. Preserved keys
// are excluded from the removals.
func riskFor(kind string, remote, local []string, preserved map[string]bool) *models.DeletionRisk {
	declared := make(map[string]bool, len(local))
	for _, k := range local {
		declared[k] = true
	}
	var removed []string
	for _, k := range remote {
		if !declared[k] && !preserved[k] {
			removed = append(removed, k)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	return &models.DeletionRisk{
		ResourceKind: kind,
		RemoteCount:  len(remote),
		LocalCount:   len(local),
		DeletedNames: removed,
	}
}

// preserveSet turns the kind's preserve list into a lookup set.
func preserveSet(preserve map[string][]string, kind string) map[string]bool {
	keys := preserve[kind]
	if len(keys) == 0 {
		return nil
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/agentloom/agentloom/control-plane/internal/store"
	"github.com/agentloom/agentloom/control-plane/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LockTimeout bounds how long a sync waits to serialize behind another sync
// of the same (organization, environment, kind) before giving up.
const LockTimeout = 30 * time.Second

// ErrSyncBusy means the per-kind lock could not be acquired in time. Clients
// should retry; nothing was applied for the contested kind.
type ErrSyncBusy struct {
	Kind string
}

func (e *ErrSyncBusy) Error() string {
	return fmt.Sprintf("sync busy: timed out waiting for %s lock", e.Kind)
}

// ErrDeletionRisks rejects a non-forced sync that would delete persisted
// resources. The caller surfaces the risks and retries with force once the
// operator confirms.
type ErrDeletionRisks struct {
	Risks []models.DeletionRisk
}

func (e *ErrDeletionRisks) Error() string {
	return fmt.Sprintf("sync would delete resources in %d kind(s); confirm with force", len(e.Risks))
}

// Options tunes one sync invocation.
type Options struct {
	// Force applies the bundle even when the diff deletes persisted
	// resources.
	Force bool
	// Preserve maps kind label to natural keys that must survive the diff
	// even when absent from the bundle.
	Preserve map[string][]string
	// ActorID is recorded on the audit trail.
	ActorID string
}

func (o Options) preserveSet(kind string) map[string]bool {
	return preserveSet(o.Preserve, kind)
}

// Service orchestrates the sync protocol: validation, deletion-risk gating,
// per-kind serialization, the fixed reconcile order, and the development to
// eval fan-out.
type Service struct {
	store      store.Store
	reconciler *Reconciler
	validator  *validator.Validate

	mu    stdsync.Mutex
	locks map[string]chan struct{}
}

// NewService creates a sync service over the given store.
func NewService(s store.Store) *Service {
	return &Service{
		store:      s,
		reconciler: NewReconciler(s),
		validator:  models.NewBundleValidator(),
		locks:      make(map[string]chan struct{}),
	}
}

// Reconciler exposes the underlying reconciler for promotion and planning.
func (s *Service) Reconciler() *Reconciler {
	return s.reconciler
}

// SyncDevelopment applies the bundle to the development environment. When
// the bundle carries eval content (suites or fixtures), the sync fans out:
// agent configs are mirrored into eval, then suites and fixtures are
// reconciled there, so eval always runs against the just-synced definitions.
// Production is never touched.
func (s *Service) SyncDevelopment(ctx context.Context, organizationID string, bundle *models.SyncBundle, opts Options) (*models.SyncResult, error) {
	return s.sync(ctx, organizationID, models.EnvDevelopment, bundle, opts)
}

// SyncProduction applies the bundle to the production environment. It only
// ever runs on an explicit call; eval content in the bundle is ignored.
func (s *Service) SyncProduction(ctx context.Context, organizationID string, bundle *models.SyncBundle, opts Options) (*models.SyncResult, error) {
	return s.sync(ctx, organizationID, models.EnvProduction, bundle, opts)
}

// Plan validates the bundle and reports what a sync against env would
// delete, applying nothing. Preserve-listed keys are excluded, so the
// preview matches what an identically-optioned sync would gate on.
func (s *Service) Plan(ctx context.Context, organizationID string, env models.Environment, bundle *models.SyncBundle, preserve map[string][]string) ([]models.DeletionRisk, error) {
	if _, err := s.store.GetOrganization(ctx, organizationID); err != nil {
		return nil, err
	}
	if err := models.ValidateBundle(s.validator, bundle); err != nil {
		return nil, err
	}
	return s.reconciler.DetectDeletionRisks(ctx, organizationID, env, bundle, preserve)
}

// State summarizes the organization's persisted resources for one
// environment.
func (s *Service) State(ctx context.Context, organizationID string, env models.Environment) (*models.SyncState, error) {
	state := &models.SyncState{
		Environment: env,
		Agents:      []models.ResourceSummary{},
		EntityTypes: []models.ResourceSummary{},
		Roles:       []models.ResourceSummary{},
		Triggers:    []models.ResourceSummary{},
		EvalSuites:  []models.ResourceSummary{},
	}

	agents, err := s.store.ListAgents(ctx, organizationID, false)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		hasConfig := false
		if _, err := s.store.GetAgentConfig(ctx, a.ID, env); err == nil {
			hasConfig = true
		}
		state.Agents = append(state.Agents, models.ResourceSummary{Slug: a.Slug, Name: a.Name, HasConfig: hasConfig})
	}

	types, err := s.store.ListEntityTypes(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	for _, et := range types {
		state.EntityTypes = append(state.EntityTypes, models.ResourceSummary{Slug: et.Slug, Name: et.Name})
	}

	roles, err := s.store.ListRoles(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		if role.System {
			continue
		}
		state.Roles = append(state.Roles, models.ResourceSummary{Slug: role.Name, Name: role.Name})
	}

	triggers, err := s.store.ListTriggers(ctx, organizationID, env)
	if err != nil {
		return nil, err
	}
	for _, t := range triggers {
		state.Triggers = append(state.Triggers, models.ResourceSummary{Slug: t.Slug, Name: t.Slug})
	}

	suites, err := s.store.ListEvalSuites(ctx, organizationID, models.EnvEval, false)
	if err != nil {
		return nil, err
	}
	for _, suite := range suites {
		state.EvalSuites = append(state.EvalSuites, models.ResourceSummary{Slug: suite.Slug, Name: suite.Name})
	}

	return state, nil
}

// sync runs the full protocol for one environment. Kinds reconcile in
// dependency order — entity types, roles, agents, triggers, eval suites —
// so that policies can reference types and suites can resolve agents within
// a single submission. A kind absent from the bundle (nil, not empty) is
// left untouched.
func (s *Service) sync(ctx context.Context, organizationID string, env models.Environment, bundle *models.SyncBundle, opts Options) (*models.SyncResult, error) {
	if _, err := s.store.GetOrganization(ctx, organizationID); err != nil {
		return nil, err
	}
	if err := models.ValidateBundle(s.validator, bundle); err != nil {
		return nil, err
	}

	if !opts.Force {
		risks, err := s.reconciler.DetectDeletionRisks(ctx, organizationID, env, bundle, opts.Preserve)
		if err != nil {
			return nil, fmt.Errorf("detect deletion risks: %w", err)
		}
		if len(risks) > 0 {
			return nil, &ErrDeletionRisks{Risks: risks}
		}
	}

	started := time.Now()
	result := &models.SyncResult{Environment: env}

	if bundle.EntityTypes != nil {
		err := s.withKindLock(ctx, organizationID, env, models.KindEntityTypes, func(ctx context.Context) error {
			r, err := s.reconciler.ReconcileEntityTypes(ctx, organizationID, bundle.EntityTypes, opts.preserveSet(models.KindEntityTypes))
			result.EntityTypes = r
			return err
		})
		if err != nil {
			return s.failed(result, err)
		}
	}

	if bundle.Roles != nil {
		err := s.withKindLock(ctx, organizationID, env, models.KindRoles, func(ctx context.Context) error {
			r, err := s.reconciler.ReconcileRoles(ctx, organizationID, bundle.Roles, opts.preserveSet(models.KindRoles))
			result.Roles = r
			return err
		})
		if err != nil {
			return s.failed(result, err)
		}
	}

	if bundle.Agents != nil {
		err := s.withKindLock(ctx, organizationID, env, models.KindAgents, func(ctx context.Context) error {
			r, err := s.reconciler.ReconcileAgents(ctx, organizationID, env, bundle.Agents, opts.preserveSet(models.KindAgents))
			result.Agents = r
			return err
		})
		if err != nil {
			return s.failed(result, err)
		}
	}

	if bundle.Triggers != nil {
		err := s.withKindLock(ctx, organizationID, env, models.KindTriggers, func(ctx context.Context) error {
			r, err := s.reconciler.ReconcileTriggers(ctx, organizationID, env, bundle.Triggers, opts.preserveSet(models.KindTriggers))
			result.Triggers = r
			return err
		})
		if err != nil {
			return s.failed(result, err)
		}
	}

	if env == models.EnvDevelopment && bundle.HasEvalContent() {
		if err := s.fanOutToEval(ctx, organizationID, bundle, opts, result); err != nil {
			return s.failed(result, err)
		}
	}

	result.Success = true
	s.audit(ctx, organizationID, env, opts.ActorID, "sync", result)
	log.Info().
		Str("organization_id", organizationID).
		Str("environment", string(env)).
		Dur("elapsed", time.Since(started)).
		Msg("Sync applied")
	return result, nil
}

// fanOutToEval mirrors agent configs into the eval environment, then
// reconciles eval suites and seeds fixtures there.
func (s *Service) fanOutToEval(ctx context.Context, organizationID string, bundle *models.SyncBundle, opts Options, result *models.SyncResult) error {
	if bundle.Agents != nil {
		err := s.withKindLock(ctx, organizationID, models.EnvEval, models.KindAgents, func(ctx context.Context) error {
			_, err := s.reconciler.ReconcileAgents(ctx, organizationID, models.EnvEval, bundle.Agents, opts.preserveSet(models.KindAgents))
			return err
		})
		if err != nil {
			return fmt.Errorf("mirror agents to eval: %w", err)
		}
	}

	if bundle.EvalSuites != nil {
		err := s.withKindLock(ctx, organizationID, models.EnvEval, models.KindEvalSuites, func(ctx context.Context) error {
			r, err := s.reconciler.ReconcileEvalSuites(ctx, organizationID, models.EnvEval, bundle.EvalSuites, opts.preserveSet(models.KindEvalSuites))
			result.EvalSuites = r
			return err
		})
		if err != nil {
			return err
		}
	}

	if len(bundle.Fixtures) > 0 {
		err := s.withKindLock(ctx, organizationID, models.EnvEval, "fixtures", func(ctx context.Context) error {
			r, err := s.reconciler.ApplyFixtures(ctx, organizationID, bundle.Fixtures)
			result.Fixtures = r
			return err
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// PromoteAgent copies an agent's development config to production and
// records the promotion on the audit trail.
func (s *Service) PromoteAgent(ctx context.Context, organizationID, slug, actorID string) (*models.AgentConfig, error) {
	cfg, err := s.reconciler.PromoteAgent(ctx, organizationID, slug)
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, &models.AuditEvent{
		OrganizationID: organizationID,
		Environment:    models.EnvProduction,
		UserID:         actorID,
		Action:         "promote",
		Resource:       "agent:" + slug,
		Details:        map[string]any{"version": cfg.Version},
	})
	return cfg, nil
}

// withKindLock serializes fn behind the (organization, environment, kind)
// lock. When the store can take a distributed lock (postgres advisory lock),
// that wins; otherwise an in-process keyed semaphore covers the
// single-instance case.
func (s *Service) withKindLock(ctx context.Context, organizationID string, env models.Environment, kind string, fn func(context.Context) error) error {
	if locker, ok := s.store.(store.SyncLocker); ok {
		return locker.WithSyncLock(ctx, organizationID, env, kind, fn)
	}

	release, err := s.acquire(ctx, organizationID+"/"+string(env)+"/"+kind, kind)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (s *Service) acquire(ctx context.Context, key, kind string) (func(), error) {
	s.mu.Lock()
	sem, ok := s.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[key] = sem
	}
	s.mu.Unlock()

	timer := time.NewTimer(LockTimeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-timer.C:
		return nil, &ErrSyncBusy{Kind: kind}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) failed(result *models.SyncResult, err error) (*models.SyncResult, error) {
	result.Success = false
	result.Error = err.Error()
	return result, err
}

func (s *Service) audit(ctx context.Context, organizationID string, env models.Environment, actorID, action string, result *models.SyncResult) {
	s.recordAudit(ctx, &models.AuditEvent{
		OrganizationID: organizationID,
		Environment:    env,
		UserID:         actorID,
		Action:         action,
		Details: map[string]any{
			"agents_created": len(result.Agents.Created),
			"agents_updated": len(result.Agents.Updated),
			"agents_deleted": len(result.Agents.Deleted),
		},
	})
}

// recordAudit is best-effort: a failed audit write never fails the
// operation it describes.
func (s *Service) recordAudit(ctx context.Context, event *models.AuditEvent) {
	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC()
	if err := s.store.CreateAuditEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("action", event.Action).Msg("Failed to record audit event")
	}
}

// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentloom/agentloom/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Organizations map[string]*models.Organization `json:"organizations"`
	Agents        map[string]*models.Agent        `json:"agents"`         // key: org/slug
	AgentConfigs  map[string]*models.AgentConfig  `json:"agent_configs"`  // key: agentID/env
	EntityTypes   map[string]*models.EntityType   `json:"entity_types"`   // key: org/slug
	Roles         map[string]*models.Role         `json:"roles"`          // key: org/name
	Triggers      map[string]*models.Trigger      `json:"triggers"`       // key: org/env/slug
	EvalSuites    map[string]*models.EvalSuite    `json:"eval_suites"`    // key: org/env/slug
	Entities      map[string]*models.Entity       `json:"entities"`       // key: id
	Relations     []*models.Relation              `json:"relations"`
	AuditEvents   []*models.AuditEvent            `json:"audit_events"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	organizations map[string]*models.Organization
	agents        map[string]*models.Agent
	agentConfigs  map[string]*models.AgentConfig
	entityTypes   map[string]*models.EntityType
	roles         map[string]*models.Role
	triggers      map[string]*models.Trigger
	evalSuites    map[string]*models.EvalSuite
	entities      map[string]*models.Entity
	relations     []*models.Relation
	auditEvents   []*models.AuditEvent

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store. If dataDir is non-empty,
// data is persisted to a JSON snapshot in that directory.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		organizations: make(map[string]*models.Organization),
		agents:        make(map[string]*models.Agent),
		agentConfigs:  make(map[string]*models.AgentConfig),
		entityTypes:   make(map[string]*models.EntityType),
		roles:         make(map[string]*models.Role),
		triggers:      make(map[string]*models.Trigger),
		evalSuites:    make(map[string]*models.EvalSuite),
		entities:      make(map[string]*models.Entity),
		relations:     make([]*models.Relation, 0),
		auditEvents:   make([]*models.AuditEvent, 0),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

func key2(a, b string) string    { return a + "/" + b }
func key3(a, b, c string) string { return a + "/" + b + "/" + c }

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Organizations: m.organizations,
		Agents:        m.agents,
		AgentConfigs:  m.agentConfigs,
		EntityTypes:   m.entityTypes,
		Roles:         m.roles,
		Triggers:      m.triggers,
		EvalSuites:    m.evalSuites,
		Entities:      m.entities,
		Relations:     m.relations,
		AuditEvents:   m.auditEvents,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Organizations != nil {
		m.organizations = snap.Organizations
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.AgentConfigs != nil {
		m.agentConfigs = snap.AgentConfigs
	}
	if snap.EntityTypes != nil {
		m.entityTypes = snap.EntityTypes
	}
	if snap.Roles != nil {
		m.roles = snap.Roles
	}
	if snap.Triggers != nil {
		m.triggers = snap.Triggers
	}
	if snap.EvalSuites != nil {
		m.evalSuites = snap.EvalSuites
	}
	if snap.Entities != nil {
		m.entities = snap.Entities
	}
	if snap.Relations != nil {
		m.relations = snap.Relations
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}
	log.Info().Str("path", m.snapshotPath).Msg("Snapshot loaded")
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close flushes a final snapshot and stops background goroutines.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Organizations ───────────────────────────────────────────

func (m *MemoryStore) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Organization, 0, len(m.organizations))
	for _, o := range m.organizations {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *MemoryStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.organizations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "organization", Key: id}
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.organizations {
		if o.Slug == slug {
			cp := *o
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "organization", Key: slug}
}

func (m *MemoryStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.organizations[org.ID]; exists {
		return &ErrConflict{Entity: "organization", Key: org.ID}
	}
	cp := *org
	m.organizations[org.ID] = &cp
	m.requestSave()
	return nil
}

// ── Agents ──────────────────────────────────────────────────

func (m *MemoryStore) ListAgents(ctx context.Context, organizationID string, includeDeleted bool) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Agent, 0)
	for _, a := range m.agents {
		if a.OrganizationID != organizationID {
			continue
		}
		if !includeDeleted && a.Status == models.AgentStatusDeleted {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *MemoryStore) GetAgentBySlug(ctx context.Context, organizationID, slug string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[key2(organizationID, slug)]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: slug}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(agent.OrganizationID, agent.Slug)
	if _, exists := m.agents[k]; exists {
		return &ErrConflict{Entity: "agent", Key: agent.Slug}
	}
	cp := *agent
	m.agents[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(agent.OrganizationID, agent.Slug)
	if _, exists := m.agents[k]; !exists {
		return &ErrNotFound{Entity: "agent", Key: agent.Slug}
	}
	cp := *agent
	m.agents[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAgentConfig(ctx context.Context, agentID string, env models.Environment) (*models.AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.agentConfigs[key2(agentID, string(env))]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent config", Key: key2(agentID, string(env))}
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemoryStore) PutAgentConfig(ctx context.Context, cfg *models.AgentConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	m.agentConfigs[key2(cfg.AgentID, string(cfg.Environment))] = &cp
	m.requestSave()
	return nil
}

// ── Entity Types ────────────────────────────────────────────

func (m *MemoryStore) ListEntityTypes(ctx context.Context, organizationID string) ([]models.EntityType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.EntityType, 0)
	for _, et := range m.entityTypes {
		if et.OrganizationID == organizationID {
			out = append(out, *et)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *MemoryStore) GetEntityTypeBySlug(ctx context.Context, organizationID, slug string) (*models.EntityType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	et, ok := m.entityTypes[key2(organizationID, slug)]
	if !ok {
		return nil, &ErrNotFound{Entity: "entity type", Key: slug}
	}
	cp := *et
	return &cp, nil
}

func (m *MemoryStore) CreateEntityType(ctx context.Context, et *models.EntityType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(et.OrganizationID, et.Slug)
	if _, exists := m.entityTypes[k]; exists {
		return &ErrConflict{Entity: "entity type", Key: et.Slug}
	}
	cp := *et
	m.entityTypes[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateEntityType(ctx context.Context, et *models.EntityType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(et.OrganizationID, et.Slug)
	if _, exists := m.entityTypes[k]; !exists {
		return &ErrNotFound{Entity: "entity type", Key: et.Slug}
	}
	cp := *et
	m.entityTypes[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteEntityType(ctx context.Context, organizationID, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(organizationID, slug)
	if _, exists := m.entityTypes[k]; !exists {
		return &ErrNotFound{Entity: "entity type", Key: slug}
	}
	delete(m.entityTypes, k)
	m.requestSave()
	return nil
}

// ── Roles ───────────────────────────────────────────────────

func (m *MemoryStore) ListRoles(ctx context.Context, organizationID string) ([]models.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Role, 0)
	for _, r := range m.roles {
		if r.OrganizationID == organizationID {
			out = append(out, copyRole(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetRoleByName(ctx context.Context, organizationID, name string) (*models.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[key2(organizationID, name)]
	if !ok {
		return nil, &ErrNotFound{Entity: "role", Key: name}
	}
	cp := copyRole(r)
	return &cp, nil
}

func (m *MemoryStore) CreateRole(ctx context.Context, role *models.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(role.OrganizationID, role.Name)
	if _, exists := m.roles[k]; exists {
		return &ErrConflict{Entity: "role", Key: role.Name}
	}
	cp := copyRole(role)
	m.roles[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateRole(ctx context.Context, role *models.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(role.OrganizationID, role.Name)
	existing, exists := m.roles[k]
	if !exists {
		return &ErrNotFound{Entity: "role", Key: role.Name}
	}
	cp := copyRole(role)
	if len(role.Policies) == 0 {
		// Metadata-only update keeps the existing policy set.
		cp.Policies = existing.Policies
	}
	m.roles[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ReplacePolicies(ctx context.Context, roleID string, policies []models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.roles {
		if r.ID == roleID {
			cp := copyRole(r)
			cp.Policies = copyPolicies(policies)
			// Single map assignment under the write lock: readers see either
			// the old policy set or the new one, never an empty window.
			m.roles[k] = &cp
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "role", Key: roleID}
}

func (m *MemoryStore) DeleteRole(ctx context.Context, organizationID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(organizationID, name)
	if _, exists := m.roles[k]; !exists {
		return &ErrNotFound{Entity: "role", Key: name}
	}
	// Policies, scope rules, and field masks are embedded in the role row,
	// so removing the role is the cascade.
	delete(m.roles, k)
	m.requestSave()
	return nil
}

func copyRole(r *models.Role) models.Role {
	cp := *r
	cp.Policies = copyPolicies(r.Policies)
	return cp
}

func copyPolicies(ps []models.Policy) []models.Policy {
	if ps == nil {
		return nil
	}
	out := make([]models.Policy, len(ps))
	for i, p := range ps {
		cp := p
		cp.ScopeRules = append([]models.ScopeRule(nil), p.ScopeRules...)
		cp.FieldMasks = append([]models.FieldMask(nil), p.FieldMasks...)
		out[i] = cp
	}
	return out
}

// ── Triggers ────────────────────────────────────────────────

func (m *MemoryStore) ListTriggers(ctx context.Context, organizationID string, env models.Environment) ([]models.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trigger, 0)
	for _, t := range m.triggers {
		if t.OrganizationID == organizationID && t.Environment == env {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *MemoryStore) GetTriggerBySlug(ctx context.Context, organizationID string, env models.Environment, slug string) (*models.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[key3(organizationID, string(env), slug)]
	if !ok {
		return nil, &ErrNotFound{Entity: "trigger", Key: slug}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateTrigger(ctx context.Context, t *models.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key3(t.OrganizationID, string(t.Environment), t.Slug)
	if _, exists := m.triggers[k]; exists {
		return &ErrConflict{Entity: "trigger", Key: t.Slug}
	}
	cp := *t
	m.triggers[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateTrigger(ctx context.Context, t *models.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key3(t.OrganizationID, string(t.Environment), t.Slug)
	if _, exists := m.triggers[k]; !exists {
		return &ErrNotFound{Entity: "trigger", Key: t.Slug}
	}
	cp := *t
	m.triggers[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteTrigger(ctx context.Context, organizationID string, env models.Environment, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key3(organizationID, string(env), slug)
	if _, exists := m.triggers[k]; !exists {
		return &ErrNotFound{Entity: "trigger", Key: slug}
	}
	delete(m.triggers, k)
	m.requestSave()
	return nil
}

// ── Eval Suites ─────────────────────────────────────────────

func (m *MemoryStore) ListEvalSuites(ctx context.Context, organizationID string, env models.Environment, includeArchived bool) ([]models.EvalSuite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.EvalSuite, 0)
	for _, s := range m.evalSuites {
		if s.OrganizationID != organizationID || s.Environment != env {
			continue
		}
		if !includeArchived && s.Archived {
			continue
		}
		out = append(out, copySuite(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *MemoryStore) GetEvalSuiteBySlug(ctx context.Context, organizationID string, env models.Environment, slug string) (*models.EvalSuite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.evalSuites[key3(organizationID, string(env), slug)]
	if !ok {
		return nil, &ErrNotFound{Entity: "eval suite", Key: slug}
	}
	cp := copySuite(s)
	return &cp, nil
}

func (m *MemoryStore) CreateEvalSuite(ctx context.Context, suite *models.EvalSuite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key3(suite.OrganizationID, string(suite.Environment), suite.Slug)
	if _, exists := m.evalSuites[k]; exists {
		return &ErrConflict{Entity: "eval suite", Key: suite.Slug}
	}
	cp := copySuite(suite)
	m.evalSuites[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateEvalSuite(ctx context.Context, suite *models.EvalSuite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key3(suite.OrganizationID, string(suite.Environment), suite.Slug)
	existing, exists := m.evalSuites[k]
	if !exists {
		return &ErrNotFound{Entity: "eval suite", Key: suite.Slug}
	}
	cp := copySuite(suite)
	if len(suite.Cases) == 0 {
		cp.Cases = existing.Cases
	}
	m.evalSuites[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ReplaceEvalCases(ctx context.Context, suiteID string, cases []models.EvalCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.evalSuites {
		if s.ID == suiteID {
			cp := copySuite(s)
			cp.Cases = append([]models.EvalCase(nil), cases...)
			m.evalSuites[k] = &cp
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "eval suite", Key: suiteID}
}

func (m *MemoryStore) ArchiveEvalSuite(ctx context.Context, organizationID string, env models.Environment, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key3(organizationID, string(env), slug)
	s, exists := m.evalSuites[k]
	if !exists {
		return &ErrNotFound{Entity: "eval suite", Key: slug}
	}
	cp := copySuite(s)
	cp.Archived = true
	cp.UpdatedAt = time.Now().UTC()
	m.evalSuites[k] = &cp
	m.requestSave()
	return nil
}

func copySuite(s *models.EvalSuite) models.EvalSuite {
	cp := *s
	cp.Cases = append([]models.EvalCase(nil), s.Cases...)
	return cp
}

// ── Entities ────────────────────────────────────────────────

func (m *MemoryStore) ListEntities(ctx context.Context, organizationID string, env models.Environment, typeSlug string) ([]models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Entity, 0)
	for _, e := range m.entities {
		if e.OrganizationID == organizationID && e.Environment == env && e.EntityType == typeSlug {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "entity", Key: id}
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) CreateEntity(ctx context.Context, e *models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entities[e.ID]; exists {
		return &ErrConflict{Entity: "entity", Key: e.ID}
	}
	cp := *e
	m.entities[e.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateEntity(ctx context.Context, e *models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entities[e.ID]; !exists {
		return &ErrNotFound{Entity: "entity", Key: e.ID}
	}
	cp := *e
	m.entities[e.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteEntity(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entities[id]; !exists {
		return &ErrNotFound{Entity: "entity", Key: id}
	}
	delete(m.entities, id)
	m.requestSave()
	return nil
}

func (m *MemoryStore) FindEntityByField(ctx context.Context, organizationID string, env models.Environment, typeSlug, field, value string) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entities {
		if e.OrganizationID != organizationID || e.Environment != env || e.EntityType != typeSlug {
			continue
		}
		if v, ok := lookupDotPath(e.Document, field); ok {
			if s, ok := v.(string); ok && s == value {
				cp := *e
				return &cp, nil
			}
		}
	}
	return nil, &ErrNotFound{Entity: "entity", Key: typeSlug + "." + field + "=" + value}
}

// lookupDotPath walks a dot-separated path through nested maps.
func lookupDotPath(doc map[string]any, path string) (any, bool) {
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

// ── Relations ───────────────────────────────────────────────

func (m *MemoryStore) CreateRelation(ctx context.Context, rel *models.Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rel
	m.relations = append(m.relations, &cp)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListRelatedIDs(ctx context.Context, organizationID string, env models.Environment, relationType, fromEntityID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0)
	for _, r := range m.relations {
		if r.OrganizationID == organizationID && r.Environment == env &&
			r.RelationType == relationType && r.FromEntityID == fromEntityID {
			out = append(out, r.ToEntityID)
		}
	}
	return out, nil
}

// ── Audit ───────────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	m.auditEvents = append(m.auditEvents, &cp)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(ctx context.Context, organizationID string, limit int) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]models.AuditEvent, 0)
	// Newest first
	for i := len(m.auditEvents) - 1; i >= 0 && len(out) < limit; i-- {
		if m.auditEvents[i].OrganizationID == organizationID {
			out = append(out, *m.auditEvents[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAuditEventsBefore(ctx context.Context, organizationID string, cutoff time.Time, limit int) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 1000
	}
	out := make([]models.AuditEvent, 0)
	// Oldest first, so retention batches drain front to back.
	for _, ev := range m.auditEvents {
		if len(out) >= limit {
			break
		}
		if ev.OrganizationID == organizationID && ev.Timestamp.Before(cutoff) {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteAuditEvents(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.auditEvents[:0]
	deleted := 0
	for _, ev := range m.auditEvents {
		if _, gone := idSet[ev.ID]; gone {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	m.auditEvents = kept
	if deleted > 0 {
		m.requestSave()
	}
	return deleted, nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/agentloom/agentloom/control-plane/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on PostgreSQL. Nested collections (role
// policies, eval cases, entity documents, trigger pipelines) live in JSONB
// columns so child replacement is a single row update. It also implements
// SyncLocker via advisory locks, which serializes syncs across instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and migrates.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS al_organizations (
		id         TEXT PRIMARY KEY,
		slug       TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS al_agents (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		slug            TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'active',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (organization_id, slug)
	);

	CREATE TABLE IF NOT EXISTS al_agent_configs (
		id            TEXT NOT NULL,
		agent_id      TEXT NOT NULL,
		environment   TEXT NOT NULL,
		version       INT NOT NULL DEFAULT 1,
		system_prompt TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL DEFAULT '',
		temperature   DOUBLE PRECISION,
		max_tokens    INT NOT NULL DEFAULT 0,
		tools         JSONB NOT NULL DEFAULT '[]',
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (agent_id, environment)
	);

	CREATE TABLE IF NOT EXISTS al_entity_types (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		slug            TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		schema          JSONB NOT NULL DEFAULT '{}',
		search_fields   JSONB NOT NULL DEFAULT '[]',
		display_config  JSONB NOT NULL DEFAULT '{}',
		bound_to_role   TEXT NOT NULL DEFAULT '',
		user_id_field   TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (organization_id, slug)
	);

	CREATE TABLE IF NOT EXISTS al_roles (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		is_system       BOOLEAN NOT NULL DEFAULT FALSE,
		policies        JSONB NOT NULL DEFAULT '[]',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (organization_id, name)
	);

	CREATE TABLE IF NOT EXISTS al_triggers (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		environment     TEXT NOT NULL,
		slug            TEXT NOT NULL,
		entity_type     TEXT NOT NULL DEFAULT '',
		event           TEXT NOT NULL DEFAULT '',
		condition       JSONB NOT NULL DEFAULT '{}',
		when_expr       TEXT NOT NULL DEFAULT '',
		actions         JSONB NOT NULL DEFAULT '[]',
		schedule        TEXT NOT NULL DEFAULT '',
		retry           JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (organization_id, environment, slug)
	);

	CREATE TABLE IF NOT EXISTS al_eval_suites (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		environment     TEXT NOT NULL,
		slug            TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		agent_slug      TEXT NOT NULL DEFAULT '',
		judge_model     TEXT NOT NULL DEFAULT '',
		judge_prompt    TEXT NOT NULL DEFAULT '',
		archived        BOOLEAN NOT NULL DEFAULT FALSE,
		cases           JSONB NOT NULL DEFAULT '[]',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (organization_id, environment, slug)
	);

	CREATE TABLE IF NOT EXISTS al_entities (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		environment     TEXT NOT NULL,
		entity_type     TEXT NOT NULL,
		document        JSONB NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_al_entities_scope
		ON al_entities (organization_id, environment, entity_type);

	CREATE TABLE IF NOT EXISTS al_relations (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		environment     TEXT NOT NULL,
		relation_type   TEXT NOT NULL,
		from_entity_id  TEXT NOT NULL,
		to_entity_id    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_al_relations_from
		ON al_relations (organization_id, environment, relation_type, from_entity_id);

	CREATE TABLE IF NOT EXISTS al_audit_events (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		environment     TEXT NOT NULL DEFAULT '',
		user_id         TEXT NOT NULL DEFAULT '',
		action          TEXT NOT NULL,
		resource        TEXT NOT NULL DEFAULT '',
		details         JSONB NOT NULL DEFAULT '{}',
		ts              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_al_audit_org_ts
		ON al_audit_events (organization_id, ts DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// translateErr maps driver errors onto the store's typed errors.
func translateErr(err error, entity, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Entity: entity, Key: key}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ErrConflict{Entity: entity, Key: key}
	}
	return err
}

// ── Organizations ───────────────────────────────────────────

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, slug, name, created_at FROM al_organizations ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Organization
	for rows.Next() {
		var o models.Organization
		if err := rows.Scan(&o.ID, &o.Slug, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var o models.Organization
	err := s.pool.QueryRow(ctx, `SELECT id, slug, name, created_at FROM al_organizations WHERE id = $1`, id).
		Scan(&o.ID, &o.Slug, &o.Name, &o.CreatedAt)
	if err != nil {
		return nil, translateErr(err, "organization", id)
	}
	return &o, nil
}

func (s *PostgresStore) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	var o models.Organization
	err := s.pool.QueryRow(ctx, `SELECT id, slug, name, created_at FROM al_organizations WHERE slug = $1`, slug).
		Scan(&o.ID, &o.Slug, &o.Name, &o.CreatedAt)
	if err != nil {
		return nil, translateErr(err, "organization", slug)
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO al_organizations (id, slug, name, created_at) VALUES ($1, $2, $3, $4)`,
		org.ID, org.Slug, org.Name, org.CreatedAt)
	return translateErr(err, "organization", org.Slug)
}

// ── Agents ──────────────────────────────────────────────────

const agentCols = `id, organization_id, slug, name, description, status, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.OrganizationID, &a.Slug, &a.Name, &a.Description, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, organizationID string, includeDeleted bool) ([]models.Agent, error) {
	query := `SELECT ` + agentCols + ` FROM al_agents WHERE organization_id = $1`
	if !includeDeleted {
		query += ` AND status <> 'deleted'`
	}
	query += ` ORDER BY slug`
	rows, err := s.pool.Query(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAgentBySlug(ctx context.Context, organizationID, slug string) (*models.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentCols+` FROM al_agents WHERE organization_id = $1 AND slug = $2`,
		organizationID, slug))
	if err != nil {
		return nil, translateErr(err, "agent", slug)
	}
	return a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO al_agents (`+agentCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		agent.ID, agent.OrganizationID, agent.Slug, agent.Name, agent.Description, agent.Status, agent.CreatedAt, agent.UpdatedAt)
	return translateErr(err, "agent", agent.Slug)
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE al_agents SET name = $1, description = $2, status = $3, updated_at = $4 WHERE id = $5`,
		agent.Name, agent.Description, agent.Status, agent.UpdatedAt, agent.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: agent.Slug}
	}
	return nil
}

func (s *PostgresStore) GetAgentConfig(ctx context.Context, agentID string, env models.Environment) (*models.AgentConfig, error) {
	var cfg models.AgentConfig
	var tools []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, environment, version, system_prompt, model, temperature, max_tokens, tools, updated_at
		 FROM al_agent_configs WHERE agent_id = $1 AND environment = $2`,
		agentID, env).
		Scan(&cfg.ID, &cfg.AgentID, &cfg.Environment, &cfg.Version, &cfg.SystemPrompt, &cfg.Model, &cfg.Temperature, &cfg.MaxTokens, &tools, &cfg.UpdatedAt)
	if err != nil {
		return nil, translateErr(err, "agent config", agentID)
	}
	if err := json.Unmarshal(tools, &cfg.Tools); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) PutAgentConfig(ctx context.Context, cfg *models.AgentConfig) error {
	tools, err := json.Marshal(cfg.Tools)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO al_agent_configs (id, agent_id, environment, version, system_prompt, model, temperature, max_tokens, tools, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (agent_id, environment) DO UPDATE SET
			id = EXCLUDED.id,
			version = EXCLUDED.version,
			system_prompt = EXCLUDED.system_prompt,
			model = EXCLUDED.model,
			temperature = EXCLUDED.temperature,
			max_tokens = EXCLUDED.max_tokens,
			tools = EXCLUDED.tools,
			updated_at = EXCLUDED.updated_at`,
		cfg.ID, cfg.AgentID, cfg.Environment, cfg.Version, cfg.SystemPrompt, cfg.Model, cfg.Temperature, cfg.MaxTokens, tools, cfg.UpdatedAt)
	return err
}

// ── Entity Types ────────────────────────────────────────────

func scanEntityType(row pgx.Row) (*models.EntityType, error) {
	var et models.EntityType
	var schema, searchFields, displayConfig []byte
	err := row.Scan(&et.ID, &et.OrganizationID, &et.Slug, &et.Name, &schema, &searchFields, &displayConfig, &et.BoundToRole, &et.UserIDField, &et.CreatedAt, &et.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(schema, &et.Schema); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := json.Unmarshal(searchFields, &et.SearchFields); err != nil {
		return nil, fmt.Errorf("decode search fields: %w", err)
	}
	if err := json.Unmarshal(displayConfig, &et.DisplayConfig); err != nil {
		return nil, fmt.Errorf("decode display config: %w", err)
	}
	return &et, nil
}

const entityTypeCols = `id, organization_id, slug, name, schema, search_fields, display_config, bound_to_role, user_id_field, created_at, updated_at`

func (s *PostgresStore) ListEntityTypes(ctx context.Context, organizationID string) ([]models.EntityType, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityTypeCols+` FROM al_entity_types WHERE organization_id = $1 ORDER BY slug`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.EntityType
	for rows.Next() {
		et, err := scanEntityType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *et)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetEntityTypeBySlug(ctx context.Context, organizationID, slug string) (*models.EntityType, error) {
	et, err := scanEntityType(s.pool.QueryRow(ctx,
		`SELECT `+entityTypeCols+` FROM al_entity_types WHERE organization_id = $1 AND slug = $2`,
		organizationID, slug))
	if err != nil {
		return nil, translateErr(err, "entity type", slug)
	}
	return et, nil
}

func (s *PostgresStore) CreateEntityType(ctx context.Context, et *models.EntityType) error {
	schema, searchFields, displayConfig, err := encodeEntityType(et)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO al_entity_types (`+entityTypeCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		et.ID, et.OrganizationID, et.Slug, et.Name, schema, searchFields, displayConfig, et.BoundToRole, et.UserIDField, et.CreatedAt, et.UpdatedAt)
	return translateErr(err, "entity type", et.Slug)
}

func (s *PostgresStore) UpdateEntityType(ctx context.Context, et *models.EntityType) error {
	schema, searchFields, displayConfig, err := encodeEntityType(et)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE al_entity_types SET name = $1, schema = $2, search_fields = $3, display_config = $4,
			bound_to_role = $5, user_id_field = $6, updated_at = $7 WHERE id = $8`,
		et.Name, schema, searchFields, displayConfig, et.BoundToRole, et.UserIDField, et.UpdatedAt, et.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "entity type", Key: et.Slug}
	}
	return nil
}

func (s *PostgresStore) DeleteEntityType(ctx context.Context, organizationID, slug string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM al_entity_types WHERE organization_id = $1 AND slug = $2`, organizationID, slug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "entity type", Key: slug}
	}
	return nil
}

func encodeEntityType(et *models.EntityType) (schema, searchFields, displayConfig []byte, err error) {
	if schema, err = json.Marshal(et.Schema); err != nil {
		return
	}
	if et.SearchFields == nil {
		searchFields = []byte("[]")
	} else if searchFields, err = json.Marshal(et.SearchFields); err != nil {
		return
	}
	if et.DisplayConfig == nil {
		displayConfig = []byte("{}")
	} else {
		displayConfig, err = json.Marshal(et.DisplayConfig)
	}
	return
}

// ── Roles ───────────────────────────────────────────────────

const roleCols = `id, organization_id, name, description, is_system, policies, created_at, updated_at`

func scanRole(row pgx.Row) (*models.Role, error) {
	var r models.Role
	var policies []byte
	err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.Description, &r.System, &policies, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(policies, &r.Policies); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRoles(ctx context.Context, organizationID string) ([]models.Role, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roleCols+` FROM al_roles WHERE organization_id = $1 ORDER BY name`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRoleByName(ctx context.Context, organizationID, name string) (*models.Role, error) {
	r, err := scanRole(s.pool.QueryRow(ctx,
		`SELECT `+roleCols+` FROM al_roles WHERE organization_id = $1 AND name = $2`, organizationID, name))
	if err != nil {
		return nil, translateErr(err, "role", name)
	}
	return r, nil
}

func (s *PostgresStore) CreateRole(ctx context.Context, role *models.Role) error {
	policies, err := json.Marshal(orEmptyPolicies(role.Policies))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO al_roles (`+roleCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		role.ID, role.OrganizationID, role.Name, role.Description, role.System, policies, role.CreatedAt, role.UpdatedAt)
	return translateErr(err, "role", role.Name)
}

func (s *PostgresStore) UpdateRole(ctx context.Context, role *models.Role) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE al_roles SET description = $1, updated_at = $2 WHERE id = $3`,
		role.Description, role.UpdatedAt, role.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "role", Key: role.Name}
	}
	return nil
}

func (s *PostgresStore) ReplacePolicies(ctx context.Context, roleID string, policies []models.Policy) error {
	encoded, err := json.Marshal(orEmptyPolicies(policies))
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE al_roles SET policies = $1, updated_at = NOW() WHERE id = $2`, encoded, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "role", Key: roleID}
	}
	return nil
}

func (s *PostgresStore) DeleteRole(ctx context.Context, organizationID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM al_roles WHERE organization_id = $1 AND name = $2 AND NOT is_system`,
		organizationID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "role", Key: name}
	}
	return nil
}

func orEmptyPolicies(p []models.Policy) []models.Policy {
	if p == nil {
		return []models.Policy{}
	}
	return p
}

// ── Triggers ────────────────────────────────────────────────

const triggerCols = `id, organization_id, environment, slug, entity_type, event, condition, when_expr, actions, schedule, retry, created_at, updated_at`

func scanTrigger(row pgx.Row) (*models.Trigger, error) {
	var t models.Trigger
	var condition, actions, retry []byte
	err := row.Scan(&t.ID, &t.OrganizationID, &t.Environment, &t.Slug, &t.EntityType, &t.Event, &condition, &t.When, &actions, &t.Schedule, &retry, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(condition, &t.Condition); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	if err := json.Unmarshal(actions, &t.Actions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	if len(retry) > 0 {
		if err := json.Unmarshal(retry, &t.Retry); err != nil {
			return nil, fmt.Errorf("decode retry: %w", err)
		}
	}
	return &t, nil
}

func (s *PostgresStore) ListTriggers(ctx context.Context, organizationID string, env models.Environment) ([]models.Trigger, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+triggerCols+` FROM al_triggers WHERE organization_id = $1 AND environment = $2 ORDER BY slug`,
		organizationID, env)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTriggerBySlug(ctx context.Context, organizationID string, env models.Environment, slug string) (*models.Trigger, error) {
	t, err := scanTrigger(s.pool.QueryRow(ctx,
		`SELECT `+triggerCols+` FROM al_triggers WHERE organization_id = $1 AND environment = $2 AND slug = $3`,
		organizationID, env, slug))
	if err != nil {
		return nil, translateErr(err, "trigger", slug)
	}
	return t, nil
}

func (s *PostgresStore) CreateTrigger(ctx context.Context, t *models.Trigger) error {
	condition, actions, retry, err := encodeTrigger(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO al_triggers (`+triggerCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.OrganizationID, t.Environment, t.Slug, t.EntityType, t.Event, condition, t.When, actions, t.Schedule, retry, t.CreatedAt, t.UpdatedAt)
	return translateErr(err, "trigger", t.Slug)
}

func (s *PostgresStore) UpdateTrigger(ctx context.Context, t *models.Trigger) error {
	condition, actions, retry, err := encodeTrigger(t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE al_triggers SET entity_type = $1, event = $2, condition = $3, when_expr = $4,
			actions = $5, schedule = $6, retry = $7, updated_at = $8 WHERE id = $9`,
		t.EntityType, t.Event, condition, t.When, actions, t.Schedule, retry, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "trigger", Key: t.Slug}
	}
	return nil
}

func (s *PostgresStore) DeleteTrigger(ctx context.Context, organizationID string, env models.Environment, slug string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM al_triggers WHERE organization_id = $1 AND environment = $2 AND slug = $3`,
		organizationID, env, slug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "trigger", Key: slug}
	}
	return nil
}

func encodeTrigger(t *models.Trigger) (condition, actions, retry []byte, err error) {
	if t.Condition == nil {
		condition = []byte("{}")
	} else if condition, err = json.Marshal(t.Condition); err != nil {
		return
	}
	if t.Actions == nil {
		actions = []byte("[]")
	} else if actions, err = json.Marshal(t.Actions); err != nil {
		return
	}
	if t.Retry != nil {
		retry, err = json.Marshal(t.Retry)
	}
	return
}

// ── Eval Suites ─────────────────────────────────────────────

const evalSuiteCols = `id, organization_id, environment, slug, name, agent_slug, judge_model, judge_prompt, archived, cases, created_at, updated_at`

func scanEvalSuite(row pgx.Row) (*models.EvalSuite, error) {
	var suite models.EvalSuite
	var cases []byte
	err := row.Scan(&suite.ID, &suite.OrganizationID, &suite.Environment, &suite.Slug, &suite.Name, &suite.AgentSlug, &suite.JudgeModel, &suite.JudgePrompt, &suite.Archived, &cases, &suite.CreatedAt, &suite.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cases, &suite.Cases); err != nil {
		return nil, fmt.Errorf("decode cases: %w", err)
	}
	return &suite, nil
}

func (s *PostgresStore) ListEvalSuites(ctx context.Context, organizationID string, env models.Environment, includeArchived bool) ([]models.EvalSuite, error) {
	query := `SELECT ` + evalSuiteCols + ` FROM al_eval_suites WHERE organization_id = $1 AND environment = $2`
	if !includeArchived {
		query += ` AND NOT archived`
	}
	query += ` ORDER BY slug`
	rows, err := s.pool.Query(ctx, query, organizationID, env)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.EvalSuite
	for rows.Next() {
		suite, err := scanEvalSuite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *suite)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetEvalSuiteBySlug(ctx context.Context, organizationID string, env models.Environment, slug string) (*models.EvalSuite, error) {
	suite, err := scanEvalSuite(s.pool.QueryRow(ctx,
		`SELECT `+evalSuiteCols+` FROM al_eval_suites WHERE organization_id = $1 AND environment = $2 AND slug = $3`,
		organizationID, env, slug))
	if err != nil {
		return nil, translateErr(err, "eval suite", slug)
	}
	return suite, nil
}

func (s *PostgresStore) CreateEvalSuite(ctx context.Context, suite *models.EvalSuite) error {
	cases, err := json.Marshal(orEmptyCases(suite.Cases))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO al_eval_suites (`+evalSuiteCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		suite.ID, suite.OrganizationID, suite.Environment, suite.Slug, suite.Name, suite.AgentSlug, suite.JudgeModel, suite.JudgePrompt, suite.Archived, cases, suite.CreatedAt, suite.UpdatedAt)
	return translateErr(err, "eval suite", suite.Slug)
}

func (s *PostgresStore) UpdateEvalSuite(ctx context.Context, suite *models.EvalSuite) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE al_eval_suites SET name = $1, agent_slug = $2, judge_model = $3, judge_prompt = $4,
			archived = $5, updated_at = $6 WHERE id = $7`,
		suite.Name, suite.AgentSlug, suite.JudgeModel, suite.JudgePrompt, suite.Archived, suite.UpdatedAt, suite.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "eval suite", Key: suite.Slug}
	}
	return nil
}

func (s *PostgresStore) ReplaceEvalCases(ctx context.Context, suiteID string, cases []models.EvalCase) error {
	encoded, err := json.Marshal(orEmptyCases(cases))
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE al_eval_suites SET cases = $1, updated_at = NOW() WHERE id = $2`, encoded, suiteID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "eval suite", Key: suiteID}
	}
	return nil
}

func (s *PostgresStore) ArchiveEvalSuite(ctx context.Context, organizationID string, env models.Environment, slug string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE al_eval_suites SET archived = TRUE, updated_at = NOW()
		 WHERE organization_id = $1 AND environment = $2 AND slug = $3`,
		organizationID, env, slug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "eval suite", Key: slug}
	}
	return nil
}

func orEmptyCases(c []models.EvalCase) []models.EvalCase {
	if c == nil {
		return []models.EvalCase{}
	}
	return c
}

// ── Entities ────────────────────────────────────────────────

const entityCols = `id, organization_id, environment, entity_type, document, created_at, updated_at`

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var e models.Entity
	var document []byte
	err := row.Scan(&e.ID, &e.OrganizationID, &e.Environment, &e.EntityType, &document, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(document, &e.Document); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, organizationID string, env models.Environment, typeSlug string) ([]models.Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityCols+` FROM al_entities
		 WHERE organization_id = $1 AND environment = $2 AND entity_type = $3 ORDER BY created_at`,
		organizationID, env, typeSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx,
		`SELECT `+entityCols+` FROM al_entities WHERE id = $1`, id))
	if err != nil {
		return nil, translateErr(err, "entity", id)
	}
	return e, nil
}

func (s *PostgresStore) CreateEntity(ctx context.Context, e *models.Entity) error {
	document, err := json.Marshal(e.Document)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO al_entities (`+entityCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.OrganizationID, e.Environment, e.EntityType, document, e.CreatedAt, e.UpdatedAt)
	return translateErr(err, "entity", e.ID)
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, e *models.Entity) error {
	document, err := json.Marshal(e.Document)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE al_entities SET document = $1, updated_at = $2 WHERE id = $3`,
		document, e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "entity", Key: e.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM al_entities WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "entity", Key: id}
	}
	return nil
}

func (s *PostgresStore) FindEntityByField(ctx context.Context, organizationID string, env models.Environment, typeSlug, field, value string) (*models.Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx,
		`SELECT `+entityCols+` FROM al_entities
		 WHERE organization_id = $1 AND environment = $2 AND entity_type = $3 AND document->>$4 = $5
		 LIMIT 1`,
		organizationID, env, typeSlug, field, value))
	if err != nil {
		return nil, translateErr(err, "entity", typeSlug+"."+field)
	}
	return e, nil
}

// ── Relations ───────────────────────────────────────────────

func (s *PostgresStore) CreateRelation(ctx context.Context, rel *models.Relation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO al_relations (id, organization_id, environment, relation_type, from_entity_id, to_entity_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rel.ID, rel.OrganizationID, rel.Environment, rel.RelationType, rel.FromEntityID, rel.ToEntityID)
	return translateErr(err, "relation", rel.ID)
}

func (s *PostgresStore) ListRelatedIDs(ctx context.Context, organizationID string, env models.Environment, relationType, fromEntityID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT to_entity_id FROM al_relations
		 WHERE organization_id = $1 AND environment = $2 AND relation_type = $3 AND from_entity_id = $4`,
		organizationID, env, relationType, fromEntityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ── Audit ───────────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO al_audit_events (id, organization_id, environment, user_id, action, resource, details, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.OrganizationID, event.Environment, event.UserID, event.Action, event.Resource, details, event.Timestamp)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, organizationID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, environment, user_id, action, resource, details, ts
		 FROM al_audit_events WHERE organization_id = $1 ORDER BY ts DESC LIMIT $2`,
		organizationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var details []byte
		if err := rows.Scan(&ev.ID, &ev.OrganizationID, &ev.Environment, &ev.UserID, &ev.Action, &ev.Resource, &details, &ev.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(details, &ev.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAuditEventsBefore(ctx context.Context, organizationID string, cutoff time.Time, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, environment, user_id, action, resource, details, ts
		 FROM al_audit_events WHERE organization_id = $1 AND ts < $2 ORDER BY ts ASC LIMIT $3`,
		organizationID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var details []byte
		if err := rows.Scan(&ev.ID, &ev.OrganizationID, &ev.Environment, &ev.UserID, &ev.Action, &ev.Resource, &details, &ev.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(details, &ev.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAuditEvents(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM al_audit_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ── Sync locking ────────────────────────────────────────────

// WithSyncLock serializes fn behind a session advisory lock keyed by
// (organization, environment, kind). The lock waits at most 30 seconds; a
// timeout surfaces as the context error so the sync service can report the
// contention distinctly.
func (s *PostgresStore) WithSyncLock(ctx context.Context, organizationID string, env models.Environment, kind string, fn func(context.Context) error) error {
	key := advisoryKey(organizationID, string(env), kind)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock connection: %w", err)
	}
	defer conn.Release()

	lockCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := conn.Exec(lockCtx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("acquire sync lock: %w", err)
	}
	defer func() {
		// Unlock on the background context: the request context may already
		// be done, and an orphaned session lock blocks every later sync.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			log.Warn().Err(err).Int64("key", key).Msg("Failed to release sync lock")
		}
	}()

	return fn(ctx)
}

func advisoryKey(parts ...string) int64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/nova/internal/domain"
)

// PostgresStore is the pgx-backed MetadataStore (C1). Each entity is stored
// as a JSONB blob in a "data" column alongside queryable relational columns,
// following the same hybrid shape used throughout this package. Tables that
// affect the gateway's routing table or the execution engine's cache are
// wired to NOTIFY triggers so internal/invalidation can react without
// polling.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool exposes the underlying pgxpool so internal/invalidation can acquire
// a dedicated connection for LISTEN.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS functions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			active_version INTEGER NOT NULL DEFAULT 0,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS function_versions (
			id TEXT PRIMARY KEY,
			function_id TEXT NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
			version INTEGER NOT NULL,
			package_hash TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (function_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS function_environment_variables (
			function_id TEXT NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (function_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS network_policy_rules (
			id TEXT PRIMARY KEY,
			project_id TEXT REFERENCES projects(id) ON DELETE CASCADE,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_configs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL UNIQUE REFERENCES projects(id) ON DELETE CASCADE,
			custom_domain TEXT UNIQUE,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_routes (
			id TEXT PRIMARY KEY,
			gateway_id TEXT NOT NULL REFERENCES gateway_configs(id) ON DELETE CASCADE,
			path_template TEXT NOT NULL,
			function_id TEXT NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_auth_methods (
			id TEXT PRIMARY KEY,
			gateway_id TEXT NOT NULL REFERENCES gateway_configs(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (gateway_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS route_auth_bindings (
			route_id TEXT NOT NULL REFERENCES gateway_routes(id) ON DELETE CASCADE,
			auth_method_id TEXT NOT NULL REFERENCES gateway_auth_methods(id) ON DELETE CASCADE,
			bind_order INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (route_id, auth_method_id)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			function_id TEXT NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
			status_code INTEGER NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_function_created ON execution_logs(function_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS project_kv (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (project_id, key)
		)`,

		// NOTIFY triggers. Payload carries just enough for the debounce key
		// derivation rules; internal/invalidation owns the key format.
		`CREATE OR REPLACE FUNCTION notify_function_change() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('execution_cache_invalidated', 'function:' || COALESCE(NEW.id, OLD.id));
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_function_notify ON functions`,
		`CREATE TRIGGER trg_function_notify AFTER INSERT OR UPDATE OR DELETE ON functions
			FOR EACH ROW EXECUTE FUNCTION notify_function_change()`,

		`CREATE OR REPLACE FUNCTION notify_function_version_change() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('execution_cache_invalidated', 'function:' || COALESCE(NEW.function_id, OLD.function_id));
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_function_version_notify ON function_versions`,
		`CREATE TRIGGER trg_function_version_notify AFTER INSERT OR UPDATE OR DELETE ON function_versions
			FOR EACH ROW EXECUTE FUNCTION notify_function_version_change()`,

		`CREATE OR REPLACE FUNCTION notify_envvar_change() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('execution_cache_invalidated', 'envvars:' || COALESCE(NEW.function_id, OLD.function_id));
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_envvar_notify ON function_environment_variables`,
		`CREATE TRIGGER trg_envvar_notify AFTER INSERT OR UPDATE OR DELETE ON function_environment_variables
			FOR EACH ROW EXECUTE FUNCTION notify_envvar_change()`,

		`CREATE OR REPLACE FUNCTION notify_netpol_change() RETURNS trigger AS $$
		DECLARE
			pid TEXT;
		BEGIN
			pid := COALESCE(NEW.project_id, OLD.project_id);
			IF pid IS NULL THEN
				PERFORM pg_notify('execution_cache_invalidated', 'netpol:global');
			ELSE
				PERFORM pg_notify('execution_cache_invalidated', 'netpol:' || pid);
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_netpol_notify ON network_policy_rules`,
		`CREATE TRIGGER trg_netpol_notify AFTER INSERT OR UPDATE OR DELETE ON network_policy_rules
			FOR EACH ROW EXECUTE FUNCTION notify_netpol_change()`,

		`CREATE OR REPLACE FUNCTION notify_gateway_change() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('gateway_invalidated', COALESCE(NEW.gateway_id, OLD.gateway_id, NEW.id, OLD.id));
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_gwroute_notify ON gateway_routes`,
		`CREATE TRIGGER trg_gwroute_notify AFTER INSERT OR UPDATE OR DELETE ON gateway_routes
			FOR EACH ROW EXECUTE FUNCTION notify_gateway_change()`,
		`DROP TRIGGER IF EXISTS trg_gwauth_notify ON gateway_auth_methods`,
		`CREATE TRIGGER trg_gwauth_notify AFTER INSERT OR UPDATE OR DELETE ON gateway_auth_methods
			FOR EACH ROW EXECUTE FUNCTION notify_gateway_change()`,
		`CREATE OR REPLACE FUNCTION notify_gateway_config_change() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('gateway_invalidated', COALESCE(NEW.id, OLD.id));
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_gwconfig_notify ON gateway_configs`,
		`CREATE TRIGGER trg_gwconfig_notify AFTER INSERT OR UPDATE OR DELETE ON gateway_configs
			FOR EACH ROW EXECUTE FUNCTION notify_gateway_config_change()`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ─── projects ────────────────────────────────────────────────────────────

func (s *PostgresStore) SaveProject(ctx context.Context, p *domain.Project) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("project id and name are required")
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO projects (id, name, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = $2, data = $3, updated_at = $5
	`, p.ID, p.Name, data, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM projects WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal project: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*domain.Project
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p domain.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteProject(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// ─── functions ───────────────────────────────────────────────────────────

func (s *PostgresStore) SaveFunction(ctx context.Context, fn *domain.Function) error {
	if fn.ID == "" || fn.Name == "" || fn.ProjectID == "" {
		return fmt.Errorf("function id, project id, and name are required")
	}
	now := time.Now()
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = now
	}
	fn.UpdatedAt = now

	data, err := json.Marshal(fn)
	if err != nil {
		return fmt.Errorf("marshal function: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO functions (id, project_id, name, active_version, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = $3, active_version = $4, data = $5, updated_at = $7
	`, fn.ID, fn.ProjectID, fn.Name, fn.ActiveVersion, data, fn.CreatedAt, fn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save function: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanFunction(row pgx.Row) (*domain.Function, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var fn domain.Function
	if err := json.Unmarshal(data, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

func (s *PostgresStore) GetFunction(ctx context.Context, id string) (*domain.Function, error) {
	fn, err := s.scanFunction(s.pool.QueryRow(ctx, `SELECT data FROM functions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get function %s: %w", id, err)
	}
	return fn, nil
}

func (s *PostgresStore) GetFunctionByName(ctx context.Context, projectID, name string) (*domain.Function, error) {
	fn, err := s.scanFunction(s.pool.QueryRow(ctx,
		`SELECT data FROM functions WHERE project_id = $1 AND name = $2`, projectID, name))
	if err != nil {
		return nil, fmt.Errorf("get function %s/%s: %w", projectID, name, err)
	}
	return fn, nil
}

func (s *PostgresStore) ListFunctions(ctx context.Context, projectID string) ([]*domain.Function, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM functions WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Function
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var fn domain.Function
		if err := json.Unmarshal(data, &fn); err != nil {
			return nil, err
		}
		out = append(out, &fn)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteFunction(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM functions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete function: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActiveVersion(ctx context.Context, functionID string, version int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE functions
		SET active_version = $2, updated_at = NOW(),
			data = jsonb_set(data, '{active_version}', to_jsonb($2::int))
		WHERE id = $1
	`, functionID, version)
	if err != nil {
		return fmt.Errorf("set active version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("function %s: %w", functionID, ErrNotFound)
	}
	return nil
}

// ─── function versions ───────────────────────────────────────────────────

func (s *PostgresStore) CreateFunctionVersion(ctx context.Context, v *domain.FunctionVersion) error {
	if v.ID == "" || v.FunctionID == "" || v.Version <= 0 {
		return fmt.Errorf("function version id, function id, and version are required")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal function version: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO function_versions (id, function_id, version, package_hash, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.FunctionID, v.Version, v.PackageHash, data, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("create function version: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanVersion(row pgx.Row) (*domain.FunctionVersion, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var v domain.FunctionVersion
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) GetFunctionVersion(ctx context.Context, functionID string, version int) (*domain.FunctionVersion, error) {
	v, err := s.scanVersion(s.pool.QueryRow(ctx,
		`SELECT data FROM function_versions WHERE function_id = $1 AND version = $2`, functionID, version))
	if err != nil {
		return nil, fmt.Errorf("get function version %s/%d: %w", functionID, version, err)
	}
	return v, nil
}

func (s *PostgresStore) GetActiveFunctionVersion(ctx context.Context, functionID string) (*domain.FunctionVersion, error) {
	v, err := s.scanVersion(s.pool.QueryRow(ctx, `
		SELECT fv.data FROM function_versions fv
		JOIN functions f ON f.id = fv.function_id
		WHERE fv.function_id = $1 AND fv.version = f.active_version
	`, functionID))
	if err != nil {
		return nil, fmt.Errorf("get active function version %s: %w", functionID, err)
	}
	return v, nil
}

func (s *PostgresStore) ListFunctionVersions(ctx context.Context, functionID string) ([]*domain.FunctionVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM function_versions WHERE function_id = $1 ORDER BY version DESC`, functionID)
	if err != nil {
		return nil, fmt.Errorf("list function versions: %w", err)
	}
	defer rows.Close()

	var out []*domain.FunctionVersion
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v domain.FunctionVersion
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) NextVersionNumber(ctx context.Context, functionID string) (int, error) {
	var maxVersion int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM function_versions WHERE function_id = $1`, functionID).Scan(&maxVersion)
	if err != nil {
		return 0, fmt.Errorf("next version number: %w", err)
	}
	return maxVersion + 1, nil
}

// ─── environment variables ───────────────────────────────────────────────

func (s *PostgresStore) SetFunctionEnvVar(ctx context.Context, v *domain.FunctionEnvironmentVariable) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO function_environment_variables (function_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (function_id, key) DO UPDATE SET value = $3
	`, v.FunctionID, v.Key, v.Value)
	if err != nil {
		return fmt.Errorf("set function env var: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFunctionEnvVar(ctx context.Context, functionID, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM function_environment_variables WHERE function_id = $1 AND key = $2`, functionID, key)
	if err != nil {
		return fmt.Errorf("delete function env var: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFunctionEnvVars(ctx context.Context, functionID string) ([]*domain.FunctionEnvironmentVariable, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT function_id, key, value FROM function_environment_variables WHERE function_id = $1 ORDER BY key`, functionID)
	if err != nil {
		return nil, fmt.Errorf("list function env vars: %w", err)
	}
	defer rows.Close()

	var out []*domain.FunctionEnvironmentVariable
	for rows.Next() {
		var v domain.FunctionEnvironmentVariable
		if err := rows.Scan(&v.FunctionID, &v.Key, &v.Value); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// ─── network policy rules ────────────────────────────────────────────────

func (s *PostgresStore) SaveNetworkPolicyRule(ctx context.Context, r *domain.NetworkPolicyRule) error {
	if r.ID == "" {
		return fmt.Errorf("network policy rule id is required")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal network policy rule: %w", err)
	}
	var projectID any
	if r.ProjectID != "" {
		projectID = r.ProjectID
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO network_policy_rules (id, project_id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET project_id = $2, data = $3
	`, r.ID, projectID, data)
	if err != nil {
		return fmt.Errorf("save network policy rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNetworkPolicyRule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM network_policy_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete network policy rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNetworkPolicyRules(ctx context.Context, projectID string) ([]*domain.NetworkPolicyRule, error) {
	return s.queryNetworkPolicyRules(ctx, `SELECT data FROM network_policy_rules WHERE project_id = $1 ORDER BY (data->>'priority')::int`, projectID)
}

func (s *PostgresStore) ListGlobalNetworkPolicyRules(ctx context.Context) ([]*domain.NetworkPolicyRule, error) {
	return s.queryNetworkPolicyRules(ctx, `SELECT data FROM network_policy_rules WHERE project_id IS NULL ORDER BY (data->>'priority')::int`)
}

func (s *PostgresStore) queryNetworkPolicyRules(ctx context.Context, query string, args ...any) ([]*domain.NetworkPolicyRule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list network policy rules: %w", err)
	}
	defer rows.Close()

	var out []*domain.NetworkPolicyRule
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r domain.NetworkPolicyRule
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ─── execution logs ──────────────────────────────────────────────────────

func (s *PostgresStore) SaveExecutionLog(ctx context.Context, l *domain.ExecutionLog) error {
	return s.SaveExecutionLogs(ctx, []*domain.ExecutionLog{l})
}

// SaveExecutionLogs inserts a batch of logs and, in the same batch, bumps
// each affected function's execution_count and last_executed_at so the
// counters never drift from the log table.
func (s *PostgresStore) SaveExecutionLogs(ctx context.Context, logs []*domain.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now()
		}
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("marshal execution log: %w", err)
		}
		batch.Queue(`
			INSERT INTO execution_logs (id, function_id, status_code, data, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, l.ID, l.FunctionID, l.StatusCode, data, l.CreatedAt)
		batch.Queue(`
			UPDATE functions SET data = jsonb_set(
				jsonb_set(data, '{execution_count}', to_jsonb(COALESCE((data->>'execution_count')::bigint, 0) + 1)),
				'{last_executed_at}', to_jsonb($2::timestamptz)
			), updated_at = $2 WHERE id = $1
		`, l.FunctionID, l.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range logs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("save execution logs: %w", err)
		}
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("update function execution stats: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListExecutionLogs(ctx context.Context, filter ExecutionLogFilter) ([]*domain.ExecutionLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM execution_logs
		WHERE ($1 = '' OR function_id = $1) AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, filter.FunctionID, filter.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	var out []*domain.ExecutionLog
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var l domain.ExecutionLog
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PruneExecutionLogs(ctx context.Context, functionID string, policy RetentionPolicy) (int64, error) {
	var total int64

	if policy.MaxAge > 0 {
		cutoff := time.Now().Add(-policy.MaxAge)
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM execution_logs WHERE function_id = $1 AND created_at < $2`, functionID, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune execution logs by age: %w", err)
		}
		total += tag.RowsAffected()
	}

	if policy.MaxCount > 0 {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM execution_logs
			WHERE id IN (
				SELECT id FROM execution_logs
				WHERE function_id = $1
				ORDER BY created_at DESC
				OFFSET $2
			)
		`, functionID, policy.MaxCount)
		if err != nil {
			return total, fmt.Errorf("prune execution logs by count: %w", err)
		}
		total += tag.RowsAffected()
	}

	return total, nil
}

// ─── project-scoped key-value store ───────────────────────────────────────

func (s *PostgresStore) KVGet(ctx context.Context, projectID, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM project_kv WHERE project_id = $1 AND key = $2`, projectID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	return value, true, nil
}

func (s *PostgresStore) KVSet(ctx context.Context, projectID, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO project_kv (project_id, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (project_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, projectID, key, value)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

func (s *PostgresStore) KVDelete(ctx context.Context, projectID, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM project_kv WHERE project_id = $1 AND key = $2`, projectID, key)
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/nova/internal/domain"
)

// ErrNotFound is returned when a lookup by ID or unique key finds nothing.
var ErrNotFound = errors.New("not found")

// ─── gateway config ───────────────────────────────────────────────────────

func (s *PostgresStore) SaveGatewayConfig(ctx context.Context, g *domain.GatewayConfig) error {
	if g.ID == "" || g.ProjectID == "" {
		return fmt.Errorf("gateway config id and project id are required")
	}
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal gateway config: %w", err)
	}
	var domainCol any
	if g.CustomDomain != "" {
		domainCol = g.CustomDomain
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO gateway_configs (id, project_id, custom_domain, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET custom_domain = $3, data = $4, updated_at = $6
	`, g.ID, g.ProjectID, domainCol, data, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save gateway config: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanGatewayConfig(row pgx.Row) (*domain.GatewayConfig, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var g domain.GatewayConfig
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) GetGatewayConfig(ctx context.Context, id string) (*domain.GatewayConfig, error) {
	g, err := s.scanGatewayConfig(s.pool.QueryRow(ctx, `SELECT data FROM gateway_configs WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get gateway config %s: %w", id, err)
	}
	return g, nil
}

func (s *PostgresStore) GetGatewayConfigByProject(ctx context.Context, projectID string) (*domain.GatewayConfig, error) {
	g, err := s.scanGatewayConfig(s.pool.QueryRow(ctx,
		`SELECT data FROM gateway_configs WHERE project_id = $1`, projectID))
	if err != nil {
		return nil, fmt.Errorf("get gateway config for project %s: %w", projectID, err)
	}
	return g, nil
}

func (s *PostgresStore) GetGatewayConfigByDomain(ctx context.Context, customDomain string) (*domain.GatewayConfig, error) {
	g, err := s.scanGatewayConfig(s.pool.QueryRow(ctx,
		`SELECT data FROM gateway_configs WHERE custom_domain = $1`, customDomain))
	if err != nil {
		return nil, fmt.Errorf("get gateway config for domain %s: %w", customDomain, err)
	}
	return g, nil
}

// ListGatewayConfigs returns every gateway, enabled or not, used to rebuild
// the in-memory route index at startup and on invalidation; the gateway
// skips disabled configs when it builds the index.
func (s *PostgresStore) ListGatewayConfigs(ctx context.Context) ([]*domain.GatewayConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM gateway_configs ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list gateway configs: %w", err)
	}
	defer rows.Close()

	var out []*domain.GatewayConfig
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan gateway config: %w", err)
		}
		var g domain.GatewayConfig
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("unmarshal gateway config: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// ─── gateway routes ───────────────────────────────────────────────────────

func (s *PostgresStore) SaveGatewayRoute(ctx context.Context, r *domain.GatewayRoute) error {
	if r.ID == "" || r.GatewayID == "" || r.FunctionID == "" {
		return fmt.Errorf("gateway route id, gateway id, and function id are required")
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal gateway route: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO gateway_routes (id, gateway_id, path_template, function_id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			path_template = $3, function_id = $4, data = $5, updated_at = $7
	`, r.ID, r.GatewayID, r.PathTemplate, r.FunctionID, data, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save gateway route: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGatewayRoute(ctx context.Context, id string) (*domain.GatewayRoute, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM gateway_routes WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("gateway route %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get gateway route: %w", err)
	}
	var r domain.GatewayRoute
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListGatewayRoutes(ctx context.Context, gatewayID string) ([]*domain.GatewayRoute, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM gateway_routes WHERE gateway_id = $1 ORDER BY created_at`, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("list gateway routes: %w", err)
	}
	defer rows.Close()

	var out []*domain.GatewayRoute
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r domain.GatewayRoute
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteGatewayRoute(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM gateway_routes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete gateway route: %w", err)
	}
	return nil
}

// ─── gateway auth methods ─────────────────────────────────────────────────

func (s *PostgresStore) SaveGatewayAuthMethod(ctx context.Context, m *domain.GatewayAuthMethod) error {
	if m.ID == "" || m.GatewayID == "" || m.Name == "" {
		return fmt.Errorf("auth method id, gateway id, and name are required")
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal auth method: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO gateway_auth_methods (id, gateway_id, name, type, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = $3, type = $4, data = $5, updated_at = $7
	`, m.ID, m.GatewayID, m.Name, string(m.Type), data, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save auth method: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGatewayAuthMethod(ctx context.Context, id string) (*domain.GatewayAuthMethod, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM gateway_auth_methods WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("auth method %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auth method: %w", err)
	}
	var m domain.GatewayAuthMethod
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListGatewayAuthMethods(ctx context.Context, gatewayID string) ([]*domain.GatewayAuthMethod, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM gateway_auth_methods WHERE gateway_id = $1 ORDER BY created_at`, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("list auth methods: %w", err)
	}
	defer rows.Close()

	var out []*domain.GatewayAuthMethod
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m domain.GatewayAuthMethod
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteGatewayAuthMethod(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM gateway_auth_methods WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete auth method: %w", err)
	}
	return nil
}

// ─── route auth bindings ──────────────────────────────────────────────────

func (s *PostgresStore) BindRouteAuth(ctx context.Context, b *domain.RouteAuthBinding) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO route_auth_bindings (route_id, auth_method_id, bind_order)
		VALUES ($1, $2, $3)
		ON CONFLICT (route_id, auth_method_id) DO UPDATE SET bind_order = $3
	`, b.RouteID, b.AuthMethodID, b.BindOrder)
	if err != nil {
		return fmt.Errorf("bind route auth: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRouteAuthBindings(ctx context.Context, routeID string) ([]*domain.RouteAuthBinding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT route_id, auth_method_id, bind_order FROM route_auth_bindings
		WHERE route_id = $1 ORDER BY bind_order
	`, routeID)
	if err != nil {
		return nil, fmt.Errorf("list route auth bindings: %w", err)
	}
	defer rows.Close()

	var out []*domain.RouteAuthBinding
	for rows.Next() {
		var b domain.RouteAuthBinding
		if err := rows.Scan(&b.RouteID, &b.AuthMethodID, &b.BindOrder); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UnbindRouteAuth(ctx context.Context, routeID, authMethodID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM route_auth_bindings WHERE route_id = $1 AND auth_method_id = $2`, routeID, authMethodID)
	if err != nil {
		return fmt.Errorf("unbind route auth: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/nova/internal/domain"
)

// MemoryStore is an in-memory MetadataStore used by tests in place of a real
// Postgres instance. It does not emit invalidation notifications; the
// internal/invalidation tests feed events to the bus's dispatch directly.
type MemoryStore struct {
	mu sync.RWMutex

	projects map[string]*domain.Project
	funcs    map[string]*domain.Function
	versions map[string][]*domain.FunctionVersion // functionID -> versions
	envVars  map[string]map[string]string         // functionID -> key -> value
	netpols  map[string]*domain.NetworkPolicyRule
	gwConfig map[string]*domain.GatewayConfig
	gwRoutes map[string]*domain.GatewayRoute
	gwAuth   map[string]*domain.GatewayAuthMethod
	bindings map[string][]*domain.RouteAuthBinding // routeID -> bindings
	logs     map[string][]*domain.ExecutionLog     // functionID -> logs
	kv       map[string]map[string]string          // projectID -> key -> value
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*domain.Project),
		funcs:    make(map[string]*domain.Function),
		versions: make(map[string][]*domain.FunctionVersion),
		envVars:  make(map[string]map[string]string),
		netpols:  make(map[string]*domain.NetworkPolicyRule),
		gwConfig: make(map[string]*domain.GatewayConfig),
		gwRoutes: make(map[string]*domain.GatewayRoute),
		gwAuth:   make(map[string]*domain.GatewayAuthMethod),
		bindings: make(map[string][]*domain.RouteAuthBinding),
		logs:     make(map[string][]*domain.ExecutionLog),
		kv:       make(map[string]map[string]string),
	}
}

func (m *MemoryStore) Close() error                     { return nil }
func (m *MemoryStore) Ping(ctx context.Context) error    { return nil }

func (m *MemoryStore) SaveProject(ctx context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteProject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	return nil
}

func (m *MemoryStore) SaveFunction(ctx context.Context, fn *domain.Function) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = now
	}
	fn.UpdatedAt = now
	cp := *fn
	m.funcs[fn.ID] = &cp
	return nil
}

func (m *MemoryStore) GetFunction(ctx context.Context, id string) (*domain.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.funcs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *fn
	return &cp, nil
}

func (m *MemoryStore) GetFunctionByName(ctx context.Context, projectID, name string) (*domain.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, fn := range m.funcs {
		if fn.ProjectID == projectID && fn.Name == name {
			cp := *fn
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListFunctions(ctx context.Context, projectID string) ([]*domain.Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Function
	for _, fn := range m.funcs {
		if fn.ProjectID == projectID {
			cp := *fn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteFunction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.funcs, id)
	delete(m.versions, id)
	delete(m.envVars, id)
	delete(m.logs, id)
	return nil
}

func (m *MemoryStore) SetActiveVersion(ctx context.Context, functionID string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.funcs[functionID]
	if !ok {
		return ErrNotFound
	}
	fn.ActiveVersion = version
	fn.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateFunctionVersion(ctx context.Context, v *domain.FunctionVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	cp := *v
	m.versions[v.FunctionID] = append(m.versions[v.FunctionID], &cp)
	return nil
}

func (m *MemoryStore) GetFunctionVersion(ctx context.Context, functionID string, version int) (*domain.FunctionVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions[functionID] {
		if v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetActiveFunctionVersion(ctx context.Context, functionID string) (*domain.FunctionVersion, error) {
	m.mu.RLock()
	fn, ok := m.funcs[functionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetFunctionVersion(ctx, functionID, fn.ActiveVersion)
}

func (m *MemoryStore) ListFunctionVersions(ctx context.Context, functionID string) ([]*domain.FunctionVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.versions[functionID]
	out := make([]*domain.FunctionVersion, len(src))
	for i, v := range src {
		cp := *v
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *MemoryStore) NextVersionNumber(ctx context.Context, functionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := 0
	for _, v := range m.versions[functionID] {
		if v.Version > max {
			max = v.Version
		}
	}
	return max + 1, nil
}

func (m *MemoryStore) SetFunctionEnvVar(ctx context.Context, v *domain.FunctionEnvironmentVariable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.envVars[v.FunctionID] == nil {
		m.envVars[v.FunctionID] = make(map[string]string)
	}
	m.envVars[v.FunctionID][v.Key] = v.Value
	return nil
}

func (m *MemoryStore) DeleteFunctionEnvVar(ctx context.Context, functionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.envVars[functionID], key)
	return nil
}

func (m *MemoryStore) ListFunctionEnvVars(ctx context.Context, functionID string) ([]*domain.FunctionEnvironmentVariable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.FunctionEnvironmentVariable
	keys := make([]string, 0, len(m.envVars[functionID]))
	for k := range m.envVars[functionID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, &domain.FunctionEnvironmentVariable{FunctionID: functionID, Key: k, Value: m.envVars[functionID][k]})
	}
	return out, nil
}

func (m *MemoryStore) SaveNetworkPolicyRule(ctx context.Context, r *domain.NetworkPolicyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.netpols[r.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteNetworkPolicyRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.netpols, id)
	return nil
}

func (m *MemoryStore) ListNetworkPolicyRules(ctx context.Context, projectID string) ([]*domain.NetworkPolicyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.NetworkPolicyRule
	for _, r := range m.netpols {
		if r.ProjectID == projectID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (m *MemoryStore) ListGlobalNetworkPolicyRules(ctx context.Context) ([]*domain.NetworkPolicyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.NetworkPolicyRule
	for _, r := range m.netpols {
		if r.IsGlobal() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (m *MemoryStore) SaveGatewayConfig(ctx context.Context, g *domain.GatewayConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	cp := *g
	m.gwConfig[g.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGatewayConfig(ctx context.Context, id string) (*domain.GatewayConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gwConfig[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) GetGatewayConfigByProject(ctx context.Context, projectID string) (*domain.GatewayConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.gwConfig {
		if g.ProjectID == projectID {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetGatewayConfigByDomain(ctx context.Context, customDomain string) (*domain.GatewayConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.gwConfig {
		if g.CustomDomain == customDomain {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListGatewayConfigs(ctx context.Context) ([]*domain.GatewayConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.GatewayConfig, 0, len(m.gwConfig))
	for _, g := range m.gwConfig {
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SaveGatewayRoute(ctx context.Context, r *domain.GatewayRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	cp := *r
	m.gwRoutes[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGatewayRoute(ctx context.Context, id string) (*domain.GatewayRoute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.gwRoutes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListGatewayRoutes(ctx context.Context, gatewayID string) ([]*domain.GatewayRoute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.GatewayRoute
	for _, r := range m.gwRoutes {
		if r.GatewayID == gatewayID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteGatewayRoute(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gwRoutes, id)
	delete(m.bindings, id)
	return nil
}

func (m *MemoryStore) SaveGatewayAuthMethod(ctx context.Context, a *domain.GatewayAuthMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	cp := *a
	m.gwAuth[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGatewayAuthMethod(ctx context.Context, id string) (*domain.GatewayAuthMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.gwAuth[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListGatewayAuthMethods(ctx context.Context, gatewayID string) ([]*domain.GatewayAuthMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.GatewayAuthMethod
	for _, a := range m.gwAuth {
		if a.GatewayID == gatewayID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteGatewayAuthMethod(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gwAuth, id)
	return nil
}

func (m *MemoryStore) BindRouteAuth(ctx context.Context, b *domain.RouteAuthBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.bindings[b.RouteID] {
		if existing.AuthMethodID == b.AuthMethodID {
			existing.BindOrder = b.BindOrder
			return nil
		}
	}
	cp := *b
	m.bindings[b.RouteID] = append(m.bindings[b.RouteID], &cp)
	return nil
}

func (m *MemoryStore) ListRouteAuthBindings(ctx context.Context, routeID string) ([]*domain.RouteAuthBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.bindings[routeID]
	out := make([]*domain.RouteAuthBinding, len(src))
	for i, b := range src {
		cp := *b
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BindOrder < out[j].BindOrder })
	return out, nil
}

func (m *MemoryStore) UnbindRouteAuth(ctx context.Context, routeID, authMethodID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.bindings[routeID][:0]
	for _, b := range m.bindings[routeID] {
		if b.AuthMethodID != authMethodID {
			kept = append(kept, b)
		}
	}
	m.bindings[routeID] = kept
	return nil
}

func (m *MemoryStore) SaveExecutionLog(ctx context.Context, l *domain.ExecutionLog) error {
	return m.SaveExecutionLogs(ctx, []*domain.ExecutionLog{l})
}

func (m *MemoryStore) SaveExecutionLogs(ctx context.Context, logs []*domain.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range logs {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = time.Now()
		}
		cp := *l
		m.logs[l.FunctionID] = append(m.logs[l.FunctionID], &cp)

		if fn, ok := m.funcs[l.FunctionID]; ok {
			fn.ExecutionCount++
			when := l.CreatedAt
			fn.LastExecutedAt = &when
		}
	}
	return nil
}

func (m *MemoryStore) ListExecutionLogs(ctx context.Context, filter ExecutionLogFilter) ([]*domain.ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var src []*domain.ExecutionLog
	if filter.FunctionID != "" {
		src = m.logs[filter.FunctionID]
	} else {
		for _, logs := range m.logs {
			src = append(src, logs...)
		}
	}

	var out []*domain.ExecutionLog
	for _, l := range src {
		if l.CreatedAt.Before(filter.Since) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PruneExecutionLogs(ctx context.Context, functionID string, policy RetentionPolicy) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.logs[functionID]
	sort.Slice(src, func(i, j int) bool { return src[i].CreatedAt.After(src[j].CreatedAt) })

	cutoff := time.Time{}
	if policy.MaxAge > 0 {
		cutoff = time.Now().Add(-policy.MaxAge)
	}

	var kept []*domain.ExecutionLog
	var removed int64
	for i, l := range src {
		tooOld := policy.MaxAge > 0 && l.CreatedAt.Before(cutoff)
		tooMany := policy.MaxCount > 0 && i >= policy.MaxCount
		if tooOld || tooMany {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	m.logs[functionID] = kept
	return removed, nil
}

func (m *MemoryStore) KVGet(ctx context.Context, projectID, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.kv[projectID][key]
	return v, ok, nil
}

func (m *MemoryStore) KVSet(ctx context.Context, projectID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kv[projectID] == nil {
		m.kv[projectID] = make(map[string]string)
	}
	m.kv[projectID][key] = value
	return nil
}

func (m *MemoryStore) KVDelete(ctx context.Context, projectID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv[projectID], key)
	return nil
}

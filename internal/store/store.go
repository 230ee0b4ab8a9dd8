package store

import (
	"context"
	"time"

	"github.com/oriys/nova/internal/domain"
)

// ExecutionLogFilter narrows ListExecutionLogs results.
type ExecutionLogFilter struct {
	FunctionID string
	Since      time.Time
	Limit      int
}

// RetentionPolicy bounds how long execution logs are kept for a sweep.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int
}

// MetadataStore is the durable store (C1): projects, functions, versions,
// environment variables, network policy rules, gateway config/routes/auth,
// and execution logs. Every write that affects cached reads is expected to
// emit a Postgres NOTIFY in the same transaction (see internal/invalidation).
type MetadataStore interface {
	Close() error
	Ping(ctx context.Context) error

	SaveProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]*domain.Project, error)
	DeleteProject(ctx context.Context, id string) error

	SaveFunction(ctx context.Context, fn *domain.Function) error
	GetFunction(ctx context.Context, id string) (*domain.Function, error)
	GetFunctionByName(ctx context.Context, projectID, name string) (*domain.Function, error)
	ListFunctions(ctx context.Context, projectID string) ([]*domain.Function, error)
	DeleteFunction(ctx context.Context, id string) error
	SetActiveVersion(ctx context.Context, functionID string, version int) error

	CreateFunctionVersion(ctx context.Context, v *domain.FunctionVersion) error
	GetFunctionVersion(ctx context.Context, functionID string, version int) (*domain.FunctionVersion, error)
	GetActiveFunctionVersion(ctx context.Context, functionID string) (*domain.FunctionVersion, error)
	ListFunctionVersions(ctx context.Context, functionID string) ([]*domain.FunctionVersion, error)
	NextVersionNumber(ctx context.Context, functionID string) (int, error)

	SetFunctionEnvVar(ctx context.Context, v *domain.FunctionEnvironmentVariable) error
	DeleteFunctionEnvVar(ctx context.Context, functionID, key string) error
	ListFunctionEnvVars(ctx context.Context, functionID string) ([]*domain.FunctionEnvironmentVariable, error)

	SaveNetworkPolicyRule(ctx context.Context, r *domain.NetworkPolicyRule) error
	DeleteNetworkPolicyRule(ctx context.Context, id string) error
	ListNetworkPolicyRules(ctx context.Context, projectID string) ([]*domain.NetworkPolicyRule, error)
	ListGlobalNetworkPolicyRules(ctx context.Context) ([]*domain.NetworkPolicyRule, error)

	SaveGatewayConfig(ctx context.Context, g *domain.GatewayConfig) error
	GetGatewayConfig(ctx context.Context, id string) (*domain.GatewayConfig, error)
	GetGatewayConfigByProject(ctx context.Context, projectID string) (*domain.GatewayConfig, error)
	GetGatewayConfigByDomain(ctx context.Context, customDomain string) (*domain.GatewayConfig, error)
	ListGatewayConfigs(ctx context.Context) ([]*domain.GatewayConfig, error)

	SaveGatewayRoute(ctx context.Context, r *domain.GatewayRoute) error
	GetGatewayRoute(ctx context.Context, id string) (*domain.GatewayRoute, error)
	ListGatewayRoutes(ctx context.Context, gatewayID string) ([]*domain.GatewayRoute, error)
	DeleteGatewayRoute(ctx context.Context, id string) error

	SaveGatewayAuthMethod(ctx context.Context, m *domain.GatewayAuthMethod) error
	GetGatewayAuthMethod(ctx context.Context, id string) (*domain.GatewayAuthMethod, error)
	ListGatewayAuthMethods(ctx context.Context, gatewayID string) ([]*domain.GatewayAuthMethod, error)
	DeleteGatewayAuthMethod(ctx context.Context, id string) error

	BindRouteAuth(ctx context.Context, b *domain.RouteAuthBinding) error
	ListRouteAuthBindings(ctx context.Context, routeID string) ([]*domain.RouteAuthBinding, error)
	UnbindRouteAuth(ctx context.Context, routeID, authMethodID string) error

	SaveExecutionLog(ctx context.Context, l *domain.ExecutionLog) error
	SaveExecutionLogs(ctx context.Context, logs []*domain.ExecutionLog) error
	ListExecutionLogs(ctx context.Context, filter ExecutionLogFilter) ([]*domain.ExecutionLog, error)
	PruneExecutionLogs(ctx context.Context, functionID string, policy RetentionPolicy) (int64, error)

	// KVGet/KVSet/KVDelete back the project-scoped key-value store exposed
	// to handler code inside the sandbox (see internal/sandbox.KVStore).
	KVGet(ctx context.Context, projectID, key string) (string, bool, error)
	KVSet(ctx context.Context, projectID, key, value string) error
	KVDelete(ctx context.Context, projectID, key string) error
}

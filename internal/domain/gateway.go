package domain

import (
	"encoding/json"
	"time"
)

// GatewayConfig is unique per project; CustomDomain, when set, is unique
// across all gateways.
type GatewayConfig struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Enabled      bool      `json:"enabled"`
	CustomDomain string    `json:"custom_domain,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GatewayRoute maps a path template within one gateway to a target
// function. Route uniqueness (invariant 5) is enforced at the matching
// layer: no two routes in the same gateway may both match the same
// concrete (method, path).
type GatewayRoute struct {
	ID           string      `json:"id"`
	GatewayID    string      `json:"gateway_id"`
	PathTemplate string      `json:"path_template"` // "/v1/users/{id}"
	Methods      []string    `json:"methods"`       // allowed methods; empty allows every method
	FunctionID   string      `json:"function_id"`
	PathRewrite  string      `json:"path_rewrite,omitempty"`
	CORS         *CORSPolicy `json:"cors,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// CORSPolicy answers preflight requests directly from the route.
type CORSPolicy struct {
	AllowOrigins     []string `json:"allow_origins"`
	AllowMethods     []string `json:"allow_methods,omitempty"`
	AllowHeaders     []string `json:"allow_headers,omitempty"`
	ExposeHeaders    []string `json:"expose_headers,omitempty"`
	AllowCredentials bool     `json:"allow_credentials,omitempty"`
	MaxAgeSeconds    int      `json:"max_age_seconds,omitempty"`
}

// GatewayAuthMethodType selects which opaque Config schema applies (§6).
type GatewayAuthMethodType string

const (
	AuthMethodBasic      GatewayAuthMethodType = "basic_auth"
	AuthMethodBearerJWT  GatewayAuthMethodType = "bearer_jwt"
	AuthMethodAPIKey     GatewayAuthMethodType = "api_key"
	AuthMethodMiddleware GatewayAuthMethodType = "middleware"
)

// JWTMode selects how a bearer_jwt auth method verifies tokens.
type JWTMode string

const (
	JWTModeFixedSecret    JWTMode = "fixed_secret"
	JWTModeMicrosoft      JWTMode = "microsoft"
	JWTModeGoogle         JWTMode = "google"
	JWTModeGitHub         JWTMode = "github"
	JWTModeJWKSEndpoint   JWTMode = "jwks_endpoint"
	JWTModeOIDCDiscovery  JWTMode = "oidc_discovery"
)

// GatewayAuthMethod is unique by Name within its gateway. Config is not
// validated when saved; it is parsed for Type when the gateway builds its
// route index, and a method whose Config does not parse is skipped.
type GatewayAuthMethod struct {
	ID        string                 `json:"id"`
	GatewayID string                 `json:"gateway_id"`
	Name      string                 `json:"name"`
	Type      GatewayAuthMethodType  `json:"type"`
	Config    json.RawMessage        `json:"config"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// BasicAuthConfig is the Config schema for AuthMethodBasic.
type BasicAuthConfig struct {
	Credentials []BasicAuthCredential `json:"credentials"`
}

type BasicAuthCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// BearerJWTConfig is the Config schema for AuthMethodBearerJWT; which
// fields are required depends on JWTMode (§6 table).
type BearerJWTConfig struct {
	JWTMode  JWTMode `json:"jwtMode"`
	Secret   string  `json:"jwtSecret,omitempty"`
	TenantID string  `json:"tenantId,omitempty"`
	JWKSURL  string  `json:"jwksUrl,omitempty"`
	OIDCURL  string  `json:"oidcUrl,omitempty"`
	Audience string  `json:"audience,omitempty"`
	Issuer   string  `json:"issuer,omitempty"`
}

// APIKeyConfig is the Config schema for AuthMethodAPIKey.
type APIKeyConfig struct {
	APIKeys []string `json:"apiKeys"`
}

// MiddlewareConfig is the Config schema for AuthMethodMiddleware.
type MiddlewareConfig struct {
	FunctionID string `json:"functionId"`
}

// RouteAuthBinding grants a route access if any bound method accepts the
// request; BindOrder determines the order methods are tried in.
type RouteAuthBinding struct {
	RouteID      string `json:"route_id"`
	AuthMethodID string `json:"auth_method_id"`
	BindOrder    int    `json:"bind_order"`
}

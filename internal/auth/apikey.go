package auth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/oriys/nova/internal/domain"
)

// BasicAuthAuthenticator validates HTTP Basic credentials against the
// fixed credential list in a basic_auth gateway auth method's Config.
type BasicAuthAuthenticator struct {
	name  string
	creds []domain.BasicAuthCredential
}

// NewBasicAuthAuthenticator parses method.Config as domain.BasicAuthConfig.
func NewBasicAuthAuthenticator(method *domain.GatewayAuthMethod) (*BasicAuthAuthenticator, error) {
	var cfg domain.BasicAuthConfig
	if err := json.Unmarshal(method.Config, &cfg); err != nil {
		return nil, fmt.Errorf("parse basic_auth config: %w", err)
	}
	if len(cfg.Credentials) == 0 {
		return nil, fmt.Errorf("basic_auth config has no credentials")
	}
	return &BasicAuthAuthenticator{name: method.Name, creds: cfg.Credentials}, nil
}

func (a *BasicAuthAuthenticator) Authenticate(r *http.Request) *Identity {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	for _, c := range a.creds {
		userOK := subtle.ConstantTimeCompare([]byte(c.Username), []byte(user)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(c.Password), []byte(pass)) == 1
		if userOK && passOK {
			return &Identity{
				Subject: "basic:" + user,
				Claims:  map[string]any{"auth_method": a.name},
			}
		}
	}
	return nil
}

// APIKeyAuthenticator validates a caller-presented key against the fixed
// key list in an api_key gateway auth method's Config. Keys are taken
// from X-API-Key or an "Authorization: ApiKey <key>" header.
type APIKeyAuthenticator struct {
	name string
	keys []string
}

// NewAPIKeyAuthenticator parses method.Config as domain.APIKeyConfig.
func NewAPIKeyAuthenticator(method *domain.GatewayAuthMethod) (*APIKeyAuthenticator, error) {
	var cfg domain.APIKeyConfig
	if err := json.Unmarshal(method.Config, &cfg); err != nil {
		return nil, fmt.Errorf("parse api_key config: %w", err)
	}
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("api_key config has no keys")
	}
	return &APIKeyAuthenticator{name: method.Name, keys: cfg.APIKeys}, nil
}

func (a *APIKeyAuthenticator) Authenticate(r *http.Request) *Identity {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "ApiKey ") {
			key = strings.TrimPrefix(authHeader, "ApiKey ")
		}
	}
	if key == "" {
		return nil
	}
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return &Identity{Subject: "apikey:" + a.name, KeyName: a.name}
		}
	}
	return nil
}

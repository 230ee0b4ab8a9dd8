package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/nova/internal/domain"
)

func basicAuthMethod(t *testing.T, creds ...domain.BasicAuthCredential) *domain.GatewayAuthMethod {
	t.Helper()
	cfg, err := json.Marshal(domain.BasicAuthConfig{Credentials: creds})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return &domain.GatewayAuthMethod{Name: "basic", Type: domain.AuthMethodBasic, Config: cfg}
}

func apiKeyAuthMethod(t *testing.T, keys ...string) *domain.GatewayAuthMethod {
	t.Helper()
	cfg, err := json.Marshal(domain.APIKeyConfig{APIKeys: keys})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return &domain.GatewayAuthMethod{Name: "key", Type: domain.AuthMethodAPIKey, Config: cfg}
}

func TestBasicAuthAuthenticatorAcceptsMatchingCredentials(t *testing.T) {
	a, err := NewBasicAuthAuthenticator(basicAuthMethod(t, domain.BasicAuthCredential{Username: "alice", Password: "s3cret"}))
	if err != nil {
		t.Fatalf("NewBasicAuthAuthenticator: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.SetBasicAuth("alice", "s3cret")

	id := a.Authenticate(r)
	if id == nil {
		t.Fatal("expected identity, got nil")
	}
	if id.Subject != "basic:alice" {
		t.Errorf("Subject = %q, want %q", id.Subject, "basic:alice")
	}
}

func TestBasicAuthAuthenticatorRejectsWrongPassword(t *testing.T) {
	a, err := NewBasicAuthAuthenticator(basicAuthMethod(t, domain.BasicAuthCredential{Username: "alice", Password: "s3cret"}))
	if err != nil {
		t.Fatalf("NewBasicAuthAuthenticator: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.SetBasicAuth("alice", "wrong")

	if id := a.Authenticate(r); id != nil {
		t.Errorf("expected nil identity, got %+v", id)
	}
}

func TestBasicAuthAuthenticatorRejectsMissingHeader(t *testing.T) {
	a, err := NewBasicAuthAuthenticator(basicAuthMethod(t, domain.BasicAuthCredential{Username: "alice", Password: "s3cret"}))
	if err != nil {
		t.Fatalf("NewBasicAuthAuthenticator: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if id := a.Authenticate(r); id != nil {
		t.Errorf("expected nil identity, got %+v", id)
	}
}

func TestNewBasicAuthAuthenticatorRejectsEmptyCredentials(t *testing.T) {
	method := basicAuthMethod(t)
	if _, err := NewBasicAuthAuthenticator(method); err == nil {
		t.Fatal("expected error for empty credential list")
	}
}

func TestAPIKeyAuthenticatorAcceptsHeaderVariants(t *testing.T) {
	a, err := NewAPIKeyAuthenticator(apiKeyAuthMethod(t, "key-123"))
	if err != nil {
		t.Fatalf("NewAPIKeyAuthenticator: %v", err)
	}

	tests := []struct {
		name   string
		setReq func(*http.Request)
		want   bool
	}{
		{"x-api-key header", func(r *http.Request) { r.Header.Set("X-API-Key", "key-123") }, true},
		{"authorization apikey header", func(r *http.Request) { r.Header.Set("Authorization", "ApiKey key-123") }, true},
		{"wrong key", func(r *http.Request) { r.Header.Set("X-API-Key", "wrong") }, false},
		{"no header", func(r *http.Request) {}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setReq(r)
			id := a.Authenticate(r)
			if (id != nil) != tt.want {
				t.Errorf("Authenticate() identity present = %v, want %v", id != nil, tt.want)
			}
		})
	}
}

func TestNewAPIKeyAuthenticatorRejectsEmptyKeys(t *testing.T) {
	method := apiKeyAuthMethod(t)
	if _, err := NewAPIKeyAuthenticator(method); err == nil {
		t.Fatal("expected error for empty key list")
	}
}

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/nova/internal/domain"
)

func b64url(b []byte) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b)
}

// signHS256 hand-builds a compact JWT signed with HS256, mirroring the
// wire format BearerJWTAuthenticator.validate expects.
func signHS256(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	claimBytes, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	signingInput := b64url(headerBytes) + "." + b64url(claimBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	return signingInput + "." + b64url(mac.Sum(nil))
}

func bearerJWTMethod(t *testing.T, cfg domain.BearerJWTConfig) *domain.GatewayAuthMethod {
	t.Helper()
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return &domain.GatewayAuthMethod{Name: "jwt", Type: domain.AuthMethodBearerJWT, Config: raw}
}

func TestBearerJWTAuthenticatorFixedSecretAccepts(t *testing.T) {
	a, err := NewBearerJWTAuthenticator(bearerJWTMethod(t, domain.BearerJWTConfig{
		JWTMode: domain.JWTModeFixedSecret,
		Secret:  "top-secret",
	}))
	if err != nil {
		t.Fatalf("NewBearerJWTAuthenticator: %v", err)
	}

	token := signHS256(t, "top-secret", map[string]any{
		"sub": "user-1",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id := a.Authenticate(r)
	if id == nil {
		t.Fatal("expected identity, got nil")
	}
	if id.Subject != "jwt:user-1" {
		t.Errorf("Subject = %q, want %q", id.Subject, "jwt:user-1")
	}
}

func TestBearerJWTAuthenticatorRejectsWrongSecret(t *testing.T) {
	a, err := NewBearerJWTAuthenticator(bearerJWTMethod(t, domain.BearerJWTConfig{
		JWTMode: domain.JWTModeFixedSecret,
		Secret:  "top-secret",
	}))
	if err != nil {
		t.Fatalf("NewBearerJWTAuthenticator: %v", err)
	}

	token := signHS256(t, "wrong-secret", map[string]any{"sub": "user-1"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	if id := a.Authenticate(r); id != nil {
		t.Errorf("expected nil identity, got %+v", id)
	}
}

func TestBearerJWTAuthenticatorRejectsExpiredToken(t *testing.T) {
	a, err := NewBearerJWTAuthenticator(bearerJWTMethod(t, domain.BearerJWTConfig{
		JWTMode: domain.JWTModeFixedSecret,
		Secret:  "top-secret",
	}))
	if err != nil {
		t.Fatalf("NewBearerJWTAuthenticator: %v", err)
	}

	token := signHS256(t, "top-secret", map[string]any{
		"sub": "user-1",
		"exp": float64(time.Now().Add(-time.Hour).Unix()),
	})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	if id := a.Authenticate(r); id != nil {
		t.Errorf("expected nil identity for expired token, got %+v", id)
	}
}

func TestBearerJWTAuthenticatorEnforcesIssuerAndAudience(t *testing.T) {
	a, err := NewBearerJWTAuthenticator(bearerJWTMethod(t, domain.BearerJWTConfig{
		JWTMode:  domain.JWTModeFixedSecret,
		Secret:   "top-secret",
		Issuer:   "https://issuer.example",
		Audience: "nova-api",
	}))
	if err != nil {
		t.Fatalf("NewBearerJWTAuthenticator: %v", err)
	}

	tests := []struct {
		name   string
		claims map[string]any
		want   bool
	}{
		{"matching issuer and audience", map[string]any{"sub": "u", "iss": "https://issuer.example", "aud": "nova-api"}, true},
		{"wrong issuer", map[string]any{"sub": "u", "iss": "https://evil.example", "aud": "nova-api"}, false},
		{"wrong audience", map[string]any{"sub": "u", "iss": "https://issuer.example", "aud": "other-api"}, false},
		{"audience list includes match", map[string]any{"sub": "u", "iss": "https://issuer.example", "aud": []any{"other", "nova-api"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := signHS256(t, "top-secret", tt.claims)
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("Authorization", "Bearer "+token)
			id := a.Authenticate(r)
			if (id != nil) != tt.want {
				t.Errorf("Authenticate() identity present = %v, want %v", id != nil, tt.want)
			}
		})
	}
}

func TestBearerJWTAuthenticatorRejectsMissingBearerPrefix(t *testing.T) {
	a, err := NewBearerJWTAuthenticator(bearerJWTMethod(t, domain.BearerJWTConfig{
		JWTMode: domain.JWTModeFixedSecret,
		Secret:  "top-secret",
	}))
	if err != nil {
		t.Fatalf("NewBearerJWTAuthenticator: %v", err)
	}

	token := signHS256(t, "top-secret", map[string]any{"sub": "user-1"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", token) // no "Bearer " prefix

	if id := a.Authenticate(r); id != nil {
		t.Errorf("expected nil identity, got %+v", id)
	}
}

func TestNewBearerJWTAuthenticatorValidatesModeRequirements(t *testing.T) {
	tests := []struct {
		name    string
		cfg     domain.BearerJWTConfig
		wantErr bool
	}{
		{"fixed_secret without secret", domain.BearerJWTConfig{JWTMode: domain.JWTModeFixedSecret}, true},
		{"fixed_secret with secret", domain.BearerJWTConfig{JWTMode: domain.JWTModeFixedSecret, Secret: "s"}, false},
		{"jwks_endpoint without url", domain.BearerJWTConfig{JWTMode: domain.JWTModeJWKSEndpoint}, true},
		{"jwks_endpoint with url", domain.BearerJWTConfig{JWTMode: domain.JWTModeJWKSEndpoint, JWKSURL: "https://example/jwks"}, false},
		{"oidc_discovery without url", domain.BearerJWTConfig{JWTMode: domain.JWTModeOIDCDiscovery}, true},
		{"github mode needs nothing extra", domain.BearerJWTConfig{JWTMode: domain.JWTModeGitHub}, false},
		{"unsupported mode", domain.BearerJWTConfig{JWTMode: "bogus"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBearerJWTAuthenticator(bearerJWTMethod(t, tt.cfg))
			if (err != nil) != tt.wantErr {
				t.Errorf("NewBearerJWTAuthenticator() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

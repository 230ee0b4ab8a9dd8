package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oriys/nova/internal/domain"
)

const (
	microsoftDiscoveryTemplate = "https://login.microsoftonline.com/%s/v2.0/.well-known/openid-configuration"
	googleDiscoveryURL         = "https://accounts.google.com/.well-known/openid-configuration"
	githubDiscoveryURL         = "https://token.actions.githubusercontent.com/.well-known/openid-configuration"
	jwksCacheTTL               = 10 * time.Minute
)

// BearerJWTAuthenticator validates a bearer token per one of the six
// JWT modes in domain.BearerJWTConfig. fixed_secret verifies HS256
// against a shared secret; every other mode verifies RS256 against a
// JWKS resolved directly (jwks_endpoint), via OIDC discovery
// (oidc_discovery), or via the issuer's well-known discovery document
// (microsoft, google, github).
type BearerJWTAuthenticator struct {
	cfg domain.BearerJWTConfig
}

// NewBearerJWTAuthenticator constructs an authenticator for one bearer_jwt
// gateway auth method's Config.
func NewBearerJWTAuthenticator(method *domain.GatewayAuthMethod) (*BearerJWTAuthenticator, error) {
	var cfg domain.BearerJWTConfig
	if err := json.Unmarshal(method.Config, &cfg); err != nil {
		return nil, fmt.Errorf("parse bearer_jwt config: %w", err)
	}
	switch cfg.JWTMode {
	case domain.JWTModeFixedSecret:
		if cfg.Secret == "" {
			return nil, fmt.Errorf("jwtSecret is required for fixed_secret mode")
		}
	case domain.JWTModeJWKSEndpoint:
		if cfg.JWKSURL == "" {
			return nil, fmt.Errorf("jwksUrl is required for jwks_endpoint mode")
		}
	case domain.JWTModeOIDCDiscovery:
		if cfg.OIDCURL == "" {
			return nil, fmt.Errorf("oidcUrl is required for oidc_discovery mode")
		}
	case domain.JWTModeMicrosoft, domain.JWTModeGoogle, domain.JWTModeGitHub:
		// no mode-specific required field beyond an optional tenantId
	default:
		return nil, fmt.Errorf("unsupported jwtMode %q", cfg.JWTMode)
	}
	return &BearerJWTAuthenticator{cfg: cfg}, nil
}

// Authenticate implements Authenticator.
func (a *BearerJWTAuthenticator) Authenticate(r *http.Request) *Identity {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	claims, err := a.validate(token)
	if err != nil {
		return nil
	}
	subject, _ := claims["sub"].(string)
	return &Identity{Subject: "jwt:" + subject, Claims: claims}
}

func (a *BearerJWTAuthenticator) validate(tokenStr string) (map[string]any, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid token format")
	}

	headerBytes, err := base64URLDecode(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	signature, err := base64URLDecode(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	signingInput := parts[0] + "." + parts[1]
	if err := a.verifySignature(header.Alg, header.Kid, signingInput, signature); err != nil {
		return nil, err
	}

	payloadBytes, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	now := time.Now().Unix()
	if exp, ok := claims["exp"].(float64); ok && int64(exp) < now {
		return nil, fmt.Errorf("token expired")
	}
	if nbf, ok := claims["nbf"].(float64); ok && int64(nbf) > now {
		return nil, fmt.Errorf("token not yet valid")
	}
	if a.cfg.Issuer != "" {
		if iss, _ := claims["iss"].(string); iss != a.cfg.Issuer {
			return nil, fmt.Errorf("issuer mismatch")
		}
	}
	if a.cfg.Audience != "" && !audienceMatches(claims["aud"], a.cfg.Audience) {
		return nil, fmt.Errorf("audience mismatch")
	}
	return claims, nil
}

func audienceMatches(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func (a *BearerJWTAuthenticator) verifySignature(alg, kid, signingInput string, signature []byte) error {
	switch a.cfg.JWTMode {
	case domain.JWTModeFixedSecret:
		if alg != "HS256" {
			return fmt.Errorf("unexpected algorithm %q for fixed_secret", alg)
		}
		mac := hmac.New(sha256.New, []byte(a.cfg.Secret))
		mac.Write([]byte(signingInput))
		if !hmac.Equal(signature, mac.Sum(nil)) {
			return fmt.Errorf("invalid signature")
		}
		return nil

	default:
		if alg != "RS256" {
			return fmt.Errorf("unexpected algorithm %q", alg)
		}
		jwksURL, err := a.resolveJWKSURL()
		if err != nil {
			return err
		}
		keys, err := globalJWKSCache.get(jwksURL)
		if err != nil {
			return err
		}
		pub, ok := keys[kid]
		if !ok {
			return fmt.Errorf("unknown key id %q", kid)
		}
		hashed := sha256.Sum256([]byte(signingInput))
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], signature)
	}
}

func (a *BearerJWTAuthenticator) resolveJWKSURL() (string, error) {
	switch a.cfg.JWTMode {
	case domain.JWTModeJWKSEndpoint:
		return a.cfg.JWKSURL, nil
	case domain.JWTModeOIDCDiscovery:
		return discoverJWKSURI(a.cfg.OIDCURL)
	case domain.JWTModeMicrosoft:
		tenant := a.cfg.TenantID
		if tenant == "" {
			tenant = "common"
		}
		return discoverJWKSURI(fmt.Sprintf(microsoftDiscoveryTemplate, tenant))
	case domain.JWTModeGoogle:
		return discoverJWKSURI(googleDiscoveryURL)
	case domain.JWTModeGitHub:
		return discoverJWKSURI(githubDiscoveryURL)
	default:
		return "", fmt.Errorf("jwt mode %q has no jwks source", a.cfg.JWTMode)
	}
}

// ─── OIDC discovery + JWKS fetch/cache ─────────────────────────────────────

type oidcDiscoveryDoc struct {
	JWKSURI string `json:"jwks_uri"`
}

func discoverJWKSURI(discoveryURL string) (string, error) {
	resp, err := http.Get(discoveryURL)
	if err != nil {
		return "", fmt.Errorf("fetch oidc discovery %s: %w", discoveryURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch oidc discovery %s: status %d", discoveryURL, resp.StatusCode)
	}
	var doc oidcDiscoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode oidc discovery %s: %w", discoveryURL, err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("oidc discovery %s has no jwks_uri", discoveryURL)
	}
	return doc.JWKSURI, nil
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func fetchJWKS(url string) (map[string]*rsa.PublicKey, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks %s: status %d", url, resp.StatusCode)
	}
	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwks %s: %w", url, err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.N == "" || k.E == "" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func rsaPublicKeyFromJWK(nb64, eb64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nb64)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eb64)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// jwksCache memoizes fetched key sets per URL for a bounded TTL so token
// verification doesn't round-trip to the issuer on every request.
type jwksCache struct {
	mu      sync.Mutex
	entries map[string]jwksCacheEntry
}

type jwksCacheEntry struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

var globalJWKSCache = &jwksCache{entries: make(map[string]jwksCacheEntry)}

func (c *jwksCache) get(url string) (map[string]*rsa.PublicKey, error) {
	c.mu.Lock()
	if e, ok := c.entries[url]; ok && time.Since(e.fetchedAt) < jwksCacheTTL {
		c.mu.Unlock()
		return e.keys, nil
	}
	c.mu.Unlock()

	keys, err := fetchJWKS(url)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[url] = jwksCacheEntry{keys: keys, fetchedAt: time.Now()}
	c.mu.Unlock()
	return keys, nil
}

func base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}

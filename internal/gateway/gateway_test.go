package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/store"
)

func setupGateway(t *testing.T, executorURL string, routes ...*domain.GatewayRoute) (*Gateway, *store.MemoryStore, *domain.GatewayConfig) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	cfg := &domain.GatewayConfig{ID: "gw-1", ProjectID: "proj-1", Enabled: true}
	if err := s.SaveGatewayConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveGatewayConfig: %v", err)
	}
	for _, r := range routes {
		r.GatewayID = cfg.ID
		if err := s.SaveGatewayRoute(ctx, r); err != nil {
			t.Fatalf("SaveGatewayRoute: %v", err)
		}
	}

	g, err := New(s, executorURL, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.ReloadRoutes(ctx); err != nil {
		t.Fatalf("ReloadRoutes: %v", err)
	}
	return g, s, cfg
}

func TestGatewayProxiesMatchedRoute(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	g, _, _ := setupGateway(t, backend.URL, &domain.GatewayRoute{
		ID: "route-1", PathTemplate: "/hello", Methods: []string{"GET"}, FunctionID: "fn-1",
	})

	r := httptest.NewRequest(http.MethodGet, "/proj-1/hello", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if gotPath != "/invoke/fn-1" {
		t.Errorf("backend saw path %q, want /invoke/fn-1", gotPath)
	}
}

func TestGatewayReturnsNotFoundForUnknownProject(t *testing.T) {
	g, _, _ := setupGateway(t, "http://example.invalid", &domain.GatewayRoute{
		ID: "route-1", PathTemplate: "/hello", Methods: []string{"GET"}, FunctionID: "fn-1",
	})

	r := httptest.NewRequest(http.MethodGet, "/unknown-project/hello", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGatewayReturnsMethodNotAllowed(t *testing.T) {
	g, _, _ := setupGateway(t, "http://example.invalid", &domain.GatewayRoute{
		ID: "route-1", PathTemplate: "/hello", Methods: []string{"GET"}, FunctionID: "fn-1",
	})

	r := httptest.NewRequest(http.MethodPost, "/proj-1/hello", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow != "GET" {
		t.Errorf("Allow header = %q, want GET", allow)
	}
}

func TestGatewayEnforcesAPIKeyBinding(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	ctx := context.Background()
	route := &domain.GatewayRoute{ID: "route-1", PathTemplate: "/secure", Methods: []string{"GET"}, FunctionID: "fn-1"}
	g, s, cfg := setupGateway(t, backend.URL, route)

	authCfg, err := json.Marshal(domain.APIKeyConfig{APIKeys: []string{"valid-key"}})
	if err != nil {
		t.Fatalf("marshal api key config: %v", err)
	}
	method := &domain.GatewayAuthMethod{ID: "auth-1", GatewayID: cfg.ID, Name: "key", Type: domain.AuthMethodAPIKey, Config: authCfg}
	if err := s.SaveGatewayAuthMethod(ctx, method); err != nil {
		t.Fatalf("SaveGatewayAuthMethod: %v", err)
	}
	if err := s.BindRouteAuth(ctx, &domain.RouteAuthBinding{RouteID: route.ID, AuthMethodID: method.ID, BindOrder: 0}); err != nil {
		t.Fatalf("BindRouteAuth: %v", err)
	}
	if err := g.ReloadRoutes(ctx); err != nil {
		t.Fatalf("ReloadRoutes: %v", err)
	}

	unauth := httptest.NewRequest(http.MethodGet, "/proj-1/secure", nil)
	w1 := httptest.NewRecorder()
	g.ServeHTTP(w1, unauth)
	if w1.Code != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", w1.Code)
	}

	authed := httptest.NewRequest(http.MethodGet, "/proj-1/secure", nil)
	authed.Header.Set("X-API-Key", "valid-key")
	w2 := httptest.NewRecorder()
	g.ServeHTTP(w2, authed)
	if w2.Code != http.StatusOK {
		t.Errorf("status with key = %d, want 200", w2.Code)
	}
}

func TestGatewayResolvesByCustomDomain(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	ctx := context.Background()
	s := store.NewMemoryStore()
	cfg := &domain.GatewayConfig{ID: "gw-1", ProjectID: "proj-1", Enabled: true, CustomDomain: "api.example.com"}
	if err := s.SaveGatewayConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveGatewayConfig: %v", err)
	}
	route := &domain.GatewayRoute{ID: "route-1", GatewayID: cfg.ID, PathTemplate: "/hello", Methods: []string{"GET"}, FunctionID: "fn-1"}
	if err := s.SaveGatewayRoute(ctx, route); err != nil {
		t.Fatalf("SaveGatewayRoute: %v", err)
	}

	g, err := New(s, backend.URL, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.ReloadRoutes(ctx); err != nil {
		t.Fatalf("ReloadRoutes: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/hello", nil)
	r.Host = "api.example.com"
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestGatewayDisabledConfigIsNotRouted(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	cfg := &domain.GatewayConfig{ID: "gw-1", ProjectID: "proj-1", Enabled: false}
	if err := s.SaveGatewayConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveGatewayConfig: %v", err)
	}
	route := &domain.GatewayRoute{ID: "route-1", GatewayID: cfg.ID, PathTemplate: "/hello", Methods: []string{"GET"}, FunctionID: "fn-1"}
	if err := s.SaveGatewayRoute(ctx, route); err != nil {
		t.Fatalf("SaveGatewayRoute: %v", err)
	}

	g, err := New(s, "http://example.invalid", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.ReloadRoutes(ctx); err != nil {
		t.Fatalf("ReloadRoutes: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/proj-1/hello", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for disabled gateway", w.Code)
	}
}

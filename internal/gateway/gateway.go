// Package gateway implements the API Gateway (§4.6): a host+path route
// index in front of the Execution Engine that resolves an incoming
// request to a function, enforces the route's auth-method bindings and
// CORS policy, and proxies the call to the executor's HTTP surface.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oriys/nova/internal/auth"
	"github.com/oriys/nova/internal/domain"
)

// GatewayStore is the subset of store.MetadataStore the gateway needs to
// build its in-memory route index.
type GatewayStore interface {
	ListGatewayConfigs(ctx context.Context) ([]*domain.GatewayConfig, error)
	ListGatewayRoutes(ctx context.Context, gatewayID string) ([]*domain.GatewayRoute, error)
	ListGatewayAuthMethods(ctx context.Context, gatewayID string) ([]*domain.GatewayAuthMethod, error)
	ListRouteAuthBindings(ctx context.Context, routeID string) ([]*domain.RouteAuthBinding, error)
}

// compiledRoute is a GatewayRoute with its path template pre-split into
// segments for prefix matching.
type compiledRoute struct {
	segments []string
	route    *domain.GatewayRoute
}

// gatewayEntry is the fully resolved, request-ready projection of one
// project's gateway: its routes, and the auth methods bound to each.
type gatewayEntry struct {
	config         *domain.GatewayConfig
	routes         []*compiledRoute
	authenticators map[string]auth.Authenticator // auth method ID -> authenticator (basic/api_key/jwt)
	authorizerFn   map[string]string             // auth method ID -> function ID (middleware type)
	bindings       map[string][]*domain.RouteAuthBinding // route ID -> bindings, sorted by BindOrder
}

// Gateway routes incoming requests to the executor's HTTP surface per the
// project's configured gateway routes and auth methods.
type Gateway struct {
	store        GatewayStore
	executorBase *url.URL
	proxy        *httputil.ReverseProxy
	authClient   *http.Client
	logger       *slog.Logger

	mu             sync.RWMutex
	byCustomDomain map[string]*gatewayEntry
	byProjectID    map[string]*gatewayEntry
}

// New creates a Gateway that proxies matched requests to executorURL
// (the executor's /invoke/{functionId} HTTP surface).
func New(s GatewayStore, executorURL string, logger *slog.Logger) (*Gateway, error) {
	base, err := url.Parse(executorURL)
	if err != nil {
		return nil, fmt.Errorf("parse executor url: %w", err)
	}
	g := &Gateway{
		store:          s,
		executorBase:   base,
		authClient:     &http.Client{Timeout: 10 * time.Second},
		logger:         logger,
		byCustomDomain: make(map[string]*gatewayEntry),
		byProjectID:    make(map[string]*gatewayEntry),
	}
	g.proxy = &httputil.ReverseProxy{
		Director:     g.director,
		ErrorHandler: g.proxyError,
	}
	return g, nil
}

// ReloadRoutes rebuilds the entire in-memory route index from the store.
// Called at startup, on every gateway_invalidated notification, and on
// invalidation-bus reconnect.
func (g *Gateway) ReloadRoutes(ctx context.Context) error {
	configs, err := g.store.ListGatewayConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list gateway configs: %w", err)
	}

	byDomain := make(map[string]*gatewayEntry, len(configs))
	byProject := make(map[string]*gatewayEntry, len(configs))

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		entry, err := g.buildEntry(ctx, cfg)
		if err != nil {
			return fmt.Errorf("build gateway entry for project %s: %w", cfg.ProjectID, err)
		}
		byProject[cfg.ProjectID] = entry
		if cfg.CustomDomain != "" {
			byDomain[strings.ToLower(cfg.CustomDomain)] = entry
		}
	}

	g.mu.Lock()
	g.byCustomDomain = byDomain
	g.byProjectID = byProject
	g.mu.Unlock()

	if g.logger != nil {
		g.logger.Info("gateway routes reloaded", "gateways", len(byProject))
	}
	return nil
}

func (g *Gateway) buildEntry(ctx context.Context, cfg *domain.GatewayConfig) (*gatewayEntry, error) {
	routes, err := g.store.ListGatewayRoutes(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	methods, err := g.store.ListGatewayAuthMethods(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("list auth methods: %w", err)
	}

	entry := &gatewayEntry{
		config:         cfg,
		authenticators: make(map[string]auth.Authenticator),
		authorizerFn:   make(map[string]string),
		bindings:       make(map[string][]*domain.RouteAuthBinding),
	}

	for _, m := range methods {
		switch m.Type {
		case domain.AuthMethodBasic:
			if a, err := auth.NewBasicAuthAuthenticator(m); err == nil {
				entry.authenticators[m.ID] = a
			} else if g.logger != nil {
				g.logger.Warn("skipping invalid basic_auth method", "method", m.Name, "error", err)
			}
		case domain.AuthMethodAPIKey:
			if a, err := auth.NewAPIKeyAuthenticator(m); err == nil {
				entry.authenticators[m.ID] = a
			} else if g.logger != nil {
				g.logger.Warn("skipping invalid api_key method", "method", m.Name, "error", err)
			}
		case domain.AuthMethodBearerJWT:
			if a, err := auth.NewBearerJWTAuthenticator(m); err == nil {
				entry.authenticators[m.ID] = a
			} else if g.logger != nil {
				g.logger.Warn("skipping invalid bearer_jwt method", "method", m.Name, "error", err)
			}
		case domain.AuthMethodMiddleware:
			var cfg domain.MiddlewareConfig
			if err := json.Unmarshal(m.Config, &cfg); err == nil && cfg.FunctionID != "" {
				entry.authorizerFn[m.ID] = cfg.FunctionID
			} else if g.logger != nil {
				g.logger.Warn("skipping invalid middleware method", "method", m.Name)
			}
		}
	}

	for _, r := range routes {
		entry.routes = append(entry.routes, &compiledRoute{segments: splitPath(r.PathTemplate), route: r})
		bindings, err := g.store.ListRouteAuthBindings(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("list auth bindings for route %s: %w", r.ID, err)
		}
		sort.Slice(bindings, func(i, j int) bool { return bindings[i].BindOrder < bindings[j].BindOrder })
		entry.bindings[r.ID] = bindings
	}

	return entry, nil
}

// ServeHTTP resolves the incoming (host, path, method) to a route,
// authenticates per its auth-method bindings, and proxies to the
// executor.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := extractHost(r)
	entry, reqSegs, ok := g.resolveGateway(host, r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "no matching gateway")
		return
	}

	matches := matchRoutesByPath(entry.routes, reqSegs)
	if len(matches) == 0 {
		writeJSONError(w, http.StatusNotFound, "not_found", "no matching route")
		return
	}

	if r.Method == http.MethodOptions {
		for _, m := range matches {
			if m.route.CORS != nil {
				handlePreflight(w, r, m.route)
				return
			}
		}
	}

	var selected *pathMatch
	var allowedUnion []string
	for i := range matches {
		allowedUnion = append(allowedUnion, matches[i].route.Methods...)
		if methodAllowed(matches[i].route.Methods, r.Method) {
			selected = &matches[i]
			break
		}
	}
	if selected == nil {
		w.Header().Set("Allow", strings.Join(dedupeStrings(allowedUnion), ", "))
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed for this route")
		return
	}
	route := selected.route

	if route.CORS != nil {
		setCORSHeaders(w, r, route)
	}

	identity, authErr := g.authenticateRoute(entry, route, r)
	if authErr != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", authErr.Error())
		return
	}
	if identity != nil {
		r = r.WithContext(auth.WithIdentity(r.Context(), identity))
	}

	g.proxyRequest(w, r, route, selected.params, selected.tail)
}

// authenticateRoute tries the route's bound auth methods in BindOrder;
// the first that accepts wins. A route with no bindings requires no
// authentication.
func (g *Gateway) authenticateRoute(entry *gatewayEntry, route *domain.GatewayRoute, r *http.Request) (*auth.Identity, error) {
	bindings := entry.bindings[route.ID]
	if len(bindings) == 0 {
		return nil, nil
	}
	for _, b := range bindings {
		if a, ok := entry.authenticators[b.AuthMethodID]; ok {
			if id := a.Authenticate(r); id != nil {
				return id, nil
			}
			continue
		}
		if fnID, ok := entry.authorizerFn[b.AuthMethodID]; ok {
			if id, ok := g.authenticateViaMiddleware(r.Context(), fnID, r); ok {
				return id, nil
			}
		}
	}
	return nil, fmt.Errorf("no auth method accepted the request")
}

// authenticateViaMiddleware invokes fnID as an authorizer function,
// forwarding the inbound request's method/path/headers as JSON; a 200
// response authenticates the request, with the response body (if JSON)
// becoming the identity's claims.
func (g *Gateway) authenticateViaMiddleware(ctx context.Context, functionID string, r *http.Request) (*auth.Identity, bool) {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	payload, err := json.Marshal(map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"headers": headers,
	})
	if err != nil {
		return nil, false
	}

	downstream := *g.executorBase
	downstream.Path = "/invoke/" + functionID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, downstream.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.authClient.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	var claims map[string]any
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(body, &claims)
	return &auth.Identity{Subject: "middleware:" + functionID, Claims: claims}, true
}

// resolveGateway finds the gatewayEntry for host, returning the request
// path segments the entry's routes should be matched against. A custom
// domain match uses the full path; otherwise the first path segment is
// treated as the project ID slug and stripped.
func (g *Gateway) resolveGateway(host, reqPath string) (*gatewayEntry, []string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if entry, ok := g.byCustomDomain[host]; ok {
		return entry, splitPath(reqPath), true
	}

	segs := splitPath(reqPath)
	if len(segs) == 0 {
		return nil, nil, false
	}
	projectID := segs[0]
	entry, ok := g.byProjectID[projectID]
	if !ok {
		return nil, nil, false
	}
	return entry, segs[1:], true
}

type pathMatch struct {
	route  *domain.GatewayRoute
	params map[string]string
	tail   []string
}

// matchRoutesByPath returns every route whose path template is a prefix
// match of reqSegs at the longest matching length; method selection
// happens afterward so a 405 can list the union of allowed methods.
func matchRoutesByPath(routes []*compiledRoute, reqSegs []string) []pathMatch {
	best := -1
	var matches []pathMatch
	for _, cr := range routes {
		if len(cr.segments) > len(reqSegs) {
			continue
		}
		params, ok := matchPrefix(cr.segments, reqSegs)
		if !ok {
			continue
		}
		n := len(cr.segments)
		switch {
		case n > best:
			best = n
			matches = []pathMatch{{route: cr.route, params: params, tail: reqSegs[n:]}}
		case n == best:
			matches = append(matches, pathMatch{route: cr.route, params: params, tail: reqSegs[n:]})
		}
	}
	return matches
}

func matchPrefix(pattern, segs []string) (map[string]string, bool) {
	var params map[string]string
	for i, p := range pattern {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			if params == nil {
				params = make(map[string]string)
			}
			params[p[1:len(p)-1]] = segs[i]
		} else if p != segs[i] {
			return nil, false
		}
	}
	return params, true
}

// proxyRequest rewrites the request path to the executor's invoke
// surface and streams the proxied response back to the caller.
func (g *Gateway) proxyRequest(w http.ResponseWriter, r *http.Request, route *domain.GatewayRoute, params map[string]string, tail []string) {
	downstreamPath := downstreamInvokePath(route, params, tail)
	ctx := context.WithValue(r.Context(), downstreamPathKey{}, downstreamPath)
	g.proxy.ServeHTTP(w, r.WithContext(ctx))
}

type downstreamPathKey struct{}

func downstreamInvokePath(route *domain.GatewayRoute, params map[string]string, tail []string) string {
	prefix := route.PathRewrite
	for k, v := range params {
		prefix = strings.ReplaceAll(prefix, "{"+k+"}", v)
	}
	tailPath := ""
	if len(tail) > 0 {
		tailPath = "/" + strings.Join(tail, "/")
	}
	base := "/invoke/" + route.FunctionID
	if prefix != "" {
		return base + "/" + strings.TrimPrefix(prefix, "/") + tailPath
	}
	return base + tailPath
}

// director rewrites the request for the executor and sets the caller IP
// forwarding headers the executor's logging relies on.
func (g *Gateway) director(req *http.Request) {
	if p, ok := req.Context().Value(downstreamPathKey{}).(string); ok {
		req.URL.Path = p
	}
	req.URL.Scheme = g.executorBase.Scheme
	req.URL.Host = g.executorBase.Host
	req.Host = g.executorBase.Host

	if clientIP := realClientIP(req); clientIP != "" {
		req.Header.Set("X-Real-IP", clientIP)
		if prior := req.Header.Get("X-Forwarded-For"); prior == "" {
			req.Header.Set("X-Forwarded-For", clientIP)
		} else {
			req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		}
	}
}

func (g *Gateway) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	if g.logger != nil {
		g.logger.Error("gateway proxy error", "error", err, "path", r.URL.Path)
	}
	writeJSONError(w, http.StatusBadGateway, "bad_gateway", "upstream executor unavailable")
}

func realClientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}

func extractHost(r *http.Request) string {
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		if !strings.Contains(host, "]") || idx > strings.Index(host, "]") {
			host = host[:idx]
		}
	}
	return strings.ToLower(host)
}

func methodAllowed(allowed []string, method string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToUpper(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

// ─── CORS ───────────────────────────────────────────────────────────────

func handlePreflight(w http.ResponseWriter, r *http.Request, route *domain.GatewayRoute) {
	cors := route.CORS
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(cors.AllowOrigins, origin) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	methods := cors.AllowMethods
	if len(methods) == 0 {
		methods = route.Methods
	}
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	if len(cors.AllowHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(cors.AllowHeaders, ", "))
	} else if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
	}
	if cors.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if cors.MaxAgeSeconds > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cors.MaxAgeSeconds))
	}
	w.WriteHeader(http.StatusNoContent)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, route *domain.GatewayRoute) {
	cors := route.CORS
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(cors.AllowOrigins, origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if cors.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if len(cors.ExposeHeaders) > 0 {
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(cors.ExposeHeaders, ", "))
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

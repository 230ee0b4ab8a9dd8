// Package executor implements the Execution Engine (C6): the pre-invocation
// pipeline that resolves a function, admits the caller, loads its package
// and environment, and dispatches the request into a pooled isolate.
//
// # Invocation pipeline
//
// ServeHTTP / Invoke run, in order:
//
//  1. Metadata lookup — the function row, active version, and API-key hash,
//     cached and invalidated on notifications for the function's scope.
//  2. Admission — if the function requires an API key, the presented
//     Authorization: Bearer or x-api-key header is SHA-256'd and compared
//     against the stored hash in constant time.
//  3. Package resolution — PackageCache.Resolve(functionID, packageHash).
//  4. Environment — the function's env vars, cached and invalidated on
//     envvars:{function_id}.
//  5. Policy load — global + project network rules, cached and invalidated
//     on netpol:global / netpol:{project_id}.
//  6. Isolate acquisition — pool.Pool.Acquire(poolKey).
//
// # Post-invocation
//
// A handler throw or promise rejection before any terminal response
// operation becomes a 500 with a redacted {"error":"internal"} body; the
// full error is kept only in the execution log. Isolates that fail to reset
// are discarded rather than returned to the pool. Execution logs are
// batched asynchronously (invocation_log_batcher.go) so logging never sits
// on the invocation's critical path.
//
// # Concurrency
//
// Executor is safe for concurrent use. The inflight WaitGroup drains
// in-flight invocations during graceful shutdown.
package executor

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nova/internal/cache"
	"github.com/oriys/nova/internal/circuitbreaker"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/invalidation"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/networkpolicy"
	"github.com/oriys/nova/internal/observability"
	"github.com/oriys/nova/internal/pool"
	"github.com/oriys/nova/internal/sandbox"
	"github.com/oriys/nova/internal/store"
)

// ErrCircuitOpen is returned when the circuit breaker is open for a function.
var ErrCircuitOpen = errors.New("executor: circuit breaker is open")

// ErrUnauthorized is returned by the admission step on a missing or
// mismatched API key.
var ErrUnauthorized = errors.New("executor: unauthorized")

// ErrFunctionNotFound covers both a missing function row and one with no
// published version to serve.
var ErrFunctionNotFound = errors.New("executor: function not found")

const (
	defaultInvocationTimeoutSeconds = 10
	defaultMemoryLimitMB            = 128
	defaultMaxRequestBodyBytes      = 10 << 20 // 10MiB
	functionCacheTTL                = 30 * time.Second
	envVarsCacheTTL                 = 30 * time.Second
	netPolicyCacheTTL               = 30 * time.Second
)

// Executor orchestrates the full invocation pipeline for one Execution
// Engine node. It is the only component that acquires isolates from the
// pool and dispatches requests into them.
//
// The zero value is not usable; always construct via New.
type Executor struct {
	store    store.MetadataStore
	packages *cache.PackageCache
	meta     cache.Cache
	pool     *pool.Pool
	kv       sandbox.KVStore

	logger                *slog.Logger
	breakers              *circuitbreaker.Registry
	logBatcher            *invocationLogBatcher
	logBatcherConfig      LogBatcherConfig
	defaultTimeoutSeconds int
	memoryLimitMB         int

	inflight sync.WaitGroup
	closing  atomic.Bool
}

// New creates a ready-to-use Executor.
func New(s store.MetadataStore, packages *cache.PackageCache, p *pool.Pool, meta cache.Cache, opts ...Option) *Executor {
	e := &Executor{
		store:                 s,
		packages:              packages,
		pool:                  p,
		meta:                  meta,
		kv:                    storeKV{s},
		logger:                logging.Op(),
		breakers:              circuitbreaker.NewRegistry(),
		defaultTimeoutSeconds: defaultInvocationTimeoutSeconds,
		memoryLimitMB:         defaultMemoryLimitMB,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logBatcher = newInvocationLogBatcher(s, e.logBatcherConfig)
	return e
}

// storeKV adapts store.MetadataStore's KV* methods to sandbox.KVStore.
type storeKV struct{ s store.MetadataStore }

func (k storeKV) Get(ctx context.Context, projectID, key string) (string, bool, error) {
	return k.s.KVGet(ctx, projectID, key)
}
func (k storeKV) Set(ctx context.Context, projectID, key, value string) error {
	return k.s.KVSet(ctx, projectID, key, value)
}
func (k storeKV) Delete(ctx context.Context, projectID, key string) error {
	return k.s.KVDelete(ctx, projectID, key)
}

// HandleInvalidation reacts to an invalidation.Event delivered on the
// execution_cache_invalidated channel, evicting the smallest corresponding
// cache scope. An empty Key (emitted after every reconnect) cannot be
// mapped to a specific cache entry, so read-through TTLs are relied on to
// refresh stale entries instead of an unbounded cache sweep.
func (e *Executor) HandleInvalidation(ev invalidation.Event) {
	if ev.Key == "" {
		return
	}
	ctx := context.Background()
	switch {
	case strings.HasPrefix(ev.Key, invalidation.FunctionKeyPrefix):
		functionID := strings.TrimPrefix(ev.Key, invalidation.FunctionKeyPrefix)
		_ = e.meta.Delete(ctx, functionCacheKey(functionID))
		e.pool.InvalidateFunction(functionID)
		// Covers both a version switch (stale version now unreachable) and a
		// function deletion (nothing should reference it again); the event
		// carries no distinction, so every cached package for this function
		// is purged rather than trying to single out one package hash.
		e.packages.Evict(functionID)
	case strings.HasPrefix(ev.Key, invalidation.EnvVarKeyPrefix):
		functionID := strings.TrimPrefix(ev.Key, invalidation.EnvVarKeyPrefix)
		_ = e.meta.Delete(ctx, envVarsCacheKey(functionID))
		// Warm isolates were bootstrapped with the old environment bound
		// into process.env; they must be recycled for the change to take
		// effect rather than just the next metadata read.
		e.pool.InvalidateFunction(functionID)
	case ev.Key == invalidation.NetPolGlobalKey:
		_ = e.meta.Delete(ctx, netPolicyCacheKey(""))
	case strings.HasPrefix(ev.Key, invalidation.NetPolKeyPrefix):
		_ = e.meta.Delete(ctx, netPolicyCacheKey(strings.TrimPrefix(ev.Key, invalidation.NetPolKeyPrefix)))
	}
}

func functionCacheKey(functionID string) string { return "fn:" + functionID }
func envVarsCacheKey(functionID string) string  { return "envvars:" + functionID }
func netPolicyCacheKey(projectID string) string { return "netpol:" + projectID }

// functionMeta is the cached projection of a function's identity, active
// version, and admission fields.
type functionMeta struct {
	Function *domain.Function
	Version  *domain.FunctionVersion
}

func (e *Executor) getFunctionMeta(ctx context.Context, functionID string) (*functionMeta, error) {
	key := functionCacheKey(functionID)
	if raw, err := e.meta.Get(ctx, key); err == nil {
		var fm functionMeta
		if jsonErr := json.Unmarshal(raw, &fm); jsonErr == nil {
			return &fm, nil
		}
	}

	fn, err := e.store.GetFunction(ctx, functionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFunctionNotFound, err)
	}
	if !fn.Active || fn.ActiveVersion == 0 {
		return nil, ErrFunctionNotFound
	}
	version, err := e.store.GetActiveFunctionVersion(ctx, functionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFunctionNotFound, err)
	}

	fm := &functionMeta{Function: fn, Version: version}
	if raw, err := json.Marshal(fm); err == nil {
		_ = e.meta.Set(ctx, key, raw, functionCacheTTL)
	}
	return fm, nil
}

func (e *Executor) getEnvVars(ctx context.Context, functionID string) (map[string]string, error) {
	key := envVarsCacheKey(functionID)
	if raw, err := e.meta.Get(ctx, key); err == nil {
		var vars map[string]string
		if jsonErr := json.Unmarshal(raw, &vars); jsonErr == nil {
			return vars, nil
		}
	}

	list, err := e.store.ListFunctionEnvVars(ctx, functionID)
	if err != nil {
		return nil, fmt.Errorf("list env vars: %w", err)
	}
	vars := make(map[string]string, len(list))
	for _, v := range list {
		vars[v.Key] = v.Value
	}
	if raw, err := json.Marshal(vars); err == nil {
		_ = e.meta.Set(ctx, key, raw, envVarsCacheTTL)
	}
	return vars, nil
}

func (e *Executor) getEgressEvaluator(ctx context.Context, projectID string) (*networkpolicy.Evaluator, error) {
	globalKey := netPolicyCacheKey("")
	projectKey := netPolicyCacheKey(projectID)

	global, err := e.cachedRuleSet(ctx, globalKey, func() ([]*domain.NetworkPolicyRule, error) {
		return e.store.ListGlobalNetworkPolicyRules(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("load global network policy: %w", err)
	}
	project, err := e.cachedRuleSet(ctx, projectKey, func() ([]*domain.NetworkPolicyRule, error) {
		return e.store.ListNetworkPolicyRules(ctx, projectID)
	})
	if err != nil {
		return nil, fmt.Errorf("load project network policy: %w", err)
	}
	return networkpolicy.NewEvaluator(project, global), nil
}

func (e *Executor) cachedRuleSet(ctx context.Context, key string, fetch func() ([]*domain.NetworkPolicyRule, error)) ([]*domain.NetworkPolicyRule, error) {
	if raw, err := e.meta.Get(ctx, key); err == nil {
		var rules []*domain.NetworkPolicyRule
		if jsonErr := json.Unmarshal(raw, &rules); jsonErr == nil {
			return rules, nil
		}
	}
	rules, err := fetch()
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(rules); err == nil {
		_ = e.meta.Set(ctx, key, raw, netPolicyCacheTTL)
	}
	return rules, nil
}

// admit checks the caller-presented key against the function's stored
// hash in constant time. No-op (always admits) if the function does not
// require an API key.
func admit(fn *domain.Function, r *http.Request) error {
	if !fn.RequiresAPIKey {
		return nil
	}
	presented := bearerToken(r.Header.Get("Authorization"))
	if presented == "" {
		presented = r.Header.Get("x-api-key")
	}
	if presented == "" {
		return ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(presented))
	presentedHash := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(presentedHash), []byte(fn.APIKeyHash)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func bearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return authHeader[len(prefix):]
	}
	return ""
}

// entryFile resolves the package's entry point: package.json's "main"
// field if present, otherwise index.js. The resolved path is guarded
// against escaping the package root via a crafted main field.
func entryFile(dir string) (string, error) {
	entry := "index.js"
	manifest, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err == nil {
		var pkg struct {
			Main string `json:"main"`
		}
		if jsonErr := json.Unmarshal(manifest, &pkg); jsonErr == nil && pkg.Main != "" {
			entry = pkg.Main
		}
	}
	full := filepath.Join(dir, filepath.Clean("/"+entry))
	if !strings.HasPrefix(full, filepath.Clean(dir)+string(os.PathSeparator)) && full != filepath.Clean(dir) {
		return "", fmt.Errorf("entry file escapes package root: %s", entry)
	}
	return full, nil
}

// ServeHTTP serves ANY /invoke/{functionId}[/tail...] per §4.4, extracting
// functionId from the URL path prefix "/invoke/".
func (e *Executor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/invoke/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	functionID := rest
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		functionID = rest[:idx]
	}
	if functionID == "" {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxRequestBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	res, err := e.Invoke(r.Context(), functionID, r, body, clientIP(r))
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	if writeErr := res.WriteTo(w); writeErr != nil {
		e.logger.Error("failed to write invocation response", "error", writeErr)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}

func writeErrorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrFunctionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, cache.ErrStorageUnavailable):
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// Invoke runs the full pre-invocation pipeline, dispatches req into a
// pooled isolate, and returns the resulting Response ready to be streamed
// to the outer HTTP caller.
func (e *Executor) Invoke(ctx context.Context, functionID string, r *http.Request, body []byte, remoteIP string) (*sandbox.Response, error) {
	if e.closing.Load() {
		return nil, errors.New("executor: shutting down")
	}
	e.inflight.Add(1)
	defer e.inflight.Done()

	reqID := uuid.New().String()[:8]
	ctx, span := observability.StartSpan(ctx, "nova.invoke",
		observability.AttrFunctionID.String(functionID),
		observability.AttrRequestID.String(reqID),
	)
	defer span.End()

	metrics.IncActiveRequests()
	defer metrics.DecActiveRequests()

	start := time.Now()

	// 1. Metadata lookup.
	fm, err := e.getFunctionMeta(ctx, functionID)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}
	fn, version := fm.Function, fm.Version

	// Circuit breaker check, ahead of any pool/package work.
	breakerCfg := circuitbreaker.ConfigFromPolicy(fn.BreakerPolicy, circuitbreaker.Config{
		ErrorPct:       50,
		WindowDuration: 30 * time.Second,
		OpenDuration:   10 * time.Second,
		HalfOpenProbes: 3,
	})
	breaker := e.breakers.Get(fn.ID, breakerCfg)
	if !breaker.Allow() {
		metrics.RecordShed(fn.Name, "circuit_breaker_open")
		observability.SetSpanError(span, ErrCircuitOpen)
		return nil, ErrCircuitOpen
	}

	// 2. Admission.
	if err := admit(fn, r); err != nil {
		breaker.RecordFailure()
		observability.SetSpanError(span, err)
		return nil, err
	}

	// 3. Package resolution.
	entry, err := e.packages.Resolve(ctx, fn.ID, version.PackageHash)
	if err != nil {
		breaker.RecordFailure()
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("resolve package: %w", err)
	}
	defer e.packages.Release(entry)

	handlerPath, err := entryFile(entry.Dir)
	if err != nil {
		breaker.RecordFailure()
		observability.SetSpanError(span, err)
		return nil, err
	}
	handlerSource, err := os.ReadFile(handlerPath)
	if err != nil {
		breaker.RecordFailure()
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("read handler entry: %w", err)
	}

	// 4. Environment.
	envVars, err := e.getEnvVars(ctx, fn.ID)
	if err != nil {
		breaker.RecordFailure()
		observability.SetSpanError(span, err)
		return nil, err
	}

	// 5. Policy load.
	egress, err := e.getEgressEvaluator(ctx, fn.ProjectID)
	if err != nil {
		breaker.RecordFailure()
		observability.SetSpanError(span, err)
		return nil, err
	}

	// 6. Isolate acquisition.
	poolKey := pool.PoolKey(fn.ID, version.PackageHash)
	e.pool.SetFactory(poolKey, e.isolateFactory(fn, entry.Dir, egress, envVars))

	timeoutSeconds := e.defaultTimeoutSeconds
	invokeCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	handle, err := e.pool.Acquire(invokeCtx, poolKey)
	if err != nil {
		breaker.RecordFailure()
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("acquire isolate: %w", err)
	}
	span.SetAttributes(observability.AttrColdStart.Bool(handle.ColdStart))

	req := sandbox.NewRequest(r, body, remoteIP)
	req.URL = strings.TrimPrefix(r.URL.Path, "/invoke/"+fn.ID)
	res := sandbox.NewResponse(entry.Dir)

	invokeErr := handle.Isolate.Invoke(invokeCtx, string(handlerSource), req, res)
	durationMs := time.Since(start).Milliseconds()

	if stdout, stderr := handle.Isolate.DrainConsole(); stdout != "" || stderr != "" {
		if out := logging.GetOutputStore(); out != nil {
			out.Store(reqID, fn.ID, stdout, stderr)
		}
	}

	if invokeErr != nil {
		handle.Discard()
		metrics.Global().RecordIsolateCrashed()
		breaker.RecordFailure()
		observability.SetSpanError(span, invokeErr)
		res = sandbox.NewResponse(entry.Dir)
		status, errBody := invokeErrorResponse(invokeErr)
		_ = res.Status(status).JSON(errBody)
		e.recordExecution(fn, reqID, res.StatusCode(), durationMs, len(body), res.BodyLen(), remoteIP, r.UserAgent(), invokeErr.Error(), handle.ColdStart)
		return res, nil
	}

	if resetErr := handle.Isolate.Reset(); resetErr != nil {
		handle.Discard()
	} else {
		handle.Release()
	}

	breaker.RecordSuccess()
	observability.SetSpanOK(span)
	e.recordExecution(fn, reqID, res.StatusCode(), durationMs, len(body), res.BodyLen(), remoteIP, r.UserAgent(), "", handle.ColdStart)

	return res, nil
}

// invokeErrorResponse maps a sandbox invocation error to the HTTP status and
// body reported to the caller: Timeout exceedance gets 504, everything else
// (including a memory-ceiling hit) gets 500 with a generic, non-leaking body.
func invokeErrorResponse(err error) (int, map[string]string) {
	if errors.Is(err, sandbox.ErrTimeout) {
		return http.StatusGatewayTimeout, map[string]string{"error": "timeout"}
	}
	if errors.Is(err, sandbox.ErrMemoryExhausted) {
		return http.StatusInternalServerError, map[string]string{"error": "memory_exhausted"}
	}
	return http.StatusInternalServerError, map[string]string{"error": "internal"}
}

// isolateFactory returns a pool.Factory that cold-starts a fresh isolate
// bound to the resolved package root, the function's environment, and its
// egress policy.
func (e *Executor) isolateFactory(fn *domain.Function, packageRoot string, egress *networkpolicy.Evaluator, envVars map[string]string) pool.Factory {
	return func(ctx context.Context) (*sandbox.Isolate, error) {
		bootStart := time.Now()
		iso, err := sandbox.New(sandbox.Config{
			ID:            fn.ID + "-" + uuid.New().String()[:8],
			MemoryLimitMB: e.memoryLimitMB,
			Bootstrap: sandbox.BootstrapOptions{
				PackageRoot: packageRoot,
				ProjectID:   fn.ProjectID,
				EnvVars:     envVars,
				KV:          e.kv,
				Egress:      egress,
				Logger:      e.logger,
			},
		})
		if err != nil {
			return nil, err
		}
		metrics.RecordIsolateBootDuration(fn.Name, "javascript", time.Since(bootStart).Milliseconds())
		return iso, nil
	}
}

// recordExecution enqueues an execution log, fires the counters, and writes
// the per-invocation request log entry; all three are async so they never
// sit on the invocation's critical path.
func (e *Executor) recordExecution(fn *domain.Function, reqID string, statusCode int, durationMs int64, reqBytes, resBytes int, clientIP, userAgent, errMsg string, coldStart bool) {
	log := &domain.ExecutionLog{
		ID:            uuid.New().String(),
		FunctionID:    fn.ID,
		StatusCode:    statusCode,
		DurationMs:    durationMs,
		RequestBytes:  int64(reqBytes),
		ResponseBytes: int64(resBytes),
		ErrorMessage:  errMsg,
		ClientIP:      clientIP,
		UserAgent:     userAgent,
		CreatedAt:     time.Now(),
	}
	if errMsg != "" {
		log.ErrorKind = "HandlerError"
	}
	safeGo(func() {
		metrics.Global().RecordInvocation(fn.ID, durationMs, coldStart, errMsg == "")
	})
	safeGo(func() {
		logging.Default().Log(&logging.RequestLog{
			RequestID:  reqID,
			Function:   fn.Name,
			FunctionID: fn.ID,
			Runtime:    "javascript",
			DurationMs: durationMs,
			ColdStart:  coldStart,
			Success:    errMsg == "",
			Error:      errMsg,
			InputSize:  reqBytes,
			OutputSize: resBytes,
		})
	})
	e.logBatcher.Enqueue(log)
}

// Shutdown stops admitting new invocations, drains in-flight ones, and
// flushes the log batcher.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.closing.Store(true)

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	e.logBatcher.Shutdown(timeout)
	return nil
}

package executor

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/nova/internal/cache"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/invalidation"
	"github.com/oriys/nova/internal/objectstore"
	"github.com/oriys/nova/internal/pool"
	"github.com/oriys/nova/internal/store"
)

func buildPackage(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

// testHarness wires a fully in-memory Executor: MemoryStore for metadata,
// an in-memory object store for packages, a real PackageCache/Pool backed
// by a temp dir, and real goja isolates running actual handler source.
type testHarness struct {
	exec    *Executor
	store   *store.MemoryStore
	objects *objectstore.MemoryStore
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	ctx := context.Background()

	s := store.NewMemoryStore()
	objs := objectstore.NewMemoryStore()

	pc, err := cache.New(objs, cache.Config{Dir: t.TempDir(), MaxCacheSizeGB: 1, MaxFetchRetries: 1})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	p := pool.New(pool.Config{MaxPoolSize: 4})
	t.Cleanup(p.Shutdown)

	meta := cache.NewInMemoryCache()
	t.Cleanup(func() { _ = meta.Close() })

	e := New(s, pc, p, meta, WithDefaultTimeout(5))

	_ = ctx
	return &testHarness{exec: e, store: s, objects: objs}
}

func (h *testHarness) publishFunction(t *testing.T, fn *domain.Function, handlerSource string) {
	t.Helper()
	ctx := context.Background()
	tarball := buildPackage(t, map[string]string{"index.js": handlerSource})
	hash := domain.HashPackageBytes(tarball)

	if err := h.objects.Put(ctx, fn.ID, 1, hash, tarball); err != nil {
		t.Fatalf("objects.Put: %v", err)
	}
	fn.ActiveVersion = 1
	if err := h.store.SaveFunction(ctx, fn); err != nil {
		t.Fatalf("SaveFunction: %v", err)
	}
	if err := h.store.CreateFunctionVersion(ctx, &domain.FunctionVersion{
		FunctionID:  fn.ID,
		Version:     1,
		PackageHash: hash,
		ObjectName:  "functions/" + fn.ID + "/" + hash + ".tgz",
	}); err != nil {
		t.Fatalf("CreateFunctionVersion: %v", err)
	}
}

func TestExecutorInvokeRunsSyncHandler(t *testing.T) {
	h := newTestHarness(t)
	fn := &domain.Function{ID: "fn-1", ProjectID: "proj-1", Name: "hello", Active: true}
	h.publishFunction(t, fn, `
module.exports = function(req, res) {
  res.status(200).json({ message: "hello" });
};`)

	r := httptest.NewRequest(http.MethodGet, "/invoke/fn-1", nil)
	res, err := h.exec.Invoke(context.Background(), fn.ID, r, nil, "127.0.0.1")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.StatusCode() != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode())
	}
}

func TestExecutorInvokeRunsAsyncHandler(t *testing.T) {
	h := newTestHarness(t)
	fn := &domain.Function{ID: "fn-2", ProjectID: "proj-1", Name: "async-hello", Active: true}
	h.publishFunction(t, fn, `
module.exports = async function(req, res) {
  await new Promise(function(resolve) { setTimeout(resolve, 5); });
  res.status(201).json({ ok: true });
};`)

	r := httptest.NewRequest(http.MethodPost, "/invoke/fn-2", nil)
	res, err := h.exec.Invoke(context.Background(), fn.ID, r, nil, "127.0.0.1")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.StatusCode() != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", res.StatusCode())
	}
}

func TestExecutorInvokeReturnsNotFoundForMissingFunction(t *testing.T) {
	h := newTestHarness(t)
	r := httptest.NewRequest(http.MethodGet, "/invoke/nope", nil)
	_, err := h.exec.Invoke(context.Background(), "nope", r, nil, "127.0.0.1")
	if err == nil {
		t.Fatal("expected error for missing function")
	}
}

func TestExecutorInvokeEnforcesAPIKey(t *testing.T) {
	h := newTestHarness(t)
	fn := &domain.Function{
		ID: "fn-3", ProjectID: "proj-1", Name: "protected", Active: true,
		RequiresAPIKey: true, APIKeyHash: domain.HashPackageBytes([]byte("secret-key")),
	}
	h.publishFunction(t, fn, `module.exports = function(req, res) { res.status(200).json({}); };`)

	r := httptest.NewRequest(http.MethodGet, "/invoke/fn-3", nil)
	if _, err := h.exec.Invoke(context.Background(), fn.ID, r, nil, "127.0.0.1"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/invoke/fn-3", nil)
	r2.Header.Set("x-api-key", "secret-key")
	res, err := h.exec.Invoke(context.Background(), fn.ID, r2, nil, "127.0.0.1")
	if err != nil {
		t.Fatalf("Invoke with valid key: %v", err)
	}
	if res.StatusCode() != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode())
	}
}

func TestExecutorInvokeHandlerThrowReturnsInternalError(t *testing.T) {
	h := newTestHarness(t)
	fn := &domain.Function{ID: "fn-4", ProjectID: "proj-1", Name: "throws", Active: true}
	h.publishFunction(t, fn, `module.exports = function(req, res) { throw new Error("boom"); };`)

	r := httptest.NewRequest(http.MethodGet, "/invoke/fn-4", nil)
	res, err := h.exec.Invoke(context.Background(), fn.ID, r, nil, "127.0.0.1")
	if err != nil {
		t.Fatalf("Invoke should not surface handler errors as Go errors: %v", err)
	}
	if res.StatusCode() != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", res.StatusCode())
	}
}

func TestExecutorServeHTTPExtractsFunctionIDFromPath(t *testing.T) {
	h := newTestHarness(t)
	fn := &domain.Function{ID: "fn-5", ProjectID: "proj-1", Name: "path-test", Active: true}
	h.publishFunction(t, fn, `module.exports = function(req, res) { res.status(200).json({ path: req.url }); };`)

	r := httptest.NewRequest(http.MethodGet, "/invoke/fn-5/sub/path", nil)
	w := httptest.NewRecorder()
	h.exec.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandleInvalidationEvictsFunctionMetaCache(t *testing.T) {
	h := newTestHarness(t)
	fn := &domain.Function{ID: "fn-6", ProjectID: "proj-1", Name: "invalidate-me", Active: true}
	h.publishFunction(t, fn, `module.exports = function(req, res) { res.status(200).json({}); };`)

	ctx := context.Background()
	if _, err := h.exec.getFunctionMeta(ctx, fn.ID); err != nil {
		t.Fatalf("getFunctionMeta: %v", err)
	}
	if _, err := h.exec.meta.Get(ctx, functionCacheKey(fn.ID)); err != nil {
		t.Fatalf("expected cache entry present before invalidation: %v", err)
	}

	h.exec.HandleInvalidation(invalidation.Event{Key: invalidation.FunctionKeyPrefix + fn.ID})

	if _, err := h.exec.meta.Get(ctx, functionCacheKey(fn.ID)); err == nil {
		t.Error("expected cache entry evicted after invalidation")
	}
}

func TestHandleInvalidationIgnoresEmptyKey(t *testing.T) {
	h := newTestHarness(t)
	// Should not panic on a reconnect notification with no key.
	h.exec.HandleInvalidation(invalidation.Event{Key: ""})
}

func TestExecutorShutdownWithNothingInFlight(t *testing.T) {
	h := newTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.exec.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

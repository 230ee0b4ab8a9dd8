package sandbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newIsolate(t *testing.T, memLimitMB int) *Isolate {
	t.Helper()
	iso, err := New(Config{ID: "test", MemoryLimitMB: memLimitMB})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return iso
}

func newReqRes(t *testing.T) (*Request, *Response) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	req := NewRequest(r, nil, "127.0.0.1")
	res := NewResponse(t.TempDir())
	return req, res
}

func TestIsolateInvokeReturnsJSONHandlerResult(t *testing.T) {
	iso := newIsolate(t, 64)
	req, res := newReqRes(t)

	handler := `module.exports = function(req, res) { res.json({ok: true}); };`

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := iso.Invoke(ctx, handler, req, res); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.IsTerminal() {
		t.Fatal("expected a terminal response")
	}
	if res.StatusCode() != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode())
	}
}

func TestIsolateInvokeTimesOut(t *testing.T) {
	iso := newIsolate(t, 64)
	req, res := newReqRes(t)

	handler := `module.exports = function(req, res) { while (true) {} };`

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := iso.Invoke(ctx, handler, req, res)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestIsolateInvokeEnforcesMemoryCeiling(t *testing.T) {
	// A tiny ceiling so the watchdog trips well before any wall-clock
	// timeout would, on an isolate that keeps growing an array.
	iso := newIsolate(t, 1)
	req, res := newReqRes(t)

	handler := `
module.exports = function(req, res) {
	var chunks = [];
	while (true) {
		chunks.push(new Array(1 << 16).fill(0));
	}
};`

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := iso.Invoke(ctx, handler, req, res)
	if err == nil {
		t.Fatal("expected an error from a runaway allocation, got nil")
	}
	if !errors.Is(err, ErrMemoryExhausted) && !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrMemoryExhausted (or ErrTimeout as a fallback bound)", err)
	}
}

func TestIsolateDrainConsoleCapturesHandlerOutput(t *testing.T) {
	iso := newIsolate(t, 64)
	req, res := newReqRes(t)

	handler := `module.exports = function(req, res) {
	console.log("hello");
	console.error("boom");
	res.json({ok: true});
};`

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := iso.Invoke(ctx, handler, req, res); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	stdout, stderr := iso.DrainConsole()
	if stdout == "" {
		t.Error("expected captured stdout, got empty string")
	}
	if stderr == "" {
		t.Error("expected captured stderr, got empty string")
	}

	// A second drain with no new output must come back empty.
	stdout2, stderr2 := iso.DrainConsole()
	if stdout2 != "" || stderr2 != "" {
		t.Errorf("expected drained buffer to reset, got stdout=%q stderr=%q", stdout2, stderr2)
	}
}

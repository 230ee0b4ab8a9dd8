package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// memWatchInterval is how often the memory watchdog samples heap usage
// during an Invoke. Shorter intervals catch a runaway allocation sooner at
// the cost of more GC-stats reads per invocation.
const memWatchInterval = 20 * time.Millisecond

var (
	// ErrTimeout is returned when an invocation exceeds its wall-clock budget.
	ErrTimeout = errors.New("sandbox: invocation timed out")
	// ErrMemoryExhausted is returned when the runtime's memory ceiling is hit.
	ErrMemoryExhausted = errors.New("sandbox: memory limit exceeded")
	// ErrResetFailed is returned by Reset when invocation-local state could
	// not be cleared; the caller must discard the isolate rather than reuse it.
	ErrResetFailed = errors.New("sandbox: reset failed, isolate must be discarded")
)

// EgressDialer describes a policy-checked dialer. Nothing in this
// repository implements or calls it; the handler-facing network check is
// the checkEgress binding over Egress (see bootstrap.go).
type EgressDialer interface {
	Dial(ctx context.Context, host string, port int) (Conn, error)
}

// Conn is the minimal surface the bootstrap network binding needs from a
// dialed connection.
type Conn interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// Isolate is one bounded JavaScript execution context. It satisfies the
// sandbox contract: a curated built-in surface, no ambient authority beyond
// the package root, a per-invocation wall-clock timeout enforced via
// Invoke's context, and a best-effort memory ceiling enforced by a watchdog
// goroutine that samples process heap growth during the call (goja does
// not expose a per-runtime memory accounting hook to interrupt on
// directly, so the watchdog measures process-wide Alloc growth against the
// baseline taken when Invoke started, which over-counts when isolates run
// concurrently on the same process).
//
// An Isolate is not safe for concurrent Invoke calls; the owning pool
// guarantees exclusive use between Acquire and Release.
type Isolate struct {
	mu            sync.Mutex
	vm            *goja.Runtime
	bootCode      string
	memLimitBytes int64
	bootOpts      BootstrapOptions
	timers        *sync.Map
	due           chan func()

	createdAt   time.Time
	lastUsed    time.Time
	invocations int64
	id          string

	capture *OutputCapture
}

// Config bundles what a new Isolate needs at construction: the bootstrap
// script, run after Bind installs the console/timers/fs/kv/checkEgress
// bindings (DefaultBootstrapSource when empty), and a memory ceiling
// enforced by Invoke's watchdog. MemoryLimitMB of 0 disables the watchdog.
type Config struct {
	ID              string
	BootstrapSource string
	MemoryLimitMB   int
	Bootstrap       BootstrapOptions
}

// New creates and bootstraps a fresh Isolate. Bootstrap failures are fatal;
// the caller should not add the isolate to a pool.
func New(cfg Config) (*Isolate, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("js", true))

	bootSrc := cfg.BootstrapSource
	if bootSrc == "" {
		bootSrc = DefaultBootstrapSource
	}

	capture := &OutputCapture{}
	cfg.Bootstrap.Capture = capture

	iso := &Isolate{
		vm:            vm,
		bootCode:      bootSrc,
		memLimitBytes: int64(cfg.MemoryLimitMB) * 1024 * 1024,
		bootOpts:      cfg.Bootstrap,
		createdAt:     time.Now(),
		id:            cfg.ID,
		capture:       capture,
	}

	iso.due = make(chan func(), 64)
	iso.timers = Bind(vm, cfg.Bootstrap, iso.due)
	if _, err := vm.RunString(bootSrc); err != nil {
		return nil, fmt.Errorf("bootstrap isolate %s: %w", cfg.ID, err)
	}
	iso.lastUsed = time.Now()
	return iso, nil
}

// ID returns the isolate's stable identifier, used in logs and metrics.
func (i *Isolate) ID() string { return i.id }

// DrainConsole returns the console output captured during the most recent
// Invoke and clears the buffer for the next call. Safe to call even when
// the isolate has no captured output.
func (i *Isolate) DrainConsole() (stdout, stderr string) {
	return i.capture.Drain()
}

// LastUsed reports when the isolate last finished an Invoke, or when it was
// created if it has not run one yet.
func (i *Isolate) LastUsed() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsed
}

// Invocations returns the number of times Invoke has completed on this
// isolate.
func (i *Isolate) Invocations() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.invocations
}

// HandlerResult captures the outcome of running the exported handler once.
type HandlerResult struct {
	Response *Response
	Err      error
}

// Invoke loads handlerSource (the resolved package's entry file, already
// read from the package cache directory) and runs its exported handler
// against req/res, bounded by ctx. It returns once the handler returns or,
// when the handler returns a Promise, once that Promise settles; a terminal
// response operation made after that point is not waited for.
//
// The handler export may be a synchronous function (req, res) -> void, an
// async function returning a Promise, or a non-function value, which is
// written as a JSON response. Only native Promises are awaited; other
// thenables are not.
func (i *Isolate) Invoke(ctx context.Context, handlerSource string, req *Request, res *Response) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		timer := time.AfterFunc(time.Until(deadline), func() {
			i.vm.Interrupt(ErrTimeout)
		})
		defer timer.Stop()
	}

	stopWatchdog := i.startMemoryWatchdog()
	defer stopWatchdog()

	done := make(chan error, 1)
	go func() {
		done <- i.runHandler(ctx, handlerSource, req, res)
	}()

	select {
	case err := <-done:
		i.invocations++
		i.lastUsed = time.Now()
		return err
	case <-ctx.Done():
		i.vm.Interrupt(ErrTimeout)
		<-done // wait for the interrupted goroutine to unwind before returning the isolate
		i.invocations++
		i.lastUsed = time.Now()
		return ErrTimeout
	}
}

// startMemoryWatchdog samples process heap growth against the Alloc reading
// taken at call start and interrupts the running vm once growth exceeds
// memLimitBytes. It returns a stop func that must be called (via defer)
// once Invoke's goroutine has finished, regardless of outcome. A
// memLimitBytes of 0 disables the watchdog entirely.
func (i *Isolate) startMemoryWatchdog() func() {
	if i.memLimitBytes <= 0 {
		return func() {}
	}

	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(memWatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				var cur runtime.MemStats
				runtime.ReadMemStats(&cur)
				if cur.Alloc > baseline.Alloc && int64(cur.Alloc-baseline.Alloc) >= i.memLimitBytes {
					i.vm.Interrupt(ErrMemoryExhausted)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}
}

func (i *Isolate) runHandler(ctx context.Context, handlerSource string, req *Request, res *Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if interrupted, ok := r.(*goja.InterruptedError); ok {
				if v, ok := interrupted.Value().(error); ok {
					err = v
					return
				}
				err = ErrTimeout
				return
			}
			err = fmt.Errorf("sandbox: handler panicked: %v", r)
		}
	}()

	if _, runErr := i.vm.RunString(handlerSource); runErr != nil {
		return fmt.Errorf("sandbox: load handler: %w", runErr)
	}

	exported := i.vm.Get("module")
	if exported == nil {
		return errors.New("sandbox: handler module did not export a value")
	}
	moduleObj, ok := exported.(*goja.Object)
	if !ok {
		return errors.New("sandbox: module global is not an object")
	}
	exportsVal := moduleObj.Get("exports")
	if exportsVal == nil {
		return errors.New("sandbox: module.exports is empty")
	}

	callable, ok := goja.AssertFunction(exportsVal)
	if !ok {
		// A non-function export is treated as an already-resolved value: the
		// engine writes it directly if res is still non-terminal.
		return i.resolveAsResponse(exportsVal, res)
	}

	jsReq := i.vm.ToValue(newRequestBinding(i.vm, req))
	jsRes := i.vm.ToValue(newResponseBinding(i.vm, res))

	result, callErr := callable(goja.Undefined(), jsReq, jsRes)
	if callErr != nil {
		return fmt.Errorf("sandbox: handler threw: %w", callErr)
	}

	return i.awaitIfPromise(ctx, result, res)
}

// awaitIfPromise drives the isolate's single-threaded timer loop until a
// returned promise settles or ctx expires. Pending setTimeout callbacks
// arrive on i.due from their firing goroutine (see bootstrap.go) and are
// only ever invoked here, on the one goroutine that owns this vm for the
// duration of Invoke.
func (i *Isolate) awaitIfPromise(ctx context.Context, v goja.Value, res *Response) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return nil
	}
	for promise.State() == goja.PromiseStatePending {
		select {
		case cb := <-i.due:
			cb()
		case <-ctx.Done():
			return ErrTimeout
		}
	}
	if promise.State() == goja.PromiseStateRejected {
		reason := promise.Result()
		return fmt.Errorf("sandbox: promise rejected: %v", reason)
	}
	return i.resolveAsResponse(promise.Result(), res)
}

// resolveAsResponse treats a non-function handler export (or its resolved
// promise value) as an implicit terminal JSON response when the handler
// never called a terminal Response method itself.
func (i *Isolate) resolveAsResponse(v goja.Value, res *Response) error {
	if res.IsTerminal() || v == nil || goja.IsUndefined(v) {
		return nil
	}
	return res.JSON(v.Export())
}

// Reset prepares the isolate to be returned to the pool for reuse: it
// clears a pending interrupt, cancels pending timers, deletes the module
// and exports globals and re-runs the bootstrap source. Other globals that
// handler code created are not removed and stay visible to the next
// invocation. If the bootstrap source fails, ErrResetFailed is returned
// and the caller must discard the isolate.
func (i *Isolate) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.vm.ClearInterrupt()
	DrainTimers(i.timers)
	i.vm.GlobalObject().Delete("module")
	i.vm.GlobalObject().Delete("exports")

	if i.bootCode != "" {
		if _, err := i.vm.RunString(i.bootCode); err != nil {
			return fmt.Errorf("%w: %v", ErrResetFailed, err)
		}
	}
	return nil
}

// Destroy releases the isolate's runtime. After Destroy the isolate must
// not be used again.
func (i *Isolate) Destroy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	DrainTimers(i.timers)
	i.vm.Interrupt("destroyed")
}

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/oriys/nova/internal/networkpolicy"
)

// OutputCapture buffers a single invocation's console output so the caller
// can hand it to logging.OutputStore once the call completes. It is reset
// between invocations on a reused, pooled isolate.
type OutputCapture struct {
	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
}

func (o *OutputCapture) write(level, line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if level == "error" {
		o.stderr.WriteString(line)
		o.stderr.WriteByte('\n')
		return
	}
	o.stdout.WriteString(line)
	o.stdout.WriteByte('\n')
}

// Drain returns the captured stdout/stderr and clears the buffer for reuse.
func (o *OutputCapture) Drain() (stdout, stderr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stdout, stderr = o.stdout.String(), o.stderr.String()
	o.stdout.Reset()
	o.stderr.Reset()
	return stdout, stderr
}

// KVStore is the project-scoped key-value store exposed to handler code,
// backed by whatever storage the executor wires in (Postgres-backed or an
// in-memory fake in tests).
type KVStore interface {
	Get(ctx context.Context, projectID, key string) (string, bool, error)
	Set(ctx context.Context, projectID, key, value string) error
	Delete(ctx context.Context, projectID, key string) error
}

// Egress is the network-policy check behind the checkEgress binding: the
// binding resolves the handler's host and port and calls Allow with the
// result before returning the resolved IP. Allow must evaluate the merged
// policy list, per the egress guard.
type Egress interface {
	Allow(target networkpolicy.ResolvedTarget) error
}

// BootstrapOptions parameterizes the capability surface injected into a
// fresh isolate: the package root for restricted fs access, the project ID
// for KV scoping, and the collaborators used by the network/KV bindings.
type BootstrapOptions struct {
	PackageRoot string
	ProjectID   string
	EnvVars     map[string]string
	KV          KVStore
	Egress      Egress
	Logger      *slog.Logger
	Capture     *OutputCapture
}

// pendingTimer tracks a timer registered by handler code so Reset can
// cancel anything still outstanding between invocations.
type pendingTimer struct {
	timer *time.Timer
}

// Bind installs console, timers, a restricted filesystem view, a
// project-scoped KV store, and an egress-guarded network function into the
// isolate's global object. It is called once per Isolate, at construction
// and before the first Invoke; Reset re-runs only the bootstrap source and
// leaves these bindings in place.
//
// goja.Runtime is not safe for concurrent calls, so a fired timer must
// never invoke its callback directly from the timer goroutine. Instead it
// posts a thunk onto due, which the owning Isolate drains on its single
// invocation goroutine inside its promise/timer event loop.
func Bind(vm *goja.Runtime, opts BootstrapOptions, due chan<- func()) *sync.Map {
	timers := &sync.Map{} // id -> *pendingTimer, drained on isolate Reset/Destroy

	console := vm.NewObject()
	logFn := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.Export()
			}
			line := fmt.Sprint(parts...)
			if opts.Logger != nil {
				opts.Logger.Info("handler console output", "level", level, "args", line)
			}
			if opts.Capture != nil {
				opts.Capture.write(level, line)
			}
			return goja.Undefined()
		}
	}
	console.Set("log", logFn("log"))
	console.Set("info", logFn("info"))
	console.Set("warn", logFn("warn"))
	console.Set("error", logFn("error"))
	vm.Set("console", console)

	processObj := vm.NewObject()
	envObj := vm.NewObject()
	for k, v := range opts.EnvVars {
		envObj.Set(k, v)
	}
	processObj.Set("env", envObj)
	vm.Set("process", processObj)

	var timerSeq int64
	vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return goja.Undefined()
		}
		delayMs := call.Argument(1).ToInteger()
		timerSeq++
		id := timerSeq
		t := time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
			if _, loaded := timers.LoadAndDelete(id); loaded {
				select {
				case due <- func() { _, _ = fn(goja.Undefined()) }:
				default:
					// due is full; drop the callback
				}
			}
		})
		timers.Store(id, &pendingTimer{timer: t})
		return vm.ToValue(id)
	})
	vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		if v, ok := timers.LoadAndDelete(id); ok {
			v.(*pendingTimer).timer.Stop()
		}
		return goja.Undefined()
	})

	fsObj := vm.NewObject()
	fsObj.Set("readFileSync", func(call goja.FunctionCall) goja.Value {
		rel := call.Argument(0).String()
		full, err := sanitizeJoin(opts.PackageRoot, rel)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		data, err := os.ReadFile(full)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(string(data))
	})
	fsObj.Set("existsSync", func(call goja.FunctionCall) goja.Value {
		rel := call.Argument(0).String()
		full, err := sanitizeJoin(opts.PackageRoot, rel)
		if err != nil {
			return vm.ToValue(false)
		}
		_, err = os.Stat(filepath.Clean(full))
		return vm.ToValue(err == nil)
	})
	vm.Set("fs", fsObj)

	kvObj := vm.NewObject()
	kvObj.Set("get", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		if opts.KV == nil {
			return goja.Null()
		}
		val, ok, err := opts.KV.Get(context.Background(), opts.ProjectID, key)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(val)
	})
	kvObj.Set("set", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		value := call.Argument(1).String()
		if opts.KV == nil {
			return goja.Undefined()
		}
		if err := opts.KV.Set(context.Background(), opts.ProjectID, key, value); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	kvObj.Set("delete", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		if opts.KV == nil {
			return goja.Undefined()
		}
		if err := opts.KV.Delete(context.Background(), opts.ProjectID, key); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	vm.Set("kv", kvObj)

	vm.Set("checkEgress", func(call goja.FunctionCall) goja.Value {
		host := call.Argument(0).String()
		port := int(call.Argument(1).ToInteger())
		if opts.Egress == nil {
			panic(vm.ToValue("egress not configured"))
		}
		resolved, err := networkpolicy.Resolve(networkpolicy.EgressTarget{Host: host, Port: port})
		if err != nil {
			panic(vm.ToValue(fmt.Sprintf("resolve %s: %v", host, err)))
		}
		if err := opts.Egress.Allow(resolved); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(resolved.IP.String())
	})

	return timers
}

// DrainTimers cancels every outstanding timer; called during Reset so a
// stale setTimeout from a prior invocation can't fire into the next one.
func DrainTimers(timers *sync.Map) {
	timers.Range(func(key, value any) bool {
		value.(*pendingTimer).timer.Stop()
		timers.Delete(key)
		return true
	})
}

// DefaultBootstrapSource is the JS run once at isolate construction (and
// again after every Reset) to install the module scaffold handler code
// expects: a fresh `module.exports` target.
const DefaultBootstrapSource = `
var module = { exports: {} };
var exports = module.exports;
`

// Package pool manages the lifecycle of warm sandbox isolates shared
// across invocations of the same function version.
//
// # Design rationale
//
// Bootstrapping a fresh goja isolate (running the bootstrap script that
// installs console/timers/kv/egress bindings) costs real time under load,
// even though it is orders of magnitude cheaper than cold-starting a
// microVM. To amortise it across requests, the pool keeps a bounded set of
// already-bootstrapped isolates warm per pool key and hands them out on
// acquire, returning them to the warm set on release.
//
// # Pool topology
//
// One functionPool is maintained per unique pool key: functionId plus the
// active packageHash, since a version switch invalidates every isolate
// that had the old package's globals baked into its post-bootstrap state.
// PoolKey derives this key; InvalidateFunction drops the old
// pool when the active version changes.
//
// # Concurrency model
//
// Each functionPool has its own sync.Mutex and a buffered wakeup channel
// used to block Acquire callers until an isolate becomes available or the
// pool's AcquireQueueWait elapses. An Acquire that finds no warm isolate
// while the pool is under capacity reserves a slot and cold-starts its own
// isolate, so N simultaneous first-requests spawn up to N isolates, each
// held by exactly one caller.
//
// # Invariants
//
//   - total isolates in a functionPool never exceeds MaxPoolSize.
//   - An isolate in fp.warm is never concurrently held by more than one
//     caller; Acquire removes it from fp.warm before returning it.
//   - Once closing is set (via Shutdown), no new isolates are created.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/sandbox"
)

var (
	// ErrQueueWaitTimeout is returned when Acquire waits longer than the
	// configured AcquireQueueWait for a free isolate.
	ErrQueueWaitTimeout = errors.New("pool: acquire queue wait timeout")
	// ErrShuttingDown is returned by Acquire once Shutdown has been called.
	ErrShuttingDown = errors.New("pool: shutting down")
)

const (
	DefaultIdleTTL             = 60 * time.Second
	DefaultCleanupInterval     = 10 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultMinPool             = 0
	DefaultMaxPoolSize         = 16
)

// Factory constructs a fresh, bootstrapped isolate for a pool key. The pool
// calls it once per cold start and hands the result to that caller alone.
type Factory func(ctx context.Context) (*sandbox.Isolate, error)

// Handle is an exclusively-owned isolate obtained from Acquire. The caller
// must call Release (to return it to the warm set) or Discard (if the
// isolate's reset failed or it hit a fatal error) exactly once.
type Handle struct {
	Isolate   *sandbox.Isolate
	ColdStart bool
	poolKey   string
	pool      *Pool
}

// Release returns the isolate to its pool after a reset step that strips
// invocation-local state. If reset fails, the isolate is discarded and the
// pool's total count is decremented so a future Acquire can cold-start a
// replacement.
func (h *Handle) Release() {
	h.pool.release(h.poolKey, h.Isolate)
}

// Discard drops the isolate without returning it to the pool, used when
// the caller knows the isolate's state is unrecoverable (e.g. it hit
// ErrMemoryExhausted).
func (h *Handle) Discard() {
	h.pool.discard(h.poolKey, h.Isolate)
}

// functionPool holds every isolate for one pool key (functionId + active
// packageHash). released is a broadcast-ish wakeup: release() does a
// non-blocking send so one blocked Acquire re-checks fp.warm. The channel
// is never recreated; a leftover signal only makes a waiter re-check
// fp.warm one extra time.
type functionPool struct {
	mu       sync.Mutex
	warm     []*sandbox.Isolate
	total    int // warm + currently-acquired, bounded by maxPoolSize
	released chan struct{}
}

func newFunctionPool() *functionPool {
	return &functionPool{released: make(chan struct{}, 1)}
}

func (fp *functionPool) wake() {
	select {
	case fp.released <- struct{}{}:
	default:
	}
}

// Pool is the central resource manager for sandbox isolates. It is safe
// for concurrent use; the zero value is not usable, construct via New.
type Pool struct {
	mu      sync.RWMutex
	pools   map[string]*functionPool
	factory map[string]Factory // poolKey -> factory, set via SetFactory before first Acquire

	minPool             int
	maxPoolSize         int
	acquireQueueWait    time.Duration
	idleTTL             time.Duration
	cleanupInterval     time.Duration
	healthCheckInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// Config holds pool sizing and timing knobs (mirrors
// internal/config.PoolConfig so callers can pass it through directly).
type Config struct {
	MinPool             int
	MaxPoolSize         int
	AcquireQueueWait    time.Duration
	IdleTTL             time.Duration
	CleanupInterval     time.Duration
	HealthCheckInterval time.Duration
}

// New creates a Pool and starts its background idle-eviction loop. The
// caller must call Shutdown to stop that loop and release every isolate.
func New(cfg Config) *Pool {
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = DefaultMaxPoolSize
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		pools:               make(map[string]*functionPool),
		factory:             make(map[string]Factory),
		minPool:             cfg.MinPool,
		maxPoolSize:         cfg.MaxPoolSize,
		acquireQueueWait:    cfg.AcquireQueueWait,
		idleTTL:             cfg.IdleTTL,
		cleanupInterval:     cfg.CleanupInterval,
		healthCheckInterval: cfg.HealthCheckInterval,
		ctx:                 ctx,
		cancel:              cancel,
	}
	go p.cleanupLoop()
	return p
}

// SetFactory registers how to cold-start an isolate for poolKey. It must be
// called before the first Acquire for that key; the executor calls it on
// every invocation, just before Acquire, replacing the key's factory.
func (p *Pool) SetFactory(poolKey string, f Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factory[poolKey] = f
}

// PoolKey derives the pool key for a function at a given package hash: a
// version switch changes packageHash and therefore the key, so isolates
// bootstrapped against the old package are never handed out for the new
// one.
func PoolKey(functionID, packageHash string) string {
	return functionID + "@" + packageHash
}

func (p *Pool) getOrCreateFunctionPool(poolKey string) *functionPool {
	p.mu.RLock()
	fp, ok := p.pools[poolKey]
	p.mu.RUnlock()
	if ok {
		return fp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if fp, ok := p.pools[poolKey]; ok {
		return fp
	}
	fp = newFunctionPool()
	p.pools[poolKey] = fp
	return fp
}

// Acquire returns a warm isolate for poolKey, cold-starting one (via the
// registered Factory) if the pool is empty and under capacity, or blocking until one is released if the pool
// is at MaxPoolSize. It suspends until an isolate is available, ctx is
// done, or AcquireQueueWait elapses, whichever comes first.
func (p *Pool) Acquire(ctx context.Context, poolKey string) (*Handle, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrShuttingDown
	}

	fp := p.getOrCreateFunctionPool(poolKey)

	fp.mu.Lock()
	if len(fp.warm) > 0 {
		iso := fp.warm[len(fp.warm)-1]
		fp.warm = fp.warm[:len(fp.warm)-1]
		fp.mu.Unlock()
		return &Handle{Isolate: iso, poolKey: poolKey, pool: p}, nil
	}
	if fp.total < p.maxPoolSize {
		fp.total++
		fp.mu.Unlock()
		iso, err := p.coldStart(ctx, poolKey)
		if err != nil {
			fp.mu.Lock()
			fp.total--
			fp.wake()
			fp.mu.Unlock()
			return nil, err
		}
		return &Handle{Isolate: iso, ColdStart: true, poolKey: poolKey, pool: p}, nil
	}
	fp.mu.Unlock()

	return p.waitForRelease(ctx, poolKey, fp)
}

// waitForRelease polls fp.warm, re-checking on every wake() signal from a
// release() or on its own deadline, bounded by both ctx and
// AcquireQueueWait (whichever is tighter). It holds no goroutine beyond
// its own caller's, so there is nothing to leak on timeout.
func (p *Pool) waitForRelease(ctx context.Context, poolKey string, fp *functionPool) (*Handle, error) {
	waitCtx := ctx
	if p.acquireQueueWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.acquireQueueWait)
		defer cancel()
	}

	for {
		fp.mu.Lock()
		if len(fp.warm) > 0 {
			iso := fp.warm[len(fp.warm)-1]
			fp.warm = fp.warm[:len(fp.warm)-1]
			fp.mu.Unlock()
			return &Handle{Isolate: iso, poolKey: poolKey, pool: p}, nil
		}
		fp.mu.Unlock()

		select {
		case <-fp.released:
			continue
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrQueueWaitTimeout
		}
	}
}

func (p *Pool) coldStart(ctx context.Context, poolKey string) (*sandbox.Isolate, error) {
	p.mu.RLock()
	factory, ok := p.factory[poolKey]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pool: no factory registered for key %s", poolKey)
	}
	iso, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	metrics.Global().RecordIsolateCreated()
	return iso, nil
}

// functionIDFromPoolKey strips the "@packageHash" suffix PoolKey appends,
// for metrics that are reported per function rather than per version.
func functionIDFromPoolKey(poolKey string) string {
	for i := len(poolKey) - 1; i >= 0; i-- {
		if poolKey[i] == '@' {
			return poolKey[:i]
		}
	}
	return poolKey
}

func (p *Pool) release(poolKey string, iso *sandbox.Isolate) {
	fp := p.getOrCreateFunctionPool(poolKey)

	if err := iso.Reset(); err != nil {
		logging.Op().Warn("isolate reset failed, discarding", "pool_key", poolKey, "error", err)
		p.discard(poolKey, iso)
		return
	}

	fp.mu.Lock()
	fp.warm = append(fp.warm, iso)
	fp.wake()
	fp.mu.Unlock()
}

func (p *Pool) discard(poolKey string, iso *sandbox.Isolate) {
	iso.Destroy()
	metrics.Global().RecordIsolateDestroyed()
	fp := p.getOrCreateFunctionPool(poolKey)
	fp.mu.Lock()
	fp.total--
	fp.wake()
	fp.mu.Unlock()
}

// InvalidateFunction destroys every warm isolate in every pool whose key
// starts with functionID (i.e. all package-hash variants of this function)
// and drops those pools, called when the active version switches or the
// function is deleted. Isolates currently held by callers are not
// destroyed here.
func (p *Pool) InvalidateFunction(functionID string) {
	prefix := functionID + "@"
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, fp := range p.pools {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		fp.mu.Lock()
		for _, iso := range fp.warm {
			iso.Destroy()
			metrics.Global().RecordIsolateDestroyed()
		}
		fp.warm = nil
		fp.total = 0
		fp.mu.Unlock()
		delete(p.pools, key)
		delete(p.factory, key)
	}
}

// Stats summarizes one pool key's occupancy, exposed for metrics gauges.
type Stats struct {
	PoolKey string
	Warm    int
	Total   int
}

// AllStats returns a snapshot of every active pool key's occupancy.
func (p *Pool) AllStats() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Stats, 0, len(p.pools))
	for key, fp := range p.pools {
		fp.mu.Lock()
		out = append(out, Stats{PoolKey: key, Warm: len(fp.warm), Total: fp.total})
		fp.mu.Unlock()
	}
	return out
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle destroys isolates that have sat warm longer than idleTTL,
// keeping at least minPool warm per function pool.
func (p *Pool) evictIdle() {
	p.mu.RLock()
	pools := make(map[string]*functionPool, len(p.pools))
	for k, v := range p.pools {
		pools[k] = v
	}
	p.mu.RUnlock()

	now := time.Now()
	activeTotal := 0
	for key, fp := range pools {
		fp.mu.Lock()
		kept := fp.warm[:0]
		for _, iso := range fp.warm {
			if len(kept) < p.minPool || now.Sub(iso.LastUsed()) < p.idleTTL {
				kept = append(kept, iso)
				continue
			}
			iso.Destroy()
			metrics.Global().RecordIsolateDestroyed()
			fp.total--
		}
		fp.warm = kept
		idle, total := len(fp.warm), fp.total
		fp.mu.Unlock()

		metrics.SetIsolatePoolSize(functionIDFromPoolKey(key), idle, total-idle)
		activeTotal += total
	}
	metrics.SetActiveIsolates(activeTotal)
}

// Shutdown stops the cleanup loop and destroys every warm isolate. Isolates
// currently acquired by in-flight invocations are not forcibly destroyed;
// callers are expected to have drained in-flight work first.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	pools := make(map[string]*functionPool, len(p.pools))
	for k, v := range p.pools {
		pools[k] = v
	}
	p.mu.Unlock()

	p.cancel()
	for _, fp := range pools {
		fp.mu.Lock()
		for _, iso := range fp.warm {
			iso.Destroy()
			metrics.Global().RecordIsolateDestroyed()
		}
		fp.warm = nil
		fp.mu.Unlock()
	}
}

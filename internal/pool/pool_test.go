package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/nova/internal/sandbox"
)

func newTestIsolate(t *testing.T) *sandbox.Isolate {
	t.Helper()
	iso, err := sandbox.New(sandbox.Config{ID: "test", MemoryLimitMB: 64})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	return iso
}

func TestAcquireColdStartsThenReusesWarmIsolate(t *testing.T) {
	p := New(Config{MaxPoolSize: 2})
	defer p.Shutdown()

	key := PoolKey("f1", "hash1")
	calls := 0
	p.SetFactory(key, func(ctx context.Context) (*sandbox.Isolate, error) {
		calls++
		return newTestIsolate(t), nil
	})

	h1, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !h1.ColdStart {
		t.Error("expected first acquire to be a cold start")
	}
	h1.Release()

	h2, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if h2.ColdStart {
		t.Error("expected second acquire to reuse the warm isolate")
	}
	if calls != 1 {
		t.Errorf("factory called %d times, want 1", calls)
	}
	h2.Release()
}

func TestAcquireBlocksAtCapacityUntilRelease(t *testing.T) {
	p := New(Config{MaxPoolSize: 1, AcquireQueueWait: time.Second})
	defer p.Shutdown()

	key := PoolKey("f1", "hash1")
	p.SetFactory(key, func(ctx context.Context) (*sandbox.Isolate, error) {
		return newTestIsolate(t), nil
	})

	h1, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var h2 *Handle
	var acquireErr error
	go func() {
		defer wg.Done()
		h2, acquireErr = p.Acquire(context.Background(), key)
	}()

	time.Sleep(20 * time.Millisecond)
	h1.Release()
	wg.Wait()

	if acquireErr != nil {
		t.Fatalf("blocked Acquire failed: %v", acquireErr)
	}
	if h2 == nil {
		t.Fatal("expected a handle after release unblocks the waiter")
	}
	h2.Release()
}

func TestAcquireQueueWaitTimeout(t *testing.T) {
	p := New(Config{MaxPoolSize: 1, AcquireQueueWait: 20 * time.Millisecond})
	defer p.Shutdown()

	key := PoolKey("f1", "hash1")
	p.SetFactory(key, func(ctx context.Context) (*sandbox.Isolate, error) {
		return newTestIsolate(t), nil
	})

	h1, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h1.Release()

	_, err = p.Acquire(context.Background(), key)
	if !errors.Is(err, ErrQueueWaitTimeout) {
		t.Errorf("expected ErrQueueWaitTimeout, got %v", err)
	}
}

func TestInvalidateFunctionDestroysWarmIsolates(t *testing.T) {
	p := New(Config{MaxPoolSize: 2})
	defer p.Shutdown()

	key := PoolKey("f1", "hash1")
	p.SetFactory(key, func(ctx context.Context) (*sandbox.Isolate, error) {
		return newTestIsolate(t), nil
	})

	h, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()

	p.InvalidateFunction("f1")

	stats := p.AllStats()
	for _, s := range stats {
		if s.PoolKey == key {
			t.Errorf("expected pool key %s to be removed after invalidation", key)
		}
	}
}

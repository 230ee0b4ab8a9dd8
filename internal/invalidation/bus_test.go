package invalidation

import (
	"sync"
	"testing"
	"time"
)

func TestNetPolKeyGlobalVsProject(t *testing.T) {
	if got := NetPolKey(""); got != NetPolGlobalKey {
		t.Errorf("NetPolKey(\"\") = %q, want %q", got, NetPolGlobalKey)
	}
	if got := NetPolKey("p1"); got != "netpol:p1" {
		t.Errorf("NetPolKey(p1) = %q, want netpol:p1", got)
	}
}

func TestEnvVarKey(t *testing.T) {
	if got := EnvVarKey("f1"); got != "envvars:f1" {
		t.Errorf("EnvVarKey(f1) = %q, want envvars:f1", got)
	}
}

func TestBusDispatchDebouncesBurstsToOneCall(t *testing.T) {
	b := New(nil, 20*time.Millisecond, time.Second, nil)

	var mu sync.Mutex
	var calls int
	b.Listen("execution_cache_invalidated", func(ev Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		b.dispatch("execution_cache_invalidated", Event{Channel: "execution_cache_invalidated", Key: "envvars:f1"})
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (burst should collapse to a single debounced call)", calls)
	}
}

func TestBusDispatchFullRefreshBypassesDebounce(t *testing.T) {
	b := New(nil, time.Hour, time.Second, nil)

	var mu sync.Mutex
	var calls int
	b.Listen("gateway_invalidated", func(ev Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	b.dispatch("gateway_invalidated", Event{Channel: "gateway_invalidated", Key: ""})

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (full refresh should fire immediately)", calls)
	}
}

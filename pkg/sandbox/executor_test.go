package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/manifest"
	"github.com/gantryio/gantry/pkg/permissions"
)

// memKV is an in-memory KVStore for tests.
type memKV struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemKV() *memKV { return &memKV{m: make(map[string][]byte)} }

func (s *memKV) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memKV) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return v, nil
}

func (s *memKV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func emptyToken(t *testing.T, pluginID string) *permissions.Token {
	t.Helper()
	token, err := permissions.Intersect(pluginID, permissions.CapabilitySet{Tenants: permissions.TenantOwn}, permissions.DefaultCeilings())
	if err != nil {
		t.Fatalf("Intersect failed: %v", err)
	}
	return token
}

func dbToken(t *testing.T, pluginID, level string) *permissions.Token {
	t.Helper()
	requested := permissions.FromManifest(manifest.Permissions{Database: level})
	token, err := permissions.Intersect(pluginID, requested, permissions.Ceilings{Database: "admin", Tenants: "own"})
	if err != nil {
		t.Fatalf("Intersect failed: %v", err)
	}
	return token
}

func compile(t *testing.T, source string) *Unit {
	t.Helper()
	unit, err := Compile("test-plugin", []byte(source))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return unit
}

func TestInvokeReturnsValue(t *testing.T) {
	unit := compile(t, `
function handle(payload)
	return { sum = payload.a + payload.b, name = payload.name }
end
`)
	e := NewExecutor()
	outcome, err := e.Invoke(context.Background(), Invocation{
		Unit:     unit,
		Token:    emptyToken(t, "test-plugin"),
		Function: "handle",
		Payload:  map[string]interface{}{"a": 2, "b": 3, "name": "x"},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	result, ok := outcome.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("value = %T, want map", outcome.Value)
	}
	if result["sum"] != float64(5) {
		t.Errorf("sum = %v, want 5", result["sum"])
	}
	if result["name"] != "x" {
		t.Errorf("name = %v, want x", result["name"])
	}
	if outcome.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestInvokeArrayReturn(t *testing.T) {
	unit := compile(t, `
function handle()
	return { "a", "b", "c" }
end
`)
	e := NewExecutor()
	outcome, err := e.Invoke(context.Background(), Invocation{
		Unit:     unit,
		Token:    emptyToken(t, "test-plugin"),
		Function: "handle",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	arr, ok := outcome.Value.([]interface{})
	if !ok || len(arr) != 3 || arr[0] != "a" {
		t.Errorf("value = %#v, want [a b c]", outcome.Value)
	}
}

func TestInvokeDecline(t *testing.T) {
	tests := []struct {
		name       string
		source     string
		declined   bool
		wantReason string
	}{
		{
			name:     "bool false declines",
			source:   `function gate() return false end`,
			declined: true,
		},
		{
			name:     "bool true passes",
			source:   `function gate() return true end`,
			declined: false,
		},
		{
			name:       "table with allow=false and reason",
			source:     `function gate() return { allow = false, reason = "quota exceeded" } end`,
			declined:   true,
			wantReason: "quota exceeded",
		},
		{
			name:     "table with allow=true passes",
			source:   `function gate() return { allow = true } end`,
			declined: false,
		},
		{
			name:     "nil return passes",
			source:   `function gate() end`,
			declined: false,
		},
	}

	e := NewExecutor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := e.Invoke(context.Background(), Invocation{
				Unit:     compile(t, tt.source),
				Token:    emptyToken(t, "test-plugin"),
				Function: "gate",
			})
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if outcome.Declined != tt.declined {
				t.Errorf("declined = %v, want %v", outcome.Declined, tt.declined)
			}
			if outcome.DeclineReason != tt.wantReason {
				t.Errorf("reason = %q, want %q", outcome.DeclineReason, tt.wantReason)
			}
		})
	}
}

func TestInvokeTimeout(t *testing.T) {
	unit := compile(t, `
function spin()
	while true do end
end
`)
	e := NewExecutor()
	start := time.Now()
	_, err := e.Invoke(context.Background(), Invocation{
		Unit:     unit,
		Token:    emptyToken(t, "test-plugin"),
		Function: "spin",
		Budget:   Budget{Timeout: 100 * time.Millisecond, MemoryLimit: DefaultBudget().MemoryLimit},
	})
	if !errdefs.IsTimeout(err) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("termination took %s, budget was 100ms", elapsed)
	}
}

func TestInvokePermissionDenied(t *testing.T) {
	unit := compile(t, `
function handle()
	return gantry.fs.read("/etc/passwd")
end
`)
	e := NewExecutor()
	_, err := e.Invoke(context.Background(), Invocation{
		Unit:     unit,
		Token:    emptyToken(t, "test-plugin"),
		Function: "handle",
	})
	if !errdefs.IsPermissionDenied(err) {
		t.Fatalf("err = %v, want PermissionDeniedError", err)
	}
}

func TestInvokeRevokedToken(t *testing.T) {
	unit := compile(t, `function handle() return 1 end`)
	token := emptyToken(t, "test-plugin")
	token.Revoke()

	e := NewExecutor()
	_, err := e.Invoke(context.Background(), Invocation{
		Unit:     unit,
		Token:    token,
		Function: "handle",
	})
	if !errdefs.IsPermissionDenied(err) {
		t.Fatalf("err = %v, want PermissionDeniedError", err)
	}
}

func TestInvokeExecutionError(t *testing.T) {
	unit := compile(t, `
function handle()
	error("plugin fault")
end
`)
	e := NewExecutor()
	_, err := e.Invoke(context.Background(), Invocation{
		Unit:     unit,
		Token:    emptyToken(t, "test-plugin"),
		Function: "handle",
	})
	var execErr *errdefs.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
}

func TestInvokeMissingFunction(t *testing.T) {
	unit := compile(t, `local x = 1`)
	e := NewExecutor()

	t.Run("required", func(t *testing.T) {
		_, err := e.Invoke(context.Background(), Invocation{
			Unit:     unit,
			Token:    emptyToken(t, "test-plugin"),
			Function: "handle",
		})
		if !errdefs.IsExecution(err) {
			t.Errorf("err = %v, want ExecutionError", err)
		}
	})

	t.Run("optional is a no-op", func(t *testing.T) {
		outcome, err := e.Invoke(context.Background(), Invocation{
			Unit:     unit,
			Token:    emptyToken(t, "test-plugin"),
			Function: "initialize",
			Optional: true,
		})
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if outcome.Value != nil || outcome.Declined {
			t.Errorf("unexpected outcome: %+v", outcome)
		}
	})
}

func TestInvokeHardenedGlobals(t *testing.T) {
	// Everything hardened away must read as nil from plugin code.
	unit := compile(t, `
function handle()
	return {
		os = os == nil,
		io = io == nil,
		dbg = debug == nil,
		dofile = dofile == nil,
		loadstring = loadstring == nil,
	}
end
`)
	e := NewExecutor()
	outcome, err := e.Invoke(context.Background(), Invocation{
		Unit:     unit,
		Token:    emptyToken(t, "test-plugin"),
		Function: "handle",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	result := outcome.Value.(map[string]interface{})
	for _, k := range []string{"os", "io", "dbg", "dofile", "loadstring"} {
		if result[k] != true {
			t.Errorf("global %s still reachable", k)
		}
	}
}

func TestInvokeKVRoundTrip(t *testing.T) {
	unit := compile(t, `
function handle()
	gantry.kv.put("greeting", "hello")
	return gantry.kv.get("greeting")
end
`)
	kv := newMemKV()
	e := NewExecutor()
	outcome, err := e.Invoke(context.Background(), Invocation{
		Unit:     unit,
		Token:    dbToken(t, "test-plugin", "write"),
		Function: "handle",
		Data:     kv,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if outcome.Value != "hello" {
		t.Errorf("value = %v, want hello", outcome.Value)
	}
	if v, _ := kv.Get("greeting"); string(v) != "hello" {
		t.Errorf("store value = %q", v)
	}
}

func TestInvokeKVWriteNeedsWriteLevel(t *testing.T) {
	unit := compile(t, `
function handle()
	gantry.kv.put("k", "v")
end
`)
	e := NewExecutor()
	_, err := e.Invoke(context.Background(), Invocation{
		Unit:     unit,
		Token:    dbToken(t, "test-plugin", "read"),
		Function: "handle",
		Data:     newMemKV(),
	})
	if !errdefs.IsPermissionDenied(err) {
		t.Fatalf("err = %v, want PermissionDeniedError", err)
	}
}

func TestInvokeMemoryLimit(t *testing.T) {
	// 64 bytes of budget, one log call far beyond it.
	unit := compile(t, `
function handle()
	gantry.log(string.rep("x", 4096))
end
`)
	e := NewExecutor()
	_, err := e.Invoke(context.Background(), Invocation{
		Unit:     unit,
		Token:    emptyToken(t, "test-plugin"),
		Function: "handle",
		Budget:   Budget{Timeout: time.Second, MemoryLimit: 64, MaxLogSize: 64 * 1024},
	})
	if !errdefs.IsResourceLimit(err) {
		t.Fatalf("err = %v, want ResourceLimitError", err)
	}
}

func TestInvokeLogTruncation(t *testing.T) {
	unit := compile(t, `
function handle()
	gantry.log(string.rep("y", 1000))
end
`)
	var logged string
	e := NewExecutor()
	e.LogFn = func(pluginID, msg string) { logged = msg }

	_, err := e.Invoke(context.Background(), Invocation{
		Unit:     unit,
		Token:    emptyToken(t, "test-plugin"),
		Function: "handle",
		Budget:   Budget{Timeout: time.Second, MemoryLimit: 1 << 20, MaxLogSize: 100},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(logged) != 100 {
		t.Errorf("log length = %d, want truncated to 100", len(logged))
	}
}

func TestInvokeIsolationBetweenCalls(t *testing.T) {
	// Globals set by one invocation must not leak into the next.
	unit := compile(t, `
function handle()
	local seen = leaked ~= nil
	leaked = true
	return seen
end
`)
	e := NewExecutor()
	for i := 0; i < 2; i++ {
		outcome, err := e.Invoke(context.Background(), Invocation{
			Unit:     unit,
			Token:    emptyToken(t, "test-plugin"),
			Function: "handle",
		})
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if outcome.Value != false {
			t.Fatalf("invocation %d saw leaked global", i)
		}
	}
}

func TestCompileRejectsBadSource(t *testing.T) {
	if _, err := Compile("p", []byte("function broken(")); err == nil {
		t.Error("expected parse error")
	}
}

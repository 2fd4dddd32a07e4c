package sandbox

import (
	"sync"
	"sync/atomic"
	"time"
)

// Budget bounds one sandboxed invocation.
type Budget struct {
	// Timeout is the wall-clock ceiling. Enforced hard: the Lua state is
	// terminated at the deadline via its context.
	Timeout time.Duration

	// MemoryLimit bounds bytes a call may move through the host API
	// surface (logs, data writes, returned values). gopher-lua exposes no
	// allocator hook, so this is enforced at the API boundary.
	MemoryLimit int64

	// MaxLogSize bounds a single log write.
	MaxLogSize int64
}

// DefaultBudget returns the limits applied when the host configures none.
func DefaultBudget() Budget {
	return Budget{
		Timeout:     5 * time.Second,
		MemoryLimit: 10 * 1024 * 1024,
		MaxLogSize:  64 * 1024,
	}
}

// monitor tracks one invocation's resource usage against its budget.
type monitor struct {
	budget Budget

	bytesUsed int64

	mu       sync.Mutex
	exceeded bool
	resource string
}

func newMonitor(budget Budget) *monitor {
	return &monitor{budget: budget}
}

// addBytes accounts bytes moved through the host API. Returns false when
// the memory ceiling is breached.
func (m *monitor) addBytes(n int64) bool {
	total := atomic.AddInt64(&m.bytesUsed, n)
	if m.budget.MemoryLimit > 0 && total > m.budget.MemoryLimit {
		m.trip("memory")
		return false
	}
	return true
}

func (m *monitor) trip(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exceeded {
		m.exceeded = true
		m.resource = resource
	}
}

func (m *monitor) tripped() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resource, m.exceeded
}

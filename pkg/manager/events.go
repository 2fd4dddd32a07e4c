package manager

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantryio/gantry/pkg/observability"
)

// Event names emitted by the manager.
const (
	EventInstalled       = "pluginInstalled"
	EventActivated       = "pluginActivated"
	EventDeactivated     = "pluginDeactivated"
	EventUpdated         = "pluginUpdated"
	EventUninstalled     = "pluginUninstalled"
	EventActivationError = "activationError"
	EventExecuted        = "pluginExecuted"
)

// Event describes one lifecycle or execution occurrence.
type Event struct {
	ID       string
	Name     string
	PluginID string

	// Function and Duration are set on pluginExecuted events.
	Function string
	Duration time.Duration

	// Error is set on activationError events.
	Error string

	At time.Time
}

// Listener receives manager events. Listeners run synchronously on the
// emitting goroutine and must not block. A panicking listener is
// contained and logged; it never aborts the transition that emitted
// the event.
type Listener func(Event)

type eventBus struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (b *eventBus) subscribe(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *eventBus) emit(log *observability.Logger, ev Event) {
	ev.ID = uuid.NewString()
	ev.At = time.Now()

	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, fn := range listeners {
		b.notify(log, fn, ev)
	}
}

// notify delivers one event, containing listener panics.
func (b *eventBus) notify(log *observability.Logger, fn Listener, ev Event) {
	defer observability.RecoverPanic(log, "event listener "+ev.Name)
	fn(ev)
}

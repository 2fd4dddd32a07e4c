// Package hooks maintains the mapping from named extension points to
// ordered handler registrations and drives their invocation. Handlers
// belonging to a plugin live exactly as long as the plugin is active:
// registration happens on activate, and UnregisterAll removes everything a
// plugin owns in one atomic step on deactivate or uninstall.
package hooks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gantryio/gantry/pkg/observability"
	"github.com/gantryio/gantry/pkg/sandbox"
)

// Built-in hook names. Arbitrary custom.* names are permitted alongside.
const (
	BeforeRequest = "beforeRequest"
	AfterRequest  = "afterRequest"
	BeforeAuth    = "beforeAuth"
	AfterAuth     = "afterAuth"
	BeforeCreate  = "beforeCreate"
	AfterCreate   = "afterCreate"
	BeforeUpdate  = "beforeUpdate"
	AfterUpdate   = "afterUpdate"
	BeforeDelete  = "beforeDelete"
	AfterDelete   = "afterDelete"
	AppStart      = "appStart"
	AppShutdown   = "appShutdown"
	PluginInstall = "pluginInstall"
	PluginUpdate  = "pluginUpdate"
)

// IsGating reports whether a hook is gating style: handlers may
// short-circuit the host operation by declining. Everything else is
// notification style, where handler failures are recorded and the
// remaining handlers still run.
func IsGating(name string) bool {
	base := strings.TrimPrefix(name, "custom.")
	return strings.HasPrefix(base, "before")
}

// Runner executes a single registered handler. Implemented by the plugin
// manager, which owns the loaded units and capability tokens.
type Runner interface {
	RunHandler(ctx context.Context, pluginID, handler string, payload map[string]interface{}) (*sandbox.Outcome, error)
}

// Registration binds one plugin handler to a hook. Lower priority runs
// first; ties break by registration order.
type Registration struct {
	Hook     string
	PluginID string
	Handler  string
	Priority int

	seq uint64
}

// HandlerOutcome is one handler's result within an invocation report.
type HandlerOutcome struct {
	PluginID string
	Handler  string
	Value    interface{}
	Duration time.Duration
	Err      error
}

// Report is the ordered result of one hook invocation.
type Report struct {
	Hook     string
	Outcomes []HandlerOutcome

	// Declined is set when a gating handler short-circuited the
	// invocation. Handlers after the declining one did not run.
	Declined      bool
	DeclinedBy    string
	DeclineReason string
}

// Registry is the lock-guarded hook registration table.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string][]Registration
	nextSeq uint64

	runner   Runner
	poolSize int
	log      *observability.Logger
}

// NewRegistry creates a registry. poolSize bounds concurrent handler
// execution for notification hooks; values below 1 mean sequential.
// log may be nil.
func NewRegistry(runner Runner, poolSize int, log *observability.Logger) *Registry {
	if poolSize < 1 {
		poolSize = 1
	}
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Registry{
		hooks:    make(map[string][]Registration),
		runner:   runner,
		poolSize: poolSize,
		log:      log,
	}
}

// Register inserts a handler registration in priority order.
func (r *Registry) Register(hook, pluginID, handler string, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	reg := Registration{
		Hook:     hook,
		PluginID: pluginID,
		Handler:  handler,
		Priority: priority,
		seq:      r.nextSeq,
	}
	regs := append(r.hooks[hook], reg)
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority < regs[j].Priority
		}
		return regs[i].seq < regs[j].seq
	})
	r.hooks[hook] = regs
}

// UnregisterAll atomically removes every registration owned by pluginID.
// Returns the number removed.
func (r *Registry) UnregisterAll(pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for hook, regs := range r.hooks {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.PluginID == pluginID {
				removed++
				continue
			}
			kept = append(kept, reg)
		}
		if len(kept) == 0 {
			delete(r.hooks, hook)
		} else {
			r.hooks[hook] = kept
		}
	}
	return removed
}

// Registrations returns a snapshot of a hook's registrations in execution
// order.
func (r *Registry) Registrations(hook string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, len(r.hooks[hook]))
	copy(out, r.hooks[hook])
	return out
}

// Hooks returns all hook names with at least one registration.
func (r *Registry) Hooks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs every registered handler for the hook.
//
// Gating hooks run sequentially in priority order; only an explicit
// decline stops the invocation there, with the decline surfaced on the
// report. A handler error, a timeout included, is recorded against its
// plugin and the remaining handlers still run. Notification hooks fan
// out across a bounded pool: a failing or slow handler is recorded but
// never prevents the remaining handlers from running. Panicking
// handlers are contained the same way on both paths.
func (r *Registry) Invoke(ctx context.Context, hook string, payload map[string]interface{}) *Report {
	regs := r.Registrations(hook)
	report := &Report{Hook: hook, Outcomes: make([]HandlerOutcome, 0, len(regs))}

	if IsGating(hook) {
		for _, reg := range regs {
			outcome, ho := r.runOne(ctx, reg, payload)
			report.Outcomes = append(report.Outcomes, ho)
			if ho.Err != nil {
				// A failing handler cannot veto the operation.
				continue
			}
			if outcome != nil && outcome.Declined {
				report.Declined = true
				report.DeclinedBy = reg.PluginID
				report.DeclineReason = outcome.DeclineReason
				return report
			}
		}
		return report
	}

	outcomes := make([]HandlerOutcome, len(regs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.poolSize)
	for i, reg := range regs {
		i, reg := i, reg
		g.Go(func() error {
			_, outcomes[i] = r.runOne(gctx, reg, payload)
			return nil // notification failures never cancel siblings
		})
	}
	g.Wait() //nolint:errcheck // goroutines always return nil
	report.Outcomes = outcomes
	return report
}

// runOne executes a single handler, converting a panic into a handler
// error so one misbehaving handler cannot take down the invocation.
func (r *Registry) runOne(ctx context.Context, reg Registration, payload map[string]interface{}) (outcome *sandbox.Outcome, ho HandlerOutcome) {
	ho = HandlerOutcome{PluginID: reg.PluginID, Handler: reg.Handler}
	defer func() {
		if err := observability.MustRecover(recover()); err != nil {
			r.log.WithField("plugin_id", reg.PluginID).
				WithField("handler", reg.Handler).
				Error("Hook handler panicked")
			outcome = nil
			ho.Err = err
		}
	}()
	res, err := r.runner.RunHandler(ctx, reg.PluginID, reg.Handler, payload)
	ho.Err = err
	if res != nil {
		ho.Value = res.Value
		ho.Duration = res.Duration
	}
	return res, ho
}

// Package manager owns the per-plugin lifecycle state machine and
// orchestrates the validator, dependency resolver, permission manager,
// hook registry, and sandbox executor. It is the only component exposed
// to the host application.
//
// States: Discovered -> Installed -> Active <-> Inactive -> Uninstalled,
// plus an absorbing Error state reachable from any in-progress
// transition. Every transition on a given identifier is serialized by a
// per-identifier lock; operations on distinct identifiers proceed
// concurrently. A counting semaphore bounds simultaneously active
// plugins.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gantryio/gantry/pkg/dependencies"
	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/hooks"
	"github.com/gantryio/gantry/pkg/loader"
	"github.com/gantryio/gantry/pkg/manifest"
	"github.com/gantryio/gantry/pkg/observability"
	"github.com/gantryio/gantry/pkg/permissions"
	"github.com/gantryio/gantry/pkg/sandbox"
	"github.com/gantryio/gantry/pkg/security"
	"github.com/gantryio/gantry/pkg/storage"
)

// Lifecycle states persisted on a plugin record.
const (
	StateDiscovered  = "discovered"
	StateInstalled   = "installed"
	StateActive      = "active"
	StateInactive    = "inactive"
	StateUninstalled = "uninstalled"
	StateError       = "error"
)

// Options controls data retention for uninstall and update.
type Options struct {
	// PreserveData keeps the plugin-owned data area.
	PreserveData bool
}

// UpdateOptions controls an update.
type UpdateOptions struct {
	// PreserveData keeps the plugin-owned data area across the swap.
	PreserveData bool

	// Source overrides where the new version is fetched from. Nil means
	// the registry.
	Source *loader.Source
}

// Config parameterizes a Manager.
type Config struct {
	// MaxConcurrentPlugins bounds simultaneously active plugins.
	MaxConcurrentPlugins int

	// HookPoolSize bounds concurrent handler execution for notification
	// hooks.
	HookPoolSize int

	// Budget is the per-invocation resource budget.
	Budget sandbox.Budget

	// Ceilings are the host capability policy ceilings.
	Ceilings permissions.Ceilings
}

// DefaultConfig returns a usable default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentPlugins: 32,
		HookPoolSize:         8,
		Budget:               sandbox.DefaultBudget(),
		Ceilings:             permissions.DefaultCeilings(),
	}
}

// activePlugin is the in-memory runtime state of one Active plugin.
type activePlugin struct {
	rec      *storage.Record
	manifest *manifest.Manifest
	unit     *sandbox.Unit
	token    *permissions.Token
	config   map[string]interface{}

	statsMu sync.Mutex
}

// Manager drives plugin lifecycles.
type Manager struct {
	store     storage.Store
	loader    *loader.Loader
	validator *security.Validator
	executor  *sandbox.Executor
	hooks     *hooks.Registry
	ceilings  permissions.Ceilings
	budget    sandbox.Budget

	sem       *semaphore.Weighted
	maxActive int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	activeMu sync.RWMutex
	active   map[string]*activePlugin

	bus     eventBus
	log     *observability.Logger
	metrics *observability.Metrics
}

// New creates a Manager. metrics may be nil.
func New(store storage.Store, ldr *loader.Loader, validator *security.Validator, cfg Config, log *observability.Logger, metrics *observability.Metrics) *Manager {
	if cfg.MaxConcurrentPlugins < 1 {
		cfg.MaxConcurrentPlugins = 1
	}
	if cfg.Budget.Timeout <= 0 {
		cfg.Budget = sandbox.DefaultBudget()
	}
	if log == nil {
		log = observability.NewLogger(observability.InfoLevel, nil)
	}

	m := &Manager{
		store:     store,
		loader:    ldr,
		validator: validator,
		ceilings:  cfg.Ceilings,
		budget:    cfg.Budget,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentPlugins)),
		maxActive: int64(cfg.MaxConcurrentPlugins),
		locks:     make(map[string]*sync.Mutex),
		active:    make(map[string]*activePlugin),
		log:       log,
		metrics:   metrics,
	}

	m.executor = sandbox.NewExecutor()
	m.executor.LogFn = func(pluginID, msg string) {
		log.WithPlugin(pluginID).Info(msg)
	}
	m.hooks = hooks.NewRegistry(m, cfg.HookPoolSize, log)

	return m
}

// Hooks returns the hook registry; the host event surface calls
// Invoke on it directly.
func (m *Manager) Hooks() *hooks.Registry {
	return m.hooks
}

// InvokeHook runs a hook through the registry and records hook-level
// metrics. Hosts that do not need metrics can call Hooks().Invoke
// directly.
func (m *Manager) InvokeHook(ctx context.Context, hook string, payload map[string]interface{}) *hooks.Report {
	report := m.hooks.Invoke(ctx, hook, payload)
	if m.metrics != nil {
		m.metrics.HookInvocationsTotal.WithLabelValues(hook).Inc()
		if report.Declined {
			m.metrics.HookDeclinesTotal.WithLabelValues(hook, report.DeclinedBy).Inc()
		}
		for _, o := range report.Outcomes {
			m.metrics.HandlerDuration.WithLabelValues(hook, o.PluginID).Observe(o.Duration.Seconds())
		}
	}
	return report
}

// Subscribe registers a listener for lifecycle and execution events.
func (m *Manager) Subscribe(fn Listener) {
	m.bus.subscribe(fn)
}

// lockFor returns the per-identifier transition lock.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) transition(op, outcome string) {
	if m.metrics != nil {
		m.metrics.LifecycleTransitionsTotal.WithLabelValues(op, outcome).Inc()
	}
}

// Discover records a locally found plugin bundle in Discovered state.
// Existing records are left untouched. Wired to the loader's directory
// watcher.
func (m *Manager) Discover(ctx context.Context, mf *manifest.Manifest, artifact []byte) error {
	lock := m.lockFor(mf.Identifier)
	lock.Lock()
	defer lock.Unlock()

	if _, _, _, err := m.store.Load(ctx, mf.Identifier); err == nil {
		return nil
	}

	now := time.Now()
	rec := &storage.Record{
		ID:          mf.Identifier,
		Version:     mf.Version,
		State:       StateDiscovered,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if err := m.store.Save(ctx, rec, mf, artifact); err != nil {
		return err
	}
	m.log.WithPlugin(mf.Identifier).WithField("version", mf.Version).Info("Plugin discovered")
	return nil
}

// Install fetches, validates, resolves, and persists a plugin, leaving
// it in Installed state. No existing record is mutated on failure.
// Idempotent per identifier+version.
func (m *Manager) Install(ctx context.Context, src loader.Source) (*storage.Record, error) {
	mf, artifact, err := m.loader.Fetch(ctx, src)
	if err != nil {
		m.transition("install", "error")
		return nil, err
	}

	lock := m.lockFor(mf.Identifier)
	lock.Lock()
	defer lock.Unlock()

	existing, _, _, loadErr := m.store.Load(ctx, mf.Identifier)
	if loadErr == nil {
		switch {
		case existing.State == StateDiscovered:
			// Discovered records are promoted by install below.
		case existing.Version == mf.Version:
			// Same identifier+version already installed.
			return existing, nil
		default:
			m.transition("install", "error")
			return nil, &errdefs.LifecycleError{PluginID: mf.Identifier, State: existing.State, Op: "install a different version (use update)"}
		}
	}

	if result := m.validator.Validate(mf, artifact); !result.Valid {
		m.transition("install", "error")
		return nil, result.Err(mf.Identifier)
	}

	installed, err := m.installedManifests(ctx, mf.Identifier)
	if err != nil {
		m.transition("install", "error")
		return nil, err
	}
	order, err := dependencies.Resolve(installed, mf)
	if err != nil {
		m.transition("install", "error")
		return nil, err
	}

	now := time.Now()
	rec := &storage.Record{
		ID:          mf.Identifier,
		Version:     mf.Version,
		State:       StateInstalled,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if existing != nil && existing.State == StateDiscovered {
		rec.InstalledAt = existing.InstalledAt
		rec.Stats = existing.Stats
	}
	if err := m.store.Save(ctx, rec, mf, artifact); err != nil {
		m.transition("install", "error")
		return nil, fmt.Errorf("failed to persist plugin %s: %w", mf.Identifier, err)
	}

	m.transition("install", "success")
	if m.metrics != nil {
		m.metrics.InstalledPlugins.Inc()
	}
	m.log.WithPlugin(mf.Identifier).WithFields(map[string]interface{}{
		"version": mf.Version,
		"order":   order,
	}).Info("Plugin installed")
	m.bus.emit(m.log, Event{Name: EventInstalled, PluginID: mf.Identifier})
	m.hooks.Invoke(ctx, hooks.PluginInstall, map[string]interface{}{
		"plugin_id": mf.Identifier,
		"version":   mf.Version,
	})

	return rec, nil
}

// installedManifests returns the manifests of all persisted plugins,
// excluding the given identifier and records already uninstalled.
func (m *Manager) installedManifests(ctx context.Context, exclude string) ([]*manifest.Manifest, error) {
	all, err := m.store.Manifests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load installed manifests: %w", err)
	}
	kept := all[:0]
	for _, mf := range all {
		if mf.Identifier != exclude {
			kept = append(kept, mf)
		}
	}
	return kept, nil
}

// Activate derives a capability token, registers the plugin's hooks,
// and runs its initialize entry point. A failure rolls the registrations
// back and leaves the record in Error; no partial activation survives.
func (m *Manager) Activate(ctx context.Context, id string, config map[string]interface{}) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	return m.activateLocked(ctx, id, config)
}

func (m *Manager) activateLocked(ctx context.Context, id string, config map[string]interface{}) error {
	rec, mf, artifact, err := m.store.Load(ctx, id)
	if err != nil {
		m.transition("activate", "error")
		return fmt.Errorf("plugin %s: %w", id, err)
	}
	if rec.State != StateInstalled && rec.State != StateInactive {
		m.transition("activate", "error")
		return &errdefs.LifecycleError{PluginID: id, State: rec.State, Op: "activate"}
	}

	if !m.sem.TryAcquire(1) {
		m.transition("activate", "error")
		return &errdefs.ResourceLimitError{PluginID: id, Resource: "active-plugins", Limit: m.maxActive}
	}
	acquired := true
	defer func() {
		if acquired {
			m.sem.Release(1)
		}
	}()

	merged, ferrs := manifest.ValidateConfig(mf, config)
	if manifest.HasBlockingErrors(ferrs) {
		m.transition("activate", "error")
		return &errdefs.ValidationError{PluginID: id, Errors: ferrs}
	}

	token, err := permissions.Intersect(id, permissions.FromManifest(mf.Permissions), m.ceilings)
	if err != nil {
		m.transition("activate", "error")
		return err
	}

	unit, err := m.loader.Unit(id, mf.Version, artifact)
	if err != nil {
		m.failActivation(ctx, rec, token, err)
		return err
	}

	m.registerHooks(mf)

	ap := &activePlugin{
		rec:      rec,
		manifest: mf,
		unit:     unit,
		token:    token,
		config:   merged,
	}
	m.activeMu.Lock()
	m.active[id] = ap
	m.activeMu.Unlock()

	_, err = m.executor.Invoke(ctx, sandbox.Invocation{
		Unit:     unit,
		Token:    token,
		Budget:   m.budget,
		Function: "initialize",
		Optional: true,
		Payload:  map[string]interface{}{"config": merged},
		Data:     m.store.Data(id),
	})
	if err != nil {
		m.hooks.UnregisterAll(id)
		m.activeMu.Lock()
		delete(m.active, id)
		m.activeMu.Unlock()
		m.failActivation(ctx, rec, token, err)
		return err
	}

	now := time.Now()
	rec.State = StateActive
	rec.ActivatedAt = &now
	rec.UpdatedAt = now
	rec.Stats.Activations++
	rec.LastError = ""
	if err := m.store.SaveRecord(ctx, rec); err != nil {
		m.log.WithPlugin(id).WithError(err).Warn("Failed to persist activation")
	}

	acquired = false // held until deactivation
	m.transition("activate", "success")
	if m.metrics != nil {
		m.metrics.ActivePlugins.Inc()
	}
	m.log.WithPlugin(id).WithField("version", rec.Version).Info("Plugin activated")
	m.bus.emit(m.log, Event{Name: EventActivated, PluginID: id})
	return nil
}

// failActivation rolls a failed activation into the Error state.
func (m *Manager) failActivation(ctx context.Context, rec *storage.Record, token *permissions.Token, cause error) {
	if token != nil {
		token.Revoke()
	}
	rec.State = StateError
	rec.LastError = cause.Error()
	rec.UpdatedAt = time.Now()
	if err := m.store.SaveRecord(ctx, rec); err != nil {
		m.log.WithPlugin(rec.ID).WithError(err).Warn("Failed to persist error state")
	}
	m.transition("activate", "error")
	m.log.WithPlugin(rec.ID).WithError(cause).Error("Plugin activation failed")
	m.bus.emit(m.log, Event{Name: EventActivationError, PluginID: rec.ID, Error: cause.Error()})
}

// registerHooks registers the manifest's hook bindings in a stable
// order so ties on priority break by hook name deterministically.
func (m *Manager) registerHooks(mf *manifest.Manifest) {
	names := make([]string, 0, len(mf.Hooks))
	for name := range mf.Hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		priority := 100
		if p, ok := mf.HookPriorities[name]; ok {
			priority = p
		}
		m.hooks.Register(name, mf.Identifier, mf.Hooks[name], priority)
	}
}

// Deactivate unregisters the plugin's hooks, runs cleanup best-effort,
// revokes its token, and transitions it to Inactive.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	return m.deactivateLocked(ctx, id)
}

func (m *Manager) deactivateLocked(ctx context.Context, id string) error {
	m.activeMu.Lock()
	ap, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.activeMu.Unlock()

	if !ok {
		state := StateUninstalled
		if rec, _, _, err := m.store.Load(ctx, id); err == nil {
			state = rec.State
		}
		m.transition("deactivate", "error")
		return &errdefs.LifecycleError{PluginID: id, State: state, Op: "deactivate"}
	}

	removed := m.hooks.UnregisterAll(id)

	// Cleanup runs before the token is revoked; its failure is logged,
	// never fatal.
	if _, err := m.executor.Invoke(ctx, sandbox.Invocation{
		Unit:     ap.unit,
		Token:    ap.token,
		Budget:   m.budget,
		Function: "cleanup",
		Optional: true,
		Data:     m.store.Data(id),
	}); err != nil {
		m.log.WithPlugin(id).WithError(err).Warn("Plugin cleanup failed")
	}

	ap.token.Revoke()
	m.sem.Release(1)

	ap.statsMu.Lock()
	rec := ap.rec
	ap.statsMu.Unlock()

	rec.State = StateInactive
	rec.UpdatedAt = time.Now()
	if err := m.store.SaveRecord(ctx, rec); err != nil {
		m.log.WithPlugin(id).WithError(err).Warn("Failed to persist deactivation")
	}

	m.transition("deactivate", "success")
	if m.metrics != nil {
		m.metrics.ActivePlugins.Dec()
	}
	m.log.WithPlugin(id).WithField("hooks_removed", removed).Info("Plugin deactivated")
	m.bus.emit(m.log, Event{Name: EventDeactivated, PluginID: id})
	return nil
}

// Update re-runs install-time validation and resolution for the new
// version, swaps the artifact, and reactivates if the plugin was
// Active. A failed swap leaves the plugin in Error with the prior
// version's artifact retained for rollback.
func (m *Manager) Update(ctx context.Context, id, newVersion string, opts UpdateOptions) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, _, _, err := m.store.Load(ctx, id)
	if err != nil {
		m.transition("update", "error")
		return fmt.Errorf("plugin %s: %w", id, err)
	}
	if rec.State == StateUninstalled || rec.State == StateDiscovered {
		m.transition("update", "error")
		return &errdefs.LifecycleError{PluginID: id, State: rec.State, Op: "update"}
	}

	src := loader.Source{Kind: loader.SourceRegistry, ID: id, Version: newVersion}
	if opts.Source != nil {
		src = *opts.Source
	}
	newMf, artifact, err := m.loader.Fetch(ctx, src)
	if err != nil {
		m.transition("update", "error")
		return err
	}
	if newMf.Identifier != id {
		m.transition("update", "error")
		return fmt.Errorf("update source for %s contains manifest for %s", id, newMf.Identifier)
	}
	if newVersion != "" && newMf.Version != newVersion {
		m.transition("update", "error")
		return fmt.Errorf("update source for %s is version %s, want %s", id, newMf.Version, newVersion)
	}

	if result := m.validator.Validate(newMf, artifact); !result.Valid {
		m.transition("update", "error")
		return result.Err(id)
	}

	// Resolve against the installed set excluding the plugin being
	// updated.
	others, err := m.installedManifests(ctx, id)
	if err != nil {
		m.transition("update", "error")
		return err
	}
	if _, err := dependencies.Resolve(others, newMf); err != nil {
		m.transition("update", "error")
		return err
	}

	wasActive := rec.State == StateActive
	var priorConfig map[string]interface{}
	if wasActive {
		m.activeMu.RLock()
		if ap := m.active[id]; ap != nil {
			priorConfig = ap.config
		}
		m.activeMu.RUnlock()
		if err := m.deactivateLocked(ctx, id); err != nil {
			m.transition("update", "error")
			return err
		}
		// Reload: deactivation persisted fresher usage counters.
		rec, _, _, err = m.store.Load(ctx, id)
		if err != nil {
			m.transition("update", "error")
			return fmt.Errorf("plugin %s: %w", id, err)
		}
	}

	if !opts.PreserveData {
		if err := m.store.PurgeData(ctx, id); err != nil {
			m.transition("update", "error")
			return err
		}
	}

	priorVersion := rec.Version
	rec.PriorVersion = priorVersion
	rec.Version = newMf.Version
	rec.State = StateInstalled
	rec.UpdatedAt = time.Now()
	rec.LastError = ""
	if err := m.store.Save(ctx, rec, newMf, artifact); err != nil {
		rec.State = StateError
		rec.LastError = err.Error()
		_ = m.store.SaveRecord(ctx, rec)
		m.transition("update", "error")
		return fmt.Errorf("failed to persist update of %s: %w", id, err)
	}
	m.loader.Evict(id)

	if wasActive {
		if err := m.activateLocked(ctx, id, priorConfig); err != nil {
			// Record is already in Error via failActivation; the prior
			// version's artifact remains retained in storage.
			m.transition("update", "error")
			return err
		}
	}

	m.transition("update", "success")
	m.log.WithPlugin(id).WithFields(map[string]interface{}{
		"from": priorVersion,
		"to":   newMf.Version,
	}).Info("Plugin updated")
	m.bus.emit(m.log, Event{Name: EventUpdated, PluginID: id})
	m.hooks.Invoke(ctx, hooks.PluginUpdate, map[string]interface{}{
		"plugin_id": id,
		"from":      priorVersion,
		"to":        newMf.Version,
	})
	return nil
}

// Uninstall removes a plugin. An Active plugin is deactivated first.
// Plugin-owned data is purged unless opts.PreserveData is set.
func (m *Manager) Uninstall(ctx context.Context, id string, opts Options) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, _, _, err := m.store.Load(ctx, id)
	if err != nil {
		m.transition("uninstall", "error")
		return fmt.Errorf("plugin %s: %w", id, err)
	}

	if rec.State == StateActive {
		if err := m.deactivateLocked(ctx, id); err != nil {
			m.transition("uninstall", "error")
			return err
		}
	}

	// Installed plugins may still depend on this one; surfaced as a
	// warning since their next activation will fail resolution anyway.
	if others, err := m.installedManifests(ctx, id); err == nil {
		if dependents := dependencies.Dependents(id, others); len(dependents) > 0 {
			m.log.WithPlugin(id).WithField("dependents", dependents).Warn("Uninstalling a plugin other plugins depend on")
		}
	}

	if err := m.store.Delete(ctx, id, opts.PreserveData); err != nil {
		m.transition("uninstall", "error")
		return fmt.Errorf("failed to delete plugin %s: %w", id, err)
	}
	m.loader.Evict(id)

	m.transition("uninstall", "success")
	// Discovered records were never counted as installed.
	if m.metrics != nil && rec.State != StateDiscovered {
		m.metrics.InstalledPlugins.Dec()
	}
	m.log.WithPlugin(id).WithField("preserve_data", opts.PreserveData).Info("Plugin uninstalled")
	m.bus.emit(m.log, Event{Name: EventUninstalled, PluginID: id})
	return nil
}

// Get returns the plugin's record with live usage counters merged in.
func (m *Manager) Get(ctx context.Context, id string) (*storage.Record, error) {
	m.activeMu.RLock()
	ap := m.active[id]
	m.activeMu.RUnlock()
	if ap != nil {
		ap.statsMu.Lock()
		rec := *ap.rec
		ap.statsMu.Unlock()
		return &rec, nil
	}

	rec, _, _, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", id, err)
	}
	return rec, nil
}

// List returns every plugin record.
func (m *Manager) List(ctx context.Context) ([]*storage.Record, error) {
	return m.store.List(ctx)
}

// FlushStats persists the usage counters of every active plugin.
func (m *Manager) FlushStats(ctx context.Context) error {
	m.activeMu.RLock()
	plugins := make([]*activePlugin, 0, len(m.active))
	for _, ap := range m.active {
		plugins = append(plugins, ap)
	}
	m.activeMu.RUnlock()

	var firstErr error
	for _, ap := range plugins {
		ap.statsMu.Lock()
		rec := *ap.rec
		ap.statsMu.Unlock()
		if err := m.store.SaveRecord(ctx, &rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown invokes the appShutdown hook, then deactivates every active
// plugin and flushes their counters.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.hooks.Invoke(ctx, hooks.AppShutdown, nil)

	m.activeMu.RLock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.activeMu.RUnlock()
	sort.Strings(ids)

	var firstErr error
	for _, id := range ids {
		if err := m.Deactivate(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

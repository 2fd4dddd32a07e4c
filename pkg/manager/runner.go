package manager

import (
	"context"
	"time"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/sandbox"
)

// RunHandler executes one registered hook handler for the hook registry.
// It accounts every invocation against the owning plugin's usage
// counters; a failure is recorded, never propagated as fatal.
func (m *Manager) RunHandler(ctx context.Context, pluginID, handler string, payload map[string]interface{}) (*sandbox.Outcome, error) {
	m.activeMu.RLock()
	ap := m.active[pluginID]
	m.activeMu.RUnlock()

	if ap == nil {
		return nil, &errdefs.LifecycleError{PluginID: pluginID, State: StateInactive, Op: "invoke handler"}
	}

	start := time.Now()
	outcome, err := m.executor.Invoke(ctx, sandbox.Invocation{
		Unit:     ap.unit,
		Token:    ap.token,
		Budget:   m.budget,
		Function: handler,
		Payload:  payload,
		Data:     m.store.Data(pluginID),
	})
	duration := time.Since(start)

	m.recordInvocation(ap, duration, err)

	if m.metrics != nil && err != nil {
		m.metrics.SandboxErrorsTotal.WithLabelValues(pluginID, errorKind(err)).Inc()
	}

	m.bus.emit(m.log, Event{
		Name:     EventExecuted,
		PluginID: pluginID,
		Function: handler,
		Duration: duration,
	})

	return outcome, err
}

// recordInvocation folds one invocation into the plugin's counters.
func (m *Manager) recordInvocation(ap *activePlugin, duration time.Duration, err error) {
	ap.statsMu.Lock()
	defer ap.statsMu.Unlock()

	stats := &ap.rec.Stats
	stats.Invocations++
	if err != nil {
		stats.Errors++
	}

	ms := float64(duration.Microseconds()) / 1000.0
	stats.TotalRuntimeMS += duration.Milliseconds()
	if stats.MinLatencyMS == 0 || ms < stats.MinLatencyMS {
		stats.MinLatencyMS = ms
	}
	if ms > stats.MaxLatencyMS {
		stats.MaxLatencyMS = ms
	}
	// Running average over all invocations, including failed ones.
	stats.AvgLatencyMS += (ms - stats.AvgLatencyMS) / float64(stats.Invocations)
}

// errorKind maps a taxonomy error to a metric label.
func errorKind(err error) string {
	switch {
	case errdefs.IsTimeout(err):
		return "timeout"
	case errdefs.IsResourceLimit(err):
		return "resource_limit"
	case errdefs.IsPermissionDenied(err):
		return "permission_denied"
	case errdefs.IsExecution(err):
		return "execution"
	case errdefs.IsLifecycle(err):
		return "lifecycle"
	default:
		return "other"
	}
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/permissions"
)

// Executor runs bounded invocations of loaded units. It is stateless
// across invocations: every call gets a fresh hardened Lua state, so a
// failed call cannot corrupt state seen by other plugins or by later
// invocations of the same plugin.
type Executor struct {
	// Client performs sandboxed HTTP requests. Defaults to a client with
	// a conservative timeout.
	Client *http.Client

	// LogFn receives plugin log output. Nil discards it.
	LogFn func(pluginID, msg string)
}

// NewExecutor creates an executor with defaults.
func NewExecutor() *Executor {
	return &Executor{
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Invocation describes one bounded call into plugin code.
type Invocation struct {
	Unit   *Unit
	Token  *permissions.Token
	Budget Budget

	// Function is the global to call after the chunk runs. Empty runs the
	// chunk only (load check).
	Function string

	// Optional marks entry points that may be absent (initialize,
	// cleanup). A missing optional function is a successful no-op.
	Optional bool

	Payload map[string]interface{}

	// Data is the plugin-owned data area, already scoped to the plugin.
	Data KVStore
}

// Outcome is the result of a completed invocation.
type Outcome struct {
	PluginID string
	Function string
	Value    interface{}
	Duration time.Duration

	// Declined is set when a gating handler explicitly refused the
	// operation (returned false, or a table with allow=false).
	Declined      bool
	DeclineReason string
}

// Invoke executes one bounded call. The returned error, if any, is always
// one of the errdefs taxonomy types.
func (e *Executor) Invoke(ctx context.Context, inv Invocation) (outcome *Outcome, err error) {
	start := time.Now()
	pluginID := inv.Unit.PluginID
	fnName := inv.Function
	if fnName == "" {
		fnName = "load"
	}

	if inv.Token == nil || inv.Token.Revoked() {
		return nil, &errdefs.PermissionDeniedError{
			PluginID:   pluginID,
			Violations: []string{"capability token revoked"},
		}
	}

	budget := inv.Budget
	if budget.Timeout <= 0 {
		budget = DefaultBudget()
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = &errdefs.ExecutionError{
				PluginID: pluginID,
				Function: fnName,
				Message:  fmt.Sprintf("runtime panic: %v", r),
			}
		}
	}()

	mon := newMonitor(budget)
	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: budget.Timeout}
	}

	L := lua.NewState()
	defer L.Close()

	callCtx, cancel := context.WithTimeout(ctx, budget.Timeout)
	defer cancel()
	L.SetContext(callCtx)

	harden(L)
	installHostAPI(L, &hostEnv{
		token:   inv.Token,
		monitor: mon,
		kv:      inv.Data,
		client:  client,
		logFn:   e.LogFn,
	})

	// Run the chunk so the plugin's globals are defined.
	L.Push(L.NewFunctionFromProto(inv.Unit.proto))
	if perr := L.PCall(0, lua.MultRet, nil); perr != nil {
		return nil, e.classify(pluginID, fnName, budget, mon, callCtx, perr)
	}
	L.SetTop(0)

	value := interface{}(nil)
	declined := false
	declineReason := ""

	if inv.Function != "" {
		fn := L.GetGlobal(inv.Function)
		if fn.Type() != lua.LTFunction {
			if inv.Optional {
				return &Outcome{
					PluginID: pluginID,
					Function: fnName,
					Duration: time.Since(start),
				}, nil
			}
			return nil, &errdefs.ExecutionError{
				PluginID: pluginID,
				Function: fnName,
				Message:  fmt.Sprintf("function %q is not defined", inv.Function),
			}
		}

		L.Push(fn)
		nargs := 0
		if inv.Payload != nil {
			L.Push(toLValue(L, mapToIface(inv.Payload)))
			nargs = 1
		}
		if perr := L.PCall(nargs, 1, nil); perr != nil {
			return nil, e.classify(pluginID, fnName, budget, mon, callCtx, perr)
		}
		ret := L.Get(-1)
		L.Pop(1)
		value = fromLValue(ret)
		declined, declineReason = detectDecline(ret)
	}

	if resource, tripped := mon.tripped(); tripped {
		return nil, &errdefs.ResourceLimitError{
			PluginID: pluginID,
			Resource: resource,
			Limit:    budget.MemoryLimit,
		}
	}

	return &Outcome{
		PluginID:      pluginID,
		Function:      fnName,
		Value:         value,
		Duration:      time.Since(start),
		Declined:      declined,
		DeclineReason: declineReason,
	}, nil
}

// classify maps a raw Lua error to the taxonomy. Order matters: a timeout
// cancels the state mid-call and surfaces as a generic Lua error, so the
// context is checked first.
func (e *Executor) classify(pluginID, fn string, budget Budget, mon *monitor, ctx context.Context, perr error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &errdefs.TimeoutError{PluginID: pluginID, Function: fn, Budget: budget.Timeout}
	}
	if resource, tripped := mon.tripped(); tripped {
		return &errdefs.ResourceLimitError{PluginID: pluginID, Resource: resource, Limit: budget.MemoryLimit}
	}

	msg := perr.Error()
	var apiErr *lua.ApiError
	if errors.As(perr, &apiErr) {
		msg = lua.LVAsString(apiErr.Object)
		if msg == "" {
			msg = apiErr.Error()
		}
	}
	if idx := strings.Index(msg, permissionDeniedPrefix); idx >= 0 {
		return &errdefs.PermissionDeniedError{
			PluginID:   pluginID,
			Violations: []string{msg[idx+len(permissionDeniedPrefix):]},
		}
	}
	if strings.Contains(msg, "resource limit exceeded") {
		return &errdefs.ResourceLimitError{PluginID: pluginID, Resource: "memory", Limit: budget.MemoryLimit}
	}
	return &errdefs.ExecutionError{PluginID: pluginID, Function: fn, Message: msg}
}

// detectDecline interprets a gating handler's return value.
func detectDecline(ret lua.LValue) (bool, string) {
	switch v := ret.(type) {
	case lua.LBool:
		return !bool(v), ""
	case *lua.LTable:
		allow := v.RawGetString("allow")
		if allow == lua.LFalse {
			reason := ""
			if r, ok := v.RawGetString("reason").(lua.LString); ok {
				reason = string(r)
			}
			return true, reason
		}
	}
	return false, ""
}

func mapToIface(m map[string]interface{}) interface{} {
	return m
}

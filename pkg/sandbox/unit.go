// Package sandbox executes plugin code inside a restricted Lua state under
// a capability token and a resource budget. One invocation either returns a
// value within budget, is terminated at the timeout, trips a resource
// ceiling, or surfaces the plugin's own fault; no outcome is ever allowed
// to destabilize the host or other plugins.
package sandbox

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Unit is a loaded, compiled plugin program. Compilation happens once per
// install; each invocation instantiates the compiled chunk in a fresh state
// so invocations cannot corrupt each other.
type Unit struct {
	PluginID string
	proto    *lua.FunctionProto
	size     int64
}

// Compile parses and compiles plugin source into a Unit.
func Compile(pluginID string, source []byte) (*Unit, error) {
	chunk, err := parse.Parse(strings.NewReader(string(source)), pluginID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plugin %s: %w", pluginID, err)
	}
	proto, err := lua.Compile(chunk, pluginID)
	if err != nil {
		return nil, fmt.Errorf("failed to compile plugin %s: %w", pluginID, err)
	}
	return &Unit{
		PluginID: pluginID,
		proto:    proto,
		size:     int64(len(source)),
	}, nil
}

// Size returns the source size in bytes.
func (u *Unit) Size() int64 {
	return u.size
}

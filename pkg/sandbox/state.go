package sandbox

import (
	"io"
	"net/http"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/gantryio/gantry/pkg/permissions"
)

// permissionDeniedPrefix marks Lua errors raised by capability checks so
// the executor can map them back to the error taxonomy.
const permissionDeniedPrefix = "permission denied: "

// KVStore is the plugin-owned data area exposed to sandboxed code. Keys
// are scoped to the owning plugin by the storage collaborator.
type KVStore interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// hostEnv is everything a single invocation's host API surface needs.
type hostEnv struct {
	token   *permissions.Token
	monitor *monitor
	kv      KVStore
	client  *http.Client
	logFn   func(pluginID, msg string)
}

// harden strips the functions plugin code could use to escape the sandbox
// and disables loading modules from disk.
func harden(L *lua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	// Replace os/io wholesale. Capability-gated alternatives live on the
	// gantry table.
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("debug", lua.LNil)

	pkg := L.GetGlobal("package")
	if pkgTable, ok := pkg.(*lua.LTable); ok {
		L.SetField(pkgTable, "path", lua.LString(""))
		L.SetField(pkgTable, "cpath", lua.LString(""))
	}
}

// installHostAPI builds the gantry table: every function consults the
// capability token before touching host resources.
func installHostAPI(L *lua.LState, env *hostEnv) {
	root := L.NewTable()

	L.SetField(root, "log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if env.monitor.budget.MaxLogSize > 0 && int64(len(msg)) > env.monitor.budget.MaxLogSize {
			msg = msg[:env.monitor.budget.MaxLogSize]
		}
		if !env.monitor.addBytes(int64(len(msg))) {
			L.RaiseError("resource limit exceeded: memory")
		}
		if env.logFn != nil {
			env.logFn(env.token.PluginID, msg)
		}
		return 0
	}))

	fs := L.NewTable()
	L.SetField(fs, "read", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		if !env.token.AllowsPath(path) {
			L.RaiseError(permissionDeniedPrefix+"filesystem path %q not granted", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		if !env.monitor.addBytes(int64(len(data))) {
			L.RaiseError("resource limit exceeded: memory")
		}
		L.Push(lua.LString(data))
		return 1
	}))
	L.SetField(fs, "write", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		content := L.CheckString(2)
		if !env.token.AllowsPath(path) {
			L.RaiseError(permissionDeniedPrefix+"filesystem path %q not granted", path)
		}
		if !env.monitor.addBytes(int64(len(content))) {
			L.RaiseError("resource limit exceeded: memory")
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))
	L.SetField(root, "fs", fs)

	httpTbl := L.NewTable()
	L.SetField(httpTbl, "get", L.NewFunction(func(L *lua.LState) int {
		rawURL := L.CheckString(1)
		req, err := http.NewRequestWithContext(L.Context(), http.MethodGet, rawURL, nil)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		if !env.token.AllowsHost(req.URL.Host) {
			L.RaiseError(permissionDeniedPrefix+"network host %q not granted", req.URL.Host)
		}
		resp, err := env.client.Do(req)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		defer resp.Body.Close()
		limit := env.monitor.budget.MemoryLimit
		if limit <= 0 {
			limit = 10 * 1024 * 1024
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		if !env.monitor.addBytes(int64(len(body))) {
			L.RaiseError("resource limit exceeded: memory")
		}
		result := L.NewTable()
		result.RawSetString("status", lua.LNumber(resp.StatusCode))
		result.RawSetString("body", lua.LString(body))
		L.Push(result)
		return 1
	}))
	L.SetField(root, "http", httpTbl)

	kv := L.NewTable()
	L.SetField(kv, "get", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		if !env.token.AllowsDatabase(permissions.DatabaseRead) {
			L.RaiseError(permissionDeniedPrefix + "database read not granted")
		}
		if env.kv == nil {
			L.Push(lua.LNil)
			return 1
		}
		value, err := env.kv.Get(key)
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		if !env.monitor.addBytes(int64(len(value))) {
			L.RaiseError("resource limit exceeded: memory")
		}
		L.Push(lua.LString(value))
		return 1
	}))
	L.SetField(kv, "put", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		value := L.CheckString(2)
		if !env.token.AllowsDatabase(permissions.DatabaseWrite) {
			L.RaiseError(permissionDeniedPrefix + "database write not granted")
		}
		if !env.monitor.addBytes(int64(len(value))) {
			L.RaiseError("resource limit exceeded: memory")
		}
		if env.kv == nil {
			L.Push(lua.LFalse)
			return 1
		}
		if err := env.kv.Put(key, []byte(value)); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))
	L.SetField(kv, "delete", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		if !env.token.AllowsDatabase(permissions.DatabaseWrite) {
			L.RaiseError(permissionDeniedPrefix + "database write not granted")
		}
		if env.kv == nil {
			L.Push(lua.LFalse)
			return 1
		}
		if err := env.kv.Delete(key); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))
	L.SetField(root, "kv", kv)

	L.SetGlobal("gantry", root)
}

package sandbox

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// toLValue converts a Go value into a Lua value on the given state.
// Supported: nil, bool, numbers, string, []byte, []interface{},
// map[string]interface{}. Anything else becomes its string form.
func toLValue(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []interface{}:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, toLValue(L, item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, toLValue(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// fromLValue converts a Lua value into a plain Go value. Tables with only
// positive integer keys become slices, everything else becomes maps.
func fromLValue(v lua.LValue) interface{} {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return fromLTable(val)
	default:
		return val.String()
	}
}

func fromLTable(tbl *lua.LTable) interface{} {
	maxN := tbl.MaxN()
	if maxN > 0 {
		isArray := true
		count := 0
		tbl.ForEach(func(k, _ lua.LValue) {
			count++
			if _, ok := k.(lua.LNumber); !ok {
				isArray = false
			}
		})
		if isArray && count == maxN {
			arr := make([]interface{}, 0, maxN)
			for i := 1; i <= maxN; i++ {
				arr = append(arr, fromLValue(tbl.RawGetInt(i)))
			}
			return arr
		}
	}
	m := make(map[string]interface{})
	tbl.ForEach(func(k, v lua.LValue) {
		m[k.String()] = fromLValue(v)
	})
	return m
}

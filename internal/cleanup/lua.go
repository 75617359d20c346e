package cleanup

import (
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"storestack/pkg/domain"
)

// LuaFunction is the global a cleanup script must define. It receives an
// object table (id, entity, attributes, created_at, updated_at, age) with
// timestamps as Unix seconds, and returns true to prune.
const LuaFunction = "prune"

// LuaPredicate runs a sandboxed Lua script per object. Only the base, table,
// string and math libraries are opened.
type LuaPredicate struct {
	mu sync.Mutex
	L  *lua.LState
	fn lua.LValue
}

// Lua loads script and resolves its prune function.
func Lua(script string) (*LuaPredicate, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, open := range []lua.LGFunction{lua.OpenBase, lua.OpenTable, lua.OpenString, lua.OpenMath} {
		open(L)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("load cleanup script: %w", err)
	}
	fn := L.GetGlobal(LuaFunction)
	if fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("cleanup script must define function %q", LuaFunction)
	}
	return &LuaPredicate{L: L, fn: fn}, nil
}

// Match implements Predicate.
func (p *LuaPredicate) Match(obj domain.Object, now time.Time) (match bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	if err := p.L.CallByParam(lua.P{Fn: p.fn, NRet: 1, Protect: true}, p.objectTable(obj, now)); err != nil {
		return false, fmt.Errorf("%s(%s): %w", LuaFunction, obj.ID, err)
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)
	return lua.LVAsBool(ret), nil
}

// Close releases the Lua state.
func (p *LuaPredicate) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.L.Close()
}

func (p *LuaPredicate) objectTable(obj domain.Object, now time.Time) *lua.LTable {
	t := p.L.NewTable()
	t.RawSetString("id", lua.LString(obj.ID))
	t.RawSetString("entity", lua.LString(obj.Entity))
	t.RawSetString("attributes", p.toLua(map[string]any(obj.Attributes)))
	t.RawSetString("created_at", lua.LNumber(obj.CreatedAt.Unix()))
	t.RawSetString("updated_at", lua.LNumber(obj.UpdatedAt.Unix()))
	t.RawSetString("now", lua.LNumber(now.Unix()))
	t.RawSetString("age", lua.LNumber(now.Sub(obj.CreatedAt).Seconds()))
	return t
}

func (p *LuaPredicate) toLua(v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := p.L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, p.toLua(item))
		}
		return t
	case map[string]any:
		t := p.L.NewTable()
		for k, item := range val {
			t.RawSetString(k, p.toLua(item))
		}
		return t
	case domain.Attributes:
		return p.toLua(map[string]any(val))
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

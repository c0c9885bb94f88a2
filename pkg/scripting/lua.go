package scripting

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
)

// LuaEngine runs scripts on a single gopher-lua state. Calls are
// serialized since an LState is not safe for concurrent use.
type LuaEngine struct {
	mu     sync.Mutex
	state  *lua.LState
	config Config
	closed bool
}

var _ Engine = (*LuaEngine)(nil)

// NewLuaEngine creates a Lua engine.
func NewLuaEngine(config Config) (*LuaEngine, error) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: config.EnableSandboxing})
	if config.EnableSandboxing {
		if err := setupSandbox(L); err != nil {
			L.Close()
			return nil, errors.Wrap(err, "failed to set up Lua sandbox")
		}
	}
	registerAPIFunctions(L)

	return &LuaEngine{state: L, config: config}, nil
}

// withState runs fn holding the lock with a deadline set on the state.
func (e *LuaEngine) withState(ctx context.Context, fn func(L *lua.LState) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.Wrap(errors.ErrLuaExecution, "engine closed")
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()
	e.state.SetContext(ctx)
	defer e.state.RemoveContext()

	return fn(e.state)
}

// LoadScript implements Engine.
func (e *LuaEngine) LoadScript(name string, content []byte) error {
	err := e.withState(context.Background(), func(L *lua.LState) error {
		chunk, err := L.Load(bytes.NewReader(content), name)
		if err != nil {
			return err
		}
		L.Push(chunk)
		return L.PCall(0, 0, nil)
	})
	if err != nil {
		return fmt.Errorf("%w: load %s: %w", errors.ErrLuaExecution, name, err)
	}
	log.Debug("Loaded Lua script", "name", name, "bytes", len(content))
	return nil
}

// LoadScriptFile implements Engine.
func (e *LuaEngine) LoadScriptFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read script %s", path)
	}
	return e.LoadScript(filepath.Base(path), content)
}

// LoadScriptDir implements Engine.
func (e *LuaEngine) LoadScriptDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "failed to read script directory %s", dir)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if err := e.LoadScriptFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	log.Info("Loaded Lua scripts", "dir", dir, "count", len(names))
	return nil
}

// HasFunction implements Engine.
func (e *LuaEngine) HasFunction(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	return e.state.GetGlobal(name).Type() == lua.LTFunction
}

// ExecuteFunction implements Engine.
func (e *LuaEngine) ExecuteFunction(ctx context.Context, funcName string, args ...interface{}) (interface{}, error) {
	var result interface{}
	err := e.withState(ctx, func(L *lua.LState) error {
		fn := L.GetGlobal(funcName)
		if fn.Type() != lua.LTFunction {
			return errors.Wrap(errors.ErrNotFound, "function %s", funcName)
		}

		luaArgs := make([]lua.LValue, len(args))
		for i, arg := range args {
			luaArgs[i] = convertGoToLua(L, arg)
		}

		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, luaArgs...); err != nil {
			return err
		}
		ret := L.Get(-1)
		L.Pop(1)
		result = convertLuaToGo(ret)
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", errors.ErrLuaExecution, funcName, err)
	}
	return result, nil
}

// Close implements Engine.
func (e *LuaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.state.Close()
		e.closed = true
	}
	return nil
}

func convertGoToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []string:
		t := L.NewTable()
		for _, s := range val {
			t.Append(lua.LString(s))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for _, item := range val {
			t.Append(convertGoToLua(L, item))
		}
		return t
	case map[string]interface{}:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, convertGoToLua(L, item))
		}
		return t
	case map[string]float64:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, lua.LNumber(item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// convertLuaToGo maps numbers to float64 and tables to a slice when they
// are sequences, otherwise to a map keyed by the string form of each key.
func convertLuaToGo(v lua.LValue) interface{} {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			out := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, convertLuaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]interface{})
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = convertLuaToGo(item)
		})
		return out
	default:
		return val.String()
	}
}

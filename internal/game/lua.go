package game

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit is the opcode budget for one script call when the
// configured limit is zero.
const DefaultInstructionLimit = 100_000

// LuaEngine runs a game defined by a Lua script. The script must define two
// global functions:
//
//	initial() -> state
//	apply(state, from, to, promotion, extra) -> new_state | nil, reason
//
// States are plain strings. The VM is sandboxed (base, table, string and math
// only) and each call gets its own opcode budget.
type LuaEngine struct {
	name    string
	limit   int
	initial string

	mu sync.Mutex
	L  *lua.LState
}

// LoadLuaEngine reads a game script from path.
//
// Precondition: path names a readable Lua file.
// Postcondition: Returns a ready engine or a non-nil error.
func LoadLuaEngine(path string, instLimit int) (*LuaEngine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("game: reading lua script: %w", err)
	}
	return NewLuaEngine(filepath.Base(path), string(src), instLimit)
}

// NewLuaEngine compiles src and captures its initial state.
//
// Precondition: src defines global functions initial and apply.
// Postcondition: Returns a ready engine or a non-nil error; the VM is closed on error.
func NewLuaEngine(name, src string, instLimit int) (*LuaEngine, error) {
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}
	e := &LuaEngine{name: name, limit: instLimit, L: newSandboxedState()}

	if err := e.withBudget(func() error { return e.L.DoString(src) }); err != nil {
		e.L.Close()
		return nil, fmt.Errorf("game: loading lua script %q: %w", name, err)
	}
	for _, fn := range []string{"initial", "apply"} {
		if e.L.GetGlobal(fn).Type() != lua.LTFunction {
			e.L.Close()
			return nil, fmt.Errorf("game: lua script %q does not define %s()", name, fn)
		}
	}

	ret, err := e.call("initial", 1)
	if err != nil {
		e.L.Close()
		return nil, fmt.Errorf("game: lua script %q initial(): %w", name, err)
	}
	s, ok := ret[0].(lua.LString)
	if !ok {
		e.L.Close()
		return nil, fmt.Errorf("game: lua script %q initial() returned %s, want string", name, ret[0].Type())
	}
	e.initial = string(s)
	return e, nil
}

// Name implements Engine.
func (e *LuaEngine) Name() string { return "lua:" + e.name }

// Initial implements Engine.
func (e *LuaEngine) Initial() string { return e.initial }

// Apply implements Engine. Script errors and budget exhaustion count as rejections.
func (e *LuaEngine) Apply(state string, m Move) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	extra := e.L.NewTable()
	for k, v := range m.Extra {
		extra.RawSetString(k, lua.LString(v))
	}
	ret, err := e.call("apply", 2,
		lua.LString(state), lua.LString(m.From), lua.LString(m.To), lua.LString(m.Promotion), extra)
	if err != nil {
		return "", Reject("script error: %v", err)
	}
	if s, ok := ret[0].(lua.LString); ok {
		return string(s), nil
	}
	reason := lua.LVAsString(ret[1])
	if reason == "" {
		reason = "rejected by script"
	}
	return "", Reject("%s", reason)
}

// Close releases the VM.
func (e *LuaEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.L.Close()
}

// call invokes a global function and returns exactly nret values.
// Caller must hold e.mu or own e exclusively.
func (e *LuaEngine) call(fn string, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	err := e.withBudget(func() error {
		return e.L.CallByParam(lua.P{Fn: e.L.GetGlobal(fn), NRet: nret, Protect: true}, args...)
	})
	if err != nil {
		return nil, err
	}
	out := make([]lua.LValue, nret)
	for i := 0; i < nret; i++ {
		out[i] = e.L.Get(i - nret)
	}
	e.L.Pop(nret)
	return out, nil
}

func (e *LuaEngine) withBudget(run func() error) error {
	ctx, cancel := newCountingContext(e.limit)
	defer cancel()
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()
	return run()
}

// countingContext cancels itself once Done has been called limit times.
// GopherLua polls Done once per opcode, so this is an exact instruction budget.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining *atomic.Int64
}

func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

func newCountingContext(limit int) (context.Context, context.CancelFunc) {
	base, cancel := context.WithCancel(context.Background())
	rem := &atomic.Int64{}
	rem.Store(int64(limit))
	return &countingContext{Context: base, cancel: cancel, remaining: rem}, cancel
}

// newSandboxedState opens only the safe standard libraries and strips the
// globals that could reach the filesystem or load code.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

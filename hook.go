// Package detour hooks Go functions in the running process.
//
// A Guard owns every hook created through it. Closing the guard disables
// and removes the hooks and restores the patched code:
//
//	g, err := detour.New()
//	if err != nil {
//		return err
//	}
//	defer g.Close()
//
//	original, err := detour.CreateAndEnableHook(g, target, replacement, stub)
//
// Targets and trampolines must not be inlined; mark them //go:noinline.
package detour

import (
	"errors"
	"reflect"
	"unsafe"

	"go.uber.org/zap"

	"github.com/k2io/detour/internal/engine"
)

var (
	// ErrAlreadyInitialized means another guard is open
	ErrAlreadyInitialized = engine.ErrAlreadyInitialized
	// ErrNotInitialized means the guard is closed
	ErrNotInitialized = engine.ErrNotInitialized
	// ErrUnableToUninitialize means some hooks could not be removed on close
	ErrUnableToUninitialize = engine.ErrUnableToUninitialize
	// ErrAlreadyCreated means already hooked
	ErrAlreadyCreated = engine.ErrAlreadyCreated
	// ErrNotCreated means the hook not found
	ErrNotCreated = engine.ErrNotCreated
	// ErrEnabled means the hook is already enabled
	ErrEnabled = engine.ErrEnabled
	// ErrDisabled means the hook is not enabled
	ErrDisabled = engine.ErrDisabled
	// ErrNotExecutable means the pointer is not the entry of a function
	ErrNotExecutable = engine.ErrNotExecutable
	// ErrTransactionBegin means the code could not be made writable
	ErrTransactionBegin = engine.ErrTransactionBegin
	// ErrTransactionCommit means the code protection could not be restored
	ErrTransactionCommit = engine.ErrTransactionCommit
	// ErrUnsupportedFunction means the function cannot be hooked
	ErrUnsupportedFunction = engine.ErrUnsupportedFunction
	// ErrMemoryAlloc means the trampoline is too small
	ErrMemoryAlloc = engine.ErrMemoryAlloc
	// ErrModuleNotFound means the module symbols are not available
	ErrModuleNotFound = engine.ErrModuleNotFound
	// ErrFunctionNotFound means the symbol is not in the module
	ErrFunctionNotFound = engine.ErrFunctionNotFound

	// ErrInvalidTarget means the pointer is known to be invalid
	ErrInvalidTarget = errors.New("the specified pointer is known to be invalid")
	// ErrInputType means inputs are not func type
	ErrInputType = errors.New("inputs are not func type")
	// ErrDifferentType means target, detour and trampoline are of different types
	ErrDifferentType = errors.New("inputs are of different type")
)

// Guard initializes the hook engine and releases it on Close. Only one
// guard may be open at a time.
type Guard struct {
	s   *engine.Session
	log *zap.Logger
}

// HookInfo describes a hook registered with a guard.
type HookInfo struct {
	Name       string
	Target     uintptr
	Detour     uintptr
	Trampoline uintptr
	// Mode is "stack-checked" or "leaf".
	Mode    string
	Enabled bool
	// Queued is the state the next ApplyQueued leaves the hook in.
	Queued bool
}

// New opens a guard.
func New(opts ...Option) (*Guard, error) {
	o := options{log: zap.NewNop(), freeze: FreezeOriginal}
	for _, opt := range opts {
		opt(&o)
	}
	s, err := engine.Initialize(o.log)
	if err != nil {
		return nil, err
	}
	g := &Guard{s: s, log: o.log}
	if err := g.SetThreadFreezeMethod(o.freeze); err != nil {
		_ = s.Uninitialize()
		return nil, err
	}
	return g, nil
}

// Scope opens a guard for the duration of fn. The guard is closed even if
// fn panics; errors from fn and Close are joined.
func Scope(fn func(g *Guard) error, opts ...Option) (err error) {
	g, err := New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, g.Close())
	}()
	return fn(g)
}

// Close disables and removes all hooks. A guard that failed to close with
// ErrUnableToUninitialize is still open.
func (g *Guard) Close() error {
	err := g.s.Uninitialize()
	if err != nil && !errors.Is(err, ErrNotInitialized) {
		g.log.Warn("detour guard close failed", zap.Error(err))
	}
	return err
}

// CreateHookRaw registers a hook from raw function entry addresses. Without
// a func value the detour cannot be checked for a closure context; it must
// not need one.
func (g *Guard) CreateHookRaw(target, detour, trampoline uintptr) error {
	if target == 0 || detour == 0 || trampoline == 0 {
		return ErrInvalidTarget
	}
	return g.s.Create(target, detour, trampoline)
}

// EnableHook patches target, a func value or its uintptr entry.
func (g *Guard) EnableHook(target any) error {
	pc, err := funcAddr(target)
	if err != nil {
		return err
	}
	return g.s.Enable(pc)
}

// EnableAllHooks patches every disabled hook.
func (g *Guard) EnableAllHooks() error {
	return g.s.Enable(engine.AllHooks)
}

// DisableHook restores target.
func (g *Guard) DisableHook(target any) error {
	pc, err := funcAddr(target)
	if err != nil {
		return err
	}
	return g.s.Disable(pc)
}

// DisableAllHooks restores every enabled hook.
func (g *Guard) DisableAllHooks() error {
	return g.s.Disable(engine.AllHooks)
}

// RemoveHook disables the hook of target and gives its trampoline back.
func (g *Guard) RemoveHook(target any) error {
	pc, err := funcAddr(target)
	if err != nil {
		return err
	}
	return g.s.Remove(pc)
}

// QueueEnableHook marks target to be enabled by ApplyQueued.
func (g *Guard) QueueEnableHook(target any) error {
	pc, err := funcAddr(target)
	if err != nil {
		return err
	}
	return g.s.QueueEnable(pc)
}

// QueueDisableHook marks target to be disabled by ApplyQueued.
func (g *Guard) QueueDisableHook(target any) error {
	pc, err := funcAddr(target)
	if err != nil {
		return err
	}
	return g.s.QueueDisable(pc)
}

// ApplyQueued applies queued changes in a single transaction.
func (g *Guard) ApplyQueued() error {
	return g.s.ApplyQueued()
}

// Hooks lists the hooks of the guard by target address.
func (g *Guard) Hooks() []HookInfo {
	states := g.s.List()
	hooks := make([]HookInfo, 0, len(states))
	for _, st := range states {
		hooks = append(hooks, HookInfo{
			Name:       st.Name,
			Target:     st.Target,
			Detour:     st.Detour,
			Trampoline: st.Trampoline,
			Mode:       st.Kind.String(),
			Enabled:    st.Enabled,
			Queued:     st.QueueEnable,
		})
	}
	return hooks
}

// funcAddr returns the code pointer of a func value, or v itself for
// uintptr and unsafe.Pointer.
func funcAddr(v any) (uintptr, error) {
	switch p := v.(type) {
	case uintptr:
		if p == 0 {
			return 0, ErrInvalidTarget
		}
		return p, nil
	case unsafe.Pointer:
		if p == nil {
			return 0, ErrInvalidTarget
		}
		return uintptr(p), nil
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return 0, ErrInvalidTarget
	}
	if rv.Kind() != reflect.Func {
		return 0, ErrInputType
	}
	if rv.IsNil() {
		return 0, ErrInvalidTarget
	}
	return rv.Pointer(), nil
}

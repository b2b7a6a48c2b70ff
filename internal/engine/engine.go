// Package engine installs and removes function hooks in the running process.
//
// One Session may be active at a time. Every operation on a Session that is
// no longer the active one fails with ErrNotInitialized.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/k2io/detour/internal/prologue"
)

// AllHooks selects every hook of the session in Enable, Disable and the
// queue operations.
const AllHooks uintptr = 0

var (
	// ErrAlreadyInitialized means a session is already active
	ErrAlreadyInitialized = errors.New("hook engine is already initialized")
	// ErrNotInitialized means no session is active, or the session was closed
	ErrNotInitialized = errors.New("hook engine is not initialized yet, or already uninitialized")
	// ErrUnableToUninitialize means some hooks could not be removed
	ErrUnableToUninitialize = errors.New("hook engine can't be uninitialized due to hooks that failed to be removed")
	// ErrAlreadyCreated means the target (or trampoline) is already hooked
	ErrAlreadyCreated = errors.New("the hook for the specified target function is already created")
	// ErrNotCreated means the target is not hooked
	ErrNotCreated = errors.New("the hook for the specified target function is not created yet")
	// ErrEnabled means the hook is already enabled
	ErrEnabled = errors.New("the hook for the specified target function is already enabled")
	// ErrDisabled means the hook is not enabled
	ErrDisabled = errors.New("the hook for the specified target function is not enabled yet, or already disabled")
	// ErrNotExecutable means the address is not the entry of a known function
	ErrNotExecutable = errors.New("the specified pointer is invalid, it does not point to the entry of an executable function")
	// ErrTransactionBegin means the code could not be made writable
	ErrTransactionBegin = errors.New("failed to begin the patch transaction")
	// ErrTransactionCommit means the code protection could not be restored
	ErrTransactionCommit = errors.New("failed to commit the patch transaction")
	// ErrUnsupportedFunction means the function cannot be hooked
	ErrUnsupportedFunction = errors.New("the specified target function cannot be hooked")
	// ErrMemoryAlloc means the trampoline has no room for the relocated code
	ErrMemoryAlloc = errors.New("failed to allocate memory")
	// ErrModuleNotFound means the module symbols are not available
	ErrModuleNotFound = errors.New("the specified module is not loaded")
	// ErrFunctionNotFound means the symbol is not in the module
	ErrFunctionNotFound = errors.New("the specified function is not found")
)

type hook struct {
	target     uintptr
	detour     uintptr
	trampoline uintptr
	name       string
	kind       prologue.Kind

	// jump to the detour and the bytes it replaces
	targetPatch []byte
	targetOrig  []byte
	// where the trampoline is rewritten, its new code and the bytes it replaces
	trampAddr  uintptr
	trampPatch []byte
	trampOrig  []byte

	enabled     bool
	queueEnable bool
}

// HookState is a snapshot of one hook.
type HookState struct {
	Target      uintptr
	Detour      uintptr
	Trampoline  uintptr
	Name        string
	Kind        prologue.Kind
	Enabled     bool
	QueueEnable bool
}

// Session owns the hooks created while it is active.
type Session struct {
	log    *zap.Logger
	freeze FreezeMethod
	// hooks applied with target addresses as keys
	hooks map[uintptr]*hook
	// trampolines in use, to their targets
	tramps map[uintptr]uintptr
}

var (
	active *Session
	// protect active and every session
	lock sync.Mutex
)

// Initialize starts a session. log may be nil.
func Initialize(log *zap.Logger) (*Session, error) {
	lock.Lock()
	defer lock.Unlock()
	if active != nil {
		return nil, ErrAlreadyInitialized
	}
	if log == nil {
		log = zap.NewNop()
	}
	active = &Session{
		log:    log,
		freeze: FreezeOriginal,
		hooks:  make(map[uintptr]*hook),
		tramps: make(map[uintptr]uintptr),
	}
	log.Debug("hook engine initialized")
	return active, nil
}

// Uninitialize disables and removes every hook and ends the session. If a
// hook cannot be removed the session stays active.
func (s *Session) Uninitialize() error {
	lock.Lock()
	defer lock.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	var errs []error
	_ = s.transaction(func() error {
		for _, h := range s.sorted() {
			if err := s.remove(h); err != nil {
				errs = append(errs, err)
			}
		}
		return nil
	})
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrUnableToUninitialize, errors.Join(errs...))
	}
	active = nil
	s.log.Debug("hook engine uninitialized")
	return nil
}

// SetFreezeMethod selects how other goroutines are held off while code is
// patched.
func (s *Session) SetFreezeMethod(m FreezeMethod) error {
	lock.Lock()
	defer lock.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.freeze = m
	return nil
}

// FreezeMethod returns the current freeze method.
func (s *Session) FreezeMethod() FreezeMethod {
	lock.Lock()
	defer lock.Unlock()
	return s.freeze
}

// Create registers a hook of target. The trampoline is rewritten right away
// so that calling it runs the original target; target itself is only
// patched by Enable.
func (s *Session) Create(target, detour, trampoline uintptr) error {
	lock.Lock()
	defer lock.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.hooks[target]; ok {
		return ErrAlreadyCreated
	}
	if _, ok := s.tramps[target]; ok {
		return fmt.Errorf("%w: %#x is a trampoline", ErrAlreadyCreated, target)
	}
	if _, ok := s.tramps[trampoline]; ok {
		return fmt.Errorf("%w: trampoline %#x already in use", ErrAlreadyCreated, trampoline)
	}
	if _, ok := s.hooks[trampoline]; ok {
		return fmt.Errorf("%w: trampoline %#x is hooked", ErrAlreadyCreated, trampoline)
	}
	h, err := prepare(target, detour, trampoline)
	if err != nil {
		return err
	}
	err = s.transaction(func() error {
		return writeCode(h.trampAddr, h.trampPatch)
	})
	if err != nil {
		return err
	}
	s.hooks[target] = h
	s.tramps[trampoline] = target
	s.log.Debug("hook created",
		zap.String("target", h.name),
		zap.Stringer("kind", h.kind),
		zap.Uintptr("addr", h.target),
	)
	return nil
}

// Remove disables the hook of target if needed, restores the trampoline and
// forgets the hook.
func (s *Session) Remove(target uintptr) error {
	lock.Lock()
	defer lock.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	h, ok := s.hooks[target]
	if !ok {
		return ErrNotCreated
	}
	return s.transaction(func() error {
		return s.remove(h)
	})
}

// Enable patches target, or every disabled hook for AllHooks.
func (s *Session) Enable(target uintptr) error {
	return s.setEnabled(target, true)
}

// Disable restores target, or every enabled hook for AllHooks.
func (s *Session) Disable(target uintptr) error {
	return s.setEnabled(target, false)
}

func (s *Session) setEnabled(target uintptr, enable bool) error {
	lock.Lock()
	defer lock.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if target == AllHooks {
		return s.transaction(func() error {
			for _, h := range s.sorted() {
				if h.enabled == enable {
					continue
				}
				if err := s.apply(h, enable); err != nil {
					return err
				}
			}
			return nil
		})
	}
	h, ok := s.hooks[target]
	if !ok {
		return ErrNotCreated
	}
	if h.enabled == enable {
		if enable {
			return ErrEnabled
		}
		return ErrDisabled
	}
	return s.transaction(func() error {
		return s.apply(h, enable)
	})
}

// QueueEnable marks target, or every hook for AllHooks, to be enabled by
// the next ApplyQueued.
func (s *Session) QueueEnable(target uintptr) error {
	return s.queue(target, true)
}

// QueueDisable marks target, or every hook for AllHooks, to be disabled by
// the next ApplyQueued.
func (s *Session) QueueDisable(target uintptr) error {
	return s.queue(target, false)
}

func (s *Session) queue(target uintptr, enable bool) error {
	lock.Lock()
	defer lock.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if target == AllHooks {
		for _, h := range s.hooks {
			h.queueEnable = enable
		}
		return nil
	}
	h, ok := s.hooks[target]
	if !ok {
		return ErrNotCreated
	}
	h.queueEnable = enable
	return nil
}

// ApplyQueued applies every queued change in one transaction.
func (s *Session) ApplyQueued() error {
	lock.Lock()
	defer lock.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return s.transaction(func() error {
		for _, h := range s.sorted() {
			if h.enabled == h.queueEnable {
				continue
			}
			if err := s.apply(h, h.queueEnable); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns the hooks ordered by target address.
func (s *Session) List() []HookState {
	lock.Lock()
	defer lock.Unlock()
	if s.check() != nil {
		return nil
	}
	hooks := s.sorted()
	states := make([]HookState, 0, len(hooks))
	for _, h := range hooks {
		states = append(states, HookState{
			Target:      h.target,
			Detour:      h.detour,
			Trampoline:  h.trampoline,
			Name:        h.name,
			Kind:        h.kind,
			Enabled:     h.enabled,
			QueueEnable: h.queueEnable,
		})
	}
	return states
}

func (s *Session) check() error {
	if active != s || s == nil {
		return ErrNotInitialized
	}
	return nil
}

func (s *Session) transaction(fn func() error) error {
	thaw := freeze(s.freeze)
	defer thaw()
	return fn()
}

func (s *Session) apply(h *hook, enable bool) error {
	code := h.targetOrig
	if enable {
		code = h.targetPatch
	}
	if err := writeCode(h.target, code); err != nil {
		return err
	}
	h.enabled = enable
	h.queueEnable = enable
	s.log.Debug("hook switched",
		zap.String("target", h.name),
		zap.Bool("enabled", enable),
	)
	return nil
}

func (s *Session) remove(h *hook) error {
	if h.enabled {
		if err := s.apply(h, false); err != nil {
			return err
		}
	}
	if err := writeCode(h.trampAddr, h.trampOrig); err != nil {
		return err
	}
	delete(s.hooks, h.target)
	delete(s.tramps, h.trampoline)
	s.log.Debug("hook removed", zap.String("target", h.name))
	return nil
}

func (s *Session) sorted() []*hook {
	hooks := make([]*hook, 0, len(s.hooks))
	for _, h := range s.hooks {
		hooks = append(hooks, h)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].target < hooks[j].target })
	return hooks
}

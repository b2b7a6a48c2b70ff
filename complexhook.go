package detour

import (
	"reflect"
	"unsafe"

	"github.com/k2io/detour/internal/engine"
)

// CreateHook registers a hook that sends calls of target to detour. It is
// inert until enabled.
//
// detour must be a top-level function or a func literal without captured
// variables. Closures and method values fail with ErrUnsupportedFunction:
// a hooked call reaches the detour without its closure context.
//
// trampoline is a stub of the same signature that is given up to reach the
// original target: on success it is returned as the original and calling it
// runs the unhooked target, enabled or not. For the usual Go prologue the
// stub must itself check the stack, which any function that calls another
// does, and its frame should not be much smaller than the target's. A stub
// for a leaf target must be a couple of dozen bytes long.
func CreateHook[F any](g *Guard, target, detour, trampoline F) (F, error) {
	var zero F
	pcs, err := funcAddrs(target, detour, trampoline)
	if err != nil {
		return zero, err
	}
	if err := engine.CheckDetour(pcs[1], funcval(detour)); err != nil {
		return zero, err
	}
	if err := g.s.Create(pcs[0], pcs[1], pcs[2]); err != nil {
		return zero, err
	}
	return trampoline, nil
}

// CreateAndEnableHook registers a hook and enables it right away.
func CreateAndEnableHook[F any](g *Guard, target, detour, trampoline F) (F, error) {
	original, err := CreateHook(g, target, detour, trampoline)
	if err != nil {
		return original, err
	}
	if err := g.EnableHook(target); err != nil {
		var zero F
		return zero, err
	}
	return original, nil
}

// CreateHookByName hooks the function called name in module, the running
// executable when module is empty. detour follows the rules of CreateHook.
// The signature of the named function is not checked against F. The
// returned target is what EnableHook, DisableHook and RemoveHook take.
func CreateHookByName[F any](g *Guard, module, name string, detour, trampoline F) (original F, target uintptr, err error) {
	pcs, err := funcAddrs(detour, trampoline)
	if err != nil {
		return original, 0, err
	}
	if err := engine.CheckDetour(pcs[0], funcval(detour)); err != nil {
		return original, 0, err
	}
	target, err = engine.Resolve(module, name)
	if err != nil {
		return original, 0, err
	}
	if err := g.s.Create(target, pcs[0], pcs[1]); err != nil {
		return original, 0, err
	}
	return trampoline, target, nil
}

func funcAddrs[F any](fns ...F) ([]uintptr, error) {
	var typ reflect.Type
	pcs := make([]uintptr, 0, len(fns))
	for _, fn := range fns {
		v := reflect.ValueOf(fn)
		if !v.IsValid() {
			return nil, ErrInvalidTarget
		}
		if v.Kind() != reflect.Func {
			return nil, ErrInputType
		}
		if typ == nil {
			typ = v.Type()
		} else if v.Type() != typ {
			return nil, ErrDifferentType
		}
		if v.IsNil() {
			return nil, ErrInvalidTarget
		}
		pcs = append(pcs, v.Pointer())
	}
	return pcs, nil
}

// funcval returns the func value pointer held by fn, the word a closure call
// loads its context from.
func funcval(fn any) uintptr {
	return uintptr((*[2]unsafe.Pointer)(unsafe.Pointer(&fn))[1])
}

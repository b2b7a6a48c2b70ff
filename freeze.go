package detour

import (
	"fmt"

	"github.com/k2io/detour/internal/engine"
)

// ThreadFreezeMethod selects how the rest of the program is held off while
// hooks are enabled or disabled.
type ThreadFreezeMethod int

const (
	// FreezeOriginal keeps other goroutines from running Go code during a
	// patch. It is the default.
	FreezeOriginal ThreadFreezeMethod = iota
	// FreezeFastUndocumented is accepted for compatibility and behaves as
	// FreezeOriginal.
	FreezeFastUndocumented
	// FreezeNone patches while every goroutine keeps running.
	FreezeNone
)

func (m ThreadFreezeMethod) String() string {
	switch m {
	case FreezeOriginal:
		return "original"
	case FreezeFastUndocumented:
		return "fast-undocumented"
	case FreezeNone:
		return "none"
	}
	return fmt.Sprintf("ThreadFreezeMethod(%d)", int(m))
}

// SetThreadFreezeMethod sets the freeze method for later transactions.
func (g *Guard) SetThreadFreezeMethod(m ThreadFreezeMethod) error {
	var em engine.FreezeMethod
	switch m {
	case FreezeOriginal, FreezeFastUndocumented:
		em = engine.FreezeOriginal
	case FreezeNone:
		em = engine.FreezeNone
	default:
		return fmt.Errorf("unknown thread freeze method %d", int(m))
	}
	return g.s.SetFreezeMethod(em)
}

// ThreadFreezeMethod returns the freeze method in effect.
// FreezeFastUndocumented reads back as FreezeOriginal.
func (g *Guard) ThreadFreezeMethod() ThreadFreezeMethod {
	if g.s.FreezeMethod() == engine.FreezeNone {
		return FreezeNone
	}
	return FreezeOriginal
}

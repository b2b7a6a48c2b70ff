package engine

import "runtime"

// FreezeMethod selects how the rest of the program is held off while code
// is rewritten.
type FreezeMethod int

const (
	// FreezeOriginal drops to a single P for the duration of a transaction
	// so no other goroutine runs Go code while bytes change.
	FreezeOriginal FreezeMethod = iota
	// FreezeNone patches while everything keeps running.
	FreezeNone
)

func (m FreezeMethod) String() string {
	switch m {
	case FreezeOriginal:
		return "original"
	case FreezeNone:
		return "none"
	}
	return "unknown"
}

func freeze(m FreezeMethod) (thaw func()) {
	if m == FreezeNone {
		return func() {}
	}
	runtime.LockOSThread()
	prev := runtime.GOMAXPROCS(1)
	return func() {
		runtime.GOMAXPROCS(prev)
		runtime.UnlockOSThread()
	}
}

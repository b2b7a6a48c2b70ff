// Copyright (C) 2022 K2 Cyber Security Inc.
/*
Hooking a Go function

A hook involves three functions of the same signature:

TARGET      the function being hooked
DETOUR      the function that runs instead of it
TRAMPOLINE  a stub whose code is given up to call the original target

Stack-checked target (the usual Go prologue)
 - TARGET entry is overwritten with JMP rel32 to DETOUR.
 - TRAMPOLINE keeps its own stack check; right after it a JMP rel32 leads
   into the TARGET body, past the TARGET stack check. A stack growth while
   the original runs restarts TRAMPOLINE, never the hooked TARGET.

Leaf target (no stack check)
 - TARGET entry is overwritten with JMP rel32 to DETOUR.
 - The whole instructions under that jump are moved to the TRAMPOLINE entry,
   followed by JMP rel32 back to the rest of TARGET. They must not depend
   on their own address.
*/

package engine

import (
	"bytes"
	"fmt"
	"runtime"

	"github.com/k2io/detour/internal/prologue"
)

// only amd64 code can be patched
const archSupported = runtime.GOARCH == "amd64"

const (
	// read when the function size is unknown
	codeWindow = 64
	// upper bound for a function read in full
	maxCodeLen = 4096
	int3       = 0xcc
)

func prepare(target, detour, trampoline uintptr) (*hook, error) {
	if !archSupported {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFunction, runtime.GOARCH)
	}
	for _, pc := range []uintptr{target, detour, trampoline} {
		if !isFuncEntry(pc) {
			return nil, fmt.Errorf("%w: %#x", ErrNotExecutable, pc)
		}
	}
	if target == detour || target == trampoline || detour == trampoline {
		return nil, fmt.Errorf("%w: target, detour and trampoline must differ", ErrUnsupportedFunction)
	}

	h := &hook{
		target:     target,
		detour:     detour,
		trampoline: trampoline,
		name:       funcName(target),
	}
	code := readCode(target)
	pro, err := prologue.Analyze(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedFunction, h.name, err)
	}
	h.kind = pro.Kind
	h.targetPatch, err = prologue.JmpRel32(target, detour)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedFunction, h.name, err)
	}
	h.targetOrig = clone(makeSlice(target, uintptr(len(h.targetPatch))))

	switch pro.Kind {
	case prologue.StackChecked:
		tp, err := prologue.Analyze(readCode(trampoline))
		if err != nil || tp.Kind != prologue.StackChecked {
			return nil, fmt.Errorf("%w: trampoline %s has no stack check", ErrUnsupportedFunction, funcName(trampoline))
		}
		h.trampAddr = trampoline + uintptr(tp.CheckLen)
		h.trampPatch, err = prologue.JmpRel32(h.trampAddr, target+uintptr(pro.CheckLen))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedFunction, h.name, err)
		}
	case prologue.Leaf:
		n := uintptr(pro.CopyLen)
		back, err := prologue.JmpRel32(trampoline+n, target+n)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedFunction, h.name, err)
		}
		h.trampAddr = trampoline
		h.trampPatch = append(clone(code[:n]), back...)
	}

	size, sized := funcSize(trampoline)
	if err := trampolineRoom(trampoline, h.trampAddr, len(h.trampPatch), size, sized); err != nil {
		return nil, err
	}
	h.trampOrig = clone(makeSlice(h.trampAddr, uintptr(len(h.trampPatch))))
	return h, nil
}

// trampolineRoom fails when n bytes written at addr run past the end of the
// trampoline starting at start. Without a known size the bytes must not
// reach the INT3 padding after the function.
func trampolineRoom(start, addr uintptr, n int, size uint64, sized bool) error {
	need := uint64(addr-start) + uint64(n)
	if sized {
		if need > size {
			return fmt.Errorf("%w: trampoline %s holds %d bytes, %d needed",
				ErrMemoryAlloc, funcName(start), size, need)
		}
		return nil
	}
	if bytes.IndexByte(makeSlice(addr, uintptr(n)), int3) >= 0 {
		return fmt.Errorf("%w: trampoline %s is too short", ErrMemoryAlloc, funcName(start))
	}
	return nil
}

func isFuncEntry(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	f := runtime.FuncForPC(pc)
	return f != nil && f.Entry() == pc
}

func funcName(pc uintptr) string {
	if f := runtime.FuncForPC(pc); f != nil {
		return f.Name()
	}
	return fmt.Sprintf("%#x", pc)
}

// readCode returns the function at pc, in full when its size is known.
func readCode(pc uintptr) []byte {
	n := uintptr(codeWindow)
	if size, ok := funcSize(pc); ok {
		n = uintptr(min(size, maxCodeLen))
	}
	return makeSlice(pc, n)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Package prologue classifies the entry sequence of x86-64 Go functions and
// works out where a 5 byte jump can be written without breaking them.
//
// It only looks at bytes, so it can analyze live code as well as code read
// from an object file.
package prologue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

// JmpRel32Len is the length of JMP rel32, the only patch this package plans.
const JmpRel32Len = 5

// offset of stackguard0 in runtime.g
const stackGuardDisp = 0x10

// lookWindow bounds the bytes inspected for a stack check.
const lookWindow = 32

const int3 = 0xcc

var (
	// ErrTooShort means the function ends before a jump fits
	ErrTooShort = errors.New("function too short to patch")
	// ErrRelativeAddr means an instruction that would be moved is position dependent
	ErrRelativeAddr = errors.New("relative address in instruction")
	// ErrBranchIntoPatch means the function jumps back into the patched bytes
	ErrBranchIntoPatch = errors.New("branch into patched bytes")
	// ErrStackPointer means an instruction that would be moved changes SP
	ErrStackPointer = errors.New("stack pointer change in relocated instruction")
	// ErrStackCheck means the function checks its stack in an unknown way
	ErrStackCheck = errors.New("unrecognized stack check sequence")
	// ErrOutOfRange means a rel32 jump cannot reach the target
	ErrOutOfRange = errors.New("jump target out of rel32 range")
)

// Kind is the shape of a function entry.
type Kind int

const (
	Unknown Kind = iota
	// StackChecked functions start with the split stack check.
	StackChecked
	// Leaf functions run straight into their body.
	Leaf
)

func (k Kind) String() string {
	switch k {
	case StackChecked:
		return "stack-checked"
	case Leaf:
		return "leaf"
	}
	return "unknown"
}

// Prologue describes a function entry.
type Prologue struct {
	Kind Kind
	// CheckLen is the offset of the first instruction after the stack
	// check. Set for StackChecked.
	CheckLen int
	// CopyLen is the length of the whole instructions a jump at the entry
	// overwrites. Set for Leaf. These never touch SP.
	CopyLen int
}

// Analyze classifies the function whose code starts at code[0]. The slice
// should hold the whole function if its size is known; otherwise decoding
// stops at the first INT3 padding byte.
func Analyze(code []byte) (Prologue, error) {
	if n, ok := locateAfterStackCheck(code); ok {
		if n < JmpRel32Len {
			return Prologue{}, ErrTooShort
		}
		return Prologue{Kind: StackChecked, CheckLen: n}, nil
	}
	if readsStackGuard(code) {
		return Prologue{}, ErrStackCheck
	}
	n, err := ensureLength(code, JmpRel32Len)
	if err != nil {
		return Prologue{}, err
	}
	if err := checkBranches(code, n); err != nil {
		return Prologue{}, err
	}
	return Prologue{Kind: Leaf, CopyLen: n}, nil
}

// JmpRel32 encodes a JMP placed at from that lands on to.
func JmpRel32(from, to uintptr) ([]byte, error) {
	d := int64(to) - int64(from) - JmpRel32Len
	if d < math.MinInt32 || d > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %#x -> %#x", ErrOutOfRange, from, to)
	}
	seq := make([]byte, JmpRel32Len)
	seq[0] = 0xe9
	binary.LittleEndian.PutUint32(seq[1:], uint32(int32(d)))
	return seq, nil
}

// locateAfterStackCheck matches
//
//	[LEAQ -framesize(SP), R12]
//	CMPQ SP|R12, 16(R14)
//	JLS  morestack
func locateAfterStackCheck(code []byte) (int, bool) {
	off := 0
	i, err := decode(code)
	if err != nil {
		return 0, false
	}
	if isFrameLea(i) {
		off += i.Len
		if i, err = decode(code[off:]); err != nil {
			return 0, false
		}
	}
	if !isStackGuardCmp(i) {
		return 0, false
	}
	off += i.Len
	if i, err = decode(code[off:]); err != nil {
		return 0, false
	}
	if !isJrel(i) {
		return 0, false
	}
	return off + i.Len, true
}

func isFrameLea(i x86asm.Inst) bool {
	if i.Op != x86asm.LEA || i.Args[0] != x86asm.R12 {
		return false
	}
	m, ok := i.Args[1].(x86asm.Mem)
	return ok && m.Base == x86asm.RSP
}

func isStackGuardCmp(i x86asm.Inst) bool {
	if i.Op != x86asm.CMP {
		return false
	}
	if i.Args[0] != x86asm.RSP && i.Args[0] != x86asm.R12 {
		return false
	}
	return isStackGuard(i.Args[1])
}

func isStackGuard(a x86asm.Arg) bool {
	m, ok := a.(x86asm.Mem)
	return ok && m.Base == x86asm.R14 && m.Disp == stackGuardDisp
}

func isJrel(i x86asm.Inst) bool {
	switch i.Op {
	case x86asm.JBE, x86asm.JB:
		_, ok := i.Args[0].(x86asm.Rel)
		return ok
	}
	return false
}

// readsStackGuard reports a stack check this package does not know how to
// step over, such as the one used for huge frames.
func readsStackGuard(code []byte) bool {
	for off := 0; off < lookWindow && off < len(code); {
		if code[off] == int3 {
			return false
		}
		i, err := decode(code[off:])
		if err != nil {
			return false
		}
		for _, a := range i.Args {
			if a == nil {
				break
			}
			if isStackGuard(a) {
				return true
			}
		}
		off += i.Len
	}
	return false
}

func ensureLength(src []byte, size int) (int, error) {
	n := 0
	for n < size {
		if n >= len(src) || src[n] == int3 {
			return 0, ErrTooShort
		}
		i, err := decode(src[n:])
		if err != nil {
			return 0, err
		}
		if !relocatable(i) {
			return 0, fmt.Errorf("%w: %s", ErrRelativeAddr, i)
		}
		if writesSP(i) {
			return 0, fmt.Errorf("%w: %s", ErrStackPointer, i)
		}
		n += i.Len
	}
	return n, nil
}

func relocatable(i x86asm.Inst) bool {
	for _, a := range i.Args {
		if mem, ok := a.(x86asm.Mem); ok {
			if mem.Base == x86asm.RIP {
				return false
			}
		} else if _, ok := a.(x86asm.Rel); ok {
			return false
		}
	}
	return true
}

// writesSP reports instructions that move the stack pointer. Moved into a
// trampoline they would run at PCs whose frame layout the runtime reads
// from the trampoline's tables.
func writesSP(i x86asm.Inst) bool {
	switch i.Op {
	case x86asm.PUSH, x86asm.POP, x86asm.ENTER, x86asm.LEAVE:
		return true
	case x86asm.CMP, x86asm.TEST:
		return false
	}
	return i.Args[0] == x86asm.RSP || i.Args[0] == x86asm.ESP
}

// checkBranches rejects relative branches after the first n bytes that land
// inside them.
func checkBranches(code []byte, n int) error {
	for off := n; off < len(code) && code[off] != int3; {
		i, err := decode(code[off:])
		if err != nil {
			// undecodable tail, nothing more to learn from it
			return nil
		}
		for _, a := range i.Args {
			rel, ok := a.(x86asm.Rel)
			if !ok {
				continue
			}
			to := off + i.Len + int(rel)
			if to > 0 && to < n {
				return fmt.Errorf("%w: %s at %#x", ErrBranchIntoPatch, i, off)
			}
		}
		off += i.Len
	}
	return nil
}

func decode(src []byte) (x86asm.Inst, error) {
	return x86asm.Decode(src, 64)
}

package prologue

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

var (
	// CMPQ SP, 16(R14); JLS +0x20
	smallCheck = []byte{0x49, 0x3b, 0x66, 0x10, 0x76, 0x20}
	// LEAQ -8(SP), R12; CMPQ R12, 16(R14); JLS +0x100
	largeCheck = []byte{
		0x4c, 0x8d, 0x64, 0x24, 0xf8,
		0x4d, 0x3b, 0x66, 0x10,
		0x0f, 0x86, 0x00, 0x01, 0x00, 0x00,
	}
	// PUSHQ BP; MOVQ SP, BP; SUBQ $0x18, SP
	frame = []byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x18}
)

func cat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want Prologue
		err  error
	}{
		{
			name: "small frame stack check",
			code: cat(smallCheck, frame),
			want: Prologue{Kind: StackChecked, CheckLen: 6},
		},
		{
			name: "large frame stack check",
			code: cat(largeCheck, frame),
			want: Prologue{Kind: StackChecked, CheckLen: 15},
		},
		{
			name: "leaf",
			// MOVQ AX, CX; IMULQ BX, AX; ADDQ CX, AX; RET
			code: []byte{0x48, 0x89, 0xc1, 0x48, 0x0f, 0xaf, 0xc3, 0x48, 0x01, 0xc8, 0xc3, 0xcc, 0xcc},
			want: Prologue{Kind: Leaf, CopyLen: 7},
		},
		{
			name: "leaf ending exactly at the jump",
			// LEAQ (AX)(BX*1), AX; RET
			code: []byte{0x48, 0x8d, 0x04, 0x18, 0xc3, 0xcc, 0xcc, 0xcc},
			want: Prologue{Kind: Leaf, CopyLen: 5},
		},
		{
			name: "too short",
			// ADDQ BX, AX; RET
			code: []byte{0x48, 0x01, 0xd8, 0xc3, 0xcc, 0xcc, 0xcc, 0xcc},
			err:  ErrTooShort,
		},
		{
			name: "code ends early",
			code: []byte{0x48, 0x01, 0xd8},
			err:  ErrTooShort,
		},
		{
			name: "rip relative load",
			// LEAQ 0x1234(IP), AX; RET
			code: []byte{0x48, 0x8d, 0x05, 0x34, 0x12, 0x00, 0x00, 0xc3},
			err:  ErrRelativeAddr,
		},
		{
			name: "call in copy region",
			// CALL +0; RET
			code: []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3},
			err:  ErrRelativeAddr,
		},
		{
			name: "branch back into patch",
			// MOVQ AX, CX; ADDQ CX, AX; JMP -6 (lands at offset 2)
			code: []byte{0x48, 0x89, 0xc1, 0x48, 0x01, 0xc8, 0xeb, 0xfa, 0xcc},
			err:  ErrBranchIntoPatch,
		},
		{
			name: "branch to entry is fine",
			// MOVQ AX, CX; ADDQ CX, AX; JMP -8 (lands at offset 0)
			code: []byte{0x48, 0x89, 0xc1, 0x48, 0x01, 0xc8, 0xeb, 0xf8, 0xcc},
			want: Prologue{Kind: Leaf, CopyLen: 6},
		},
		{
			name: "frame setup in copy region",
			code: cat(frame, []byte{0xc3}),
			err:  ErrStackPointer,
		},
		{
			name: "stack adjust in copy region",
			// SUBQ $0x18, SP; MOVQ AX, 0x10(SP); RET
			code: []byte{0x48, 0x83, 0xec, 0x18, 0x48, 0x89, 0x44, 0x24, 0x10, 0xc3},
			err:  ErrStackPointer,
		},
		{
			name: "stack read is fine",
			// MOVQ SP, AX; MOVQ AX, CX; RET
			code: []byte{0x48, 0x89, 0xe0, 0x48, 0x89, 0xc1, 0xc3, 0xcc},
			want: Prologue{Kind: Leaf, CopyLen: 6},
		},
		{
			name: "huge frame check",
			// MOVQ SP, R12; SUBQ $0x2000, R12; JCS; CMPQ R12, 16(R14); JLS
			code: []byte{
				0x49, 0x89, 0xe4,
				0x49, 0x81, 0xec, 0x00, 0x20, 0x00, 0x00,
				0x72, 0x10,
				0x4d, 0x3b, 0x66, 0x10,
				0x76, 0x0a,
			},
			err: ErrStackCheck,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Analyze(tt.code)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("Analyze() error = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Analyze() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Analyze() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestJmpRel32(t *testing.T) {
	tests := []struct {
		name     string
		from, to uintptr
		want     []byte
	}{
		{"forward", 0x1000, 0x2000, []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00}},
		{"backward", 0x2000, 0x1000, []byte{0xe9, 0xfb, 0xef, 0xff, 0xff}},
		{"next instruction", 0x1000, 0x1005, []byte{0xe9, 0x00, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JmpRel32(tt.from, tt.to)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("JmpRel32() = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestJmpRel32OutOfRange(t *testing.T) {
	if math.MaxUint == math.MaxUint32 {
		t.Skip("32-bit address space")
	}
	far := uint64(1) << 33
	_, err := JmpRel32(0x1000, uintptr(far))
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("JmpRel32() error = %v, want %v", err, ErrOutOfRange)
	}
}

func TestKindString(t *testing.T) {
	if StackChecked.String() != "stack-checked" || Leaf.String() != "leaf" || Unknown.String() != "unknown" {
		t.Error("unexpected Kind names")
	}
}

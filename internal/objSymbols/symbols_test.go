package symbols

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
)

func TestDeriveSizes(t *testing.T) {
	syms := map[string]Symbol{
		"a":     {Name: "a", Addr: 0x1000},
		"b":     {Name: "b", Addr: 0x1040},
		"alias": {Name: "alias", Addr: 0x1040},
		"c":     {Name: "c", Addr: 0x10a0, Size: 8},
		"last":  {Name: "last", Addr: 0x2000},
		"abs":   {Name: "abs"},
	}
	deriveSizes(syms)

	want := map[string]uint64{
		"a":     0x40,
		"b":     0x60,
		"alias": 0x60,
		"c":     8,
		"last":  0,
		"abs":   0,
	}
	for name, size := range want {
		if got := syms[name].Size; got != size {
			t.Errorf("%s size = %#x, want %#x", name, got, size)
		}
	}
}

func TestOpenUnknownFormat(t *testing.T) {
	name := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(name, []byte("not an object file"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(name)
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("Open() error = %v, want %v", err, ErrUnknownFormat)
	}
}

func TestOpenMissing(t *testing.T) {
	_, err := ReadSymbols(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ReadSymbols() error = %v, want not exist", err)
	}
}

func TestOwnExecutable(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	f, err := Open(exe)
	if err != nil {
		t.Skip(err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		t.Skip("executable has no symbol table")
	}
	name := runtime.FuncForPC(reflect.ValueOf(deriveSizes).Pointer()).Name()
	sym, ok := syms[name]
	if !ok {
		t.Fatalf("%s not in symbol table", name)
	}
	if !sym.Func {
		t.Errorf("%s not reported as a function", name)
	}
	code, err := f.Code(sym)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) == 0 {
		t.Fatal("no code read")
	}
	if sym.Size != 0 && uint64(len(code)) != sym.Size {
		t.Errorf("read %d bytes, symbol size %d", len(code), sym.Size)
	}
}

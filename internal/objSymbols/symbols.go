// Package symbols reads function symbols and their code from ELF, Mach-O
// and PE object files.
package symbols

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// codeWindow is read for symbols without a size.
const codeWindow = 64

var (
	// ErrUnknownFormat means none of the object readers accepted the file
	ErrUnknownFormat = errors.New("unrecognized object file")
	// ErrNoSection means the symbol address is outside every section
	ErrNoSection = errors.New("address not in any section")
)

// Symbol is an entry of an object file symbol table.
type Symbol struct {
	Name string
	Addr uintptr
	// Size is zero when the format does not record it and it cannot be
	// derived from the next symbol.
	Size uint64
	// Func is set for symbols in executable sections.
	Func bool
}

type rawFile interface {
	Symbols() (map[string]Symbol, error)
	section(addr uintptr) (io.ReaderAt, uintptr, uint64, bool)
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// File is an open object file.
type File struct {
	r   *os.File
	raw rawFile
}

// Open opens name and detects its object format.
func Open(name string) (*File, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	for _, try := range objType {
		if raw, err := try(r); err == nil {
			return &File{r: r, raw: raw}, nil
		}
	}
	r.Close()
	return nil, fmt.Errorf("open %s: %w", name, ErrUnknownFormat)
}

// Symbols returns the symbol table keyed by name.
func (f *File) Symbols() (map[string]Symbol, error) {
	return f.raw.Symbols()
}

// Code returns the bytes of sym, or the first bytes of it when its size is
// unknown.
func (f *File) Code(sym Symbol) ([]byte, error) {
	r, base, size, ok := f.raw.section(sym.Addr)
	if !ok {
		return nil, fmt.Errorf("%s at %#x: %w", sym.Name, sym.Addr, ErrNoSection)
	}
	off := uint64(sym.Addr - base)
	n := sym.Size
	if n == 0 {
		n = codeWindow
	}
	if off+n > size {
		n = size - off
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, int64(off)); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Close releases the underlying file.
func (f *File) Close() error {
	return f.r.Close()
}

// ReadSymbols returns the symbol table of the object file name.
func ReadSymbols(name string) (map[string]Symbol, error) {
	f, err := Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Symbols()
}

// deriveSizes fills in missing sizes from the distance to the next symbol
// at a higher address.
func deriveSizes(syms map[string]Symbol) {
	addrs := make([]uintptr, 0, len(syms))
	for _, s := range syms {
		if s.Addr != 0 {
			addrs = append(addrs, s.Addr)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for name, s := range syms {
		if s.Size != 0 || s.Addr == 0 {
			continue
		}
		i := sort.Search(len(addrs), func(i int) bool { return addrs[i] > s.Addr })
		if i < len(addrs) {
			s.Size = uint64(addrs[i] - s.Addr)
			syms[name] = s
		}
	}
}

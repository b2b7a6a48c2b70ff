package symbols

import (
	"debug/macho"
	"io"
	"strings"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) Symbols() (map[string]Symbol, error) {
	if f.macho.Symtab == nil {
		return nil, nil
	}
	syms := make(map[string]Symbol, len(f.macho.Symtab.Syms))
	for _, s := range f.macho.Symtab.Syms {
		if s.Sect == 0 || s.Name == "" {
			continue
		}
		// the linker prefixes C visible names with an underscore
		name := strings.TrimPrefix(s.Name, "_")
		syms[name] = Symbol{
			Name: name,
			Addr: uintptr(s.Value),
			Func: f.isText(s.Sect),
		}
	}
	deriveSizes(syms)
	return syms, nil
}

func (f *machoFile) isText(sect uint8) bool {
	i := int(sect) - 1
	if i < 0 || i >= len(f.macho.Sections) {
		return false
	}
	s := f.macho.Sections[i]
	return s.Seg == "__TEXT" && s.Name == "__text"
}

func (f *machoFile) section(addr uintptr) (io.ReaderAt, uintptr, uint64, bool) {
	for _, s := range f.macho.Sections {
		if uint64(addr) >= s.Addr && uint64(addr) < s.Addr+s.Size {
			return s, uintptr(s.Addr), s.Size, true
		}
	}
	return nil, 0, 0, false
}

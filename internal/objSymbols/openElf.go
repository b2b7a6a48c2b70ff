package symbols

import (
	"debug/elf"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) Symbols() (map[string]Symbol, error) {
	elfSyms, err := e.elf.Symbols()
	if err != nil {
		return nil, err
	}
	return getElfSyms(elfSyms), nil
}

func getElfSyms(stab []elf.Symbol) map[string]Symbol {
	syms := make(map[string]Symbol, len(stab))
	for _, k := range stab {
		if k.Name == "" || k.Section == elf.SHN_UNDEF {
			continue
		}
		syms[k.Name] = Symbol{
			Name: k.Name,
			Addr: uintptr(k.Value),
			Size: k.Size,
			Func: elf.ST_TYPE(k.Info) == elf.STT_FUNC,
		}
	}
	return syms
}

func (e *elfFile) section(addr uintptr) (io.ReaderAt, uintptr, uint64, bool) {
	for _, s := range e.elf.Sections {
		if s.Type != elf.SHT_PROGBITS {
			continue
		}
		if uint64(addr) >= s.Addr && uint64(addr) < s.Addr+s.Size {
			return s, uintptr(s.Addr), s.Size, true
		}
	}
	return nil, 0, 0, false
}

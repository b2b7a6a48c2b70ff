package symbols

import (
	"debug/pe"
	"io"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) imageBase() uint64 {
	switch oh := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		return oh.ImageBase
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	}
	return 0
}

func (f *peFile) Symbols() (map[string]Symbol, error) {
	if f.pe.Symbols == nil {
		return nil, nil
	}
	base := f.imageBase()
	syms := make(map[string]Symbol, len(f.pe.Symbols))
	for _, s := range f.pe.Symbols {
		i := int(s.SectionNumber) - 1
		if i < 0 || i >= len(f.pe.Sections) {
			continue
		}
		sect := f.pe.Sections[i]
		syms[s.Name] = Symbol{
			Name: s.Name,
			Addr: uintptr(base + uint64(sect.VirtualAddress) + uint64(s.Value)),
			Func: sect.Characteristics&pe.IMAGE_SCN_CNT_CODE != 0,
		}
	}
	deriveSizes(syms)
	return syms, nil
}

func (f *peFile) section(addr uintptr) (io.ReaderAt, uintptr, uint64, bool) {
	base := f.imageBase()
	for _, s := range f.pe.Sections {
		start := base + uint64(s.VirtualAddress)
		if uint64(addr) >= start && uint64(addr) < start+uint64(s.Size) {
			return s, uintptr(start), uint64(s.Size), true
		}
	}
	return nil, 0, 0, false
}

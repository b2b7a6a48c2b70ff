package detour

import (
	sym "github.com/k2io/detour/internal/objSymbols"
)

// GetSymbols returns the symbol addresses of the object file name, as
// linked. Hooks by symbol name go through CreateHookByName, which also
// accounts for the load address.
func GetSymbols(name string) (map[string]uintptr, error) {
	syms, err := sym.ReadSymbols(name)
	if err != nil {
		return nil, err
	}
	addrs := make(map[string]uintptr, len(syms))
	for name, s := range syms {
		addrs[name] = s.Addr
	}
	return addrs, nil
}

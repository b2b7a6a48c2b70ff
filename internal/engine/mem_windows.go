//go:build windows

package engine

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func writeCode(addr uintptr, code []byte) error {
	size := uintptr(len(code))
	var old uint32
	if err := windows.VirtualProtect(addr, size, windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionBegin, err)
	}
	copy(makeSlice(addr, size), code)
	if err := windows.VirtualProtect(addr, size, old, &old); err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionCommit, err)
	}
	return nil
}

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

func pageRange(addr, size uintptr) []byte {
	start := pageSize * (addr / pageSize)
	length := pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	return makeSlice(start, length)
}

func protectPages(addr, size uintptr) error {
	return unix.Mprotect(pageRange(addr, size), unix.PROT_EXEC|unix.PROT_READ|unix.PROT_WRITE)
}

func reProtectPages(addr, size uintptr) error {
	return unix.Mprotect(pageRange(addr, size), unix.PROT_EXEC|unix.PROT_READ)
}

func writeCode(addr uintptr, code []byte) error {
	size := uintptr(len(code))
	if err := protectPages(addr, size); err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionBegin, err)
	}
	copy(makeSlice(addr, size), code)
	if err := reProtectPages(addr, size); err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionCommit, err)
	}
	return nil
}

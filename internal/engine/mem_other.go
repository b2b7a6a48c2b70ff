//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd || windows)

package engine

import (
	"fmt"
	"runtime"
)

func writeCode(addr uintptr, code []byte) error {
	return fmt.Errorf("%w: no page protection on %s", ErrTransactionBegin, runtime.GOOS)
}

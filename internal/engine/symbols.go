package engine

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"runtime"
	"strings"
	"sync"

	symbols "github.com/k2io/detour/internal/objSymbols"
)

var (
	selfOnce sync.Once
	selfSyms map[string]symbols.Symbol
	selfErr  error
)

// ownSymbols reads the symbol table of the running executable once.
func ownSymbols() (map[string]symbols.Symbol, error) {
	selfOnce.Do(func() {
		exe, err := os.Executable()
		if err != nil {
			selfErr = err
			return
		}
		selfSyms, selfErr = symbols.ReadSymbols(exe)
		if selfErr == nil && len(selfSyms) == 0 {
			selfErr = fmt.Errorf("%s has no symbol table", exe)
		}
	})
	return selfSyms, selfErr
}

func funcSize(pc uintptr) (uint64, bool) {
	syms, err := ownSymbols()
	if err != nil {
		return 0, false
	}
	f := runtime.FuncForPC(pc)
	if f == nil {
		return 0, false
	}
	s, ok := syms[f.Name()]
	if !ok || s.Size == 0 {
		return 0, false
	}
	return s.Size, true
}

// Resolve returns the entry of the function name in module. Only the
// running executable can be resolved; module may be empty for it.
func Resolve(module, name string) (uintptr, error) {
	if module != "" && !isExecutable(module) {
		return 0, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
	}
	syms, err := ownSymbols()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrModuleNotFound, err)
	}
	s, ok := syms[name]
	if !ok || !s.Func {
		return 0, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	pc := s.Addr + loadBias(syms)
	if !isFuncEntry(pc) {
		return 0, fmt.Errorf("%w: %s at %#x", ErrNotExecutable, name, pc)
	}
	return pc, nil
}

// funcLiteral matches the names the compiler gives func literals.
var funcLiteral = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

// CheckDetour fails for a detour that reads a closure context. pc is the
// code entry and fv the func value pointing at it. A hooked target jumps to
// the detour with whatever context its caller loaded, so only the func
// values the linker emits for top-level functions and literals without
// captured variables are safe.
func CheckDetour(pc, fv uintptr) error {
	name := funcName(pc)
	if strings.HasSuffix(name, "-fm") {
		return fmt.Errorf("%w: detour %s is a method value", ErrUnsupportedFunction, name)
	}
	static, found := staticFuncval(name)
	if !found {
		// nothing to compare with, trust named functions only
		if funcLiteral.MatchString(name) {
			return fmt.Errorf("%w: detour %s is a func literal that may capture variables", ErrUnsupportedFunction, name)
		}
		return nil
	}
	if static != fv {
		return fmt.Errorf("%w: detour %s captures variables", ErrUnsupportedFunction, name)
	}
	return nil
}

// staticFuncval returns the run address of the func value the linker emits
// for the function name.
func staticFuncval(name string) (uintptr, bool) {
	syms, err := ownSymbols()
	if err != nil {
		return 0, false
	}
	s, ok := syms[name+"·f"]
	if !ok {
		return 0, false
	}
	return s.Addr + loadBias(syms), true
}

func isExecutable(module string) bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	a, err := os.Stat(exe)
	if err != nil {
		return false
	}
	b, err := os.Stat(module)
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}

func anchor() {}

// loadBias is the distance between link and run addresses, non-zero for
// position independent executables.
func loadBias(syms map[string]symbols.Symbol) uintptr {
	pc := reflect.ValueOf(anchor).Pointer()
	f := runtime.FuncForPC(pc)
	if f == nil {
		return 0
	}
	s, ok := syms[f.Name()]
	if !ok {
		return 0
	}
	return f.Entry() - s.Addr
}

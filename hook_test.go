package detour

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func openGuard(t *testing.T, opts ...Option) *Guard {
	t.Helper()
	g, err := New(append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := g.Close(); err != nil && !errors.Is(err, ErrNotInitialized) {
			t.Errorf("Close() error = %v", err)
		}
	})
	return g
}

func TestOneGuardAtATime(t *testing.T) {
	openGuard(t)
	if _, err := New(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second New() error = %v, want %v", err, ErrAlreadyInitialized)
	}
}

func TestSequentialGuards(t *testing.T) {
	for i := 0; i < 3; i++ {
		g, err := New()
		if err != nil {
			t.Fatalf("New() #%d error = %v", i, err)
		}
		if err := g.Close(); err != nil {
			t.Fatalf("Close() #%d error = %v", i, err)
		}
	}
}

func TestCloseTwice(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("second Close() error = %v, want %v", err, ErrNotInitialized)
	}
	if err := g.EnableAllHooks(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("EnableAllHooks() after Close error = %v, want %v", err, ErrNotInitialized)
	}
}

func TestScope(t *testing.T) {
	var inner *Guard
	err := Scope(func(g *Guard) error {
		inner = g
		return nil
	})
	if err != nil {
		t.Fatalf("Scope() error = %v", err)
	}
	if err := inner.EnableAllHooks(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("guard still open after Scope: %v", err)
	}

	errBoom := errors.New("boom")
	err = Scope(func(*Guard) error { return errBoom })
	if !errors.Is(err, errBoom) {
		t.Fatalf("Scope() error = %v, want %v", err, errBoom)
	}
}

func TestScopeClosesOnPanic(t *testing.T) {
	func() {
		defer func() { _ = recover() }()
		_ = Scope(func(*Guard) error { panic("boom") })
	}()
	g, err := New()
	if err != nil {
		t.Fatalf("New() after panicking Scope error = %v", err)
	}
	_ = g.Close()
}

func TestScopeWhileOpen(t *testing.T) {
	openGuard(t)
	called := false
	err := Scope(func(*Guard) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrAlreadyInitialized) || called {
		t.Fatalf("Scope() error = %v, called = %v", err, called)
	}
}

func TestInvalidTargets(t *testing.T) {
	g := openGuard(t)
	var nilFunc func()
	tests := []struct {
		name   string
		target any
		want   error
	}{
		{"nil", nil, ErrInvalidTarget},
		{"nil func", nilFunc, ErrInvalidTarget},
		{"zero address", uintptr(0), ErrInvalidTarget},
		{"not a func", 42, ErrInputType},
		{"unknown hook", TestInvalidTargets, ErrNotCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for op, fn := range map[string]func(any) error{
				"EnableHook":       g.EnableHook,
				"DisableHook":      g.DisableHook,
				"RemoveHook":       g.RemoveHook,
				"QueueEnableHook":  g.QueueEnableHook,
				"QueueDisableHook": g.QueueDisableHook,
			} {
				if err := fn(tt.target); !errors.Is(err, tt.want) {
					t.Errorf("%s() error = %v, want %v", op, err, tt.want)
				}
			}
		})
	}
}

func TestCreateHookInputs(t *testing.T) {
	g := openGuard(t)

	var nilFunc func(int) int
	if _, err := CreateHook(g, nilFunc, nilFunc, nilFunc); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("CreateHook(nil) error = %v, want %v", err, ErrInvalidTarget)
	}
	if _, err := CreateHook(g, 1, 2, 3); !errors.Is(err, ErrInputType) {
		t.Errorf("CreateHook(int) error = %v, want %v", err, ErrInputType)
	}
	var a, b, c any = func(int) int { return 0 }, func(string) {}, func(int) int { return 1 }
	if _, err := CreateHook(g, a, b, c); !errors.Is(err, ErrDifferentType) {
		t.Errorf("CreateHook(mixed) error = %v, want %v", err, ErrDifferentType)
	}
	if err := g.CreateHookRaw(0, 1, 2); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("CreateHookRaw(0) error = %v, want %v", err, ErrInvalidTarget)
	}
	if got := g.Hooks(); len(got) != 0 {
		t.Errorf("Hooks() = %v, want none", got)
	}
}

func TestThreadFreezeMethod(t *testing.T) {
	g := openGuard(t, WithThreadFreezeMethod(FreezeNone))
	if got := g.ThreadFreezeMethod(); got != FreezeNone {
		t.Fatalf("ThreadFreezeMethod() = %v, want %v", got, FreezeNone)
	}

	tests := []struct {
		set, want ThreadFreezeMethod
	}{
		{FreezeOriginal, FreezeOriginal},
		{FreezeFastUndocumented, FreezeOriginal},
		{FreezeNone, FreezeNone},
	}
	for _, tt := range tests {
		if err := g.SetThreadFreezeMethod(tt.set); err != nil {
			t.Fatalf("SetThreadFreezeMethod(%v) error = %v", tt.set, err)
		}
		if got := g.ThreadFreezeMethod(); got != tt.want {
			t.Errorf("after SetThreadFreezeMethod(%v) got %v, want %v", tt.set, got, tt.want)
		}
	}
	if err := g.SetThreadFreezeMethod(ThreadFreezeMethod(7)); err == nil {
		t.Error("SetThreadFreezeMethod(7) should fail")
	}
}

func TestNewRejectsUnknownFreezeMethod(t *testing.T) {
	if _, err := New(WithThreadFreezeMethod(ThreadFreezeMethod(-1))); err == nil {
		t.Fatal("New() should fail")
	}
	// the engine must have been released
	g, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_ = g.Close()
}

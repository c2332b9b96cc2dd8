package task

import (
	"context"
	"errors"
	"testing"
)

func noopHandler(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return nil, nil
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	policy := DefaultPolicy()
	policy.Queue = "math"
	if err := r.Register("add", noopHandler, policy); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	h, got, err := r.Resolve("add")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if h == nil {
		t.Fatalf("expected non-nil handler")
	}
	if got.Queue != "math" {
		t.Fatalf("expected queue math, got %s", got.Queue)
	}
}

func TestResolveUnknownType(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Resolve("nope")
	if !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("expected ErrUnknownTaskType, got %v", err)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("add", noopHandler, DefaultPolicy()); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register("add", noopHandler, DefaultPolicy())
	if !errors.Is(err, ErrDuplicateTaskType) {
		t.Fatalf("expected ErrDuplicateTaskType, got %v", err)
	}
}

func TestFreezeRejectsRegistration(t *testing.T) {
	r := NewRegistry()
	r.Freeze()
	err := r.Register("late", noopHandler, DefaultPolicy())
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("", noopHandler, DefaultPolicy()); err == nil {
		t.Fatalf("expected error for empty task type")
	}
	if err := r.Register("t", nil, DefaultPolicy()); err == nil {
		t.Fatalf("expected error for nil handler")
	}

	bad := DefaultPolicy()
	bad.SoftTimeout = 10
	bad.HardTimeout = 5
	if err := r.Register("t", noopHandler, bad); err == nil {
		t.Fatalf("expected error for hard timeout <= soft timeout")
	}
}

func TestTypes(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		if err := r.Register(name, noopHandler, DefaultPolicy()); err != nil {
			t.Fatalf("register %s failed: %v", name, err)
		}
	}
	if got := len(r.Types()); got != 3 {
		t.Fatalf("expected 3 types, got %d", got)
	}
}

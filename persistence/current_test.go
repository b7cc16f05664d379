package persistence

import (
	"context"
	"testing"
)

func TestUnit_CurrentBindsOneContextPerChain(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, pc, err := env.unit.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	_, again, err := env.unit.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if pc != again {
		t.Fatal("expected the bound context")
	}

	got, ok := env.unit.FromContext(ctx)
	if !ok || got != pc {
		t.Fatal("expected FromContext to return the bound context")
	}
	if _, ok := env.unit.FromContext(context.Background()); ok {
		t.Fatal("expected nothing bound to a bare context")
	}

	if err := env.unit.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !pc.Closed() {
		t.Fatal("expected Release to close the context")
	}
	_, fresh, err := env.unit.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if fresh == pc {
		t.Fatal("expected a new context after release")
	}
	_ = env.unit.Release(ctx)
}

func TestUnit_CurrentIsPerUnit(t *testing.T) {
	one := newTestEnv(t, nil)
	two := newTestEnv(t, nil)

	ctx, a, err := one.unit.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	_, b, err := two.unit.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if a == b || b.Unit() != two.unit {
		t.Fatal("expected each unit to bind its own context")
	}
}

func TestUnit_RunInTransactionUsesBoundContext(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, pc, err := env.unit.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	defer env.unit.Release(ctx)

	a := &Author{ID: 1, Name: "Bound"}
	err = env.unit.RunInTransaction(ctx, func(ctx context.Context, tx *Context) error {
		if tx != pc {
			t.Error("expected the bound context")
		}
		return tx.Persist(ctx, a)
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	if !pc.Contains(a) {
		t.Fatal("expected the bound context to manage the entity")
	}

	bound := env.unit.Bind(context.Background(), pc)
	if got, _ := env.unit.FromContext(bound); got != pc {
		t.Fatal("expected Bind to attach the context")
	}
}

package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// fakeGate is a test stand-in for the coordination kill switch.
type fakeGate struct {
	engaged atomic.Bool
}

func (g *fakeGate) Engaged() bool { return g.engaged.Load() }

// TestRouterRegistrationOrder verifies handlers run sequentially in
// registration order.
func TestRouterRegistrationOrder(t *testing.T) {
	r := NewRouter(nil)

	var order []string
	r.Register(func(ctx context.Context, ev Event) error {
		order = append(order, "first")
		return nil
	})
	r.Register(func(ctx context.Context, ev Event) error {
		order = append(order, "second")
		return nil
	})

	ran := r.RunHandlersForEvent(context.Background(), Event{ID: "e1"})
	if ran != 2 {
		t.Fatalf("ran = %d, want 2", ran)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}

// TestRouterUnregister verifies the returned function removes exactly its
// own registration.
func TestRouterUnregister(t *testing.T) {
	r := NewRouter(nil)

	var calls int
	unregister := r.Register(func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})
	r.Register(func(ctx context.Context, ev Event) error { return nil })

	unregister()
	unregister() // double unregister is safe

	if n := r.HandlerCount(); n != 1 {
		t.Errorf("handler count = %d, want 1", n)
	}

	r.RunHandlersForEvent(context.Background(), Event{ID: "e1"})
	if calls != 0 {
		t.Errorf("unregistered handler ran %d times", calls)
	}
}

// TestRouterErrorIsolation verifies a failing or panicking handler never
// prevents subsequent handlers from running.
func TestRouterErrorIsolation(t *testing.T) {
	r := NewRouter(nil)

	var after int
	r.Register(func(ctx context.Context, ev Event) error {
		return errors.New("boom")
	})
	r.Register(func(ctx context.Context, ev Event) error {
		panic("worse")
	})
	r.Register(func(ctx context.Context, ev Event) error {
		after++
		return nil
	})

	ran := r.RunHandlersForEvent(context.Background(), Event{ID: "e1"})
	if ran != 3 {
		t.Errorf("ran = %d, want 3", ran)
	}
	if after != 1 {
		t.Errorf("handler after failures ran %d times, want 1", after)
	}
}

// TestRouterKillSwitch verifies the gate: engaged means zero handlers run
// and the event is dropped for this pass; released means handlers run for
// subsequent events.
func TestRouterKillSwitch(t *testing.T) {
	gate := &fakeGate{}
	gate.engaged.Store(true)

	r := NewRouter(gate)

	var counter int
	r.Register(func(ctx context.Context, ev Event) error {
		counter++
		return nil
	})

	if ran := r.RunHandlersForEvent(context.Background(), Event{ID: "e1"}); ran != 0 {
		t.Errorf("ran = %d with switch engaged, want 0", ran)
	}
	if counter != 0 {
		t.Errorf("counter = %d with switch engaged, want 0", counter)
	}

	gate.engaged.Store(false)
	if ran := r.RunHandlersForEvent(context.Background(), Event{ID: "e2"}); ran != 1 {
		t.Errorf("ran = %d after release, want 1", ran)
	}
	if counter != 1 {
		t.Errorf("counter = %d after release, want 1", counter)
	}
}

package coord

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// TestMemoryStoreFlags verifies set/take semantics: take is atomic
// check-and-clear, double set before one take still reads as one.
func TestMemoryStoreFlags(t *testing.T) {
	s := NewMemoryStore()

	set, err := s.TakeFlag("slack")
	if err != nil || set {
		t.Fatalf("take on empty store: set=%v err=%v", set, err)
	}

	s.SetFlag("slack")
	s.SetFlag("slack") // idempotent

	set, _ = s.TakeFlag("slack")
	if !set {
		t.Error("expected flag set after SetFlag")
	}
	set, _ = s.TakeFlag("slack")
	if set {
		t.Error("expected flag cleared after take")
	}
}

// TestGateKillSwitch verifies engage/release round-trips through the
// store.
func TestGateKillSwitch(t *testing.T) {
	s := NewMemoryStore()
	g := NewGate(s)

	if g.Engaged() {
		t.Error("default state should be disengaged")
	}
	if err := g.Engage(); err != nil {
		t.Fatal(err)
	}
	if !g.Engaged() {
		t.Error("expected engaged after Engage")
	}
	if err := g.Release(); err != nil {
		t.Fatal(err)
	}
	if g.Engaged() {
		t.Error("expected disengaged after Release")
	}
}

// failingStore simulates coordination-store connectivity trouble.
type failingStore struct{}

func (failingStore) SetFlag(string) error          { return errors.New("down") }
func (failingStore) TakeFlag(string) (bool, error) { return false, errors.New("down") }
func (failingStore) KillSwitch() (bool, error)     { return false, errors.New("down") }
func (failingStore) SetKillSwitch(bool) error      { return errors.New("down") }
func (failingStore) Close() error                  { return nil }

// TestGateDegradesDisengaged verifies a store failure reads as
// disengaged rather than halting the system.
func TestGateDegradesDisengaged(t *testing.T) {
	g := NewGate(failingStore{})
	if g.Engaged() {
		t.Error("store failure must degrade to disengaged")
	}
}

// TestWatcherInvokesOnce verifies one poll cycle after setFlag invokes
// the callback exactly once and leaves the flag cleared; coalesced sets
// before the poll still mean one invocation.
func TestWatcherInvokesOnce(t *testing.T) {
	s := NewMemoryStore()
	w := NewWatcher(s, time.Second)

	var calls int
	w.Watch("slack", func() { calls++ })

	s.SetFlag("slack")
	s.SetFlag("slack")

	w.Poll()
	if calls != 1 {
		t.Errorf("calls = %d after one poll, want 1", calls)
	}

	set, _ := s.TakeFlag("slack")
	if set {
		t.Error("flag should be cleared before the callback ran")
	}

	w.Poll()
	if calls != 1 {
		t.Errorf("calls = %d after second poll, want still 1", calls)
	}
}

// TestWatcherScopeIsolation verifies only the flagged scope's callback
// fires.
func TestWatcherScopeIsolation(t *testing.T) {
	s := NewMemoryStore()
	w := NewWatcher(s, time.Second)

	var slack, telegram int
	w.Watch("slack", func() { slack++ })
	w.Watch("telegram", func() { telegram++ })

	s.SetFlag("telegram")
	w.Poll()

	if slack != 0 || telegram != 1 {
		t.Errorf("slack=%d telegram=%d, want 0/1", slack, telegram)
	}
}

// TestWatcherStaleness verifies the documented bound: a set flag is
// observed within one poll interval of the running watcher.
func TestWatcherStaleness(t *testing.T) {
	s := NewMemoryStore()
	interval := 10 * time.Millisecond
	w := NewWatcher(s, interval)

	var fired atomic.Bool
	done := make(chan struct{})
	w.Watch("schedule", func() {
		if fired.CompareAndSwap(false, true) {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	s.SetFlag("schedule")

	select {
	case <-done:
	case <-time.After(50 * interval):
		t.Fatal("flag not observed within the staleness bound")
	}
}

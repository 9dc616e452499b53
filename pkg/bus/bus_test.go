package bus

import (
	"testing"
)

// TestFanOut verifies every tap receives every published signal.
func TestFanOut(t *testing.T) {
	b := New()
	a := b.Subscribe("a")
	c := b.Subscribe("c")

	b.Notify(SignalAuditUpdated)

	for name, tap := range map[string]<-chan Signal{"a": a, "c": c} {
		select {
		case sig := <-tap:
			if sig.Name != SignalAuditUpdated {
				t.Errorf("tap %s got %q", name, sig.Name)
			}
		default:
			t.Errorf("tap %s got nothing", name)
		}
	}
}

// TestSlowSubscriberDrops verifies a full tap loses signals without
// blocking the publisher.
func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	tap := b.Subscribe("slow")

	// One more than the tap buffer; the publisher must not block.
	for i := 0; i < 65; i++ {
		b.Notify(SignalAuditUpdated)
	}

	received := 0
	for {
		select {
		case <-tap:
			received++
			continue
		default:
		}
		break
	}
	if received != 64 {
		t.Errorf("received = %d, want the 64 buffered signals", received)
	}
}

// TestCloseIsFinal verifies taps are closed and publishing becomes a
// no-op.
func TestCloseIsFinal(t *testing.T) {
	b := New()
	tap := b.Subscribe("x")

	b.Close()
	b.Close() // idempotent
	b.Notify(SignalAuditUpdated)

	if _, ok := <-tap; ok {
		t.Error("expected closed tap channel")
	}
}

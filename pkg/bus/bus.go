// Package bus provides the in-process fan-out signal bus. Signals are
// lightweight "something changed" notifications: subscribers re-fetch the
// data they care about rather than trusting signal contents, so a dropped
// signal costs freshness, never correctness.
package bus

import "sync"

// Signal names published by the pipeline.
const (
	SignalAuditUpdated    = "audit.updated"
	SignalResultDelivered = "result.delivered"
)

// Signal is a payload-free notification. Data carries optional display
// context (e.g. the result text for WebSocket clients) but no subscriber
// may rely on it for correctness.
type Signal struct {
	Name string                 `json:"name"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a named tap on the signal stream. Multiple subscribers
// independently receive every published signal.
type Subscriber struct {
	Name string
	ch   chan Signal
}

// SignalBus fans signals out to all registered taps.
type SignalBus struct {
	mu        sync.RWMutex
	subs      []*Subscriber
	closed    bool
	closeOnce sync.Once
}

func New() *SignalBus {
	return &SignalBus{}
}

// Subscribe creates a named tap that receives copies of all published
// signals. The returned channel is buffered; slow consumers drop.
func (b *SignalBus) Subscribe(name string) <-chan Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan Signal, 64)}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish sends a signal to every tap. Non-blocking: a full tap drops.
func (b *SignalBus) Publish(sig Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- sig:
		default: // drop if slow
		}
	}
}

// Notify publishes a payload-free signal by name.
func (b *SignalBus) Notify(name string) {
	b.Publish(Signal{Name: name})
}

// Close closes all tap channels. Publishing after Close is a no-op.
func (b *SignalBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, sub := range b.subs {
			close(sub.ch)
		}
		b.mu.Unlock()
	})
}

package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/concierge-sh/concierge/pkg/logger"
)

// Handler processes one event. Handlers are independent business logic:
// an error from one handler never affects its siblings or other events.
type Handler func(ctx context.Context, ev Event) error

// Gate is consulted before any handler runs. When engaged, no handler
// runs anywhere. The coordination store's kill switch implements this;
// a nil gate means always disengaged.
type Gate interface {
	Engaged() bool
}

type registration struct {
	handler Handler
	removed bool
}

// Router holds the ordered handler list and runs all handlers for a given
// event, independent of whether the event arrived via local queue or
// broker.
type Router struct {
	mu       sync.Mutex
	handlers []*registration
	gate     Gate
}

// NewRouter creates a router guarded by the given gate (nil for none).
func NewRouter(gate Gate) *Router {
	return &Router{gate: gate}
}

// Register appends a handler to the ordered list and returns a function
// that unregisters it.
func (r *Router) Register(h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &registration{handler: h}
	r.handlers = append(r.handlers, reg)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, cand := range r.handlers {
			if cand == reg && !cand.removed {
				cand.removed = true
				r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
				return
			}
		}
	}
}

// HandlerCount returns the number of registered handlers.
func (r *Router) HandlerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// RunHandlersForEvent invokes every registered handler, in registration
// order, sequentially. A failing or panicking handler is logged and does
// not prevent subsequent handlers from running. When the kill switch is
// engaged it returns immediately with zero handlers run — the event is
// dropped for this pass, not replayed on release. Returns the number of
// handlers invoked.
func (r *Router) RunHandlersForEvent(ctx context.Context, ev Event) int {
	if r.gate != nil && r.gate.Engaged() {
		logger.WarnCF("router", "Kill switch engaged, skipping handlers", map[string]interface{}{
			"event_id": ev.ID,
			"type":     ev.Type,
		})
		return 0
	}

	r.mu.Lock()
	handlers := make([]Handler, len(r.handlers))
	for i, reg := range r.handlers {
		handlers[i] = reg.handler
	}
	r.mu.Unlock()

	for i, h := range handlers {
		if err := runHandler(ctx, h, ev); err != nil {
			logger.ErrorCF("router", "Handler failed", map[string]interface{}{
				"event_id": ev.ID,
				"type":     ev.Type,
				"handler":  i,
				"error":    err.Error(),
			})
		}
	}
	return len(handlers)
}

// runHandler isolates one handler call, converting panics into errors so
// the router's loop survives misbehaving handlers.
func runHandler(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, ev)
}

package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/concierge-sh/concierge/pkg/logger"
)

// ErrQueueFull is returned when the local queue's pending bound is hit.
// The bound exists so an engaged kill switch cannot grow the queue without
// limit; producers see backpressure at the boundary instead of silent loss.
var ErrQueueFull = errors.New("dispatch queue is full")

// LocalQueue is the in-process queue for all-in-one deployments: pending
// events ordered by descending priority (stable for equal priorities),
// drained by a single cooperative loop that never overlaps events.
type LocalQueue struct {
	mu      sync.Mutex
	pending []Event
	max     int
	wake    chan struct{}
}

// NewLocalQueue creates a queue bounded at max pending events.
func NewLocalQueue(max int) *LocalQueue {
	if max <= 0 {
		max = 1024
	}
	return &LocalQueue{
		max:  max,
		wake: make(chan struct{}, 1),
	}
}

// Enqueue inserts the event in priority order. Returns ErrQueueFull when
// the pending bound is reached.
func (q *LocalQueue) Enqueue(ev Event) error {
	q.mu.Lock()
	if len(q.pending) >= q.max {
		q.mu.Unlock()
		return ErrQueueFull
	}

	// Insert after the last event with priority >= ours, keeping arrival
	// order among equal priorities.
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority < ev.Priority
	})
	q.pending = append(q.pending, Event{})
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = ev
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of pending events.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *LocalQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Event{}, false
	}
	ev := q.pending[0]
	q.pending = q.pending[1:]
	return ev, true
}

// Run drains the queue one event at a time until ctx is cancelled. While
// the router's gate is engaged the loop parks without popping, so events
// queued during an outage are kept and drained once the loop is woken
// again (the next dispatch) with the switch released.
func (q *LocalQueue) Run(ctx context.Context, router *Router) {
	logger.InfoC("queue", "Local dispatch loop started")
	for {
		if router.gate != nil && router.gate.Engaged() {
			if !q.waitWake(ctx) {
				return
			}
			continue
		}

		ev, ok := q.pop()
		if !ok {
			if !q.waitWake(ctx) {
				return
			}
			continue
		}

		router.RunHandlersForEvent(ctx, ev)
	}
}

func (q *LocalQueue) waitWake(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		logger.InfoC("queue", "Local dispatch loop stopped")
		return false
	case <-q.wake:
		return true
	}
}

package coord

import (
	"context"
	"sync"
	"time"

	"github.com/concierge-sh/concierge/pkg/logger"
)

// ReloadFunc re-reads persisted configuration for its scope and restarts
// the long-lived adapter(s) tied to it, without restarting the process.
type ReloadFunc func()

// Watcher polls the store for reload flags and invokes the registered
// callback for each scope observed set. Polling is a deliberate
// simplicity/latency trade-off: staleness is bounded by one interval,
// which is fine for configuration changes.
type Watcher struct {
	store    Store
	interval time.Duration

	mu        sync.Mutex
	callbacks map[string]ReloadFunc
}

// NewWatcher creates a watcher polling at the given interval.
func NewWatcher(store Store, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		store:     store,
		interval:  interval,
		callbacks: make(map[string]ReloadFunc),
	}
}

// Watch registers the reload callback for a scope. One callback per
// scope; a second registration replaces the first.
func (w *Watcher) Watch(scope string, fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks[scope] = fn
}

// Run polls until ctx is cancelled. A store error skips the cycle and
// retries on the next interval rather than escalating.
func (w *Watcher) Run(ctx context.Context) {
	logger.InfoCF("coord", "Reload watcher started", map[string]interface{}{
		"interval": w.interval.String(),
	})

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoC("coord", "Reload watcher stopped")
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// Poll runs one poll cycle immediately. Exposed so tests can step the
// watcher without waiting out the interval.
func (w *Watcher) Poll() {
	w.poll()
}

func (w *Watcher) poll() {
	w.mu.Lock()
	scopes := make(map[string]ReloadFunc, len(w.callbacks))
	for scope, fn := range w.callbacks {
		scopes[scope] = fn
	}
	w.mu.Unlock()

	for scope, fn := range scopes {
		set, err := w.store.TakeFlag(scope)
		if err != nil {
			logger.WarnCF("coord", "Reload flag check failed", map[string]interface{}{
				"scope": scope,
				"error": err.Error(),
			})
			continue
		}
		if !set {
			continue
		}

		// Flag already cleared by TakeFlag; a set arriving during the
		// callback triggers one extra reload next cycle.
		logger.InfoCF("coord", "Reload flag observed", map[string]interface{}{
			"scope": scope,
		})
		fn()
	}
}

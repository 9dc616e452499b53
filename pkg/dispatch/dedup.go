package dispatch

import (
	"encoding/json"
	"sync"
	"time"
)

// Deduplicator collapses repeated submissions of the same logical event
// within a short window. Keys are purely structural (source, type, and a
// stable serialization of the raw payload), so identical raw inputs always
// collide. The seen-set is owned by this process: under multiple API
// replicas each replica can accept "the same" duplicate once. That
// limitation is accepted — the pipeline only promises best-effort,
// time-windowed dedup, and sharing keys through the coordination store
// would put a hot write path on the config-plane database.
type Deduplicator struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]dedupEntry
	now    func() time.Time
}

type dedupEntry struct {
	id      string
	expires time.Time
}

// NewDeduplicator creates a deduplicator with the given expiry window.
func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = time.Minute
	}
	return &Deduplicator{
		window: window,
		seen:   make(map[string]dedupEntry),
		now:    time.Now,
	}
}

// Key derives the structural dedup key for a raw dispatch. json.Marshal
// writes map keys in sorted order, so the serialization is stable across
// submissions of the same content.
func Key(raw Raw) string {
	payload, _ := json.Marshal(raw.Payload)
	return raw.Source + "|" + raw.Type + "|" + string(payload)
}

// Check records the key→id mapping if unseen and reports whether the key
// was already present. For duplicates it returns the original event's id,
// so the caller still receives an id but no second queue entry is made.
func (d *Deduplicator) Check(key, id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if entry, ok := d.seen[key]; ok && now.Before(entry.expires) {
		return entry.id, true
	}

	d.seen[key] = dedupEntry{id: id, expires: now.Add(d.window)}
	d.sweep(now)
	return id, false
}

// sweep drops expired entries. Called under the lock; cheap because the
// set only holds one window's worth of keys.
func (d *Deduplicator) sweep(now time.Time) {
	for k, entry := range d.seen {
		if !now.Before(entry.expires) {
			delete(d.seen, k)
		}
	}
}

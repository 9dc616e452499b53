// Package coord implements cross-process coordination: reload flags that
// tell reader processes to reload configuration for a scope, and the
// global kill switch gating all handler execution. State lives in a store
// shared by every process so neither feature requires a restart.
package coord

import (
	"sync"
)

// Store is the shared coordination state. Implementations must be safe
// for concurrent use from many processes; writes are last-writer-wins,
// reload flags carry presence only.
type Store interface {
	// SetFlag marks a scope dirty. Setting an already-set flag is a no-op
	// (multiple sets before one clear still trigger exactly one reload).
	SetFlag(scope string) error
	// TakeFlag atomically clears the scope's flag and reports whether it
	// was set. Clearing before the reload callback runs means a
	// set-during-reload race costs at most one extra reload.
	TakeFlag(scope string) (bool, error)
	// KillSwitch reads the global switch.
	KillSwitch() (bool, error)
	// SetKillSwitch writes the global switch.
	SetKillSwitch(engaged bool) error
	Close() error
}

// MemoryStore is the in-process Store for single-process deployments and
// tests. Nothing about it is shared across processes.
type MemoryStore struct {
	mu      sync.Mutex
	flags   map[string]bool
	engaged bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[string]bool)}
}

func (s *MemoryStore) SetFlag(scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[scope] = true
	return nil
}

func (s *MemoryStore) TakeFlag(scope string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.flags[scope]
	delete(s.flags, scope)
	return set, nil
}

func (s *MemoryStore) KillSwitch() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engaged, nil
}

func (s *MemoryStore) SetKillSwitch(engaged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engaged = engaged
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

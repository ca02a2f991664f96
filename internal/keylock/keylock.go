// ABOUTME: Per-key mutual exclusion without a process-wide lock
// ABOUTME: Serializes appends per conversation and acks per cursor key

package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map provides a mutex per string key. Keys that no one holds or waits on
// carry no state, so the map stays proportional to in-flight operations
// rather than to the total key space.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty keyed lock map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking while another goroutine holds it.
// Operations on distinct keys never contend.
func (m *Map) Lock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. The entry is dropped once the last
// holder or waiter is gone.
func (m *Map) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		panic("keylock: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	e.mu.Unlock()
}

// Package keyed provides a map whose values are mutated under a per-key
// lock. Operations on one key are serialized; operations on different keys
// only contend on the short lookup of the shared index.
package keyed

import "sync"

type entry[T any] struct {
	mu      sync.Mutex
	val     *T
	removed bool
}

// Map owns one *T per string key.
type Map[T any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
	newFn   func(key string) *T
}

// New returns a Map that creates values with newFn on first Update.
func New[T any](newFn func(key string) *T) *Map[T] {
	return &Map[T]{
		entries: make(map[string]*entry[T]),
		newFn:   newFn,
	}
}

// lock returns the locked entry for key, creating it when create is set.
// It retries when it loses a race with RemoveIf.
func (m *Map[T]) lock(key string, create bool) *entry[T] {
	for {
		m.mu.RLock()
		e := m.entries[key]
		m.mu.RUnlock()

		if e == nil {
			if !create {
				return nil
			}
			m.mu.Lock()
			e = m.entries[key]
			if e == nil {
				e = &entry[T]{val: m.newFn(key)}
				m.entries[key] = e
			}
			m.mu.Unlock()
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		return e
	}
}

// Update runs fn with exclusive access to the value for key, creating it
// if absent.
func (m *Map[T]) Update(key string, fn func(v *T)) {
	e := m.lock(key, true)
	defer e.mu.Unlock()
	fn(e.val)
}

// View runs fn with exclusive access to an existing value. It reports
// false without calling fn when key is absent.
func (m *Map[T]) View(key string, fn func(v *T)) bool {
	e := m.lock(key, false)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	fn(e.val)
	return true
}

// Has reports whether key currently has a value.
func (m *Map[T]) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok
}

// RemoveIf deletes key when cond, run under the key's lock, returns true.
// Any side effect in cond is serialized with every other mutation of key.
func (m *Map[T]) RemoveIf(key string, cond func(v *T) bool) bool {
	e := m.lock(key, false)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	if !cond(e.val) {
		return false
	}
	e.removed = true
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return true
}

// Len returns the number of keys.
func (m *Map[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Keys returns a snapshot of the current keys in no particular order.
func (m *Map[T]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// Range calls fn for every key that still exists, each under its own lock.
func (m *Map[T]) Range(fn func(key string, v *T)) {
	for _, k := range m.Keys() {
		m.View(k, func(v *T) { fn(k, v) })
	}
}

package store

import "sync"

// keyedMutex provides per-record-identifier mutual exclusion without a
// global write lock. Entries are reference counted and removed when the
// last holder unlocks, so the map stays bounded by in-flight writers.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*kentry
}

type kentry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*kentry)}
}

// Lock acquires the mutex for the given key, creating it on first use.
func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &kentry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for the given key.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

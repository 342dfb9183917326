package lock

import "sync"

// KeyMutex provides blocking mutual exclusion scoped to a string key.
// Operations on distinct keys proceed fully in parallel; operations on
// the same key are linearized. Entries are reference counted and removed
// once the last waiter is gone, so the map does not grow with the number
// of digests ever seen.
//
// This is the in-process primitive behind per-digest linearization of
// blob create/increment/decrement/reclaim sequences.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*keyMutexEntry
}

type keyMutexEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyMutex creates an empty KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{
		entries: make(map[string]*keyMutexEntry),
	}
}

// Lock blocks until the key's mutex is held and returns the matching
// unlock function. The unlock function must be called exactly once.
func (k *KeyMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyMutexEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently locked or contended.
func (k *KeyMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

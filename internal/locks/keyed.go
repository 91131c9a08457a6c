// Package locks provides a per-key mutex for operations that span suspension
// points and must not overlap for the same task.
package locks

import "sync"

// Keyed hands out one mutex per key. Entries are reference-counted and
// removed once the last holder releases, so the map does not grow with the
// number of tasks ever seen.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking until it is free. The returned
// func releases it and must be called on every exit path.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.entries, key)
			}
			k.mu.Unlock()
		})
	}
}

// TryLock acquires the mutex for key only if it is immediately free. It
// returns a release func and true on success.
func (k *Keyed) TryLock(key string) (func(), bool) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	if !e.mu.TryLock() {
		k.mu.Unlock()
		return nil, false
	}
	e.refs++
	k.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.entries, key)
			}
			k.mu.Unlock()
		})
	}, true
}

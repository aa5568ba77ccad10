// Package locks provides exclusive per-key locking used to serialize
// coordinator operations on a single task.
package locks

import (
	"context"
	"sync"
)

// ReleaseFunc releases a held lock. Calling it more than once is safe.
type ReleaseFunc func()

// Locker acquires an exclusive lock for a key, blocking until the lock
// is available or the context is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (ReleaseFunc, error)
}

// KeyedMutex is an in-process Locker backed by one semaphore per key.
// Entries are reference counted and removed once the last holder or
// waiter is gone.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &keyEntry{sem: make(chan struct{}, 1)}
		m.entries[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, entry, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.unref(key, entry, true)
		})
	}, nil
}

func (m *KeyedMutex) unref(key string, entry *keyEntry, held bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held {
		<-entry.sem
	}
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, key)
	}
}

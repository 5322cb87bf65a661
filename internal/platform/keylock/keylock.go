// Package keylock provides a lazily created, lazily destroyed keyed mutex.
// It is the fusion pipeline's only cross-task serialization point: at most one
// merge runs per (payload, time bucket) key, and unrelated keys never contend.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyLock is a table of per-key mutexes. Entries exist only while held or
// awaited; the table never grows with the keyspace.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New returns an empty lock table.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyLock) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key and discards it when no one else waits.
// Unlocking a key that is not held panics, as with sync.Mutex.
func (k *KeyLock) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		panic("keylock: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// Len returns the number of live entries. Intended for tests.
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Package cache provides an in-process identifier→payload-id cache to cut the
// per-envelope identity lookup. It must be invalidated on every payload merge,
// otherwise it becomes stale global state pointing at deleted payloads.
package cache

import "sync"

// IdentifierCache maps identifier strings to payload ids.
type IdentifierCache struct {
	mu sync.RWMutex
	m  map[string]string
}

// New returns an empty identifier cache.
func New() *IdentifierCache {
	return &IdentifierCache{m: make(map[string]string)}
}

// Get returns the cached payload id for identifier, if present.
func (c *IdentifierCache) Get(identifier string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.m[identifier]
	return id, ok
}

// Put caches the payload id for identifier.
func (c *IdentifierCache) Put(identifier, payloadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[identifier] = payloadID
}

// InvalidatePayload removes every identifier currently mapped to payloadID.
// Called for both sides of a merge.
func (c *IdentifierCache) InvalidatePayload(payloadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ident, id := range c.m {
		if id == payloadID {
			delete(c.m, ident)
		}
	}
}

// Clear drops all entries.
func (c *IdentifierCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]string)
}

package storage

import (
	"sync"
	"time"
)

// memEntry is one in-memory copy of a cache value.
type memEntry struct {
	entry     CacheEntry
	fetchedAt time.Time
}

// cachedStore layers a read-through in-memory TTL cache over a Store. Reads
// within ttl of the last fetch skip bbolt entirely; writes go through and
// refresh the memory copy. The underlying store stays authoritative.
type cachedStore struct {
	Store
	ttl time.Duration

	mu  sync.RWMutex
	mem map[string]memEntry
}

// NewCachedStore wraps inner with an in-memory TTL layer. A ttl of 0 disables
// the layer and returns inner unchanged.
func NewCachedStore(inner Store, ttl time.Duration) Store {
	if ttl <= 0 {
		return inner
	}
	return &cachedStore{
		Store: inner,
		ttl:   ttl,
		mem:   make(map[string]memEntry),
	}
}

func (c *cachedStore) CacheGet(key string) (*CacheEntry, error) {
	c.mu.RLock()
	m, ok := c.mem[key]
	c.mu.RUnlock()
	if ok && time.Since(m.fetchedAt) < c.ttl {
		cp := m.entry
		return &cp, nil
	}

	entry, err := c.Store.CacheGet(key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if entry == nil {
		delete(c.mem, key)
	} else {
		c.mem[key] = memEntry{entry: *entry, fetchedAt: time.Now()}
	}
	c.mu.Unlock()
	return entry, nil
}

func (c *cachedStore) CacheSet(key string, value []byte) error {
	if err := c.Store.CacheSet(key, value); err != nil {
		// The write may have evicted arbitrary entries; drop the whole layer.
		c.invalidateAll()
		return err
	}
	c.mu.Lock()
	c.mem[key] = memEntry{
		entry:     CacheEntry{Value: value, CachedAt: time.Now().UTC()},
		fetchedAt: time.Now(),
	}
	c.mu.Unlock()
	return nil
}

func (c *cachedStore) CacheDelete(key string) error {
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()
	return c.Store.CacheDelete(key)
}

func (c *cachedStore) PruneStaleCache(ttl time.Duration) (int, error) {
	n, err := c.Store.PruneStaleCache(ttl)
	if n > 0 {
		c.invalidateAll()
	}
	return n, err
}

func (c *cachedStore) invalidateAll() {
	c.mu.Lock()
	c.mem = make(map[string]memEntry)
	c.mu.Unlock()
}

package testutil

import (
	"sync"
	"time"

	"github.com/fokusapp/fokusd/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu      sync.Mutex
	cache   map[string]storage.CacheEntry
	pending []storage.PendingOp
	seq     uint64

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		cache:  make(map[string]storage.CacheEntry),
		errors: make(map[string]error),
		Size:   1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Cache ------------------------------------------------------------------

func (m *MockStore) CacheGet(key string) (*storage.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("CacheGet"); err != nil {
		return nil, err
	}
	entry, ok := m.cache[key]
	if !ok {
		return nil, nil
	}
	cp := entry
	return &cp, nil
}

func (m *MockStore) CacheSet(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("CacheSet"); err != nil {
		return err
	}
	m.cache[key] = storage.CacheEntry{
		Value:    append([]byte(nil), value...),
		CachedAt: time.Now().UTC(),
	}
	return nil
}

func (m *MockStore) CacheDelete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("CacheDelete"); err != nil {
		return err
	}
	delete(m.cache, key)
	return nil
}

func (m *MockStore) CacheList() (map[string]storage.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("CacheList"); err != nil {
		return nil, err
	}
	result := make(map[string]storage.CacheEntry, len(m.cache))
	for k, v := range m.cache {
		result[k] = v
	}
	return result, nil
}

// --- Pending queue ----------------------------------------------------------

func (m *MockStore) PendingAppend(key string, oldValue, newValue []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PendingAppend"); err != nil {
		return 0, err
	}
	m.seq++
	m.pending = append(m.pending, storage.PendingOp{
		Seq:       m.seq,
		Key:       key,
		OldValue:  append([]byte(nil), oldValue...),
		NewValue:  append([]byte(nil), newValue...),
		Timestamp: time.Now().UTC(),
	})
	return m.seq, nil
}

func (m *MockStore) PendingList() ([]storage.PendingOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PendingList"); err != nil {
		return nil, err
	}
	return append([]storage.PendingOp(nil), m.pending...), nil
}

func (m *MockStore) PendingClear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PendingClear"); err != nil {
		return err
	}
	m.pending = nil
	return nil
}

func (m *MockStore) PendingDepth() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PendingDepth"); err != nil {
		return 0, err
	}
	return len(m.pending), nil
}

// --- Janitor helpers --------------------------------------------------------

func (m *MockStore) PruneStaleCache(ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneStaleCache"); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-ttl)
	pruned := 0
	for key, entry := range m.cache {
		if durable(key) {
			continue
		}
		if entry.CachedAt.Before(cutoff) {
			delete(m.cache, key)
			pruned++
		}
	}
	return pruned, nil
}

// durable mirrors the singleton keys the real store never prunes.
func durable(key string) bool {
	switch key {
	case storage.KeyUser, storage.KeySession, storage.KeyBlocklist,
		storage.KeySettings, storage.KeyDevice, storage.KeySources,
		storage.KeyRuleset, storage.KeyLastSync:
		return true
	}
	return false
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error {
	return nil
}

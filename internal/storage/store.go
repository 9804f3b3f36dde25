package storage

import (
	"errors"
	"time"
)

// ErrQuotaExceeded is returned when a cache write cannot fit even after an
// eviction pass.
var ErrQuotaExceeded = errors.New("cache quota exceeded")

// Well-known cache keys. All local state lives in one namespaced cache bucket;
// every entry carries CachedAt for TTL and quota eviction.
const (
	KeyUser      = "user"
	KeySession   = "session"
	KeyBlocklist = "blocklist"
	KeySettings  = "settings"
	KeyDevice    = "device"
	KeySources   = "github_sources"
	KeyRuleset   = "ruleset"
	KeyLastSync  = "last_sync_time"

	// StatsKeyPrefix namespaces per-day stats rows: "stats:2006-01-02".
	StatsKeyPrefix = "stats:"
)

// CacheEntry is one namespaced local-state value.
type CacheEntry struct {
	Value    []byte
	CachedAt time.Time
}

// PendingOp is one deferred local write awaiting replay against the backend.
// Seq is assigned monotonically at enqueue time and fixes FIFO order.
type PendingOp struct {
	Seq       uint64
	Key       string
	OldValue  []byte
	NewValue  []byte
	Timestamp time.Time
}

// Store is the persistence interface for the agent.
type Store interface {
	// Cache: namespaced key/value entries with CachedAt timestamps.
	CacheGet(key string) (*CacheEntry, error)
	CacheSet(key string, value []byte) error
	CacheDelete(key string) error
	CacheList() (map[string]CacheEntry, error)

	// Pending queue: FIFO-ordered deferred writes.
	PendingAppend(key string, oldValue, newValue []byte) (uint64, error)
	PendingList() ([]PendingOp, error)
	PendingClear() error
	PendingDepth() (int, error)

	// Janitor helpers
	PruneStaleCache(ttl time.Duration) (int, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}

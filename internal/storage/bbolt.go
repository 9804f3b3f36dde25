package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fokusapp/fokusd/internal/metrics"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketCache   = "cache"
	bucketPending = "pending"
)

// durableKeys are singleton entries never removed by TTL pruning or quota
// eviction; losing them would sign the user out or drop unsynced state.
var durableKeys = map[string]struct{}{
	KeyUser:      {},
	KeySession:   {},
	KeyBlocklist: {},
	KeySettings:  {},
	KeyDevice:    {},
	KeySources:   {},
	KeyRuleset:   {},
	KeyLastSync:  {},
}

type bboltStore struct {
	db    *bolt.DB
	quota int // max cache entries; 0 = unlimited
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/fokusd.db.
// quota caps the number of cache entries; writes over quota trigger an
// eviction pass of the oldest 20% before failing with ErrQuotaExceeded.
func NewBboltStore(dataDir string, quota int) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "fokusd.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCache, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db, quota: quota}, nil
}

// ---- Cache -----------------------------------------------------------------

func (s *bboltStore) CacheGet(key string) (*CacheEntry, error) {
	var entry CacheEntry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketCache)).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &entry)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &entry, nil
}

func (s *bboltStore) CacheSet(key string, value []byte) error {
	entry := CacheEntry{Value: value, CachedAt: time.Now().UTC()}
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal CacheEntry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCache))
		k := []byte(key)

		if s.quota > 0 && b.Get(k) == nil && countKeys(b) >= s.quota {
			evicted, err := evictOldest(b, s.quota/5)
			if err != nil {
				return fmt.Errorf("evict cache entries: %w", err)
			}
			metrics.CacheEvictions.Add(float64(evicted))
			if countKeys(b) >= s.quota {
				return ErrQuotaExceeded
			}
		}
		return b.Put(k, data)
	})
}

// countKeys walks the bucket with a cursor so uncommitted writes in the
// current transaction are counted (Bucket.Stats only sees committed pages).
func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// evictOldest removes up to n non-durable entries, oldest CachedAt first.
func evictOldest(b *bolt.Bucket, n int) (int, error) {
	if n < 1 {
		n = 1
	}
	type aged struct {
		key []byte
		at  time.Time
	}
	var candidates []aged
	if err := b.ForEach(func(k, v []byte) error {
		if _, ok := durableKeys[string(k)]; ok {
			return nil
		}
		var entry CacheEntry
		if err := msgpack.Unmarshal(v, &entry); err != nil {
			return nil // corrupt entries are eviction candidates too
		}
		key := make([]byte, len(k))
		copy(key, k)
		candidates = append(candidates, aged{key: key, at: entry.CachedAt})
		return nil
	}); err != nil {
		return 0, err
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].at.Before(candidates[j].at)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	evicted := 0
	for _, c := range candidates {
		if err := b.Delete(c.key); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

func (s *bboltStore) CacheDelete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).Delete([]byte(key))
	})
}

func (s *bboltStore) CacheList() (map[string]CacheEntry, error) {
	result := make(map[string]CacheEntry)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCache)).ForEach(func(k, v []byte) error {
			var entry CacheEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal CacheEntry for %s: %w", k, err)
			}
			result[string(k)] = entry
			return nil
		})
	})
	return result, err
}

// ---- Pending queue ---------------------------------------------------------

func (s *bboltStore) PendingAppend(key string, oldValue, newValue []byte) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPending))
		n, err := b.NextSequence()
		if err != nil {
			return err
		}
		seq = n
		op := PendingOp{
			Seq:       n,
			Key:       key,
			OldValue:  oldValue,
			NewValue:  newValue,
			Timestamp: time.Now().UTC(),
		}
		data, err := msgpack.Marshal(op)
		if err != nil {
			return fmt.Errorf("marshal PendingOp: %w", err)
		}
		return b.Put(seqKey(n), data)
	})
	return seq, err
}

func (s *bboltStore) PendingList() ([]PendingOp, error) {
	var ops []PendingOp
	err := s.db.View(func(tx *bolt.Tx) error {
		// Big-endian seq keys make cursor order FIFO order.
		return tx.Bucket([]byte(bucketPending)).ForEach(func(k, v []byte) error {
			var op PendingOp
			if err := msgpack.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("unmarshal PendingOp %x: %w", k, err)
			}
			ops = append(ops, op)
			return nil
		})
	})
	return ops, err
}

func (s *bboltStore) PendingClear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketPending)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketPending))
		return err
	})
}

func (s *bboltStore) PendingDepth() (int, error) {
	var depth int
	err := s.db.View(func(tx *bolt.Tx) error {
		depth = tx.Bucket([]byte(bucketPending)).Stats().KeyN
		return nil
	})
	return depth, err
}

func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

// ---- Janitor ---------------------------------------------------------------

func (s *bboltStore) PruneStaleCache(ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCache))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if _, ok := durableKeys[string(k)]; ok {
				return nil
			}
			var entry CacheEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return nil // skip corrupt entries
			}
			if entry.CachedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}

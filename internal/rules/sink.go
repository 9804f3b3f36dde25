package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fokusapp/fokusd/internal/metrics"
	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// Sink installs a compiled rule set. Replace is wholesale: the previous set
// is fully discarded so rule IDs never collide across compilations. The
// remove/add gap is unprotected but sub-millisecond; blocking is a
// productivity aid, not a security boundary.
type Sink interface {
	Replace(ctx context.Context, rules []Rule) error
}

// FileSink writes the rule set as a JSON ruleset artifact for the extension
// host to load. Writes are atomic (tmp + rename) so the host never observes
// a half-written set.
type FileSink struct {
	path string
}

// NewFileSink returns a FileSink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Replace(ctx context.Context, rules []Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ruleset: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create ruleset dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ruleset-*.json")
	if err != nil {
		return fmt.Errorf("create temp ruleset: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp ruleset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp ruleset: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("install ruleset: %w", err)
	}
	return nil
}

// StoreSink keeps the current compiled set in the local store so the
// messaging surface can serve it.
type StoreSink struct {
	store storage.Store
}

// NewStoreSink returns a StoreSink over store.
func NewStoreSink(store storage.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Replace(ctx context.Context, rules []Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(rules)
	if err != nil {
		return fmt.Errorf("marshal ruleset: %w", err)
	}
	return s.store.CacheSet(storage.KeyRuleset, data)
}

// Load reads the stored rule set, or nil when none was installed yet.
func (s *StoreSink) Load() ([]Rule, error) {
	entry, err := s.store.CacheGet(storage.KeyRuleset)
	if err != nil || entry == nil {
		return nil, err
	}
	var rules []Rule
	if err := msgpack.Unmarshal(entry.Value, &rules); err != nil {
		return nil, fmt.Errorf("unmarshal stored ruleset: %w", err)
	}
	return rules, nil
}

// MultiSink fans a Replace out to several sinks, failing on the first error.
type MultiSink []Sink

func (m MultiSink) Replace(ctx context.Context, rules []Rule) error {
	for _, s := range m {
		if err := s.Replace(ctx, rules); err != nil {
			return err
		}
	}
	metrics.RulesCompiled.Set(float64(len(rules)))
	return nil
}

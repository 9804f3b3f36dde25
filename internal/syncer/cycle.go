package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fokusapp/fokusd/internal/backend"
	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/fokusapp/fokusd/internal/decision"
	"github.com/fokusapp/fokusd/internal/device"
	"github.com/fokusapp/fokusd/internal/metrics"
	"github.com/fokusapp/fokusd/internal/rules"
	"github.com/fokusapp/fokusd/internal/stats"
	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// cycle runs one full reconciliation: pending-queue replay first, then the
// four sub-syncs concurrently. Sub-sync failures are collected, not fatal; a
// partial cycle still counts as a sync.
func (s *Syncer) cycle(ctx context.Context, trigger string) *Report {
	rep := &Report{Trigger: trigger}
	sess := s.client.Session()
	if sess == nil {
		rep.Skipped = SkipSignedOut
		return rep
	}
	userID := sess.UserID
	log := s.log.With().Str("trigger", trigger).Logger()
	log.Debug().Msg("sync cycle started")

	if n, err := s.replayPending(ctx, userID); err != nil {
		log.Error().Err(err).Msg("pending queue replay failed, keeping queue")
		metrics.SubSyncErrors.WithLabelValues("pending").Inc()
		rep.Errors++
	} else {
		rep.Replayed = n
	}

	type subSync struct {
		name string
		run  func(context.Context, string, *Report) error
	}
	subs := []subSync{
		{"blocklist", s.syncBlocklist},
		{"stats", s.syncStats},
		{"settings", s.syncSettings},
		{"device", s.syncDevice},
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub subSync) {
			defer wg.Done()
			if err := sub.run(ctx, userID, rep); err != nil {
				metrics.SubSyncErrors.WithLabelValues(sub.name).Inc()
				log.Error().Err(err).Str("subsync", sub.name).Msg("sub-sync failed")
				mu.Lock()
				rep.Errors++
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()

	log.Info().Int("errors", rep.Errors).Int("replayed", rep.Replayed).
		Bool("pushed", rep.Pushed).Msg("sync cycle finished")
	return rep
}

// replayPending drains the deferred-write queue in FIFO order, coalescing to
// the last write per key. Any failure keeps the entire queue for the next
// cycle; replay is all-or-nothing.
func (s *Syncer) replayPending(ctx context.Context, userID string) (int, error) {
	ops, err := s.store.PendingList()
	if err != nil {
		return 0, fmt.Errorf("list pending queue: %w", err)
	}
	if len(ops) == 0 {
		return 0, nil
	}

	// Last write per key wins; replay in the order of those last writes.
	latest := make(map[string]storage.PendingOp, len(ops))
	for _, op := range ops {
		latest[op.Key] = op
	}
	coalesced := make([]storage.PendingOp, 0, len(latest))
	for _, op := range latest {
		coalesced = append(coalesced, op)
	}
	sort.Slice(coalesced, func(i, j int) bool { return coalesced[i].Seq < coalesced[j].Seq })

	for _, op := range coalesced {
		if err := s.replayOne(ctx, userID, op); err != nil {
			metrics.PendingReplayed.WithLabelValues("failed").Inc()
			return 0, fmt.Errorf("replay %s (seq %d): %w", op.Key, op.Seq, err)
		}
		metrics.PendingReplayed.WithLabelValues("ok").Inc()
	}

	if err := s.store.PendingClear(); err != nil {
		return 0, fmt.Errorf("clear pending queue: %w", err)
	}
	metrics.PendingQueueDepth.Set(0)
	s.log.Info().Int("coalesced", len(coalesced)).Int("queued", len(ops)).
		Msg("pending queue replayed")
	return len(coalesced), nil
}

func (s *Syncer) replayOne(ctx context.Context, userID string, op storage.PendingOp) error {
	switch {
	case op.Key == storage.KeyBlocklist:
		var bl blocklist.Blocklist
		if err := msgpack.Unmarshal(op.NewValue, &bl); err != nil {
			return fmt.Errorf("unmarshal queued blocklist: %w", err)
		}
		return s.client.UpsertBlocklist(ctx, userID, &bl)
	case op.Key == storage.KeySettings:
		var st backend.Settings
		if err := msgpack.Unmarshal(op.NewValue, &st); err != nil {
			return fmt.Errorf("unmarshal queued settings: %w", err)
		}
		return s.client.UpsertSettings(ctx, userID, st)
	case strings.HasPrefix(op.Key, storage.StatsKeyPrefix):
		var day stats.Day
		if err := msgpack.Unmarshal(op.NewValue, &day); err != nil {
			return fmt.Errorf("unmarshal queued day stats: %w", err)
		}
		return s.pushDay(ctx, userID, day)
	default:
		// Unknown keys are local-only state that slipped into the queue.
		s.log.Warn().Str("key", op.Key).Msg("dropping unreplayable pending op")
		return nil
	}
}

// ---- blocklist sub-sync ----------------------------------------------------

func (s *Syncer) syncBlocklist(ctx context.Context, userID string, rep *Report) error {
	local, err := s.loadLocalBlocklist()
	if err != nil {
		return err
	}
	remote, err := s.client.GetBlocklist(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch blocklist: %w", err)
	}

	res := blocklist.Merge(local, remote, s.strategy())
	if res.Merged == nil {
		return nil
	}
	if res.LocalChanges {
		if err := s.client.UpsertBlocklist(ctx, userID, res.Merged); err != nil {
			return fmt.Errorf("push blocklist: %w", err)
		}
		rep.Pushed = true
	}
	if res.HasChanges || local == nil {
		if err := s.persistBlocklist(res.Merged); err != nil {
			return err
		}
		installed, dropped, err := s.Recompile(ctx, res.Merged)
		if err != nil {
			return err
		}
		rep.Rules = installed
		rep.Dropped = dropped
	}
	return nil
}

// Recompile turns a blocklist into declarative rules and installs them in the
// sink and the evaluator. A blocklist over the rule ceiling is truncated with
// a warning rather than left unenforced.
func (s *Syncer) Recompile(ctx context.Context, bl *blocklist.Blocklist) (installed, dropped int, err error) {
	sources := s.loadSources()

	rs, cerr := s.compiler.Compile(bl)
	var limitErr *rules.LimitError
	if errors.As(cerr, &limitErr) {
		rs, dropped = s.compiler.CompileTruncated(bl)
		metrics.RulesDropped.Add(float64(dropped))
		s.log.Warn().Int("domains", limitErr.Count).Int("limit", limitErr.Limit).
			Int("dropped", dropped).Msg("blocklist over rule ceiling, truncating")
	} else if cerr != nil {
		return 0, 0, fmt.Errorf("compile rules: %w", cerr)
	}

	print := rules.Fingerprint(rs)
	s.mu.Lock()
	unchanged := print == s.lastPrint
	s.mu.Unlock()
	if !unchanged {
		if err := s.sink.Replace(ctx, rs); err != nil {
			return 0, 0, fmt.Errorf("install rules: %w", err)
		}
		s.mu.Lock()
		s.lastPrint = print
		s.mu.Unlock()
	}
	s.eval.SetSnapshot(decision.NewSnapshot(bl, sources))
	return len(rs), dropped, nil
}

func (s *Syncer) loadLocalBlocklist() (*blocklist.Blocklist, error) {
	entry, err := s.store.CacheGet(storage.KeyBlocklist)
	if err != nil {
		return nil, fmt.Errorf("load cached blocklist: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	var bl blocklist.Blocklist
	if err := msgpack.Unmarshal(entry.Value, &bl); err != nil {
		return nil, fmt.Errorf("unmarshal cached blocklist: %w", err)
	}
	return &bl, nil
}

func (s *Syncer) persistBlocklist(bl *blocklist.Blocklist) error {
	data, err := msgpack.Marshal(bl)
	if err != nil {
		return fmt.Errorf("marshal blocklist: %w", err)
	}
	if err := s.store.CacheSet(storage.KeyBlocklist, data); err != nil {
		return fmt.Errorf("cache blocklist: %w", err)
	}
	return nil
}

func (s *Syncer) loadSources() map[string]string {
	entry, err := s.store.CacheGet(storage.KeySources)
	if err != nil || entry == nil {
		return nil
	}
	var sources map[string]string
	if err := msgpack.Unmarshal(entry.Value, &sources); err != nil {
		s.log.Warn().Err(err).Msg("failed to unmarshal github source map")
		return nil
	}
	return sources
}

// strategy prefers the synced per-user setting, falling back to config.
func (s *Syncer) strategy() blocklist.Strategy {
	if st, err := s.loadLocalSettings(); err == nil && st != nil {
		if parsed, perr := blocklist.ParseStrategy(st.MergeStrategy); perr == nil {
			return parsed
		}
	}
	return s.cfg.Strategy
}

// ---- stats sub-sync --------------------------------------------------------

func (s *Syncer) syncStats(ctx context.Context, userID string, _ *Report) error {
	days, err := s.tracker.Unsynced()
	if err != nil {
		return fmt.Errorf("collect unsynced stats: %w", err)
	}
	var firstErr error
	for _, day := range days {
		if err := s.pushDay(ctx, userID, day); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := s.tracker.MarkSynced(day.Date); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Syncer) pushDay(ctx context.Context, userID string, day stats.Day) error {
	if len(day.Events) > 0 {
		err := s.client.InsertBlockEvents(ctx, userID, day.Events)
		var conflict *backend.ConflictError
		if err != nil && !errors.As(err, &conflict) {
			return fmt.Errorf("push block events for %s: %w", day.Date, err)
		}
	}
	if err := s.client.UpsertDayStats(ctx, userID, []stats.Day{day}); err != nil {
		return fmt.Errorf("push day stats for %s: %w", day.Date, err)
	}
	return nil
}

// ---- settings sub-sync -----------------------------------------------------

// syncSettings reconciles preferences last-writer-wins by UpdatedAt.
func (s *Syncer) syncSettings(ctx context.Context, userID string, _ *Report) error {
	local, err := s.loadLocalSettings()
	if err != nil {
		return err
	}
	remote, err := s.client.GetSettings(ctx, userID)
	if err != nil {
		var notFound *backend.NotFoundError
		if errors.As(err, &notFound) {
			remote = nil
		} else {
			return fmt.Errorf("fetch settings: %w", err)
		}
	}

	switch {
	case local == nil && remote == nil:
		return nil
	case remote == nil:
		return s.client.UpsertSettings(ctx, userID, *local)
	case local == nil || remote.UpdatedAt.After(local.UpdatedAt):
		return s.persistSettings(remote)
	case local.UpdatedAt.After(remote.UpdatedAt):
		return s.client.UpsertSettings(ctx, userID, *local)
	}
	return nil
}

func (s *Syncer) loadLocalSettings() (*backend.Settings, error) {
	entry, err := s.store.CacheGet(storage.KeySettings)
	if err != nil {
		return nil, fmt.Errorf("load cached settings: %w", err)
	}
	if entry == nil {
		return nil, nil
	}
	var st backend.Settings
	if err := msgpack.Unmarshal(entry.Value, &st); err != nil {
		return nil, fmt.Errorf("unmarshal cached settings: %w", err)
	}
	return &st, nil
}

func (s *Syncer) persistSettings(st *backend.Settings) error {
	data, err := msgpack.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.store.CacheSet(storage.KeySettings, data)
}

// ---- device sub-sync -------------------------------------------------------

func (s *Syncer) syncDevice(ctx context.Context, userID string, _ *Report) error {
	d, err := device.Ensure(s.store, s.cfg.DeviceName)
	if err != nil {
		return err
	}
	if err := device.Heartbeat(s.store, d); err != nil {
		return err
	}
	if err := s.client.UpsertDevice(ctx, userID, *d); err != nil {
		return fmt.Errorf("push device record: %w", err)
	}
	return nil
}

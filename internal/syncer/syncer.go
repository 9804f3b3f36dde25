package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fokusapp/fokusd/internal/backend"
	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/fokusapp/fokusd/internal/decision"
	"github.com/fokusapp/fokusd/internal/metrics"
	"github.com/fokusapp/fokusd/internal/rules"
	"github.com/fokusapp/fokusd/internal/stats"
	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
)

// State of the sync scheduler.
type State string

const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StateRetrying State = "retrying"
)

// Skip reasons reported when a cycle does not run.
const (
	SkipInProgress = "sync already in progress"
	SkipSignedOut  = "not signed in"
	SkipOffline    = "offline"
)

// Config holds sync scheduler settings.
type Config struct {
	Interval      time.Duration
	RetryDelay    time.Duration
	MaxRetries    int
	Debounce      time.Duration
	ProbeInterval time.Duration
	Strategy      blocklist.Strategy
	DeviceName    string
}

// Report summarizes one SyncNow call. Skipped is non-empty when the cycle
// never ran; Errors counts failed sub-syncs (a partial cycle still records
// LastSyncTime).
type Report struct {
	Skipped  string
	Trigger  string
	Errors   int
	Replayed int
	Pushed   bool
	Rules    int
	Dropped  int
	Elapsed  time.Duration
}

// Syncer drives the periodic reconciliation cycle: replay the pending queue,
// then run the blocklist, stats, settings, and device sub-syncs. At most one
// cycle runs at a time; overlapping triggers are skipped, not queued.
type Syncer struct {
	cfg      Config
	client   backend.Client
	store    storage.Store
	tracker  *stats.Tracker
	compiler *rules.Compiler
	sink     rules.Sink
	eval     *decision.Evaluator
	log      zerolog.Logger

	mu          sync.Mutex
	state       State
	retryCount  int
	retryTimer  *time.Timer
	debounceTmr *time.Timer
	lastSync    time.Time
	lastPrint   string // fingerprint of the installed rule set

	online atomic.Bool

	// afterFunc is the timer seam; tests swap it to fire immediately.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New constructs a Syncer. The sink and evaluator receive the compiled rule
// set whenever a cycle changes the blocklist.
func New(cfg Config, client backend.Client, store storage.Store, tracker *stats.Tracker,
	compiler *rules.Compiler, sink rules.Sink, eval *decision.Evaluator, log zerolog.Logger) *Syncer {

	s := &Syncer{
		cfg:       cfg,
		client:    client,
		store:     store,
		tracker:   tracker,
		compiler:  compiler,
		sink:      sink,
		eval:      eval,
		log:       log.With().Str("component", "syncer").Logger(),
		state:     StateIdle,
		afterFunc: time.AfterFunc,
	}
	// Assume connectivity until the first probe says otherwise.
	s.online.Store(true)
	metrics.Online.Set(1)
	return s
}

// State returns the current scheduler state.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSync returns when the last cycle (full or partial) completed.
func (s *Syncer) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// Online reports the last connectivity probe result.
func (s *Syncer) Online() bool {
	return s.online.Load()
}

// Run drives the interval and connectivity-probe loops until ctx is
// cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	s.restoreLastSync()
	s.SyncNow(ctx, "startup")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.intervalLoop(gctx) })
	if s.cfg.ProbeInterval > 0 {
		g.Go(func() error { return s.probeLoop(gctx) })
	}
	err := g.Wait()
	s.stopTimers()
	return err
}

func (s *Syncer) intervalLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SyncNow(ctx, "interval")
		}
	}
}

// probeLoop pings the backend and flips the online flag. An offline-to-online
// transition triggers an immediate cycle so queued changes drain promptly.
func (s *Syncer) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.client.Ping(pctx)
			cancel()

			now := err == nil
			was := s.online.Swap(now)
			if now {
				metrics.Online.Set(1)
			} else {
				metrics.Online.Set(0)
			}
			switch {
			case now && !was:
				s.log.Info().Msg("backend reachable again")
				s.SyncNow(ctx, "reconnect")
			case !now && was:
				s.log.Warn().Err(err).Msg("backend unreachable, deferring writes")
			}
		}
	}
}

// SyncNow runs one cycle. Concurrent calls while a cycle is in flight are
// skipped, as are calls while signed out or offline.
func (s *Syncer) SyncNow(ctx context.Context, trigger string) *Report {
	s.mu.Lock()
	if s.state == StateSyncing {
		s.mu.Unlock()
		metrics.SyncCycles.WithLabelValues("skipped").Inc()
		return &Report{Skipped: SkipInProgress, Trigger: trigger}
	}
	if s.client.Session() == nil {
		s.mu.Unlock()
		metrics.SyncCycles.WithLabelValues("skipped").Inc()
		return &Report{Skipped: SkipSignedOut, Trigger: trigger}
	}
	if !s.online.Load() {
		s.mu.Unlock()
		metrics.SyncCycles.WithLabelValues("skipped").Inc()
		return &Report{Skipped: SkipOffline, Trigger: trigger}
	}
	s.state = StateSyncing
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	start := time.Now()
	rep := s.cycle(ctx, trigger)
	rep.Elapsed = time.Since(start)
	metrics.SyncDuration.WithLabelValues(trigger).Observe(rep.Elapsed.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = time.Now().UTC()
	s.persistLastSync(s.lastSync)

	if rep.Errors > 0 {
		metrics.SyncCycles.WithLabelValues("partial").Inc()
		if s.retryCount < s.cfg.MaxRetries {
			s.retryCount++
			s.state = StateRetrying
			s.scheduleRetryLocked(ctx)
		} else {
			s.log.Error().Int("errors", rep.Errors).Int("max_retries", s.cfg.MaxRetries).
				Msg("sync still failing, giving up until next interval")
			s.retryCount = 0
			s.state = StateIdle
		}
		return rep
	}
	metrics.SyncCycles.WithLabelValues("success").Inc()
	s.retryCount = 0
	s.state = StateIdle
	return rep
}

// scheduleRetryLocked arms the backoff timer: RetryDelay doubling per
// consecutive failure. Caller holds mu. The trigger's context is detached
// before it is captured; a retry must outlive the request that caused it.
func (s *Syncer) scheduleRetryLocked(ctx context.Context) {
	delay := s.cfg.RetryDelay << (s.retryCount - 1)
	attempt := s.retryCount
	ctx = context.WithoutCancel(ctx)
	s.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling sync retry")
	s.retryTimer = s.afterFunc(delay, func() {
		s.mu.Lock()
		if s.state != StateRetrying {
			s.mu.Unlock()
			return
		}
		s.state = StateIdle
		s.mu.Unlock()
		s.SyncNow(ctx, "retry")
	})
}

// NotifyChange queues a deferred write for the sync cycle and arms the
// debounce timer. Rapid successive edits collapse into one cycle. The
// caller's context is detached before the timer captures it: message-surface
// requests are done long before the quiet period elapses, and a drain firing
// with a cancelled request context could never reach the backend.
func (s *Syncer) NotifyChange(ctx context.Context, key string, oldValue, newValue []byte) error {
	if _, err := s.store.PendingAppend(key, oldValue, newValue); err != nil {
		return err
	}
	if depth, err := s.store.PendingDepth(); err == nil {
		metrics.PendingQueueDepth.Set(float64(depth))
	}
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounceTmr != nil {
		s.debounceTmr.Reset(s.cfg.Debounce)
		return nil
	}
	s.debounceTmr = s.afterFunc(s.cfg.Debounce, func() {
		s.mu.Lock()
		s.debounceTmr = nil
		s.mu.Unlock()
		s.SyncNow(ctx, "change")
	})
	return nil
}

// Reset drops all scheduler state: retry counter, timers, the pending queue,
// and the recorded last sync time. Manual recovery and sign-out path.
func (s *Syncer) Reset() error {
	s.mu.Lock()
	s.retryCount = 0
	if s.state == StateRetrying {
		s.state = StateIdle
	}
	s.stopTimersLocked()
	s.lastSync = time.Time{}
	s.lastPrint = ""
	s.mu.Unlock()

	if err := s.store.PendingClear(); err != nil {
		return fmt.Errorf("clear pending queue: %w", err)
	}
	metrics.PendingQueueDepth.Set(0)
	if err := s.store.CacheDelete(storage.KeyLastSync); err != nil {
		return fmt.Errorf("discard last sync time: %w", err)
	}
	s.log.Info().Msg("sync state reset")
	return nil
}

func (s *Syncer) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
}

func (s *Syncer) stopTimersLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.debounceTmr != nil {
		s.debounceTmr.Stop()
		s.debounceTmr = nil
	}
}

func (s *Syncer) persistLastSync(t time.Time) {
	data, err := msgpack.Marshal(t)
	if err != nil {
		return
	}
	if err := s.store.CacheSet(storage.KeyLastSync, data); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist last sync time")
	}
}

func (s *Syncer) restoreLastSync() {
	entry, err := s.store.CacheGet(storage.KeyLastSync)
	if err != nil || entry == nil {
		return
	}
	var t time.Time
	if err := msgpack.Unmarshal(entry.Value, &t); err != nil {
		return
	}
	s.mu.Lock()
	s.lastSync = t
	s.mu.Unlock()
}

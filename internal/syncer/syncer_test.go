package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fokusapp/fokusd/internal/backend"
	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/fokusapp/fokusd/internal/decision"
	"github.com/fokusapp/fokusd/internal/rules"
	"github.com/fokusapp/fokusd/internal/stats"
	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/fokusapp/fokusd/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// countingSink records Replace calls.
type countingSink struct {
	calls int
	last  []rules.Rule
}

func (c *countingSink) Replace(_ context.Context, rs []rules.Rule) error {
	c.calls++
	c.last = rs
	return nil
}

func newTestSyncer(t *testing.T, cfg Config) (*Syncer, *testutil.MockBackend, *testutil.MockStore, *countingSink) {
	t.Helper()
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 10 * time.Millisecond
	}
	if cfg.Strategy == "" {
		cfg.Strategy = blocklist.StrategyMerge
	}
	client := testutil.NewMockBackend()
	store := testutil.NewMockStore()
	tracker := stats.NewTracker(store)
	compiler := rules.NewCompiler(rules.DefaultLimit, "https://app.fokusapp.dev/blocked")
	sink := &countingSink{}
	eval := decision.NewEvaluator(decision.NewAllowlist(), zerolog.Nop())

	s := New(cfg, client, store, tracker, compiler, sink, eval, zerolog.Nop())
	return s, client, store, sink
}

func seedLocalBlocklist(t *testing.T, store *testutil.MockStore, domains ...string) *blocklist.Blocklist {
	t.Helper()
	bl := blocklist.New()
	for _, d := range domains {
		if _, err := bl.AddDomain(d); err != nil {
			t.Fatal(err)
		}
	}
	data, err := msgpack.Marshal(bl)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CacheSet(storage.KeyBlocklist, data); err != nil {
		t.Fatal(err)
	}
	return bl
}

func TestSyncNowSkippedWhenSignedOut(t *testing.T) {
	s, client, _, _ := newTestSyncer(t, Config{})
	client.ActiveSession = nil

	rep := s.SyncNow(context.Background(), "test")
	if rep.Skipped != SkipSignedOut {
		t.Errorf("Skipped = %q, want %q", rep.Skipped, SkipSignedOut)
	}
	if client.CallCount("GetBlocklist") != 0 {
		t.Error("no table calls should happen while signed out")
	}
}

func TestSyncNowSkippedWhileOffline(t *testing.T) {
	s, client, _, _ := newTestSyncer(t, Config{})
	s.online.Store(false)

	rep := s.SyncNow(context.Background(), "test")
	if rep.Skipped != SkipOffline {
		t.Errorf("Skipped = %q, want %q", rep.Skipped, SkipOffline)
	}
	if client.CallCount("GetBlocklist") != 0 {
		t.Error("no table calls should happen while offline")
	}
}

func TestSyncMergesAndPushesLocalAdditions(t *testing.T) {
	s, client, store, sink := newTestSyncer(t, Config{})
	seedLocalBlocklist(t, store, "local-only.com", "shared.com")

	remote := blocklist.New()
	_, _ = remote.AddDomain("remote-only.com")
	_, _ = remote.AddDomain("shared.com")
	client.Blocklist = remote

	rep := s.SyncNow(context.Background(), "test")
	if rep.Skipped != "" || rep.Errors != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if !rep.Pushed {
		t.Error("local-only domain must be pushed upstream")
	}
	if len(client.Blocklist.Domains) != 3 {
		t.Errorf("remote domains = %v, want the union of both sides", client.Blocklist.Domains)
	}
	if sink.calls != 1 || len(sink.last) != 3 {
		t.Errorf("sink calls=%d rules=%d, want one install of 3 rules", sink.calls, len(sink.last))
	}

	// Local cache holds the merged list.
	entry, _ := store.CacheGet(storage.KeyBlocklist)
	var cached blocklist.Blocklist
	if err := msgpack.Unmarshal(entry.Value, &cached); err != nil {
		t.Fatal(err)
	}
	if len(cached.Domains) != 3 {
		t.Errorf("cached domains = %v", cached.Domains)
	}
}

func TestSyncServerWinsDiscardsLocal(t *testing.T) {
	s, client, store, sink := newTestSyncer(t, Config{Strategy: blocklist.StrategyServerWins})
	seedLocalBlocklist(t, store, "local-only.com")

	remote := blocklist.New()
	_, _ = remote.AddDomain("remote-only.com")
	client.Blocklist = remote

	rep := s.SyncNow(context.Background(), "test")
	if rep.Errors != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Pushed {
		t.Error("server_wins must never push")
	}
	if len(sink.last) != 1 || sink.last[0].URLFilter != "||remote-only.com^" {
		t.Errorf("installed rules = %+v, want only the remote domain", sink.last)
	}
}

func TestSyncUnchangedSkipsReinstall(t *testing.T) {
	s, client, store, sink := newTestSyncer(t, Config{})
	bl := seedLocalBlocklist(t, store, "same.com")
	client.Blocklist = bl.Clone()

	_ = s.SyncNow(context.Background(), "first")
	if sink.calls != 0 {
		// Identical sides: no changes, nothing to install.
		t.Errorf("sink calls = %d, want 0 for an unchanged list", sink.calls)
	}
}

func TestSyncPartialFailureStillRecordsLastSync(t *testing.T) {
	s, client, store, _ := newTestSyncer(t, Config{MaxRetries: 0})
	seedLocalBlocklist(t, store, "a.com")
	client.SetError("GetBlocklist", errors.New("boom"))

	rep := s.SyncNow(context.Background(), "test")
	if rep.Errors != 1 {
		t.Fatalf("Errors = %d, want 1 (blocklist sub-sync only)", rep.Errors)
	}
	if s.LastSync().IsZero() {
		t.Error("partial cycle must still record last sync time")
	}
	if entry, _ := store.CacheGet(storage.KeyLastSync); entry == nil {
		t.Error("last sync time must be persisted")
	}
	// Other sub-syncs ran despite the blocklist failure.
	if client.CallCount("UpsertDevice") != 1 {
		t.Error("device sub-sync should run even when blocklist fails")
	}
}

func TestSyncSchedulesRetryWithBackoff(t *testing.T) {
	s, client, _, _ := newTestSyncer(t, Config{RetryDelay: time.Minute, MaxRetries: 3})

	var delays []time.Duration
	fired := make(chan func(), 8)
	s.afterFunc = func(d time.Duration, f func()) *time.Timer {
		delays = append(delays, d)
		fired <- f
		return time.NewTimer(time.Hour)
	}

	client.SetError("GetBlocklist", errors.New("boom"))
	rep := s.SyncNow(context.Background(), "test")
	if rep.Errors != 1 {
		t.Fatalf("Errors = %d", rep.Errors)
	}
	if s.State() != StateRetrying {
		t.Fatalf("state = %s, want retrying", s.State())
	}
	if len(delays) != 1 || delays[0] != time.Minute {
		t.Fatalf("first retry delay = %v, want RetryDelay", delays)
	}

	// Second consecutive failure doubles the delay.
	client.SetError("GetBlocklist", errors.New("boom"))
	(<-fired)()
	if len(delays) != 2 || delays[1] != 2*time.Minute {
		t.Fatalf("second retry delay = %v, want doubled", delays)
	}

	// A successful retry resets the counter and state.
	(<-fired)()
	if s.State() != StateIdle {
		t.Errorf("state = %s, want idle after success", s.State())
	}
}

func TestSyncConcurrentCycleSkipped(t *testing.T) {
	s, _, _, _ := newTestSyncer(t, Config{})
	s.mu.Lock()
	s.state = StateSyncing
	s.mu.Unlock()

	rep := s.SyncNow(context.Background(), "test")
	if rep.Skipped != SkipInProgress {
		t.Errorf("Skipped = %q, want %q", rep.Skipped, SkipInProgress)
	}
}

func TestPendingReplayCoalescesLastWritePerKey(t *testing.T) {
	s, client, store, _ := newTestSyncer(t, Config{})

	v1, _ := msgpack.Marshal(listWith(t, "a.com"))
	v2, _ := msgpack.Marshal(listWith(t, "a.com", "b.com"))
	_, _ = store.PendingAppend(storage.KeyBlocklist, nil, v1)
	_, _ = store.PendingAppend(storage.KeyBlocklist, v1, v2)

	n, err := s.replayPending(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("replayPending: %v", err)
	}
	if n != 1 {
		t.Errorf("replayed = %d, want 1 coalesced op", n)
	}
	if client.CallCount("UpsertBlocklist") != 1 {
		t.Errorf("UpsertBlocklist calls = %d, want 1", client.CallCount("UpsertBlocklist"))
	}
	if len(client.Blocklist.Domains) != 2 {
		t.Errorf("remote got %v, want the last write", client.Blocklist.Domains)
	}
	if depth, _ := store.PendingDepth(); depth != 0 {
		t.Errorf("queue depth = %d, want cleared", depth)
	}
}

func TestPendingReplayFailureKeepsQueue(t *testing.T) {
	s, client, store, _ := newTestSyncer(t, Config{})

	v, _ := msgpack.Marshal(listWith(t, "a.com"))
	_, _ = store.PendingAppend(storage.KeyBlocklist, nil, v)
	client.SetError("UpsertBlocklist", errors.New("boom"))

	if _, err := s.replayPending(context.Background(), "user-1"); err == nil {
		t.Fatal("expected replay error")
	}
	if depth, _ := store.PendingDepth(); depth != 1 {
		t.Errorf("queue depth = %d, want the batch kept for the next cycle", depth)
	}
}

func TestSyncStatsPushesUnsyncedDays(t *testing.T) {
	s, client, store, _ := newTestSyncer(t, Config{})
	tracker := stats.NewTracker(store)
	if err := tracker.Record(stats.Event{
		ID: "e1", URL: "https://reddit.com/", MatchType: "domain", MatchValue: "reddit.com",
	}); err != nil {
		t.Fatal(err)
	}

	rep := s.SyncNow(context.Background(), "test")
	if rep.Errors != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(client.Events) != 1 || len(client.Days) != 1 {
		t.Fatalf("events=%d days=%d, want 1 and 1", len(client.Events), len(client.Days))
	}

	// Second cycle finds nothing unsynced.
	_ = s.SyncNow(context.Background(), "test")
	if len(client.Events) != 1 {
		t.Errorf("events = %d, want no re-push of synced days", len(client.Events))
	}
}

func TestSyncSettingsLastWriterWins(t *testing.T) {
	s, client, store, _ := newTestSyncer(t, Config{})

	local := backend.Settings{MergeStrategy: "merge", BlockingEnabled: true, UpdatedAt: time.Now().Add(-time.Hour)}
	data, _ := msgpack.Marshal(local)
	_ = store.CacheSet(storage.KeySettings, data)

	remote := backend.Settings{MergeStrategy: "server_wins", BlockingEnabled: false, UpdatedAt: time.Now()}
	client.Settings = &remote

	rep := s.SyncNow(context.Background(), "test")
	if rep.Errors != 0 {
		t.Fatalf("report = %+v", rep)
	}
	entry, _ := store.CacheGet(storage.KeySettings)
	var got backend.Settings
	if err := msgpack.Unmarshal(entry.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.MergeStrategy != "server_wins" {
		t.Errorf("local settings = %+v, want the newer remote copy", got)
	}
}

func TestRecompileTruncatesOverCeiling(t *testing.T) {
	s, _, _, sink := newTestSyncer(t, Config{})
	s.compiler = rules.NewCompiler(10, "https://app.fokusapp.dev/blocked")

	bl := blocklist.New()
	for i := 0; i < 15; i++ {
		bl.Domains = append(bl.Domains, domainName(i))
	}
	installed, dropped, err := s.Recompile(context.Background(), bl)
	if err != nil {
		t.Fatalf("Recompile: %v", err)
	}
	if installed != 10 || dropped != 5 {
		t.Errorf("installed=%d dropped=%d, want 10 and 5", installed, dropped)
	}
	if len(sink.last) != 10 {
		t.Errorf("sink got %d rules", len(sink.last))
	}
}

func TestNotifyChangeDebounces(t *testing.T) {
	s, _, store, _ := newTestSyncer(t, Config{Debounce: time.Hour})

	resets := 0
	s.afterFunc = func(d time.Duration, f func()) *time.Timer {
		resets++
		return time.NewTimer(time.Hour)
	}

	for i := 0; i < 3; i++ {
		if err := s.NotifyChange(context.Background(), storage.KeyBlocklist, nil, []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	if resets != 1 {
		t.Errorf("afterFunc calls = %d, want 1 (later edits reset the timer)", resets)
	}
	if depth, _ := store.PendingDepth(); depth != 3 {
		t.Errorf("queue depth = %d, want every edit queued", depth)
	}
}

// deadlineClient fails any call whose context is already cancelled, the way a
// real HTTP transport would.
type deadlineClient struct {
	*testutil.MockBackend
}

func (c *deadlineClient) GetBlocklist(ctx context.Context, userID string) (*blocklist.Blocklist, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.MockBackend.GetBlocklist(ctx, userID)
}

func (c *deadlineClient) UpsertBlocklist(ctx context.Context, userID string, bl *blocklist.Blocklist) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MockBackend.UpsertBlocklist(ctx, userID, bl)
}

func TestDebouncedDrainOutlivesCaller(t *testing.T) {
	s, client, store, _ := newTestSyncer(t, Config{Debounce: time.Hour})
	s.client = &deadlineClient{client}

	fired := make(chan func(), 4)
	s.afterFunc = func(d time.Duration, f func()) *time.Timer {
		fired <- f
		return time.NewTimer(time.Hour)
	}

	reqCtx, cancel := context.WithCancel(context.Background())
	v, _ := msgpack.Marshal(listWith(t, "a.com"))
	if err := s.NotifyChange(reqCtx, storage.KeyBlocklist, nil, v); err != nil {
		t.Fatal(err)
	}
	// The message-surface request finishes long before the quiet period.
	cancel()

	(<-fired)()

	if got := client.CallCount("UpsertBlocklist"); got != 1 {
		t.Errorf("UpsertBlocklist calls = %d, want the drain to reach the backend", got)
	}
	if depth, _ := store.PendingDepth(); depth != 0 {
		t.Errorf("queue depth = %d, want drained", depth)
	}
}

func TestRetryOutlivesTriggeringContext(t *testing.T) {
	s, client, _, _ := newTestSyncer(t, Config{RetryDelay: time.Minute, MaxRetries: 3})
	s.client = &deadlineClient{client}

	fired := make(chan func(), 4)
	s.afterFunc = func(d time.Duration, f func()) *time.Timer {
		fired <- f
		return time.NewTimer(time.Hour)
	}

	reqCtx, cancel := context.WithCancel(context.Background())
	client.SetError("GetBlocklist", errors.New("boom"))
	rep := s.SyncNow(reqCtx, "change")
	if rep.Errors != 1 {
		t.Fatalf("Errors = %d, want the first cycle to fail", rep.Errors)
	}
	cancel()

	// The scheduled retry must not inherit the dead trigger context.
	(<-fired)()
	if s.State() != StateIdle {
		t.Errorf("state = %s, want idle after a successful retry", s.State())
	}
	if got := client.CallCount("GetBlocklist"); got != 2 {
		t.Errorf("GetBlocklist calls = %d, want the retry to reach the backend", got)
	}
}

func TestResetClearsQueueAndLastSync(t *testing.T) {
	s, _, store, _ := newTestSyncer(t, Config{})
	_ = s.SyncNow(context.Background(), "test")
	_, _ = store.PendingAppend(storage.KeyBlocklist, nil, []byte("v"))

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !s.LastSync().IsZero() {
		t.Error("last sync time must be discarded")
	}
	if depth, _ := store.PendingDepth(); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
	if entry, _ := store.CacheGet(storage.KeyLastSync); entry != nil {
		t.Error("persisted last sync time must be deleted")
	}
}

func listWith(t *testing.T, domains ...string) *blocklist.Blocklist {
	t.Helper()
	bl := blocklist.New()
	for _, d := range domains {
		if _, err := bl.AddDomain(d); err != nil {
			t.Fatal(err)
		}
	}
	return bl
}

func domainName(i int) string {
	return fmt.Sprintf("site-%03d.com", i)
}

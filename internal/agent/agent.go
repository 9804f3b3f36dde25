package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fokusapp/fokusd/internal/backend"
	"github.com/fokusapp/fokusd/internal/blocklist"
	"github.com/fokusapp/fokusd/internal/config"
	"github.com/fokusapp/fokusd/internal/decision"
	"github.com/fokusapp/fokusd/internal/device"
	"github.com/fokusapp/fokusd/internal/events"
	"github.com/fokusapp/fokusd/internal/pool"
	"github.com/fokusapp/fokusd/internal/rules"
	"github.com/fokusapp/fokusd/internal/stats"
	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/fokusapp/fokusd/internal/syncer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Agent wires together the message surface, sync scheduler, navigation
// evaluator, stats pool, and janitor.
type Agent struct {
	cfg      *config.Config
	client   backend.Client
	store    storage.Store
	tracker  *stats.Tracker
	syncer   *syncer.Syncer
	eval     *decision.Evaluator
	ruleSink *rules.StoreSink
	pool     *pool.Pool
	bus      *events.Bus
	httpc    *http.Client
	log      zerolog.Logger
}

// New constructs a fully wired Agent.
func New(cfg *config.Config, client backend.Client, store storage.Store, bus *events.Bus, log zerolog.Logger) (*Agent, error) {
	tracker := stats.NewTracker(store)
	allowlist := decision.NewAllowlist()
	eval := decision.NewEvaluator(allowlist, log)

	compiler := rules.NewCompiler(cfg.RuleLimit, cfg.InterstitialURL)
	ruleSink := rules.NewStoreSink(store)
	sink := rules.MultiSink{ruleSink}
	if cfg.RulesetPath != "" {
		sink = append(sink, rules.NewFileSink(cfg.RulesetPath))
	}

	sched := syncer.New(syncer.Config{
		Interval:      cfg.SyncInterval,
		RetryDelay:    cfg.SyncRetryDelay,
		MaxRetries:    cfg.SyncMaxRetries,
		Debounce:      cfg.SyncDebounce,
		ProbeInterval: cfg.SyncProbeInterval,
		Strategy:      cfg.Strategy(),
		DeviceName:    cfg.DeviceName,
	}, client, store, tracker, compiler, sink, eval, log)

	a := &Agent{
		cfg:      cfg,
		client:   client,
		store:    store,
		tracker:  tracker,
		syncer:   sched,
		eval:     eval,
		ruleSink: ruleSink,
		bus:      bus,
		httpc:    &http.Client{Timeout: cfg.BackendHTTPTimeout},
		log:      log,
	}

	p, err := pool.New(pool.Config{
		Workers:    2,
		QueueDepth: 1024,
		MaxRetries: 2,
		RetryBase:  time.Second,
	}, a.handleJob, log)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	a.pool = p

	// Sign-out drops scheduler state so a stale retry never runs against the
	// next account.
	bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.SignedOut {
			if err := sched.Reset(); err != nil {
				log.Warn().Err(err).Msg("failed to reset sync state on sign-out")
			}
		}
	})

	return a, nil
}

// Syncer exposes the scheduler for the CLI sync command.
func (a *Agent) Syncer() *syncer.Syncer { return a.syncer }

// Run starts all goroutines and blocks until ctx is cancelled or a fatal
// error occurs.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.restoreSnapshot(ctx); err != nil {
		a.log.Warn().Err(err).Msg("could not restore blocklist snapshot from cache")
	}

	g, gctx := errgroup.WithContext(ctx)

	a.pool.Start(gctx)

	g.Go(func() error {
		return a.syncer.Run(gctx)
	})

	g.Go(func() error {
		return a.serveMessages(gctx)
	})

	if a.cfg.MetricsEnabled {
		g.Go(func() error {
			return a.serveMetrics(gctx)
		})
	}

	g.Go(func() error {
		return a.serveHealth(gctx)
	})

	janitor := NewJanitor(a.store, a.eval.Allowlist(), a.pool, a.cfg.JanitorInterval, a.cfg.CacheTTL, a.log)
	g.Go(func() error {
		return janitor.Run(gctx)
	})

	if a.cfg.ListsDir != "" {
		watcher := NewWatcher(a, a.cfg.ListsDir, a.cfg.ListsExtensions, a.cfg.SyncDebounce, a.log)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.pool.Stop()
	return nil
}

// restoreSnapshot rebuilds the evaluator and rule set from the cached
// blocklist so blocking works before the first sync completes.
func (a *Agent) restoreSnapshot(ctx context.Context) error {
	bl, err := a.loadBlocklist()
	if err != nil {
		return err
	}
	if bl == nil {
		return nil
	}
	if _, _, err := a.syncer.Recompile(ctx, bl); err != nil {
		return err
	}
	a.log.Info().Int("domains", len(bl.Domains)).Int("keywords", len(bl.Keywords)).
		Msg("blocklist restored from cache")
	return nil
}

// handleJob processes one worker-pool job.
func (a *Agent) handleJob(ctx context.Context, job pool.Job) error {
	switch job.Kind {
	case pool.KindBlockEvent:
		return a.tracker.Record(job.Event)
	case pool.KindHeartbeat:
		d, err := device.Ensure(a.store, a.cfg.DeviceName)
		if err != nil {
			return err
		}
		return device.Heartbeat(a.store, d)
	default:
		a.log.Warn().Str("kind", job.Kind).Msg("unknown job kind dropped")
		return nil
	}
}

// serveMessages runs the local messaging endpoint.
func (a *Agent) serveMessages(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/message", a.handleMessageHTTP)
	mux.HandleFunc("/v1/ruleset", a.handleRulesetHTTP)
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	a.log.Info().Str("addr", a.cfg.ListenAddr).Msg("message server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("message server: %w", err)
	}
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (a *Agent) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    a.cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	a.log.Info().Str("addr", a.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveHealth runs the health endpoints.
func (a *Agent) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.client.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{
		Addr:    a.cfg.HealthAddr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	a.log.Info().Str("addr", a.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// loadBlocklist reads the cached blocklist, or nil when none exists.
func (a *Agent) loadBlocklist() (*blocklist.Blocklist, error) {
	entry, err := a.store.CacheGet(storage.KeyBlocklist)
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

// saveBlocklist persists a mutated blocklist, recompiles rules, and queues
// the change for the next sync drain. oldRaw may be nil on first write.
func (a *Agent) saveBlocklist(ctx context.Context, oldRaw []byte, bl *blocklist.Blocklist) error {
	data, err := msgpack.Marshal(bl)
	if err != nil {
		return fmt.Errorf("marshal blocklist: %w", err)
	}
	if err := a.store.CacheSet(storage.KeyBlocklist, data); err != nil {
		return fmt.Errorf("cache blocklist: %w", err)
	}
	if _, _, err := a.syncer.Recompile(ctx, bl); err != nil {
		return err
	}
	return a.syncer.NotifyChange(ctx, storage.KeyBlocklist, oldRaw, data)
}

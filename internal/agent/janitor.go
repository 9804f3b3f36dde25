package agent

import (
	"context"
	"time"

	"github.com/fokusapp/fokusd/internal/decision"
	"github.com/fokusapp/fokusd/internal/metrics"
	"github.com/fokusapp/fokusd/internal/pool"
	"github.com/fokusapp/fokusd/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: pruning stale cache entries and
// expired temporary unblocks, updating gauges.
type Janitor struct {
	store      storage.Store
	allowlist  *decision.Allowlist
	workerPool *pool.Pool
	interval   time.Duration
	cacheTTL   time.Duration
	log        zerolog.Logger
}

// NewJanitor creates a Janitor.
func NewJanitor(store storage.Store, allowlist *decision.Allowlist, workerPool *pool.Pool, interval, cacheTTL time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:      store,
		allowlist:  allowlist,
		workerPool: workerPool,
		interval:   interval,
		cacheTTL:   cacheTTL,
		log:        log.With().Str("component", "janitor").Logger(),
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	// Prune cache entries past the TTL
	pruned, err := j.store.PruneStaleCache(j.cacheTTL)
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune stale cache failed")
	} else if pruned > 0 {
		metrics.CacheEvictions.Add(float64(pruned))
		j.log.Info().Int("count", pruned).Msg("janitor: pruned stale cache entries")
	}

	// Drop expired temporary unblocks
	if expired := j.allowlist.Prune(); expired > 0 {
		j.log.Info().Int("count", expired).Msg("janitor: expired temporary unblocks")
	}

	// Update DB size gauge
	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	// Update queue depth gauges
	if depth, err := j.store.PendingDepth(); err == nil {
		metrics.PendingQueueDepth.Set(float64(depth))
	}
	if j.workerPool != nil {
		metrics.WorkerQueueDepth.Set(float64(j.workerPool.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}

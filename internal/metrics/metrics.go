package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fokus"

var (
	// SyncCycles counts completed sync cycles by result.
	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_cycles_total",
		Help:      "Completed sync cycles by result.",
	}, []string{"result"})

	// SyncDuration records full sync cycle duration.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Full sync cycle duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0},
	}, []string{"trigger"})

	// SubSyncErrors counts failures per sub-sync.
	SubSyncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subsync_errors_total",
		Help:      "Failures per sub-sync within a cycle.",
	}, []string{"subsync"})

	// PendingQueueDepth tracks the persisted pending-operation queue length.
	PendingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_queue_depth",
		Help:      "Persisted pending-operation queue length.",
	})

	// PendingReplayed counts pending operations replayed against the backend.
	PendingReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_replayed_total",
		Help:      "Pending operations replayed against the backend.",
	}, []string{"status"})

	// BlocklistSize tracks entries per blocklist field.
	BlocklistSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blocklist_size",
		Help:      "Entries per blocklist field.",
	}, []string{"field"})

	// RulesCompiled tracks the size of the last compiled rule set.
	RulesCompiled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rules_compiled",
		Help:      "Rules in the last compiled set.",
	})

	// RulesDropped counts domains dropped by the truncate-and-report policy.
	RulesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rules_dropped_total",
		Help:      "Domains dropped when the rule ceiling was exceeded.",
	})

	// BlockDecisions counts block decisions by type.
	BlockDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_decisions_total",
		Help:      "Block decisions by match type.",
	}, []string{"type"})

	// TempUnblocks counts temporary unblock grants.
	TempUnblocks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "temp_unblocks_total",
		Help:      "Temporary unblock grants.",
	})

	// APICalls counts raw backend API calls.
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "Raw backend API call counts.",
	}, []string{"endpoint", "status"})

	// APIDuration records backend API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "Backend API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	// AuthErrors counts token refreshes that failed.
	AuthErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_errors_total",
		Help:      "Token refreshes that failed.",
	})

	// TokenRefreshes counts successful token refreshes.
	TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "Successful token refreshes.",
	})

	// CacheEvictions counts entries removed by quota eviction passes.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Cache entries removed by quota eviction.",
	})

	// JobsEnqueued counts jobs placed into the event worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into the event worker channel.",
	}, []string{"kind"})

	// JobsDropped counts jobs discarded without processing.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without processing.",
	}, []string{"reason"})

	// JobsProcessed counts event worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Event worker job completions.",
	}, []string{"kind", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// MessagesHandled counts messaging-surface requests by type and outcome.
	MessagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_handled_total",
		Help:      "Messaging-surface requests by type and outcome.",
	}, []string{"type", "status"})

	// Online reports the last connectivity probe result (1 = online).
	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online",
		Help:      "Last connectivity probe result (1 = online).",
	})
)

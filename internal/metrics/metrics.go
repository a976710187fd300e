package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wallet_monitor"

var (
	// Cache
	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Cache lookups by result (hit, miss, shared)",
	}, []string{"cache", "result"})

	CacheFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "fetch_errors_total",
		Help:      "Fetcher failures (never cached)",
	}, []string{"cache"})

	CacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries removed by eviction, expiry sweep or scope change",
	}, []string{"cache", "reason"})

	CacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Current number of cache entries",
	}, []string{"cache"})

	// Discovery
	DiscoveryRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "runs_total",
		Help:      "Token discovery runs by result",
	}, []string{"result"})

	DiscoveredTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "tokens",
		Help:      "Tokens found by the last successful discovery",
	})

	// Monitor
	MonitorCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "cycles_total",
		Help:      "Balance monitor cycles",
	})

	MonitorTokenErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "token_errors_total",
		Help:      "Per-token balance read failures",
	}, []string{"chain_id"})

	BalanceChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "balance_changes_total",
		Help:      "Detected balance changes",
	}, []string{"chain_id", "type"})

	MonitorCycleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "cycle_duration_seconds",
		Help:      "Balance monitor cycle duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Background tasks
	BackgroundTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Background task runs by outcome",
	}, []string{"task", "outcome"})

	// Notifications
	NotificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notifications delivered per sink",
	}, []string{"sink"})

	NotificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "failures_total",
		Help:      "Notification delivery failures per sink",
	}, []string{"sink"})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Upstream calls by status class",
	}, []string{"chain_id", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Calls delayed by the client-side rate limiter",
	}, []string{"chain_id"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"chain_id"})

	// Postgres pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "open_connections",
		Help:      "Open connections in the postgres pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "in_use",
		Help:      "Connections currently in use",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "idle",
		Help:      "Idle connections",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "wait_count",
		Help:      "Total connections waited for",
	})

	DBPoolWaitDurationSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "wait_duration_seconds",
		Help:      "Total time blocked waiting for a connection",
	})
)

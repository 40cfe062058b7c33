package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_quotes_total",
			Help: "Fee quotes by result",
		},
		[]string{"source", "result"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_transitions_total",
			Help: "Transaction status transitions",
		},
		[]string{"from", "to"},
	)

	ConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_ledger_conflicts_total",
			Help: "Stale ledger writes rejected by the version check",
		},
	)

	AllowanceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_allowance_requests_total",
			Help: "Approval requests by asset and result",
		},
		[]string{"asset", "result"},
	)

	AllowanceCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_allowance_cache_total",
			Help: "Allowance cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_monitor_poll_duration_seconds",
			Help:    "Duration of monitor observations",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"status"},
	)

	PollFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_monitor_poll_failures_total",
			Help: "Failed monitor poll attempts",
		},
		[]string{"status"},
	)

	MonitorWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_monitor_warnings_total",
			Help: "Observations that exhausted their retries",
		},
		[]string{"status"},
	)

	WatchedTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_monitor_watched_transactions",
			Help: "Transactions with a running watcher",
		},
	)
)

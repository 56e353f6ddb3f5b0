package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal tracks operations by type and terminal status
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_operations_total",
			Help: "The total number of fleet operations by type and status",
		},
		[]string{"type", "status"},
	)

	// OpenOperations tracks the number of operations currently holding a cluster slot
	OpenOperations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_open_operations",
		Help: "The number of operations currently in pending/approved/executing",
	})

	// TradesTotal tracks per-wallet sub-trades by status
	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_trades_total",
			Help: "The total number of per-wallet sub-trades",
		},
		[]string{"status"},
	)

	// FundingTransfersTotal tracks master-to-member transfers by status
	FundingTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_funding_transfers_total",
			Help: "The total number of funding transfers",
		},
		[]string{"status"},
	)

	// OperationSeconds tracks end-to-end operation execution time
	OperationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_operation_seconds",
			Help:    "Time taken to execute an operation across all wallets",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		},
		[]string{"type", "strategy"},
	)

	// AutonomyTicksTotal tracks autonomy loop ticks by outcome
	AutonomyTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_autonomy_ticks_total",
			Help: "The total number of autonomy loop ticks",
		},
		[]string{"status"}, // ok, error, rejected
	)

	// StaleOperationsRecovered tracks executing operations failed by timeout
	StaleOperationsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_stale_operations_recovered_total",
		Help: "The total number of stuck executing operations force-failed",
	})

	// BudgetLookups tracks balance service reads by cache outcome
	BudgetLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_budget_lookups_total",
			Help: "The total number of wallet budget lookups",
		},
		[]string{"source"}, // cache, service
	)

	// BundlerRequestsTotal tracks signing backend calls by kind and status
	BundlerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_bundler_requests_total",
			Help: "The total number of signing backend requests",
		},
		[]string{"kind", "status"},
	)
)

// RecordOperation records a terminal operation outcome
func RecordOperation(opType, status string) {
	OperationsTotal.WithLabelValues(opType, status).Inc()
}

// RecordTrade records a settled sub-trade
func RecordTrade(status string) {
	TradesTotal.WithLabelValues(status).Inc()
}

// RecordFundingTransfer records a settled funding transfer
func RecordFundingTransfer(status string) {
	FundingTransfersTotal.WithLabelValues(status).Inc()
}

// RecordTick records an autonomy tick outcome
func RecordTick(status string) {
	AutonomyTicksTotal.WithLabelValues(status).Inc()
}

// RecordBundlerRequest records a signing backend call
func RecordBundlerRequest(kind, status string) {
	BundlerRequestsTotal.WithLabelValues(kind, status).Inc()
}

// RecordBudgetLookup records where a budget read was served from
func RecordBudgetLookup(source string) {
	BudgetLookups.WithLabelValues(source).Inc()
}

// Package metrics is the telemetry sink spec.md §7 refers to when it says
// a ROW_TOO_LARGE condition "is reported to telemetry (but not to the
// client mid-stream)".
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RowTooLargeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "row_too_large_total",
		Help:      "Rows rejected and replaced with an empty-column placeholder for exceeding the size ceiling.",
	}, []string{"group_id", "table"})

	CheckpointLagOps = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sync",
		Name:      "checkpoint_lag_ops",
		Help:      "Difference between the latest assigned op id and the last committed checkpoint's op id.",
	}, []string{"group_id"})

	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sync",
		Name:      "active_connections",
		Help:      "Number of sync stream connections currently holding a data-fetch semaphore slot.",
	})

	MaxTxRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "max_tx_retries_total",
		Help:      "Replication flushes that exhausted their retry budget.",
	}, []string{"group_id"})
)

// MustRegister registers every collector against reg. Call once at
// startup with prometheus.DefaultRegisterer (or a test registry).
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(RowTooLargeTotal, CheckpointLagOps, ActiveConnections, MaxTxRetriesTotal)
}

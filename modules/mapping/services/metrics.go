package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	cascadeLookups  *prometheus.CounterVec
	cascadeRebuilds *prometheus.CounterVec
	rebuildLatency  *prometheus.HistogramVec

	reconcileRows *prometheus.CounterVec
	submitTotal   *prometheus.CounterVec
	mergeLatency  *prometheus.HistogramVec
	mergeApprox   *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		cascadeLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapping",
			Name:      "cascade_lookups_total",
			Help:      "Cascade cache lookups by result (hit, miss, expired).",
		}, []string{"source", "result"}),
		cascadeRebuilds: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapping",
			Name:      "cascade_rebuilds_total",
			Help:      "Cascade tree rebuilds by result.",
		}, []string{"source", "result"}),
		rebuildLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mapping",
			Name:      "cascade_rebuild_seconds",
			Help:      "Cascade rebuild latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		reconcileRows: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapping",
			Name:      "reconcile_rows_total",
			Help:      "Candidate rows by reconciliation outcome.",
		}, []string{"dataset", "outcome"}),
		submitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapping",
			Name:      "submit_total",
			Help:      "Reconciliation submissions by result.",
		}, []string{"dataset", "result"}),
		mergeLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mapping",
			Name:      "merge_seconds",
			Help:      "Stage plus merge latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table"}),
		mergeApprox: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapping",
			Name:      "merge_approximate_counts_total",
			Help:      "Merges whose counts were approximated because the store reported none.",
		}, []string{"table"}),
	}
})

func recordCascadeLookup(source, result string) {
	metricsSingleton().cascadeLookups.WithLabelValues(source, result).Inc()
}

func recordRows(dataset, outcome string, n int) {
	if n <= 0 {
		return
	}
	metricsSingleton().reconcileRows.WithLabelValues(dataset, outcome).Add(float64(n))
}

func recordSubmit(dataset, result string) {
	metricsSingleton().submitTotal.WithLabelValues(dataset, result).Inc()
}

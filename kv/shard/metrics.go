package shard

import "github.com/prometheus/client_golang/prometheus"

var (
	queuedOperationsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinyshard",
			Subsystem: "shard",
			Name:      "queued_operations",
			Help:      "Number of unfinished operations of a shard.",
		}, []string{"shard"})

	terminalFactsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinyshard",
			Subsystem: "shard",
			Name:      "terminal_facts",
			Help:      "Number of finished operations a shard still answers about.",
		}, []string{"shard"})

	admissionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyshard",
			Subsystem: "shard",
			Name:      "admission_total",
			Help:      "Counter of admission decisions.",
		}, []string{"type"})

	readSetCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyshard",
			Subsystem: "shard",
			Name:      "readset_total",
			Help:      "Counter of readsets by event.",
		}, []string{"type"})

	operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyshard",
			Subsystem: "shard",
			Name:      "operation_total",
			Help:      "Counter of finished operations.",
		}, []string{"kind", "result"})

	snapshotDeferCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinyshard",
			Subsystem: "shard",
			Name:      "snapshot_deferred_total",
			Help:      "Counter of snapshot reads deferred until the watermark passed them.",
		})

	restoredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinyshard",
			Subsystem: "shard",
			Name:      "restored_operations_total",
			Help:      "Counter of operations restored from the redo log.",
		})

	executeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinyshard",
			Subsystem: "shard",
			Name:      "execute_duration_seconds",
			Help:      "Bucketed histogram of local execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(queuedOperationsGauge)
	prometheus.MustRegister(terminalFactsGauge)
	prometheus.MustRegister(admissionCounter)
	prometheus.MustRegister(readSetCounter)
	prometheus.MustRegister(operationCounter)
	prometheus.MustRegister(snapshotDeferCounter)
	prometheus.MustRegister(restoredCounter)
	prometheus.MustRegister(executeDuration)
}

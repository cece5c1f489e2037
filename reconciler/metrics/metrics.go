// Package metrics exposes the reconciler's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cycle metrics
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansd_network_cycles_total",
		Help: "Reconciliation cycles per network by final status",
	}, []string{"network", "status"})

	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ansd_network_cycle_duration_seconds",
		Help:    "Time taken to reconcile one network",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"network"})

	sourceWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansd_source_malformed_records_total",
		Help: "Feed records skipped because they could not be normalized",
	}, []string{"network"})

	// Submission metrics
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansd_ops_total",
		Help: "Registry operations by kind and batch outcome",
	}, []string{"network", "op", "status"})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansd_batches_total",
		Help: "Submitted batches by terminal status",
	}, []string{"network", "status"})

	attemptFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansd_submit_attempt_failures_total",
		Help: "Failed broadcast attempts by classification",
	}, []string{"network", "class"})

	checkpointRevision = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ansd_checkpoint_revision",
		Help: "Last fully reconciled source revision",
	}, []string{"network"})

	// Pool metrics
	networkHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ansd_network_health",
		Help: "Endpoint pool health (2=healthy, 1=degraded, 0=down)",
	}, []string{"network"})
)

// ObserveCycle records the outcome and duration of one network cycle.
func ObserveCycle(network, status string, d time.Duration) {
	cyclesTotal.WithLabelValues(network, status).Inc()
	cycleDuration.WithLabelValues(network).Observe(d.Seconds())
}

// AddSourceWarnings counts skipped feed records.
func AddSourceWarnings(network string, n int) {
	if n > 0 {
		sourceWarningsTotal.WithLabelValues(network).Add(float64(n))
	}
}

// AddOps counts ops of a kind that ended in status.
func AddOps(network, op, status string, n int) {
	if n > 0 {
		opsTotal.WithLabelValues(network, op, status).Add(float64(n))
	}
}

// IncBatch counts a batch reaching a terminal status.
func IncBatch(network, status string) {
	batchesTotal.WithLabelValues(network, status).Inc()
}

// IncAttemptFailure counts a failed broadcast attempt.
func IncAttemptFailure(network, class string) {
	attemptFailuresTotal.WithLabelValues(network, class).Inc()
}

// SetCheckpoint publishes the checkpoint of a network.
func SetCheckpoint(network string, revision uint64) {
	checkpointRevision.WithLabelValues(network).Set(float64(revision))
}

// SetNetworkHealth publishes pool health; level is 2, 1 or 0.
func SetNetworkHealth(network string, level int) {
	networkHealth.WithLabelValues(network).Set(float64(level))
}

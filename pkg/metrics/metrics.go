// Package metrics exposes contextd's Prometheus metrics, adapted from the
// teacher's pkg/metrics: a package-level variable block registered once in
// init, served over /metrics via promhttp.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WSUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextd_ws_updates_total",
			Help: "Total number of working-set patch outcomes by result",
		},
		[]string{"result"}, // "applied" | "conflict" | "schema" | "overflow"
	)

	LedgerSequence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contextd_ledger_sequence",
			Help: "Last ledger sequence id written, by run",
		},
		[]string{"run_id"},
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextd_evictions_total",
			Help: "Total number of sliding-context items evicted",
		},
		[]string{"run_id"},
	)

	MemoryProposedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contextd_memory_proposed_total",
			Help: "Total number of memory items proposed",
		},
	)

	MemoryCommittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contextd_memory_committed_total",
			Help: "Total number of memory items committed",
		},
	)

	EpisodesSealedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contextd_episodes_sealed_total",
			Help: "Total number of episodes sealed",
		},
	)

	ResumeSnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contextd_resume_snapshots_total",
			Help: "Total number of resume packs produced",
		},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contextd_operation_duration_seconds",
			Help:    "Duration of timed operations (milestone, apply_patch), by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		WSUpdatesTotal,
		LedgerSequence,
		EvictionsTotal,
		MemoryProposedTotal,
		MemoryCommittedTotal,
		EpisodesSealedTotal,
		ResumeSnapshotsTotal,
		OperationDuration,
	)
}

// Handler returns the Prometheus scrape handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation for OperationDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveOperation records the elapsed time under the given operation label.
func (t *Timer) ObserveOperation(operation string) {
	OperationDuration.WithLabelValues(operation).Observe(time.Since(t.start).Seconds())
}

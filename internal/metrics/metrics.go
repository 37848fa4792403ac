// Package metrics exposes Prometheus collectors for the archiver service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	archiverFramesTotal        *prometheus.CounterVec
	archiverBytesTotal         *prometheus.CounterVec
	archiverPassesTotal        *prometheus.CounterVec
	archiverPassDurationSecs   prometheus.Histogram
	archiverErrorsTotal        *prometheus.CounterVec
	archiverRetentionDeletions prometheus.Counter
	archiverPassRunning        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		archiverFramesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_frames_total",
				Help: "Total number of frames handled, labeled by airport and outcome.",
			},
			[]string{"airport", "outcome"},
		)

		archiverBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_bytes_total",
				Help: "Total number of frame bytes downloaded, labeled by airport.",
			},
			[]string{"airport"},
		)

		archiverPassesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_passes_total",
				Help: "Total number of archive passes, labeled by result.",
			},
			[]string{"result"},
		)

		archiverPassDurationSecs = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archiver_pass_duration_seconds",
				Help:    "Histogram of full archive pass durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
			},
		)

		archiverErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_errors_total",
				Help: "Total number of pass errors, labeled by stage.",
			},
			[]string{"stage"},
		)

		archiverRetentionDeletions = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_retention_deletions_total",
				Help: "Total number of files removed by retention.",
			},
		)

		archiverPassRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_pass_running",
				Help: "Whether an archive pass is currently running.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFrame records one frame outcome ("saved", "skipped", "failed").
func ObserveFrame(airport, outcome string, bytes int64) {
	archiverFramesTotal.WithLabelValues(airport, outcome).Inc()
	if bytes > 0 {
		archiverBytesTotal.WithLabelValues(airport).Add(float64(bytes))
	}
}

// ObservePass records a completed pass with its result ("ok", "error",
// "timed_out") and duration.
func ObservePass(result string, duration time.Duration) {
	archiverPassesTotal.WithLabelValues(result).Inc()
	archiverPassDurationSecs.Observe(duration.Seconds())
}

// ObserveError increments the error counter for one pipeline stage.
func ObserveError(stage string) {
	archiverErrorsTotal.WithLabelValues(stage).Inc()
}

// ObserveRetention adds to the retention deletion counter.
func ObserveRetention(deleted int) {
	if deleted > 0 {
		archiverRetentionDeletions.Add(float64(deleted))
	}
}

// SetPassRunning flips the running gauge.
func SetPassRunning(running bool) {
	if running {
		archiverPassRunning.Set(1)
		return
	}
	archiverPassRunning.Set(0)
}

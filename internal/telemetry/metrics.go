package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "images_submitted_total", Help: "Jobs accepted by the submission gateway"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "images_completed_total", Help: "Jobs that reached completed"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "images_failed_total", Help: "Jobs that reached failed"})
	JobsSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "images_skipped_total", Help: "Jobs skipped by the no-vehicle precheck"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "images_rate_limit_rejects_total", Help: "Uploads rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "images_queue_depth", Help: "Jobs waiting in the queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "images_inflight", Help: "Jobs currently being processed"})
	ProcessingTime   = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "image_processing_seconds",
		Help:    "End-to-end per-job processing duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsSkipped,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			ProcessingTime,
		)
	})
	return promhttp.Handler()
}

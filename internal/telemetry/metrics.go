package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmittedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancements_submitted_total", Help: "Enhancement requests published to the request queue"})
	CompletedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancements_completed_total", Help: "Jobs reconciled as completed"})
	FailedCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancements_failed_total", Help: "Jobs reconciled as failed"})
	PoisonCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancements_poison_discarded_total", Help: "Messages discarded as unparseable or over the delivery limit"})
	RedeliveryCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancements_redeliveries_total", Help: "Messages reclaimed for redelivery"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "enhancements_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enhancements_inflight", Help: "Messages currently being handled"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmittedCounter,
			CompletedCounter,
			FailedCounter,
			PoisonCounter,
			RedeliveryCounter,
			RateLimitRejects,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}

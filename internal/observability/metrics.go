// Package observability holds the Prometheus collectors for the sync engine.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fitsync"

var (
	syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Sync attempts by source and outcome.",
	}, []string{"source", "outcome"})

	syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of sync attempts.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"source"})

	activitiesReconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "activities_total",
		Help:      "Activities reconciled into the store by source and action (added, updated, failed).",
	}, []string{"source", "action"})

	lastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last fully successful sync per source.",
	}, []string{"source"})

	providerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Outbound provider API requests by provider and HTTP status code.",
	}, []string{"provider", "code"})

	rateLimitWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "rate_limit_wait_seconds_total",
		Help:      "Total time spent suspended waiting for rate limit windows to reset.",
	}, []string{"limiter"})

	pageRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "page_retries_total",
		Help:      "Page fetches retried after a transient failure.",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		syncRuns,
		syncDuration,
		activitiesReconciled,
		lastSuccess,
		providerRequests,
		rateLimitWaits,
		pageRetries,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSync records the outcome and counts of one finished sync attempt.
func RecordSync(sourceID, outcome string, duration time.Duration, added, updated, failed int, success bool) {
	syncRuns.WithLabelValues(sourceID, outcome).Inc()
	syncDuration.WithLabelValues(sourceID).Observe(duration.Seconds())
	if added > 0 {
		activitiesReconciled.WithLabelValues(sourceID, "added").Add(float64(added))
	}
	if updated > 0 {
		activitiesReconciled.WithLabelValues(sourceID, "updated").Add(float64(updated))
	}
	if failed > 0 {
		activitiesReconciled.WithLabelValues(sourceID, "failed").Add(float64(failed))
	}
	if success {
		lastSuccess.WithLabelValues(sourceID).SetToCurrentTime()
	}
}

// RecordProviderRequest counts one outbound API call.
func RecordProviderRequest(provider, code string) {
	providerRequests.WithLabelValues(provider, code).Inc()
}

// RecordRateLimitWait adds a suspend duration for the named limiter.
func RecordRateLimitWait(limiter string, d time.Duration) {
	if d <= 0 {
		return
	}
	rateLimitWaits.WithLabelValues(limiter).Add(d.Seconds())
}

// RecordPageRetry counts one retried page fetch.
func RecordPageRetry(sourceID string) {
	pageRetries.WithLabelValues(sourceID).Inc()
}

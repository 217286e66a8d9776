// Package metrics exposes Prometheus collectors for the scanner service.
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
	scanPagesTotal           *prometheus.CounterVec
	scanIssuesTotal          *prometheus.CounterVec
	scanRequestsTotal        *prometheus.CounterVec
	scanRequestDurationSecs  *prometheus.HistogramVec
	scanRetriesTotal         *prometheus.CounterVec
	scanThrottleDelaySecs    *prometheus.HistogramVec
	scanFlushRecordsTotal    *prometheus.CounterVec
	scanSessionRefreshTotal  prometheus.Counter
	scanActiveDetailWorkers  prometheus.Gauge
	scanProjectsTotal        *prometheus.CounterVec
	scanCursorAdvancesTotal  prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scanPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mantiscan_pages_total",
				Help: "Total list pages collected, labeled by project and result.",
			},
			[]string{"project", "result"},
		)

		scanIssuesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mantiscan_issues_total",
				Help: "Total issue detail fetches, labeled by project and result.",
			},
			[]string{"project", "result"},
		)

		scanRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mantiscan_requests_total",
				Help: "Total outbound tracker requests, labeled by class and code.",
			},
			[]string{"class", "code"},
		)

		scanRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mantiscan_request_duration_seconds",
				Help:    "Histogram of tracker request latencies, labeled by class.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"class"},
		)

		scanRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mantiscan_retries_total",
				Help: "Total retry attempts, labeled by class.",
			},
			[]string{"class"},
		)

		scanThrottleDelaySecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mantiscan_throttle_delay_seconds",
				Help:    "Histogram of time spent waiting on request permits.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"class"},
		)

		scanFlushRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mantiscan_flush_records_total",
				Help: "Total issue records committed, labeled by partition.",
			},
			[]string{"partition"},
		)

		scanSessionRefreshTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mantiscan_session_refresh_total",
				Help: "Total session refreshes performed.",
			},
		)

		scanActiveDetailWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mantiscan_active_detail_workers",
				Help: "Number of detail workers currently fetching an issue.",
			},
		)

		scanProjectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mantiscan_projects_total",
				Help: "Total projects scanned, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scanCursorAdvancesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mantiscan_cursor_advances_total",
				Help: "Total scan cursor advancements.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one collected (or failed) list page.
func ObservePage(project, result string) {
	if scanPagesTotal == nil {
		return
	}
	scanPagesTotal.WithLabelValues(project, result).Inc()
}

// ObserveIssue records one issue detail fetch outcome.
func ObserveIssue(project, result string) {
	if scanIssuesTotal == nil {
		return
	}
	scanIssuesTotal.WithLabelValues(project, result).Inc()
}

// ObserveRequest records one outbound request with its latency.
func ObserveRequest(class, code string, d time.Duration) {
	if scanRequestsTotal == nil {
		return
	}
	scanRequestsTotal.WithLabelValues(class, code).Inc()
	scanRequestDurationSecs.WithLabelValues(class).Observe(d.Seconds())
}

// ObserveRetry counts one retry attempt for the class.
func ObserveRetry(class string) {
	if scanRetriesTotal == nil {
		return
	}
	scanRetriesTotal.WithLabelValues(class).Inc()
}

// ObserveThrottleDelay records time spent waiting for a permit.
func ObserveThrottleDelay(class string, d time.Duration) {
	if scanThrottleDelaySecs == nil {
		return
	}
	scanThrottleDelaySecs.WithLabelValues(class).Observe(d.Seconds())
}

// ObserveFlush counts records committed to a partition.
func ObserveFlush(partition string, records int) {
	if scanFlushRecordsTotal == nil {
		return
	}
	scanFlushRecordsTotal.WithLabelValues(partition).Add(float64(records))
}

// ObserveSessionRefresh counts one completed session refresh.
func ObserveSessionRefresh() {
	if scanSessionRefreshTotal == nil {
		return
	}
	scanSessionRefreshTotal.Inc()
}

// DetailWorkerActive adjusts the active detail worker gauge.
func DetailWorkerActive(delta float64) {
	if scanActiveDetailWorkers == nil {
		return
	}
	scanActiveDetailWorkers.Add(delta)
}

// ObserveProject counts one finished project scan by outcome.
func ObserveProject(outcome string) {
	if scanProjectsTotal == nil {
		return
	}
	scanProjectsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCursorAdvance counts one cursor advancement.
func ObserveCursorAdvance() {
	if scanCursorAdvancesTotal == nil {
		return
	}
	scanCursorAdvancesTotal.Inc()
}

// Package metrics exposes Prometheus collectors for the crawler and search
// service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	rejectionsTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	checkpointDurationSeconds  *prometheus.HistogramVec
	checkpointQueueDepth       prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	searchQueriesTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_fetches_total",
				Help: "HTTP fetches issued by the crawler, labeled by site, method, and status code.",
			},
			[]string{"site", "method", "code"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_fetch_retries_total",
				Help: "Fetch attempts that were retried after a network failure, labeled by site.",
			},
			[]string{"site"},
		)

		rejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_rejections_total",
				Help: "URLs recorded in a rejection cache, labeled by site and reason.",
			},
			[]string{"site", "reason"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		checkpointDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitesearch_checkpoint_duration_seconds",
				Help:    "Time to apply one snapshot, labeled by result.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"result"},
		)

		checkpointQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitesearch_checkpoint_queue_depth",
				Help: "Snapshots waiting for a checkpoint slot.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitesearch_rate_limit_delays_seconds",
				Help:    "Histogram of pacing wait durations per domain.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		searchQueriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_search_queries_total",
				Help: "Search queries served, labeled by mode.",
			},
			[]string{"mode"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch counts one completed fetch.
func ObserveFetch(site, method string, code int) {
	if fetchesTotal == nil {
		return
	}
	fetchesTotal.WithLabelValues(SanitizeSite(site), method, strconv.Itoa(code)).Inc()
}

// ObserveFetchRetry counts one retried attempt.
func ObserveFetchRetry(site string) {
	if fetchRetriesTotal == nil {
		return
	}
	fetchRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRejection counts a URL added to a rejection cache.
func ObserveRejection(site, reason string) {
	if rejectionsTotal == nil {
		return
	}
	rejectionsTotal.WithLabelValues(SanitizeSite(site), reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCheckpoint records how long a snapshot took to apply.
func ObserveCheckpoint(result string, duration time.Duration) {
	if checkpointDurationSeconds == nil {
		return
	}
	checkpointDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// SetCheckpointQueueDepth publishes the number of queued snapshots.
func SetCheckpointQueueDepth(n int) {
	if checkpointQueueDepth == nil {
		return
	}
	checkpointQueueDepth.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveSearch counts a served query.
func ObserveSearch(mode string) {
	if searchQueriesTotal == nil {
		return
	}
	searchQueriesTotal.WithLabelValues(mode).Inc()
}

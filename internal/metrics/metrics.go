// Package metrics holds the Prometheus collectors shared by the portal client,
// the poller and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	portalRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watersmart_portal_requests_total",
			Help: "Total number of requests made to the WaterSmart portal.",
		},
		[]string{"op", "status"},
	)
	portalRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watersmart_portal_request_duration_seconds",
			Help:    "WaterSmart portal request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watersmart_http_cache_lookups_total",
			Help: "HTTP response cache lookups by result.",
		},
		[]string{"result"},
	)

	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watersmart_polls_total",
			Help: "Total number of poll cycles by outcome.",
		},
		[]string{"outcome"},
	)
	readingsMergedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watersmart_readings_merged_total",
			Help: "Readings added to the aggregate after deduplication.",
		},
	)
	lastSuccessTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watersmart_last_success_timestamp_seconds",
			Help: "Unix time of the last successful poll.",
		},
	)
	usageGallons = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watersmart_usage_gallons",
			Help: "Aggregated water usage in gallons.",
		},
		[]string{"period"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watersmart_api_requests_total",
			Help: "Total number of HTTP API requests served.",
		},
		[]string{"route", "method", "status"},
	)
	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watersmart_api_request_duration_seconds",
			Help:    "HTTP API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

// ObservePortalRequest records one round trip to the vendor portal.
// status is the HTTP status code, or 0 when the request never got a response.
func ObservePortalRequest(op string, status int, dur time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	portalRequestsTotal.WithLabelValues(op, label).Inc()
	portalRequestDurationSeconds.WithLabelValues(op).Observe(dur.Seconds())
}

// ObserveCacheLookup records a cache "hit", "miss" or "expired".
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObservePoll records the outcome of a poll cycle ("success" or an error kind).
func ObservePoll(outcome string) {
	pollsTotal.WithLabelValues(outcome).Inc()
}

// ObserveMerge records newly merged readings and the time of a successful poll.
func ObserveMerge(added int, at time.Time) {
	readingsMergedTotal.Add(float64(added))
	lastSuccessTimestamp.Set(float64(at.Unix()))
}

// SetUsage publishes the aggregate for a period such as "today" or "month".
func SetUsage(period string, gallons float64) {
	usageGallons.WithLabelValues(period).Set(gallons)
}

// ObserveHTTPRequest records an API request served by internal/api.
func ObserveHTTPRequest(r *http.Request, status int, dur time.Duration) {
	route := routeLabel(r.URL.Path)
	httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(route, r.Method).Observe(dur.Seconds())
}

func routeLabel(path string) string {
	switch path {
	case "/":
		return "index"
	case "/api/readings":
		return "api_readings"
	case "/api/daily":
		return "api_daily"
	case "/api/usage":
		return "api_usage"
	case "/api/state":
		return "api_state"
	case "/health":
		return "health"
	case "/metrics":
		return "metrics"
	default:
		return "other"
	}
}

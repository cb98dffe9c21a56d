package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Open-Meteo call rate by outcome.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Upstream latency. Watch for: p99 approaching the client timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Upstream errors by category (see client.CategorizeError).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Current-weather cache hits.
	CacheHitsTotal *prometheus.CounterVec

	// Cache errors by operation. Watch for: memcached connectivity problems.
	CacheErrorsTotal *prometheus.CounterVec

	// Upstream fetches that joined an in-flight request for the same coordinates.
	FetchCoalescedTotal prometheus.Counter

	// Refresh sweeps started.
	RefreshSweepsTotal prometheus.Counter

	// Wall time of a full refresh sweep.
	RefreshSweepDuration prometheus.Histogram

	// Per-city refresh outcomes (refreshed, failed, fresh).
	RefreshCitiesTotal *prometheus.CounterVec

	// Registry save latency. Grows with registry size since every save rewrites the file.
	StorageSaveDuration prometheus.Histogram

	// Failed registry saves. Any non-zero rate means mutations are not durable.
	StorageSaveErrorsTotal prometheus.Counter

	// Startups that discarded a corrupt data file.
	StorageLoadCorruptTotal prometheus.Counter

	RegisteredUsers prometheus.Gauge
	TrackedCities   prometheus.Gauge

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of Open-Meteo API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Open-Meteo API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Open-Meteo API errors by category",
		},
		[]string{"category"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of current-weather cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Current-weather cache errors by operation",
		},
		[]string{"operation"},
	)
	FetchCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fetchCoalescedTotal",
			Help: "Forecast fetches served by an in-flight request for the same coordinates",
		},
	)
	RefreshSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refreshSweepsTotal",
			Help: "Total number of background refresh sweeps",
		},
	)
	RefreshSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refreshSweepDurationSeconds",
			Help:    "Duration of a background refresh sweep in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120},
		},
	)
	RefreshCitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshCitiesTotal",
			Help: "Cities visited by refresh sweeps, by outcome",
		},
		[]string{"outcome"},
	)
	StorageSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storageSaveDurationSeconds",
			Help:    "Registry file save latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		},
	)
	StorageSaveErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storageSaveErrorsTotal",
			Help: "Total number of failed registry saves",
		},
	)
	StorageLoadCorruptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storageLoadCorruptTotal",
			Help: "Startups that discarded a corrupt registry file",
		},
	)
	RegisteredUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registeredUsers",
			Help: "Number of registered users",
		},
	)
	TrackedCities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackedCities",
			Help: "Number of cities tracked across all users",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIErrorsTotal,
		CacheHitsTotal, CacheErrorsTotal, FetchCoalescedTotal,
		RefreshSweepsTotal, RefreshSweepDuration, RefreshCitiesTotal,
		StorageSaveDuration, StorageSaveErrorsTotal, StorageLoadCorruptTotal,
		RegisteredUsers, TrackedCities,
		RateLimitDeniedTotal,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

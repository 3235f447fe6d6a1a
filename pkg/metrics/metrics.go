package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fusekv_requests_total",
			Help: "Total number of requests received",
		},
	)

	RequestSuccessTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fusekv_request_success_total",
			Help: "Total number of requests that succeeded",
		},
	)

	RequestFailureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fusekv_request_failure_total",
			Help: "Total number of requests that failed",
		},
	)

	ResponseBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fusekv_response_bytes_total",
			Help: "Total number of response bytes written",
		},
	)

	RequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fusekv_request_duration_seconds",
			Help:    "Request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fusekv_cache_hits_total",
			Help: "Total number of cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fusekv_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	CacheSet = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fusekv_cache_set_total",
			Help: "Total number of cache entries populated",
		},
	)

	// Process metrics
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fusekv_active_connections",
			Help: "Number of currently open client connections",
		},
	)

	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fusekv_memory_usage_bytes",
			Help: "Resident memory of the server process in bytes",
		},
	)

	CPUUsagePercentage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fusekv_cpu_usage_percentage",
			Help: "CPU usage of the server process as a percentage",
		},
	)

	ProcessUptimeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fusekv_process_uptime_seconds",
			Help: "Seconds since the server process started",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestSuccessTotal)
	prometheus.MustRegister(RequestFailureTotal)
	prometheus.MustRegister(ResponseBytesTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheSet)
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(MemoryUsageBytes)
	prometheus.MustRegister(CPUUsagePercentage)
	prometheus.MustRegister(ProcessUptimeSeconds)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

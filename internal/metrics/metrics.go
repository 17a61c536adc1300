package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseBytes   *prometheus.CounterVec
	storeOperations     *prometheus.CounterVec
	storeDuration       *prometheus.HistogramVec
	storeBytes          *prometheus.CounterVec
	authFailures        *prometheus.CounterVec
	fetchDownloads      *prometheus.CounterVec
	keyGenerations      prometheus.Counter
	activeConnections   prometheus.Gauge
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	memorySysBytes      prometheus.Gauge
}

// NewMetrics creates a metrics instance on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a metrics instance on reg. If reg is also a
// Gatherer, Handler serves it; otherwise Handler serves the default gatherer.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpResponseBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_response_bytes_total",
				Help: "Total bytes written in HTTP responses",
			},
			[]string{"method", "path"},
		),
		storeOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealed_store_operations_total",
				Help: "Total number of store operations by outcome",
			},
			[]string{"operation", "result"},
		),
		storeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sealed_store_operation_duration_seconds",
				Help:    "Store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		storeBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealed_store_bytes_total",
				Help: "Plaintext bytes sealed or opened",
			},
			[]string{"operation"},
		),
		authFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealed_store_authentication_failures_total",
				Help: "Stored records that failed authentication",
			},
			[]string{"resource"},
		),
		fetchDownloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealed_store_downloads_total",
				Help: "Remote downloads by outcome",
			},
			[]string{"result"},
		),
		keyGenerations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sealed_store_master_key_generations_total",
				Help: "Master keys generated by this process",
			},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of in-flight HTTP requests",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Bytes of allocated heap objects",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from the OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
	m.httpResponseBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordOperation records a store operation and its outcome. result is one
// of "ok", "not_found", "conflict", "auth_failed", "error".
func (m *Metrics) RecordOperation(operation, result string, duration time.Duration) {
	m.storeOperations.WithLabelValues(operation, result).Inc()
	m.storeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBytes adds n plaintext bytes to operation.
func (m *Metrics) RecordBytes(operation string, n int64) {
	if n > 0 {
		m.storeBytes.WithLabelValues(operation).Add(float64(n))
	}
}

// RecordAuthFailure counts an authentication failure on resource ("secret"
// or "blob").
func (m *Metrics) RecordAuthFailure(resource string) {
	m.authFailures.WithLabelValues(resource).Inc()
}

// RecordDownload counts a remote download by result.
func (m *Metrics) RecordDownload(result string) {
	m.fetchDownloads.WithLabelValues(result).Inc()
}

// RecordKeyGenerated counts a freshly generated master key.
func (m *Metrics) RecordKeyGenerated() {
	m.keyGenerations.Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections gauge.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections gauge.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector updates system metrics every interval until
// ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m.UpdateSystemMetrics()
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

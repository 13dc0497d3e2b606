// Package metrics provides Prometheus-based metrics collection for tracex.
// Every collector lives in a private registry so tests can build isolated
// instances, while the pipeline records into a process-wide default.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace for all tracex metrics
	namespace = "tracex"

	// Subsystems
	subsystemScan      = "scan"
	subsystemDiscovery = "discovery"
	subsystemSession   = "session"
	subsystemWorkers   = "workers"
	subsystemVendor    = "vendor"
	subsystemAPI       = "api"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Discovery metrics
	discoveryTotal    *prometheus.CounterVec
	discoveryDuration *prometheus.HistogramVec
	hostsDiscovered   *prometheus.CounterVec

	// Scan metrics
	hostsScanned     *prometheus.CounterVec
	hostScanDuration prometheus.Histogram
	portProbes       *prometheus.CounterVec
	activeHostScans  prometheus.Gauge

	// Session metrics
	sessions *prometheus.CounterVec

	// Worker pool metrics
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	// Vendor table metrics
	vendorEntries  prometheus.Gauge
	vendorRefreshs *prometheus.CounterVec

	// API metrics
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	websocketMessages *prometheus.CounterVec
	websocketClients  prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
	}

	pm.initDiscoveryMetrics()
	pm.initScanMetrics()
	pm.initSessionMetrics()
	pm.initVendorMetrics()
	pm.initAPIMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	pm.registry.MustRegister(collectors.NewGoCollector())
	pm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initDiscoveryMetrics() {
	pm.discoveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "total",
			Help:      "Total number of discovery runs by method and status",
		},
		[]string{"method", "status"},
	)

	pm.discoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "duration_seconds",
			Help:      "Duration of discovery runs in seconds",
			Buckets:   []float64{0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"method"},
	)

	pm.hostsDiscovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "hosts_total",
			Help:      "Total number of hosts discovered",
		},
		[]string{"method"},
	)
}

func (pm *PrometheusMetrics) initScanMetrics() {
	pm.hostsScanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "hosts_total",
			Help:      "Total number of host port scans by outcome",
		},
		[]string{"status"},
	)

	pm.hostScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "host_duration_seconds",
			Help:      "Duration of a single host port scan in seconds",
			Buckets:   []float64{0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 180.0, 600.0},
		},
	)

	pm.portProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "port_probes_total",
			Help:      "Total number of TCP connect attempts by outcome",
		},
		[]string{"outcome"},
	)

	pm.activeHostScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active_hosts",
			Help:      "Number of host port scans currently in flight",
		},
	)
}

func (pm *PrometheusMetrics) initSessionMetrics() {
	pm.sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSession,
			Name:      "total",
			Help:      "Total number of scan sessions by terminal status",
		},
		[]string{"status"},
	)

	pm.jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWorkers,
			Name:      "jobs_total",
			Help:      "Total number of worker pool jobs by pool and status",
		},
		[]string{"pool", "status"},
	)

	pm.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemWorkers,
			Name:      "job_duration_seconds",
			Help:      "Duration of worker pool jobs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"pool"},
	)
}

func (pm *PrometheusMetrics) initVendorMetrics() {
	pm.vendorEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemVendor,
			Name:      "entries",
			Help:      "Number of OUI prefixes in the loaded vendor table",
		},
	)

	pm.vendorRefreshs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemVendor,
			Name:      "refresh_total",
			Help:      "Total number of vendor table refresh attempts by status",
		},
		[]string{"status"},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	pm.websocketMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "websocket_messages_total",
			Help:      "Total number of events broadcast to websocket clients by event type",
		},
		[]string{"type"},
	)

	pm.websocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "websocket_clients",
			Help:      "Number of connected websocket clients",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.discoveryTotal,
		pm.discoveryDuration,
		pm.hostsDiscovered,
		pm.hostsScanned,
		pm.hostScanDuration,
		pm.portProbes,
		pm.activeHostScans,
		pm.sessions,
		pm.jobsCompleted,
		pm.jobDuration,
		pm.vendorEntries,
		pm.vendorRefreshs,
		pm.httpRequests,
		pm.httpDuration,
		pm.websocketMessages,
		pm.websocketClients,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Handler returns an HTTP handler exposing this instance's registry.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// Discovery Metrics Methods

// IncrementDiscoveryTotal increments discovery counter
func (pm *PrometheusMetrics) IncrementDiscoveryTotal(method, status string) {
	pm.discoveryTotal.WithLabelValues(method, status).Inc()
}

// RecordDiscoveryDuration records discovery duration
func (pm *PrometheusMetrics) RecordDiscoveryDuration(method string, duration time.Duration) {
	pm.discoveryDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// IncrementHostsDiscovered increments hosts discovered counter
func (pm *PrometheusMetrics) IncrementHostsDiscovered(method string, count int) {
	pm.hostsDiscovered.WithLabelValues(method).Add(float64(count))
}

// Scan Metrics Methods

// IncrementHostsScanned increments the host scan counter
func (pm *PrometheusMetrics) IncrementHostsScanned(status string) {
	pm.hostsScanned.WithLabelValues(status).Inc()
}

// RecordHostScanDuration records how long one host took
func (pm *PrometheusMetrics) RecordHostScanDuration(duration time.Duration) {
	pm.hostScanDuration.Observe(duration.Seconds())
}

// IncrementPortProbes adds count connect attempts with the given outcome
func (pm *PrometheusMetrics) IncrementPortProbes(outcome string, count int) {
	if count <= 0 {
		return
	}
	pm.portProbes.WithLabelValues(outcome).Add(float64(count))
}

// IncActiveHostScans marks one more host scan in flight
func (pm *PrometheusMetrics) IncActiveHostScans() {
	pm.activeHostScans.Inc()
}

// DecActiveHostScans marks one host scan as finished
func (pm *PrometheusMetrics) DecActiveHostScans() {
	pm.activeHostScans.Dec()
}

// IncrementSessions counts a session reaching a terminal status
func (pm *PrometheusMetrics) IncrementSessions(status string) {
	pm.sessions.WithLabelValues(status).Inc()
}

// RecordJob records one worker pool job
func (pm *PrometheusMetrics) RecordJob(pool, status string, duration time.Duration) {
	pm.jobsCompleted.WithLabelValues(pool, status).Inc()
	pm.jobDuration.WithLabelValues(pool).Observe(duration.Seconds())
}

// Vendor Metrics Methods

// SetVendorEntries sets the size of the loaded vendor table
func (pm *PrometheusMetrics) SetVendorEntries(count int) {
	pm.vendorEntries.Set(float64(count))
}

// IncrementVendorRefresh counts a refresh attempt
func (pm *PrometheusMetrics) IncrementVendorRefresh(status string) {
	pm.vendorRefreshs.WithLabelValues(status).Inc()
}

// API Metrics Methods

// IncrementHTTPRequests increments the HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, route, status string) {
	pm.httpRequests.WithLabelValues(method, route, status).Inc()
}

// RecordHTTPDuration records an HTTP request duration
func (pm *PrometheusMetrics) RecordHTTPDuration(method, route string, duration time.Duration) {
	pm.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncrementWebSocketMessages counts a broadcast event
func (pm *PrometheusMetrics) IncrementWebSocketMessages(eventType string) {
	pm.websocketMessages.WithLabelValues(eventType).Inc()
}

// SetWebSocketClients sets the connected client gauge
func (pm *PrometheusMetrics) SetWebSocketClients(count int) {
	pm.websocketClients.Set(float64(count))
}

var (
	globalMetrics *PrometheusMetrics
	globalOnce    sync.Once
)

// GetGlobalMetrics returns the process-wide metrics instance.
func GetGlobalMetrics() *PrometheusMetrics {
	globalOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}

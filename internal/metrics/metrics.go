package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All collectors register with this registry so /metrics only exposes what
// this service records.
var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)
)

// Registry returns the registry every collector of this service is registered with
func Registry() *prometheus.Registry {
	return registry
}

var (
	// FHIRRequestsTotal tracks requests issued to clinical endpoints
	FHIRRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhir_requests_total",
			Help: "Total number of requests issued to FHIR endpoints",
		},
		[]string{"endpoint", "resource_type", "operation", "status"}, // "success", "not_found", "protocol_error", "transport_error"
	)

	// FHIRRequestDuration tracks FHIR request latency
	FHIRRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fhir_request_duration_seconds",
			Help:    "Duration of FHIR endpoint requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "operation"}, // "read", "search", "create", "update", "metadata"
	)

	// AggregationsTotal tracks patient context aggregations
	AggregationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_aggregations_total",
			Help: "Total number of patient context aggregations",
		},
		[]string{"status"},
	)

	// AggregationDuration tracks end-to-end aggregation latency
	AggregationDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "context_aggregation_duration_seconds",
			Help:    "Duration of patient context aggregation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// AggregatedResourcesTotal counts resources placed into aggregated contexts
	AggregatedResourcesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "context_aggregated_resources_total",
			Help: "Total number of resources placed into aggregated contexts",
		},
		[]string{"resource_type"},
	)

	// WritesTotal tracks create/update routing
	WritesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resource_writes_total",
			Help: "Total number of resource writes by target and operation",
		},
		[]string{"target", "operation", "status"}, // "create", "update"
	)

	// SubscriptionUpdatesTotal tracks snapshots delivered per watched collection
	SubscriptionUpdatesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_updates_total",
			Help: "Total number of collection snapshots delivered",
		},
		[]string{"collection"},
	)

	// SubscriptionFailuresTotal tracks stream failures per watched collection
	SubscriptionFailuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_failures_total",
			Help: "Total number of subscription stream failures",
		},
		[]string{"collection"},
	)

	// ReconnectAttemptsTotal tracks reconnection attempts
	ReconnectAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_reconnect_attempts_total",
			Help: "Total number of subscription reconnection attempts",
		},
		[]string{"result"}, // "success", "failure"
	)

	// ConnectionState is 1 while every subscription is connected
	ConnectionState = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscription_connected",
			Help: "Whether the change subscriptions are connected (1) or reconnecting (0)",
		},
	)

	// CouchbaseOperationsTotal tracks Couchbase operations
	CouchbaseOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "couchbase_operations_total",
			Help: "Total number of Couchbase operations",
		},
		[]string{"operation", "status"},
	)

	// CouchbaseOperationDuration tracks Couchbase operation latency
	CouchbaseOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "couchbase_operation_duration_seconds",
			Help:    "Duration of Couchbase operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// HTTPRequestsTotal tracks requests served by the agent API
	HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks agent API latency
	HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// HTTPActiveConnections tracks in-flight API requests
	HTTPActiveConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_active_connections",
			Help: "Number of active HTTP connections",
		},
	)

	// SystemCPUUsage is sampled per core by StartSystemMetrics
	SystemCPUUsage = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "system_cpu_usage_percent",
			Help: "Current CPU usage percentage",
		},
		[]string{"core"},
	)

	// SystemMemoryUsage is sampled by StartSystemMetrics
	SystemMemoryUsage = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "system_memory_usage_bytes",
			Help: "Current memory usage in bytes",
		},
		[]string{"type"}, // "total", "available", "used", "free"
	)

	// AgentGoroutines tracks the agent's goroutine count
	AgentGoroutines = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_goroutines",
			Help: "Number of goroutines that currently exist",
		},
	)

	// AgentHeapBytes tracks heap allocation and reservation
	AgentHeapBytes = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_heap_bytes",
			Help: "Heap memory in bytes",
		},
		[]string{"state"}, // "alloc", "sys"
	)

	// AgentGCPause observes the most recent GC pause
	AgentGCPause = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_gc_pause_seconds",
			Help:    "GC pause time in seconds",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		},
	)
)

// RecordFHIRRequest records one request to a FHIR endpoint
func RecordFHIRRequest(endpoint, resourceType, operation, status string, duration time.Duration) {
	FHIRRequestsTotal.WithLabelValues(endpoint, resourceType, operation, status).Inc()
	FHIRRequestDuration.WithLabelValues(endpoint, operation).Observe(duration.Seconds())
}

// RecordAggregation records the outcome of a context aggregation
func RecordAggregation(status string, duration time.Duration) {
	AggregationsTotal.WithLabelValues(status).Inc()
	AggregationDuration.Observe(duration.Seconds())
}

// RecordAggregatedResources records how many resources of a type were aggregated
func RecordAggregatedResources(resourceType string, count int) {
	AggregatedResourcesTotal.WithLabelValues(resourceType).Add(float64(count))
}

// RecordWrite records a routed write
func RecordWrite(target, operation, status string) {
	WritesTotal.WithLabelValues(target, operation, status).Inc()
}

// RecordSubscriptionUpdate records a delivered collection snapshot
func RecordSubscriptionUpdate(collection string) {
	SubscriptionUpdatesTotal.WithLabelValues(collection).Inc()
}

// RecordSubscriptionFailure records a stream failure
func RecordSubscriptionFailure(collection string) {
	SubscriptionFailuresTotal.WithLabelValues(collection).Inc()
}

// RecordReconnectAttempt records one reconnection attempt
func RecordReconnectAttempt(result string) {
	ReconnectAttemptsTotal.WithLabelValues(result).Inc()
}

// SetConnectionState updates the connection gauge
func SetConnectionState(connected bool) {
	if connected {
		ConnectionState.Set(1)
		return
	}
	ConnectionState.Set(0)
}

// RecordCouchbaseOperation records metrics for Couchbase operations
func RecordCouchbaseOperation(operation, status string, duration time.Duration) {
	CouchbaseOperationsTotal.WithLabelValues(operation, status).Inc()
	CouchbaseOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPRequest records metrics for an HTTP request
func RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)

	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// IncActiveConnections increments active connections
func IncActiveConnections() {
	HTTPActiveConnections.Inc()
}

// DecActiveConnections decrements active connections
func DecActiveConnections() {
	HTTPActiveConnections.Dec()
}

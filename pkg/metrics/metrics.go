// Package metrics exposes the Prometheus registry used by the ArcGIS client.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, pagination, arcgis) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the ArcGIS client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads the metrics registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - arcgis_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - arcgis_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - arcgis_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, malformed)
//
// Retry Metrics (pkg/client):
//   - arcgis_retries_total{error_class} (Counter): Retry attempts by error class
//   - arcgis_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - arcgis_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Pacing Metrics (pkg/ratelimit):
//   - arcgis_rate_limit_cooldown_seconds (Gauge): Cooldown most recently requested via Retry-After
//   - arcgis_rate_limit_waits_total{reason} (Counter): Requests held back (cooldown, pacing)
//
// Cache Metrics (pkg/cache):
//   - arcgis_cache_hits_total{tier} (Counter): Metadata cache hits by tier (memory, redis)
//   - arcgis_cache_misses_total (Counter): Metadata cache misses
//   - arcgis_cache_entries (Gauge): Documents held in memory
//   - arcgis_cache_evictions_total (Counter): Documents evicted from memory by capacity
//   - arcgis_cache_written_bytes_total (Counter): Bytes written to the shared tier
//   - arcgis_cache_errors_total{operation} (Counter): Cache operation errors
//
// Query Metrics (pkg/arcgis, pkg/pagination):
//   - arcgis_queries_total{kind} (Counter): Query requests by kind (page, ids, objects)
//   - arcgis_api_errors_total{code} (Counter): ArcGIS error payloads by code
//   - arcgis_pages_fetched_total{layer} (Counter): Pages fetched during iteration
//   - arcgis_features_yielded_total{layer} (Counter): Features handed to consumers
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(arcgis_cache_hits_total[5m])) /
//   (sum(rate(arcgis_cache_hits_total[5m])) + sum(rate(arcgis_cache_misses_total[5m])))
//
//   # Request Error Rate
//   rate(arcgis_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(arcgis_request_duration_seconds_bucket[5m]))
//
//   # Features per page
//   rate(arcgis_features_yielded_total[5m]) / rate(arcgis_pages_fetched_total[5m])

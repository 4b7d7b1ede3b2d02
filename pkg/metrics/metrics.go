// Package metrics defines the Prometheus metrics exported by Icaro.
// Metrics are observational only; failures to record them never affect
// scan correctness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan metrics
var (
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icaro_scans_total",
			Help: "Total number of scan requests by outcome",
		},
		[]string{"result"},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "icaro_scan_duration_seconds",
			Help:    "Duration of complete scan operations in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
		},
	)

	ScannedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icaro_scanned_bytes_total",
			Help: "Total number of document bytes submitted for scanning",
		},
	)

	ScanErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icaro_scan_errors_total",
			Help: "Total number of failed scans by error category",
		},
		[]string{"category"},
	)

	InfectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icaro_infections_total",
			Help: "Total number of scans that detected an infection",
		},
	)
)

// ICAP exchange metrics
var (
	ICAPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icaro_icap_requests_total",
			Help: "Total number of ICAP requests by method and status",
		},
		[]string{"method", "status"},
	)

	ICAPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icaro_icap_request_duration_seconds",
			Help:    "Duration of ICAP exchanges in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"method"},
	)

	PreviewShortCircuitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icaro_preview_short_circuits_total",
			Help: "Total number of scans the server answered after the preview, saving body transfer",
		},
	)
)

// Verdict cache metrics
var (
	VerdictCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icaro_verdict_cache_hits_total",
			Help: "Total number of verdict cache hits",
		},
	)

	VerdictCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icaro_verdict_cache_misses_total",
			Help: "Total number of verdict cache misses",
		},
	)

	VerdictCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "icaro_verdict_cache_entries",
			Help: "Current number of cached verdicts",
		},
	)

	VerdictCacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icaro_verdict_cache_invalidations_total",
			Help: "Total number of verdict cache invalidations by reason",
		},
		[]string{"reason"},
	)
)

// Options cache metrics
var (
	OptionsCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icaro_options_cache_hits_total",
			Help: "Total number of server options served from cache",
		},
	)

	OptionsCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icaro_options_cache_misses_total",
			Help: "Total number of server options fetched over the wire",
		},
	)

	OptionsSharedFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icaro_options_shared_fetches_total",
			Help: "Total number of OPTIONS fetches collapsed by singleflight",
		},
	)
)

// Lock metrics
var (
	LockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "icaro_lock_wait_duration_seconds",
			Help:    "Time spent waiting for per-document scan locks",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1.0, 10.0, 60.0},
		},
	)

	LockTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "icaro_lock_timeouts_total",
			Help: "Total number of scans aborted because the per-document lock could not be acquired in time",
		},
	)
)

// Object storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icaro_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icaro_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icaro_http_requests_total",
			Help: "Total number of HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icaro_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

package mosaic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var buildInfoMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "mosaic",
	Name:      "buildinfo",
}, []string{"version", "revision"})

var buildTimeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "mosaic",
	Name:      "buildtime",
})

func init() {
	err := prometheus.Register(buildInfoMetric)
	if err != nil {
		fmt.Println("Error registering metric", err)
	}
	err = prometheus.Register(buildTimeMetric)
	if err != nil {
		fmt.Println("Error registering metric", err)
	}
}

// SetBuildInfo initializes static metrics with the version, git hash and build time
func SetBuildInfo(version, commit, date string) {
	buildInfoMetric.WithLabelValues(version, commit).Set(1)
	t, err := time.Parse(time.RFC3339, date)
	if err == nil {
		buildTimeMetric.Set(float64(t.Unix()))
	} else {
		buildTimeMetric.Set(0)
	}
}

type metrics struct {
	// overall requests: # requests, request duration, response size by handler/status code
	requests        *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	// catalog cache: hits and misses, loads from stores by status
	catalogCacheRequests *prometheus.CounterVec
	catalogLoads         *prometheus.CounterVec
	// asset reads by the compositor: ok, nodata, error, canceled
	assetReads        *prometheus.CounterVec
	assetReadDuration *prometheus.HistogramVec
	// range requests to asset buckets
	bucketRequests        *prometheus.CounterVec
	bucketRequestDuration *prometheus.HistogramVec
	// misc
	reloads prometheus.Counter
}

func isCanceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// utility to time an overall request
type requestTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
}

func (m *metrics) startRequest() *requestTracker {
	return &requestTracker{start: time.Now(), metrics: m}
}

func (r *requestTracker) finish(ctx context.Context, handler string, status, responseSize int) {
	if !r.finished {
		r.finished = true
		statusString := strconv.Itoa(status)
		if isCanceled(ctx) {
			statusString = "canceled"
		}
		labels := []string{handler, statusString}
		r.metrics.requests.WithLabelValues(labels...).Inc()
		r.metrics.responseSize.WithLabelValues(labels...).Observe(float64(responseSize))
		r.metrics.requestDuration.WithLabelValues(labels...).Observe(time.Since(r.start).Seconds())
	}
}

// utility to time an individual request to an asset bucket
type bucketRequestTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
}

func (m *metrics) startBucketRequest() *bucketRequestTracker {
	return &bucketRequestTracker{start: time.Now(), metrics: m}
}

func (r *bucketRequestTracker) finish(ctx context.Context, status int) {
	if !r.finished {
		r.finished = true
		statusString := strconv.Itoa(status)
		if isCanceled(ctx) {
			statusString = "canceled"
		}
		r.metrics.bucketRequests.WithLabelValues(statusString).Inc()
		r.metrics.bucketRequestDuration.WithLabelValues(statusString).Observe(time.Since(r.start).Seconds())
	}
}

func (m *metrics) assetRead(ctx context.Context, status string, duration time.Duration) {
	if isCanceled(ctx) {
		status = "canceled"
	}
	m.assetReads.WithLabelValues(status).Inc()
	m.assetReadDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *metrics) cacheRequest(status string) {
	m.catalogCacheRequests.WithLabelValues(status).Inc()
}

func (m *metrics) catalogLoad(err error) {
	status := "ok"
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		status = "not_found"
	} else if err != nil {
		status = "error"
	}
	m.catalogLoads.WithLabelValues(status).Inc()
}

func register[K prometheus.Collector](logger *log.Logger, metric K) K {
	if err := prometheus.Register(metric); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(K); ok {
				return existing
			}
		}
		logger.Println(err)
	}
	return metric
}

func createMetrics(scope string, logger *log.Logger) *metrics {
	namespace := "mosaic"
	durationBuckets := prometheus.DefBuckets
	kib := 1024.0
	mib := kib * kib
	sizeBuckets := []float64{1.0 * kib, 5.0 * kib, 10.0 * kib, 25.0 * kib, 50.0 * kib, 100 * kib, 250 * kib, 500 * kib, 1.0 * mib}

	return &metrics{
		// overall requests
		requests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "requests_total",
			Help:      "Overall number of requests to the service",
		}, []string{"handler", "status"})),
		responseSize: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "response_size_bytes",
			Help:      "Overall response size in bytes",
			Buckets:   sizeBuckets,
		}, []string{"handler", "status"})),
		requestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "request_duration_seconds",
			Help:      "Overall request duration in seconds",
			Buckets:   durationBuckets,
		}, []string{"handler", "status"})),

		// catalogs
		catalogCacheRequests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "catalog_cache_requests",
			Help:      "Requests to the catalog cache by status (hit/miss)",
		}, []string{"status"})),
		catalogLoads: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "catalog_loads_total",
			Help:      "Catalog loads from stores by status",
		}, []string{"status"})),

		// assets
		assetReads: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "asset_reads_total",
			Help:      "Asset reads by status (ok/nodata/error/canceled)",
		}, []string{"status"})),
		assetReadDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "asset_read_duration_seconds",
			Help:      "Duration in seconds of individual asset reads",
			Buckets:   durationBuckets,
		}, []string{"status"})),

		// requests to bucket
		bucketRequests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "bucket_requests_total",
			Help:      "Requests to asset buckets",
		}, []string{"status"})),
		bucketRequestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "bucket_request_duration_seconds",
			Help:      "Request duration in seconds for individual requests to asset buckets",
			Buckets:   durationBuckets,
		}, []string{"status"})),

		// misc
		reloads: register(logger, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "archive_reloads",
			Help:      "Number of times an asset archive was reloaded due to the etag changing",
		})),
	}
}

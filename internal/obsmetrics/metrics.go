// Package obsmetrics registers and exposes every Prometheus series the
// gateway emits, against its own registry rather than the global default
// so tests can build isolated instances.
package obsmetrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter, gauge, and histogram the gateway exports.
type Metrics struct {
	LogsIngestedTotal      *prometheus.CounterVec
	LogsRejectedTotal      *prometheus.CounterVec
	RateLimitExceededTotal *prometheus.CounterVec
	SegmentsCreatedTotal   *prometheus.CounterVec
	SegmentsForwardedTotal *prometheus.CounterVec
	ForwarderPoisonTotal   *prometheus.CounterVec
	MaskingErrorsTotal     prometheus.Counter
	QuotaEvictedTotal      *prometheus.CounterVec
	SegmentsCorruptTotal   prometheus.Counter

	SegmentsActive  *prometheus.GaugeVec
	DiskUsageBytes  *prometheus.GaugeVec
	DiskFreeRatio   prometheus.Gauge

	HTTPRequestDuration     *prometheus.HistogramVec
	WALAppendDuration       prometheus.Histogram
	ForwarderPushDuration   prometheus.Histogram
	SegmentSizeBytes        prometheus.Histogram
	BatchSizeEntries        prometheus.Histogram

	httpRequestsTotal *prometheus.CounterVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Init registers every series against a fresh registry, following
// metrics.InitMetrics()'s sync.Once pattern. Safe to call once per process.
func Init() (*Metrics, *prometheus.Registry) {
	var reg *prometheus.Registry
	initOnce.Do(func() {
		reg = prometheus.NewRegistry()
		instance = newMetrics(reg)
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
	return instance, reg
}

// New constructs a fresh Metrics bundle against reg without the process-wide
// singleton guard; intended for tests that want an isolated registry.
func New(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LogsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logs_ingested_total", Help: "Total log entries durably accepted.",
		}, []string{"token"}),
		LogsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logs_rejected_total", Help: "Total log entries rejected during admission.",
		}, []string{"token", "reason"}),
		RateLimitExceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_exceeded_total", Help: "Total requests rejected by the rate limiter.",
		}, []string{"token"}),
		SegmentsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wal_segments_created_total", Help: "Total WAL segments created.",
		}, []string{"token", "reason"}),
		SegmentsForwardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wal_segments_forwarded_total", Help: "Total WAL segments delivered to the sink.",
		}, []string{"token"}),
		ForwarderPoisonTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forwarder_poison_total", Help: "Total segments dropped as poison (non-429 4xx from sink).",
		}, []string{"token"}),
		MaskingErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "masking_errors_total", Help: "Total masking override-evaluation failures (fell back to baseline).",
		}),
		QuotaEvictedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_evicted_total", Help: "Total sealed segments deleted to relieve hard quota exceedance.",
		}, []string{"token"}),
		SegmentsCorruptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wal_segments_corrupt_total", Help: "Total segments skipped or dropped for a malformed header or bad checksum. Torn tails are not counted.",
		}),
		SegmentsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wal_segments_active", Help: "1 if the tenant currently has an open active segment.",
		}, []string{"token"}),
		DiskUsageBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wal_disk_usage_bytes", Help: "Bytes on disk across a tenant's segments.",
		}, []string{"token"}),
		DiskFreeRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "disk_free_ratio", Help: "Fraction of the WAL filesystem currently free.",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds", Help: "HTTP request duration.", Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		WALAppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "wal_append_duration_seconds", Help: "Duration of WAL append calls, including fsync.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		ForwarderPushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "forwarder_push_duration_seconds", Help: "Duration of sink push attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		SegmentSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "segment_size_bytes", Help: "Size of sealed segments at rotation time.",
			Buckets: prometheus.ExponentialBuckets(1<<12, 4, 10),
		}),
		BatchSizeEntries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "batch_size_entries", Help: "Number of entries per accepted ingest batch.",
			Buckets: prometheus.LinearBuckets(1, 25, 20),
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total", Help: "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		m.LogsIngestedTotal, m.LogsRejectedTotal, m.RateLimitExceededTotal,
		m.SegmentsCreatedTotal, m.SegmentsForwardedTotal, m.ForwarderPoisonTotal,
		m.MaskingErrorsTotal, m.QuotaEvictedTotal, m.SegmentsCorruptTotal, m.SegmentsActive, m.DiskUsageBytes,
		m.DiskFreeRatio, m.HTTPRequestDuration, m.WALAppendDuration, m.ForwarderPushDuration,
		m.SegmentSizeBytes, m.BatchSizeEntries, m.httpRequestsTotal,
	)
	return m
}

// Handler serves the Prometheus text exposition format for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// HTTPMiddleware records per-request duration and status, following
// metrics.HTTPMetricsMiddleware's wrapped-ResponseWriter pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &statusCapturingWriter{w, http.StatusOK}
		next.ServeHTTP(lw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(lw.statusCode)
		m.httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(duration)
	})
}

type statusCapturingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of counters describing the server's state.
type Metrics struct {
	// ======================
	// Ingest
	// ======================

	// EventsReceivedTotal
	// - every lifecycle event handed to the engine, any source (HTTP, CDP).
	EventsReceivedTotal int64

	// EventsRejectedQueueFullTotal
	// - events refused because EventCh was full (HTTP 503).
	EventsRejectedQueueFullTotal int64

	// EventsOutOfScopeTotal
	// - start events whose URL or type fell outside the scope filter.
	EventsOutOfScopeTotal int64

	// HTTPRequestsRejectedBodyTooLargeTotal
	// - POST /events bodies over MaxBodySize (413).
	HTTPRequestsRejectedBodyTooLargeTotal int64

	// ======================
	// Engine
	// ======================

	// EventsDroppedNoContextTotal
	// - events without an addressable browsing context.
	EventsDroppedNoContextTotal int64

	// EventsUncorrelatedTotal
	// - completed/redirected/error events with no matching record.
	//   A steady rise usually means starts are being lost upstream.
	EventsUncorrelatedTotal int64

	// EventsRedeliveredTotal
	// - start events for a request id already recorded.
	EventsRedeliveredTotal int64

	// RecordsCreatedTotal / RecordsEvictedTotal
	// - records inserted, and records that left with a navigation or a
	//   closed context.
	RecordsCreatedTotal int64
	RecordsEvictedTotal int64

	// TransportErrorsTotal
	// - error events applied to a record (cancellations included).
	TransportErrorsTotal int64

	// ContextsCurrent
	// - gauge: contexts the registry tracks right now.
	ContextsCurrent int64

	// ======================
	// Archive (S3)
	// ======================

	// ArchiveRecordsStoredTotal
	// - records written to S3, counted per record, not per batch.
	ArchiveRecordsStoredTotal int64

	// S3PutErrorsTotal
	// - failed PutObject attempts; one batch with retries can add several.
	S3PutErrorsTotal int64

	// ArchiveRecordsDroppedTotal
	// - records lost because the archive queue was full or the spool
	//   could not take them.
	ArchiveRecordsDroppedTotal int64

	// ======================
	// Spool
	// ======================

	// SpoolBatchesEnqueuedTotal / SpoolBatchesReuploadedTotal
	// - batches parked on disk after an upload failure, and batches later
	//   recovered from there.
	SpoolBatchesEnqueuedTotal   int64
	SpoolBatchesReuploadedTotal int64

	// SpoolFilesExpiredTotal
	// - spool files deleted by TTL, size cap or corruption.
	SpoolFilesExpiredTotal int64

	// SpoolFilesCurrent / SpoolSizeBytes
	// - gauges for the spool directory.
	SpoolFilesCurrent int64
	SpoolSizeBytes    int64

	registry *prometheus.Registry
	httpDur  *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{}
	m.httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixelwatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		&collector{m: m},
		m.httpDur,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, seconds float64) {
	m.httpDur.WithLabelValues(method, route, fmt.Sprint(status)).Observe(seconds)
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

type series struct {
	name  string
	help  string
	gauge bool
	value *int64
}

func (m *Metrics) series() []series {
	return []series{
		{"events_received_total", "Lifecycle events handed to the engine.", false, &m.EventsReceivedTotal},
		{"events_rejected_queue_full_total", "Events refused because the engine queue was full.", false, &m.EventsRejectedQueueFullTotal},
		{"events_out_of_scope_total", "Start events outside the URL scope filter.", false, &m.EventsOutOfScopeTotal},
		{"http_requests_rejected_body_too_large_total", "Event posts over the body limit.", false, &m.HTTPRequestsRejectedBodyTooLargeTotal},

		{"events_dropped_no_context_total", "Events without a browsing context.", false, &m.EventsDroppedNoContextTotal},
		{"events_uncorrelated_total", "Network events with no matching record.", false, &m.EventsUncorrelatedTotal},
		{"events_redelivered_total", "Start events for an existing request id.", false, &m.EventsRedeliveredTotal},
		{"records_created_total", "Beacon records inserted.", false, &m.RecordsCreatedTotal},
		{"records_evicted_total", "Beacon records evicted or dropped with their context.", false, &m.RecordsEvictedTotal},
		{"transport_errors_total", "Error events applied to a record.", false, &m.TransportErrorsTotal},
		{"contexts_current", "Browsing contexts currently tracked.", true, &m.ContextsCurrent},

		{"archive_records_stored_total", "Records written to S3.", false, &m.ArchiveRecordsStoredTotal},
		{"s3_put_errors_total", "Failed S3 PutObject attempts.", false, &m.S3PutErrorsTotal},
		{"archive_records_dropped_total", "Records the archive could not keep.", false, &m.ArchiveRecordsDroppedTotal},

		{"spool_batches_enqueued_total", "Batches written to the local spool.", false, &m.SpoolBatchesEnqueuedTotal},
		{"spool_batches_reuploaded_total", "Spooled batches uploaded later.", false, &m.SpoolBatchesReuploadedTotal},
		{"spool_files_expired_total", "Spool files removed by TTL, size cap or corruption.", false, &m.SpoolFilesExpiredTotal},
		{"spool_files_current", "Files in the spool directory.", true, &m.SpoolFilesCurrent},
		{"spool_size_bytes", "Bytes in the spool directory.", true, &m.SpoolSizeBytes},
	}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)
	for _, s := range m.series() {
		fmt.Fprintf(&sb, "%s=%d\n", s.name, atomic.LoadInt64(s.value))
	}
	return sb.String()
}

// collector
// ------------------------------------------------------------
// Exposes the atomic counters to Prometheus at scrape time.
type collector struct {
	m *Metrics
}

const namespace = "pixelwatch"

func (c *collector) desc(s series) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", s.name), s.help, nil, nil)
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.m.series() {
		ch <- c.desc(s)
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.m.series() {
		typ := prometheus.CounterValue
		if s.gauge {
			typ = prometheus.GaugeValue
		}
		ch <- prometheus.MustNewConstMetric(c.desc(s), typ, float64(atomic.LoadInt64(s.value)))
	}
}

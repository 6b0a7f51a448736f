package core

import (
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics is the process-wide observable counters record. The source exposes
// these as loose static globals scattered across the repository thread and
// the registry; here they live behind one struct the registry owns and the
// workers hold a shared reference to, per the "global singletons" design
// note.
type Metrics struct {
	set *metrics.Set

	BytesReceived        *metrics.Counter
	MeshRequestCount     *metrics.Counter
	HTTPRequestCount     *metrics.Counter
	HTTPLargeReqCount    *metrics.Counter
	HTTPRetryCount       *metrics.Counter
	HTTPErrorCount       *metrics.Counter
	HTTPRequestDuration  *metrics.Histogram
	MeshUnavailableCount *metrics.Counter
	CacheBytesRead       *metrics.Counter
	CacheBytesWritten    *metrics.Counter
	CacheReads           *metrics.Counter
	CacheWrites          *metrics.Counter
	LODPending           *metrics.Gauge
	LODProcessing        *metrics.Gauge
}

var onceMetrics sync.Once
var metricsState *Metrics

// NewMetrics builds (once) the shared metrics record and registers it with a
// fresh VictoriaMetrics set so the caller can expose /metrics separately from
// the global default set.
func NewMetrics() *Metrics {
	onceMetrics.Do(func() {
		set := metrics.NewSet()
		metricsState = &Metrics{
			set:                  set,
			BytesReceived:        set.NewCounter("mesh_bytes_received_total"),
			MeshRequestCount:     set.NewCounter("mesh_request_count_total"),
			HTTPRequestCount:     set.NewCounter("mesh_http_request_count_total"),
			HTTPLargeReqCount:    set.NewCounter("mesh_http_large_request_count_total"),
			HTTPRetryCount:       set.NewCounter("mesh_http_retry_count_total"),
			HTTPErrorCount:       set.NewCounter("mesh_http_error_count_total"),
			HTTPRequestDuration:  set.NewHistogram("mesh_http_request_duration_seconds"),
			MeshUnavailableCount: set.NewCounter("mesh_unavailable_count_total"),
			CacheBytesRead:       set.NewCounter("mesh_cache_bytes_read_total"),
			CacheBytesWritten:    set.NewCounter("mesh_cache_bytes_written_total"),
			CacheReads:           set.NewCounter("mesh_cache_reads_total"),
			CacheWrites:          set.NewCounter("mesh_cache_writes_total"),
			LODPending:           set.NewGauge("mesh_lod_pending", nil),
			LODProcessing:        set.NewGauge("mesh_lod_processing", nil),
		}
	})
	return metricsState
}

// WritePrometheus exposes the record in Prometheus exposition format.
func (m *Metrics) WritePrometheus(w writer) {
	m.set.WritePrometheus(w)
}

type writer interface {
	Write(p []byte) (n int, err error)
}

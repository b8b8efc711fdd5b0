// Package obsmetrics exposes Prometheus counters and gauges for the
// bridge agent (C15), surfaced over the status server's /metrics route
// (SPEC_FULL.md §6.6). Grounded on metrics.Metrics's counters-per-run
// shape (metrics/metrics.go), reimplemented as registered Prometheus
// collectors instead of a one-shot JSON report, since the bridge is a
// long-running process rather than a single restore invocation.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the bridge agent exposes. A single
// instance is constructed at startup by cmd/bridge; the runner, dispatcher
// and uploader do not hold it, and the telemetry emitter receives only its
// dropped-event counter as a callback.
type Registry struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	SyncsTotal       *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	RowsExtracted    *prometheus.CounterVec
	FilesUploaded    *prometheus.CounterVec
	BytesUploaded    *prometheus.CounterVec
	UploadRetries    *prometheus.CounterVec
	MappingsRunning  prometheus.Gauge
	TelemetryDropped prometheus.Counter
}

// New constructs a Registry and registers all of its collectors against
// a fresh prometheus.Registry, matching the pack's (jordigilh-kubernaut,
// cuemby-warren) convention of a private registry per process rather than
// the global default one, so tests can spin up independent instances.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registerer: reg,
		Gatherer:   reg,
		SyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasnap_bridge",
			Name:      "syncs_total",
			Help:      "Total number of sync_mapping runs, by mapping and outcome.",
		}, []string{"mapping", "status"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "datasnap_bridge",
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync_mapping runs in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"mapping"}),
		RowsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasnap_bridge",
			Name:      "rows_extracted_total",
			Help:      "Total rows extracted from source adapters.",
		}, []string{"mapping"}),
		FilesUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasnap_bridge",
			Name:      "files_uploaded_total",
			Help:      "Total JSONL files successfully uploaded.",
		}, []string{"mapping"}),
		BytesUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasnap_bridge",
			Name:      "bytes_uploaded_total",
			Help:      "Total bytes successfully uploaded.",
		}, []string{"mapping"}),
		UploadRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datasnap_bridge",
			Name:      "upload_retries_total",
			Help:      "Total retry attempts issued by the uploader.",
		}, []string{"mapping"}),
		MappingsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "datasnap_bridge",
			Name:      "mappings_running",
			Help:      "Number of mappings currently syncing in this process.",
		}),
		TelemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datasnap_bridge",
			Name:      "telemetry_events_dropped_total",
			Help:      "Telemetry events whose transport failed and were swallowed.",
		}),
	}

	reg.MustRegister(
		r.SyncsTotal,
		r.SyncDuration,
		r.RowsExtracted,
		r.FilesUploaded,
		r.BytesUploaded,
		r.UploadRetries,
		r.MappingsRunning,
		r.TelemetryDropped,
	)
	return r
}

// ObserveSync records the outcome of one SyncMapping run.
func (r *Registry) ObserveSync(mapping string, success bool, durationSeconds float64, rows, files, bytes int64, retries int) {
	status := "success"
	if !success {
		status = "error"
	}
	r.SyncsTotal.WithLabelValues(mapping, status).Inc()
	r.SyncDuration.WithLabelValues(mapping).Observe(durationSeconds)
	r.RowsExtracted.WithLabelValues(mapping).Add(float64(rows))
	r.FilesUploaded.WithLabelValues(mapping).Add(float64(files))
	r.BytesUploaded.WithLabelValues(mapping).Add(float64(bytes))
	if retries > 0 {
		r.UploadRetries.WithLabelValues(mapping).Add(float64(retries))
	}
}

// SetMappingsRunning updates the in-flight mapping gauge, typically fed
// from len(runner.RunningSet.Names()).
func (r *Registry) SetMappingsRunning(n int) {
	r.MappingsRunning.Set(float64(n))
}

// IncTelemetryDropped records one swallowed telemetry transport error.
func (r *Registry) IncTelemetryDropped() {
	r.TelemetryDropped.Inc()
}

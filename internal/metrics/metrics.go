// Package metrics provides Prometheus instrumentation for the vault.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the vault server.
type Metrics struct {
	registry *prometheus.Registry

	// Upload/delete outcomes, labeled by result
	// (ok, deduplicated, quota_exceeded, too_large, invalid, error).
	UploadsTotal *prometheus.CounterVec
	DeletesTotal *prometheus.CounterVec

	// DedupHits counts uploads resolved against an existing blob.
	DedupHits prometheus.Counter

	// BytesUploaded counts logical bytes accepted (before dedup).
	BytesUploaded prometheus.Counter

	// BytesStored counts physical bytes written to new blobs.
	BytesStored prometheus.Counter

	// QuotaRejections counts uploads refused by the quota ledger.
	QuotaRejections prometheus.Counter

	// HTTPDuration observes request latency per route and status.
	HTTPDuration *prometheus.HistogramVec

	// GC collectors.
	GCRuns        prometheus.Counter
	GCDuration    prometheus.Histogram
	GCBlobsFreed  prometheus.Counter
	GCBytesFreed  prometheus.Counter
	GCOrphanBlobs prometheus.Gauge
	GCLastRunTime prometheus.Gauge
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		UploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filevault",
			Name:      "uploads_total",
			Help:      "Number of upload requests by result.",
		}, []string{"result"}),

		DeletesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filevault",
			Name:      "deletes_total",
			Help:      "Number of delete requests by result.",
		}, []string{"result"}),

		DedupHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filevault",
			Name:      "dedup_hits_total",
			Help:      "Uploads attached to an existing blob instead of writing bytes.",
		}),

		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filevault",
			Name:      "bytes_uploaded_total",
			Help:      "Logical bytes accepted across all uploads.",
		}),

		BytesStored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filevault",
			Name:      "bytes_stored_total",
			Help:      "Physical bytes written as new blobs.",
		}),

		QuotaRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filevault",
			Name:      "quota_rejections_total",
			Help:      "Uploads refused because the owner's quota was exhausted.",
		}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "filevault",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),

		GCRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filevault",
			Subsystem: "gc",
			Name:      "runs_total",
			Help:      "Garbage collection runs completed.",
		}),

		GCDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "filevault",
			Subsystem: "gc",
			Name:      "run_duration_seconds",
			Help:      "Garbage collection run duration.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
		}),

		GCBlobsFreed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filevault",
			Subsystem: "gc",
			Name:      "blobs_freed_total",
			Help:      "Blobs physically reclaimed by garbage collection.",
		}),

		GCBytesFreed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "filevault",
			Subsystem: "gc",
			Name:      "bytes_freed_total",
			Help:      "Bytes freed by garbage collection.",
		}),

		GCOrphanBlobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "filevault",
			Subsystem: "gc",
			Name:      "orphan_blobs",
			Help:      "Blobs currently awaiting reclamation.",
		}),

		GCLastRunTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "filevault",
			Subsystem: "gc",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed GC run.",
		}),
	}
}

// RecordGCRun records the outcome of a garbage collection run.
func (m *Metrics) RecordGCRun(seconds float64, blobsFreed int, bytesFreed int64) {
	m.GCRuns.Inc()
	m.GCDuration.Observe(seconds)
	m.GCBlobsFreed.Add(float64(blobsFreed))
	m.GCBytesFreed.Add(float64(bytesFreed))
}

// Handler returns an HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics holds the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session kinds used as label values.
const (
	SessionUpload   = "upload"
	SessionDownload = "download"
)

// Metrics tracks engine, swarm and job activity.
type Metrics struct {
	// Session metrics
	SessionsActive *prometheus.GaugeVec
	SharesActive   prometheus.Gauge

	// Operation metrics
	Uploads          prometheus.Counter
	Downloads        prometheus.Counter
	DownloadFailures *prometheus.CounterVec
	DownloadWaiters  prometheus.Counter
	Cancels          prometheus.Counter
	ReplicatedBytes  prometheus.Counter

	// Swarm metrics
	PeersInjected  prometheus.Counter
	PeersDropped   prometheus.Counter
	Connections    *prometheus.CounterVec
	TeardownErrors *prometheus.CounterVec

	// Job metrics
	SweepRuns     prometheus.Counter
	SweepExpired  prometheus.Counter
	SweepSkipped  prometheus.Counter
	LastSweep     prometheus.Gauge
	MemoryFreed   prometheus.Counter
	HeapAllocated prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates and registers the collectors. A nil registry uses a fresh
// private registry.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hyperg_sessions_active",
			Help: "Number of active swarm sessions",
		}, []string{"kind"}),
		SharesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hyperg_shares_active",
			Help: "Number of archives announced by the upload session",
		}),

		Uploads: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperg_uploads_total",
			Help: "Total number of archives shared",
		}),
		Downloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperg_downloads_total",
			Help: "Total number of completed downloads",
		}),
		DownloadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperg_download_failures_total",
			Help: "Total number of failed downloads by reason",
		}, []string{"reason"}),
		DownloadWaiters: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperg_download_waiters_total",
			Help: "Total number of download requests joined to an existing session",
		}),
		Cancels: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperg_cancels_total",
			Help: "Total number of cancelled shares",
		}),
		ReplicatedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperg_replicated_bytes_total",
			Help: "Total number of block bytes received from peers",
		}),

		PeersInjected: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperg_peers_injected_total",
			Help: "Total number of explicitly provided peers injected into sessions",
		}),
		PeersDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperg_peers_dropped_total",
			Help: "Total number of peers that could not be connected",
		}),
		Connections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperg_connections_total",
			Help: "Total number of replication connections by direction",
		}, []string{"direction"}),
		TeardownErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperg_teardown_errors_total",
			Help: "Total number of errors raised while tearing down sessions",
		}, []string{"step"}),

		SweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperg_sweep_runs_total",
			Help: "Total number of sweep runs",
		}),
		SweepExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperg_sweep_expired_total",
			Help: "Total number of shares expired by the sweep",
		}),
		SweepSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperg_sweep_skipped_total",
			Help: "Total number of malformed share records skipped by the sweep",
		}),
		LastSweep: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hyperg_last_sweep_timestamp",
			Help: "Unix timestamp of the last sweep",
		}),
		MemoryFreed: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperg_memory_release_runs_total",
			Help: "Total number of times memory was returned to the OS",
		}),
		HeapAllocated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hyperg_heap_alloc_bytes",
			Help: "Heap bytes allocated at the last memory job run",
		}),

		gatherer: registry,
	}
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RegisterHandlers mounts the metrics and liveness endpoints on mux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health/live", handleLiveness)
}

// handleLiveness answers as long as the process can serve requests.
func handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

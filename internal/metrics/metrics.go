// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every collector the bridge registers.
type Registry struct {
	TargetsRunning   prometheus.Gauge
	SessionsActive   prometheus.Gauge
	SegmentsOpen     prometheus.Gauge
	RingEntries      prometheus.Gauge
	MessagesRecorded prometheus.Counter
	RecorderFailures prometheus.Counter
	WriterUnavailable prometheus.Counter
	SegmentsDeleted  prometheus.Counter
	SegmentsCorrupt  prometheus.Counter
	ReconnectsTotal  prometheus.Counter
	NonMonotonic     prometheus.Counter
	BacklogLoadSecs  prometheus.Histogram
}

// New creates and registers every collector against the default registry.
func New() *Registry {
	return &Registry{
		TargetsRunning: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_targets_running",
			Help: "Number of target managers currently running.",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_sessions_active",
			Help: "Number of attached client sessions across all targets.",
		}),
		SegmentsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_segments_open",
			Help: "Number of currently open recorder segments.",
		}),
		RingEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_ring_entries",
			Help: "Total entries currently held across all ring buffers.",
		}),
		MessagesRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_messages_recorded_total",
			Help: "Total messages successfully appended to a segment.",
		}),
		RecorderFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_recorder_write_failures_total",
			Help: "Total per-message recorder write failures.",
		}),
		WriterUnavailable: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_writer_unavailable_total",
			Help: "Total segment open failures degrading a target to in-memory-only.",
		}),
		SegmentsDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_segments_deleted_total",
			Help: "Total segment files removed by the retention sweeper.",
		}),
		SegmentsCorrupt: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_segments_corrupt_total",
			Help: "Total segment files skipped as corrupt during history load.",
		}),
		ReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_upstream_reconnects_total",
			Help: "Total upstream reconnect attempts across all targets.",
		}),
		NonMonotonic: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_nonmonotonic_messages_total",
			Help: "Total live messages observed with a timestamp below the ring head.",
		}),
		BacklogLoadSecs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_backlog_load_seconds",
			Help:    "Wall time spent loading disk history for a new session.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler returns the HTTP handler that serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

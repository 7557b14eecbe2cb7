// Package metrics declares the Prometheus collectors exported on the ops
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every collector the server updates. Constructing it with
// a private prometheus.Registerer keeps tests independent; main passes
// prometheus.DefaultRegisterer so promhttp serves the values.
type Registry struct {
	ConnectionsTotal    prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	ConnectionsRejected *prometheus.CounterVec

	SessionsActive  prometheus.Gauge
	SessionsEvicted prometheus.Counter

	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	BroadcastsSent   prometheus.Counter

	EditsApplied  prometheus.Counter
	EditsRejected *prometheus.CounterVec
	EditSeconds   prometheus.Histogram

	DocsLoaded       prometheus.Gauge
	SnapshotsWritten prometheus.Counter
	OplogAppends     prometheus.Counter
}

func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabd_connections_total",
			Help: "Accepted client connections since start.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collabd_connections_active",
			Help: "Currently open client connections.",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collabd_connections_rejected_total",
			Help: "Connections refused at admission.",
		}, []string{"reason"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collabd_sessions_active",
			Help: "Registered sessions.",
		}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabd_sessions_evicted_total",
			Help: "Sessions removed by the heartbeat watchdog.",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabd_messages_received_total",
			Help: "Client messages decoded from the wire.",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabd_messages_sent_total",
			Help: "Server events written to clients.",
		}),
		BroadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabd_broadcasts_sent_total",
			Help: "Broadcast events delivered to subscribers.",
		}),
		EditsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabd_edits_applied_total",
			Help: "Edits committed to a document.",
		}),
		EditsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collabd_edits_rejected_total",
			Help: "Edits rejected before commit.",
		}, []string{"code"}),
		EditSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "collabd_edit_seconds",
			Help:    "Time spent in the edit critical section.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		DocsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collabd_docs_loaded",
			Help: "Documents resident in memory.",
		}),
		SnapshotsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabd_snapshots_written_total",
			Help: "Snapshot files published.",
		}),
		OplogAppends: factory.NewCounter(prometheus.CounterOpts{
			Name: "collabd_oplog_appends_total",
			Help: "Oplog records appended.",
		}),
	}
}

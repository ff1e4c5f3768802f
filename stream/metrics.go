package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cssius111/RuleK-sub001/metric"
)

// Metrics holds Prometheus metrics for the streaming service
type Metrics struct {
	clientsConnected    prometheus.Gauge
	connectionsTotal    prometheus.Counter
	disconnectionsTotal *prometheus.CounterVec

	messagesSent    *prometheus.CounterVec
	messagesQueued  prometheus.Counter
	messagesDropped prometheus.Counter
	messagesFlushed prometheus.Counter
	queueFlushes    prometheus.Counter
	sendFailures    prometheus.Counter
	broadcastsTotal prometheus.Counter

	pingsSent         prometheus.Counter
	heartbeatTimeouts prometheus.Counter

	framesReceived *prometheus.CounterVec
	framesDropped  prometheus.Counter

	streamChunksSent prometheus.Counter
	streamsCompleted prometheus.Counter
	streamsAborted   prometheus.Counter
}

// newMetrics creates and registers streaming metrics.
// Returns nil if no registry is provided (nil input = nil feature pattern).
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),

		disconnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"disconnect_reason"}),

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "messages_sent_total",
			Help:      "Total envelopes delivered to clients",
		}, []string{"type"}),

		messagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "messages_queued_total",
			Help:      "Total messages buffered for offline or failing clients",
		}),

		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "messages_dropped_total",
			Help:      "Total undelivered messages lost to queue overflow or retention expiry",
		}),

		messagesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "messages_flushed_total",
			Help:      "Total queued messages re-sent after reconnect",
		}),

		queueFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "queue_flushes_total",
			Help:      "Total reconnect-triggered queue flushes",
		}),

		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "send_failures_total",
			Help:      "Total transport write failures",
		}),

		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "broadcasts_total",
			Help:      "Total broadcast operations",
		}),

		pingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "heartbeat_pings_total",
			Help:      "Total heartbeat pings sent",
		}),

		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "heartbeat_timeouts_total",
			Help:      "Total clients evicted by heartbeat timeout",
		}),

		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "frames_received_total",
			Help:      "Total inbound frames by type",
		}, []string{"type"}),

		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "frames_dropped_total",
			Help:      "Total malformed inbound frames dropped",
		}),

		streamChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "chunks_sent_total",
			Help:      "Total non-final stream chunks sent",
		}),

		streamsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "streams_completed_total",
			Help:      "Total streams terminated with a final marker",
		}),

		streamsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulek",
			Subsystem: "stream",
			Name:      "streams_aborted_total",
			Help:      "Total streams cancelled before the final marker",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		m.clientsConnected,
		m.connectionsTotal,
		m.disconnectionsTotal,
		m.messagesSent,
		m.messagesQueued,
		m.messagesDropped,
		m.messagesFlushed,
		m.queueFlushes,
		m.sendFailures,
		m.broadcastsTotal,
		m.pingsSent,
		m.heartbeatTimeouts,
		m.framesReceived,
		m.framesDropped,
		m.streamChunksSent,
		m.streamsCompleted,
		m.streamsAborted,
	)

	return m
}

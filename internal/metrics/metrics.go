// Package metrics defines the Prometheus collectors exported by the relay.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "gochat"
	subsystem = "relay"
)

// Reap reasons used as the "reason" label on ConnectionsReaped.
const (
	ReasonClosed     = "closed"
	ReasonReadError  = "read_error"
	ReasonWriteError = "write_error"
)

// RelayMetrics holds the relay's Prometheus collectors. A nil *RelayMetrics
// is valid and records nothing.
type RelayMetrics struct {
	ActiveConnections   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ConnectionsReaped   *prometheus.CounterVec
	MessagesRelayed     prometheus.Counter
	MessagesThrottled   prometheus.Counter
	BytesReceived       prometheus.Counter
}

// NewRelayMetrics creates the relay collectors and registers them on reg.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_connections",
			Help:      "Number of currently registered client connections.",
		}),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_accepted_total",
			Help:      "Total client connections accepted.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_rejected_total",
			Help:      "Total client connections closed at accept because the connection limit was reached.",
		}),
		ConnectionsReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_reaped_total",
			Help:      "Total client connections removed, by reason.",
		}, []string{"reason"}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_relayed_total",
			Help:      "Total messages fanned out to other clients.",
		}),
		MessagesThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_throttled_total",
			Help:      "Total messages dropped by the per-connection rate limit.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_received_total",
			Help:      "Total bytes read from clients.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.ConnectionsReaped,
		m.MessagesRelayed,
		m.MessagesThrottled,
		m.BytesReceived,
	)
	return m
}

// Accepted records a newly registered connection.
func (m *RelayMetrics) Accepted() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
	m.ActiveConnections.Inc()
}

// Rejected records a connection closed at accept time.
func (m *RelayMetrics) Rejected() {
	if m == nil {
		return
	}
	m.ConnectionsRejected.Inc()
}

// Reaped records a removed connection.
func (m *RelayMetrics) Reaped(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsReaped.WithLabelValues(reason).Inc()
	m.ActiveConnections.Dec()
}

// Received records bytes read from a client.
func (m *RelayMetrics) Received(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// Relayed records one fanned-out message.
func (m *RelayMetrics) Relayed() {
	if m == nil {
		return
	}
	m.MessagesRelayed.Inc()
}

// Throttled records a message dropped by rate limiting.
func (m *RelayMetrics) Throttled() {
	if m == nil {
		return
	}
	m.MessagesThrottled.Inc()
}

// Reset zeroes the active connection gauge, used when the relay stops.
func (m *RelayMetrics) Reset() {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(0)
}

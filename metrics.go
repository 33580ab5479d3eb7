package robin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the module's Prometheus collectors. They register on a
// module-owned registry so an embedding program can expose them (or
// not) however it likes; this package never serves HTTP.
type Metrics struct {
	registry *prometheus.Registry

	SessionsAccepted   prometheus.Counter
	SessionsRejected   prometheus.Counter
	ActiveSessions     prometheus.Gauge
	Transactions       prometheus.Counter
	ProtocolErrors     prometheus.Counter
	MessagesReceived   prometheus.Counter
	MessagesRelayed    prometheus.Counter
	AuthFailures       prometheus.Counter
	TLSHandshakeErrors prometheus.Counter
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robin_smtp_sessions_accepted_total",
			Help: "Accepted SMTP sessions.",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robin_smtp_sessions_rejected_total",
			Help: "Sessions rejected because the worker pool was saturated.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "robin_smtp_sessions_active",
			Help: "Sessions currently being served.",
		}),
		Transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robin_smtp_transactions_total",
			Help: "Transactions recorded across all sessions.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robin_smtp_protocol_errors_total",
			Help: "Protocol errors counted against session error limits.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robin_smtp_messages_received_total",
			Help: "Messages accepted via DATA or BDAT LAST.",
		}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robin_smtp_messages_relayed_total",
			Help: "Messages handed to the relay client.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robin_smtp_auth_failures_total",
			Help: "Failed AUTH exchanges.",
		}),
		TLSHandshakeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robin_smtp_tls_handshake_errors_total",
			Help: "Failed STARTTLS or implicit-TLS handshakes.",
		}),
	}

	registry.MustRegister(
		m.SessionsAccepted,
		m.SessionsRejected,
		m.ActiveSessions,
		m.Transactions,
		m.ProtocolErrors,
		m.MessagesReceived,
		m.MessagesRelayed,
		m.AuthFailures,
		m.TLSHandshakeErrors,
	)

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

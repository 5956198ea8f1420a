package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's Prometheus instrumentation.
type Metrics struct {
	activeSessions    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	messagesBroadcast prometheus.Counter
	messagesDirect    prometheus.Counter
	filesRelayed      prometheus.Counter
	deliveryFailures  prometheus.Counter
	historyReplays    prometheus.Counter
	registrations     prometheus.Counter
	logins            *prometheus.CounterVec
}

// NewMetrics creates and registers the server metrics. A nil registerer
// falls back to the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatapp_sessions_active",
			Help: "Current number of authenticated sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_sessions_total",
			Help: "Total number of sessions created since start.",
		}),
		messagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_messages_broadcast_total",
			Help: "Channel messages routed to all sessions.",
		}),
		messagesDirect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_messages_direct_total",
			Help: "Direct messages routed to a single session.",
		}),
		filesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_files_relayed_total",
			Help: "Completed attachment relays.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_delivery_failures_total",
			Help: "Sessions dropped after a failed write.",
		}),
		historyReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_history_replays_total",
			Help: "History replays served (login and HISTORY requests).",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_registrations_total",
			Help: "Successful credential registrations.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatapp_logins_total",
			Help: "Login attempts grouped by outcome.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionsTotal,
		m.messagesBroadcast,
		m.messagesDirect,
		m.filesRelayed,
		m.deliveryFailures,
		m.historyReplays,
		m.registrations,
		m.logins,
	)
	return m
}

// RecordActiveSessions sets the active session gauge.
func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// RecordSessionCreated counts a newly registered session.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
}

// RecordBroadcast counts a routed channel message.
func (m *Metrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.messagesBroadcast.Inc()
}

// RecordDirectMessage counts a routed direct message.
func (m *Metrics) RecordDirectMessage() {
	if m == nil {
		return
	}
	m.messagesDirect.Inc()
}

// RecordFileRelayed counts a completed attachment relay.
func (m *Metrics) RecordFileRelayed() {
	if m == nil {
		return
	}
	m.filesRelayed.Inc()
}

// RecordDeliveryFailure counts a session dropped after a failed write.
func (m *Metrics) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// RecordHistoryReplay counts a served history replay.
func (m *Metrics) RecordHistoryReplay() {
	if m == nil {
		return
	}
	m.historyReplays.Inc()
}

// RecordRegistration counts a successful registration.
func (m *Metrics) RecordRegistration() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

// RecordLogin counts a login attempt by outcome ("ok", "bad_password",
// "unknown_user", "already_online", ...).
func (m *Metrics) RecordLogin(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.logins.WithLabelValues(result).Inc()
}

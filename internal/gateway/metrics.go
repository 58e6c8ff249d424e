package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/emberhost/ember/internal/agent"
	"github.com/emberhost/ember/internal/event"
)

// metrics holds the gateway's Prometheus instruments.
type metrics struct {
	connectionsActive prometheus.Gauge
	connectionsOpened prometheus.Counter
	messagesInbound   *prometheus.CounterVec
	eventsAppended    *prometheus.CounterVec
	queriesFinished   *prometheus.CounterVec
	sessionsLive      prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, manager *agent.Manager) *metrics {
	m := &metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ember_connections_active",
			Help: "Currently open WebSocket connections.",
		}),
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_connections_opened_total",
			Help: "WebSocket connections accepted since start.",
		}),
		messagesInbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_ws_messages_inbound_total",
			Help: "Inbound WebSocket messages by type.",
		}, []string{"type"}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_events_appended_total",
			Help: "Events appended to session logs by type.",
		}, []string{"type"}),
		queriesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_queries_finished_total",
			Help: "Queries reaching a terminal phase.",
		}, []string{"phase"}),
		sessionsLive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ember_sessions_live",
			Help: "Session actors currently resident in memory.",
		}, func() float64 { return float64(manager.Count()) }),
	}
	reg.MustRegister(
		m.connectionsActive,
		m.connectionsOpened,
		m.messagesInbound,
		m.eventsAppended,
		m.queriesFinished,
		m.sessionsLive,
	)
	return m
}

// hooks adapts the metrics to the session instrumentation callbacks.
func (m *metrics) hooks() agent.Hooks {
	return agent.Hooks{
		EventAppended: func(typ event.Type) {
			m.eventsAppended.WithLabelValues(string(typ)).Inc()
		},
		QueryFinished: func(phase agent.Phase) {
			m.queriesFinished.WithLabelValues(string(phase)).Inc()
		},
	}
}

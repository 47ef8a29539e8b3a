package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ActiveConnections prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	DroppedEvents     prometheus.Counter
	RelayedSignals    *prometheus.CounterVec
	PresenceChanges   *prometheus.CounterVec
	SweptClients      prometheus.Counter
}

// New registers the coordinator metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teamsync_active_connections",
			Help: "Current number of open event channel connections",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teamsync_events_total",
			Help: "Total number of events received from clients",
		}, []string{"event"}),
		DroppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamsync_dropped_events_total",
			Help: "Total number of outgoing events dropped because a client queue was full",
		}),
		RelayedSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teamsync_relayed_signals_total",
			Help: "Total number of call signals relayed between users",
		}, []string{"event"}),
		PresenceChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teamsync_presence_changes_total",
			Help: "Total number of presence status changes",
		}, []string{"status"}),
		SweptClients: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamsync_swept_clients_total",
			Help: "Total number of connections closed by the liveness sweeper",
		}),
	}
}

func (m *Metrics) ClientConnected() {
	if m == nil || m.ActiveConnections == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil || m.ActiveConnections == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) RecordEvent(event string) {
	if m == nil || m.EventsTotal == nil {
		return
	}
	m.EventsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordDropped() {
	if m == nil || m.DroppedEvents == nil {
		return
	}
	m.DroppedEvents.Inc()
}

func (m *Metrics) RecordRelay(event string) {
	if m == nil || m.RelayedSignals == nil {
		return
	}
	m.RelayedSignals.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordPresence(status string) {
	if m == nil || m.PresenceChanges == nil {
		return
	}
	m.PresenceChanges.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordSwept(n int) {
	if m == nil || m.SweptClients == nil || n <= 0 {
		return
	}
	m.SweptClients.Add(float64(n))
}

package duochat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	merges      prometheus.Counter
	adopted     prometheus.Counter
	pushes      *prometheus.CounterVec
	mutations   *prometheus.CounterVec
	connections prometheus.Gauge
	relayCmds   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duochat",
			Name:      "merges_changed_total",
			Help:      "Remote snapshots that changed the local state.",
		}),
		adopted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duochat",
			Name:      "messages_adopted_total",
			Help:      "Messages first learned from the mirror.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duochat",
			Name:      "pushes_total",
			Help:      "Pushes of the local state to the mirror, by result.",
		}, []string{"result"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duochat",
			Name:      "mutations_total",
			Help:      "Local mutations, by operation.",
		}, []string{"op"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duochat",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay websocket connections.",
		}),
		relayCmds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duochat",
			Subsystem: "relay",
			Name:      "commands_total",
			Help:      "Commands handled by the relay, by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.merges, m.adopted, m.pushes, m.mutations, m.connections, m.relayCmds)
	}
	return m
}

func (m *Metrics) merged(stats MergeStats) {
	if m == nil || !stats.Changed() {
		return
	}
	m.merges.Inc()
	m.adopted.Add(float64(stats.Adopted))
}

func (m *Metrics) pushed(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.pushes.WithLabelValues("error").Inc()
		return
	}
	m.pushes.WithLabelValues("ok").Inc()
}

func (m *Metrics) mutated(op string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op).Inc()
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// command counts a relay command. Unrecognised types share one label so
// clients cannot grow the series set.
func (m *Metrics) command(typ string) {
	if m == nil {
		return
	}
	switch typ {
	case cmdSubscribe, cmdUnsubscribe, cmdPatch, cmdPing:
	default:
		typ = "unknown"
	}
	m.relayCmds.WithLabelValues(typ).Inc()
}

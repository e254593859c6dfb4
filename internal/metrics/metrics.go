package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters and gauges connguardd registers against
// the prometheus Registerer handed to New.
type Metrics struct {
	FlowsOpened  prometheus.Counter
	FlowsClosed  prometheus.Counter
	FlowsEvicted prometheus.Counter
	KnownFlows   prometheus.Gauge
	QueueDepth   prometheus.Gauge
}

// New registers and returns a fresh Metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlowsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "connguard",
			Name:      "flows_opened_total",
			Help:      "Connections classified as newly opened by the reconciler.",
		}),
		FlowsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "connguard",
			Name:      "flows_closed_total",
			Help:      "Connections classified as closed by disappearance from the latest probe.",
		}),
		FlowsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "connguard",
			Name:      "flows_evicted_total",
			Help:      "Flows closed by the policy validator rather than by disappearance.",
		}),
		KnownFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "connguard",
			Name:      "known_flows",
			Help:      "Number of identities currently present in the known index.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "connguard",
			Name:      "report_queue_depth",
			Help:      "Number of connection events queued for delivery to the controller.",
		}),
	}

	reg.MustRegister(m.FlowsOpened, m.FlowsClosed, m.FlowsEvicted, m.KnownFlows, m.QueueDepth)
	return m
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "executor"

// Metrics holds the execution counters. Every method is safe on a nil receiver
// so components can run without a registry.
type Metrics struct {
	OrdersPlaced      *prometheus.CounterVec
	OrdersFilled      *prometheus.CounterVec
	OrdersRejected    *prometheus.CounterVec
	OCOChildren       prometheus.Counter
	OCOBreaches       prometheus.Counter
	LeadershipChanges *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	Outcomes          *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted by the broker.",
		}, []string{"tag"}),
		OrdersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_filled_total",
			Help:      "Orders observed COMPLETE at the broker.",
		}, []string{"tag"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected by the broker or refused locally.",
		}, []string{"tag"}),
		OCOChildren: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oco_children_created_total",
			Help:      "Protective exit orders placed for OCO groups.",
		}),
		OCOBreaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oco_breaches_total",
			Help:      "Second sibling fills observed after a group resolved.",
		}),
		LeadershipChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leadership_changes_total",
			Help:      "Lease acquisitions and losses.",
		}, []string{"held"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_queue_depth",
			Help:      "Callers currently waiting for a rate limiter token.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_outcomes_total",
			Help:      "Terminal ExecuteSignal outcomes.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.OrdersPlaced,
			m.OrdersFilled,
			m.OrdersRejected,
			m.OCOChildren,
			m.OCOBreaches,
			m.LeadershipChanges,
			m.QueueDepth,
			m.Outcomes,
		)
	}
	return m
}

func (m *Metrics) OrderPlaced(tag string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(tag).Inc()
}

func (m *Metrics) OrderFilled(tag string) {
	if m == nil {
		return
	}
	m.OrdersFilled.WithLabelValues(tag).Inc()
}

func (m *Metrics) OrderRejected(tag string) {
	if m == nil {
		return
	}
	m.OrdersRejected.WithLabelValues(tag).Inc()
}

func (m *Metrics) OCOChildCreated() {
	if m == nil {
		return
	}
	m.OCOChildren.Inc()
}

func (m *Metrics) OCOBreach() {
	if m == nil {
		return
	}
	m.OCOBreaches.Inc()
}

func (m *Metrics) LeadershipChanged(held bool) {
	if m == nil {
		return
	}
	label := "false"
	if held {
		label = "true"
	}
	m.LeadershipChanges.WithLabelValues(label).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) Outcome(result string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(result).Inc()
}

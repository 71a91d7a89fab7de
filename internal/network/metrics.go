package network

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors fed by the server and its
// connections. A nil *Metrics disables collection.
type Metrics struct {
	activeClients prometheus.Gauge
	connections   *prometheus.CounterVec
	transactions  *prometheus.CounterVec
	rtt           prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mniam_active_clients",
			Help: "Number of client connections whose worker is running.",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mniam_connections_total",
			Help: "Incoming connections by outcome.",
		}, []string{"outcome"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mniam_client_transactions_total",
			Help: "Finished client transactions by terminal state.",
		}, []string{"state"}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mniam_rtt_seconds",
			Help:    "Round trip time of client transactions that awaited a response.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.activeClients, m.connections, m.transactions, m.rtt)
	}
	return m
}

func (m *Metrics) connectionAdmitted() {
	if m == nil {
		return
	}
	m.connections.WithLabelValues("admitted").Inc()
	m.activeClients.Inc()
}

func (m *Metrics) connectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(reason).Inc()
}

func (m *Metrics) connectionLost() {
	if m == nil {
		return
	}
	m.activeClients.Dec()
}

func (m *Metrics) transactionFinished(state TransactionState) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) observeRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.rtt.Observe(d.Seconds())
}

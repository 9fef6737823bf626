// Package observability wires Prometheus metrics and structured logging for
// relaypost embedders.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the submission client. It
// implements the smtp.Metrics interface.
type Metrics struct {
	ConnectionsTotal *prometheus.CounterVec
	SendsTotal       *prometheus.CounterVec
	SendDuration     prometheus.Histogram
}

// NewMetrics creates and registers all collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaypost",
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "Total SMTP connections attempted.",
		}, []string{"host", "result"}),
		SendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaypost",
			Subsystem: "smtp",
			Name:      "sends_total",
			Help:      "Total send transactions.",
		}, []string{"status"}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaypost",
			Subsystem: "smtp",
			Name:      "send_duration_seconds",
			Help:      "Time to submit a message.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// IncConnection records one connection attempt with its result.
func (m *Metrics) IncConnection(host, result string) {
	m.ConnectionsTotal.WithLabelValues(host, result).Inc()
}

// IncSend records one send transaction outcome.
func (m *Metrics) IncSend(status string) {
	m.SendsTotal.WithLabelValues(status).Inc()
}

// ObserveSendDuration records how long a submission took.
func (m *Metrics) ObserveSendDuration(seconds float64) {
	m.SendDuration.Observe(seconds)
}

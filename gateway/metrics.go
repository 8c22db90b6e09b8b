package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts payment outcomes and times settlements.
type Metrics struct {
	Payments          *prometheus.CounterVec
	SettlementSeconds *prometheus.HistogramVec
}

// NewMetrics creates and registers the gateway's collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "payments_total",
			Help:      "Payment attempts by route, network and outcome.",
		}, []string{"route", "network", "outcome"}),
		SettlementSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "settlement_duration_seconds",
			Help:      "Wall time of settlement calls.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"network"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.Payments, m.SettlementSeconds)
	}
	return m
}

func (m *Metrics) observe(route, network, outcome string) {
	if m == nil {
		return
	}
	m.Payments.WithLabelValues(route, network, outcome).Inc()
}

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus registry behind /api/v1/metrics.
type Metrics struct {
	registry             *prometheus.Registry
	depositsTotal        *prometheus.CounterVec
	stubRequestsTotal    *prometheus.CounterVec
	indexerRetriesTotal  prometheus.Counter
	walletConnectedGauge prometheus.Gauge
}

func NewMetrics() *Metrics {
	deposits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_deposits_total",
		Help: "Deposits submitted through the controller",
	}, []string{"mode", "outcome"})

	stub := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_stub_requests_total",
		Help: "Requests served by the stub deposit endpoint",
	}, []string{"outcome"})

	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_indexer_retries_total",
		Help: "Retried indexer queries",
	})

	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "launchpad_wallet_connected",
		Help: "1 while a wallet session is connected",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(deposits, stub, retries, connected)

	return &Metrics{
		registry:             r,
		depositsTotal:        deposits,
		stubRequestsTotal:    stub,
		indexerRetriesTotal:  retries,
		walletConnectedGauge: connected,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incDeposit(mode, outcome string) {
	m.depositsTotal.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) incStub(outcome string) {
	m.stubRequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incIndexerRetry() {
	m.indexerRetriesTotal.Inc()
}

func (m *Metrics) setConnected(connected bool) {
	if connected {
		m.walletConnectedGauge.Set(1)
		return
	}
	m.walletConnectedGauge.Set(0)
}

package domain

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "domaind"

// Metrics is a prometheus.Collector for domain lifecycle events. A nil
// *Metrics records nothing.
type Metrics struct {
	constructs *prometheus.CounterVec
	destroys   prometheus.Counter
	restarts   *prometheus.CounterVec
	shutdowns  *prometheus.CounterVec
	live       prometheus.Gauge
}

// NewMetrics returns a new Metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		constructs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "constructs_total",
				Help:      "Domain constructions by result.",
			}, []string{"result"},
		),
		destroys: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "destroys_total",
				Help:      "Domains torn down.",
			},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "restarts_total",
				Help:      "Domain restarts by result.",
			}, []string{"result"},
		),
		shutdowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "shutdowns_total",
				Help:      "Observed domain shutdowns by reason.",
			}, []string{"reason"},
		),
		live: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "domains",
				Help:      "Domains currently in the table.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.constructs.Describe(ch)
	m.destroys.Describe(ch)
	m.restarts.Describe(ch)
	m.shutdowns.Describe(ch)
	m.live.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.constructs.Collect(ch)
	m.destroys.Collect(ch)
	m.restarts.Collect(ch)
	m.shutdowns.Collect(ch)
	m.live.Collect(ch)
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) constructed(err error) {
	if m != nil {
		m.constructs.WithLabelValues(result(err)).Inc()
	}
}

func (m *Metrics) destroyed() {
	if m != nil {
		m.destroys.Inc()
	}
}

func (m *Metrics) restarted(err error) {
	if m != nil {
		m.restarts.WithLabelValues(result(err)).Inc()
	}
}

func (m *Metrics) shutdown(reason Reason) {
	if m != nil {
		m.shutdowns.WithLabelValues(string(reason)).Inc()
	}
}

func (m *Metrics) setLive(n int) {
	if m != nil {
		m.live.Set(float64(n))
	}
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the classifier.
type Metrics struct {
	Readings       *prometheus.CounterVec // labels: person, outcome
	Restores       *prometheus.CounterVec // labels: outcome
	ActiveEntities prometheus.Gauge
	Entries        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hass_weight",
			Name:      "readings_total",
			Help:      "Source readings evaluated per person, by outcome.",
		}, []string{"person", "outcome"}),
		Restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hass_weight",
			Name:      "restores_total",
			Help:      "State restorations at startup, by outcome.",
		}, []string{"outcome"}),
		ActiveEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hass_weight",
			Name:      "active_entities",
			Help:      "Weight sensors currently attached.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hass_weight",
			Name:      "config_entries",
			Help:      "Configuration entries loaded.",
		}),
	}
	reg.MustRegister(m.Readings, m.Restores, m.ActiveEntities, m.Entries)
	return m
}

// ObserveReading counts one evaluated reading.
func (m *Metrics) ObserveReading(person, outcome string) {
	m.Readings.WithLabelValues(person, outcome).Inc()
}

// ObserveRestore counts one restore attempt.
func (m *Metrics) ObserveRestore(outcome string) {
	m.Restores.WithLabelValues(outcome).Inc()
}

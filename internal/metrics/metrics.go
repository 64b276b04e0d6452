// Package metrics holds the Prometheus collectors exported by the service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups collectors registered against one registry.
type Metrics struct {
	Propagations        *prometheus.CounterVec
	CommissionAmount    *prometheus.CounterVec
	ForfeitedLevels     *prometheus.CounterVec
	ActivationChanges   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil registry
// leaves them unregistered, which suits tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Propagations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uplink",
				Name:      "propagations_total",
				Help:      "Propagation calls by event type and outcome kind",
			},
			[]string{"event_type", "outcome"},
		),
		CommissionAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uplink",
				Name:      "commission_minor_units_total",
				Help:      "Commission amount credited, in minor currency units",
			},
			[]string{"level"},
		),
		ForfeitedLevels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uplink",
				Name:      "forfeited_levels_total",
				Help:      "Levels skipped because the upline member was not active",
			},
			[]string{"level"},
		),
		ActivationChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "uplink",
				Name:      "activation_transitions_total",
				Help:      "Accepted activation transitions",
			},
			[]string{"from", "to"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "uplink",
				Name:      "http_request_duration_seconds",
				Help:      "Histogram of HTTP response times",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Propagations, m.CommissionAmount, m.ForfeitedLevels, m.ActivationChanges, m.HTTPRequestDuration)
	}
	return m
}

// ObservePropagation records the outcome of one engine call.
func (m *Metrics) ObservePropagation(eventType, outcome string) {
	if m == nil {
		return
	}
	m.Propagations.WithLabelValues(eventType, outcome).Inc()
}

// ObserveCommission adds a credited amount at level.
func (m *Metrics) ObserveCommission(level int, amount int64) {
	if m == nil {
		return
	}
	m.CommissionAmount.WithLabelValues(strconv.Itoa(level)).Add(float64(amount))
}

// ObserveForfeit counts a skipped level.
func (m *Metrics) ObserveForfeit(level int) {
	if m == nil {
		return
	}
	m.ForfeitedLevels.WithLabelValues(strconv.Itoa(level)).Inc()
}

// ObserveTransition counts an accepted activation transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.ActivationChanges.WithLabelValues(from, to).Inc()
}

// ObserveRequest records an HTTP request duration.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

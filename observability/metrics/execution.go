package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var circuitStates = []string{"closed", "open", "half_open"}

// ExecutionMetrics tracks calls into the chain execution backend.
type ExecutionMetrics struct {
	dispatches *prometheus.CounterVec
	attempts   prometheus.Histogram
	latency    prometheus.Histogram
	circuit    *prometheus.GaugeVec
}

// NewExecutionMetrics builds and registers the execution collectors.
func NewExecutionMetrics(reg prometheus.Registerer) (*ExecutionMetrics, error) {
	if reg == nil {
		return nil, fmt.Errorf("metrics registerer required")
	}
	m := &ExecutionMetrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomintents",
			Subsystem: "execution",
			Name:      "dispatches_total",
			Help:      "Settlement dispatches to the execution backend by outcome.",
		}, []string{"outcome"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "atomintents",
			Subsystem: "execution",
			Name:      "dispatch_attempts",
			Help:      "Backend calls needed per dispatch.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "atomintents",
			Subsystem: "execution",
			Name:      "dispatch_seconds",
			Help:      "Wall time spent dispatching a settlement including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		circuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "atomintents",
			Subsystem: "execution",
			Name:      "circuit_state",
			Help:      "Backend circuit breaker state; the active state reads 1.",
		}, []string{"state"}),
	}
	for _, c := range []prometheus.Collector{m.dispatches, m.attempts, m.latency, m.circuit} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register execution metrics: %w", err)
		}
	}
	m.ObserveCircuit("closed")
	return m, nil
}

// ObserveDispatch records one dispatch.
func (m *ExecutionMetrics) ObserveDispatch(outcome string, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.dispatches.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.attempts.Observe(float64(attempts))
	}
	m.latency.Observe(elapsed.Seconds())
}

// ObserveCircuit marks state as the active breaker state.
func (m *ExecutionMetrics) ObserveCircuit(state string) {
	if m == nil {
		return
	}
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.circuit.WithLabelValues(s).Set(value)
	}
}

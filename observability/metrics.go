package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type sweepMetrics struct {
	transitions *prometheus.CounterVec
	skips       *prometheus.CounterVec
	duration    prometheus.Histogram
}

type stepMetrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

type bridgeMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	sweepMetricsOnce sync.Once
	sweepRegistry    *sweepMetrics

	stepMetricsOnce sync.Once
	stepRegistry    *stepMetrics

	bridgeMetricsOnce sync.Once
	bridgeRegistry    *bridgeMetrics
)

// SweepMetrics returns the lazily-initialised registry tracking deadline sweep
// activity.
func SweepMetrics() *sweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepRegistry = &sweepMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crossvault",
				Subsystem: "sweep",
				Name:      "transitions_total",
				Help:      "Deals transitioned by the deadline sweeper segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			skips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crossvault",
				Subsystem: "sweep",
				Name:      "skips_total",
				Help:      "Sweep attempts skipped because another writer advanced the deal first.",
			}, []string{"kind"}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "crossvault",
				Subsystem: "sweep",
				Name:      "tick_duration_seconds",
				Help:      "Wall time spent processing a single sweep tick.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			sweepRegistry.transitions,
			sweepRegistry.skips,
			sweepRegistry.duration,
		)
	})
	return sweepRegistry
}

// RecordTransition counts a sweep-driven state change. Outcome should be the
// terminal state the deal landed in.
func (m *sweepMetrics) RecordTransition(kind, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

// RecordSkip counts a sweep attempt that lost the version race.
func (m *sweepMetrics) RecordSkip(kind string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(normalizeLabel(kind)).Inc()
}

// ObserveTick records the duration of a full sweep pass.
func (m *sweepMetrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

// StepMetrics returns the registry tracking cross-chain step execution.
func StepMetrics() *stepMetrics {
	stepMetricsOnce.Do(func() {
		stepRegistry = &stepMetrics{
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crossvault",
				Subsystem: "steps",
				Name:      "executions_total",
				Help:      "Cross-chain step executions segmented by step and outcome.",
			}, []string{"step", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "crossvault",
				Subsystem: "steps",
				Name:      "duration_seconds",
				Help:      "Latency distribution of step execution segmented by step.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"step"}),
		}
		prometheus.MustRegister(stepRegistry.executions, stepRegistry.duration)
	})
	return stepRegistry
}

// Observe records a completed step execution attempt.
func (m *stepMetrics) Observe(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	step = normalizeLabel(step)
	m.executions.WithLabelValues(step, normalizeLabel(outcome)).Inc()
	m.duration.WithLabelValues(step).Observe(d.Seconds())
}

// BridgeMetrics returns the registry tracking outbound bridge provider calls.
func BridgeMetrics() *bridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &bridgeMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crossvault",
				Subsystem: "bridge",
				Name:      "calls_total",
				Help:      "Bridge provider calls segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "crossvault",
				Subsystem: "bridge",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution of bridge provider calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
		}
		prometheus.MustRegister(bridgeRegistry.calls, bridgeRegistry.latency)
	})
	return bridgeRegistry
}

// Observe records a bridge call outcome with its latency.
func (m *bridgeMetrics) Observe(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	op = normalizeLabel(op)
	m.calls.WithLabelValues(op, normalizeLabel(outcome)).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}

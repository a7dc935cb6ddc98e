// Package metrics wires prometheus/client_golang into the runtime's two
// hot paths called out in spec.md §8.6 — the master's step cadence and
// the pub/sub fabric's value throughput — plus a gauge for how many
// slaves an execution currently holds. Nothing here is derived from the
// teacher's own agent/internal/metrics package, which is an unexercised
// TODO stub (a zero-value Collect() with no prometheus calls at all);
// this package follows the prometheus/client_golang idiom directly,
// grounded instead in the domain-stack wiring (SPEC_FULL.md §3).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the runtime's collectors. The zero value is not usable;
// every method is nil-receiver safe so a component can hold a *Registry
// field that is simply never set in tests that don't care about metrics.
type Registry struct {
	stepsTotal      *prometheus.CounterVec
	stepDuration    prometheus.Histogram
	publishedValues prometheus.Counter
	activeSlaves    prometheus.Gauge
}

// New registers the runtime's collectors against reg and returns a
// Registry ready to be handed to internal/execution.Engine.SetMetrics and
// internal/pubsub.Publisher.SetMetrics. Passing prometheus.NewRegistry()
// keeps tests from colliding with the default global registry; cmd/*
// entrypoints may pass prometheus.DefaultRegisterer instead.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		stepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coral_sub001_steps_total",
			Help: "Completed execution steps, labelled by outcome.",
		}, []string{"outcome"}),
		stepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coral_sub001_step_duration_seconds",
			Help:    "Wall-clock time for one master Step fan-out to settle.",
			Buckets: prometheus.DefBuckets,
		}),
		publishedValues: f.NewCounter(prometheus.CounterOpts{
			Name: "coral_sub001_pubsub_published_values_total",
			Help: "Variable values broadcast by a Publisher, for the throughput sentinel.",
		}),
		activeSlaves: f.NewGauge(prometheus.GaugeOpts{
			Name: "coral_sub001_active_slaves",
			Help: "Slaves currently held by the execution.",
		}),
	}
}

// ObserveStep records one completed Step, its duration, and whether it
// succeeded.
func (m *Registry) ObserveStep(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.stepsTotal.WithLabelValues(outcome).Inc()
	m.stepDuration.Observe(d.Seconds())
}

// ObservePublishedValue records one variable value broadcast by a
// Publisher — the unit spec.md §8.6's throughput sentinel counts.
func (m *Registry) ObservePublishedValue() {
	if m == nil {
		return
	}
	m.publishedValues.Inc()
}

// SetActiveSlaves reports how many slaves an execution currently holds.
func (m *Registry) SetActiveSlaves(n int) {
	if m == nil {
		return
	}
	m.activeSlaves.Set(float64(n))
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestObserveStepIncrementsCounterByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStep(5*time.Millisecond, true)
	m.ObserveStep(2*time.Millisecond, false)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	var steps *dto.MetricFamily
	for _, mf := range mfs {
		if mf.GetName() == "coral_sub001_steps_total" {
			steps = mf
		}
	}
	require.NotNil(t, steps)
	require.Len(t, steps.Metric, 2)
}

func TestNilRegistryIsSafe(t *testing.T) {
	var m *Registry
	m.ObserveStep(time.Second, true)
	m.ObservePublishedValue()
	m.SetActiveSlaves(3)
}

func TestObservePublishedValueAndActiveSlaves(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObservePublishedValue()
	m.ObservePublishedValue()
	m.SetActiveSlaves(4)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var found int
	for _, mf := range mfs {
		switch mf.GetName() {
		case "coral_sub001_pubsub_published_values_total":
			require.Equal(t, float64(2), mf.Metric[0].Counter.GetValue())
			found++
		case "coral_sub001_active_slaves":
			require.Equal(t, float64(4), mf.Metric[0].Gauge.GetValue())
			found++
		}
	}
	require.Equal(t, 2, found)
}

package events

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.WithLabelValues(labels...).(prometheus.Counter).Write(m))
	return m.GetCounter().GetValue()
}

func TestMetricsSinkCountsStartedAndCompleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsSink(reg)

	m.Publish(Event{Type: TypeTaskStarted, TaskName: "add", Queue: "default"})
	m.Publish(Event{Type: TypeTaskCompleted, TaskName: "add", Queue: "default", DurationMs: 5})

	assert.Equal(t, float64(1), counterValue(t, m.started, "add", "default"))
	assert.Equal(t, float64(1), counterValue(t, m.completed, "add", "default"))
}

func TestMetricsSinkCountsFailuresByKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsSink(reg)

	m.Publish(Event{Type: TypeTaskFailed, TaskName: "flaky", Queue: "default", ErrorKind: "Timeout"})

	assert.Equal(t, float64(1), counterValue(t, m.failed, "flaky", "default", "Timeout"))
}

func TestMetricsSinkTracksInFlightFromHeartbeat(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsSink(reg)

	m.Publish(Event{Type: TypeWorkerHeartbeat, InFlight: 4})

	metric := &dto.Metric{}
	require.NoError(t, m.inFlight.Write(metric))
	assert.Equal(t, float64(4), metric.GetGauge().GetValue())
}

package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewMetricsCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.Allocations.Inc()
	m.Allocations.Add(2)

	assert.Equal(t, float64(3), CounterValue(m.Allocations))
	assert.Equal(t, float64(0), CounterValue(m.Deallocations))
}

func TestNewMetricsRegistersUnderNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "cpuring")
	m.RingFull.Inc()

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_ObserveUpdatesGauges(t *testing.T) {
	m := New()

	m.Observe(Snapshot{
		RestartCount: 2,
		QueuePushed:  100,
		QueueDropped: 3,
		EventsStored: 42,
		ParseErrors:  1,
		Throughput:   12.5,
	})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.restartCount))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.queuePushed))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.queueDropped))
	assert.Equal(t, float64(42), testutil.ToFloat64(m.eventsStored))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.parseErrors))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.throughput))
}

func TestMetrics_RegistryHasEveryGauge(t *testing.T) {
	m := New()
	families, err := m.Registry().Gather()
	assert.NoError(t, err)
	assert.Len(t, families, 16)
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounterVecsAcceptLabels(t *testing.T) {
	before := testutil.ToFloat64(SinkDeliveriesTotal.WithLabelValues("batch", "success"))
	SinkDeliveriesTotal.WithLabelValues("batch", "success").Inc()
	after := testutil.ToFloat64(SinkDeliveriesTotal.WithLabelValues("batch", "success"))

	assert.Equal(t, before+1, after)
}

func TestGaugesSet(t *testing.T) {
	GatePendingEvents.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(GatePendingEvents))
	GatePendingEvents.Set(0)
}

func TestMetricNamesPrefixed(t *testing.T) {
	problems, err := testutil.CollectAndLint(BatcherFlushesTotal)
	assert.NoError(t, err)
	assert.Empty(t, problems)
}

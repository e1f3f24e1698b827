package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsInitialization(t *testing.T) {
	assert.NotNil(t, NativeBytesAllocatedTotal)
	assert.NotNil(t, NativeBytesFreedTotal)
	assert.NotNil(t, NativeRegionsActive)
	assert.NotNil(t, VectorBuffersReleasedTotal)
	assert.NotNil(t, HandlesActive)
	assert.NotNil(t, IndexOperationsTotal)
	assert.NotNil(t, IndexOperationDurationSeconds)
	assert.NotNil(t, IndexIOBytesTotal)
	assert.NotNil(t, WaiterOutcomesTotal)
	assert.NotNil(t, StatusChecksTotal)
	assert.NotNil(t, BuildJobsTotal)
	assert.NotNil(t, BuildServiceRequestsTotal)
	assert.NotNil(t, RateLimitRequestsTotal)
	assert.NotNil(t, HealthCheckStatus)
}

func TestLabelledCounters(t *testing.T) {
	before := testutil.ToFloat64(IndexOperationsTotal.WithLabelValues("flat", "query", "success"))
	IndexOperationsTotal.WithLabelValues("flat", "query", "success").Inc()
	after := testutil.ToFloat64(IndexOperationsTotal.WithLabelValues("flat", "query", "success"))
	assert.Equal(t, before+1, after)

	HandlesActive.WithLabelValues("hnsw").Inc()
	HandlesActive.WithLabelValues("hnsw").Dec()
	assert.Equal(t, float64(0), testutil.ToFloat64(HandlesActive.WithLabelValues("hnsw")))
}

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyToBucket(t *testing.T) {
	assert.Equal(t, BucketP10, LatencyToBucket(5*time.Millisecond))
	assert.Equal(t, BucketP50, LatencyToBucket(30*time.Millisecond))
	assert.Equal(t, BucketP100, LatencyToBucket(75*time.Millisecond))
	assert.Equal(t, BucketP500, LatencyToBucket(200*time.Millisecond))
	assert.Equal(t, BucketP1000, LatencyToBucket(2*time.Second))
}

func TestCircularBufferWrapsAround(t *testing.T) {
	b := NewCircularBuffer[int](3)
	for i := 1; i <= 5; i++ {
		b.Add(i)
	}
	assert.Equal(t, 3, b.Size())
	assert.Equal(t, []int{3, 4, 5}, b.Items())
}

func TestCircularBufferPartial(t *testing.T) {
	b := NewCircularBuffer[string](10)
	b.Add("a")
	b.Add("b")
	assert.Equal(t, []string{"a", "b"}, b.Items())
}

func TestRequestMetricsRecordAndSnapshot(t *testing.T) {
	m := NewRequestMetrics()
	m.Record("POST /search", 200, 20*time.Millisecond)
	m.Record("POST /search", 422, 5*time.Millisecond)
	m.Record("GET /health", 200, time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.Requests.TotalCount)
	assert.Equal(t, int64(1), snap.Requests.ErrorCount)
	assert.GreaterOrEqual(t, snap.UptimeSec, 0.0)

	search, ok := snap.Routes["POST /search"]
	require.True(t, ok)
	assert.Equal(t, int64(2), search.Count)
	assert.Equal(t, int64(1), search.ErrorCount)
	assert.GreaterOrEqual(t, search.P95LatencyMS, 0.0)
	assert.Equal(t, int64(1), search.Latency[BucketP50])
	assert.Equal(t, int64(1), search.Latency[BucketP10])

	health := snap.Routes["GET /health"]
	assert.Equal(t, int64(1), health.Count)
	assert.Zero(t, health.ErrorCount)
	assert.Equal(t, 2, m.ActiveRoutes())
}

func TestPercentile(t *testing.T) {
	assert.Zero(t, percentile(nil, 0.95))

	samples := make([]float64, 0, 100)
	for i := 1; i <= 100; i++ {
		samples = append(samples, float64(i))
	}
	assert.InDelta(t, 95.0, percentile(samples, 0.95), 1.0)
	assert.InDelta(t, 50.0, percentile(samples, 0.5), 1.0)
}

func TestMemoryTrendDelta(t *testing.T) {
	trend := NewMemoryTrend()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	trend.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	first := trend.Observe(5)
	assert.Zero(t, first.Delta)
	require.Len(t, first.Samples, 1)

	second := trend.Observe(7)
	assert.Equal(t, 2, second.Delta)
	require.Len(t, second.Samples, 2)
	assert.Equal(t, 5, second.Samples[0].Total)
	assert.Equal(t, 7, second.Samples[1].Total)
}

func TestReadProcessStatsDoesNotPanic(t *testing.T) {
	stats := ReadProcessStats()
	assert.GreaterOrEqual(t, stats.RSSKB, int64(0))
	assert.GreaterOrEqual(t, stats.VMSizeKB, int64(0))
}

// Package telemetry collects request observability for the /metrics
// endpoint. Everything lives in process memory under a dedicated mutex;
// write paths never touch it except to record.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// LatencyBucket is a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// latencySampleCap bounds the per-route latency ring used for percentiles.
const latencySampleCap = 200

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
}

// NewCircularBuffer creates a buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffer contents oldest first.
func (b *CircularBuffer[T]) Items() []T {
	if b.size == 0 {
		return []T{}
	}
	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current item count.
func (b *CircularBuffer[T]) Size() int { return b.size }

// RouteSnapshot is one route's aggregate for reporting.
type RouteSnapshot struct {
	Count        int64                   `json:"count"`
	ErrorCount   int64                   `json:"error_count"`
	P95LatencyMS float64                 `json:"p95_latency_ms"`
	Latency      map[LatencyBucket]int64 `json:"latency,omitempty"`
}

// RequestsSnapshot is the service-wide request aggregate.
type RequestsSnapshot struct {
	TotalCount int64 `json:"total_count"`
	ErrorCount int64 `json:"error_count"`
}

// Snapshot is an immutable view of the collected request metrics.
type Snapshot struct {
	UptimeSec float64                  `json:"uptime_sec"`
	Requests  RequestsSnapshot         `json:"requests"`
	Routes    map[string]RouteSnapshot `json:"routes"`
}

type routeMetrics struct {
	count      int64
	errorCount int64
	latencies  *CircularBuffer[float64] // milliseconds
	buckets    map[LatencyBucket]int64
}

// RequestMetrics aggregates per-route counters and latency samples.
type RequestMetrics struct {
	mu         sync.Mutex
	startTime  time.Time
	totalCount int64
	errorCount int64
	routes     map[string]*routeMetrics
}

// NewRequestMetrics creates an empty collector.
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{
		startTime: time.Now(),
		routes:    make(map[string]*routeMetrics),
	}
}

// Record captures one finished request. Route is "METHOD /path" with the
// route template, not the raw URL, so path parameters don't explode the
// table. Statuses >= 400 count as errors.
func (m *RequestMetrics) Record(route string, status int, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.routes[route]
	if !ok {
		rm = &routeMetrics{
			latencies: NewCircularBuffer[float64](latencySampleCap),
			buckets:   make(map[LatencyBucket]int64),
		}
		m.routes[route] = rm
	}

	m.totalCount++
	rm.count++
	if status >= 400 {
		m.errorCount++
		rm.errorCount++
	}
	rm.latencies.Add(float64(latency.Microseconds()) / 1000)
	rm.buckets[LatencyToBucket(latency)]++
}

// ActiveRoutes returns how many distinct routes have been seen.
func (m *RequestMetrics) ActiveRoutes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.routes)
}

// Snapshot copies the current aggregates out from under the mutex.
func (m *RequestMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	routes := make(map[string]RouteSnapshot, len(m.routes))
	for route, rm := range m.routes {
		buckets := make(map[LatencyBucket]int64, len(rm.buckets))
		for k, v := range rm.buckets {
			buckets[k] = v
		}
		routes[route] = RouteSnapshot{
			Count:        rm.count,
			ErrorCount:   rm.errorCount,
			P95LatencyMS: percentile(rm.latencies.Items(), 0.95),
			Latency:      buckets,
		}
	}

	return Snapshot{
		UptimeSec: time.Since(m.startTime).Seconds(),
		Requests:  RequestsSnapshot{TotalCount: m.totalCount, ErrorCount: m.errorCount},
		Routes:    routes,
	}
}

// percentile computes the pth percentile (0..1) over samples by
// nearest-rank on a sorted copy.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

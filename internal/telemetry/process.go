package telemetry

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProcessStats is the kernel's view of process memory, in kB.
type ProcessStats struct {
	RSSKB          int64 `json:"rss_kb"`
	RSSAnonKB      int64 `json:"rss_anon_kb"`
	RSSFileKB      int64 `json:"rss_file_kb"`
	RSSHighWaterKB int64 `json:"rss_high_water_kb"`
	VMSizeKB       int64 `json:"vmsize_kb"`
}

// ReadProcessStats parses /proc/self/status. On platforms without procfs
// all fields stay zero.
func ReadProcessStats() ProcessStats {
	var stats ProcessStats
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return stats
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "VmRSS":
			stats.RSSKB = kb
		case "RssAnon":
			stats.RSSAnonKB = kb
		case "RssFile":
			stats.RSSFileKB = kb
		case "VmHWM":
			stats.RSSHighWaterKB = kb
		case "VmSize":
			stats.VMSizeKB = kb
		}
	}
	return stats
}

// TrendSample is one observed memory-count datapoint.
type TrendSample struct {
	Timestamp time.Time `json:"timestamp"`
	Total     int       `json:"total"`
}

// TrendSnapshot reports recent memory-count movement.
type TrendSnapshot struct {
	Samples []TrendSample `json:"samples"`
	Delta   int           `json:"delta"`
}

// trendSampleCap bounds the trend window.
const trendSampleCap = 60

// MemoryTrend tracks the store's total-memory count across /metrics
// scrapes so growth between observations is visible.
type MemoryTrend struct {
	mu      sync.Mutex
	samples *CircularBuffer[TrendSample]
	now     func() time.Time
}

// NewMemoryTrend creates an empty trend tracker.
func NewMemoryTrend() *MemoryTrend {
	return &MemoryTrend{
		samples: NewCircularBuffer[TrendSample](trendSampleCap),
		now:     time.Now,
	}
}

// Observe records the current total and returns the window including it.
// Delta is the difference between the newest and oldest sample in the
// window.
func (t *MemoryTrend) Observe(total int) TrendSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples.Add(TrendSample{Timestamp: t.now().UTC(), Total: total})
	samples := t.samples.Items()
	return TrendSnapshot{
		Samples: samples,
		Delta:   samples[len(samples)-1].Total - samples[0].Total,
	}
}

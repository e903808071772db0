// Package runtimemem governs the process's memory footprint: explicit heap
// trims with an allocator release on Linux, RSS sampling, and the gated
// embedder auto-reload loop.
package runtimemem

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// DefaultTrimCooldown is the minimum spacing between effective trims.
// Trim calls inside the window are counted but skipped.
const DefaultTrimCooldown = 30 * time.Second

// Trimmer runs GC plus malloc_trim(0) with a monotonic-clock cooldown.
type Trimmer struct {
	cooldown time.Duration

	mu          sync.Mutex
	lastTrim    time.Time
	trims       uint64
	skipped     uint64
	lastGCFreed uint64
	perReason   map[string]uint64
}

// TrimStats is a point-in-time copy of trimmer counters.
type TrimStats struct {
	Trims       uint64            `json:"trims"`
	Skipped     uint64            `json:"skipped"`
	LastGCFreed uint64            `json:"last_gc_freed_bytes"`
	PerReason   map[string]uint64 `json:"per_reason"`
}

// NewTrimmer builds a trimmer. A non-positive cooldown takes the default.
func NewTrimmer(cooldown time.Duration) *Trimmer {
	if cooldown <= 0 {
		cooldown = DefaultTrimCooldown
	}
	return &Trimmer{cooldown: cooldown, perReason: make(map[string]uint64)}
}

// Trim releases memory back to the OS unless a trim ran within the cooldown
// window. Returns whether the trim actually ran.
func (t *Trimmer) Trim(reason string) bool {
	t.mu.Lock()
	now := time.Now()
	if !t.lastTrim.IsZero() && now.Sub(t.lastTrim) < t.cooldown {
		t.skipped++
		t.mu.Unlock()
		return false
	}
	t.lastTrim = now
	t.trims++
	t.perReason[reason]++
	t.mu.Unlock()

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	runtime.GC()
	runtime.ReadMemStats(&after)

	freed := uint64(0)
	if before.HeapInuse > after.HeapInuse {
		freed = before.HeapInuse - after.HeapInuse
	}
	mallocTrim()

	t.mu.Lock()
	t.lastGCFreed = freed
	t.mu.Unlock()

	slog.Debug("memory trimmed",
		slog.String("reason", reason),
		slog.Uint64("gc_freed_bytes", freed))
	return true
}

// Stats returns a copy of the counters.
func (t *Trimmer) Stats() TrimStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	per := make(map[string]uint64, len(t.perReason))
	for k, v := range t.perReason {
		per[k] = v
	}
	return TrimStats{
		Trims:       t.trims,
		Skipped:     t.skipped,
		LastGCFreed: t.lastGCFreed,
		PerReason:   per,
	}
}

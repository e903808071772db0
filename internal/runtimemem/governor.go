package runtimemem

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/recallbox/memoryd/internal/config"
)

// Reload gating. RSS must stay over the threshold for a full streak of
// samples, reloads are spaced by the configured cooldown and capped inside
// a sliding window, and the process must be idle (no active requests, empty
// extraction queue).
const (
	reloadCheckInterval  = 60 * time.Second
	requiredHighStreak   = 3
	reloadWindow         = 6 * time.Hour
	maxReloadsPerWindow  = 3
	activeRequestCeiling = 0
	queueDepthCeiling    = 0
)

// ReloadStats is a point-in-time copy of reload counters for /metrics.
type ReloadStats struct {
	Triggered      uint64            `json:"triggered"`
	Succeeded      uint64            `json:"succeeded"`
	Failed         uint64            `json:"failed"`
	LastDurationMS int64             `json:"last_duration_ms"`
	LastRSSMB      int               `json:"last_rss_mb"`
	PerReason      map[string]uint64 `json:"per_reason"`
}

// Governor runs the background maintenance loops: job reaping, periodic
// trims, the gated embedder auto-reload, and the optional consolidation
// sweep.
type Governor struct {
	cfg      config.GovernorConfig
	schedule string
	trimmer  *Trimmer

	// Reload executes the embedder hot swap; wired to the engine.
	Reload func(ctx context.Context) error
	// Reap sweeps the extraction job table; nil disables the loop.
	Reap func()
	// QueueDepth and ActiveRequests feed the reload idle gates.
	QueueDepth     func() int
	ActiveRequests func() int
	// Sweep runs one consolidation pass; nil disables the cron entry.
	Sweep func(ctx context.Context) error

	sampleRSS func() int
	now       func() time.Time

	mu         sync.Mutex
	streak     int
	lastReload time.Time
	window     []time.Time
	stats      ReloadStats
}

// NewGovernor builds a governor around the trimmer. Callbacks start nil and
// are wired by the composition root before Run.
func NewGovernor(cfg config.GovernorConfig, schedule string, trimmer *Trimmer) *Governor {
	return &Governor{
		cfg:       cfg,
		schedule:  schedule,
		trimmer:   trimmer,
		sampleRSS: RSSMB,
		now:       time.Now,
	}
}

// Trimmer exposes the shared trimmer for the extraction workers.
func (g *Governor) Trimmer() *Trimmer { return g.trimmer }

// Run starts the loops and blocks until ctx is cancelled.
func (g *Governor) Run(ctx context.Context) {
	if !g.cfg.Enabled {
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	loop := func(every time.Duration, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn()
				}
			}
		}()
	}

	if g.Reap != nil {
		loop(g.cfg.ReapEvery(), g.Reap)
	}
	loop(g.cfg.GCEvery(), func() { g.trimmer.Trim("periodic") })
	if g.Reload != nil {
		loop(reloadCheckInterval, func() { g.checkReload(ctx) })
	}

	if g.Sweep != nil && g.schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(g.schedule, func() {
			if err := g.Sweep(ctx); err != nil {
				slog.Warn("consolidation sweep failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			slog.Warn("invalid consolidation schedule",
				slog.String("schedule", g.schedule),
				slog.String("error", err.Error()))
		} else {
			c.Start()
			defer c.Stop()
		}
	}

	<-ctx.Done()
	wg.Wait()
}

// checkReload samples RSS and triggers a reload when every gate passes.
func (g *Governor) checkReload(ctx context.Context) {
	rss := g.sampleRSS()

	g.mu.Lock()
	g.stats.LastRSSMB = rss
	if rss < g.cfg.RSSThresholdMB {
		g.streak = 0
		g.mu.Unlock()
		return
	}
	g.streak++
	if g.streak < requiredHighStreak {
		g.mu.Unlock()
		return
	}
	now := g.now()
	if !g.lastReload.IsZero() && now.Sub(g.lastReload) < g.cfg.ReloadEvery() {
		g.mu.Unlock()
		return
	}
	recent := g.window[:0]
	for _, t := range g.window {
		if now.Sub(t) < reloadWindow {
			recent = append(recent, t)
		}
	}
	g.window = recent
	if len(g.window) >= maxReloadsPerWindow {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	if g.ActiveRequests != nil && g.ActiveRequests() > activeRequestCeiling {
		return
	}
	if g.QueueDepth != nil && g.QueueDepth() > queueDepthCeiling {
		return
	}

	slog.Info("rss over threshold, reloading embedder",
		slog.Int("rss_mb", rss),
		slog.Int("threshold_mb", g.cfg.RSSThresholdMB))
	_ = g.TriggerReload(ctx, "auto_rss")
}

// TriggerReload runs the embedder hot swap and updates counters. Exposed for
// the manual maintenance endpoint.
func (g *Governor) TriggerReload(ctx context.Context, reason string) error {
	g.mu.Lock()
	g.stats.Triggered++
	if g.stats.PerReason == nil {
		g.stats.PerReason = make(map[string]uint64)
	}
	g.stats.PerReason[reason]++
	g.mu.Unlock()

	start := g.now()
	err := g.Reload(ctx)
	elapsed := g.now().Sub(start)

	g.mu.Lock()
	g.stats.LastDurationMS = elapsed.Milliseconds()
	if err != nil {
		g.stats.Failed++
	} else {
		g.stats.Succeeded++
		g.streak = 0
		g.lastReload = g.now()
		g.window = append(g.window, g.lastReload)
	}
	g.mu.Unlock()

	if err != nil {
		slog.Error("embedder reload failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		return err
	}
	g.trimmer.Trim("reload:" + reason)
	slog.Info("embedder reloaded",
		slog.String("reason", reason),
		slog.Duration("took", elapsed))
	return nil
}

// ReloadStats returns a copy of the reload counters.
func (g *Governor) ReloadStats() ReloadStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.stats
	out.PerReason = make(map[string]uint64, len(g.stats.PerReason))
	for k, v := range g.stats.PerReason {
		out.PerReason[k] = v
	}
	return out
}

package usage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestTracker(t *testing.T) *SQLiteTracker {
	t.Helper()
	tracker, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })
	return tracker
}

func TestNullTrackerReportsDisabled(t *testing.T) {
	var tracker Tracker = NullTracker{}
	tracker.LogAPIEvent("search", "cli", 1)
	report, err := tracker.GetUsage("7d")
	require.NoError(t, err)
	assert.False(t, report.Enabled)
}

func TestAPIEventsGroupedByOperationAndSource(t *testing.T) {
	tracker := openTestTracker(t)
	tracker.LogAPIEvent("search", "cli", 1)
	tracker.LogAPIEvent("search", "cli", 2)
	tracker.LogAPIEvent("search", "", 1)
	tracker.LogAPIEvent("add", "agent", 1)

	report, err := tracker.GetUsage("7d")
	require.NoError(t, err)
	assert.True(t, report.Enabled)
	assert.Equal(t, "7d", report.Period)

	search := report.Operations["search"]
	assert.Equal(t, int64(4), search.Total)
	assert.Equal(t, int64(3), search.BySource["cli"])
	assert.Equal(t, int64(1), search.BySource["(unknown)"])
	assert.Equal(t, int64(1), report.Operations["add"].Total)
}

func TestExtractionTokensAndCost(t *testing.T) {
	tracker := openTestTracker(t)
	tracker.LogExtractionTokens("anthropic", "claude-haiku-4-5-20251001", "extract", 1_000_000, 500_000, "s")
	tracker.LogExtractionTokens("anthropic", "claude-haiku-4-5-20251001", "audn", 1_000_000, 0, "s")

	report, err := tracker.GetUsage("all")
	require.NoError(t, err)
	ext := report.Extraction
	require.NotNil(t, ext)
	assert.Equal(t, int64(2), ext.TotalCalls)
	assert.Equal(t, int64(2_000_000), ext.TotalInputTokens)
	assert.Equal(t, int64(500_000), ext.TotalOutputTokens)

	model := ext.ByModel["claude-haiku-4-5-20251001"]
	assert.Equal(t, int64(2), model.Calls)
	// 2M input at $0.80/1M + 0.5M output at $4.00/1M.
	assert.InDelta(t, 3.6, ext.EstimatedCostUSD, 0.0001)
}

func TestUnknownModelUsesFallbackPricing(t *testing.T) {
	tracker := openTestTracker(t)
	tracker.LogExtractionTokens("custom", "mystery-model", "extract", 1_000_000, 1_000_000, "")

	report, err := tracker.GetUsage("all")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, report.Extraction.EstimatedCostUSD, 0.0001)
}

func TestPeriodFilters(t *testing.T) {
	tracker := openTestTracker(t)
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	tracker.now = func() time.Time { return now.AddDate(0, 0, -10) }
	tracker.LogAPIEvent("search", "old", 1)

	tracker.now = func() time.Time { return now.Add(-48 * time.Hour) }
	tracker.LogAPIEvent("search", "recent", 1)

	tracker.now = func() time.Time { return now.Add(-time.Hour) }
	tracker.LogAPIEvent("search", "today", 1)

	tracker.now = func() time.Time { return now }

	today, err := tracker.GetUsage("today")
	require.NoError(t, err)
	assert.Equal(t, int64(1), today.Operations["search"].Total)

	week, err := tracker.GetUsage("7d")
	require.NoError(t, err)
	assert.Equal(t, int64(2), week.Operations["search"].Total)

	all, err := tracker.GetUsage("all")
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.Operations["search"].Total)

	// Unknown periods behave as 7d.
	weird, err := tracker.GetUsage("yesterday")
	require.NoError(t, err)
	assert.Equal(t, "7d", weird.Period)
	assert.Equal(t, int64(2), weird.Operations["search"].Total)
}

func TestEmptyUsage(t *testing.T) {
	tracker := openTestTracker(t)
	report, err := tracker.GetUsage("30d")
	require.NoError(t, err)
	assert.True(t, report.Enabled)
	assert.Empty(t, report.Operations)
	assert.Zero(t, report.Extraction.TotalCalls)
	assert.Zero(t, report.Extraction.EstimatedCostUSD)
}

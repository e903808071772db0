package consolidate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallbox/memoryd/internal/config"
	"github.com/recallbox/memoryd/internal/engine"
	"github.com/recallbox/memoryd/internal/extract"
	"github.com/recallbox/memoryd/internal/store"
)

type cannedProvider struct {
	text string
	err  error
}

func (p *cannedProvider) Name() string                        { return "canned" }
func (p *cannedProvider) Model() string                       { return "canned-1" }
func (p *cannedProvider) SupportsAUDN() bool                  { return true }
func (p *cannedProvider) HealthCheck(context.Context) bool    { return true }
func (p *cannedProvider) Complete(context.Context, string, string) (extract.Completion, error) {
	if p.err != nil {
		return extract.Completion{}, p.err
	}
	return extract.Completion{Text: p.text}, nil
}

type fakeMemory struct {
	records []store.Record
	hits    map[string][]engine.Hit

	nextID     int64
	addedTexts []string
	addedMetas []map[string]any
	deleted    []int64
}

func newFakeMemory(records ...store.Record) *fakeMemory {
	return &fakeMemory{
		records: records,
		hits:    make(map[string][]engine.Hit),
		nextID:  1000,
	}
}

func (m *fakeMemory) ListMemories(_ string, limit, offset int) ([]store.Record, int, error) {
	return m.records, len(m.records), nil
}

func (m *fakeMemory) CountMemories() int { return len(m.records) }

func (m *fakeMemory) HybridSearch(_ context.Context, query string, _ int, _ *float64, _ string) ([]engine.Hit, error) {
	return m.hits[query], nil
}

func (m *fakeMemory) Add(_ context.Context, texts, _ []string, metadatas []map[string]any, _ bool, _ float64) ([]int64, error) {
	ids := make([]int64, len(texts))
	for i := range texts {
		ids[i] = m.nextID
		m.nextID++
	}
	m.addedTexts = append(m.addedTexts, texts...)
	m.addedMetas = append(m.addedMetas, metadatas...)
	return ids, nil
}

func (m *fakeMemory) DeleteBatch(_ context.Context, ids []int64) (engine.DeleteBatchResult, error) {
	m.deleted = append(m.deleted, ids...)
	keep := m.records[:0]
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	for _, rec := range m.records {
		if !drop[rec.ID] {
			keep = append(keep, rec)
		}
	}
	m.records = keep
	return engine.DeleteBatchResult{Deleted: ids}, nil
}

func testRecord(id int64, text, source string, extra map[string]any) store.Record {
	return store.Record{
		ID:        id,
		Text:      text,
		Source:    source,
		CreatedAt: store.NowUTC(),
		Extra:     extra,
	}
}

func hit(rec store.Record, sim float64) engine.Hit {
	s := sim
	return engine.Hit{Record: rec, Similarity: &s}
}

func consolidationConfig() config.ConsolidationConfig {
	return config.NewConfig().Consolidation
}

func TestFindClustersGroupsDenseNeighbours(t *testing.T) {
	r1 := testRecord(1, "the cache eviction policy is LRU", "proj/notes", nil)
	r2 := testRecord(2, "cache entries evict least recently used first", "proj/notes", nil)
	r3 := testRecord(3, "LRU eviction chosen for the cache", "proj/notes", nil)
	r4 := testRecord(4, "lunch is at noon", "proj/notes", nil)
	r5 := testRecord(5, "deploys run on fridays", "proj/notes", nil)

	mem := newFakeMemory(r1, r2, r3, r4, r5)
	sparseOnly := engine.Hit{Record: r5}
	mem.hits[r1.Text] = []engine.Hit{
		hit(r1, 1.0),
		hit(r2, 0.91),
		hit(r3, 0.82),
		hit(r4, 0.40),
		sparseOnly,
	}

	c := New(consolidationConfig(), nil, mem)
	clusters, err := c.FindClusters(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, []int64{1, 2, 3}, clusters[0].IDs)
}

func TestFindClustersRespectsSourcePrefix(t *testing.T) {
	r1 := testRecord(1, "alpha fact one", "alpha/a", nil)
	r2 := testRecord(2, "alpha fact two", "alpha/b", nil)
	r3 := testRecord(3, "alpha fact three", "alpha/c", nil)
	other := testRecord(4, "unrelated project fact", "beta/x", nil)

	mem := newFakeMemory(r1, r2, r3, other)
	mem.hits[r1.Text] = []engine.Hit{hit(r2, 0.9), hit(r3, 0.88), hit(other, 0.95)}

	c := New(consolidationConfig(), nil, mem)
	clusters, err := c.FindClusters(context.Background(), "alpha/")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.NotContains(t, clusters[0].IDs, int64(4))
}

func TestFindClustersEmptyStore(t *testing.T) {
	c := New(consolidationConfig(), nil, newFakeMemory())
	clusters, err := c.FindClusters(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestConsolidateClusterDryRun(t *testing.T) {
	r1 := testRecord(1, "fact one", "proj", map[string]any{"category": "decision"})
	r2 := testRecord(2, "fact two", "proj", map[string]any{"category": "decision"})
	r3 := testRecord(3, "fact three", "proj", nil)
	mem := newFakeMemory(r1, r2, r3)
	provider := &cannedProvider{text: `["merged decision covering all three facts"]`}

	c := New(consolidationConfig(), provider, mem)
	cluster := Cluster{IDs: []int64{1, 2, 3}, Records: []store.Record{r1, r2, r3}}

	res, err := c.ConsolidateCluster(context.Background(), cluster, true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.MergedCount)
	assert.Equal(t, 1, res.NewCount)
	assert.Equal(t, []string{"merged decision covering all three facts"}, res.NewTexts)
	assert.Empty(t, res.NewIDs)
	assert.Empty(t, mem.deleted)
	assert.Empty(t, mem.addedTexts)
}

func TestConsolidateClusterMergesAndAudits(t *testing.T) {
	r1 := testRecord(1, "fact one", "proj/api", map[string]any{"category": "decision"})
	r2 := testRecord(2, "fact two", "proj/api", map[string]any{"category": "decision"})
	r3 := testRecord(3, "fact three", "proj/api", nil)
	mem := newFakeMemory(r1, r2, r3)
	provider := &cannedProvider{text: "```json\n[\"the merged fact\"]\n```"}

	c := New(consolidationConfig(), provider, mem)
	cluster := Cluster{IDs: []int64{1, 2, 3}, Records: []store.Record{r1, r2, r3}}

	res, err := c.ConsolidateCluster(context.Background(), cluster, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, mem.deleted)
	require.Len(t, mem.addedTexts, 1)
	assert.Equal(t, "the merged fact", mem.addedTexts[0])
	require.Len(t, res.NewIDs, 1)

	meta := mem.addedMetas[0]
	assert.Equal(t, "decision", meta["category"])
	assert.Equal(t, []int64{1, 2, 3}, meta["consolidated_from"])
}

func TestConsolidateClusterProviderFailure(t *testing.T) {
	r1 := testRecord(1, "fact", "proj", nil)
	mem := newFakeMemory(r1)
	provider := &cannedProvider{err: errors.New("model offline")}

	c := New(consolidationConfig(), provider, mem)
	_, err := c.ConsolidateCluster(context.Background(), Cluster{IDs: []int64{1}, Records: []store.Record{r1}}, false)
	require.Error(t, err)
	assert.Empty(t, mem.deleted)
}

func TestParseMergedTextsFallsBackToWholeResponse(t *testing.T) {
	texts := parseMergedTexts("not json at all, just a merged statement")
	require.Len(t, texts, 1)
	assert.Equal(t, "not json at all, just a merged statement", texts[0])

	assert.Nil(t, parseMergedTexts("   \n "))
}

func TestFindPruneCandidatesByCategoryAge(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	age := func(days int) string {
		return now.Add(-time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
	}

	staleDetail := testRecord(1, "old detail", "p", nil)
	staleDetail.CreatedAt = age(61)
	freshDetail := testRecord(2, "fresh detail", "p", nil)
	freshDetail.CreatedAt = age(10)
	midDecision := testRecord(3, "decision holding on", "p", map[string]any{"category": "decision"})
	midDecision.CreatedAt = age(100)
	staleLearning := testRecord(4, "forgotten learning", "p", map[string]any{"category": "learning"})
	staleLearning.CreatedAt = age(130)
	unparseable := testRecord(5, "no timestamp", "p", nil)
	unparseable.CreatedAt = ""

	mem := newFakeMemory(staleDetail, freshDetail, midDecision, staleLearning, unparseable)
	c := New(consolidationConfig(), nil, mem)
	c.now = func() time.Time { return now }

	candidates, err := c.FindPruneCandidates()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, candidates)
}

func TestRunDryRunReportsWithoutMutating(t *testing.T) {
	r1 := testRecord(1, "cluster seed fact", "p", nil)
	r2 := testRecord(2, "cluster second fact", "p", nil)
	r3 := testRecord(3, "cluster third fact", "p", nil)
	stale := testRecord(4, "ancient detail", "p", nil)
	stale.CreatedAt = time.Now().UTC().Add(-100 * 24 * time.Hour).Format(time.RFC3339)

	mem := newFakeMemory(r1, r2, r3, stale)
	mem.hits[r1.Text] = []engine.Hit{hit(r2, 0.9), hit(r3, 0.85)}
	provider := &cannedProvider{text: `["one merged fact"]`}

	c := New(consolidationConfig(), provider, mem)
	report, err := c.Run(context.Background(), "", true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.ClustersFound)
	assert.Equal(t, []int64{4}, report.PruneCandidates)
	assert.Empty(t, report.Pruned)
	assert.Empty(t, mem.deleted)
}

func TestRunPrunesAndSurvivesClusterFailure(t *testing.T) {
	r1 := testRecord(1, "cluster seed fact", "p", nil)
	r2 := testRecord(2, "cluster second fact", "p", nil)
	r3 := testRecord(3, "cluster third fact", "p", nil)
	stale := testRecord(4, "ancient detail", "p", nil)
	stale.CreatedAt = time.Now().UTC().Add(-100 * 24 * time.Hour).Format(time.RFC3339)

	mem := newFakeMemory(r1, r2, r3, stale)
	mem.hits[r1.Text] = []engine.Hit{hit(r2, 0.9), hit(r3, 0.85)}
	provider := &cannedProvider{err: errors.New("model offline")}

	c := New(consolidationConfig(), provider, mem)
	report, err := c.Run(context.Background(), "", false)
	require.NoError(t, err)
	require.Len(t, report.Clusters, 1)
	assert.Contains(t, report.Clusters[0].Error, "model offline")
	assert.Equal(t, []int64{4}, report.Pruned)
}

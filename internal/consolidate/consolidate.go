// Package consolidate merges redundant memory clusters and ages out stale
// records. Clustering rides on the engine's hybrid search; merging goes
// through the extraction provider.
package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/recallbox/memoryd/internal/config"
	"github.com/recallbox/memoryd/internal/engine"
	"github.com/recallbox/memoryd/internal/extract"
	"github.com/recallbox/memoryd/internal/store"
)

const consolidationSystem = "You are a memory consolidation assistant. Output only valid JSON."

const consolidationPrompt = `These %d memories are about the same topic in the %s project.
Consolidate them into 1-2 concise memories that capture ALL unique information.
Drop redundant or overlapping details. Preserve: decisions and reasoning, bug fixes, conventions.

Memories to consolidate:
%s

Output a JSON array of consolidated text strings. Each must be self-contained.`

// neighbours fetched per seed record when building clusters.
const clusterSearchK = 10

// Memory is the engine surface consolidation needs.
type Memory interface {
	ListMemories(source string, limit, offset int) ([]store.Record, int, error)
	CountMemories() int
	HybridSearch(ctx context.Context, query string, k int, threshold *float64, sourcePrefix string) ([]engine.Hit, error)
	Add(ctx context.Context, texts, sources []string, metadatas []map[string]any, deduplicate bool, dedupThreshold float64) ([]int64, error)
	DeleteBatch(ctx context.Context, ids []int64) (engine.DeleteBatchResult, error)
}

// Cluster is a group of semantically overlapping records.
type Cluster struct {
	IDs     []int64        `json:"ids"`
	Records []store.Record `json:"-"`
}

// ClusterResult reports one cluster merge.
type ClusterResult struct {
	MergedCount int      `json:"merged_count"`
	NewCount    int      `json:"new_count"`
	OldIDs      []int64  `json:"old_ids"`
	NewIDs      []int64  `json:"new_ids,omitempty"`
	NewTexts    []string `json:"new_texts"`
	Error       string   `json:"error,omitempty"`
}

// Report is the outcome of one consolidation pass.
type Report struct {
	DryRun          bool            `json:"dry_run"`
	ClustersFound   int             `json:"clusters_found"`
	Clusters        []ClusterResult `json:"clusters,omitempty"`
	PruneCandidates []int64         `json:"prune_candidates,omitempty"`
	Pruned          []int64         `json:"pruned,omitempty"`
}

// Consolidator runs cluster merges and age-based pruning.
type Consolidator struct {
	cfg      config.ConsolidationConfig
	provider extract.Provider
	memory   Memory

	now func() time.Time
}

// New builds a consolidator. The provider may be nil; cluster merging is
// then skipped and only pruning runs.
func New(cfg config.ConsolidationConfig, provider extract.Provider, memory Memory) *Consolidator {
	return &Consolidator{
		cfg:      cfg,
		provider: provider,
		memory:   memory,
		now:      time.Now,
	}
}

// FindClusters groups records into disjoint clusters of pairwise-similar
// memories. Each unclustered record seeds a hybrid search; dense-scored
// neighbours at or above the threshold join its cluster. Clusters smaller
// than the configured minimum are discarded and their members stay
// available as later seeds.
func (c *Consolidator) FindClusters(ctx context.Context, sourcePrefix string) ([]Cluster, error) {
	total := c.memory.CountMemories()
	if total == 0 {
		return nil, nil
	}
	records, _, err := c.memory.ListMemories("", total, 0)
	if err != nil {
		return nil, err
	}

	threshold := c.cfg.ClusterThreshold
	if threshold <= 0 {
		threshold = 0.75
	}
	minSize := c.cfg.MinClusterSize
	if minSize <= 0 {
		minSize = 3
	}

	clustered := make(map[int64]bool)
	var clusters []Cluster
	for _, rec := range records {
		if clustered[rec.ID] {
			continue
		}
		if sourcePrefix != "" && !strings.HasPrefix(rec.Source, sourcePrefix) {
			continue
		}

		hits, err := c.memory.HybridSearch(ctx, rec.Text, clusterSearchK, nil, "")
		if err != nil {
			return nil, err
		}

		cluster := Cluster{IDs: []int64{rec.ID}, Records: []store.Record{rec}}
		for _, hit := range hits {
			if hit.Record.ID == rec.ID || clustered[hit.Record.ID] {
				continue
			}
			if sourcePrefix != "" && !strings.HasPrefix(hit.Record.Source, sourcePrefix) {
				continue
			}
			// Sparse-only hits carry no cosine score and cannot vouch for
			// semantic overlap.
			if hit.Similarity == nil || *hit.Similarity < threshold {
				continue
			}
			cluster.IDs = append(cluster.IDs, hit.Record.ID)
			cluster.Records = append(cluster.Records, hit.Record)
		}

		if len(cluster.IDs) < minSize {
			continue
		}
		for _, id := range cluster.IDs {
			clustered[id] = true
		}
		clusters = append(clusters, cluster)
	}
	return clusters, nil
}

// ConsolidateCluster merges a cluster into 1-2 records via the provider.
// Members are deleted and the merged texts added with the dominant
// category and a consolidated_from audit trail. In dry-run mode nothing
// mutates and NewTexts previews the merge.
func (c *Consolidator) ConsolidateCluster(ctx context.Context, cluster Cluster, dryRun bool) (ClusterResult, error) {
	result := ClusterResult{MergedCount: len(cluster.Records), OldIDs: cluster.IDs}
	if c.provider == nil {
		return result, fmt.Errorf("no extraction provider configured")
	}

	type promptMemory struct {
		ID       int64  `json:"id"`
		Text     string `json:"text"`
		Category string `json:"category"`
	}
	members := make([]promptMemory, len(cluster.Records))
	for i, rec := range cluster.Records {
		members[i] = promptMemory{ID: rec.ID, Text: rec.Text, Category: rec.Category()}
	}
	membersJSON, err := json.MarshalIndent(members, "", "  ")
	if err != nil {
		return result, err
	}

	prompt := fmt.Sprintf(consolidationPrompt, len(cluster.Records), inferProject(cluster.Records), membersJSON)
	comp, err := c.provider.Complete(ctx, consolidationSystem, prompt)
	if err != nil {
		return result, err
	}

	newTexts := parseMergedTexts(comp.Text)
	result.NewTexts = newTexts
	result.NewCount = len(newTexts)
	if dryRun || len(newTexts) == 0 {
		return result, nil
	}

	if _, err := c.memory.DeleteBatch(ctx, cluster.IDs); err != nil {
		return result, err
	}

	category := dominantCategory(cluster.Records)
	source := cluster.Records[0].Source
	sources := make([]string, len(newTexts))
	metas := make([]map[string]any, len(newTexts))
	for i := range newTexts {
		sources[i] = source
		metas[i] = map[string]any{"category": category, "consolidated_from": cluster.IDs}
	}
	ids, err := c.memory.Add(ctx, newTexts, sources, metas, false, 0)
	if err != nil {
		return result, err
	}
	result.NewIDs = ids

	slog.Info("cluster consolidated",
		slog.Int("merged", result.MergedCount),
		slog.Int("new", result.NewCount),
		slog.String("category", category))
	return result, nil
}

// FindPruneCandidates returns ids of records past their category's age
// threshold. Decisions and learnings live longer than details.
func (c *Consolidator) FindPruneCandidates() ([]int64, error) {
	total := c.memory.CountMemories()
	if total == 0 {
		return nil, nil
	}
	records, _, err := c.memory.ListMemories("", total, 0)
	if err != nil {
		return nil, err
	}

	detailDays := c.cfg.PruneDetailDays
	if detailDays <= 0 {
		detailDays = 60
	}
	decisionDays := c.cfg.PruneDecisionDays
	if decisionDays <= 0 {
		decisionDays = 120
	}

	now := c.now().UTC()
	var candidates []int64
	for _, rec := range records {
		created := rec.CreatedTime()
		if created.IsZero() {
			continue
		}
		days := detailDays
		switch rec.Category() {
		case store.CategoryDecision, store.CategoryLearning:
			days = decisionDays
		}
		if now.Sub(created) > time.Duration(days)*24*time.Hour {
			candidates = append(candidates, rec.ID)
		}
	}
	return candidates, nil
}

// Run executes one full pass: find clusters, merge each, collect prune
// candidates, and (outside dry-run) delete them. Per-cluster provider
// failures are reported in the cluster result and do not abort the pass.
func (c *Consolidator) Run(ctx context.Context, sourcePrefix string, dryRun bool) (Report, error) {
	report := Report{DryRun: dryRun}

	clusters, err := c.FindClusters(ctx, sourcePrefix)
	if err != nil {
		return report, err
	}
	report.ClustersFound = len(clusters)

	for _, cluster := range clusters {
		res, err := c.ConsolidateCluster(ctx, cluster, dryRun)
		if err != nil {
			res.Error = err.Error()
			slog.Warn("cluster consolidation failed",
				slog.Int("members", len(cluster.IDs)),
				slog.String("error", err.Error()))
		}
		report.Clusters = append(report.Clusters, res)
	}

	candidates, err := c.FindPruneCandidates()
	if err != nil {
		return report, err
	}
	report.PruneCandidates = candidates

	if !dryRun && len(candidates) > 0 {
		deleted, err := c.memory.DeleteBatch(ctx, candidates)
		if err != nil {
			return report, err
		}
		report.Pruned = deleted.Deleted
	}
	return report, nil
}

// Sweep adapts Run for the governor's cron schedule.
func (c *Consolidator) Sweep(ctx context.Context) {
	report, err := c.Run(ctx, "", false)
	if err != nil {
		slog.Error("consolidation sweep failed", slog.String("error", err.Error()))
		return
	}
	slog.Info("consolidation sweep finished",
		slog.Int("clusters", report.ClustersFound),
		slog.Int("pruned", len(report.Pruned)))
}

// parseMergedTexts reads the provider's merge output: ideally a JSON array
// of strings, otherwise the whole response as a single memory.
func parseMergedTexts(text string) []string {
	var out []string
	for _, raw := range extract.ParseJSONArray(text) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		return out
	}
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		return []string{trimmed}
	}
	return nil
}

// dominantCategory returns the most common member category, ties broken
// toward the longer-lived category to avoid early pruning of a merge.
func dominantCategory(records []store.Record) string {
	counts := make(map[string]int, 3)
	for _, rec := range records {
		counts[rec.Category()]++
	}
	best := ""
	for _, cat := range []string{store.CategoryDecision, store.CategoryLearning, store.CategoryDetail} {
		if counts[cat] > counts[best] {
			best = cat
		}
	}
	if best == "" {
		best = store.CategoryDetail
	}
	return best
}

// inferProject guesses a project name from member sources for the prompt.
func inferProject(records []store.Record) string {
	for _, rec := range records {
		parts := strings.Split(rec.Source, "/")
		if last := parts[len(parts)-1]; len(parts) > 1 && last != "" {
			return last
		}
		if parts[0] != "" {
			return parts[0]
		}
	}
	return "unknown"
}

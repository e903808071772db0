package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/search"
	"github.com/recallbox/memoryd/internal/store"
)

// Get returns one record by id.
func (e *Engine) Get(ctx context.Context, id int64) (store.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.idToPos[id]
	if !ok {
		return store.Record{}, apperr.NotFound(fmt.Sprintf("memory %d not found", id), nil)
	}
	return e.records[pos], nil
}

// GetBatch returns the known subset of ids in input order. Unknown ids are
// skipped rather than failing the call.
func (e *Engine) GetBatch(ctx context.Context, ids []int64) ([]store.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]store.Record, 0, len(ids))
	for _, id := range ids {
		if pos, ok := e.idToPos[id]; ok {
			out = append(out, e.records[pos])
		}
	}
	return out, nil
}

// clampK bounds a requested result count to the configured ceiling and the
// store size. Zero and negative requests get a small default.
func (e *Engine) clampK(k, total int) int {
	if k <= 0 {
		k = 5
	}
	if max := e.cfg.Search.MaxResults; max > 0 && k > max {
		k = max
	}
	if k > total {
		k = total
	}
	return k
}

// Search runs dense-only retrieval: embed the query, rank by cosine
// similarity, optionally drop hits below threshold. A non-empty
// sourcePrefix keeps only records whose source starts with it.
func (e *Engine) Search(ctx context.Context, query string, k int, threshold *float64, sourcePrefix string) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.InvalidArgument("query is empty", nil)
	}
	total := e.CountMemories()
	if total == 0 {
		return []Hit{}, nil
	}
	k = e.clampK(k, total)

	vectors, err := e.encode(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	// With a prefix filter the top k of the whole corpus may all be
	// filtered away, so rank everything and truncate after filtering.
	fetch := k
	if sourcePrefix != "" {
		fetch = total
	}
	raw, err := e.vs.Search(ctx, vectors[0], fetch, threshold)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	hits := make([]Hit, 0, k)
	for _, h := range raw {
		pos, ok := e.idToPos[h.ID]
		if !ok {
			continue
		}
		rec := e.records[pos]
		if sourcePrefix != "" && !strings.HasPrefix(rec.Source, sourcePrefix) {
			continue
		}
		sim := search.Round6(h.Score)
		hits = append(hits, Hit{Record: rec, Similarity: &sim})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// HybridSearch runs the dense and sparse legs concurrently, fuses them with
// weighted RRF, and returns the top k. The threshold applies only to hits
// the dense leg scored; sparse-only hits pass through unfiltered. A
// non-empty sourcePrefix filters both legs before fusion.
func (e *Engine) HybridSearch(ctx context.Context, query string, k int, threshold *float64, sourcePrefix string) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.InvalidArgument("query is empty", nil)
	}

	// Snapshot the positional id map so sparse positions resolve against
	// the same corpus the index was built from.
	e.mu.Lock()
	total := len(e.records)
	posToID := make([]int64, total)
	sources := make([]string, total)
	for i, rec := range e.records {
		posToID[i] = rec.ID
		sources[i] = rec.Source
	}
	e.mu.Unlock()

	if total == 0 {
		return []Hit{}, nil
	}
	k = e.clampK(k, total)
	oversample := k * e.cfg.Search.OversampleFactor
	if oversample > total {
		oversample = total
	}

	var idPos map[int64]int
	if sourcePrefix != "" {
		idPos = make(map[int64]int, total)
		for i, id := range posToID {
			idPos[id] = i
		}
	}

	var vectorLeg, sparseLeg []search.RankedID
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vectors, err := e.encode(gctx, []string{query})
		if err != nil {
			return err
		}
		fetch := oversample
		if sourcePrefix != "" {
			fetch = total
		}
		raw, err := e.vs.Search(gctx, vectors[0], fetch, nil)
		if err != nil {
			return err
		}
		vectorLeg = make([]search.RankedID, 0, oversample)
		for _, h := range raw {
			if sourcePrefix != "" {
				pos, ok := idPos[h.ID]
				if !ok || !strings.HasPrefix(sources[pos], sourcePrefix) {
					continue
				}
			}
			vectorLeg = append(vectorLeg, search.RankedID{ID: h.ID, Score: h.Score})
			if len(vectorLeg) == oversample {
				break
			}
		}
		return nil
	})
	g.Go(func() error {
		scores, err := e.sparse.Scores(gctx, store.Tokenize(query))
		if err != nil {
			return err
		}
		ranked := make([]search.RankedID, 0, len(scores))
		for pos, score := range scores {
			if score <= 0 || pos >= len(posToID) {
				continue
			}
			if sourcePrefix != "" && !strings.HasPrefix(sources[pos], sourcePrefix) {
				continue
			}
			ranked = append(ranked, search.RankedID{ID: posToID[pos], Score: score})
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].Score != ranked[j].Score {
				return ranked[i].Score > ranked[j].Score
			}
			return ranked[i].ID < ranked[j].ID
		})
		if len(ranked) > oversample {
			ranked = ranked[:oversample]
		}
		sparseLeg = ranked
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := e.fuser.Fuse(vectorLeg, sparseLeg, k)

	e.mu.Lock()
	defer e.mu.Unlock()

	hits := make([]Hit, 0, len(fused))
	for _, f := range fused {
		pos, ok := e.idToPos[f.ID]
		if !ok {
			continue
		}
		if threshold != nil && f.HasSimilarity() && f.Similarity < *threshold {
			continue
		}
		hit := Hit{Record: e.records[pos]}
		rrf := f.RRFScore
		hit.RRFScore = &rrf
		if f.HasSimilarity() {
			sim := search.Round6(f.Similarity)
			hit.Similarity = &sim
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// IsNovel reports whether text is sufficiently far from everything stored.
// Returns the best similarity seen; 0 for an empty store.
func (e *Engine) IsNovel(ctx context.Context, text string, threshold float64) (bool, float64, error) {
	if threshold <= 0 {
		threshold = e.cfg.Search.NoveltyThreshold
	}
	if e.CountMemories() == 0 {
		return true, 0, nil
	}
	vectors, err := e.encode(ctx, []string{text})
	if err != nil {
		return false, 0, err
	}
	raw, err := e.vs.Search(ctx, vectors[0], 1, nil)
	if err != nil {
		return false, 0, err
	}
	if len(raw) == 0 {
		return true, 0, nil
	}
	best := raw[0].Score
	return best < threshold, search.Round6(best), nil
}

// ListMemories pages through records, optionally keeping only those whose
// source starts with the given prefix. Returns the page and the total
// match count.
func (e *Engine) ListMemories(source string, limit, offset int) ([]store.Record, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var matched []store.Record
	for _, rec := range e.records {
		if source != "" && !strings.HasPrefix(rec.Source, source) {
			continue
		}
		matched = append(matched, rec)
	}
	total := len(matched)
	if offset >= total {
		return []store.Record{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]store.Record, end-offset)
	copy(page, matched[offset:end])
	return page, total, nil
}

// CountMemories returns the metadata record count.
func (e *Engine) CountMemories() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// CountMemoriesBySource counts records whose source starts with prefix.
// An empty prefix counts everything.
func (e *Engine) CountMemoriesBySource(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prefix == "" {
		return len(e.records)
	}
	n := 0
	for _, rec := range e.records {
		if strings.HasPrefix(rec.Source, prefix) {
			n++
		}
	}
	return n
}

// ListFolders groups records by the top-level source segment, sorted by
// descending count then name.
func (e *Engine) ListFolders() []FolderInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[string]int)
	for _, rec := range e.records {
		name := rec.Source
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[:i]
		}
		if name == "" {
			name = "(none)"
		}
		counts[name]++
	}
	folders := make([]FolderInfo, 0, len(counts))
	for name, n := range counts {
		folders = append(folders, FolderInfo{Name: name, Count: n})
	}
	sort.Slice(folders, func(i, j int) bool {
		if folders[i].Count != folders[j].Count {
			return folders[i].Count > folders[j].Count
		}
		return folders[i].Name < folders[j].Name
	})
	return folders
}

// Stats reports the full store state including a vector store round trip.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	count, err := e.vs.Count(ctx)
	if err != nil {
		return Stats{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.statsLocked()
	s.TotalMemories = count
	s.Ready = count == len(e.records)
	return s, nil
}

// StatsLight reports store state without touching the vector backend. The
// total mirrors the metadata count and readiness is assumed.
func (e *Engine) StatsLight() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.statsLocked()
	s.TotalMemories = len(e.records)
	s.Ready = true
	return s
}

func (e *Engine) statsLocked() Stats {
	return Stats{
		MetadataCount:  len(e.records),
		Dimension:      e.info.Dimension,
		Model:          e.info.Model,
		EmbedProvider:  e.info.EmbedProvider,
		StorageBackend: e.info.StorageBackend,
		SparseIndexed:  e.sparse.Len(),
		CreatedAt:      e.info.CreatedAt,
		LastUpdated:    e.info.LastUpdated,
	}
}

// IsReady reports count parity between the vector store and metadata.
func (e *Engine) IsReady(ctx context.Context) bool {
	count, err := e.vs.Count(ctx)
	if err != nil {
		return false
	}
	return count == e.CountMemories()
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/chunk"
	"github.com/recallbox/memoryd/internal/locks"
	"github.com/recallbox/memoryd/internal/search"
	"github.com/recallbox/memoryd/internal/store"
)

// Add stores texts and returns their new ids, in input order. With
// deduplicate set and a non-empty store, texts whose nearest neighbour
// scores at or above dedupThreshold are skipped (their slot contributes no
// id). Batches larger than the snapshot threshold take a pre_add snapshot
// first.
func (e *Engine) Add(ctx context.Context, texts, sources []string, metadatas []map[string]any, deduplicate bool, dedupThreshold float64) ([]int64, error) {
	if len(texts) == 0 {
		return []int64{}, nil
	}
	if len(sources) != len(texts) {
		return nil, apperr.InvalidArgument("texts and sources length mismatch", nil)
	}
	if metadatas != nil && len(metadatas) != len(texts) {
		return nil, apperr.InvalidArgument("texts and metadatas length mismatch", nil)
	}
	if dedupThreshold <= 0 {
		dedupThreshold = e.cfg.Search.DedupThreshold
	}

	// Novelty filter before taking any locks; search is read-only.
	keep := make([]int, 0, len(texts))
	if deduplicate {
		for i, text := range texts {
			novel, _, err := e.IsNovel(ctx, text, dedupThreshold)
			if err != nil {
				return nil, err
			}
			if novel {
				keep = append(keep, i)
			}
		}
		if len(keep) == 0 {
			return []int64{}, nil
		}
	} else {
		for i := range texts {
			keep = append(keep, i)
		}
	}

	keptTexts := make([]string, len(keep))
	for j, i := range keep {
		keptTexts[j] = texts[i]
	}
	vectors, err := e.encode(ctx, keptTexts)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(keep))
	for j, i := range keep {
		keys[j] = locks.SourceKey(sources[i])
	}
	release := e.locks.AcquireMany(keys...)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(keep) > e.cfg.Snapshots.AutoThreshold {
		if err := e.snapshotBefore(ctx, "pre_add"); err != nil {
			return nil, err
		}
	}

	ids := make([]int64, len(keep))
	points := make([]store.Point, len(keep))
	newRecords := make([]store.Record, len(keep))
	for j, i := range keep {
		id := e.nextID + int64(j)
		var meta map[string]any
		if metadatas != nil {
			meta = metadatas[i]
		}
		rec := store.NewRecord(id, texts[i], sources[i], meta)
		ids[j] = id
		newRecords[j] = rec
		points[j] = store.Point{ID: id, Vector: vectors[j], Payload: rec.Payload()}
	}

	if err := e.upsertPoints(ctx, points); err != nil {
		return nil, err
	}
	for _, rec := range newRecords {
		e.idToPos[rec.ID] = len(e.records)
		e.records = append(e.records, rec)
	}
	e.nextID += int64(len(keep))

	if err := e.persistLocked(); err != nil {
		return nil, err
	}
	if err := e.rebuildSparseLocked(ctx); err != nil {
		return nil, err
	}
	e.touchLastUpdated()
	return ids, nil
}

// Delete removes one record. Unknown ids are NotFound.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	release := e.locks.AcquireMany(locks.AllKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.idToPos[id]; !ok {
		return apperr.NotFound(fmt.Sprintf("memory %d not found", id), nil)
	}
	if err := e.snapshotBefore(ctx, "pre_delete"); err != nil {
		return err
	}
	return e.deleteLocked(ctx, []int64{id})
}

// deleteLocked removes known ids from every structure and persists.
// Callers hold the write lock and have validated existence where needed.
func (e *Engine) deleteLocked(ctx context.Context, ids []int64) error {
	if err := e.vs.DeletePoints(ctx, ids); err != nil {
		return err
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := e.records[:0]
	for _, rec := range e.records {
		if !drop[rec.ID] {
			kept = append(kept, rec)
		}
	}
	e.records = kept
	e.idToPos = make(map[int64]int, len(e.records))
	for i, rec := range e.records {
		e.idToPos[rec.ID] = i
	}
	if err := e.persistLocked(); err != nil {
		return err
	}
	if err := e.rebuildSparseLocked(ctx); err != nil {
		return err
	}
	e.touchLastUpdated()
	return nil
}

// DeleteBatch removes the known subset of ids; unknown ids come back in
// Missing rather than failing the call.
func (e *Engine) DeleteBatch(ctx context.Context, ids []int64) (DeleteBatchResult, error) {
	release := e.locks.AcquireMany(locks.AllKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	result := DeleteBatchResult{Deleted: []int64{}, Missing: []int64{}}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := e.idToPos[id]; ok {
			result.Deleted = append(result.Deleted, id)
		} else {
			result.Missing = append(result.Missing, id)
		}
	}
	if len(result.Deleted) == 0 {
		return result, nil
	}
	if err := e.snapshotBefore(ctx, "pre_delete"); err != nil {
		return DeleteBatchResult{}, err
	}
	if err := e.deleteLocked(ctx, result.Deleted); err != nil {
		return DeleteBatchResult{}, err
	}
	return result, nil
}

// DeleteBySource removes every record whose source contains substr.
func (e *Engine) DeleteBySource(ctx context.Context, substr string) ([]int64, error) {
	if substr == "" {
		return nil, apperr.InvalidArgument("source substring is empty", nil)
	}
	return e.deleteWhere(ctx, "pre_delete", func(rec *store.Record) bool {
		return strings.Contains(rec.Source, substr)
	})
}

// DeleteByPrefix removes every record whose source starts with prefix.
func (e *Engine) DeleteByPrefix(ctx context.Context, prefix string) ([]int64, error) {
	if prefix == "" {
		return nil, apperr.InvalidArgument("source prefix is empty", nil)
	}
	return e.deleteWhere(ctx, "pre_delete", func(rec *store.Record) bool {
		return strings.HasPrefix(rec.Source, prefix)
	})
}

func (e *Engine) deleteWhere(ctx context.Context, snapPrefix string, match func(*store.Record) bool) ([]int64, error) {
	release := e.locks.AcquireMany(locks.AllKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []int64
	for i := range e.records {
		if match(&e.records[i]) {
			ids = append(ids, e.records[i].ID)
		}
	}
	if len(ids) == 0 {
		return []int64{}, nil
	}
	if err := e.snapshotBefore(ctx, snapPrefix); err != nil {
		return nil, err
	}
	if err := e.deleteLocked(ctx, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Update patches a record. A source-only change takes the fast path: no
// snapshot, no re-embed, just a payload rewrite and an updated_at bump.
// Text changes re-embed and rebuild the sparse index; reserved keys in the
// metadata patch are ignored.
func (e *Engine) Update(ctx context.Context, id int64, newText, newSource *string, metaPatch map[string]any) (store.Record, error) {
	sourceOnly := newText == nil && len(store.SanitizeMeta(metaPatch)) == 0 && newSource != nil

	var vector []float32
	if newText != nil {
		vectors, err := e.encode(ctx, []string{*newText})
		if err != nil {
			return store.Record{}, err
		}
		vector = vectors[0]
	}

	release := e.locks.AcquireMany(locks.AllKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.idToPos[id]
	if !ok {
		return store.Record{}, apperr.NotFound(fmt.Sprintf("memory %d not found", id), nil)
	}

	if sourceOnly {
		rec := &e.records[pos]
		rec.Source = *newSource
		rec.UpdatedAt = store.NowUTC()
		if err := e.vs.SetPayload(ctx, id, rec.Payload()); err != nil {
			return store.Record{}, err
		}
		if err := e.persistLocked(); err != nil {
			return store.Record{}, err
		}
		e.touchLastUpdated()
		return *rec, nil
	}

	if err := e.snapshotBefore(ctx, "pre_update"); err != nil {
		return store.Record{}, err
	}

	rec := &e.records[pos]
	textChanged := newText != nil && *newText != rec.Text
	if newText != nil {
		rec.Text = *newText
	}
	if newSource != nil {
		rec.Source = *newSource
	}
	for k, v := range store.SanitizeMeta(metaPatch) {
		rec.SetExtra(k, v)
	}
	rec.UpdatedAt = store.NowUTC()

	if textChanged {
		if err := e.upsertPoints(ctx, []store.Point{{ID: id, Vector: vector, Payload: rec.Payload()}}); err != nil {
			return store.Record{}, err
		}
	} else {
		if err := e.vs.SetPayload(ctx, id, rec.Payload()); err != nil {
			return store.Record{}, err
		}
	}
	if err := e.persistLocked(); err != nil {
		return store.Record{}, err
	}
	if textChanged {
		if err := e.rebuildSparseLocked(ctx); err != nil {
			return store.Record{}, err
		}
	}
	e.touchLastUpdated()
	return *rec, nil
}

// Upsert creates or updates the record identified by (source, key). The
// key lands in the record's entity_key field on create.
func (e *Engine) Upsert(ctx context.Context, text, source, key string, metadata map[string]any) (UpsertResult, error) {
	if key == "" {
		return UpsertResult{}, apperr.InvalidArgument("entity key is empty", nil)
	}

	e.mu.Lock()
	var existing int64 = -1
	for i := range e.records {
		if e.records[i].Source == source && e.records[i].EntityKey() == key {
			existing = e.records[i].ID
			break
		}
	}
	e.mu.Unlock()

	if existing >= 0 {
		if _, err := e.Update(ctx, existing, &text, nil, metadata); err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{ID: existing, Action: "updated"}, nil
	}

	vectors, err := e.encode(ctx, []string{text})
	if err != nil {
		return UpsertResult{}, err
	}

	release := e.locks.AcquireMany(locks.SourceKey(source))
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	// The key may have been created while we were embedding.
	for i := range e.records {
		if e.records[i].Source == source && e.records[i].EntityKey() == key {
			return UpsertResult{ID: e.records[i].ID, Action: "updated"}, nil
		}
	}

	id := e.nextID
	rec := store.NewRecord(id, text, source, metadata)
	// entity_key is reserved against user metadata, set it directly.
	if rec.Extra == nil {
		rec.Extra = map[string]any{}
	}
	rec.Extra["entity_key"] = key

	if err := e.upsertPoints(ctx, []store.Point{{ID: id, Vector: vectors[0], Payload: rec.Payload()}}); err != nil {
		return UpsertResult{}, err
	}
	e.idToPos[id] = len(e.records)
	e.records = append(e.records, rec)
	e.nextID++

	if err := e.persistLocked(); err != nil {
		return UpsertResult{}, err
	}
	if err := e.rebuildSparseLocked(ctx); err != nil {
		return UpsertResult{}, err
	}
	e.touchLastUpdated()
	return UpsertResult{ID: id, Action: "created"}, nil
}

// Supersede replaces a record with a corrected statement. The old record is
// removed and the new one carries supersedes and previous_text audit
// fields. The new id is strictly greater than every existing id.
func (e *Engine) Supersede(ctx context.Context, oldID int64, newText, source string) (store.Record, error) {
	vectors, err := e.encode(ctx, []string{newText})
	if err != nil {
		return store.Record{}, err
	}

	release := e.locks.AcquireMany(locks.SourceKey(source))
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.idToPos[oldID]
	if !ok {
		return store.Record{}, apperr.NotFound(fmt.Sprintf("memory %d not found", oldID), nil)
	}
	previousText := e.records[pos].Text

	if err := e.deleteLockedNoPersist(ctx, oldID); err != nil {
		return store.Record{}, err
	}

	id := e.nextID
	rec := store.NewRecord(id, newText, source, nil)
	rec.SetExtra("supersedes", oldID)
	rec.SetExtra("previous_text", previousText)

	if err := e.upsertPoints(ctx, []store.Point{{ID: id, Vector: vectors[0], Payload: rec.Payload()}}); err != nil {
		return store.Record{}, err
	}
	e.idToPos[id] = len(e.records)
	e.records = append(e.records, rec)
	e.nextID++

	if err := e.persistLocked(); err != nil {
		return store.Record{}, err
	}
	if err := e.rebuildSparseLocked(ctx); err != nil {
		return store.Record{}, err
	}
	e.touchLastUpdated()
	return rec, nil
}

// deleteLockedNoPersist removes one id from the vector store and in-memory
// structures without writing the metadata log; the caller persists after
// its own follow-up mutation.
func (e *Engine) deleteLockedNoPersist(ctx context.Context, id int64) error {
	if err := e.vs.DeletePoints(ctx, []int64{id}); err != nil {
		return err
	}
	pos := e.idToPos[id]
	e.records = append(e.records[:pos], e.records[pos+1:]...)
	delete(e.idToPos, id)
	for i := pos; i < len(e.records); i++ {
		e.idToPos[e.records[i].ID] = i
	}
	return nil
}

// Deduplicate finds near-duplicate pairs across the whole store and, unless
// dryRun, removes the higher id of each pair.
func (e *Engine) Deduplicate(ctx context.Context, threshold float64, dryRun bool) (DeduplicateResult, error) {
	if threshold <= 0 {
		threshold = e.cfg.Search.DedupThreshold
	}

	e.mu.Lock()
	texts := make([]string, len(e.records))
	ids := make([]int64, len(e.records))
	for i, rec := range e.records {
		texts[i] = rec.Text
		ids[i] = rec.ID
	}
	e.mu.Unlock()

	if len(texts) < 2 {
		return DeduplicateResult{DryRun: dryRun, Removed: []int64{}, Pairs: []DuplicatePair{}}, nil
	}

	vectors, err := e.encode(ctx, texts)
	if err != nil {
		return DeduplicateResult{}, err
	}

	// Top-5 neighbours per row; pairs keyed (min,max) so each duplicate
	// counts once.
	type pairKey struct{ lo, hi int64 }
	pairs := make(map[pairKey]float64)
	for i := range vectors {
		hits, err := e.vs.Search(ctx, vectors[i], 6, nil)
		if err != nil {
			return DeduplicateResult{}, err
		}
		for _, hit := range hits {
			if hit.ID == ids[i] {
				continue
			}
			if hit.Score < threshold {
				continue
			}
			key := pairKey{lo: min(ids[i], hit.ID), hi: max(ids[i], hit.ID)}
			if hit.Score > pairs[key] {
				pairs[key] = hit.Score
			}
		}
	}

	all := make([]DuplicatePair, 0, len(pairs))
	removeSet := make(map[int64]bool)
	for key, sim := range pairs {
		all = append(all, DuplicatePair{KeepID: key.lo, RemoveID: key.hi, Similarity: search.Round6(sim)})
		removeSet[key.hi] = true
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].KeepID != all[j].KeepID {
			return all[i].KeepID < all[j].KeepID
		}
		return all[i].RemoveID < all[j].RemoveID
	})

	if dryRun {
		preview := all
		if len(preview) > 20 {
			preview = preview[:20]
		}
		return DeduplicateResult{DryRun: true, WouldRemove: len(removeSet), Pairs: preview}, nil
	}

	removeIDs := make([]int64, 0, len(removeSet))
	for id := range removeSet {
		removeIDs = append(removeIDs, id)
	}
	sort.Slice(removeIDs, func(i, j int) bool { return removeIDs[i] < removeIDs[j] })

	release := e.locks.AcquireMany(locks.AllKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Keep only ids that still exist; the store may have moved under us.
	live := removeIDs[:0]
	for _, id := range removeIDs {
		if _, ok := e.idToPos[id]; ok {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return DeduplicateResult{DryRun: false, Removed: []int64{}, Pairs: all}, nil
	}
	if err := e.snapshotBefore(ctx, "pre_dedup"); err != nil {
		return DeduplicateResult{}, err
	}
	if err := e.deleteLocked(ctx, live); err != nil {
		return DeduplicateResult{}, err
	}
	return DeduplicateResult{DryRun: false, Removed: live, Pairs: all}, nil
}

// RebuildFromFiles chunks the given markdown files and rebuilds the whole
// index from them. Ids restart from 0; prior contents are replaced.
func (e *Engine) RebuildFromFiles(ctx context.Context, paths []string) (int, error) {
	var chunks []chunk.Chunk
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		name := filepath.Base(path)
		chunks = append(chunks, chunk.Markdown(string(data), name, chunk.Options{
			MaxChunkSize: e.cfg.Search.ChunkSize,
			Overlap:      e.cfg.Search.ChunkOverlap,
		})...)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	var vectors [][]float32
	if len(texts) > 0 {
		var err error
		vectors, err = e.encode(ctx, texts)
		if err != nil {
			return 0, err
		}
	}

	release := e.locks.AcquireMany(locks.AllKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.snapshotBefore(ctx, "pre_rebuild"); err != nil {
		return 0, err
	}
	if err := e.vs.RecreateCollection(ctx, e.holder.Dimension()); err != nil {
		return 0, err
	}

	e.records = make([]store.Record, 0, len(chunks))
	e.idToPos = make(map[int64]int, len(chunks))
	points := make([]store.Point, len(chunks))
	for i, c := range chunks {
		id := int64(i)
		rec := store.NewRecord(id, c.Text, c.Source, nil)
		e.idToPos[id] = i
		e.records = append(e.records, rec)
		points[i] = store.Point{ID: id, Vector: vectors[i], Payload: rec.Payload()}
	}
	e.nextID = int64(len(chunks))

	if err := e.upsertPoints(ctx, points); err != nil {
		return 0, err
	}
	if err := e.persistLocked(); err != nil {
		return 0, err
	}
	if err := e.rebuildSparseLocked(ctx); err != nil {
		return 0, err
	}
	e.touchLastUpdated()
	slog.Info("index rebuilt", slog.Int("chunks", len(chunks)), slog.Int("files", len(paths)))
	return len(chunks), nil
}

// BuildIndexFromWorkspace rebuilds from explicit paths or, when none are
// given, the configured workspace layout (MEMORY.md plus memory-bank/*.md).
func (e *Engine) BuildIndexFromWorkspace(ctx context.Context, paths []string) (int, error) {
	if len(paths) == 0 {
		ws := e.cfg.Paths.WorkspaceDir
		paths = append(paths, filepath.Join(ws, "MEMORY.md"))
		matches, err := filepath.Glob(filepath.Join(ws, "memory-bank", "*.md"))
		if err == nil {
			sort.Strings(matches)
			paths = append(paths, matches...)
		}
	}
	return e.RebuildFromFiles(ctx, paths)
}

// RenameFolder rewrites the leading source segment over matching records
// using the source-only fast path. Returns how many records moved.
func (e *Engine) RenameFolder(ctx context.Context, oldName, newName string) (int, error) {
	if oldName == "" || newName == "" {
		return 0, apperr.InvalidArgument("folder names must be non-empty", nil)
	}

	release := e.locks.AcquireMany(locks.AllKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	moved := 0
	for i := range e.records {
		rec := &e.records[i]
		var renamed string
		switch {
		case rec.Source == oldName:
			renamed = newName
		case strings.HasPrefix(rec.Source, oldName+"/"):
			renamed = newName + strings.TrimPrefix(rec.Source, oldName)
		default:
			continue
		}
		rec.Source = renamed
		rec.UpdatedAt = store.NowUTC()
		if err := e.vs.SetPayload(ctx, rec.ID, rec.Payload()); err != nil {
			return moved, err
		}
		moved++
	}
	if moved == 0 {
		return 0, nil
	}
	if err := e.persistLocked(); err != nil {
		return moved, err
	}
	return moved, nil
}

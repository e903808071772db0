// Package engine owns the memory store's write discipline and retrieval
// paths. Every mutation happens under the global write lock after the
// relevant entity locks are held: mutate in-memory state, persist the
// metadata log, then rebuild the sparse index when text changed. Reads go
// through the embedder, vector store, and sparse index without the write
// lock.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/cloudsync"
	"github.com/recallbox/memoryd/internal/config"
	"github.com/recallbox/memoryd/internal/embed"
	"github.com/recallbox/memoryd/internal/locks"
	"github.com/recallbox/memoryd/internal/search"
	"github.com/recallbox/memoryd/internal/snapshot"
	"github.com/recallbox/memoryd/internal/store"
)

const (
	encodeChunkSize = 100
	upsertBatchSize = 256
)

// RuntimeInfo is the engine's persisted config.json: the identity of the
// index so a restart can detect model or backend drift.
type RuntimeInfo struct {
	Model          string `json:"model"`
	EmbedProvider  string `json:"embed_provider"`
	Dimension      int    `json:"dimension"`
	StorageBackend string `json:"storage_backend"`
	CreatedAt      string `json:"created_at"`
	LastUpdated    string `json:"last_updated"`
}

// Engine coordinates the embedder, vector store, sparse index, metadata log,
// and snapshots behind one API.
type Engine struct {
	cfg    *config.Config
	holder *embed.Holder
	vs     store.VectorStore
	sparse store.SparseIndex
	snaps  *snapshot.Manager
	cloud  *cloudsync.Syncer
	locks  *locks.Manager
	fuser  *search.Fuser

	fileLock *flock.Flock

	// mu is the global write lock: metadata, id map, sparse index, and
	// vector writes mutate only under it.
	mu      sync.Mutex
	records []store.Record
	idToPos map[int64]int
	nextID  int64
	info    RuntimeInfo
}

// New opens the engine: acquires the data-dir lock, loads state, verifies
// integrity, attempts cloud auto-restore on a fresh store, and performs the
// one-time legacy index cutover.
func New(ctx context.Context, cfg *config.Config, holder *embed.Holder, vs store.VectorStore, sparse store.SparseIndex, snaps *snapshot.Manager, cloud *cloudsync.Syncer) (*Engine, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	fl := flock.New(cfg.LockPath())
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire data dir lock: %w", err)
	}
	if !locked {
		return nil, apperr.FailedPrecondition(
			fmt.Sprintf("data directory %s is locked by another process", cfg.Paths.DataDir), nil)
	}

	e := &Engine{
		cfg:    cfg,
		holder: holder,
		vs:     vs,
		sparse: sparse,
		snaps:  snaps,
		cloud:  cloud,
		locks:  locks.NewManager(),
		fuser: &search.Fuser{
			K:            cfg.Search.RRFConstant,
			VectorWeight: cfg.Search.VectorWeight,
		},
		idToPos: make(map[int64]int),
	}

	if err := e.open(ctx); err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	e.fileLock = fl
	return e, nil
}

func (e *Engine) open(ctx context.Context) error {
	if err := e.loadState(ctx); err != nil {
		return err
	}

	// A completely fresh store tries cloud restore before serving empties.
	if len(e.records) == 0 && e.cloud != nil {
		if restored := e.autoRestore(ctx); restored {
			if err := e.loadState(ctx); err != nil {
				return err
			}
		}
	}

	dim := e.holder.Dimension()
	if err := e.vs.EnsureCollection(ctx, dim); err != nil {
		return fmt.Errorf("ensure vector collection: %w", err)
	}

	if err := e.checkIntegrity(ctx); err != nil {
		return err
	}

	// Legacy cutover only when the vector store fully mirrors metadata;
	// otherwise the old index file may still be the best copy.
	count, err := e.vs.Count(ctx)
	if err == nil && count == len(e.records) {
		if _, err := snapshot.LegacyCutover(e.cfg.LegacyIndexPath(), e.cfg.MigrationsDir(), count, len(e.records)); err != nil {
			slog.Warn("legacy index cutover failed", slog.String("error", err.Error()))
		}
	}

	if err := e.ensureRuntimeInfo(); err != nil {
		return err
	}
	return e.rebuildSparseLocked(ctx)
}

// loadState reads the metadata log and rebuilds the id map.
func (e *Engine) loadState(_ context.Context) error {
	records, err := store.LoadRecords(e.cfg.MetadataPath())
	if err != nil {
		return err
	}
	e.records = records
	e.idToPos = make(map[int64]int, len(records))
	e.nextID = 0
	for i, rec := range records {
		e.idToPos[rec.ID] = i
		if rec.ID >= e.nextID {
			e.nextID = rec.ID + 1
		}
	}
	return nil
}

// checkIntegrity enforces count parity between the vector store and the
// metadata log. An empty vector store with non-empty metadata is healed by
// reindexing; any other mismatch is fatal.
func (e *Engine) checkIntegrity(ctx context.Context) error {
	count, err := e.vs.Count(ctx)
	if err != nil {
		return fmt.Errorf("count vector store: %w", err)
	}
	if count == len(e.records) {
		return nil
	}
	if count == 0 && len(e.records) > 0 {
		slog.Warn("vector store empty but metadata present, reindexing",
			slog.Int("records", len(e.records)))
		return e.reindexLocked(ctx)
	}
	return apperr.FailedPrecondition(fmt.Sprintf(
		"integrity check failed: vector store holds %d points but metadata has %d records",
		count, len(e.records)), nil)
}

// autoRestore pulls the newest cloud snapshot into the local backups
// directory and restores it. Best effort; failures leave the fresh store.
func (e *Engine) autoRestore(ctx context.Context) bool {
	name, err := e.cloud.LatestSnapshot(ctx)
	if err != nil || name == "" {
		if err != nil {
			slog.Warn("cloud snapshot listing failed", slog.String("error", err.Error()))
		}
		return false
	}
	if err := e.cloud.DownloadBackup(ctx, name, e.cfg.BackupsDir()); err != nil {
		slog.Warn("cloud snapshot download failed",
			slog.String("name", name),
			slog.String("error", err.Error()))
		return false
	}
	if err := e.snaps.RestoreFiles(name); err != nil {
		slog.Warn("cloud snapshot restore failed",
			slog.String("name", name),
			slog.String("error", err.Error()))
		return false
	}
	slog.Info("restored from cloud snapshot", slog.String("name", name))
	return true
}

// reindexLocked re-embeds every record and rebuilds the vector collection.
func (e *Engine) reindexLocked(ctx context.Context) error {
	dim := e.holder.Dimension()
	if err := e.vs.RecreateCollection(ctx, dim); err != nil {
		return fmt.Errorf("recreate collection: %w", err)
	}
	if len(e.records) == 0 {
		return nil
	}
	texts := make([]string, len(e.records))
	for i, rec := range e.records {
		texts[i] = rec.Text
	}
	vectors, err := e.encode(ctx, texts)
	if err != nil {
		return fmt.Errorf("reindex encode: %w", err)
	}
	points := make([]store.Point, len(e.records))
	for i, rec := range e.records {
		points[i] = store.Point{ID: rec.ID, Vector: vectors[i], Payload: rec.Payload()}
	}
	return e.upsertPoints(ctx, points)
}

// ensureRuntimeInfo loads or initializes config.json and verifies the
// stored dimension matches the active embedder.
func (e *Engine) ensureRuntimeInfo() error {
	path := e.cfg.EngineConfigPath()
	data, err := os.ReadFile(path)
	if err == nil {
		var info RuntimeInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		e.info = info
		if info.Dimension != 0 && info.Dimension != e.holder.Dimension() && len(e.records) > 0 {
			return apperr.FailedPrecondition(fmt.Sprintf(
				"index was built with dimension %d but the embedder produces %d; rebuild the index",
				info.Dimension, e.holder.Dimension()), nil)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	emb := e.holder.Get()
	e.info.Model = emb.Model()
	e.info.EmbedProvider = emb.Name()
	e.info.Dimension = e.holder.Dimension()
	e.info.StorageBackend = e.storageBackend()
	if e.info.CreatedAt == "" {
		e.info.CreatedAt = store.NowUTC()
	}
	return e.saveRuntimeInfo()
}

func (e *Engine) storageBackend() string {
	if e.cfg.UseQdrant() {
		return "qdrant"
	}
	return "local"
}

func (e *Engine) saveRuntimeInfo() error {
	data, err := json.MarshalIndent(e.info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime info: %w", err)
	}
	if err := os.WriteFile(e.cfg.EngineConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("write runtime info: %w", err)
	}
	return nil
}

func (e *Engine) touchLastUpdated() {
	e.info.LastUpdated = store.NowUTC()
	if err := e.saveRuntimeInfo(); err != nil {
		slog.Warn("runtime info save failed", slog.String("error", err.Error()))
	}
}

// persistLocked writes the metadata log. Callers hold the write lock.
func (e *Engine) persistLocked() error {
	return store.SaveRecords(e.cfg.MetadataPath(), e.records)
}

// rebuildSparseLocked refreshes the sparse corpus from the record list.
func (e *Engine) rebuildSparseLocked(ctx context.Context) error {
	docs := make([]string, len(e.records))
	for i, rec := range e.records {
		docs[i] = rec.Text
	}
	return e.sparse.Rebuild(ctx, docs)
}

// encode embeds texts in fixed-size chunks through the holder, which
// serializes against hot swaps.
func (e *Engine) encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += encodeChunkSize {
		end := min(start+encodeChunkSize, len(texts))
		vectors, err := e.holder.Encode(ctx, texts[start:end])
		if err != nil {
			return nil, apperr.Unavailable("embedding failed", err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *Engine) upsertPoints(ctx context.Context, points []store.Point) error {
	for start := 0; start < len(points); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(points))
		if err := e.vs.UpsertPoints(ctx, points[start:end]); err != nil {
			return fmt.Errorf("upsert points: %w", err)
		}
	}
	return nil
}

// snapshotBefore takes a pre-mutation snapshot. A snapshot failure aborts
// the mutation.
func (e *Engine) snapshotBefore(ctx context.Context, prefix string) error {
	if _, err := e.snaps.Create(ctx, prefix); err != nil {
		return apperr.Internal(fmt.Sprintf("snapshot %s failed", prefix), err)
	}
	return nil
}

// Snapshots exposes the snapshot manager to transport layers.
func (e *Engine) Snapshots() *snapshot.Manager { return e.snaps }

// Cloud exposes the cloud syncer; nil when sync is disabled.
func (e *Engine) Cloud() *cloudsync.Syncer { return e.cloud }

// Holder exposes the embedder holder for the reload governor.
func (e *Engine) Holder() *embed.Holder { return e.holder }

// WriteLock locks the global write mutex for callers that coordinate
// cross-component mutations (embedder hot reload). The returned func
// unlocks.
func (e *Engine) WriteLock() func() {
	e.mu.Lock()
	return e.mu.Unlock
}

// Close flushes state and releases the data-dir lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if err := e.persistLocked(); err != nil {
		firstErr = err
	}
	if err := e.vs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.sparse.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.fileLock != nil {
		if err := e.fileLock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// LocalStore is the embedded vector backend: an in-process HNSW graph with
// point payloads, persisted under a directory. It exists so a single-node
// deployment needs no external vector database while keeping the same
// semantics as the Qdrant adapter, including exact counts.
//
// Deletion is lazy: the node stays in the graph but loses its id mapping,
// which sidesteps graph corruption when the last node is removed. Searches
// oversample by the orphan count so lazily deleted nodes cannot crowd out
// live results.
type LocalStore struct {
	mu  sync.RWMutex
	dir string

	graph   *hnsw.Graph[uint64]
	dim     int
	idMap   map[int64]uint64 // point id -> graph key
	keyMap  map[uint64]int64 // graph key -> point id
	nextKey uint64
	payload map[int64]map[string]any
	vectors map[int64][]float32

	closed bool
}

type localMeta struct {
	Dim     int
	IDMap   map[int64]uint64
	NextKey uint64
}

// NewLocalStore opens (or initializes) the embedded store in dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector dir %s: %w", dir, err)
	}
	s := &LocalStore{
		dir:     dir,
		idMap:   make(map[int64]uint64),
		keyMap:  make(map[uint64]int64),
		payload: make(map[int64]map[string]any),
		vectors: make(map[int64][]float32),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ VectorStore = (*LocalStore)(nil)

func (s *LocalStore) graphPath() string   { return filepath.Join(s.dir, "graph.hnsw") }
func (s *LocalStore) metaPath() string    { return filepath.Join(s.dir, "graph.hnsw.meta") }
func (s *LocalStore) payloadPath() string { return filepath.Join(s.dir, "payloads.json") }

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 64
	g.Ml = 0.25
	return g
}

// EnsureCollection creates the collection when missing. A dimension change
// on an existing collection is an error; callers recreate explicitly.
func (s *LocalStore) EnsureCollection(_ context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("local store is closed")
	}
	if s.graph == nil {
		s.graph = newGraph()
		s.dim = dim
		return s.persistLocked()
	}
	if s.dim != dim {
		return fmt.Errorf("collection dimension is %d, requested %d", s.dim, dim)
	}
	return nil
}

// GetDimension returns the collection dimension, 0 when uninitialized.
func (s *LocalStore) GetDimension(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.graph == nil {
		return 0, nil
	}
	return s.dim, nil
}

// RecreateCollection drops all points and starts over at the given dimension.
func (s *LocalStore) RecreateCollection(_ context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("local store is closed")
	}
	s.graph = newGraph()
	s.dim = dim
	s.idMap = make(map[int64]uint64)
	s.keyMap = make(map[uint64]int64)
	s.nextKey = 0
	s.payload = make(map[int64]map[string]any)
	s.vectors = make(map[int64][]float32)
	return s.persistLocked()
}

// Count returns the exact number of live points.
func (s *LocalStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("local store is closed")
	}
	return len(s.idMap), nil
}

// UpsertPoints inserts or replaces points.
func (s *LocalStore) UpsertPoints(_ context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("local store is closed")
	}
	if s.graph == nil {
		return fmt.Errorf("collection does not exist")
	}
	for _, p := range points {
		if len(p.Vector) != s.dim {
			return fmt.Errorf("vector dimension %d does not match collection %d", len(p.Vector), s.dim)
		}
	}
	for _, p := range points {
		if oldKey, exists := s.idMap[p.ID]; exists {
			delete(s.keyMap, oldKey)
		}
		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		NormalizeVector(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[p.ID] = key
		s.keyMap[key] = p.ID
		s.vectors[p.ID] = vec
		s.payload[p.ID] = p.Payload
	}
	return s.persistLocked()
}

// Search returns the closest live points by cosine similarity.
func (s *LocalStore) Search(_ context.Context, vector []float32, limit int, threshold *float64) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("local store is closed")
	}
	if s.graph == nil || len(s.idMap) == 0 || limit <= 0 {
		return []SearchHit{}, nil
	}
	if len(vector) != s.dim {
		return nil, fmt.Errorf("query dimension %d does not match collection %d", len(vector), s.dim)
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	NormalizeVector(query)

	// Oversample past lazily deleted graph nodes.
	orphans := s.graph.Len() - len(s.idMap)
	nodes := s.graph.Search(query, limit+orphans)

	hits := make([]SearchHit, 0, limit)
	for _, node := range nodes {
		id, live := s.keyMap[node.Key]
		if !live {
			continue
		}
		score := CosineSimilarity(query, node.Value)
		if threshold != nil && score < *threshold {
			continue
		}
		hits = append(hits, SearchHit{ID: id, Score: score, Payload: s.payload[id]})
		if len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// SetPayload rewrites the payload of a live point.
func (s *LocalStore) SetPayload(_ context.Context, id int64, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("local store is closed")
	}
	if _, exists := s.idMap[id]; !exists {
		return fmt.Errorf("point %d not found", id)
	}
	s.payload[id] = payload
	return s.persistLocked()
}

// DeletePoints lazily removes points by id.
func (s *LocalStore) DeletePoints(_ context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("local store is closed")
	}
	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.payload, id)
			delete(s.vectors, id)
		}
	}
	return s.persistLocked()
}

// ScrollAll pages through live points in ascending id order. The offset is
// the id to start from (nil means the beginning); the returned next offset
// is the first id of the following page, or nil at the end.
func (s *LocalStore) ScrollAll(_ context.Context, offset any, limit int) ([]Point, any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, fmt.Errorf("local store is closed")
	}
	if limit <= 0 {
		limit = 100
	}
	var from int64
	if offset != nil {
		id, ok := int64Extra(offset)
		if !ok {
			return nil, nil, fmt.Errorf("invalid scroll offset %v", offset)
		}
		from = id
	}

	ids := make([]int64, 0, len(s.idMap))
	for id := range s.idMap {
		if id >= from {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var next any
	if len(ids) > limit {
		next = ids[limit]
		ids = ids[:limit]
	}
	points := make([]Point, 0, len(ids))
	for _, id := range ids {
		points = append(points, Point{ID: id, Payload: s.payload[id]})
	}
	return points, next, nil
}

// Close persists and releases the store.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var err error
	if s.graph != nil {
		err = s.persistLocked()
	}
	s.closed = true
	s.graph = nil
	return err
}

// persistLocked writes graph, id mappings, and payloads to disk.
// Callers hold the write lock.
func (s *LocalStore) persistLocked() error {
	tmp := s.graphPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create graph file: %w", err)
	}
	if err := s.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close graph file: %w", err)
	}
	if err := os.Rename(tmp, s.graphPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename graph file: %w", err)
	}

	metaTmp := s.metaPath() + ".tmp"
	mf, err := os.Create(metaTmp)
	if err != nil {
		return fmt.Errorf("create meta file: %w", err)
	}
	meta := localMeta{Dim: s.dim, IDMap: s.idMap, NextKey: s.nextKey}
	if err := gob.NewEncoder(mf).Encode(meta); err != nil {
		mf.Close()
		os.Remove(metaTmp)
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := mf.Close(); err != nil {
		os.Remove(metaTmp)
		return fmt.Errorf("close meta file: %w", err)
	}
	if err := os.Rename(metaTmp, s.metaPath()); err != nil {
		os.Remove(metaTmp)
		return fmt.Errorf("rename meta file: %w", err)
	}

	type payloadFile struct {
		Payloads map[int64]map[string]any `json:"payloads"`
		Vectors  map[int64][]float32      `json:"vectors"`
	}
	data, err := json.Marshal(payloadFile{Payloads: s.payload, Vectors: s.vectors})
	if err != nil {
		return fmt.Errorf("marshal payloads: %w", err)
	}
	return writeFileAtomic(s.payloadPath(), data)
}

// load restores a persisted store, if one exists.
func (s *LocalStore) load() error {
	mf, err := os.Open(s.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open meta file: %w", err)
	}
	defer mf.Close()

	var meta localMeta
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return fmt.Errorf("decode meta: %w", err)
	}
	s.dim = meta.Dim
	s.idMap = meta.IDMap
	s.nextKey = meta.NextKey
	s.keyMap = make(map[uint64]int64, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}

	gf, err := os.Open(s.graphPath())
	if err != nil {
		return fmt.Errorf("open graph file: %w", err)
	}
	defer gf.Close()
	s.graph = newGraph()
	// hnsw Import needs an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(gf)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	data, err := os.ReadFile(s.payloadPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read payloads: %w", err)
	}
	var pf struct {
		Payloads map[int64]map[string]any `json:"payloads"`
		Vectors  map[int64][]float32      `json:"vectors"`
	}
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse payloads: %w", err)
	}
	if pf.Payloads != nil {
		s.payload = pf.Payloads
	}
	if pf.Vectors != nil {
		s.vectors = pf.Vectors
	}
	return nil
}

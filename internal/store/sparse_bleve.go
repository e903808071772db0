package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
)

// BleveSparseIndex is the bleve-backed sparse scorer. Each rebuild creates a
// fresh MemOnly index; document IDs are corpus positions in decimal.
type BleveSparseIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	count  int
	closed bool
}

var _ SparseIndex = (*BleveSparseIndex)(nil)

type bleveSparseDoc struct {
	Content string `json:"content"`
}

// NewBleveSparseIndex creates an empty in-memory index.
func NewBleveSparseIndex() (*BleveSparseIndex, error) {
	idx, err := newBleveMemIndex()
	if err != nil {
		return nil, err
	}
	return &BleveSparseIndex{index: idx}, nil
}

func newBleveMemIndex() (bleve.Index, error) {
	mapping := bleve.NewIndexMapping()
	mapping.DefaultAnalyzer = "standard"
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return idx, nil
}

// Rebuild swaps in a freshly built index.
func (b *BleveSparseIndex) Rebuild(ctx context.Context, docs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("sparse index is closed")
	}

	fresh, err := newBleveMemIndex()
	if err != nil {
		return err
	}
	batch := fresh.NewBatch()
	for pos, doc := range docs {
		content := strings.Join(Tokenize(doc), " ")
		if err := batch.Index(strconv.Itoa(pos), bleveSparseDoc{Content: content}); err != nil {
			_ = fresh.Close()
			return fmt.Errorf("index position %d: %w", pos, err)
		}
	}
	if err := fresh.Batch(batch); err != nil {
		_ = fresh.Close()
		return fmt.Errorf("execute batch: %w", err)
	}

	old := b.index
	b.index = fresh
	b.count = len(docs)
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Scores maps bleve hit scores back onto corpus positions.
func (b *BleveSparseIndex) Scores(ctx context.Context, queryTokens []string) ([]float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("sparse index is closed")
	}

	scores := make([]float64, b.count)
	if b.count == 0 || len(queryTokens) == 0 {
		return scores, nil
	}

	query := bleve.NewMatchQuery(strings.Join(queryTokens, " "))
	query.SetField("content")
	req := bleve.NewSearchRequest(query)
	req.Size = b.count

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sparse query: %w", err)
	}
	for _, hit := range result.Hits {
		pos, err := strconv.Atoi(hit.ID)
		if err != nil || pos < 0 || pos >= len(scores) {
			continue
		}
		scores[pos] = hit.Score
	}
	return scores, nil
}

// Len returns the corpus size.
func (b *BleveSparseIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Close closes the current index. Idempotent.
func (b *BleveSparseIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

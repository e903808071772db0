package store

import (
	"context"
	"fmt"
	"strings"
)

// SparseIndex is the lexical retrieval backend. The corpus is positional:
// document i corresponds to metadata position i, and Scores returns one
// score per position (0 for positions the query does not match). The index
// is rebuilt in full after any text-mutating write.
type SparseIndex interface {
	// Rebuild replaces the corpus. An empty docs slice empties the index.
	Rebuild(ctx context.Context, docs []string) error

	// Scores returns the BM25 score for each corpus position given the
	// pre-tokenized query. Higher is better; unmatched positions score 0.
	Scores(ctx context.Context, queryTokens []string) ([]float64, error)

	// Len returns the number of indexed documents.
	Len() int

	Close() error
}

// Sparse backend names accepted by NewSparseIndex.
const (
	SparseBackendSQLite = "sqlite"
	SparseBackendBleve  = "bleve"
)

// NewSparseIndex builds the configured sparse backend. An empty backend
// name selects SQLite FTS5.
func NewSparseIndex(backend string) (SparseIndex, error) {
	switch backend {
	case "", SparseBackendSQLite:
		return NewSQLiteSparseIndex()
	case SparseBackendBleve:
		return NewBleveSparseIndex()
	default:
		return nil, fmt.Errorf("unknown sparse backend %q", backend)
	}
}

// Tokenize lowercases text and splits it on whitespace. Both the corpus
// and queries go through this so term matching is consistent.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

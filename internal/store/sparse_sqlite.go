package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO
)

// SQLiteSparseIndex scores the corpus with SQLite FTS5 bm25(). The table
// lives in memory and is dropped and refilled on every rebuild, which keeps
// it trivially consistent with the metadata log.
type SQLiteSparseIndex struct {
	mu     sync.RWMutex
	db     *sql.DB
	count  int
	closed bool
}

var _ SparseIndex = (*SQLiteSparseIndex)(nil)

// NewSQLiteSparseIndex opens an in-memory FTS5 index.
func NewSQLiteSparseIndex() (*SQLiteSparseIndex, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps the in-memory database alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA synchronous = OFF",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	idx := &SQLiteSparseIndex{db: db}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteSparseIndex) initSchema() error {
	// pos is the corpus position, stored but not searchable.
	schema := `
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_mem USING fts5(
		pos UNINDEXED,
		content,
		tokenize='unicode61'
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create fts5 table: %w", err)
	}
	return nil
}

// Rebuild replaces the whole corpus inside one transaction.
func (s *SQLiteSparseIndex) Rebuild(ctx context.Context, docs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sparse index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fts_mem`); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}

	insert, err := tx.PrepareContext(ctx, `INSERT INTO fts_mem(pos, content) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	for pos, doc := range docs {
		content := strings.Join(Tokenize(doc), " ")
		if _, err := insert.ExecContext(ctx, pos, content); err != nil {
			return fmt.Errorf("index position %d: %w", pos, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	s.count = len(docs)
	return nil
}

// Scores runs an OR query over the terms and maps the negated bm25()
// scores back onto corpus positions.
func (s *SQLiteSparseIndex) Scores(ctx context.Context, queryTokens []string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("sparse index is closed")
	}

	scores := make([]float64, s.count)
	if s.count == 0 || len(queryTokens) == 0 {
		return scores, nil
	}

	// Quote each term so punctuation cannot reach the FTS5 query parser.
	parts := make([]string, 0, len(queryTokens))
	for _, tok := range queryTokens {
		tok = strings.ReplaceAll(tok, `"`, `""`)
		if tok == "" {
			continue
		}
		parts = append(parts, `"`+tok+`"`)
	}
	if len(parts) == 0 {
		return scores, nil
	}
	match := strings.Join(parts, " OR ")

	rows, err := s.db.QueryContext(ctx,
		`SELECT pos, bm25(fts_mem) FROM fts_mem WHERE content MATCH ?`, match)
	if err != nil {
		// Invalid match expressions score nothing rather than failing the
		// whole search.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return scores, nil
		}
		return nil, fmt.Errorf("sparse query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pos int
		var score float64
		if err := rows.Scan(&pos, &score); err != nil {
			return nil, fmt.Errorf("scan sparse result: %w", err)
		}
		if pos < 0 || pos >= len(scores) {
			continue
		}
		// bm25() returns negative values, lower is better.
		scores[pos] = -score
	}
	return scores, rows.Err()
}

// Len returns the corpus size.
func (s *SQLiteSparseIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Close closes the underlying database. Idempotent.
func (s *SQLiteSparseIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Package mcpserver exposes the memory engine over the Model Context
// Protocol so AI clients can search, store, and browse memories without
// the HTTP surface.
package mcpserver

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/engine"
	"github.com/recallbox/memoryd/pkg/version"
)

// Server bridges MCP clients to the memory engine over stdio.
type Server struct {
	mcp    *mcp.Server
	engine *engine.Engine
}

// SearchInput is the memory_search tool input.
type SearchInput struct {
	Query     string   `json:"query" jsonschema:"the search query to execute"`
	K         int      `json:"k,omitempty" jsonschema:"maximum number of results, default 5"`
	Threshold *float64 `json:"threshold,omitempty" jsonschema:"minimum cosine similarity for dense-scored results"`
	Source    string   `json:"source,omitempty" jsonschema:"only return memories whose source starts with this prefix"`
}

// SearchResult is one memory_search hit.
type SearchResult struct {
	ID         int64    `json:"id" jsonschema:"memory id"`
	Text       string   `json:"text" jsonschema:"memory text"`
	Source     string   `json:"source" jsonschema:"origin path or label"`
	Similarity *float64 `json:"similarity,omitempty" jsonschema:"cosine similarity when the dense leg scored this hit"`
	RRFScore   *float64 `json:"rrf_score,omitempty" jsonschema:"weighted reciprocal rank fusion score"`
	CreatedAt  string   `json:"created_at" jsonschema:"creation timestamp"`
}

// SearchOutput is the memory_search tool output.
type SearchOutput struct {
	Results []SearchResult `json:"results" jsonschema:"ranked search results"`
}

// AddInput is the memory_add tool input.
type AddInput struct {
	Text        string         `json:"text" jsonschema:"the memory text to store"`
	Source      string         `json:"source" jsonschema:"origin path or label, e.g. project/notes"`
	Metadata    map[string]any `json:"metadata,omitempty" jsonschema:"extra metadata keys stored with the memory"`
	Deduplicate bool           `json:"deduplicate,omitempty" jsonschema:"skip storing when a near-duplicate exists"`
}

// AddOutput is the memory_add tool output.
type AddOutput struct {
	ID      *int64 `json:"id,omitempty" jsonschema:"new memory id; absent when deduplication skipped the text"`
	Stored  bool   `json:"stored" jsonschema:"whether the text was stored"`
	Message string `json:"message" jsonschema:"human-readable outcome"`
}

// ListInput is the memory_list tool input.
type ListInput struct {
	Source string `json:"source,omitempty" jsonschema:"only list memories whose source starts with this prefix"`
	Limit  int    `json:"limit,omitempty" jsonschema:"page size, default 20"`
	Offset int    `json:"offset,omitempty" jsonschema:"page offset"`
}

// ListOutput is the memory_list tool output.
type ListOutput struct {
	Memories []SearchResult `json:"memories" jsonschema:"one page of stored memories"`
	Total    int            `json:"total" jsonschema:"total memories matching the filter"`
}

// New builds the MCP server around an open engine.
func New(e *engine.Engine) (*Server, error) {
	if e == nil {
		return nil, apperr.InvalidArgument("engine is required", nil)
	}
	s := &Server{
		engine: e,
		mcp: mcp.NewServer(
			&mcp.Implementation{Name: "memoryd", Version: version.Version},
			nil,
		),
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_search",
		Description: "Search stored memories with hybrid retrieval: semantic similarity fused with BM25 keyword matching. Use this to recall facts, decisions, and context from earlier sessions.",
	}, s.searchHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_add",
		Description: "Store a new memory. Use short, self-contained statements; set deduplicate to avoid storing near-duplicates of existing memories.",
	}, s.addHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_list",
		Description: "Browse stored memories page by page, optionally filtered by source. Use this to review what is already known before adding more.",
	}, s.listHandler)

	slog.Info("mcp tools registered", slog.Int("count", 3))
}

func (s *Server) searchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	if input.Query == "" {
		return nil, SearchOutput{}, apperr.InvalidArgument("query is required", nil)
	}
	k := input.K
	if k <= 0 {
		k = 5
	}

	hits, err := s.engine.HybridSearch(ctx, input.Query, k, input.Threshold, input.Source)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	out := SearchOutput{Results: make([]SearchResult, 0, len(hits))}
	for _, h := range hits {
		out.Results = append(out.Results, SearchResult{
			ID:         h.Record.ID,
			Text:       h.Record.Text,
			Source:     h.Record.Source,
			Similarity: h.Similarity,
			RRFScore:   h.RRFScore,
			CreatedAt:  h.Record.CreatedAt,
		})
	}
	return nil, out, nil
}

func (s *Server) addHandler(ctx context.Context, _ *mcp.CallToolRequest, input AddInput) (
	*mcp.CallToolResult,
	AddOutput,
	error,
) {
	if input.Text == "" {
		return nil, AddOutput{}, apperr.InvalidArgument("text is required", nil)
	}

	var metas []map[string]any
	if input.Metadata != nil {
		metas = []map[string]any{input.Metadata}
	}
	ids, err := s.engine.Add(ctx,
		[]string{input.Text}, []string{input.Source}, metas,
		input.Deduplicate, 0)
	if err != nil {
		return nil, AddOutput{}, err
	}

	if len(ids) == 0 {
		return nil, AddOutput{Stored: false, Message: "duplicate skipped"}, nil
	}
	return nil, AddOutput{ID: &ids[0], Stored: true, Message: "memory stored"}, nil
}

func (s *Server) listHandler(ctx context.Context, _ *mcp.CallToolRequest, input ListInput) (
	*mcp.CallToolResult,
	ListOutput,
	error,
) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}

	records, total, err := s.engine.ListMemories(input.Source, limit, input.Offset)
	if err != nil {
		return nil, ListOutput{}, err
	}

	out := ListOutput{
		Memories: make([]SearchResult, 0, len(records)),
		Total:    total,
	}
	for _, rec := range records {
		out.Memories = append(out.Memories, SearchResult{
			ID:        rec.ID,
			Text:      rec.Text,
			Source:    rec.Source,
			CreatedAt: rec.CreatedAt,
		})
	}
	return nil, out, nil
}

// Serve runs the stdio transport until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	slog.Info("mcp server starting", slog.String("transport", "stdio"))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && err != context.Canceled {
		slog.Error("mcp server stopped", slog.String("error", err.Error()))
		return err
	}
	slog.Info("mcp server stopped")
	return nil
}

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/engine"
)

type searchRequest struct {
	Query     string   `json:"query"`
	K         int      `json:"k"`
	Threshold *float64 `json:"threshold"`
	// Hybrid defaults to true; false falls back to dense-only retrieval.
	Hybrid *bool `json:"hybrid"`
	// Source restricts results to memories whose source starts with it.
	Source string `json:"source"`
}

func (s *Server) runSearch(c *gin.Context, req searchRequest) ([]engine.Hit, error) {
	if req.Hybrid != nil && !*req.Hybrid {
		return s.engine.Search(c.Request.Context(), req.Query, req.K, req.Threshold, req.Source)
	}
	return s.engine.HybridSearch(c.Request.Context(), req.Query, req.K, req.Threshold, req.Source)
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if !bindJSON(c, &req) {
		return
	}

	hits, err := s.runSearch(c, req)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("search", req.Source, 1)

	c.JSON(http.StatusOK, gin.H{
		"query":   req.Query,
		"results": hitBodies(hits),
		"count":   len(hits),
	})
}

type searchBatchRequest struct {
	Queries   []string `json:"queries"`
	K         int      `json:"k"`
	Threshold *float64 `json:"threshold"`
	Hybrid    *bool    `json:"hybrid"`
	Source    string   `json:"source"`
}

func (s *Server) handleSearchBatch(c *gin.Context) {
	var req searchBatchRequest
	if !bindJSON(c, &req) {
		return
	}
	if len(req.Queries) == 0 {
		fail(c, apperr.InvalidArgument("queries is empty", nil))
		return
	}

	results := make([]gin.H, 0, len(req.Queries))
	for _, query := range req.Queries {
		hits, err := s.runSearch(c, searchRequest{
			Query:     query,
			K:         req.K,
			Threshold: req.Threshold,
			Hybrid:    req.Hybrid,
			Source:    req.Source,
		})
		if err != nil {
			fail(c, err)
			return
		}
		results = append(results, gin.H{
			"query":   query,
			"results": hitBodies(hits),
			"count":   len(hits),
		})
	}
	s.tracker.LogAPIEvent("search", req.Source, len(req.Queries))

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/engine"
)

type addRequest struct {
	Text           string         `json:"text"`
	Source         string         `json:"source"`
	Metadata       map[string]any `json:"metadata"`
	Deduplicate    bool           `json:"deduplicate"`
	DedupThreshold float64        `json:"dedup_threshold"`
}

func (s *Server) handleAdd(c *gin.Context) {
	var req addRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Text == "" {
		fail(c, apperr.InvalidArgument("text is empty", nil))
		return
	}

	var metas []map[string]any
	if req.Metadata != nil {
		metas = []map[string]any{req.Metadata}
	}
	ids, err := s.engine.Add(c.Request.Context(),
		[]string{req.Text}, []string{req.Source}, metas,
		req.Deduplicate, req.DedupThreshold)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("add", req.Source, len(ids))

	body := gin.H{"success": true, "message": "memory added"}
	if len(ids) > 0 {
		body["id"] = ids[0]
	} else {
		// Deduplication swallowed the text.
		body["id"] = nil
		body["message"] = "duplicate skipped"
	}
	c.JSON(http.StatusOK, body)
}

type addBatchRequest struct {
	Texts          []string         `json:"texts"`
	Sources        []string         `json:"sources"`
	Metadatas      []map[string]any `json:"metadatas"`
	Deduplicate    bool             `json:"deduplicate"`
	DedupThreshold float64          `json:"dedup_threshold"`
}

func (s *Server) handleAddBatch(c *gin.Context) {
	var req addBatchRequest
	if !bindJSON(c, &req) {
		return
	}

	ids, err := s.engine.Add(c.Request.Context(),
		req.Texts, req.Sources, req.Metadatas,
		req.Deduplicate, req.DedupThreshold)
	if err != nil {
		fail(c, err)
		return
	}
	source := ""
	if len(req.Sources) > 0 {
		source = req.Sources[0]
	}
	s.tracker.LogAPIEvent("add", source, len(ids))

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"ids":     ids,
		"count":   len(ids),
		"message": fmt.Sprintf("added %d memories", len(ids)),
	})
}

type upsertRequest struct {
	Text     string         `json:"text"`
	Source   string         `json:"source"`
	Key      string         `json:"key"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleUpsert(c *gin.Context) {
	var req upsertRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := s.engine.Upsert(c.Request.Context(), req.Text, req.Source, req.Key, req.Metadata)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("upsert", req.Source, 1)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"id":      res.ID,
		"action":  res.Action,
	})
}

type upsertBatchRequest struct {
	Items []upsertRequest `json:"items"`
}

func (s *Server) handleUpsertBatch(c *gin.Context) {
	var req upsertBatchRequest
	if !bindJSON(c, &req) {
		return
	}
	if len(req.Items) == 0 {
		fail(c, apperr.InvalidArgument("items is empty", nil))
		return
	}

	results := make([]engine.UpsertResult, 0, len(req.Items))
	for _, item := range req.Items {
		res, err := s.engine.Upsert(c.Request.Context(), item.Text, item.Source, item.Key, item.Metadata)
		if err != nil {
			fail(c, err)
			return
		}
		results = append(results, res)
	}
	s.tracker.LogAPIEvent("upsert", req.Items[0].Source, len(req.Items))

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"results": results,
		"count":   len(results),
	})
}

type isNovelRequest struct {
	Text      string  `json:"text"`
	Threshold float64 `json:"threshold"`
}

func (s *Server) handleIsNovel(c *gin.Context) {
	var req isNovelRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Text == "" {
		fail(c, apperr.InvalidArgument("text is empty", nil))
		return
	}

	novel, best, err := s.engine.IsNovel(c.Request.Context(), req.Text, req.Threshold)
	if err != nil {
		fail(c, err)
		return
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = s.cfg.Search.NoveltyThreshold
	}

	c.JSON(http.StatusOK, gin.H{
		"is_novel":     novel,
		"threshold":    threshold,
		"most_similar": best,
	})
}

func (s *Server) handleGet(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rec, err := s.engine.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec.Payload())
}

type idsRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleGetBatch(c *gin.Context) {
	var req idsRequest
	if !bindJSON(c, &req) {
		return
	}

	records, err := s.engine.GetBatch(c.Request.Context(), req.IDs)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]map[string]any, len(records))
	for i := range records {
		out[i] = records[i].Payload()
	}
	c.JSON(http.StatusOK, gin.H{"memories": out, "count": len(out)})
}

type updateRequest struct {
	Text     *string        `json:"text"`
	Source   *string        `json:"source"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleUpdate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Text == nil && req.Source == nil && len(req.Metadata) == 0 {
		fail(c, apperr.InvalidArgument("nothing to update", nil))
		return
	}

	rec, err := s.engine.Update(c.Request.Context(), id, req.Text, req.Source, req.Metadata)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("update", rec.Source, 1)
	c.JSON(http.StatusOK, gin.H{"success": true, "memory": rec.Payload()})
}

func (s *Server) handleDelete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.engine.Delete(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("delete", "", 1)
	c.JSON(http.StatusOK, gin.H{"success": true, "id": id, "message": "memory deleted"})
}

func (s *Server) handleDeleteBatch(c *gin.Context) {
	var req idsRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := s.engine.DeleteBatch(c.Request.Context(), req.IDs)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("delete", "", len(res.Deleted))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"deleted": res.Deleted,
		"missing": res.Missing,
		"count":   len(res.Deleted),
	})
}

type deleteBySourceRequest struct {
	Source string `json:"source"`
	Prefix string `json:"prefix"`
}

func (s *Server) handleDeleteBySource(c *gin.Context) {
	var req deleteBySourceRequest
	if !bindJSON(c, &req) {
		return
	}
	ids, err := s.engine.DeleteBySource(c.Request.Context(), req.Source)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("delete", req.Source, len(ids))
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": ids, "count": len(ids)})
}

func (s *Server) handleDeleteByPrefix(c *gin.Context) {
	var req deleteBySourceRequest
	if !bindJSON(c, &req) {
		return
	}
	ids, err := s.engine.DeleteByPrefix(c.Request.Context(), req.Prefix)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("delete", req.Prefix, len(ids))
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": ids, "count": len(ids)})
}

type supersedeRequest struct {
	OldID   int64  `json:"old_id"`
	NewText string `json:"new_text"`
	Source  string `json:"source"`
}

func (s *Server) handleSupersede(c *gin.Context) {
	var req supersedeRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.NewText == "" {
		fail(c, apperr.InvalidArgument("new_text is empty", nil))
		return
	}

	rec, err := s.engine.Supersede(c.Request.Context(), req.OldID, req.NewText, req.Source)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("supersede", req.Source, 1)
	c.JSON(http.StatusOK, gin.H{"success": true, "memory": rec.Payload()})
}

type deduplicateRequest struct {
	Threshold float64 `json:"threshold"`
	DryRun    bool    `json:"dry_run"`
}

func (s *Server) handleDeduplicate(c *gin.Context) {
	var req deduplicateRequest
	if !bindJSONOptional(c, &req) {
		return
	}

	res, err := s.engine.Deduplicate(c.Request.Context(), req.Threshold, req.DryRun)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("deduplicate", "", len(res.Removed))
	c.JSON(http.StatusOK, res)
}

type consolidateRequest struct {
	SourcePrefix string `json:"source_prefix"`
	DryRun       bool   `json:"dry_run"`
}

func (s *Server) handleConsolidate(c *gin.Context) {
	if s.consol == nil {
		fail(c, apperr.FailedPrecondition("consolidation is not configured", nil))
		return
	}
	var req consolidateRequest
	if !bindJSONOptional(c, &req) {
		return
	}

	report, err := s.consol.Run(c.Request.Context(), req.SourcePrefix, req.DryRun)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("consolidate", req.SourcePrefix, 1)
	c.JSON(http.StatusOK, report)
}

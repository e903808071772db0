package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recallbox/memoryd/internal/apperr"
)

type extractRequest struct {
	Messages string `json:"messages"`
	Source   string `json:"source"`
	Context  string `json:"context"`
}

// handleExtract enqueues an extraction job and returns 202 with the URL to
// poll. A full queue surfaces the retry hint as both a header and a body
// field.
func (s *Server) handleExtract(c *gin.Context) {
	if s.queue == nil {
		fail(c, apperr.FailedPrecondition("extraction is not configured", nil))
		return
	}
	var req extractRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Messages == "" {
		fail(c, apperr.InvalidArgument("messages is empty", nil))
		return
	}

	job, err := s.queue.Submit(req.Messages, req.Source, req.Context)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("extract", req.Source, 1)

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     job.ID,
		"status":     job.Status,
		"status_url": "/memory/extract/" + job.ID,
	})
}

func (s *Server) handleExtractJob(c *gin.Context) {
	if s.queue == nil {
		fail(c, apperr.FailedPrecondition("extraction is not configured", nil))
		return
	}
	job, ok := s.queue.Get(c.Param("id"))
	if !ok {
		fail(c, apperr.NotFound("extraction job not found", nil))
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleExtractStatus(c *gin.Context) {
	if s.queue == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}

	depth := s.queue.Depth()
	capacity := s.cfg.Extraction.QueueMax
	remaining := capacity - depth
	if remaining < 0 {
		remaining = 0
	}

	body := gin.H{
		"enabled":         true,
		"queue_depth":     depth,
		"queue_max":       capacity,
		"queue_remaining": remaining,
		"jobs":            s.queue.Counts(),
	}
	if p := s.queue.Pipeline().Provider(); p != nil {
		body["provider"] = gin.H{
			"name":          p.Name(),
			"model":         p.Model(),
			"supports_audn": p.SupportsAUDN(),
		}
	}
	c.JSON(http.StatusOK, body)
}

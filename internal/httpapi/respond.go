package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/engine"
)

// fail maps an error to its HTTP response. Server faults log the full
// chain but the body only carries the sanitized client message.
// ResourceExhausted responses set Retry-After and put the hint in the body
// so clients without header access can still back off.
func fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("request_id", c.GetString(requestIDKey)),
			slog.String("error", err.Error()))
	}

	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind == apperr.KindResourceExhausted {
		retry := ae.RetryAfter
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(status, gin.H{
			"detail": gin.H{
				"message":         apperr.ClientMessage(err),
				"retry_after_sec": retry,
			},
		})
		return
	}

	c.AbortWithStatusJSON(status, gin.H{"detail": apperr.ClientMessage(err)})
}

// bindJSON decodes the request body, turning malformed input into a 400.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, apperr.InvalidArgument("invalid request body", err))
		return false
	}
	return true
}

// bindJSONOptional decodes the request body when one is present; an empty
// body leaves dst at its zero value.
func bindJSONOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, dst)
}

// pathID parses the :id path parameter.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, apperr.InvalidArgument("invalid memory id", err))
		return 0, false
	}
	return id, true
}

// hitBody flattens one retrieval hit into the wire shape: the record's
// payload plus its scores.
func hitBody(h engine.Hit) map[string]any {
	body := h.Record.Payload()
	if h.Similarity != nil {
		body["similarity"] = *h.Similarity
	}
	if h.RRFScore != nil {
		body["rrf_score"] = *h.RRFScore
	}
	return body
}

func hitBodies(hits []engine.Hit) []map[string]any {
	out := make([]map[string]any, len(hits))
	for i, h := range hits {
		out[i] = hitBody(h)
	}
	return out
}

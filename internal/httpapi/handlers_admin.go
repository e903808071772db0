package httpapi

import (
	"crypto/subtle"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/telemetry"
)

// handleHealth answers liveness probes. Unauthenticated callers get the
// minimal body; a valid key adds store identity fields.
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":  "ok",
		"service": "memoryd",
		"version": s.version,
	}
	if s.authorized(c) {
		stats := s.engine.StatsLight()
		body["total_memories"] = stats.TotalMemories
		body["dimension"] = stats.Dimension
		body["model"] = stats.Model
	}
	c.JSON(http.StatusOK, body)
}

// authorized reports whether the request may see privileged fields: either
// no key is configured, or the caller presented the right one.
func (s *Server) authorized(c *gin.Context) bool {
	key := s.cfg.Server.APIKey
	if key == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presentedKey(c)), []byte(key)) == 1
}

// handleReady answers readiness probes with a vector-store round trip.
func (s *Server) handleReady(c *gin.Context) {
	stats, err := s.engine.Stats(c.Request.Context())
	if err != nil || !stats.Ready {
		body := gin.H{"ready": false}
		if err == nil {
			body["qdrant_count"] = stats.TotalMemories
			body["metadata_count"] = stats.MetadataCount
		}
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ready":          true,
		"qdrant_count":   stats.TotalMemories,
		"metadata_count": stats.MetadataCount,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.engine.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_memories":  stats.TotalMemories,
		"metadata_count":  stats.MetadataCount,
		"dimension":       stats.Dimension,
		"model":           stats.Model,
		"embed_provider":  stats.EmbedProvider,
		"storage_backend": stats.StorageBackend,
		"sparse_indexed":  stats.SparseIndexed,
		"created_at":      stats.CreatedAt,
		"last_updated":    stats.LastUpdated,
		"ready":           stats.Ready,
		"index_stale":     s.indexStale(),
	})
}

func (s *Server) indexStale() bool {
	return s.stale != nil && s.stale()
}

// handleMetrics composes the operational report: request metrics, queue
// pressure, memory counts and process RSS, plus governor counters when the
// governor is running.
func (s *Server) handleMetrics(c *gin.Context) {
	snap := s.metrics.Snapshot()

	queueDepth, queueMax := 0, 0
	if s.queue != nil {
		queueDepth = s.queue.Depth()
		queueMax = s.cfg.Extraction.QueueMax
	}
	queueRemaining := queueMax - queueDepth
	if queueRemaining < 0 {
		queueRemaining = 0
	}

	total := s.engine.CountMemories()
	body := gin.H{
		"uptime_sec": snap.UptimeSec,
		"requests":   snap.Requests,
		"routes":     snap.Routes,
		"extract": gin.H{
			"queue_depth":     queueDepth,
			"queue_max":       queueMax,
			"queue_remaining": queueRemaining,
		},
		"memory": gin.H{
			"current_total": total,
			"trend":         s.trend.Observe(total),
			"process":       telemetry.ReadProcessStats(),
		},
	}
	if s.governor != nil {
		body["reload"] = s.governor.ReloadStats()
		body["trim"] = s.governor.Trimmer().Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleUsage(c *gin.Context) {
	period := c.DefaultQuery("period", "7d")
	report, err := s.tracker.GetUsage(period)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleListMemories(c *gin.Context) {
	offset := intQuery(c, "offset", 0)
	limit := intQuery(c, "limit", 50)
	source := c.Query("source")

	records, total, err := s.engine.ListMemories(source, limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]map[string]any, len(records))
	for i := range records {
		out[i] = records[i].Payload()
	}
	c.JSON(http.StatusOK, gin.H{
		"memories": out,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

func (s *Server) handleListFolders(c *gin.Context) {
	folders := s.engine.ListFolders()
	c.JSON(http.StatusOK, gin.H{"folders": folders, "count": len(folders)})
}

type renameFolderRequest struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

func (s *Server) handleRenameFolder(c *gin.Context) {
	var req renameFolderRequest
	if !bindJSON(c, &req) {
		return
	}
	moved, err := s.engine.RenameFolder(c.Request.Context(), req.OldName, req.NewName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "moved": moved})
}

type buildIndexRequest struct {
	Sources []string `json:"sources"`
}

// handleBuildIndex rebuilds the whole index from workspace markdown.
// Relative sources resolve against the workspace directory; absent sources
// fall back to the default workspace layout.
func (s *Server) handleBuildIndex(c *gin.Context) {
	var req buildIndexRequest
	if !bindJSONOptional(c, &req) {
		return
	}

	paths := make([]string, 0, len(req.Sources))
	for _, src := range req.Sources {
		if !filepath.IsAbs(src) {
			src = filepath.Join(s.cfg.Paths.WorkspaceDir, src)
		}
		paths = append(paths, src)
	}

	chunks, err := s.engine.BuildIndexFromWorkspace(c.Request.Context(), paths)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("index_build", "", chunks)
	if s.rebuilt != nil {
		s.rebuilt()
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"chunks":  chunks,
		"message": "index rebuilt",
	})
}

func (s *Server) handleListBackups(c *gin.Context) {
	backups, err := s.engine.Snapshots().List()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": backups, "count": len(backups)})
}

func (s *Server) handleCreateBackup(c *gin.Context) {
	prefix := c.DefaultQuery("prefix", "manual")
	name, err := s.engine.Snapshots().Create(c.Request.Context(), prefix)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("backup", "", 1)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"name":    name,
		"message": "backup created",
	})
}

type restoreRequest struct {
	BackupName string `json:"backup_name"`
}

func (s *Server) handleRestore(c *gin.Context) {
	var req restoreRequest
	if !bindJSON(c, &req) {
		return
	}

	count, err := s.engine.Restore(c.Request.Context(), req.BackupName)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("restore", "", 1)
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"name":     req.BackupName,
		"restored": count,
	})
}

func (s *Server) handleEmbedderReload(c *gin.Context) {
	if s.governor == nil {
		fail(c, apperr.FailedPrecondition("embedder reload is not available", nil))
		return
	}
	if err := s.governor.TriggerReload(c.Request.Context(), "manual"); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": s.governor.ReloadStats()})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

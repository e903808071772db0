package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/cloudsync"
)

// cloud returns the syncer or nil when cloud sync is disabled.
func (s *Server) cloud() *cloudsync.Syncer {
	return s.engine.Cloud()
}

func (s *Server) requireCloud(c *gin.Context) *cloudsync.Syncer {
	syncer := s.cloud()
	if syncer == nil {
		fail(c, apperr.FailedPrecondition("cloud sync is not configured", nil))
		return nil
	}
	return syncer
}

// requireConfirm gates destructive sync operations behind ?confirm=true.
func requireConfirm(c *gin.Context) bool {
	if c.Query("confirm") != "true" {
		fail(c, apperr.FailedPrecondition("pass confirm=true to proceed", nil))
		return false
	}
	return true
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	syncer := s.cloud()
	if syncer == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}

	names, err := syncer.ListRemoteSnapshots(c.Request.Context())
	if err != nil {
		fail(c, apperr.Unavailable("cloud snapshot listing failed", err))
		return
	}
	body := gin.H{
		"enabled": true,
		"bucket":  s.cfg.Cloud.Bucket,
		"count":   len(names),
	}
	if len(names) > 0 {
		body["latest"] = names[len(names)-1]
	}
	c.JSON(http.StatusOK, body)
}

// handleSyncUpload snapshots the current state and pushes it to cloud
// storage.
func (s *Server) handleSyncUpload(c *gin.Context) {
	syncer := s.requireCloud(c)
	if syncer == nil {
		return
	}

	snaps := s.engine.Snapshots()
	name, err := snaps.Create(c.Request.Context(), "sync")
	if err != nil {
		fail(c, err)
		return
	}
	if err := syncer.UploadSnapshot(c.Request.Context(), snaps.Dir(name), name); err != nil {
		fail(c, apperr.Unavailable("snapshot upload failed", err))
		return
	}
	s.tracker.LogAPIEvent("sync_upload", "", 1)
	c.JSON(http.StatusOK, gin.H{"success": true, "name": name})
}

// handleSyncDownload pulls a remote snapshot into the local backups
// directory without restoring it.
func (s *Server) handleSyncDownload(c *gin.Context) {
	syncer := s.requireCloud(c)
	if syncer == nil {
		return
	}
	if !requireConfirm(c) {
		return
	}
	name := c.Query("backup_name")
	if name == "" {
		fail(c, apperr.InvalidArgument("backup_name is required", nil))
		return
	}

	if err := syncer.DownloadBackup(c.Request.Context(), name, s.cfg.BackupsDir()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "name": name})
}

func (s *Server) handleSyncSnapshots(c *gin.Context) {
	syncer := s.requireCloud(c)
	if syncer == nil {
		return
	}
	names, err := syncer.ListRemoteSnapshots(c.Request.Context())
	if err != nil {
		fail(c, apperr.Unavailable("cloud snapshot listing failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": names, "count": len(names)})
}

// handleSyncRestore downloads a remote snapshot and restores it over the
// live state.
func (s *Server) handleSyncRestore(c *gin.Context) {
	syncer := s.requireCloud(c)
	if syncer == nil {
		return
	}
	if !requireConfirm(c) {
		return
	}
	name := c.Param("name")

	if err := syncer.DownloadBackup(c.Request.Context(), name, s.cfg.BackupsDir()); err != nil {
		fail(c, err)
		return
	}
	count, err := s.engine.Restore(c.Request.Context(), name)
	if err != nil {
		fail(c, err)
		return
	}
	s.tracker.LogAPIEvent("restore", "", 1)
	c.JSON(http.StatusOK, gin.H{"success": true, "name": name, "restored": count})
}

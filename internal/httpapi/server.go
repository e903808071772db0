// Package httpapi serves the memoryd REST surface with gin. Handlers stay
// thin: bind, call the engine, map errors through apperr. Transport
// concerns (request ids, auth, concurrency caps, request metrics) live in
// middleware.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recallbox/memoryd/internal/config"
	"github.com/recallbox/memoryd/internal/consolidate"
	"github.com/recallbox/memoryd/internal/engine"
	"github.com/recallbox/memoryd/internal/extract"
	"github.com/recallbox/memoryd/internal/runtimemem"
	"github.com/recallbox/memoryd/internal/telemetry"
	"github.com/recallbox/memoryd/internal/usage"
)

// Options carries the server's collaborators. Engine, Config and Version
// are required; everything else degrades gracefully when absent.
type Options struct {
	Config  *config.Config
	Version string
	Engine  *engine.Engine

	// Queue is nil when extraction is disabled.
	Queue *extract.Queue
	// Consolidator is nil when consolidation is disabled.
	Consolidator *consolidate.Consolidator
	// Tracker records usage analytics; nil gets the null tracker.
	Tracker usage.Tracker
	// Governor serves the manual embedder reload and reload stats.
	Governor *runtimemem.Governor
	// IndexStale reports workspace drift since the last index build.
	IndexStale func() bool
	// IndexRebuilt is invoked after a successful index rebuild so the
	// staleness source can reset.
	IndexRebuilt func()
}

// Server is the HTTP transport around the memory engine.
type Server struct {
	cfg     *config.Config
	version string

	engine   *engine.Engine
	queue    *extract.Queue
	consol   *consolidate.Consolidator
	tracker  usage.Tracker
	governor *runtimemem.Governor
	stale    func() bool
	rebuilt  func()

	metrics *telemetry.RequestMetrics
	trend   *telemetry.MemoryTrend

	active   atomic.Int64
	sem      chan struct{}
	failures *failureLimiter

	router *gin.Engine
}

// New builds the server and its route table.
func New(opts Options) *Server {
	tracker := opts.Tracker
	if tracker == nil {
		tracker = usage.NullTracker{}
	}
	maxConcurrent := opts.Config.Server.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}

	s := &Server{
		cfg:      opts.Config,
		version:  opts.Version,
		engine:   opts.Engine,
		queue:    opts.Queue,
		consol:   opts.Consolidator,
		tracker:  tracker,
		governor: opts.Governor,
		stale:    opts.IndexStale,
		rebuilt:  opts.IndexRebuilt,
		metrics:  telemetry.NewRequestMetrics(),
		trend:    telemetry.NewMemoryTrend(),
		sem:      make(chan struct{}, maxConcurrent),
		failures: newFailureLimiter(opts.Config.Server.FailureWindow(), opts.Config.Server.AuthMaxFailures),
	}
	s.router = s.buildRouter()
	return s
}

// ActiveRequests reports in-flight requests for the reload governor's idle
// gate.
func (s *Server) ActiveRequests() int {
	return int(s.active.Load())
}

// Handler returns the root handler, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(s.observeMiddleware())

	// Probes stay outside auth and the concurrency cap so orchestrators
	// never see a 401 or 429 from them.
	r.GET("/health", s.handleHealth)
	r.GET("/health/ready", s.handleReady)

	api := r.Group("/")
	api.Use(s.authMiddleware())
	api.Use(s.concurrencyMiddleware())

	api.GET("/stats", s.handleStats)
	api.GET("/metrics", s.handleMetrics)
	api.GET("/usage", s.handleUsage)

	api.POST("/search", s.handleSearch)
	api.POST("/search/batch", s.handleSearchBatch)

	api.POST("/memory/add", s.handleAdd)
	api.POST("/memory/add-batch", s.handleAddBatch)
	api.POST("/memory/upsert", s.handleUpsert)
	api.POST("/memory/upsert-batch", s.handleUpsertBatch)
	api.POST("/memory/is-novel", s.handleIsNovel)

	api.GET("/memory/:id", s.handleGet)
	api.POST("/memory/get-batch", s.handleGetBatch)
	api.PATCH("/memory/:id", s.handleUpdate)
	api.DELETE("/memory/:id", s.handleDelete)
	api.POST("/memory/delete-batch", s.handleDeleteBatch)
	api.POST("/memory/delete-by-source", s.handleDeleteBySource)
	api.POST("/memory/delete-by-prefix", s.handleDeleteByPrefix)

	api.GET("/memories", s.handleListMemories)
	api.GET("/folders", s.handleListFolders)
	api.POST("/folders/rename", s.handleRenameFolder)

	api.POST("/index/build", s.handleBuildIndex)
	api.POST("/memory/deduplicate", s.handleDeduplicate)
	api.POST("/memory/supersede", s.handleSupersede)
	api.POST("/memory/consolidate", s.handleConsolidate)

	api.GET("/backups", s.handleListBackups)
	api.POST("/backup", s.handleCreateBackup)
	api.POST("/restore", s.handleRestore)

	api.GET("/sync/status", s.handleSyncStatus)
	api.POST("/sync/upload", s.handleSyncUpload)
	api.POST("/sync/download", s.handleSyncDownload)
	api.GET("/sync/snapshots", s.handleSyncSnapshots)
	api.POST("/sync/restore/:name", s.handleSyncRestore)

	api.POST("/memory/extract", s.handleExtract)
	api.GET("/memory/extract/:id", s.handleExtractJob)
	api.GET("/extract/status", s.handleExtractStatus)

	api.POST("/maintenance/embedder/reload", s.handleEmbedderReload)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured deadline.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.GracePeriod())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

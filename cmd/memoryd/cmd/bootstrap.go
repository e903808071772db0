package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/recallbox/memoryd/internal/cloudsync"
	"github.com/recallbox/memoryd/internal/config"
	"github.com/recallbox/memoryd/internal/embed"
	"github.com/recallbox/memoryd/internal/engine"
	"github.com/recallbox/memoryd/internal/logging"
	"github.com/recallbox/memoryd/internal/snapshot"
	"github.com/recallbox/memoryd/internal/store"
)

// loggingConfig maps the config file logging section onto the logging
// package, filling gaps with defaults rooted in the data directory.
func loggingConfig(cfg *config.Config) logging.Config {
	lc := logging.DefaultConfig(cfg.Paths.DataDir)
	if cfg.Logging.Level != "" {
		lc.Level = cfg.Logging.Level
	}
	if cfg.Logging.File != "" {
		lc.FilePath = cfg.Logging.File
	}
	if cfg.Logging.MaxSizeMB > 0 {
		lc.MaxSizeMB = cfg.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxFiles > 0 {
		lc.MaxFiles = cfg.Logging.MaxFiles
	}
	lc.WriteToStderr = cfg.Logging.Stderr
	return lc
}

// openEngine assembles the storage stack and opens the engine: embedder,
// vector store (embedded HNSW or Qdrant), sparse index, snapshot manager
// and the optional cloud mirror. Cloud sync failures degrade to local-only
// operation instead of refusing to start.
func openEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, *cloudsync.Syncer, error) {
	embedder, err := embed.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build embedder: %w", err)
	}
	holder := embed.NewHolder(embedder)

	var vs store.VectorStore
	if cfg.UseQdrant() {
		vs = store.NewQdrantStore(store.QdrantConfig{
			BaseURL:         cfg.Vector.QdrantURL,
			APIKey:          cfg.Vector.QdrantAPIKey,
			Collection:      cfg.Vector.Collection,
			WriteOrdering:   cfg.Vector.WriteOrdering,
			ReadConsistency: cfg.Vector.ReadConsistency,
		})
		slog.Info("vector backend", slog.String("kind", "qdrant"), slog.String("url", cfg.Vector.QdrantURL))
	} else {
		vs, err = store.NewLocalStore(cfg.QdrantDir())
		if err != nil {
			holder.Close()
			return nil, nil, fmt.Errorf("open local vector store: %w", err)
		}
		slog.Info("vector backend", slog.String("kind", "local"))
	}

	sparse, err := store.NewSparseIndex(cfg.Sparse.Backend)
	if err != nil {
		holder.Close()
		vs.Close()
		return nil, nil, fmt.Errorf("open sparse index: %w", err)
	}

	var syncer *cloudsync.Syncer
	if cfg.Cloud.Enabled {
		syncer, err = cloudsync.New(ctx, cfg.Cloud)
		if err != nil {
			slog.Warn("cloud sync unavailable, continuing local-only",
				slog.String("error", err.Error()))
			syncer = nil
		}
	}
	var mirror snapshot.Mirror
	if syncer != nil {
		mirror = syncer
	}
	snaps := snapshot.NewManager(cfg.Paths.DataDir, cfg.BackupsDir(), cfg.Snapshots.Retention, mirror)

	eng, err := engine.New(ctx, cfg, holder, vs, sparse, snaps, syncer)
	if err != nil {
		holder.Close()
		vs.Close()
		sparse.Close()
		return nil, nil, err
	}
	return eng, syncer, nil
}

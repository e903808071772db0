package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/recallbox/memoryd/internal/config"
	"github.com/recallbox/memoryd/internal/consolidate"
	"github.com/recallbox/memoryd/internal/embed"
	"github.com/recallbox/memoryd/internal/extract"
	"github.com/recallbox/memoryd/internal/httpapi"
	"github.com/recallbox/memoryd/internal/logging"
	"github.com/recallbox/memoryd/internal/runtimemem"
	"github.com/recallbox/memoryd/internal/usage"
	"github.com/recallbox/memoryd/internal/watcher"
	"github.com/recallbox/memoryd/pkg/version"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the memoryd HTTP API with the extraction worker pool, the
resource governor, and the workspace watcher. The server shuts down
gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCleanup, err := logging.Setup(loggingConfig(cfg))
	if err != nil {
		return err
	}
	defer logCleanup()
	slog.SetDefault(logger)

	ctx, stop := signalContext(parent)
	defer stop()

	slog.Info("memoryd starting",
		slog.String("version", version.Version),
		slog.String("data_dir", cfg.Paths.DataDir),
		slog.String("addr", cfg.Addr()))

	eng, _, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	var tracker usage.Tracker = usage.NullTracker{}
	if cfg.Usage.Enabled {
		path := cfg.Usage.DBPath
		if path == "" {
			path = filepath.Join(cfg.Paths.DataDir, "usage.db")
		}
		if t, err := usage.Open(path); err != nil {
			slog.Warn("usage tracking unavailable", slog.String("error", err.Error()))
		} else {
			tracker = t
			defer t.Close()
		}
	}

	trimmer := runtimemem.NewTrimmer(0)
	governor := runtimemem.NewGovernor(cfg.Governor, cfg.Consolidation.Schedule, trimmer)
	governor.Reload = func(ctx context.Context) error {
		return eng.ReloadEmbedder(ctx, func(ctx context.Context) (embed.Embedder, error) {
			return embed.New(ctx, cfg)
		})
	}

	var (
		queue  *extract.Queue
		consol *consolidate.Consolidator
	)
	provider, err := extract.NewProvider(cfg.Extraction)
	if err != nil {
		slog.Warn("extraction disabled", slog.String("error", err.Error()))
	} else {
		pipeline := extract.NewPipeline(provider, eng, cfg.Extraction)
		pipeline.OnTokens = func(stage string, inputTokens, outputTokens int) {
			tracker.LogExtractionTokens(provider.Name(), provider.Model(), stage, inputTokens, outputTokens, "")
		}
		queue = extract.NewQueue(cfg.Extraction, pipeline)
		queue.Trim = func(reason string) { trimmer.Trim(reason) }
		consol = consolidate.New(cfg.Consolidation, provider, eng)

		governor.Reap = queue.Reap
		governor.QueueDepth = queue.Depth
		governor.Sweep = func(ctx context.Context) error {
			consol.Sweep(ctx)
			return nil
		}
		slog.Info("extraction enabled",
			slog.String("provider", provider.Name()),
			slog.String("model", provider.Model()),
			slog.Int("workers", cfg.Extraction.Workers))
	}

	ws, err := watcher.New(cfg.Paths.WorkspaceDir, watcher.Options{})
	if err != nil {
		return err
	}

	server := httpapi.New(httpapi.Options{
		Config:       cfg,
		Version:      version.Version,
		Engine:       eng,
		Queue:        queue,
		Consolidator: consol,
		Tracker:      tracker,
		Governor:     governor,
		IndexStale:   ws.Stale,
		IndexRebuilt: ws.MarkFresh,
	})
	governor.ActiveRequests = server.ActiveRequests

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error {
		governor.Run(ctx)
		return nil
	})
	g.Go(func() error { return ws.Run(ctx) })
	if queue != nil {
		g.Go(func() error {
			queue.Run(ctx)
			return nil
		})
	}

	err = g.Wait()
	slog.Info("memoryd stopped")
	return err
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

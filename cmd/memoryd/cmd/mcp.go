package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/recallbox/memoryd/internal/config"
	"github.com/recallbox/memoryd/internal/logging"
	"github.com/recallbox/memoryd/internal/mcpserver"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Model Context Protocol over stdio",
		Long: `Serve memory tools (memory_search, memory_add, memory_list) over the
Model Context Protocol on stdin/stdout. Logs go to the rotating file
only; stdout belongs to the protocol.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd.Context())
		},
	}
}

func runMCP(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCleanup, err := logging.SetupStdioMode(cfg.Paths.DataDir, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logCleanup()

	ctx, stop := signalContext(parent)
	defer stop()

	eng, _, err := openEngine(ctx, cfg)
	if err != nil {
		slog.Error("engine startup failed", slog.String("error", err.Error()))
		return err
	}
	defer eng.Close()

	srv, err := mcpserver.New(eng)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

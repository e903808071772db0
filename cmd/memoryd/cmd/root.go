// Package cmd provides the memoryd CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/recallbox/memoryd/pkg/version"
)

var (
	configPath string
	envFile    string
)

// NewRootCmd creates the root command for the memoryd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memoryd",
		Short: "Semantic memory service with hybrid retrieval",
		Long: `memoryd stores text memories with embeddings and serves hybrid
retrieval (dense vector similarity fused with BM25 keyword matching)
over HTTP and the Model Context Protocol.

Run 'memoryd serve' to start the HTTP API or 'memoryd mcp' to speak
MCP over stdio.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnvFile()
		},
	}
	cmd.SetVersionTemplate("memoryd version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to memoryd.yaml (default: <DATA_DIR>/memoryd.yaml, then ./memoryd.yaml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file before reading config")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadEnvFile loads --env-file when given, otherwise a ./.env if one
// exists. Variables already set in the environment win.
func loadEnvFile() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
	return nil
}

// Execute runs the CLI.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

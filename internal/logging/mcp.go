package logging

import (
	"log/slog"
)

// SetupStdioMode initializes logging for MCP stdio server mode.
//
// The MCP protocol uses stdout exclusively for JSON-RPC frames; any stray
// write to stdout or stderr corrupts the stream and breaks the client
// connection. In this mode logs go only to the rotating file.
func SetupStdioMode(dataDir, level string) (func(), error) {
	cfg := Config{
		Level:         level,
		FilePath:      DefaultLogPath(dataDir),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: false,
	}

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	slog.Info("stdio mode logging initialized",
		slog.String("log_file", cfg.FilePath),
		slog.String("level", cfg.Level))

	return cleanup, nil
}

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestSetup_WritesJSONToFile(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "memoryd.log")

	logger, cleanup, err := Setup(Config{
		Level:         "info",
		FilePath:      logPath,
		MaxSizeMB:     10,
		MaxFiles:      3,
		WriteToStderr: false,
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	logger.Info("server started", slog.String("addr", ":8080"))
	logger.Debug("should be filtered")
	cleanup()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), content)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry["msg"] != "server started" {
		t.Errorf("expected msg 'server started', got %v", entry["msg"])
	}
	if entry["addr"] != ":8080" {
		t.Errorf("expected addr ':8080', got %v", entry["addr"])
	}
}

func TestSetup_StderrOnlyWhenNoFile(t *testing.T) {
	logger, cleanup, err := Setup(Config{
		Level:         "debug",
		FilePath:      "",
		WriteToStderr: false, // still gets a stderr handler: logs must go somewhere
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	defer cleanup()

	if logger == nil {
		t.Fatal("expected a logger")
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level should be enabled")
	}
}

func TestTeeHandler_FansOutToAllHandlers(t *testing.T) {
	var bufA, bufB bytes.Buffer
	tee := newTeeHandler(
		slog.NewJSONHandler(&bufA, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&bufB, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(tee)

	logger.Info("info line")
	logger.Warn("warn line")

	if got := strings.Count(bufA.String(), "\n"); got != 2 {
		t.Errorf("handler A: expected 2 lines, got %d", got)
	}
	// Handler B filters below warn.
	if got := strings.Count(bufB.String(), "\n"); got != 1 {
		t.Errorf("handler B: expected 1 line, got %d", got)
	}
	if !strings.Contains(bufB.String(), "warn line") {
		t.Errorf("handler B should contain the warn record: %q", bufB.String())
	}
}

func TestTeeHandler_WithAttrsPropagates(t *testing.T) {
	var buf bytes.Buffer
	tee := newTeeHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(tee).With(slog.String("component", "engine"))

	logger.Info("attached")

	if !strings.Contains(buf.String(), `"component":"engine"`) {
		t.Errorf("expected attr to propagate through tee: %q", buf.String())
	}
}

func TestRotatingWriter_WritesImmediately(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	w, err := NewRotatingWriter(logPath, 1, 3)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Close()

	testData := []byte(`{"level":"INFO","msg":"test"}` + "\n")
	n, err := w.Write(testData)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("expected %d bytes written, got %d", len(testData), n)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if string(content) != string(testData) {
		t.Errorf("expected %q, got %q", testData, content)
	}
}

func TestRotatingWriter_Rotation(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "rotate.log")

	// 0 MB max size forces rotation on every write.
	w, err := NewRotatingWriter(logPath, 0, 3)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Close()

	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte("line\n")); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Errorf("expected rotated file .1 to exist: %v", err)
	}
	if _, err := os.Stat(logPath + ".2"); err != nil {
		t.Errorf("expected rotated file .2 to exist: %v", err)
	}
}

func TestRotatingWriter_PrunesOldFiles(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "prune.log")

	w, err := NewRotatingWriter(logPath, 0, 2)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Close()

	// Each write rotates; with maxFiles=2 only .1 and .2 may survive.
	for i := 0; i < 6; i++ {
		if _, err := w.Write([]byte("line\n")); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	matches, err := filepath.Glob(logPath + ".*")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) > 2 {
		t.Errorf("expected at most 2 rotated files, got %d: %v", len(matches), matches)
	}
	if _, err := os.Stat(logPath + ".3"); err == nil {
		t.Error("file .3 should have been pruned")
	}
}

func TestDefaultConfig_RootsUnderDataDir(t *testing.T) {
	cfg := DefaultConfig("/data")

	if cfg.FilePath != filepath.Join("/data", "logs", "memoryd.log") {
		t.Errorf("unexpected default log path: %s", cfg.FilePath)
	}
	if cfg.Level != "info" {
		t.Errorf("unexpected default level: %s", cfg.Level)
	}
	if !cfg.WriteToStderr {
		t.Error("stderr logging should default to on")
	}
}

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWorkspace(t *testing.T, dir string) *Workspace {
	t.Helper()
	w, err := New(dir, Options{DebounceWindow: 20 * time.Millisecond, PollInterval: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	return w
}

func waitStale(t *testing.T, w *Workspace) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if w.Stale() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("index never went stale")
}

func TestMemoryFileChangeMarksStale(t *testing.T) {
	dir := t.TempDir()
	w := startWorkspace(t, dir)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "MEMORY.md"), []byte("# Notes\n"), 0o644))
	waitStale(t, w)
}

func TestMemoryBankChangeMarksStale(t *testing.T) {
	dir := t.TempDir()
	bank := filepath.Join(dir, "memory-bank")
	require.NoError(t, os.MkdirAll(bank, 0o755))
	w := startWorkspace(t, dir)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(bank, "decisions.md"), []byte("# Decisions\n"), 0o644))
	waitStale(t, w)
}

func TestIrrelevantFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	w := startWorkspace(t, dir)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("x"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.False(t, w.Stale())
}

func TestMarkFreshClearsStaleness(t *testing.T) {
	dir := t.TempDir()
	w := startWorkspace(t, dir)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "MEMORY.md"), []byte("v1"), 0o644))
	waitStale(t, w)

	w.MarkFresh()
	assert.False(t, w.Stale())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "MEMORY.md"), []byte("v2"), 0o644))
	waitStale(t, w)
}

func TestRelevantPaths(t *testing.T) {
	w, err := New(t.TempDir(), Options{})
	require.NoError(t, err)
	if w.fsw != nil {
		defer w.fsw.Close()
	}

	assert.True(t, w.relevant(filepath.Join(w.dir, "MEMORY.md")))
	assert.True(t, w.relevant(filepath.Join(w.dir, "memory-bank", "a.md")))
	assert.False(t, w.relevant(filepath.Join(w.dir, "README.md")))
	assert.False(t, w.relevant(filepath.Join(w.dir, "memory-bank", "a.txt")))
	assert.False(t, w.relevant("/elsewhere/MEMORY.md"))
}

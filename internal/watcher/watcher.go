// Package watcher tracks the workspace markdown files behind the
// file-built index. When MEMORY.md or anything under memory-bank/ changes
// after an index build, the index is stale until the next rebuild; the
// watcher exposes that flag for the stats surface.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options tunes the watcher. Zero values take defaults.
type Options struct {
	// DebounceWindow coalesces bursts of file events (default 200ms).
	DebounceWindow time.Duration
	// PollInterval drives the fallback scanner when fsnotify cannot be
	// initialized (default 5s).
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 200 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	return o
}

// Workspace watches the workspace directory for changes to the indexed
// markdown layout.
type Workspace struct {
	dir  string
	opts Options

	fsw *fsnotify.Watcher
	deb *Debouncer

	stale atomic.Bool
}

// New builds a workspace watcher over dir. When the fsnotify backend
// cannot be created it degrades to mtime polling instead of failing.
func New(dir string, opts Options) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	w := &Workspace{
		dir:  abs,
		opts: opts,
		deb:  NewDebouncer(opts.DebounceWindow),
	}
	if fsw, err := fsnotify.NewWatcher(); err == nil {
		w.fsw = fsw
	} else {
		slog.Warn("fsnotify unavailable, falling back to polling",
			slog.String("error", err.Error()))
	}
	return w, nil
}

// Stale reports whether the workspace changed since the last MarkFresh.
func (w *Workspace) Stale() bool {
	return w.stale.Load()
}

// MarkFresh clears the staleness flag. Call it after an index rebuild.
func (w *Workspace) MarkFresh() {
	w.stale.Store(false)
}

// relevant reports whether a path participates in the workspace index:
// MEMORY.md at the workspace root, or any markdown file under memory-bank.
func (w *Workspace) relevant(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	if rel == "MEMORY.md" {
		return true
	}
	return strings.HasPrefix(rel, "memory-bank"+string(filepath.Separator)) &&
		strings.HasSuffix(rel, ".md")
}

// Run watches until ctx is cancelled. It never returns a startup error
// after New succeeded; watch failures degrade to polling.
func (w *Workspace) Run(ctx context.Context) error {
	go w.consume(ctx)
	defer w.deb.Stop()

	if w.fsw != nil {
		return w.runFsnotify(ctx)
	}
	return w.runPolling(ctx)
}

func (w *Workspace) runFsnotify(ctx context.Context) error {
	defer w.fsw.Close()

	// Watch the root and, when present, memory-bank. The root watch also
	// catches memory-bank being created later.
	if err := w.fsw.Add(w.dir); err != nil {
		slog.Warn("workspace watch failed, falling back to polling",
			slog.String("dir", w.dir), slog.String("error", err.Error()))
		return w.runPolling(ctx)
	}
	bank := filepath.Join(w.dir, "memory-bank")
	if info, err := os.Stat(bank); err == nil && info.IsDir() {
		_ = w.fsw.Add(bank)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Name == bank && ev.Has(fsnotify.Create) {
				_ = w.fsw.Add(bank)
				continue
			}
			if !w.relevant(ev.Name) {
				continue
			}
			w.deb.Add(Event{Path: ev.Name, Op: mapOp(ev), Time: time.Now()})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("workspace watch error", slog.String("error", err.Error()))
		}
	}
}

// runPolling scans mtimes of the indexed layout at a fixed interval and
// synthesizes events for the debouncer.
func (w *Workspace) runPolling(ctx context.Context) error {
	seen := w.scan()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current := w.scan()
			for path, mod := range current {
				prev, ok := seen[path]
				switch {
				case !ok:
					w.deb.Add(Event{Path: path, Op: OpCreate, Time: time.Now()})
				case !mod.Equal(prev):
					w.deb.Add(Event{Path: path, Op: OpModify, Time: time.Now()})
				}
			}
			for path := range seen {
				if _, ok := current[path]; !ok {
					w.deb.Add(Event{Path: path, Op: OpDelete, Time: time.Now()})
				}
			}
			seen = current
		}
	}
}

// scan returns mtimes for every indexed file currently on disk.
func (w *Workspace) scan() map[string]time.Time {
	out := make(map[string]time.Time)
	if info, err := os.Stat(filepath.Join(w.dir, "MEMORY.md")); err == nil {
		out[filepath.Join(w.dir, "MEMORY.md")] = info.ModTime()
	}
	bank := filepath.Join(w.dir, "memory-bank")
	_ = filepath.WalkDir(bank, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		if info, err := d.Info(); err == nil {
			out[path] = info.ModTime()
		}
		return nil
	})
	return out
}

// consume drains debounced batches and raises the staleness flag.
func (w *Workspace) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.deb.Output():
			if !ok {
				return
			}
			if len(batch) == 0 {
				continue
			}
			if w.stale.CompareAndSwap(false, true) {
				slog.Info("workspace changed, index marked stale",
					slog.Int("files", len(batch)),
					slog.String("first", filepath.Base(batch[0].Path)))
			}
		}
	}
}

func mapOp(ev fsnotify.Event) Op {
	switch {
	case ev.Has(fsnotify.Create):
		return OpCreate
	case ev.Has(fsnotify.Remove):
		return OpDelete
	case ev.Has(fsnotify.Rename):
		return OpDelete
	default:
		return OpModify
	}
}

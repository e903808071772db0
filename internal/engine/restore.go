package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/locks"
	"github.com/recallbox/memoryd/internal/snapshot"
)

// Restore replaces live state with a named local snapshot. The current
// state is snapshotted first so a bad restore is recoverable. The vector
// collection is rebuilt from the restored metadata, not from any index
// file the snapshot may carry.
func (e *Engine) Restore(ctx context.Context, name string) (int, error) {
	if err := snapshot.ValidateName(name); err != nil {
		return 0, err
	}

	release := e.locks.AcquireMany(locks.AllKey)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.snapshotBefore(ctx, "pre_restore"); err != nil {
		return 0, err
	}
	if err := e.snaps.RestoreFiles(name); err != nil {
		return 0, err
	}
	if err := e.loadState(ctx); err != nil {
		return 0, fmt.Errorf("load restored metadata: %w", err)
	}
	if err := e.reindexLocked(ctx); err != nil {
		return 0, apperr.Internal("reindex after restore failed", err)
	}
	if err := e.rebuildSparseLocked(ctx); err != nil {
		return 0, err
	}
	e.touchLastUpdated()

	slog.Info("restored from snapshot",
		slog.String("name", name),
		slog.Int("records", len(e.records)))
	return len(e.records), nil
}

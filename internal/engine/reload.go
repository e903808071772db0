package engine

import (
	"context"
	"fmt"

	"github.com/recallbox/memoryd/internal/apperr"
	"github.com/recallbox/memoryd/internal/embed"
)

// ReloadEmbedder hot-swaps the active embedder. The swap happens under the
// global write lock so no mutation sees a half-switched embedder; the
// holder's own mutex covers in-flight encodes. A dimension change aborts the
// swap and closes the new embedder; the old one is closed outside the lock.
func (e *Engine) ReloadEmbedder(ctx context.Context, build func(context.Context) (embed.Embedder, error)) error {
	next, err := build(ctx)
	if err != nil {
		return apperr.Unavailable("embedder construction failed", err)
	}

	e.mu.Lock()
	if next.Dimension() != e.holder.Dimension() {
		e.mu.Unlock()
		_ = next.Close()
		return apperr.FailedPrecondition(fmt.Sprintf(
			"reloaded embedder produces dimension %d but the index uses %d",
			next.Dimension(), e.holder.Dimension()), nil)
	}
	old := e.holder.Swap(next)
	e.info.Model = next.Model()
	e.info.EmbedProvider = next.Name()
	saveErr := e.saveRuntimeInfo()
	e.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return saveErr
}

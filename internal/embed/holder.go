package embed

import (
	"context"
	"sync"
)

// Holder owns the active embedder and lets the governor swap it at runtime.
// Readers take the read lock for the duration of one call; Swap takes the
// write lock, so in-flight encodes finish against the embedder they started
// with. Encodes additionally serialize on encodeMu because backends are not
// required to be thread-safe.
type Holder struct {
	mu       sync.RWMutex
	encodeMu sync.Mutex
	current  Embedder
}

// NewHolder wraps the initial embedder.
func NewHolder(e Embedder) *Holder {
	return &Holder{current: e}
}

// Get returns the active embedder.
func (h *Holder) Get() Embedder {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Swap installs a replacement and returns the previous embedder. The caller
// closes the returned embedder once nothing references it.
func (h *Holder) Swap(next Embedder) Embedder {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.current
	h.current = next
	return prev
}

// Dimension reports the active embedder's vector width.
func (h *Holder) Dimension() int {
	return h.Get().Dimension()
}

// Encode embeds through the active embedder. Calls are serialized: the
// ONNX-backed embedder shares mutable inference state across calls.
func (h *Holder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	h.encodeMu.Lock()
	defer h.encodeMu.Unlock()
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.Encode(ctx, texts)
}

// Close closes the active embedder.
func (h *Holder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil
	}
	err := h.current.Close()
	h.current = nil
	return err
}

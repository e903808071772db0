package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder wraps another embedder with an LRU of recent results.
// Keys are SHA-256 over model and text so a model change never serves stale
// vectors.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with a cache of the given capacity.
// A capacity of 0 or less returns inner unchanged.
func NewCachedEmbedder(inner Embedder, capacity int) (Embedder, error) {
	if capacity <= 0 {
		return inner, nil
	}
	cache, err := lru.New[string, []float32](capacity)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (e *CachedEmbedder) Name() string   { return e.inner.Name() }
func (e *CachedEmbedder) Model() string  { return e.inner.Model() }
func (e *CachedEmbedder) Dimension() int { return e.inner.Dimension() }

// Encode serves hits from the cache and embeds only the misses, in one
// batched call to the inner embedder.
func (e *CachedEmbedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := e.cache.Get(e.key(text)); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := e.inner.Encode(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d rows for %d texts", len(vecs), len(missTexts))
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		e.cache.Add(e.key(missTexts[j]), vec)
	}
	return out, nil
}

func (e *CachedEmbedder) key(text string) string {
	h := sha256.New()
	h.Write([]byte(e.inner.Model()))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func (e *CachedEmbedder) Healthy(ctx context.Context) bool { return e.inner.Healthy(ctx) }

// Close purges the cache and closes the inner embedder.
func (e *CachedEmbedder) Close() error {
	e.cache.Purge()
	return e.inner.Close()
}

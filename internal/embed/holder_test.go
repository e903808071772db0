package embed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderSwapReturnsPrevious(t *testing.T) {
	first := NewStaticEmbedder()
	second := NewStaticEmbedder()
	h := NewHolder(first)

	assert.Same(t, Embedder(first), h.Get())
	prev := h.Swap(second)
	assert.Same(t, Embedder(first), prev)
	assert.Same(t, Embedder(second), h.Get())
}

func TestHolderEncodeUsesActive(t *testing.T) {
	h := NewHolder(NewStaticEmbedder())
	vecs, err := h.Encode(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, StaticDimension, h.Dimension())
}

// overlapEmbedder counts how many Encode calls are in flight at once.
type overlapEmbedder struct {
	*StaticEmbedder
	inFlight atomic.Int32
	overlaps atomic.Int32
}

func (e *overlapEmbedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if e.inFlight.Add(1) > 1 {
		e.overlaps.Add(1)
	}
	time.Sleep(time.Millisecond)
	e.inFlight.Add(-1)
	return e.StaticEmbedder.Encode(ctx, texts)
}

func TestHolderSerializesEncode(t *testing.T) {
	inner := &overlapEmbedder{StaticEmbedder: NewStaticEmbedder()}
	h := NewHolder(inner)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Encode(context.Background(), []string{"concurrent query"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, inner.overlaps.Load(), "Encode calls overlapped")
}

package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestStaticEmbedderDeterministic(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	first, err := e.Encode(ctx, []string{"the quick brown fox"})
	require.NoError(t, err)
	second, err := e.Encode(ctx, []string{"the quick brown fox"})
	require.NoError(t, err)
	assert.Equal(t, first[0], second[0])
	assert.Len(t, first[0], StaticDimension)
}

func TestStaticEmbedderUnitNorm(t *testing.T) {
	e := NewStaticEmbedder()
	vecs, err := e.Encode(context.Background(), []string{"normalize me please"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, dot(vecs[0], vecs[0]), 1e-5)
}

func TestStaticEmbedderSimilarTextsScoreHigher(t *testing.T) {
	e := NewStaticEmbedder()
	vecs, err := e.Encode(context.Background(), []string{
		"user prefers python for scripting",
		"user prefers python for automation",
		"the weather in oslo is cold",
	})
	require.NoError(t, err)
	similar := dot(vecs[0], vecs[1])
	dissimilar := dot(vecs[0], vecs[2])
	assert.Greater(t, similar, dissimilar)
}

func TestStaticEmbedderEmptyText(t *testing.T) {
	e := NewStaticEmbedder()
	vecs, err := e.Encode(context.Background(), []string{"", "   "})
	require.NoError(t, err)
	for _, v := range vecs {
		assert.Equal(t, 0.0, dot(v, v))
		assert.False(t, math.IsNaN(float64(v[0])))
	}
}

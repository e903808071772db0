// Package embed turns text into L2-normalized dense vectors. Providers share
// one contract so the engine can swap them at runtime without callers
// noticing.
package embed

import (
	"context"
	"math"
)

// Provider names accepted by the factory.
const (
	ProviderFastEmbed = "fastembed"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderStatic    = "static"
)

// Embedder converts batches of texts into unit vectors. Implementations
// return one row per input, each of Dimension width. Encode need not be
// safe for concurrent use; Holder serializes calls to it.
type Embedder interface {
	// Name identifies the provider (ollama, openai, fastembed, static).
	Name() string

	// Model is the underlying model identifier.
	Model() string

	// Dimension is the width of returned vectors.
	Dimension() int

	// Encode embeds the texts. Rows are L2-normalized.
	Encode(ctx context.Context, texts []string) ([][]float32, error)

	// Healthy reports whether the backend is reachable.
	Healthy(ctx context.Context) bool

	Close() error
}

// normalizeRow scales v to unit length in place and returns it. Zero vectors
// pass through unchanged.
func normalizeRow(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

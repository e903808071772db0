//go:build fastembed

package embed

import (
	"context"
	"fmt"
	"runtime"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedder runs a local ONNX embedding model via fastembed. It needs the
// onnxruntime shared library at runtime, so it is compiled in only with the
// fastembed build tag.
type FastEmbedder struct {
	model     *fastembed.FlagEmbedding
	modelName string
	dim       int
	batchSize int
}

var _ Embedder = (*FastEmbedder)(nil)

// NewFastEmbedder loads the ONNX model, downloading it into cacheDir on
// first use.
func NewFastEmbedder(_ context.Context, modelName, cacheDir string, batchSize int) (Embedder, error) {
	if modelName == "" {
		modelName = string(fastembed.BGESmallENV15)
	}
	if cacheDir == "" {
		cacheDir = ".fastembed"
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	if limit := 4 * runtime.GOMAXPROCS(0); batchSize > limit {
		batchSize = limit
	}
	model, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:    fastembed.EmbeddingModel(modelName),
		CacheDir: cacheDir,
	})
	if err != nil {
		return nil, fmt.Errorf("load fastembed model %s: %w", modelName, err)
	}
	return &FastEmbedder{
		model:     model,
		modelName: modelName,
		dim:       fastEmbedDimension(modelName),
		batchSize: batchSize,
	}, nil
}

func fastEmbedDimension(modelName string) int {
	switch fastembed.EmbeddingModel(modelName) {
	case fastembed.BGEBaseEN, fastembed.BGEBaseENV15:
		return 768
	case fastembed.MLE5Large:
		return 1024
	default:
		return 384
	}
}

func (e *FastEmbedder) Name() string   { return ProviderFastEmbed }
func (e *FastEmbedder) Model() string  { return e.modelName }
func (e *FastEmbedder) Dimension() int { return e.dim }

// Encode embeds texts locally and normalizes the rows.
func (e *FastEmbedder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	rows, err := e.model.Embed(texts, e.batchSize)
	if err != nil {
		return nil, fmt.Errorf("fastembed encode: %w", err)
	}
	if len(rows) != len(texts) {
		return nil, fmt.Errorf("fastembed returned %d rows for %d texts", len(rows), len(texts))
	}
	for _, row := range rows {
		normalizeRow(row)
	}
	return rows, nil
}

func (e *FastEmbedder) Healthy(context.Context) bool { return e.model != nil }

func (e *FastEmbedder) Close() error {
	if e.model != nil {
		e.model.Destroy()
		e.model = nil
	}
	return nil
}

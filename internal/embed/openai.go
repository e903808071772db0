package embed

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI embedding defaults.
const (
	DefaultOpenAIModel     = "text-embedding-3-small"
	DefaultOpenAIDimension = 1536
)

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder builds the embedder. The dimension defaults per model;
// an explicit dimensions value overrides it.
func NewOpenAIEmbedder(apiKey, model string, dimensions int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings require an api key")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	dim := dimensions
	if dim == 0 {
		switch model {
		case "text-embedding-3-large":
			dim = 3072
		default:
			dim = DefaultOpenAIDimension
		}
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  model,
		dim:    dim,
	}, nil
}

func (e *OpenAIEmbedder) Name() string   { return ProviderOpenAI }
func (e *OpenAIEmbedder) Model() string  { return e.model }
func (e *OpenAIEmbedder) Dimension() int { return e.dim }

// Encode embeds all texts in a single API call and normalizes the rows.
func (e *OpenAIEmbedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embedding index %d out of range", d.Index)
		}
		out[d.Index] = normalizeRow(d.Embedding)
	}
	return out, nil
}

// Healthy probes the API with a minimal embedding request.
func (e *OpenAIEmbedder) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{"ping"},
		Model: openai.EmbeddingModel(e.model),
	})
	return err == nil
}

func (e *OpenAIEmbedder) Close() error { return nil }

package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ollama defaults. The batch endpoint embeds all inputs in one request.
const (
	DefaultOllamaHost  = "http://localhost:11434"
	DefaultOllamaModel = "nomic-embed-text"

	ollamaMaxRetries   = 3
	ollamaInitialDelay = 500 * time.Millisecond
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	Host      string
	Model     string
	BatchSize int
	// Dimensions overrides auto-detection when non-zero.
	Dimensions int
}

// OllamaEmbedder calls Ollama's batch embedding API over HTTP.
type OllamaEmbedder struct {
	client *http.Client
	cfg    OllamaConfig
	dim    int
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder connects to Ollama, verifies the model is present, and
// detects the vector dimension from a probe embedding.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}

	e := &OllamaEmbedder{
		client: &http.Client{Timeout: 120 * time.Second},
		cfg:    cfg,
		dim:    cfg.Dimensions,
	}

	if err := e.checkModel(ctx); err != nil {
		return nil, err
	}
	if e.dim == 0 {
		probe, err := e.embedBatch(ctx, []string{"dimension probe"})
		if err != nil {
			return nil, fmt.Errorf("detect embedding dimension: %w", err)
		}
		if len(probe) == 0 || len(probe[0]) == 0 {
			return nil, fmt.Errorf("ollama returned an empty probe embedding")
		}
		e.dim = len(probe[0])
	}
	slog.Info("ollama embedder ready",
		slog.String("model", e.cfg.Model),
		slog.Int("dimension", e.dim))
	return e, nil
}

func (e *OllamaEmbedder) Name() string   { return ProviderOllama }
func (e *OllamaEmbedder) Model() string  { return e.cfg.Model }
func (e *OllamaEmbedder) Dimension() int { return e.dim }

// checkModel lists installed models and confirms ours is among them. The
// model tag suffix is ignored so "nomic-embed-text" matches
// "nomic-embed-text:latest".
func (e *OllamaEmbedder) checkModel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Host+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to ollama at %s: %w", e.cfg.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ollama /api/tags: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decode ollama tags: %w", err)
	}
	want := baseModelName(e.cfg.Model)
	for _, m := range tags.Models {
		if baseModelName(m.Name) == want {
			return nil
		}
	}
	return fmt.Errorf("model %q not installed in ollama (run: ollama pull %s)", e.cfg.Model, e.cfg.Model)
}

func baseModelName(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

// Encode embeds texts in batches, retrying transient failures with
// exponential backoff.
func (e *OllamaEmbedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		batch, err := e.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (e *OllamaEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	delay := ollamaInitialDelay
	var lastErr error
	for attempt := 0; attempt < ollamaMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		vecs, err := e.embedBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("ollama embed attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("ollama embed failed after %d attempts: %w", ollamaMaxRetries, lastErr)
}

func (e *OllamaEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model": e.cfg.Model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Host+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama /api/embed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode ollama embeddings: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	for _, row := range result.Embeddings {
		normalizeRow(row)
	}
	return result.Embeddings, nil
}

// Healthy reports whether /api/tags answers.
func (e *OllamaEmbedder) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections.
func (e *OllamaEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

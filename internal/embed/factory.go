package embed

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/recallbox/memoryd/internal/config"
)

// New builds the embedder named by cfg.Embeddings.Provider, wrapped in the
// LRU cache when one is configured. An empty provider auto-detects:
// fastembed when compiled in, then a reachable Ollama, then the static
// fallback.
func New(ctx context.Context, cfg *config.Config) (Embedder, error) {
	ec := cfg.Embeddings
	var (
		inner Embedder
		err   error
	)
	switch ec.Provider {
	case ProviderFastEmbed:
		inner, err = newFastEmbed(ctx, cfg)
	case ProviderOllama:
		inner, err = NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       ec.OllamaHost,
			Model:      ec.Model,
			BatchSize:  ec.BatchSize,
			Dimensions: ec.Dimensions,
		})
	case ProviderOpenAI:
		inner, err = NewOpenAIEmbedder(ec.OpenAIAPIKey, ec.Model, ec.Dimensions)
	case ProviderStatic:
		inner = NewStaticEmbedder()
	case "":
		inner, err = autoDetect(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", ec.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewCachedEmbedder(inner, ec.CacheSize)
}

func newFastEmbed(ctx context.Context, cfg *config.Config) (Embedder, error) {
	cacheDir := filepath.Join(cfg.Paths.DataDir, "fastembed")
	return NewFastEmbedder(ctx, cfg.Embeddings.Model, cacheDir, cfg.Embeddings.BatchSize)
}

// autoDetect tries providers from best to cheapest. Failures along the way
// are logged, not returned; the static embedder always succeeds.
func autoDetect(ctx context.Context, cfg *config.Config) (Embedder, error) {
	if e, err := newFastEmbed(ctx, cfg); err == nil {
		slog.Info("embedder auto-detected", slog.String("provider", ProviderFastEmbed))
		return e, nil
	} else {
		slog.Debug("fastembed unavailable", slog.String("error", err.Error()))
	}

	if e, err := NewOllamaEmbedder(ctx, OllamaConfig{
		Host:       cfg.Embeddings.OllamaHost,
		Model:      cfg.Embeddings.Model,
		BatchSize:  cfg.Embeddings.BatchSize,
		Dimensions: cfg.Embeddings.Dimensions,
	}); err == nil {
		slog.Info("embedder auto-detected", slog.String("provider", ProviderOllama))
		return e, nil
	} else {
		slog.Debug("ollama unavailable", slog.String("error", err.Error()))
	}

	slog.Warn("falling back to static hash embeddings; semantic quality is reduced")
	return NewStaticEmbedder(), nil
}

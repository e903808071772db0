// Package extract runs the LLM memory-extraction pipeline: fact extraction
// from conversation text, AUDN reconciliation against existing memories
// (Add / Update / Delete / Noop), and application of the decisions through
// the engine. Jobs run asynchronously behind a bounded queue.
package extract

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/recallbox/memoryd/internal/config"
)

// Provider names and their default models.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"

	DefaultAnthropicModel = "claude-haiku-4-5-20251001"
	DefaultOpenAIModel    = "gpt-4.1-nano"
	DefaultOllamaModel    = "gemma3:4b"
)

// Completion is one provider response with token accounting. Zero token
// counts mean the provider reported none; callers estimate instead.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Model() string

	// SupportsAUDN reports whether the model can run the reconcile stage.
	// Without it, facts fall back to a per-fact novelty check.
	SupportsAUDN() bool

	Complete(ctx context.Context, system, user string) (Completion, error)
	HealthCheck(ctx context.Context) bool
}

// NewProvider builds the configured provider. An empty provider name picks
// the first backend with credentials, falling back to ollama.
func NewProvider(cfg config.ExtractionConfig) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		switch {
		case cfg.AnthropicAPIKey != "":
			name = ProviderAnthropic
		case cfg.OpenAIAPIKey != "":
			name = ProviderOpenAI
		default:
			name = ProviderOllama
		}
	}

	var (
		p   Provider
		err error
	)
	switch name {
	case ProviderAnthropic:
		p, err = NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.Model)
	case ProviderOpenAI:
		p, err = NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.Model)
	case ProviderOllama:
		p = NewOllamaProvider(cfg.OllamaURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown extraction provider %q", name)
	}
	if err != nil {
		return nil, err
	}
	if cfg.ProviderRPS > 0 {
		p = RateLimited(p, cfg.ProviderRPS)
	}
	return p, nil
}

// limitedProvider throttles Complete calls through a shared token bucket.
type limitedProvider struct {
	Provider
	limiter *rate.Limiter
}

// RateLimited wraps a provider with an RPS cap (burst 1).
func RateLimited(p Provider, rps float64) Provider {
	return &limitedProvider{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), 1)}
}

func (l *limitedProvider) Complete(ctx context.Context, system, user string) (Completion, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Completion{}, err
	}
	return l.Provider.Complete(ctx, system, user)
}

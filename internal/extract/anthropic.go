package extract

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 1024

// AnthropicProvider runs extraction against the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider requires an API key; the model defaults to the Haiku
// tier, which is fast and cheap enough for per-conversation extraction.
func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic provider requires an API key")
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(anthropicopt.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (p *AnthropicProvider) Name() string       { return ProviderAnthropic }
func (p *AnthropicProvider) Model() string      { return p.model }
func (p *AnthropicProvider) SupportsAUDN() bool { return true }

func (p *AnthropicProvider) Complete(ctx context.Context, system, user string) (Completion, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: anthropicMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("anthropic completion: %w", err)
	}

	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return Completion{
		Text:         b.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) bool {
	_, err := p.Complete(ctx, "Reply with OK", "health check")
	return err == nil
}

package extract

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const openaiMaxTokens = 1024

// OpenAIProvider runs extraction against the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider(apiKey, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai provider requires an API key")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIProvider{client: openai.NewClient(apiKey), model: model}, nil
}

func (p *OpenAIProvider) Name() string       { return ProviderOpenAI }
func (p *OpenAIProvider) Model() string      { return p.model }
func (p *OpenAIProvider) SupportsAUDN() bool { return true }

func (p *OpenAIProvider) Complete(ctx context.Context, system, user string) (Completion, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: openaiMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("openai completion: empty response")
	}
	return Completion{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) bool {
	_, err := p.Complete(ctx, "Reply with OK", "health check")
	return err == nil
}

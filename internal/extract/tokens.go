package extract

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text with the cl100k_base
// encoding. Used when a provider reports no usage (ollama). Falls back to
// the chars/4 rule when the encoding is unavailable.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// fillTokenEstimates substitutes estimates for missing provider counts.
func fillTokenEstimates(c *Completion, system, user string) {
	if c.InputTokens == 0 {
		c.InputTokens = EstimateTokens(system) + EstimateTokens(user)
	}
	if c.OutputTokens == 0 && c.Text != "" {
		c.OutputTokens = EstimateTokens(c.Text)
	}
}

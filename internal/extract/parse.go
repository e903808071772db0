package extract

import (
	"encoding/json"
	"strings"

	"github.com/recallbox/memoryd/internal/store"
)

// Fact is one extracted statement with its normalized category.
type Fact struct {
	Category string `json:"category"`
	Text     string `json:"text"`
}

// ParseJSONArray recovers a JSON array from model output. Models wrap
// arrays in prose or markdown fences often enough that a strict parse
// throws away good answers; try direct, then fenced blocks, then the
// outermost bracket span.
func ParseJSONArray(text string) []json.RawMessage {
	text = strings.TrimSpace(text)

	var out []json.RawMessage
	if json.Unmarshal([]byte(text), &out) == nil {
		return out
	}

	if strings.Contains(text, "```") {
		for _, block := range strings.Split(text, "```") {
			block = strings.TrimSpace(block)
			block = strings.TrimPrefix(block, "json")
			block = strings.TrimSpace(block)
			if json.Unmarshal([]byte(block), &out) == nil {
				return out
			}
		}
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		if json.Unmarshal([]byte(text[start:end+1]), &out) == nil {
			return out
		}
	}
	return nil
}

// parseFacts converts stage-1 output into normalized facts: items are
// either bare strings or {category, text} objects; unknown categories map
// to detail; whitespace collapses; long facts truncate with an ellipsis;
// the list is capped.
func parseFacts(text string, maxFacts, maxChars int) []Fact {
	items := ParseJSONArray(text)
	facts := make([]Fact, 0, len(items))
	for _, item := range items {
		var f Fact
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			f = Fact{Text: s}
		} else if err := json.Unmarshal(item, &f); err != nil {
			continue
		}
		f.Text = normalizeFactText(f.Text, maxChars)
		if f.Text == "" {
			continue
		}
		f.Category = store.NormalizeCategory(f.Category)
		facts = append(facts, f)
		if maxFacts > 0 && len(facts) >= maxFacts {
			break
		}
	}
	return facts
}

// normalizeFactText collapses internal whitespace and truncates to limit
// characters with a trailing ellipsis.
func normalizeFactText(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	if limit > 0 {
		runes := []rune(text)
		if len(runes) > limit {
			text = string(runes[:limit]) + "..."
		}
	}
	return text
}

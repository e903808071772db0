package extract

import (
	"regexp"
	"strings"

	"github.com/recallbox/memoryd/internal/store"
)

// Heuristic extraction bounds. Lines shorter than the floor are noise;
// lines over the ceiling are transcript dumps, not facts.
const (
	heuristicMinLineLen = 20
	heuristicMaxLineLen = 400
)

// decisionLinePattern matches lines that read like decisions, fixes, or
// conventions worth keeping when no model is reachable.
var decisionLinePattern = regexp.MustCompile(`(?i)\b(decided|decision|we will|we'll|chose|chosen|use |using |switched to|fixed|bug|root cause|workaround|convention|always |never |prefer|instead of|because)\b`)

// bulletPrefixPattern strips list markers before matching.
var bulletPrefixPattern = regexp.MustCompile(`^[\s>*+-]+`)

// heuristicFacts extracts decision-ish lines from raw conversation text.
// A crude net compared to the model, but it keeps pre_compact extraction
// from losing everything when the provider is down.
func heuristicFacts(messages string, maxFacts, maxChars int) []Fact {
	var facts []Fact
	seen := make(map[string]bool)
	for _, line := range strings.Split(messages, "\n") {
		line = bulletPrefixPattern.ReplaceAllString(strings.TrimSpace(line), "")
		if len(line) < heuristicMinLineLen || len(line) > heuristicMaxLineLen {
			continue
		}
		if !decisionLinePattern.MatchString(line) {
			continue
		}
		text := normalizeFactText(line, maxChars)
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		facts = append(facts, Fact{Category: store.CategoryDetail, Text: text})
		if maxFacts > 0 && len(facts) >= maxFacts {
			break
		}
	}
	return facts
}

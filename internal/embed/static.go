package embed

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
)

// StaticDimension is the width of hash-based embeddings.
const StaticDimension = 384

const (
	staticTokenWeight   = 0.7
	staticTrigramWeight = 0.3
	staticTrigramSize   = 3
)

var staticTokenRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// StaticEmbedder is a deterministic hash embedder. It needs no network and no
// model files, which makes it the offline fallback and the test embedder.
// Semantic quality is limited to lexical overlap: shared tokens and character
// trigrams produce similar vectors.
type StaticEmbedder struct{}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates the hash embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

func (e *StaticEmbedder) Name() string  { return ProviderStatic }
func (e *StaticEmbedder) Model() string { return "static-hash" }

func (e *StaticEmbedder) Dimension() int { return StaticDimension }

// Encode hashes tokens (weight 0.7) and character trigrams (weight 0.3) into
// fixed vector slots, then normalizes.
func (e *StaticEmbedder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.encodeOne(text)
	}
	return out, nil
}

func (e *StaticEmbedder) encodeOne(text string) []float32 {
	v := make([]float32, StaticDimension)
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return v
	}

	for _, tok := range staticTokenRe.FindAllString(strings.ToLower(trimmed), -1) {
		v[hashToSlot(tok)] += staticTokenWeight
	}
	compact := strings.Join(strings.Fields(strings.ToLower(trimmed)), " ")
	runes := []rune(compact)
	for i := 0; i+staticTrigramSize <= len(runes); i++ {
		v[hashToSlot(string(runes[i:i+staticTrigramSize]))] += staticTrigramWeight
	}
	return normalizeRow(v)
}

func hashToSlot(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % StaticDimension)
}

func (e *StaticEmbedder) Healthy(context.Context) bool { return true }

func (e *StaticEmbedder) Close() error { return nil }

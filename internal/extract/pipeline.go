package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/recallbox/memoryd/internal/config"
	"github.com/recallbox/memoryd/internal/engine"
	"github.com/recallbox/memoryd/internal/search"
)

// Memory is the engine surface the pipeline needs.
type Memory interface {
	HybridSearch(ctx context.Context, query string, k int, threshold *float64, sourcePrefix string) ([]engine.Hit, error)
	IsNovel(ctx context.Context, text string, threshold float64) (bool, float64, error)
	Add(ctx context.Context, texts, sources []string, metadatas []map[string]any, deduplicate bool, dedupThreshold float64) ([]int64, error)
	Delete(ctx context.Context, id int64) error
}

// Action is one applied (or attempted) decision in a job result.
type Action struct {
	Action     string `json:"action"`
	Text       string `json:"text,omitempty"`
	ID         *int64 `json:"id,omitempty"`
	OldID      *int64 `json:"old_id,omitempty"`
	NewID      *int64 `json:"new_id,omitempty"`
	ExistingID *int64 `json:"existing_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TokenCounts is provider usage for one stage.
type TokenCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Tokens is per-stage provider usage for one job.
type Tokens struct {
	Extract TokenCounts `json:"extract"`
	AUDN    TokenCounts `json:"audn"`
}

// Result is the outcome of one extraction job.
type Result struct {
	Actions        []Action `json:"actions"`
	ExtractedCount int      `json:"extracted_count"`
	StoredCount    int      `json:"stored_count"`
	UpdatedCount   int      `json:"updated_count"`
	DeletedCount   int      `json:"deleted_count"`
	Tokens         Tokens   `json:"tokens"`

	Error             string `json:"error,omitempty"`
	ErrorStage        string `json:"error_stage,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	FallbackTriggered bool   `json:"fallback_triggered,omitempty"`
}

// decision is one parsed AUDN output item.
type decision struct {
	Action     string `json:"action"`
	FactIndex  int    `json:"fact_index"`
	OldID      *int64 `json:"old_id"`
	NewText    string `json:"new_text"`
	ExistingID *int64 `json:"existing_id"`
}

// Pipeline runs the three extraction stages against one engine.
type Pipeline struct {
	provider Provider
	memory   Memory
	cfg      config.ExtractionConfig

	// OnTokens, when set, receives per-stage usage for analytics.
	OnTokens func(stage string, inputTokens, outputTokens int)
}

// NewPipeline wires a pipeline. The provider may not be nil; a nil provider
// means extraction is disabled and the queue should not exist.
func NewPipeline(provider Provider, memory Memory, cfg config.ExtractionConfig) *Pipeline {
	return &Pipeline{provider: provider, memory: memory, cfg: cfg}
}

// Provider exposes the active provider for status reporting.
func (p *Pipeline) Provider() Provider { return p.provider }

// Run executes one extraction job. It never returns an error: provider
// failures are encoded in the result so the job record stays inspectable.
func (p *Pipeline) Run(ctx context.Context, messages, source, jobContext string) Result {
	var result Result

	system := extractionSystem(jobContext)
	comp, err := p.provider.Complete(ctx, system, messages)
	if err != nil {
		slog.Error("fact extraction failed",
			slog.String("provider", p.provider.Name()),
			slog.String("error", err.Error()))
		result.Error = "provider_runtime_failure"
		result.ErrorStage = "extract"
		result.ErrorMessage = err.Error()
		if p.cfg.HeuristicFallback {
			p.runHeuristicFallback(ctx, messages, source, &result)
		}
		return result
	}
	fillTokenEstimates(&comp, system, messages)
	result.Tokens.Extract = TokenCounts{Input: comp.InputTokens, Output: comp.OutputTokens}
	p.recordTokens("extract", comp)

	facts := parseFacts(comp.Text, p.cfg.MaxFacts, p.cfg.MaxFactChars)
	result.ExtractedCount = len(facts)
	slog.Info("facts extracted",
		slog.Int("count", len(facts)),
		slog.String("context", jobContext))
	if len(facts) == 0 {
		result.Actions = []Action{}
		return result
	}

	decisions := p.decide(ctx, facts, &result)
	p.apply(ctx, decisions, facts, source, &result)

	slog.Info("extraction complete",
		slog.Int("extracted", result.ExtractedCount),
		slog.Int("stored", result.StoredCount),
		slog.Int("updated", result.UpdatedCount),
		slog.Int("deleted", result.DeletedCount))
	return result
}

// decide runs stage 2. AUDN-capable providers see each fact's nearest
// neighbours and emit one decision per fact; others fall back to a novelty
// check deciding ADD or NOOP. An AUDN call failure degrades to
// ADD-everything so extracted facts are never dropped.
func (p *Pipeline) decide(ctx context.Context, facts []Fact, result *Result) []decision {
	if !p.provider.SupportsAUDN() {
		decisions := make([]decision, 0, len(facts))
		for i, fact := range facts {
			novel, _, err := p.memory.IsNovel(ctx, fact.Text, p.noveltyThreshold())
			if err != nil || novel {
				decisions = append(decisions, decision{Action: "ADD", FactIndex: i})
			} else {
				decisions = append(decisions, decision{Action: "NOOP", FactIndex: i})
			}
		}
		return decisions
	}

	type factItem struct {
		Index int    `json:"index"`
		Text  string `json:"text"`
	}
	items := make([]factItem, len(facts))
	for i, f := range facts {
		items[i] = factItem{Index: i, Text: f.Text}
	}
	factsJSON, _ := json.MarshalIndent(items, "", "  ")

	type neighbour struct {
		ID         int64   `json:"id"`
		Text       string  `json:"text"`
		Similarity float64 `json:"similarity"`
	}
	similar := make(map[string][]neighbour, len(facts))
	for i, fact := range facts {
		hits, err := p.memory.HybridSearch(ctx, fact.Text, p.similarTopK(), nil, "")
		if err != nil {
			similar[fmt.Sprint(i)] = []neighbour{}
			continue
		}
		ns := make([]neighbour, 0, len(hits))
		for _, h := range hits {
			sim := 0.0
			if h.Similarity != nil {
				sim = search.Round3(*h.Similarity)
			}
			ns = append(ns, neighbour{
				ID:         h.Record.ID,
				Text:       truncateRunes(h.Record.Text, p.cfg.SimilarTextChars),
				Similarity: sim,
			})
		}
		similar[fmt.Sprint(i)] = ns
	}
	similarJSON, _ := json.MarshalIndent(similar, "", "  ")

	prompt := fmt.Sprintf(audnPromptTemplate, factsJSON, similarJSON)
	comp, err := p.provider.Complete(ctx, audnSystemPrompt, prompt)
	if err != nil {
		slog.Error("audn stage failed, adding all facts", slog.String("error", err.Error()))
		decisions := make([]decision, len(facts))
		for i := range facts {
			decisions[i] = decision{Action: "ADD", FactIndex: i}
		}
		return decisions
	}
	fillTokenEstimates(&comp, audnSystemPrompt, prompt)
	result.Tokens.AUDN = TokenCounts{Input: comp.InputTokens, Output: comp.OutputTokens}
	p.recordTokens("audn", comp)

	var decisions []decision
	for _, raw := range ParseJSONArray(comp.Text) {
		var d decision
		if err := json.Unmarshal(raw, &d); err != nil || d.Action == "" {
			continue
		}
		d.Action = strings.ToUpper(d.Action)
		decisions = append(decisions, d)
	}
	if len(decisions) == 0 {
		for i := range facts {
			decisions = append(decisions, decision{Action: "ADD", FactIndex: i})
		}
	}
	return decisions
}

// apply executes decisions. Per-action errors are captured on the action
// and the job continues.
func (p *Pipeline) apply(ctx context.Context, decisions []decision, facts []Fact, source string, result *Result) {
	result.Actions = make([]Action, 0, len(decisions))
	for _, d := range decisions {
		var fact Fact
		if d.FactIndex >= 0 && d.FactIndex < len(facts) {
			fact = facts[d.FactIndex]
		}

		switch d.Action {
		case "ADD":
			meta := map[string]any{"category": fact.Category}
			ids, err := p.memory.Add(ctx, []string{fact.Text}, []string{source},
				[]map[string]any{meta}, true, 0)
			if err != nil {
				result.Actions = append(result.Actions, Action{Action: "error", Text: fact.Text, Error: err.Error()})
				continue
			}
			act := Action{Action: "add", Text: fact.Text}
			if len(ids) > 0 {
				act.ID = &ids[0]
			}
			result.Actions = append(result.Actions, act)
			result.StoredCount++

		case "UPDATE":
			newText := d.NewText
			if newText == "" {
				newText = fact.Text
			}
			if d.OldID != nil {
				if err := p.memory.Delete(ctx, *d.OldID); err != nil {
					slog.Warn("audn update: old memory delete failed",
						slog.Int64("old_id", *d.OldID),
						slog.String("error", err.Error()))
				}
			}
			meta := map[string]any{"category": fact.Category}
			if d.OldID != nil {
				meta["supersedes"] = *d.OldID
			}
			ids, err := p.memory.Add(ctx, []string{newText}, []string{source},
				[]map[string]any{meta}, false, 0)
			if err != nil {
				result.Actions = append(result.Actions, Action{Action: "error", Text: newText, Error: err.Error()})
				continue
			}
			act := Action{Action: "update", Text: newText, OldID: d.OldID}
			if len(ids) > 0 {
				act.NewID = &ids[0]
			}
			result.Actions = append(result.Actions, act)
			result.UpdatedCount++

		case "DELETE":
			if d.OldID == nil {
				continue
			}
			if err := p.memory.Delete(ctx, *d.OldID); err != nil {
				result.Actions = append(result.Actions, Action{Action: "error", OldID: d.OldID, Error: err.Error()})
				continue
			}
			result.Actions = append(result.Actions, Action{Action: "delete", OldID: d.OldID})
			result.DeletedCount++

		case "NOOP":
			result.Actions = append(result.Actions, Action{Action: "noop", Text: fact.Text, ExistingID: d.ExistingID})
		}
	}
}

// runHeuristicFallback stores regex-extracted facts when the provider is
// down and fallback is enabled.
func (p *Pipeline) runHeuristicFallback(ctx context.Context, messages, source string, result *Result) {
	facts := heuristicFacts(messages, p.cfg.MaxFacts, p.cfg.MaxFactChars)
	if len(facts) == 0 {
		return
	}
	result.FallbackTriggered = true
	result.ExtractedCount = len(facts)
	for _, fact := range facts {
		meta := map[string]any{"category": fact.Category}
		ids, err := p.memory.Add(ctx, []string{fact.Text}, []string{source},
			[]map[string]any{meta}, true, 0)
		if err != nil {
			result.Actions = append(result.Actions, Action{Action: "error", Text: fact.Text, Error: err.Error()})
			continue
		}
		act := Action{Action: "add", Text: fact.Text}
		if len(ids) > 0 {
			act.ID = &ids[0]
		}
		result.Actions = append(result.Actions, act)
		result.StoredCount++
	}
	slog.Warn("heuristic fallback stored facts", slog.Int("count", result.StoredCount))
}

func (p *Pipeline) recordTokens(stage string, comp Completion) {
	if p.OnTokens != nil {
		p.OnTokens(stage, comp.InputTokens, comp.OutputTokens)
	}
}

func (p *Pipeline) similarTopK() int {
	if p.cfg.SimilarTopK > 0 {
		return p.cfg.SimilarTopK
	}
	return 5
}

func (p *Pipeline) noveltyThreshold() float64 {
	return 0.88
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// Package usage records API operations and extraction token spend in a
// local SQLite database for the /usage endpoint. Recording is best-effort:
// failures are logged at debug and never surface to request handlers.
package usage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO
)

// Per-model pricing in USD per 1M tokens. Unknown models fall back to
// $1 input / $4 output.
var modelPricing = map[string]struct{ input, output float64 }{
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250514": {3.00, 15.00},
	"gpt-4.1-nano":               {0.10, 0.40},
	"gpt-4.1-mini":               {0.40, 1.60},
	"gemma3:4b":                  {0, 0},
}

const fallbackInputPrice, fallbackOutputPrice = 1.0, 4.0

// OperationUsage aggregates one API operation over the period.
type OperationUsage struct {
	Total    int64            `json:"total"`
	BySource map[string]int64 `json:"by_source"`
}

// ModelUsage aggregates one model's extraction calls over the period.
type ModelUsage struct {
	Calls        int64 `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ExtractionUsage sums token spend across providers.
type ExtractionUsage struct {
	TotalCalls        int64                 `json:"total_calls"`
	TotalInputTokens  int64                 `json:"total_input_tokens"`
	TotalOutputTokens int64                 `json:"total_output_tokens"`
	ByModel           map[string]ModelUsage `json:"by_model"`
	EstimatedCostUSD  float64               `json:"estimated_cost_usd"`
}

// Report is the /usage response body.
type Report struct {
	Enabled    bool                      `json:"enabled"`
	Period     string                    `json:"period,omitempty"`
	Operations map[string]OperationUsage `json:"operations,omitempty"`
	Extraction *ExtractionUsage          `json:"extraction,omitempty"`
}

// Tracker records usage events. The null implementation keeps handlers
// free of enabled checks.
type Tracker interface {
	LogAPIEvent(operation, source string, count int)
	LogExtractionTokens(provider, model, stage string, inputTokens, outputTokens int, source string)
	GetUsage(period string) (Report, error)
	Close() error
}

// NullTracker is the no-op tracker used when usage tracking is disabled.
type NullTracker struct{}

func (NullTracker) LogAPIEvent(string, string, int) {}

func (NullTracker) LogExtractionTokens(string, string, string, int, int, string) {}

func (NullTracker) GetUsage(string) (Report, error) { return Report{Enabled: false}, nil }

func (NullTracker) Close() error { return nil }

// SQLiteTracker persists events to usage.db in WAL mode.
type SQLiteTracker struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the usage database and ensures the schema.
func Open(path string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	// One connection serializes writers; WAL keeps readers off their backs.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("usage db pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS api_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		operation TEXT NOT NULL,
		source TEXT DEFAULT '',
		count INTEGER DEFAULT 1
	);
	CREATE TABLE IF NOT EXISTS extraction_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		stage TEXT NOT NULL,
		input_tokens INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		source TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_api_events_ts ON api_events(ts);
	CREATE INDEX IF NOT EXISTS idx_api_events_op ON api_events(operation);
	CREATE INDEX IF NOT EXISTS idx_extraction_tokens_ts ON extraction_tokens(ts);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage schema: %w", err)
	}

	slog.Info("usage tracker initialized", slog.String("path", path))
	return &SQLiteTracker{db: db, now: time.Now}, nil
}

// timestamp format matches lexical ordering so range filters are plain
// string comparisons.
const tsFormat = "2006-01-02T15:04:05Z"

// LogAPIEvent records one API operation.
func (t *SQLiteTracker) LogAPIEvent(operation, source string, count int) {
	if count <= 0 {
		count = 1
	}
	_, err := t.db.Exec(
		"INSERT INTO api_events (ts, operation, source, count) VALUES (?, ?, ?, ?)",
		t.now().UTC().Format(tsFormat), operation, source, count,
	)
	if err != nil {
		slog.Debug("failed to log api event", slog.String("error", err.Error()))
	}
}

// LogExtractionTokens records one provider call's token spend.
func (t *SQLiteTracker) LogExtractionTokens(provider, model, stage string, inputTokens, outputTokens int, source string) {
	_, err := t.db.Exec(
		"INSERT INTO extraction_tokens (ts, provider, model, stage, input_tokens, output_tokens, source) VALUES (?, ?, ?, ?, ?, ?, ?)",
		t.now().UTC().Format(tsFormat), provider, model, stage, inputTokens, outputTokens, source,
	)
	if err != nil {
		slog.Debug("failed to log extraction tokens", slog.String("error", err.Error()))
	}
}

// periodCutoff returns the inclusive lower timestamp bound for a period,
// or "" for no bound. Unknown periods behave as 7d.
func (t *SQLiteTracker) periodCutoff(period string) (string, string) {
	now := t.now().UTC()
	switch period {
	case "today":
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return "today", midnight.Format(tsFormat)
	case "30d":
		return "30d", now.AddDate(0, 0, -30).Format(tsFormat)
	case "all":
		return "all", ""
	case "7d":
		return "7d", now.AddDate(0, 0, -7).Format(tsFormat)
	default:
		return "7d", now.AddDate(0, 0, -7).Format(tsFormat)
	}
}

// GetUsage aggregates operations and token spend for the period
// (today|7d|30d|all).
func (t *SQLiteTracker) GetUsage(period string) (Report, error) {
	period, cutoff := t.periodCutoff(period)

	filter := ""
	var args []any
	if cutoff != "" {
		filter = " AND ts >= ?"
		args = append(args, cutoff)
	}

	operations := make(map[string]OperationUsage)
	rows, err := t.db.Query(
		"SELECT operation, source, SUM(count) FROM api_events WHERE 1=1"+filter+" GROUP BY operation, source", args...)
	if err != nil {
		return Report{}, fmt.Errorf("query api events: %w", err)
	}
	for rows.Next() {
		var op, source string
		var total int64
		if err := rows.Scan(&op, &source, &total); err != nil {
			rows.Close()
			return Report{}, fmt.Errorf("scan api event: %w", err)
		}
		usage := operations[op]
		if usage.BySource == nil {
			usage.BySource = make(map[string]int64)
		}
		usage.Total += total
		if source == "" {
			source = "(unknown)"
		}
		usage.BySource[source] += total
		operations[op] = usage
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Report{}, err
	}
	rows.Close()

	extraction := ExtractionUsage{ByModel: make(map[string]ModelUsage)}
	rows, err = t.db.Query(
		"SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens) FROM extraction_tokens WHERE 1=1"+filter+" GROUP BY provider, model, stage", args...)
	if err != nil {
		return Report{}, fmt.Errorf("query extraction tokens: %w", err)
	}
	for rows.Next() {
		var model string
		var calls, input, output int64
		if err := rows.Scan(&model, &calls, &input, &output); err != nil {
			rows.Close()
			return Report{}, fmt.Errorf("scan extraction tokens: %w", err)
		}
		extraction.TotalCalls += calls
		extraction.TotalInputTokens += input
		extraction.TotalOutputTokens += output
		mu := extraction.ByModel[model]
		mu.Calls += calls
		mu.InputTokens += input
		mu.OutputTokens += output
		extraction.ByModel[model] = mu
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Report{}, err
	}
	rows.Close()

	var cost float64
	for model, mu := range extraction.ByModel {
		pricing, ok := modelPricing[model]
		if !ok {
			slog.Warn("unknown model for pricing, using fallback",
				slog.String("model", model))
			pricing = struct{ input, output float64 }{fallbackInputPrice, fallbackOutputPrice}
		}
		cost += float64(mu.InputTokens) / 1e6 * pricing.input
		cost += float64(mu.OutputTokens) / 1e6 * pricing.output
	}
	extraction.EstimatedCostUSD = math.Round(cost*10000) / 10000

	return Report{
		Enabled:    true,
		Period:     period,
		Operations: operations,
		Extraction: &extraction,
	}, nil
}

// Close releases the database.
func (t *SQLiteTracker) Close() error { return t.db.Close() }

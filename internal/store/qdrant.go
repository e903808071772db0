package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/recallbox/memoryd/internal/apperr"
)

// QdrantConfig configures the Qdrant REST adapter.
type QdrantConfig struct {
	BaseURL    string
	APIKey     string
	Collection string
	// WriteOrdering is the write ordering mode (default "strong").
	WriteOrdering string
	// ReadConsistency is the search consistency level (default "majority").
	ReadConsistency string
}

// QdrantStore talks to a Qdrant instance over its REST API. Writes are sent
// with wait=true and the configured ordering so a subsequent read observes
// them; searches use the configured consistency level.
type QdrantStore struct {
	cfg    QdrantConfig
	client *http.Client
}

var _ VectorStore = (*QdrantStore)(nil)

// NewQdrantStore creates the adapter. The collection is not touched until
// EnsureCollection.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:6333"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Collection == "" {
		cfg.Collection = "memories"
	}
	if cfg.WriteOrdering == "" {
		cfg.WriteOrdering = "strong"
	}
	if cfg.ReadConsistency == "" {
		cfg.ReadConsistency = "majority"
	}
	return &QdrantStore{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// qdrantStatus accepts both `"ok"` and `{"error": "..."}` forms.
type qdrantStatus struct {
	State string
	Error string
}

func (s *qdrantStatus) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.State = strings.ToLower(v)
		return nil
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Error != "" {
		s.State = "error"
		s.Error = obj.Error
	}
	return nil
}

type qdrantEnvelope[T any] struct {
	Status qdrantStatus `json:"status"`
	Time   float64      `json:"time"`
	Result T            `json:"result"`
}

type qdrantPoint struct {
	ID      json.Number    `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// EnsureCollection creates the cosine collection when absent.
func (q *QdrantStore) EnsureCollection(ctx context.Context, dim int) error {
	existing, err := q.GetDimension(ctx)
	if err != nil {
		return err
	}
	if existing != 0 {
		return nil
	}
	return q.createCollection(ctx, dim)
}

func (q *QdrantStore) createCollection(ctx context.Context, dim int) error {
	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	err := q.do(ctx, http.MethodPut, q.collectionPath(""), body, nil)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	return err
}

// GetDimension reads the configured vector size, 0 when the collection is
// missing.
func (q *QdrantStore) GetDimension(ctx context.Context) (int, error) {
	var resp qdrantEnvelope[struct {
		Config struct {
			Params struct {
				Vectors json.RawMessage `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}]
	err := q.do(ctx, http.MethodGet, q.collectionPath(""), nil, &resp)
	if err != nil {
		if isNotFoundStatus(err) {
			return 0, nil
		}
		return 0, err
	}

	raw := resp.Result.Config.Params.Vectors
	if len(raw) == 0 {
		return 0, nil
	}
	// Single unnamed vector config.
	var single struct {
		Size int `json:"size"`
	}
	if err := json.Unmarshal(raw, &single); err == nil && single.Size > 0 {
		return single.Size, nil
	}
	// Named vector configs: take the first size found.
	var named map[string]struct {
		Size int `json:"size"`
	}
	if err := json.Unmarshal(raw, &named); err == nil {
		for _, v := range named {
			if v.Size > 0 {
				return v.Size, nil
			}
		}
	}
	return 0, nil
}

// RecreateCollection drops the collection (ignoring absence) and recreates it.
func (q *QdrantStore) RecreateCollection(ctx context.Context, dim int) error {
	if err := q.do(ctx, http.MethodDelete, q.collectionPath(""), nil, nil); err != nil && !isNotFoundStatus(err) {
		return err
	}
	return q.createCollection(ctx, dim)
}

// Count returns the exact point count.
func (q *QdrantStore) Count(ctx context.Context) (int, error) {
	var resp qdrantEnvelope[struct {
		Count int `json:"count"`
	}]
	body := map[string]any{"exact": true}
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/count"), body, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// UpsertPoints writes points with wait-for-commit and strong ordering.
func (q *QdrantStore) UpsertPoints(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	items := make([]map[string]any, 0, len(points))
	for _, p := range points {
		items = append(items, map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		})
	}
	path := q.collectionPath("/points") + "?wait=true&ordering=" + url.QueryEscape(q.cfg.WriteOrdering)
	return q.do(ctx, http.MethodPut, path, map[string]any{"points": items}, nil)
}

// Search runs an ANN query with the configured read consistency.
func (q *QdrantStore) Search(ctx context.Context, vector []float32, limit int, threshold *float64) ([]SearchHit, error) {
	if limit <= 0 {
		return []SearchHit{}, nil
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if threshold != nil {
		body["score_threshold"] = *threshold
	}
	// Read consistency is a query parameter, not a request body member.
	path := q.collectionPath("/points/search")
	if q.cfg.ReadConsistency != "" {
		path += "?consistency=" + url.QueryEscape(q.cfg.ReadConsistency)
	}
	var resp qdrantEnvelope[[]qdrantPoint]
	if err := q.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(resp.Result))
	for _, p := range resp.Result {
		id, err := p.ID.Int64()
		if err != nil {
			continue
		}
		hits = append(hits, SearchHit{ID: id, Score: p.Score, Payload: p.Payload})
	}
	return hits, nil
}

// SetPayload replaces the full payload of one point without re-upserting
// its vector.
func (q *QdrantStore) SetPayload(ctx context.Context, id int64, payload map[string]any) error {
	body := map[string]any{
		"points":  []int64{id},
		"payload": payload,
	}
	path := q.collectionPath("/points/payload") + "?wait=true"
	return q.do(ctx, http.MethodPut, path, body, nil)
}

// DeletePoints removes points with wait-for-commit.
func (q *QdrantStore) DeletePoints(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	path := q.collectionPath("/points/delete") + "?wait=true&ordering=" + url.QueryEscape(q.cfg.WriteOrdering)
	return q.do(ctx, http.MethodPost, path, map[string]any{"points": ids}, nil)
}

// ScrollAll pages through points, payload only.
func (q *QdrantStore) ScrollAll(ctx context.Context, offset any, limit int) ([]Point, any, error) {
	if limit <= 0 {
		limit = 100
	}
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if offset != nil {
		body["offset"] = offset
	}
	var resp qdrantEnvelope[struct {
		Points []qdrantPoint   `json:"points"`
		Offset json.RawMessage `json:"next_page_offset"`
	}]
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/scroll"), body, &resp); err != nil {
		return nil, nil, err
	}
	points := make([]Point, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		id, err := p.ID.Int64()
		if err != nil {
			continue
		}
		points = append(points, Point{ID: id, Payload: p.Payload})
	}
	var next any
	raw := strings.TrimSpace(string(resp.Result.Offset))
	if raw != "" && raw != "null" {
		next = json.RawMessage(resp.Result.Offset)
	}
	return points, next, nil
}

// Close releases idle connections.
func (q *QdrantStore) Close() error {
	q.client.CloseIdleConnections()
	return nil
}

func (q *QdrantStore) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(q.cfg.Collection) + suffix
}

// do performs one REST call, decoding the response envelope into out.
func (q *QdrantStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal qdrant request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.cfg.APIKey != "" {
		req.Header.Set("api-key", q.cfg.APIKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return apperr.Unavailable("vector store unreachable", err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode >= 400 {
		var env qdrantEnvelope[json.RawMessage]
		if json.Unmarshal(payload, &env) == nil && env.Status.Error != "" {
			return &qdrantError{status: resp.StatusCode, message: env.Status.Error}
		}
		return &qdrantError{
			status:  resp.StatusCode,
			message: fmt.Sprintf("qdrant %s %s: http %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload))),
		}
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode qdrant response: %w", err)
		}
	}
	return nil
}

type qdrantError struct {
	status  int
	message string
}

func (e *qdrantError) Error() string {
	return e.message
}

func isNotFoundStatus(err error) bool {
	qe, ok := err.(*qdrantError)
	return ok && qe.status == http.StatusNotFound
}

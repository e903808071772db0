package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQdrantSearchSendsConsistencyAsQueryParam(t *testing.T) {
	var gotQuery string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/collections/memories/points/search", r.URL.Path)
		gotQuery = r.URL.Query().Get("consistency")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"status":"ok","result":[{"id":7,"score":0.91}]}`))
	}))
	defer srv.Close()

	q := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, ReadConsistency: "majority"})
	hits, err := q.Search(context.Background(), []float32{0.1, 0.2}, 5, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(7), hits[0].ID)

	// Consistency travels on the URL; the search body has no such member.
	assert.Equal(t, "majority", gotQuery)
	_, inBody := gotBody["consistency"]
	assert.False(t, inBody)
	assert.Equal(t, float64(5), gotBody["limit"])
}

func TestQdrantSearchThresholdInBody(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"status":"ok","result":[]}`))
	}))
	defer srv.Close()

	q := NewQdrantStore(QdrantConfig{BaseURL: srv.URL})
	threshold := 0.8
	_, err := q.Search(context.Background(), []float32{1, 0}, 3, &threshold)
	require.NoError(t, err)
	assert.Equal(t, 0.8, gotBody["score_threshold"])
}

func TestQdrantUpsertSendsWaitAndOrdering(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		_, _ = w.Write([]byte(`{"status":"ok","result":{}}`))
	}))
	defer srv.Close()

	q := NewQdrantStore(QdrantConfig{BaseURL: srv.URL})
	err := q.UpsertPoints(context.Background(), []Point{{ID: 1, Vector: []float32{1, 0}}})
	require.NoError(t, err)
	assert.Contains(t, gotURL, "wait=true")
	assert.Contains(t, gotURL, "ordering=strong")
}

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"the", "quick", "brown", "fox"}, Tokenize("The  Quick\tBrown\nFox"))
	assert.Empty(t, Tokenize("   "))
	assert.Empty(t, Tokenize(""))
}

func TestNewSparseIndexFactory(t *testing.T) {
	for _, backend := range []string{"", SparseBackendSQLite, SparseBackendBleve} {
		idx, err := NewSparseIndex(backend)
		require.NoError(t, err, backend)
		require.NoError(t, idx.Close())
	}
	_, err := NewSparseIndex("tantivy")
	assert.Error(t, err)
}

func sparseBackends(t *testing.T) map[string]SparseIndex {
	t.Helper()
	sqlite, err := NewSQLiteSparseIndex()
	require.NoError(t, err)
	bl, err := NewBleveSparseIndex()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlite.Close()
		_ = bl.Close()
	})
	return map[string]SparseIndex{"sqlite": sqlite, "bleve": bl}
}

func TestSparseScoresPositional(t *testing.T) {
	ctx := context.Background()
	docs := []string{
		"python is a programming language",
		"the cat sat on the mat",
		"go is a compiled programming language",
	}
	for name, idx := range sparseBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Rebuild(ctx, docs))
			assert.Equal(t, 3, idx.Len())

			scores, err := idx.Scores(ctx, Tokenize("programming language"))
			require.NoError(t, err)
			require.Len(t, scores, 3)
			assert.Greater(t, scores[0], 0.0)
			assert.Equal(t, 0.0, scores[1])
			assert.Greater(t, scores[2], 0.0)

			scores, err = idx.Scores(ctx, Tokenize("python"))
			require.NoError(t, err)
			assert.Greater(t, scores[0], 0.0)
			assert.Equal(t, 0.0, scores[1])
			assert.Equal(t, 0.0, scores[2])
		})
	}
}

func TestSparseRebuildReplacesCorpus(t *testing.T) {
	ctx := context.Background()
	for name, idx := range sparseBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Rebuild(ctx, []string{"alpha beta", "gamma delta"}))
			require.NoError(t, idx.Rebuild(ctx, []string{"epsilon"}))
			assert.Equal(t, 1, idx.Len())

			scores, err := idx.Scores(ctx, Tokenize("alpha"))
			require.NoError(t, err)
			require.Len(t, scores, 1)
			assert.Equal(t, 0.0, scores[0])
		})
	}
}

func TestSparseEmptyCorpusAndQuery(t *testing.T) {
	ctx := context.Background()
	for name, idx := range sparseBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Rebuild(ctx, nil))
			scores, err := idx.Scores(ctx, Tokenize("anything"))
			require.NoError(t, err)
			assert.Empty(t, scores)

			require.NoError(t, idx.Rebuild(ctx, []string{"something here"}))
			scores, err = idx.Scores(ctx, nil)
			require.NoError(t, err)
			require.Len(t, scores, 1)
			assert.Equal(t, 0.0, scores[0])
		})
	}
}

func TestSQLiteSparseHostilePunctuation(t *testing.T) {
	ctx := context.Background()
	idx, err := NewSQLiteSparseIndex()
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Rebuild(ctx, []string{"select star from users"}))
	scores, err := idx.Scores(ctx, Tokenize(`"quoted" AND (parens) NOT -dash`))
	require.NoError(t, err)
	require.Len(t, scores, 1)
}

func TestMetadataLogRoundTrip(t *testing.T) {
	path := t.TempDir() + "/metadata.json"

	records, err := LoadRecords(path)
	require.NoError(t, err)
	assert.Nil(t, records)

	in := []Record{
		NewRecord(0, "first memory", "chat", map[string]any{"project": "alpha"}),
		NewRecord(1, "second memory", "docs", nil),
	}
	require.NoError(t, SaveRecords(path, in))

	out, err := LoadRecords(path)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in[0].Text, out[0].Text)
	assert.Equal(t, "alpha", out[0].Extra["project"])
	assert.Equal(t, int64(1), out[1].ID)
}

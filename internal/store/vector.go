package store

import (
	"context"
	"math"
)

// Point is one entry in a vector collection.
type Point struct {
	ID      int64          `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload"`
}

// SearchHit is one similarity search result. Score is cosine similarity,
// in [-1, 1] (practically [0, 1] for unit vectors).
type SearchHit struct {
	ID      int64
	Score   float64
	Payload map[string]any
}

// VectorStore is the dense retrieval backend. Implementations must provide
// exact counts, strong write ordering with wait-for-commit, and cosine
// scoring over int64-keyed points with JSON payloads.
type VectorStore interface {
	// EnsureCollection creates the cosine collection if missing. Idempotent.
	EnsureCollection(ctx context.Context, dim int) error

	// GetDimension returns the configured vector size, or 0 when the
	// collection does not exist yet.
	GetDimension(ctx context.Context) (int, error)

	// RecreateCollection drops and recreates the collection.
	RecreateCollection(ctx context.Context, dim int) error

	// Count returns the exact number of points.
	Count(ctx context.Context) (int, error)

	// UpsertPoints inserts or replaces points, waiting for commit.
	UpsertPoints(ctx context.Context, points []Point) error

	// Search returns up to limit hits ordered by descending similarity.
	// A non-nil threshold drops hits scoring below it.
	Search(ctx context.Context, vector []float32, limit int, threshold *float64) ([]SearchHit, error)

	// SetPayload rewrites the payload of an existing point without touching
	// its vector. Backs the source-only update fast path.
	SetPayload(ctx context.Context, id int64, payload map[string]any) error

	// DeletePoints removes points by id. Unknown ids are ignored.
	DeletePoints(ctx context.Context, ids []int64) error

	// ScrollAll pages through all points (payload only, ascending id).
	// A nil next offset means the scroll is exhausted.
	ScrollAll(ctx context.Context, offset any, limit int) ([]Point, any, error)

	// Close releases backend resources.
	Close() error
}

// NormalizeVector scales v to unit length in place. Zero vectors are left
// unchanged.
func NormalizeVector(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// CosineSimilarity computes the cosine of the angle between a and b.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Package search fuses dense and sparse retrieval legs into one ranking
// using Reciprocal Rank Fusion (RRF).
package search

import (
	"math"
	"sort"
)

// DefaultRRFConstant is the standard RRF smoothing parameter. k=60 is the
// widely used value (Azure AI Search, OpenSearch and others ship it).
const DefaultRRFConstant = 60

// DefaultVectorWeight is the share of the fused score given to the dense leg.
const DefaultVectorWeight = 0.7

// RankedID is one entry of a retrieval leg, best first.
type RankedID struct {
	ID    int64
	Score float64
}

// FusedHit is one result after fusion. Similarity carries the dense leg's
// cosine score when the id appeared there, else NaN.
type FusedHit struct {
	ID         int64
	RRFScore   float64
	Similarity float64
}

// HasSimilarity reports whether the hit appeared in the dense leg.
func (h FusedHit) HasSimilarity() bool {
	return !math.IsNaN(h.Similarity)
}

// Fuser combines a dense and a sparse ranking with weighted RRF.
type Fuser struct {
	K            int
	VectorWeight float64
}

// NewFuser returns a fuser with the default smoothing constant and vector
// weight.
func NewFuser() *Fuser {
	return &Fuser{K: DefaultRRFConstant, VectorWeight: DefaultVectorWeight}
}

// Fuse merges the two legs and returns the top limit hits by descending
// RRF score. Each leg contributes weight/(rank+K) with rank counted from 0;
// ids missing from a leg simply get no contribution from it. RRF scores are
// rounded to 6 decimal places.
func (f *Fuser) Fuse(vectorLeg, sparseLeg []RankedID, limit int) []FusedHit {
	k := f.K
	if k <= 0 {
		k = DefaultRRFConstant
	}
	w := f.VectorWeight
	if w < 0 || w > 1 {
		w = DefaultVectorWeight
	}

	scores := make(map[int64]float64, len(vectorLeg)+len(sparseLeg))
	similarity := make(map[int64]float64, len(vectorLeg))
	for rank, r := range vectorLeg {
		scores[r.ID] += w / float64(rank+k)
		similarity[r.ID] = r.Score
	}
	for rank, r := range sparseLeg {
		scores[r.ID] += (1 - w) / float64(rank+k)
	}

	hits := make([]FusedHit, 0, len(scores))
	for id, score := range scores {
		sim := math.NaN()
		if s, ok := similarity[id]; ok {
			sim = s
		}
		hits = append(hits, FusedHit{ID: id, RRFScore: Round6(score), Similarity: sim})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].RRFScore != hits[j].RRFScore {
			return hits[i].RRFScore > hits[j].RRFScore
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Round6 rounds to 6 decimal places, the precision search scores are
// reported at.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Round3 rounds to 3 decimal places, used for neighbour similarities shown
// to the extraction model.
func Round3(v float64) float64 {
	return math.Round(v*1e3) / 1e3
}

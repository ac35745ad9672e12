package memory

import (
	"math"
	"sort"
)

// Weights are the retrieval scoring constants:
//
//	score = Semantic*cos(query, entry) + Keyword*|tags ∩ query| + importance/ImportanceDivisor
//
// Entries scoring at or below Threshold are dropped; at most TopK are kept.
type Weights struct {
	Semantic          float64
	Keyword           float64
	ImportanceDivisor float64
	Threshold         float64
	TopK              int
}

// DefaultWeights are empirically chosen and kept as-is.
var DefaultWeights = Weights{
	Semantic:          10,
	Keyword:           2,
	ImportanceDivisor: 10,
	Threshold:         3,
	TopK:              5,
}

// Scored pairs an entry with its retrieval score.
type Scored struct {
	Entry *Entry
	Score float64
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either is empty or zero-norm or their lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Rounding can push parallel vectors a hair past 1.
	return math.Max(-1, math.Min(1, sim))
}

// Score computes the retrieval score of e for a query. queryEmbedding may be nil.
func (w Weights) Score(queryEmbedding []float32, queryKeywords Keywords, e *Entry) float64 {
	score := w.Semantic * CosineSimilarity(queryEmbedding, e.Embedding)
	score += w.Keyword * float64(queryKeywords.Overlap(e.Tags))
	if w.ImportanceDivisor != 0 {
		score += float64(e.Importance) / w.ImportanceDivisor
	}
	return score
}

// Rank scores entries, drops those at or below the threshold, and returns the
// best TopK in descending order. Equal scores keep their input order.
func (w Weights) Rank(queryEmbedding []float32, queryKeywords Keywords, entries []*Entry) []Scored {
	ranked := make([]Scored, 0, len(entries))
	for _, e := range entries {
		s := w.Score(queryEmbedding, queryKeywords, e)
		if s <= w.Threshold {
			continue
		}
		ranked = append(ranked, Scored{Entry: e, Score: s})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	if w.TopK > 0 && len(ranked) > w.TopK {
		ranked = ranked[:w.TopK]
	}
	return ranked
}

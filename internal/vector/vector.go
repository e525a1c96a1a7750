// Package vector holds the small amount of linear algebra used for
// embedding similarity.
package vector

import (
	"fmt"
	"math"
	"sort"
)

// ErrDimension is returned when two embeddings differ in length.
type ErrDimension struct {
	A, B int
}

func (e ErrDimension) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: %d vs %d", e.A, e.B)
}

// Cosine returns the cosine similarity of a and b. Zero vectors have
// similarity 0.
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimension{A: len(a), B: len(b)}
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// Scored pairs a candidate key with its similarity.
type Scored[K any] struct {
	Key        K
	Similarity float64
}

// TopK scores every candidate against query, keeps those strictly above
// threshold, and returns at most k in descending similarity. Ties keep the
// candidates' input order. Candidates with a different dimension are skipped.
func TopK[K any](query []float64, candidates []K, embed func(K) []float64, threshold float64, k int) []Scored[K] {
	if len(query) == 0 || k <= 0 {
		return nil
	}
	out := make([]Scored[K], 0, len(candidates))
	for _, c := range candidates {
		v := embed(c)
		if len(v) == 0 {
			continue
		}
		sim, err := Cosine(query, v)
		if err != nil || sim <= threshold {
			continue
		}
		out = append(out, Scored[K]{Key: c, Similarity: sim})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

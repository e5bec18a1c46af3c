package numeric

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// DiffMetrics summarizes the numeric difference between two weight vectors.
type DiffMetrics struct {
	CosineSimilarity float64 `json:"cosine_similarity"`
	L2NormDiff       float64 `json:"l2_norm_diff"`
	MaxAbsDiff       float64 `json:"max_abs_diff"`
	MeanAbsDiff      float64 `json:"mean_abs_diff"`
}

// Diff computes metrics over the overlapping prefix of a and b. Cosine
// similarity is 1 when both vectors are exactly zero, 0 when exactly one is,
// and clamped to [-1, 1] to absorb floating-point overshoot.
func Diff(a, b []float64) DiffMetrics {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	a, b = a[:n], b[:n]

	var m DiffMetrics
	if n == 0 {
		m.CosineSimilarity = 1
		return m
	}

	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	switch {
	case normA == 0 && normB == 0:
		m.CosineSimilarity = 1
	case normA == 0 || normB == 0:
		m.CosineSimilarity = 0
	default:
		cos := floats.Dot(a, b) / (normA * normB)
		m.CosineSimilarity = math.Max(-1, math.Min(1, cos))
	}

	m.L2NormDiff = floats.Distance(a, b, 2)

	var sumAbs float64
	for i := range a {
		d := math.Abs(a[i] - b[i])
		sumAbs += d
		if d > m.MaxAbsDiff {
			m.MaxAbsDiff = d
		}
	}
	m.MeanAbsDiff = sumAbs / float64(n)
	return m
}

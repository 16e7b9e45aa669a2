// Package vectormath holds the numeric primitives used by clustering and
// consensus: scalar statistics, cosine similarity, centroids and coherence.
//
// All functions are pure. Vector operations reject inputs of differing length
// with ErrDimensionMismatch instead of truncating.
package vectormath

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mean returns the arithmetic mean, or 0 for no values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// StdDev returns the population standard deviation, or 0 for fewer than two values.
func StdDev(values []float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	return popStdDev(values, nil)
}

// WeightedMean returns Σ(v·w)/Σw, or 0 when the total weight is 0.
func WeightedMean(values, weights []float64) (float64, error) {
	if len(values) != len(weights) {
		return 0, mismatch(len(values), len(weights))
	}
	if len(values) == 0 || floats.Sum(weights) == 0 {
		return 0, nil
	}
	return stat.Mean(values, weights), nil
}

// WeightedStdDev returns sqrt(Σw(v-μ)²/Σw) where μ is the weighted mean under
// the same weights. It is 0 for fewer than two values or a zero total weight.
func WeightedStdDev(values, weights []float64) (float64, error) {
	if len(values) != len(weights) {
		return 0, mismatch(len(values), len(weights))
	}
	if len(values) <= 1 || floats.Sum(weights) == 0 {
		return 0, nil
	}
	return popStdDev(values, weights), nil
}

func popStdDev(values, weights []float64) float64 {
	sd := stat.PopStdDev(values, weights)
	if math.IsNaN(sd) {
		// compensated variance can dip below zero by rounding
		return 0
	}
	return sd
}

// CosineSimilarity returns a·b/(|a||b|) clamped to [-1, 1], or 0 when either
// norm is 0.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, mismatch(len(a), len(b))
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return Clamp(floats.Dot(a, b)/(na*nb), -1, 1), nil
}

// CosineDistance returns 1 - CosineSimilarity(a, b).
func CosineDistance(a, b []float64) (float64, error) {
	sim, err := CosineSimilarity(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}

// EuclideanDistance returns the L2 distance between a and b.
func EuclideanDistance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, mismatch(len(a), len(b))
	}
	return floats.Distance(a, b, 2), nil
}

// Centroid returns the elementwise mean of vectors. No vectors yield an empty vector.
func Centroid(vectors [][]float64) ([]float64, error) {
	if len(vectors) == 0 {
		return []float64{}, nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, mismatch(dim, len(v))
		}
		floats.Add(sum, v)
	}
	floats.Scale(1/float64(len(vectors)), sum)
	return sum, nil
}

// Coherence returns 1/(1 + mean Euclidean distance to the centroid). One or no
// vectors, and sets of identical vectors, are perfectly coherent (1.0).
func Coherence(vectors [][]float64) (float64, error) {
	if len(vectors) <= 1 {
		return 1, nil
	}
	c, err := Centroid(vectors)
	if err != nil {
		return 0, err
	}
	if allEqual(vectors) {
		return 1, nil
	}
	dists := make([]float64, len(vectors))
	for i, v := range vectors {
		dists[i] = floats.Distance(v, c, 2)
	}
	return 1 / (1 + Mean(dists)), nil
}

// Finite reports whether every coordinate of v is a finite number.
func Finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func allEqual(vectors [][]float64) bool {
	for _, v := range vectors[1:] {
		if !floats.Equal(v, vectors[0]) {
			return false
		}
	}
	return true
}

func mismatch(want, got int) error {
	return fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, want, got)
}

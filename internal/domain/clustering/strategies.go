package clustering

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/LemmyAI/megabrain-protocol/internal/domain/vectormath"
)

// unvisited marks a point no traversal has reached yet.
const unvisited = -2

// distanceMatrix returns pairwise cosine distances. All vectors must share one
// dimension and hold only finite values.
func distanceMatrix(points []point) (*mat.SymDense, error) {
	n := len(points)
	dim := len(points[0].vec)
	for _, p := range points {
		if len(p.vec) != dim {
			return nil, fmt.Errorf("submission %s: %w: %d != %d", p.id, vectormath.ErrDimensionMismatch, len(p.vec), dim)
		}
		if !vectormath.Finite(p.vec) {
			return nil, fmt.Errorf("submission %s: %w", p.id, vectormath.ErrNonFinite)
		}
	}

	dist := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d, err := vectormath.CosineDistance(points[i].vec, points[j].vec)
			if err != nil {
				return nil, err
			}
			dist.SetSym(i, j, d)
		}
	}
	return dist, nil
}

// neighbours returns every index within radius of i, i included, in index order.
func neighbours(dist *mat.SymDense, i int, radius float64) []int {
	n := dist.SymmetricDim()
	out := make([]int, 0, n)
	for j := 0; j < n; j++ {
		if j == i || dist.At(i, j) <= radius {
			out = append(out, j)
		}
	}
	return out
}

// dbscan labels points by density reachability. Seeds are found in index
// order and numbered from 0; unreachable points are NoCluster.
func dbscan(dist *mat.SymDense, eps float64, minPoints int) []int {
	n := dist.SymmetricDim()
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	next := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		seed := neighbours(dist, i, eps)
		if len(seed) < minPoints {
			labels[i] = NoCluster
			continue
		}

		id := next
		next++
		labels[i] = id
		queue := seed
		for head := 0; head < len(queue); head++ {
			j := queue[head]
			if labels[j] == NoCluster {
				// border point
				labels[j] = id
				continue
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = id
			if nb := neighbours(dist, j, eps); len(nb) >= minPoints {
				queue = append(queue, nb...)
			}
		}
	}
	return labels
}

// components labels connected components of the graph with an edge between
// any two points at distance <= threshold. Components smaller than minSize
// are NoCluster.
func components(dist *mat.SymDense, threshold float64, minSize int) []int {
	n := dist.SymmetricDim()
	labels := make([]int, n)
	visited := make([]bool, n)

	next := 0
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true
		comp := []int{i}
		for head := 0; head < len(comp); head++ {
			cur := comp[head]
			for j := 0; j < n; j++ {
				if !visited[j] && dist.At(cur, j) <= threshold {
					visited[j] = true
					comp = append(comp, j)
				}
			}
		}

		label := NoCluster
		if len(comp) >= minSize {
			label = next
			next++
		}
		for _, j := range comp {
			labels[j] = label
		}
	}
	return labels
}

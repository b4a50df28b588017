// Package costs provides pluggable ground-cost functions between support
// points of point clouds, consumed by geometry.PointCloud.
package costs

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// CostFn computes a scalar ground cost between two points of equal
// dimension. Implementations must be stateless and safe for concurrent
// use; entropic regularization assumes non-negative costs for stability.
type CostFn interface {
	Cost(x, y []float64) float64
}

// SqEuclidean is the squared Euclidean distance, the default cost for
// entropic optimal transport.
type SqEuclidean struct{}

// Cost returns ||x - y||².
func (SqEuclidean) Cost(x, y []float64) float64 {
	var s float64
	for i := range x {
		d := x[i] - y[i]
		s += d * d
	}
	return s
}

// Euclidean is the Euclidean distance.
type Euclidean struct{}

// Cost returns ||x - y||.
func (Euclidean) Cost(x, y []float64) float64 {
	return floats.Distance(x, y, 2)
}

// SqPNorm is the squared p-norm of the difference, ||x - y||_p².
type SqPNorm struct {
	P float64
}

// Cost returns ||x - y||_p².
func (c SqPNorm) Cost(x, y []float64) float64 {
	d := floats.Distance(x, y, c.P)
	return d * d
}

// Dotp is the negative inner product. Unlike distance-based costs it can
// be negative, which is tolerated by the solver but weakens the
// interpretation of the kernel as a probability.
type Dotp struct{}

// Cost returns -<x, y>.
func (Dotp) Cost(x, y []float64) float64 {
	return -floats.Dot(x, y)
}

// Cosine is the cosine dissimilarity, 1 - <x,y>/(||x||·||y||).
// Zero vectors are treated as maximally dissimilar.
type Cosine struct{}

// Cost returns the cosine dissimilarity between x and y, in [0, 2].
func (Cosine) Cost(x, y []float64) float64 {
	nx := floats.Norm(x, 2)
	ny := floats.Norm(y, 2)
	if nx < 1e-300 || ny < 1e-300 {
		return 1.0
	}
	cos := floats.Dot(x, y) / (nx * ny)
	// Clamp against rounding outside [-1, 1].
	cos = math.Max(-1.0, math.Min(1.0, cos))
	return 1.0 - cos
}

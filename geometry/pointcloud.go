package geometry

import (
	"errors"

	"github.com/n0madic/go-sinkhorn/costs"
	"gonum.org/v1/gonum/mat"
)

// NewPointCloud wraps two point clouds (rows of x and y) and a ground
// cost. Passing a nil y builds the symmetric geometry of x against
// itself. A nil cost function defaults to squared Euclidean.
func NewPointCloud(x, y *mat.Dense, fn costs.CostFn, opts ...Option) (*Geometry, error) {
	if x == nil {
		return nil, errors.New("geometry: nil point cloud")
	}
	if y == nil {
		y = x
	}
	_, dx := x.Dims()
	_, dy := y.Dims()
	if dx != dy {
		return nil, ErrShapeMismatch
	}
	if fn == nil {
		fn = costs.SqEuclidean{}
	}
	return newGeometry(&pointCloudSource{x: x, y: y, fn: fn}, opts...)
}

type pointCloudSource struct {
	x, y *mat.Dense
	fn   costs.CostFn
}

func (s *pointCloudSource) shape() (int, int) {
	n, _ := s.x.Dims()
	m, _ := s.y.Dims()
	return n, m
}

func (s *pointCloudSource) costRows(i0, i1 int, dst []float64) {
	_, m := s.shape()
	for i := i0; i < i1; i++ {
		xi := s.x.RawRowView(i)
		row := dst[(i-i0)*m : (i-i0+1)*m]
		for j := 0; j < m; j++ {
			row[j] = s.fn.Cost(xi, s.y.RawRowView(j))
		}
	}
}

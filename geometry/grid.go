package geometry

import (
	"errors"

	"github.com/n0madic/go-sinkhorn/costs"
)

// NewGrid builds the geometry of a Cartesian grid against itself. The
// grid is the product of per-axis coordinate vectors; the cost between
// two grid nodes is the sum of per-axis costs between their coordinates.
// fns supplies one cost per axis, a single cost shared by all axes, or
// nil for squared Euclidean everywhere.
func NewGrid(axes [][]float64, fns []costs.CostFn, opts ...Option) (*Geometry, error) {
	if len(axes) == 0 {
		return nil, errors.New("geometry: grid needs at least one axis")
	}
	total := 1
	for _, ax := range axes {
		if len(ax) == 0 {
			return nil, errors.New("geometry: empty grid axis")
		}
		total *= len(ax)
	}
	switch len(fns) {
	case 0:
		fns = make([]costs.CostFn, len(axes))
	case 1:
		shared := fns[0]
		fns = make([]costs.CostFn, len(axes))
		for d := range fns {
			fns[d] = shared
		}
	case len(axes):
	default:
		return nil, errors.New("geometry: one cost per axis, a shared cost, or none")
	}
	for d := range fns {
		if fns[d] == nil {
			fns[d] = costs.SqEuclidean{}
		}
	}
	return newGeometry(&gridSource{axes: axes, fns: fns, total: total}, opts...)
}

type gridSource struct {
	axes  [][]float64
	fns   []costs.CostFn
	total int
}

func (s *gridSource) shape() (int, int) { return s.total, s.total }

// unravel decomposes a flat node index into per-axis coordinates,
// last axis varying fastest.
func (s *gridSource) unravel(idx int, coords []int) {
	for d := len(s.axes) - 1; d >= 0; d-- {
		n := len(s.axes[d])
		coords[d] = idx % n
		idx /= n
	}
}

func (s *gridSource) costRows(i0, i1 int, dst []float64) {
	nd := len(s.axes)
	ci := make([]int, nd)
	cj := make([]int, nd)
	xi := make([]float64, 1)
	xj := make([]float64, 1)
	for i := i0; i < i1; i++ {
		s.unravel(i, ci)
		row := dst[(i-i0)*s.total : (i-i0+1)*s.total]
		for j := 0; j < s.total; j++ {
			s.unravel(j, cj)
			var c float64
			for d := 0; d < nd; d++ {
				xi[0] = s.axes[d][ci[d]]
				xj[0] = s.axes[d][cj[d]]
				c += s.fns[d].Cost(xi, xj)
			}
			row[j] = c
		}
	}
}

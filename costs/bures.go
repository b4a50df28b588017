package costs

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Bures is the squared Bures distance between two Gaussians, each encoded
// as a flat point: the first Dim entries are the mean, the remaining
// Dim×Dim entries the row-major covariance matrix. The dimensionality is
// fixed at construction since it cannot be recovered from the flat
// encoding alone.
type Bures struct {
	Dim int
}

// Cost returns ||m_x - m_y||² + tr(Cx + Cy - 2·(Cx^½ Cy Cx^½)^½).
func (c Bures) Cost(x, y []float64) float64 {
	d := c.Dim
	var s float64
	for i := 0; i < d; i++ {
		diff := x[i] - y[i]
		s += diff * diff
	}

	cx := mat.NewDense(d, d, append([]float64(nil), x[d:d+d*d]...))
	cy := mat.NewDense(d, d, append([]float64(nil), y[d:d+d*d]...))

	sqrtCx := sqrtm(cx)
	inner := mat.NewDense(d, d, nil)
	inner.Mul(sqrtCx, cy)
	inner.Mul(inner, sqrtCx)
	cross := sqrtm(inner)

	s += mat.Trace(cx) + mat.Trace(cy) - 2.0*mat.Trace(cross)
	return s
}

// sqrtm computes the principal square root of a symmetric PSD matrix via
// its eigendecomposition, flooring negative rounding noise at zero.
func sqrtm(a *mat.Dense) *mat.Dense {
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		// Degenerate input, fall back to a zero root.
		return mat.NewDense(n, n, nil)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	scaled := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		r := math.Sqrt(math.Max(vals[j], 0))
		for i := 0; i < n; i++ {
			scaled.Set(i, j, vecs.At(i, j)*r)
		}
	}
	root := mat.NewDense(n, n, nil)
	root.Mul(scaled, vecs.T())
	return root
}

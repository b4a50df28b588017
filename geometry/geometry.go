// Package geometry wraps a cost structure between two supports together
// with an epsilon scheduler, and exposes cost/kernel evaluation in either
// a fully materialized or a memory-bounded online mode. In online mode
// the n×m cost matrix is never stored: every operation streams over
// fixed-size row blocks, bounding peak memory to O(batch·m).
package geometry

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Stat selects the cost-distribution summary used to derive a
// data-relative epsilon target.
type Stat int

const (
	// StatMean derives the target from the mean cost. With squared
	// Euclidean costs this makes epsilon scale quadratically with the
	// diameter of the data.
	StatMean Stat = iota

	// StatMax derives the target from the maximum cost.
	StatMax
)

// ErrShapeMismatch indicates vectors or matrices whose sizes do not match
// the geometry's supports.
var ErrShapeMismatch = errors.New("geometry: shape mismatch with supports")

// costSource computes row blocks of the cost matrix on demand. The three
// implementations are a stored dense matrix, a point-cloud pair with a
// cost function, and a separable grid.
type costSource interface {
	shape() (n, m int)
	// costRows fills dst, row-major, with cost rows [i0, i1).
	costRows(i0, i1 int, dst []float64)
}

// Geometry is a cost structure over supports of size n and m with an
// attached epsilon scheduler. The zero value is not usable; construct via
// NewGeometry, NewPointCloud or NewGrid.
type Geometry struct {
	src       costSource
	eps       *Epsilon
	batchSize int        // 0: materialized; >0: online row-block size
	cost      *mat.Dense // cached full matrix, nil in online mode

	meanCost float64
	maxCost  float64
}

type config struct {
	epsValue  float64
	scheduler *Epsilon
	relative  bool
	stat      Stat
	batchSize int
}

// Option configures a Geometry at construction.
type Option func(*config)

// WithEpsilon fixes the regularization target to a constant value.
func WithEpsilon(eps float64) Option {
	return func(c *config) { c.epsValue = eps }
}

// WithScheduler attaches an explicit epsilon scheduler.
func WithScheduler(e *Epsilon) Option {
	return func(c *config) { c.scheduler = e }
}

// WithRelativeEpsilon derives the epsilon target from a summary statistic
// of the cost distribution, resolved once at construction.
func WithRelativeEpsilon(stat Stat) Option {
	return func(c *config) {
		c.relative = true
		c.stat = stat
	}
}

// WithBatchSize switches the geometry to online evaluation with the given
// row-block size. A batch at least as large as the supports degrades
// gracefully to full materialization.
func WithBatchSize(batch int) Option {
	return func(c *config) { c.batchSize = batch }
}

func newGeometry(src costSource, opts ...Option) (*Geometry, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	n, m := src.shape()
	if n == 0 || m == 0 {
		return nil, errors.New("geometry: empty support")
	}

	g := &Geometry{src: src, batchSize: cfg.batchSize}
	if g.batchSize < 0 {
		return nil, errors.New("geometry: negative batch size")
	}
	if g.batchSize >= n {
		// Chunking buys nothing once a block covers every row.
		g.batchSize = 0
	}
	if g.batchSize == 0 {
		full := mat.NewDense(n, m, nil)
		src.costRows(0, n, full.RawMatrix().Data)
		g.cost = full
	}
	g.meanCost, g.maxCost = g.summarizeCost()

	switch {
	case cfg.scheduler != nil:
		g.eps = cfg.scheduler
	case cfg.epsValue != 0:
		eps, err := NewEpsilon(cfg.epsValue)
		if err != nil {
			return nil, err
		}
		g.eps = eps
	default:
		stat := g.meanCost
		if cfg.relative && cfg.stat == StatMax {
			stat = g.maxCost
		}
		target := DefaultEpsilonScale * stat
		if target <= 0 || math.IsNaN(target) {
			target = 1e-3
		}
		eps, err := NewEpsilon(target)
		if err != nil {
			return nil, err
		}
		g.eps = eps
	}
	return g, nil
}

// NewGeometry wraps an explicit dense cost matrix.
func NewGeometry(cost *mat.Dense, opts ...Option) (*Geometry, error) {
	if cost == nil {
		return nil, errors.New("geometry: nil cost matrix")
	}
	return newGeometry(&denseSource{cost: cost}, opts...)
}

type denseSource struct {
	cost *mat.Dense
}

func (s *denseSource) shape() (int, int) { return s.cost.Dims() }

func (s *denseSource) costRows(i0, i1 int, dst []float64) {
	raw := s.cost.RawMatrix()
	_, m := s.cost.Dims()
	for i := i0; i < i1; i++ {
		copy(dst[(i-i0)*m:(i-i0+1)*m], raw.Data[i*raw.Stride:i*raw.Stride+m])
	}
}

// Shape returns the sizes of the two supports.
func (g *Geometry) Shape() (n, m int) { return g.src.shape() }

// Epsilon returns the limiting regularization target.
func (g *Geometry) Epsilon() float64 { return g.eps.Target() }

// EpsilonAt returns the regularization strength at outer iteration k.
func (g *Geometry) EpsilonAt(k int) float64 { return g.eps.At(k) }

// Scheduler returns the attached epsilon scheduler.
func (g *Geometry) Scheduler() *Epsilon { return g.eps }

// IsOnline reports whether cost evaluation streams over row blocks
// instead of a materialized matrix.
func (g *Geometry) IsOnline() bool { return g.cost == nil }

// BatchSize returns the online row-block size, 0 when materialized.
func (g *Geometry) BatchSize() int { return g.batchSize }

// MeanCost returns the mean of all cost entries.
func (g *Geometry) MeanCost() float64 { return g.meanCost }

// MaxCost returns the maximum cost entry.
func (g *Geometry) MaxCost() float64 { return g.maxCost }

// Cost returns a single cost entry.
func (g *Geometry) Cost(i, j int) float64 {
	if g.cost != nil {
		return g.cost.At(i, j)
	}
	_, m := g.src.shape()
	row := make([]float64, m)
	g.src.costRows(i, i+1, row)
	return row[j]
}

// CostMatrix materializes the full cost matrix. The result is a fresh
// copy; in online mode it is assembled block by block and the geometry
// itself remains matrix-free.
func (g *Geometry) CostMatrix() *mat.Dense {
	n, m := g.src.shape()
	out := mat.NewDense(n, m, nil)
	g.forEachRowBlock(func(i0, i1 int, block []float64) {
		copy(out.RawMatrix().Data[i0*m:i1*m], block)
	})
	return out
}

// KernelMatrix materializes exp(-cost/epsilon) at the target epsilon.
func (g *Geometry) KernelMatrix() *mat.Dense {
	n, m := g.src.shape()
	eps := g.Epsilon()
	out := mat.NewDense(n, m, nil)
	raw := out.RawMatrix().Data
	g.forEachRowBlock(func(i0, i1 int, block []float64) {
		for k, c := range block {
			raw[i0*m+k] = math.Exp(-c / eps)
		}
	})
	return out
}

func (g *Geometry) chunkRows() int {
	n, _ := g.src.shape()
	if g.batchSize <= 0 || g.batchSize >= n {
		return n
	}
	return g.batchSize
}

// forEachRowBlock streams row blocks of the cost matrix, reusing a single
// buffer sized by the configured batch.
func (g *Geometry) forEachRowBlock(fn func(i0, i1 int, block []float64)) {
	n, m := g.src.shape()
	cs := g.chunkRows()
	var buf []float64
	if g.cost == nil {
		buf = make([]float64, cs*m)
	}
	for i0 := 0; i0 < n; i0 += cs {
		i1 := i0 + cs
		if i1 > n {
			i1 = n
		}
		if g.cost != nil {
			raw := g.cost.RawMatrix()
			fn(i0, i1, raw.Data[i0*raw.Stride:i0*raw.Stride+(i1-i0)*m])
			continue
		}
		block := buf[:(i1-i0)*m]
		g.src.costRows(i0, i1, block)
		fn(i0, i1, block)
	}
}

func (g *Geometry) summarizeCost() (mean, maxC float64) {
	n, m := g.src.shape()
	var sum float64
	maxC = math.Inf(-1)
	g.forEachRowBlock(func(i0, i1 int, block []float64) {
		sum += floats.Sum(block)
		if v := floats.Max(block); v > maxC {
			maxC = v
		}
	})
	return sum / float64(n*m), maxC
}

// ApplyCost computes cost_matrix @ vec (axis=1, vec of length m, result of
// length n) or its transpose (axis=0, vec of length n, result of length
// m) without materializing the matrix in online mode.
func (g *Geometry) ApplyCost(vec []float64, axis int) []float64 {
	n, m := g.src.shape()
	checkAxis(axis)
	if axis == 1 {
		if len(vec) != m {
			panic(ErrShapeMismatch)
		}
		out := make([]float64, n)
		g.forEachRowBlock(func(i0, i1 int, block []float64) {
			for i := i0; i < i1; i++ {
				out[i] = floats.Dot(block[(i-i0)*m:(i-i0+1)*m], vec)
			}
		})
		return out
	}
	if len(vec) != n {
		panic(ErrShapeMismatch)
	}
	out := make([]float64, m)
	g.forEachRowBlock(func(i0, i1 int, block []float64) {
		for i := i0; i < i1; i++ {
			floats.AddScaled(out, vec[i], block[(i-i0)*m:(i-i0+1)*m])
		}
	})
	return out
}

// ApplyCostDense applies the cost matrix to every column of x, following
// the same axis convention as ApplyCost.
func (g *Geometry) ApplyCostDense(x *mat.Dense, axis int) *mat.Dense {
	r, c := x.Dims()
	n, m := g.src.shape()
	rows := n
	if axis == 0 {
		rows = m
	}
	out := mat.NewDense(rows, c, nil)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, x)
		out.SetCol(j, g.ApplyCost(col, axis))
	}
	return out
}

// ApplyLSEKernel performs the log-domain kernel reduction used by the
// stabilized Sinkhorn update. For axis=1 it returns, per row i,
// eps·logsumexp_j((g[j]-cost_ij)/eps); for axis=0, per column j,
// eps·logsumexp_i((f[i]-cost_ij)/eps). The opposing potential cancels
// algebraically and is therefore not consumed. Online blocks are folded
// with a running-max rescaling so the result is independent of batching.
func (g *Geometry) ApplyLSEKernel(f, gp []float64, eps float64, axis int) []float64 {
	n, m := g.src.shape()
	checkAxis(axis)
	if len(f) != n || len(gp) != m {
		panic(ErrShapeMismatch)
	}
	if axis == 1 {
		out := make([]float64, n)
		z := make([]float64, m)
		g.forEachRowBlock(func(i0, i1 int, block []float64) {
			for i := i0; i < i1; i++ {
				row := block[(i-i0)*m : (i-i0+1)*m]
				for j := 0; j < m; j++ {
					z[j] = (gp[j] - row[j]) / eps
				}
				out[i] = eps * floats.LogSumExp(z)
			}
		})
		return out
	}
	// Reduce over rows with per-column running max and rescaled sums.
	runMax := make([]float64, m)
	runSum := make([]float64, m)
	for j := range runMax {
		runMax[j] = math.Inf(-1)
	}
	g.forEachRowBlock(func(i0, i1 int, block []float64) {
		for i := i0; i < i1; i++ {
			row := block[(i-i0)*m : (i-i0+1)*m]
			fi := f[i]
			if math.IsInf(fi, -1) {
				continue
			}
			for j := 0; j < m; j++ {
				z := (fi - row[j]) / eps
				if z <= runMax[j] {
					runSum[j] += math.Exp(z - runMax[j])
				} else {
					runSum[j] = runSum[j]*math.Exp(runMax[j]-z) + 1.0
					runMax[j] = z
				}
			}
		}
	})
	out := make([]float64, m)
	for j := 0; j < m; j++ {
		if runSum[j] == 0 {
			out[j] = math.Inf(-1)
			continue
		}
		out[j] = eps * (runMax[j] + math.Log(runSum[j]))
	}
	return out
}

// ApplyKernel computes kernel_matrix @ vec (axis=1) or its transpose
// (axis=0), with kernel entries exp(-cost/eps).
func (g *Geometry) ApplyKernel(vec []float64, eps float64, axis int) []float64 {
	n, m := g.src.shape()
	checkAxis(axis)
	if axis == 1 {
		if len(vec) != m {
			panic(ErrShapeMismatch)
		}
		out := make([]float64, n)
		g.forEachRowBlock(func(i0, i1 int, block []float64) {
			for i := i0; i < i1; i++ {
				row := block[(i-i0)*m : (i-i0+1)*m]
				var s float64
				for j := 0; j < m; j++ {
					s += math.Exp(-row[j]/eps) * vec[j]
				}
				out[i] = s
			}
		})
		return out
	}
	if len(vec) != n {
		panic(ErrShapeMismatch)
	}
	out := make([]float64, m)
	g.forEachRowBlock(func(i0, i1 int, block []float64) {
		for i := i0; i < i1; i++ {
			row := block[(i-i0)*m : (i-i0+1)*m]
			if vec[i] == 0 {
				continue
			}
			for j := 0; j < m; j++ {
				out[j] += math.Exp(-row[j]/eps) * vec[i]
			}
		}
	})
	return out
}

// ScalingFromPotential maps a log-domain potential to its kernel-domain
// scaling, u = exp(f/eps), at the target epsilon.
func (g *Geometry) ScalingFromPotential(f []float64) []float64 {
	eps := g.Epsilon()
	u := make([]float64, len(f))
	for i, v := range f {
		u[i] = math.Exp(v / eps)
	}
	return u
}

// PotentialFromScaling inverts ScalingFromPotential, f = eps·log(u).
func (g *Geometry) PotentialFromScaling(u []float64) []float64 {
	eps := g.Epsilon()
	f := make([]float64, len(u))
	for i, v := range u {
		f[i] = eps * math.Log(v)
	}
	return f
}

// TransportFromPotentials reconstructs the transport plan
// P_ij = exp((f_i + g_j - cost_ij)/eps), assembled block by block.
func (g *Geometry) TransportFromPotentials(f, gp []float64) *mat.Dense {
	n, m := g.src.shape()
	if len(f) != n || len(gp) != m {
		panic(ErrShapeMismatch)
	}
	eps := g.Epsilon()
	out := mat.NewDense(n, m, nil)
	raw := out.RawMatrix().Data
	g.forEachRowBlock(func(i0, i1 int, block []float64) {
		for i := i0; i < i1; i++ {
			row := block[(i-i0)*m : (i-i0+1)*m]
			for j := 0; j < m; j++ {
				raw[i*m+j] = math.Exp((f[i] + gp[j] - row[j]) / eps)
			}
		}
	})
	return out
}

// TransportFromScalings reconstructs the plan P_ij = u_i·K_ij·v_j.
func (g *Geometry) TransportFromScalings(u, v []float64) *mat.Dense {
	n, m := g.src.shape()
	if len(u) != n || len(v) != m {
		panic(ErrShapeMismatch)
	}
	eps := g.Epsilon()
	out := mat.NewDense(n, m, nil)
	raw := out.RawMatrix().Data
	g.forEachRowBlock(func(i0, i1 int, block []float64) {
		for i := i0; i < i1; i++ {
			row := block[(i-i0)*m : (i-i0+1)*m]
			for j := 0; j < m; j++ {
				raw[i*m+j] = u[i] * math.Exp(-row[j]/eps) * v[j]
			}
		}
	})
	return out
}

// ApplyTransportFromPotentials applies the plan derived from (f, g) to
// vec without materializing it: axis=1 computes P @ vec, axis=0 Pᵀ @ vec.
func (g *Geometry) ApplyTransportFromPotentials(f, gp, vec []float64, axis int) []float64 {
	n, m := g.src.shape()
	checkAxis(axis)
	eps := g.Epsilon()
	if axis == 1 {
		if len(vec) != m {
			panic(ErrShapeMismatch)
		}
		out := make([]float64, n)
		g.forEachRowBlock(func(i0, i1 int, block []float64) {
			for i := i0; i < i1; i++ {
				if math.IsInf(f[i], -1) {
					continue
				}
				row := block[(i-i0)*m : (i-i0+1)*m]
				var s float64
				for j := 0; j < m; j++ {
					s += math.Exp((f[i]+gp[j]-row[j])/eps) * vec[j]
				}
				out[i] = s
			}
		})
		return out
	}
	if len(vec) != n {
		panic(ErrShapeMismatch)
	}
	out := make([]float64, m)
	g.forEachRowBlock(func(i0, i1 int, block []float64) {
		for i := i0; i < i1; i++ {
			if vec[i] == 0 || math.IsInf(f[i], -1) {
				continue
			}
			row := block[(i-i0)*m : (i-i0+1)*m]
			for j := 0; j < m; j++ {
				out[j] += math.Exp((f[i]+gp[j]-row[j])/eps) * vec[i]
			}
		}
	})
	return out
}

// ApplyTransportFromScalings is the kernel-domain analogue of
// ApplyTransportFromPotentials.
func (g *Geometry) ApplyTransportFromScalings(u, v, vec []float64, axis int) []float64 {
	n, m := g.src.shape()
	checkAxis(axis)
	eps := g.Epsilon()
	if axis == 1 {
		if len(vec) != m {
			panic(ErrShapeMismatch)
		}
		out := make([]float64, n)
		g.forEachRowBlock(func(i0, i1 int, block []float64) {
			for i := i0; i < i1; i++ {
				if u[i] == 0 {
					continue
				}
				row := block[(i-i0)*m : (i-i0+1)*m]
				var s float64
				for j := 0; j < m; j++ {
					s += u[i] * math.Exp(-row[j]/eps) * v[j] * vec[j]
				}
				out[i] = s
			}
		})
		return out
	}
	if len(vec) != n {
		panic(ErrShapeMismatch)
	}
	out := make([]float64, m)
	g.forEachRowBlock(func(i0, i1 int, block []float64) {
		for i := i0; i < i1; i++ {
			if u[i] == 0 || vec[i] == 0 {
				continue
			}
			row := block[(i-i0)*m : (i-i0+1)*m]
			for j := 0; j < m; j++ {
				out[j] += u[i] * math.Exp(-row[j]/eps) * v[j] * vec[i]
			}
		}
	})
	return out
}

// ApplyTransportFromPotentialsBatch applies the plan to every row of x,
// returning one transformed row per input row.
func (g *Geometry) ApplyTransportFromPotentialsBatch(f, gp []float64, x *mat.Dense, axis int) *mat.Dense {
	r, c := x.Dims()
	n, m := g.src.shape()
	cols := n
	if axis == 0 {
		cols = m
	}
	out := mat.NewDense(r, cols, nil)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, x)
		out.SetRow(i, g.ApplyTransportFromPotentials(f, gp, row, axis))
	}
	return out
}

// TransportCostAt evaluates ⟨P, other_cost⟩ for the plan derived from
// (f, g) on this geometry against the cost of another geometry over the
// same supports, streaming both cost structures block by block.
func (g *Geometry) TransportCostAt(f, gp []float64, other *Geometry) (float64, error) {
	n, m := g.src.shape()
	on, om := other.src.shape()
	if n != on || m != om {
		return 0, ErrShapeMismatch
	}
	eps := g.Epsilon()
	var total float64
	otherBlock := make([]float64, g.chunkRows()*m)
	g.forEachRowBlock(func(i0, i1 int, block []float64) {
		ob := otherBlock[:(i1-i0)*m]
		other.fillRows(i0, i1, ob)
		for i := i0; i < i1; i++ {
			if math.IsInf(f[i], -1) {
				continue
			}
			row := block[(i-i0)*m : (i-i0+1)*m]
			orow := ob[(i-i0)*m : (i-i0+1)*m]
			for j := 0; j < m; j++ {
				p := math.Exp((f[i] + gp[j] - row[j]) / eps)
				if p != 0 {
					total += p * orow[j]
				}
			}
		}
	})
	return total, nil
}

func (g *Geometry) fillRows(i0, i1 int, dst []float64) {
	if g.cost != nil {
		raw := g.cost.RawMatrix()
		_, m := g.src.shape()
		for i := i0; i < i1; i++ {
			copy(dst[(i-i0)*m:(i-i0+1)*m], raw.Data[i*raw.Stride:i*raw.Stride+m])
		}
		return
	}
	g.src.costRows(i0, i1, dst)
}

func checkAxis(axis int) {
	if axis != 0 && axis != 1 {
		panic("geometry: axis must be 0 or 1")
	}
}

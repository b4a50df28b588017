// Package divergence computes the debiased Sinkhorn divergence between
// two weighted point clouds, and a segmented variant that batches many
// independent problems through zero-weight padding.
package divergence

import (
	"errors"
	"math"
	"sync"

	"github.com/n0madic/go-sinkhorn/costs"
	"github.com/n0madic/go-sinkhorn/geometry"
	"github.com/n0madic/go-sinkhorn/linear"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Output collects the three correlated solves behind one divergence:
// index 0 is the cross problem (x,y), 1 the self problem (x,x) and 2 the
// self problem (y,y). When the second self term is supplied as a static
// offset, index 2 is left empty.
type Output struct {
	Divergence float64
	Potentials [3][2][]float64
	Geoms      [3]*geometry.Geometry
	Errors     [3][]float64
	NumIters   [3]int
	Converged  [3]bool
}

// ConvergedAll reports whether every performed solve converged.
func (o *Output) ConvergedAll() bool {
	for i, c := range o.Converged {
		if !c && o.Geoms[i] != nil {
			return false
		}
	}
	return true
}

type config struct {
	a, b       []float64
	fn         costs.CostFn
	eps        float64
	batchSize  int
	share      bool
	staticB    bool
	offsetB    float64
	tauA, tauB float64
	solveOpts  []linear.Option
}

// Option configures a divergence computation.
type Option func(*config)

// WithWeights sets the marginal weights of the two measures; nil keeps
// the uniform default.
func WithWeights(a, b []float64) Option {
	return func(c *config) {
		c.a = a
		c.b = b
	}
}

// WithCostFn sets the ground cost, squared Euclidean by default.
func WithCostFn(fn costs.CostFn) Option {
	return func(c *config) { c.fn = fn }
}

// WithEpsilon fixes the regularization target for all three geometries.
func WithEpsilon(eps float64) Option {
	return func(c *config) { c.eps = eps }
}

// WithBatchSize switches all three geometries to online evaluation.
func WithBatchSize(batch int) Option {
	return func(c *config) { c.batchSize = batch }
}

// WithoutSharedEpsilon lets each geometry derive its own data-relative
// epsilon target instead of reusing the cross geometry's. Only relevant
// when no fixed epsilon is supplied.
func WithoutSharedEpsilon() Option {
	return func(c *config) { c.share = false }
}

// WithStaticB supplies a precomputed value of the (y,y) self term; the
// corresponding solve is skipped and the offset used directly.
func WithStaticB(offset float64) Option {
	return func(c *config) {
		c.staticB = true
		c.offsetB = offset
	}
}

// WithTau relaxes the marginal constraints of all three problems.
func WithTau(tauA, tauB float64) Option {
	return func(c *config) {
		c.tauA = tauA
		c.tauB = tauB
	}
}

// WithSolveOptions forwards options to the underlying Sinkhorn solver.
func WithSolveOptions(opts ...linear.Option) Option {
	return func(c *config) { c.solveOpts = append(c.solveOpts, opts...) }
}

// Sinkhorn computes the Sinkhorn divergence between measures (x, a) and
// (y, b):
//
//	reg_ot(x,y) - (reg_ot(x,x) + reg_ot(y,y))/2 + eps·(massA-massB)²/2
//
// The three solves are independent and run concurrently. Self problems
// use the symmetric shortcut (parallel dual updates damped by momentum
// 0.5), which roughly halves their per-iteration work.
func Sinkhorn(x, y *mat.Dense, opts ...Option) (float64, *Output, error) {
	cfg := config{share: true, tauA: 1.0, tauB: 1.0}
	for _, opt := range opts {
		opt(&cfg)
	}

	geomOpts := func() []geometry.Option {
		var g []geometry.Option
		if cfg.eps > 0 {
			g = append(g, geometry.WithEpsilon(cfg.eps))
		}
		if cfg.batchSize > 0 {
			g = append(g, geometry.WithBatchSize(cfg.batchSize))
		}
		return g
	}

	geomXY, err := geometry.NewPointCloud(x, y, cfg.fn, geomOpts()...)
	if err != nil {
		return 0, nil, err
	}

	// Self geometries either share the cross target (through fresh
	// scheduler instances) or derive their own from their own data.
	selfOpts := func() ([]geometry.Option, error) {
		g := geomOpts()
		if cfg.eps == 0 && cfg.share {
			shared, err := geometry.NewEpsilon(geomXY.Epsilon())
			if err != nil {
				return nil, err
			}
			g = append(g, geometry.WithScheduler(shared))
		}
		return g, nil
	}

	xxOpts, err := selfOpts()
	if err != nil {
		return 0, nil, err
	}
	geomXX, err := geometry.NewPointCloud(x, nil, cfg.fn, xxOpts...)
	if err != nil {
		return 0, nil, err
	}
	var geomYY *geometry.Geometry
	if !cfg.staticB {
		yyOpts, err := selfOpts()
		if err != nil {
			return 0, nil, err
		}
		geomYY, err = geometry.NewPointCloud(y, nil, cfg.fn, yyOpts...)
		if err != nil {
			return 0, nil, err
		}
	}

	crossSolver, err := linear.NewSinkhorn(cfg.solveOpts...)
	if err != nil {
		return 0, nil, err
	}
	selfSolverOpts := append(append([]linear.Option(nil), cfg.solveOpts...),
		linear.WithParallelDualUpdates(),
		linear.WithMomentum(linear.Momentum{Value: 0.5}),
	)
	selfSolver, err := linear.NewSinkhorn(selfSolverOpts...)
	if err != nil {
		return 0, nil, err
	}

	probXY, err := linear.NewProblem(geomXY, cfg.a, cfg.b, linear.WithTau(cfg.tauA, cfg.tauB))
	if err != nil {
		return 0, nil, err
	}
	probXX, err := linear.NewProblem(geomXX, cfg.a, cfg.a, linear.WithTau(cfg.tauA, cfg.tauA))
	if err != nil {
		return 0, nil, err
	}
	var probYY *linear.Problem
	if !cfg.staticB {
		probYY, err = linear.NewProblem(geomYY, cfg.b, cfg.b, linear.WithTau(cfg.tauB, cfg.tauB))
		if err != nil {
			return 0, nil, err
		}
	}

	var (
		wg   sync.WaitGroup
		outs [3]*linear.Output
		errs [3]error
	)
	solve := func(idx int, s *linear.Sinkhorn, p *linear.Problem) {
		defer wg.Done()
		outs[idx], errs[idx] = s.Solve(p)
	}
	wg.Add(2)
	go solve(0, crossSolver, probXY)
	go solve(1, selfSolver, probXX)
	if probYY != nil {
		wg.Add(1)
		go solve(2, selfSolver, probYY)
	}
	wg.Wait()
	for _, e := range errs {
		if e != nil {
			return 0, nil, e
		}
	}

	regXY := outs[0].RegOTCost()
	regXX := outs[1].RegOTCost()
	regYY := cfg.offsetB
	if outs[2] != nil {
		regYY = outs[2].RegOTCost()
	}
	massA := floats.Sum(probXY.A)
	massB := floats.Sum(probXY.B)
	massDiff := massA - massB
	div := regXY - 0.5*(regXX+regYY) + 0.5*geomXY.Epsilon()*massDiff*massDiff
	if math.IsNaN(div) {
		return 0, nil, errors.New("divergence: non-finite result")
	}

	out := &Output{Divergence: div}
	out.Geoms = [3]*geometry.Geometry{geomXY, geomXX, geomYY}
	for i, o := range outs {
		if o == nil {
			continue
		}
		out.Potentials[i] = [2][]float64{o.F, o.G}
		out.Errors[i] = o.Errors
		out.NumIters[i] = o.NumIters
		out.Converged[i] = o.Converged
	}
	return div, out, nil
}

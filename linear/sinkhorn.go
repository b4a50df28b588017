package linear

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrorNotComputed is the sentinel stored in the error trace for slots
// whose check never ran (the solver stopped earlier). It is distinct
// from +Inf, which marks checks suppressed by the minimum iteration
// count.
const ErrorNotComputed = -1.0

var (
	// ErrRecenterUnbalanced indicates a request to recenter potentials on
	// an unbalanced problem, where the shift invariance does not hold.
	ErrRecenterUnbalanced = errors.New("linear: recentering requires a balanced problem")

	// ErrAndersonNeedsLSE indicates Anderson acceleration combined with
	// kernel-domain execution, which is not supported.
	ErrAndersonNeedsLSE = errors.New("linear: anderson acceleration requires lse mode")

	// ErrInitMismatch indicates warm-start vectors whose lengths do not
	// match the problem's supports.
	ErrInitMismatch = errors.New("linear: warm-start length does not match supports")
)

// ProgressFn observes the solver at the error-check cadence. It must
// treat the state as read-only; mutating it corrupts the iteration.
type ProgressFn func(iteration, innerIterations, maxIterations int, state *State)

// State is the live view handed to progress callbacks. F/G are set in
// lse mode, U/V in kernel mode; Errors is the full trace with
// ErrorNotComputed sentinels in unchecked slots.
type State struct {
	Iteration int
	F, G      []float64
	U, V      []float64
	Errors    []float64
}

// Sinkhorn is a reusable, immutable solver configuration. A single
// instance may solve many problems, concurrently if desired.
type Sinkhorn struct {
	threshold float64
	normOrder float64
	inner     int
	minIter   int
	maxIter   int
	lseMode   bool
	momentum  Momentum
	anderson  *Anderson
	recenter  bool
	parallel  bool
	progress  ProgressFn
}

// Option configures a Sinkhorn solver.
type Option func(*Sinkhorn)

// WithThreshold sets the marginal-error convergence threshold.
func WithThreshold(t float64) Option {
	return func(s *Sinkhorn) { s.threshold = t }
}

// WithIterationBounds sets the minimum iteration count before a check
// may trigger convergence and the hard iteration budget.
func WithIterationBounds(minIter, maxIter int) Option {
	return func(s *Sinkhorn) {
		s.minIter = minIter
		s.maxIter = maxIter
	}
}

// WithInnerIterations sets the cadence at which the (comparatively
// expensive) marginal error is recomputed.
func WithInnerIterations(k int) Option {
	return func(s *Sinkhorn) { s.inner = k }
}

// WithLSEMode selects log-domain (stable) or kernel-domain (fast but
// overflow-prone for small epsilon) execution.
func WithLSEMode(lse bool) Option {
	return func(s *Sinkhorn) { s.lseMode = lse }
}

// WithMomentum attaches a momentum extrapolation schedule.
func WithMomentum(m Momentum) Option {
	return func(s *Sinkhorn) { s.momentum = m }
}

// WithAnderson attaches Anderson mixing; requires lse mode.
func WithAnderson(a Anderson) Option {
	return func(s *Sinkhorn) { s.anderson = &a }
}

// WithRecenterPotentials shifts the returned potentials so that f has
// zero mean over finite entries. Balanced problems only.
func WithRecenterPotentials() Option {
	return func(s *Sinkhorn) { s.recenter = true }
}

// WithParallelDualUpdates updates both potentials from the previous
// iterate instead of alternating. Combined with momentum 0.5 this is the
// symmetric-problem shortcut used by the Sinkhorn divergence.
func WithParallelDualUpdates() Option {
	return func(s *Sinkhorn) { s.parallel = true }
}

// WithProgressFn attaches a progress callback invoked at the error-check
// cadence. A no-op callback leaves the output bit-for-bit unchanged.
func WithProgressFn(fn ProgressFn) Option {
	return func(s *Sinkhorn) { s.progress = fn }
}

// WithErrorNorm sets the order of the norm measuring marginal violation.
func WithErrorNorm(ord float64) Option {
	return func(s *Sinkhorn) { s.normOrder = ord }
}

// NewSinkhorn builds a solver. Defaults: threshold 1e-3, inner cadence
// 10, up to 2000 iterations, log-domain mode, no acceleration.
func NewSinkhorn(opts ...Option) (*Sinkhorn, error) {
	s := &Sinkhorn{
		threshold: 1e-3,
		normOrder: 1,
		inner:     10,
		minIter:   0,
		maxIter:   2000,
		lseMode:   true,
		momentum:  Momentum{Value: 1.0},
	}
	for _, opt := range opts {
		opt(s)
	}
	switch {
	case s.threshold <= 0:
		return nil, errors.New("linear: threshold must be positive")
	case s.inner < 1:
		return nil, errors.New("linear: inner iterations must be >= 1")
	case s.minIter < 0 || s.maxIter < 1 || s.minIter > s.maxIter:
		return nil, errors.New("linear: iteration bounds must satisfy 0 <= min <= max, max >= 1")
	case s.normOrder < 1:
		return nil, errors.New("linear: error norm order must be >= 1")
	}
	if s.anderson != nil {
		if !s.lseMode {
			return nil, ErrAndersonNeedsLSE
		}
		if s.anderson.Memory < 2 {
			return nil, errors.New("linear: anderson memory must be >= 2")
		}
	}
	if s.momentum.Weight(s.momentum.Start) > 1.0 && !s.lseMode {
		return nil, errors.New("linear: over-relaxed momentum requires lse mode")
	}
	return s, nil
}

// Solve runs the solver from the default initialization.
func (s *Sinkhorn) Solve(p *Problem) (*Output, error) {
	return s.SolveFrom(p, nil, nil)
}

// SolveFrom runs the solver from a warm start. In lse mode the two
// vectors are log-domain potentials, in kernel mode scalings; nil falls
// back to the default initialization (zeros, respectively ones).
// Restarting from the converged state of an identical problem converges
// within a single error-check interval.
func (s *Sinkhorn) SolveFrom(p *Problem, initA, initB []float64) (*Output, error) {
	if p == nil || p.Geom == nil {
		return nil, errors.New("linear: nil problem")
	}
	if floats.Sum(p.A) <= 0 || floats.Sum(p.B) <= 0 {
		return nil, ErrZeroMassMarginal
	}
	if s.recenter && !p.IsBalanced() {
		return nil, ErrRecenterUnbalanced
	}
	n, m := p.Geom.Shape()
	if initA != nil && len(initA) != n || initB != nil && len(initB) != m {
		return nil, ErrInitMismatch
	}

	if s.lseMode {
		return s.solveLSE(p, initA, initB)
	}
	return s.solveKernel(p, initA, initB)
}

func (s *Sinkhorn) numSlots() int {
	return (s.maxIter + s.inner - 1) / s.inner
}

func newErrorTrace(slots int) []float64 {
	t := make([]float64, slots)
	for i := range t {
		t[i] = ErrorNotComputed
	}
	return t
}

func safeLog(w []float64) []float64 {
	out := make([]float64, len(w))
	for i, v := range w {
		out[i] = math.Log(v) // log(0) = -Inf pins zero-weight points
	}
	return out
}

func (s *Sinkhorn) solveLSE(p *Problem, initF, initG []float64) (*Output, error) {
	geom := p.Geom
	n, m := geom.Shape()
	loga := safeLog(p.A)
	logb := safeLog(p.B)

	f := make([]float64, n)
	g := make([]float64, m)
	if initF != nil {
		copy(f, initF)
	}
	if initG != nil {
		copy(g, initG)
	}

	var and *andersonState
	if s.anderson != nil {
		and = newAndersonState(*s.anderson)
	}

	trace := newErrorTrace(s.numSlots())
	fNext := make([]float64, n)
	gNext := make([]float64, m)
	prevCheckF := append([]float64(nil), f...)
	prevCheckG := append([]float64(nil), g...)

	converged := false
	iters := 0
	for it := 0; it < s.maxIter; it++ {
		eps := geom.EpsilonAt(it)
		w := s.momentum.Weight(it)

		if s.parallel {
			lse1 := geom.ApplyLSEKernel(f, g, eps, 1)
			lse0 := geom.ApplyLSEKernel(f, g, eps, 0)
			for i := 0; i < n; i++ {
				fNext[i] = eps*loga[i] - p.TauA*lse1[i]
			}
			for j := 0; j < m; j++ {
				gNext[j] = eps*logb[j] - p.TauB*lse0[j]
			}
			mix(f, fNext, w)
			mix(g, gNext, w)
		} else {
			lse0 := geom.ApplyLSEKernel(f, g, eps, 0)
			// The relaxed update f = ε·log a − τ·lse keeps the potential
			// measured against the reference weights: its fixed point
			// satisfies r = a·exp(-(f-ε·log a)/ρ).
			for j := 0; j < m; j++ {
				gNext[j] = eps*logb[j] - p.TauB*lse0[j]
			}
			mix(g, gNext, w)

			lse1 := geom.ApplyLSEKernel(f, g, eps, 1)
			var fOld []float64
			if and != nil {
				fOld = append([]float64(nil), f...)
			}
			for i := 0; i < n; i++ {
				fNext[i] = eps*loga[i] - p.TauA*lse1[i]
			}
			mix(f, fNext, w)
			if and != nil {
				and.push(fOld, fNext)
				f = and.extrapolate(f)
			}
		}

		if (it+1)%s.inner != 0 && it != s.maxIter-1 {
			continue
		}
		slot := it / s.inner
		iters = it + 1
		if iters < s.minIter {
			trace[slot] = math.Inf(1)
			s.report(it, trace, f, g, nil, nil)
			continue
		}
		var err float64
		if p.IsBalanced() {
			err = s.marginalErrorLSE(p, f, g, eps)
		} else {
			err = s.incrementError(f, prevCheckF, g, prevCheckG)
			copy(prevCheckF, f)
			copy(prevCheckG, g)
		}
		if math.IsNaN(err) {
			err = math.Inf(1)
		}
		trace[slot] = err
		s.report(it, trace, f, g, nil, nil)
		if err <= s.threshold {
			converged = true
			break
		}
	}

	if s.recenter {
		recenterPotentials(f, g)
	}
	return s.newOutput(p, f, g, trace, converged, iters), nil
}

func (s *Sinkhorn) solveKernel(p *Problem, initU, initV []float64) (*Output, error) {
	geom := p.Geom
	n, m := geom.Shape()

	u := make([]float64, n)
	v := make([]float64, m)
	for i := range u {
		u[i] = 1.0
	}
	for j := range v {
		v[j] = 1.0
	}
	if initU != nil {
		copy(u, initU)
	}
	if initV != nil {
		copy(v, initV)
	}

	trace := newErrorTrace(s.numSlots())
	uNext := make([]float64, n)
	vNext := make([]float64, m)
	prevCheckU := append([]float64(nil), u...)
	prevCheckV := append([]float64(nil), v...)

	converged := false
	iters := 0
	for it := 0; it < s.maxIter; it++ {
		eps := geom.EpsilonAt(it)
		w := s.momentum.Weight(it)

		if s.parallel {
			kv := geom.ApplyKernel(v, eps, 1)
			ktu := geom.ApplyKernel(u, eps, 0)
			scalingUpdate(uNext, p.A, kv, p.TauA)
			scalingUpdate(vNext, p.B, ktu, p.TauB)
			mixScalings(u, uNext, w)
			mixScalings(v, vNext, w)
		} else {
			kv := geom.ApplyKernel(v, eps, 1)
			scalingUpdate(uNext, p.A, kv, p.TauA)
			mixScalings(u, uNext, w)

			ktu := geom.ApplyKernel(u, eps, 0)
			scalingUpdate(vNext, p.B, ktu, p.TauB)
			mixScalings(v, vNext, w)
		}

		if (it+1)%s.inner != 0 && it != s.maxIter-1 {
			continue
		}
		slot := it / s.inner
		iters = it + 1
		if iters < s.minIter {
			trace[slot] = math.Inf(1)
			s.report(it, trace, nil, nil, u, v)
			continue
		}
		var err float64
		if p.IsBalanced() {
			// v is updated last, so the column marginal is matched
			// exactly; only the row side carries information.
			kv := geom.ApplyKernel(v, eps, 1)
			diff := make([]float64, n)
			for i := 0; i < n; i++ {
				diff[i] = u[i]*kv[i] - p.A[i]
			}
			err = floats.Norm(diff, s.normOrder)
		} else {
			err = s.incrementError(u, prevCheckU, v, prevCheckV)
			copy(prevCheckU, u)
			copy(prevCheckV, v)
		}
		if math.IsNaN(err) {
			err = math.Inf(1)
		}
		trace[slot] = err
		s.report(it, trace, nil, nil, u, v)
		if err <= s.threshold {
			converged = true
			break
		}
	}

	f := geom.PotentialFromScaling(u)
	g := geom.PotentialFromScaling(v)
	if s.recenter {
		recenterPotentials(f, g)
	}
	return s.newOutput(p, f, g, trace, converged, iters), nil
}

// scalingUpdate computes the relaxed kernel-domain projection
// u = a·(Kv)^(-tau), with zero-weight entries pinned at zero. At tau=1
// this reduces to the exact projection a/Kv.
func scalingUpdate(dst, a, kv []float64, tau float64) {
	for i := range dst {
		switch {
		case a[i] == 0:
			dst[i] = 0
		case tau == 1:
			dst[i] = a[i] / kv[i]
		default:
			dst[i] = a[i] * math.Pow(kv[i], -tau)
		}
	}
}

// marginalErrorLSE measures the violation of the column marginal. The
// row marginal is matched exactly by the preceding f update, so only the
// other side carries information.
func (s *Sinkhorn) marginalErrorLSE(p *Problem, f, g []float64, eps float64) float64 {
	_, m := p.Geom.Shape()
	lse0 := p.Geom.ApplyLSEKernel(f, g, eps, 0)
	diff := make([]float64, m)
	for j := 0; j < m; j++ {
		diff[j] = math.Exp((lse0[j]+g[j])/eps) - p.B[j]
	}
	return floats.Norm(diff, s.normOrder)
}

// incrementError measures progress of an unbalanced run as the norm of
// the change in both dual variables since the previous check.
func (s *Sinkhorn) incrementError(x, xPrev, y, yPrev []float64) float64 {
	var err float64
	for i := range x {
		d := x[i] - xPrev[i]
		if math.IsNaN(d) || math.IsInf(d, 0) {
			continue // pinned zero-weight entries
		}
		err += math.Pow(math.Abs(d), s.normOrder)
	}
	for j := range y {
		d := y[j] - yPrev[j]
		if math.IsNaN(d) || math.IsInf(d, 0) {
			continue
		}
		err += math.Pow(math.Abs(d), s.normOrder)
	}
	return math.Pow(err, 1.0/s.normOrder)
}

func (s *Sinkhorn) report(it int, trace, f, g, u, v []float64) {
	if s.progress == nil {
		return
	}
	s.progress(it, s.inner, s.maxIter, &State{
		Iteration: it,
		F:         f,
		G:         g,
		U:         u,
		V:         v,
		Errors:    trace,
	})
}

// recenterPotentials removes the additive indeterminacy of a balanced
// solution by zeroing the mean of f over its finite entries.
func recenterPotentials(f, g []float64) {
	var sum float64
	var count int
	for _, v := range f {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			sum += v
			count++
		}
	}
	if count == 0 {
		return
	}
	shift := sum / float64(count)
	for i, v := range f {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			f[i] = v - shift
		}
	}
	for j, v := range g {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			g[j] = v + shift
		}
	}
}

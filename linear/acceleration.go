package linear

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Momentum extrapolates the Sinkhorn update with a damping factor once
// the iteration count reaches Start. Before Start the weight is 1, i.e.
// no acceleration, so that early iterations are never destabilized.
// Value 1 is the plain update; values above 1 over-relax and are only
// safe in the stabilized log-domain mode.
type Momentum struct {
	Start int
	Value float64
}

// Weight returns the extrapolation weight at the given iteration.
func (m Momentum) Weight(iteration int) float64 {
	if m.Value == 0 {
		return 1.0
	}
	if iteration < m.Start {
		return 1.0
	}
	return m.Value
}

// mix blends the previous iterate with the proposed one using weight w.
// Non-finite entries (zero-weight points pinned at -Inf) bypass the
// blend: over-relaxed weights would otherwise produce Inf-Inf = NaN.
func mix(old, next []float64, w float64) {
	if w == 1.0 {
		copy(old, next)
		return
	}
	for i := range old {
		if math.IsInf(next[i], 0) || math.IsInf(old[i], 0) {
			old[i] = next[i]
			continue
		}
		old[i] = (1.0-w)*old[i] + w*next[i]
	}
}

// mixScalings is the kernel-domain counterpart of mix, interpolating
// geometrically so that it matches the log-domain blend exactly.
func mixScalings(old, next []float64, w float64) {
	if w == 1.0 {
		copy(old, next)
		return
	}
	for i := range old {
		if old[i] <= 0 || next[i] <= 0 {
			old[i] = next[i]
			continue
		}
		old[i] = math.Pow(old[i], 1.0-w) * math.Pow(next[i], w)
	}
}

// Anderson mixes the last Memory log-domain iterates, choosing the
// combination that minimizes the residual norm of the fixed-point map.
// Ridge regularizes the small least-squares system; when the system is
// still ill-conditioned the plain update is used for that iteration.
type Anderson struct {
	Memory int
	Ridge  float64
}

func (a Anderson) ridge() float64 {
	if a.Ridge > 0 {
		return a.Ridge
	}
	return 1e-2
}

// andersonState tracks sliding windows of pre-update iterates and their
// raw updates. The window holds at most Memory pairs.
type andersonState struct {
	cfg Anderson
	xs  [][]float64 // iterates before the update
	gs  [][]float64 // raw fixed-point updates of xs
}

func newAndersonState(cfg Anderson) *andersonState {
	return &andersonState{cfg: cfg}
}

// push records one (iterate, update) pair, sliding the window once full.
func (s *andersonState) push(x, gx []float64) {
	s.xs = append(s.xs, append([]float64(nil), x...))
	s.gs = append(s.gs, append([]float64(nil), gx...))
	if len(s.xs) > s.cfg.Memory {
		s.xs = s.xs[1:]
		s.gs = s.gs[1:]
	}
}

// extrapolate returns the mixed iterate, or fallback when the window is
// too short or the mixing system cannot be solved.
func (s *andersonState) extrapolate(fallback []float64) []float64 {
	k := len(s.xs)
	if k < 2 {
		return fallback
	}
	dim := len(fallback)

	// Residuals of the fixed-point map, with non-finite entries (pinned
	// zero-weight coordinates) contributing nothing.
	res := make([][]float64, k)
	for p := 0; p < k; p++ {
		r := make([]float64, dim)
		for i := 0; i < dim; i++ {
			d := s.gs[p][i] - s.xs[p][i]
			if !math.IsNaN(d) && !math.IsInf(d, 0) {
				r[i] = d
			}
		}
		res[p] = r
	}

	gram := mat.NewSymDense(k, nil)
	for p := 0; p < k; p++ {
		for q := p; q < k; q++ {
			var dot float64
			for i := 0; i < dim; i++ {
				dot += res[p][i] * res[q][i]
			}
			if p == q {
				dot += s.cfg.ridge()
			}
			gram.SetSym(p, q, dot)
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(gram) {
		return fallback
	}
	ones := mat.NewVecDense(k, nil)
	for p := 0; p < k; p++ {
		ones.SetVec(p, 1.0)
	}
	var z mat.VecDense
	if err := chol.SolveVecTo(&z, ones); err != nil {
		return fallback
	}
	var total float64
	for p := 0; p < k; p++ {
		total += z.AtVec(p)
	}
	if total == 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return fallback
	}

	out := make([]float64, dim)
	for i := 0; i < dim; i++ {
		var v float64
		finite := true
		for p := 0; p < k; p++ {
			gv := s.gs[p][i]
			if math.IsInf(gv, 0) || math.IsNaN(gv) {
				finite = false
				break
			}
			v += (z.AtVec(p) / total) * gv
		}
		if finite {
			out[i] = v
		} else {
			out[i] = fallback[i]
		}
	}
	return out
}

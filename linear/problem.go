// Package linear contains the entropy-regularized linear optimal
// transport problem and its Sinkhorn fixed-point solver.
package linear

import (
	"errors"
	"math"

	"github.com/n0madic/go-sinkhorn/geometry"
	"gonum.org/v1/gonum/floats"
)

var (
	// ErrZeroMassMarginal indicates a marginal whose weights sum to zero,
	// which leaves the transport problem undefined.
	ErrZeroMassMarginal = errors.New("linear: marginal has zero total mass")

	// ErrWeightMismatch indicates weight vectors whose lengths do not
	// match the geometry's supports.
	ErrWeightMismatch = errors.New("linear: weight length does not match support size")

	// ErrNegativeWeight indicates a negative marginal weight.
	ErrNegativeWeight = errors.New("linear: marginal weights must be non-negative")

	// ErrTauRange indicates an unbalancedness parameter outside (0, 1].
	ErrTauRange = errors.New("linear: tau must be in (0, 1]")
)

// Problem pairs a geometry with two marginal weight vectors and the
// unbalancedness relaxation parameters. Tau values of 1 enforce the
// corresponding marginal exactly; values below 1 relax it with a
// KL penalty of strength rho = eps·tau/(1-tau).
type Problem struct {
	Geom *geometry.Geometry
	A    []float64
	B    []float64
	TauA float64
	TauB float64
}

// ProblemOption configures a Problem at construction.
type ProblemOption func(*Problem)

// WithTau sets the two unbalancedness parameters.
func WithTau(tauA, tauB float64) ProblemOption {
	return func(p *Problem) {
		p.TauA = tauA
		p.TauB = tauB
	}
}

// NewProblem validates and builds a linear OT problem. Nil weights
// default to uniform distributions. Weights may contain exact zeros but
// each marginal must carry strictly positive total mass.
func NewProblem(geom *geometry.Geometry, a, b []float64, opts ...ProblemOption) (*Problem, error) {
	if geom == nil {
		return nil, errors.New("linear: nil geometry")
	}
	n, m := geom.Shape()
	if a == nil {
		a = uniform(n)
	}
	if b == nil {
		b = uniform(m)
	}
	if len(a) != n || len(b) != m {
		return nil, ErrWeightMismatch
	}
	for _, w := range a {
		if w < 0 || math.IsNaN(w) {
			return nil, ErrNegativeWeight
		}
	}
	for _, w := range b {
		if w < 0 || math.IsNaN(w) {
			return nil, ErrNegativeWeight
		}
	}
	if floats.Sum(a) <= 0 || floats.Sum(b) <= 0 {
		return nil, ErrZeroMassMarginal
	}

	p := &Problem{Geom: geom, A: a, B: b, TauA: 1.0, TauB: 1.0}
	for _, opt := range opts {
		opt(p)
	}
	if p.TauA <= 0 || p.TauA > 1 || p.TauB <= 0 || p.TauB > 1 {
		return nil, ErrTauRange
	}
	return p, nil
}

// IsBalanced reports whether both marginals are enforced exactly.
func (p *Problem) IsBalanced() bool { return p.TauA == 1.0 && p.TauB == 1.0 }

// MassA returns the total mass of the first marginal.
func (p *Problem) MassA() float64 { return floats.Sum(p.A) }

// MassB returns the total mass of the second marginal.
func (p *Problem) MassB() float64 { return floats.Sum(p.B) }

func uniform(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}

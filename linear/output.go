package linear

import (
	"math"
	"sync"

	"github.com/n0madic/go-sinkhorn/geometry"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Output is the immutable result of a Sinkhorn run. Potentials are
// always stored in the log domain, zero-weight points pinned at -Inf.
// Derived scalars are computed lazily from the snapshot, never mutated,
// and every computation is matrix-free so online geometries stay within
// their memory bound.
type Output struct {
	F         []float64
	G         []float64
	A         []float64
	B         []float64
	TauA      float64
	TauB      float64
	Geom      *geometry.Geometry
	Errors    []float64
	Converged bool
	NumIters  int

	once          sync.Once
	rowMarg       []float64
	colMarg       []float64
	mass          float64
	transportCost float64
	pLogP         float64
}

func (s *Sinkhorn) newOutput(p *Problem, f, g []float64, trace []float64, converged bool, iters int) *Output {
	return &Output{
		F:         f,
		G:         g,
		A:         p.A,
		B:         p.B,
		TauA:      p.TauA,
		TauB:      p.TauB,
		Geom:      p.Geom,
		Errors:    trace,
		Converged: converged,
		NumIters:  iters,
	}
}

// LastError returns the most recent checked error, +Inf if none ran. A
// trailing +Inf entry is reported as-is: it marks a check that saw a
// degenerate (NaN) or gated value, not a converged run.
func (o *Output) LastError() float64 {
	last := math.Inf(1)
	for _, e := range o.Errors {
		if e != ErrorNotComputed {
			last = e
		}
	}
	return last
}

func (o *Output) compute() {
	o.once.Do(func() {
		eps := o.Geom.Epsilon()
		n, m := o.Geom.Shape()

		lse1 := o.Geom.ApplyLSEKernel(o.F, o.G, eps, 1)
		lse0 := o.Geom.ApplyLSEKernel(o.F, o.G, eps, 0)
		o.rowMarg = make([]float64, n)
		o.colMarg = make([]float64, m)
		for i := 0; i < n; i++ {
			o.rowMarg[i] = math.Exp((lse1[i] + o.F[i]) / eps)
		}
		for j := 0; j < m; j++ {
			o.colMarg[j] = math.Exp((lse0[j] + o.G[j]) / eps)
		}
		o.mass = floats.Sum(o.rowMarg)

		cost, err := o.Geom.TransportCostAt(o.F, o.G, o.Geom)
		if err != nil {
			cost = math.NaN()
		}
		o.transportCost = cost

		// Σ P log P = (Σ f_i·r_i + Σ g_j·c_j - ⟨P,C⟩)/eps, with pinned
		// -Inf potentials contributing zero alongside their zero mass.
		var s float64
		for i := 0; i < n; i++ {
			if o.rowMarg[i] > 0 {
				s += o.F[i] * o.rowMarg[i]
			}
		}
		for j := 0; j < m; j++ {
			if o.colMarg[j] > 0 {
				s += o.G[j] * o.colMarg[j]
			}
		}
		o.pLogP = (s - o.transportCost) / eps
	})
}

// TransportMass returns the total mass Σ P of the plan: 1 for balanced
// unit-mass problems, below min(massA, massB) under relaxation.
func (o *Output) TransportMass() float64 {
	o.compute()
	return o.mass
}

// Entropy returns -Σ P·log(P), with 0·log 0 taken as 0.
func (o *Output) Entropy() float64 {
	o.compute()
	return -o.pLogP
}

// NormalizedEntropy returns entropy/log(n) - 1, a self-comparison
// diagnostic for uniform-like marginals.
func (o *Output) NormalizedEntropy() float64 {
	n, _ := o.Geom.Shape()
	return o.Entropy()/math.Log(float64(n)) - 1.0
}

// PrimalCost returns ⟨P, cost⟩, plus the KL marginal penalties for
// unbalanced problems.
func (o *Output) PrimalCost() float64 {
	o.compute()
	eps := o.Geom.Epsilon()
	cost := o.transportCost
	if o.TauA < 1 {
		rho := rhoFromTau(eps, o.TauA)
		cost += rho * klDiv(o.rowMarg, o.A)
	}
	if o.TauB < 1 {
		rho := rhoFromTau(eps, o.TauB)
		cost += rho * klDiv(o.colMarg, o.B)
	}
	return cost
}

// KLRegCost returns the isolated regularization term KL(P | a⊗b).
func (o *Output) KLRegCost() float64 {
	o.compute()
	var cross float64
	for i, r := range o.rowMarg {
		if r > 0 {
			cross += r * math.Log(o.A[i])
		}
	}
	for j, c := range o.colMarg {
		if c > 0 {
			cross += c * math.Log(o.B[j])
		}
	}
	return o.pLogP - cross - o.mass + floats.Sum(o.A)*floats.Sum(o.B)
}

// RegOTCost returns ⟨P, cost⟩ + eps·KL(P | a⊗b), plus unbalanced
// marginal penalties when applicable.
func (o *Output) RegOTCost() float64 {
	return o.PrimalCost() + o.Geom.Epsilon()*o.KLRegCost()
}

// EntRegCost expresses RegOTCost through the entropy of the plan rather
// than the KL term; the two agree up to the entropy/KL identity.
func (o *Output) EntRegCost() float64 {
	o.compute()
	eps := o.Geom.Epsilon()
	var cross float64
	for i, r := range o.rowMarg {
		if r > 0 {
			cross += r * math.Log(o.A[i])
		}
	}
	for j, c := range o.colMarg {
		if c > 0 {
			cross += c * math.Log(o.B[j])
		}
	}
	reg := -o.Entropy() - cross - o.mass + floats.Sum(o.A)*floats.Sum(o.B)
	return o.PrimalCost() + eps*reg
}

// DualCost evaluates the Fenchel dual objective at (f, g). The plan is
// parametrized as exp((f+g-C)/ε), so the dual measures each potential
// against its reference weights, f-ε·log a and g-ε·log b. Weak duality
// guarantees RegOTCost >= DualCost, with the gap closing as the run
// converges.
func (o *Output) DualCost() float64 {
	o.compute()
	eps := o.Geom.Epsilon()
	var lin float64
	if o.TauA == 1 {
		for i, w := range o.A {
			if w > 0 {
				lin += w * (o.F[i] - eps*math.Log(w))
			}
		}
	} else {
		rho := rhoFromTau(eps, o.TauA)
		for i, w := range o.A {
			if w > 0 {
				pot := o.F[i] - eps*math.Log(w)
				lin += -rho * w * (math.Exp(-pot/rho) - 1.0)
			}
		}
	}
	if o.TauB == 1 {
		for j, w := range o.B {
			if w > 0 {
				lin += w * (o.G[j] - eps*math.Log(w))
			}
		}
	} else {
		rho := rhoFromTau(eps, o.TauB)
		for j, w := range o.B {
			if w > 0 {
				pot := o.G[j] - eps*math.Log(w)
				lin += -rho * w * (math.Exp(-pot/rho) - 1.0)
			}
		}
	}
	return lin + eps*(floats.Sum(o.A)*floats.Sum(o.B)-o.mass)
}

// Matrix materializes the transport plan.
func (o *Output) Matrix() *mat.Dense {
	return o.Geom.TransportFromPotentials(o.F, o.G)
}

// Apply applies the plan (axis=1) or its transpose (axis=0) to vec
// without materializing the plan.
func (o *Output) Apply(vec []float64, axis int) []float64 {
	return o.Geom.ApplyTransportFromPotentials(o.F, o.G, vec, axis)
}

// TransportCostAt re-evaluates ⟨P, cost'⟩ against another geometry over
// the same supports, reusing the fitted potentials without resolving.
func (o *Output) TransportCostAt(other *geometry.Geometry) (float64, error) {
	return o.Geom.TransportCostAt(o.F, o.G, other)
}

func rhoFromTau(eps, tau float64) float64 {
	return eps * tau / (1.0 - tau)
}

// klDiv is the generalized KL divergence Σ p·log(p/q) - Σp + Σq for
// unnormalized non-negative vectors, with 0·log 0 taken as 0.
func klDiv(p, q []float64) float64 {
	var s float64
	for i := range p {
		if p[i] > 0 {
			s += p[i] * math.Log(p[i]/q[i])
		}
	}
	return s - floats.Sum(p) + floats.Sum(q)
}

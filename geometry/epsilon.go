package geometry

import (
	"errors"
	"math"
)

// DefaultEpsilonScale multiplies a summary statistic of the cost
// distribution to derive a regularization target when none is supplied.
const DefaultEpsilonScale = 0.05

// ErrNonPositiveEpsilon indicates an epsilon target that is not strictly
// positive, which leaves the regularized problem undefined.
var ErrNonPositiveEpsilon = errors.New("geometry: epsilon target must be positive")

// Epsilon schedules the regularization strength across outer iterations.
// The value starts at init·target and decays geometrically toward target;
// with init=1 or decay=1 the schedule is constant. Immutable once built:
// two schedulers with the same target are interchangeable even if they
// are distinct objects.
type Epsilon struct {
	target float64
	init   float64
	decay  float64
}

// NewEpsilon returns a constant scheduler pinned at target.
func NewEpsilon(target float64) (*Epsilon, error) {
	return NewDecayingEpsilon(target, 1.0, 1.0)
}

// NewDecayingEpsilon returns a scheduler that starts at init·target and
// decays by a factor of decay each iteration, never dropping below target.
// Requires target > 0, init >= 1 and decay in (0, 1].
func NewDecayingEpsilon(target, init, decay float64) (*Epsilon, error) {
	if target <= 0 || math.IsNaN(target) {
		return nil, ErrNonPositiveEpsilon
	}
	if init < 1 {
		return nil, errors.New("geometry: epsilon init factor must be >= 1")
	}
	if decay <= 0 || decay > 1 {
		return nil, errors.New("geometry: epsilon decay must be in (0, 1]")
	}
	return &Epsilon{target: target, init: init, decay: decay}, nil
}

// Target returns the limiting regularization strength.
func (e *Epsilon) Target() float64 { return e.target }

// At returns the regularization strength used at outer iteration k.
func (e *Epsilon) At(k int) float64 {
	mult := e.init * math.Pow(e.decay, float64(k))
	if mult < 1 {
		mult = 1
	}
	return e.target * mult
}

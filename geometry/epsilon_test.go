package geometry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEpsilonValidation(t *testing.T) {
	_, err := NewEpsilon(0)
	require.ErrorIs(t, err, ErrNonPositiveEpsilon)
	_, err = NewEpsilon(-0.1)
	require.ErrorIs(t, err, ErrNonPositiveEpsilon)

	e, err := NewEpsilon(0.05)
	require.NoError(t, err)
	require.InDelta(t, 0.05, e.Target(), 0)
	require.InDelta(t, 0.05, e.At(0), 0)
	require.InDelta(t, 0.05, e.At(100), 0)
}

func TestNewDecayingEpsilon(t *testing.T) {
	const (
		target = 0.01
		init   = 10.0
		decay  = 0.5
	)

	e, err := NewDecayingEpsilon(target, init, decay)
	require.NoError(t, err)

	require.InDelta(t, target*init, e.At(0), 1e-15)
	require.InDelta(t, target*init*decay, e.At(1), 1e-15)

	// The schedule decreases monotonically and never undershoots the
	// target.
	prev := e.At(0)
	for k := 1; k < 60; k++ {
		cur := e.At(k)
		require.LessOrEqual(t, cur, prev)
		require.GreaterOrEqual(t, cur, target)
		prev = cur
	}
	require.InDelta(t, target, e.At(1000), 1e-15)
}

func TestNewDecayingEpsilonValidation(t *testing.T) {
	_, err := NewDecayingEpsilon(0.01, 0.5, 0.9)
	require.Error(t, err) // init below 1 would start under the target

	_, err = NewDecayingEpsilon(0.01, 10, 0)
	require.Error(t, err)
	_, err = NewDecayingEpsilon(0.01, 10, 1.5)
	require.Error(t, err)
	_, err = NewDecayingEpsilon(-1, 10, 0.5)
	require.ErrorIs(t, err, ErrNonPositiveEpsilon)
}

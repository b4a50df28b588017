package divergence

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-sinkhorn/linear"
)

func stackClouds(parts ...*mat.Dense) *mat.Dense {
	total := 0
	_, dim := parts[0].Dims()
	for _, p := range parts {
		n, _ := p.Dims()
		total += n
	}
	out := mat.NewDense(total, dim, nil)
	at := 0
	for _, p := range parts {
		n, _ := p.Dims()
		for i := 0; i < n; i++ {
			out.SetRow(at+i, p.RawRowView(i))
		}
		at += n
	}
	return out
}

func TestSegmentMatchesIndependentSolves(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	x0 := randomCloud(rng, 5, 3)
	y0 := randomCloud(rng, 2, 3)
	x1 := randomCloud(rng, 3, 3)
	y1 := randomCloud(rng, 5, 3)

	solverOpts := WithSolveOptions(linear.WithThreshold(1e-6), linear.WithIterationBounds(0, 10000))

	want0, _, err := Sinkhorn(x0, y0, WithEpsilon(testEps), solverOpts)
	require.NoError(t, err)
	want1, _, err := Sinkhorn(x1, y1, WithEpsilon(testEps), solverOpts)
	require.NoError(t, err)

	// Counts-based segmentation: segments of uneven sizes, padded with
	// zero-weight origin points to a common size of 5.
	divs, err := Segment(stackClouds(x0, x1), stackClouds(y0, y1),
		WithSegmentCounts([]int{5, 3}, []int{2, 5}),
		WithMaxMeasureSize(5),
		WithDivergenceOptions(WithEpsilon(testEps), solverOpts),
	)
	require.NoError(t, err)
	require.Len(t, divs, 2)
	require.InDelta(t, want0, divs[0], 1e-6)
	require.InDelta(t, want1, divs[1], 1e-6)
}

func TestSegmentIDsUnsorted(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x0 := randomCloud(rng, 4, 2)
	y0 := randomCloud(rng, 4, 2)
	x1 := randomCloud(rng, 4, 2)
	y1 := randomCloud(rng, 4, 2)

	solverOpts := WithSolveOptions(linear.WithThreshold(1e-6), linear.WithIterationBounds(0, 10000))

	sorted, err := Segment(stackClouds(x0, x1), stackClouds(y0, y1),
		WithSegmentIDs([]int{0, 0, 0, 0, 1, 1, 1, 1}, []int{0, 0, 0, 0, 1, 1, 1, 1}),
		WithDivergenceOptions(WithEpsilon(testEps), solverOpts),
	)
	require.NoError(t, err)

	// The same points in interleaved order, segment membership carried
	// by the ids alone.
	xShuf := mat.NewDense(8, 2, nil)
	yShuf := mat.NewDense(8, 2, nil)
	perm := []int{4, 0, 5, 1, 6, 2, 7, 3}
	ids := make([]int, 8)
	for to, from := range perm {
		xRow := x0
		yRow := y0
		idx := from
		if from >= 4 {
			xRow, yRow = x1, y1
			idx = from - 4
			ids[to] = 1
		}
		xShuf.SetRow(to, xRow.RawRowView(idx))
		yShuf.SetRow(to, yRow.RawRowView(idx))
	}
	shuffled, err := Segment(xShuf, yShuf,
		WithSegmentIDs(ids, ids),
		WithNumSegments(2),
		WithDivergenceOptions(WithEpsilon(testEps), solverOpts),
	)
	require.NoError(t, err)

	require.Len(t, shuffled, 2)
	require.InDelta(t, sorted[0], shuffled[0], 1e-6)
	require.InDelta(t, sorted[1], shuffled[1], 1e-6)
}

func TestSegmentPerPointWeights(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	x := randomCloud(rng, 6, 2)
	y := randomCloud(rng, 6, 2)
	wx := []float64{0.5, 0.25, 0.25, 0.2, 0.3, 0.5}
	wy := []float64{0.1, 0.4, 0.5, 1.0 / 3, 1.0 / 3, 1.0 / 3}

	divs, err := Segment(x, y,
		WithSegmentCounts([]int{3, 3}, []int{3, 3}),
		WithSegmentWeights(wx, wy),
		WithDivergenceOptions(WithEpsilon(testEps), WithSolveOptions(linear.WithThreshold(1e-6), linear.WithIterationBounds(0, 10000))),
	)
	require.NoError(t, err)

	x0 := mat.DenseCopyOf(x.Slice(0, 3, 0, 2))
	y0 := mat.DenseCopyOf(y.Slice(0, 3, 0, 2))
	want, _, err := Sinkhorn(x0, y0,
		WithEpsilon(testEps),
		WithWeights(wx[:3], wy[:3]),
		WithSolveOptions(linear.WithThreshold(1e-6), linear.WithIterationBounds(0, 10000)),
	)
	require.NoError(t, err)
	require.InDelta(t, want, divs[0], 1e-6)
}

func TestSegmentValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := randomCloud(rng, 4, 2)
	y := randomCloud(rng, 4, 2)

	_, err := Segment(x, y)
	require.ErrorIs(t, err, ErrSegmentSpec)

	_, err = Segment(x, y,
		WithSegmentIDs([]int{0, 0, 1, 1}, []int{0, 0, 1, 1}),
		WithSegmentCounts([]int{2, 2}, []int{2, 2}))
	require.ErrorIs(t, err, ErrSegmentSpec)

	_, err = Segment(x, y, WithSegmentCounts([]int{3, 1}, []int{2, 2}), WithMaxMeasureSize(2))
	require.ErrorIs(t, err, ErrSegmentTooLarge)

	_, err = Segment(x, y, WithSegmentCounts([]int{2, 2}, []int{4}))
	require.Error(t, err)

	_, err = Segment(x, y, WithSegmentCounts([]int{2, 3}, []int{2, 2}))
	require.Error(t, err)

	_, err = Segment(x, y, WithSegmentIDs([]int{0, 0, 1}, []int{0, 0, 1, 1}))
	require.Error(t, err)

	_, err = Segment(x, y, WithSegmentIDs([]int{0, 0, 1, 5}, []int{0, 0, 1, 1}), WithNumSegments(2))
	require.Error(t, err)
}

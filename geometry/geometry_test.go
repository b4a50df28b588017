package geometry

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-sinkhorn/costs"
)

const (
	testN   = 11
	testM   = 13
	testDim = 3
	testEps = 0.1
)

func randomCloud(rng *rand.Rand, n, dim int) *mat.Dense {
	x := mat.NewDense(n, dim, nil)
	for i := 0; i < n; i++ {
		for d := 0; d < dim; d++ {
			x.Set(i, d, rng.Float64())
		}
	}
	return x
}

func testClouds(t *testing.T) (*mat.Dense, *mat.Dense) {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	return randomCloud(rng, testN, testDim), randomCloud(rng, testM, testDim)
}

func randomVec(rng *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	return v
}

func TestPointCloudMatchesExplicitMatrix(t *testing.T) {
	x, y := testClouds(t)

	pc, err := NewPointCloud(x, y, nil, WithEpsilon(testEps))
	require.NoError(t, err)

	cost := mat.NewDense(testN, testM, nil)
	for i := 0; i < testN; i++ {
		for j := 0; j < testM; j++ {
			cost.Set(i, j, costs.SqEuclidean{}.Cost(x.RawRowView(i), y.RawRowView(j)))
		}
	}
	dense, err := NewGeometry(cost, WithEpsilon(testEps))
	require.NoError(t, err)

	require.InDelta(t, 0, matMaxDiff(pc.CostMatrix(), dense.CostMatrix()), 1e-14)
	require.InDelta(t, pc.MeanCost(), dense.MeanCost(), 1e-14)
	require.InDelta(t, pc.MaxCost(), dense.MaxCost(), 1e-14)
}

func TestOnlineMatchesMaterialized(t *testing.T) {
	x, y := testClouds(t)
	rng := rand.New(rand.NewSource(7))

	full, err := NewPointCloud(x, y, nil, WithEpsilon(testEps))
	require.NoError(t, err)
	require.False(t, full.IsOnline())

	vm := randomVec(rng, testM)
	vn := randomVec(rng, testN)
	f := randomVec(rng, testN)
	g := randomVec(rng, testM)

	for _, batch := range []int{1, 3, 4, 7} {
		online, err := NewPointCloud(x, y, nil, WithEpsilon(testEps), WithBatchSize(batch))
		require.NoError(t, err)
		require.True(t, online.IsOnline())
		require.Equal(t, batch, online.BatchSize())

		require.InDeltaSlice(t, full.ApplyCost(vm, 1), online.ApplyCost(vm, 1), 1e-12)
		require.InDeltaSlice(t, full.ApplyCost(vn, 0), online.ApplyCost(vn, 0), 1e-12)
		require.InDeltaSlice(t,
			full.ApplyLSEKernel(f, g, testEps, 1), online.ApplyLSEKernel(f, g, testEps, 1), 1e-12)
		require.InDeltaSlice(t,
			full.ApplyLSEKernel(f, g, testEps, 0), online.ApplyLSEKernel(f, g, testEps, 0), 1e-10)
		require.InDeltaSlice(t,
			full.ApplyKernel(vm, testEps, 1), online.ApplyKernel(vm, testEps, 1), 1e-12)
		require.InDeltaSlice(t,
			full.ApplyKernel(vn, testEps, 0), online.ApplyKernel(vn, testEps, 0), 1e-12)
		require.InDelta(t, 0, matMaxDiff(full.CostMatrix(), online.CostMatrix()), 1e-14)
		require.InDelta(t, full.MeanCost(), online.MeanCost(), 1e-12)
	}
}

func TestOversizedBatchDegradesToMaterialized(t *testing.T) {
	x, y := testClouds(t)
	g, err := NewPointCloud(x, y, nil, WithEpsilon(testEps), WithBatchSize(1000))
	require.NoError(t, err)
	require.False(t, g.IsOnline())
	require.Equal(t, 0, g.BatchSize())
}

func TestKernelMatrix(t *testing.T) {
	x, y := testClouds(t)
	g, err := NewPointCloud(x, y, nil, WithEpsilon(testEps))
	require.NoError(t, err)

	c := g.CostMatrix()
	k := g.KernelMatrix()
	for i := 0; i < testN; i++ {
		for j := 0; j < testM; j++ {
			require.InDelta(t, math.Exp(-c.At(i, j)/testEps), k.At(i, j), 1e-14)
		}
	}
}

func TestScalingPotentialRoundTrip(t *testing.T) {
	x, y := testClouds(t)
	g, err := NewPointCloud(x, y, nil, WithEpsilon(testEps))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	f := randomVec(rng, testN)
	require.InDeltaSlice(t, f, g.PotentialFromScaling(g.ScalingFromPotential(f)), 1e-12)
}

func TestTransportPotentialsScalingsAgree(t *testing.T) {
	x, y := testClouds(t)
	g, err := NewPointCloud(x, y, nil, WithEpsilon(testEps))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(9))
	f := randomVec(rng, testN)
	gp := randomVec(rng, testM)

	p1 := g.TransportFromPotentials(f, gp)
	p2 := g.TransportFromScalings(g.ScalingFromPotential(f), g.ScalingFromPotential(gp))
	// The two routes share no intermediate values, so exp/log round trips
	// leave relative noise of order 1e-8 on O(1) entries.
	require.InDelta(t, 0, matMaxDiff(p1, p2), 1e-7)
}

func TestApplyTransportMatchesExplicitPlan(t *testing.T) {
	x, y := testClouds(t)
	rng := rand.New(rand.NewSource(11))
	f := randomVec(rng, testN)
	gp := randomVec(rng, testM)
	vm := randomVec(rng, testM)
	vn := randomVec(rng, testN)

	for _, batch := range []int{0, 4} {
		opts := []Option{WithEpsilon(testEps)}
		if batch > 0 {
			opts = append(opts, WithBatchSize(batch))
		}
		g, err := NewPointCloud(x, y, nil, opts...)
		require.NoError(t, err)

		plan := g.TransportFromPotentials(f, gp)
		wantRow := make([]float64, testN)
		wantCol := make([]float64, testM)
		planVec := mat.NewVecDense(testM, vm)
		outVec := mat.NewVecDense(testN, wantRow)
		outVec.MulVec(plan, planVec)
		colVec := mat.NewVecDense(testM, wantCol)
		colVec.MulVec(plan.T(), mat.NewVecDense(testN, vn))

		require.InDeltaSlice(t, wantRow, g.ApplyTransportFromPotentials(f, gp, vm, 1), 1e-3)
		require.InDeltaSlice(t, wantCol, g.ApplyTransportFromPotentials(f, gp, vn, 0), 1e-3)

		u := g.ScalingFromPotential(f)
		v := g.ScalingFromPotential(gp)
		require.InDeltaSlice(t, wantRow, g.ApplyTransportFromScalings(u, v, vm, 1), 1e-3)
		require.InDeltaSlice(t, wantCol, g.ApplyTransportFromScalings(u, v, vn, 0), 1e-3)
	}
}

func TestApplyTransportPinnedPotential(t *testing.T) {
	x, y := testClouds(t)
	g, err := NewPointCloud(x, y, nil, WithEpsilon(testEps))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(13))
	f := randomVec(rng, testN)
	gp := randomVec(rng, testM)
	f[0] = math.Inf(-1) // zero-weight row

	out := g.ApplyTransportFromPotentials(f, gp, randomVec(rng, testM), 1)
	require.InDelta(t, 0.0, out[0], 0)
	for _, v := range out {
		require.False(t, math.IsNaN(v))
	}
}

func TestApplyLSEKernelCancelsOpposingPotential(t *testing.T) {
	x, y := testClouds(t)
	g, err := NewPointCloud(x, y, nil, WithEpsilon(testEps))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(17))
	f1 := randomVec(rng, testN)
	f2 := randomVec(rng, testN)
	gp := randomVec(rng, testM)

	// Axis 1 reduces over columns; the row potential plays no role.
	require.InDeltaSlice(t,
		g.ApplyLSEKernel(f1, gp, testEps, 1), g.ApplyLSEKernel(f2, gp, testEps, 1), 1e-12)
}

func TestRelativeEpsilonScalesWithData(t *testing.T) {
	x, y := testClouds(t)
	const scale = 3.0

	xs := mat.NewDense(testN, testDim, nil)
	ys := mat.NewDense(testM, testDim, nil)
	xs.Scale(scale, x)
	ys.Scale(scale, y)

	g1, err := NewPointCloud(x, y, nil, WithRelativeEpsilon(StatMean))
	require.NoError(t, err)
	g2, err := NewPointCloud(xs, ys, nil, WithRelativeEpsilon(StatMean))
	require.NoError(t, err)

	// Squared Euclidean costs scale quadratically, so must the derived
	// epsilon.
	require.InDelta(t, scale*scale, g2.Epsilon()/g1.Epsilon(), 1e-9)

	gm, err := NewPointCloud(x, y, nil, WithRelativeEpsilon(StatMax))
	require.NoError(t, err)
	require.InDelta(t, DefaultEpsilonScale*gm.MaxCost(), gm.Epsilon(), 1e-12)
}

func TestSchedulerOption(t *testing.T) {
	x, y := testClouds(t)
	sched, err := NewDecayingEpsilon(0.01, 4, 0.5)
	require.NoError(t, err)

	g, err := NewPointCloud(x, y, nil, WithScheduler(sched))
	require.NoError(t, err)
	require.Same(t, sched, g.Scheduler())
	require.InDelta(t, 0.01, g.Epsilon(), 0)
	require.InDelta(t, 0.04, g.EpsilonAt(0), 1e-15)
	require.InDelta(t, 0.01, g.EpsilonAt(10), 1e-15)
}

func TestSymmetricPointCloud(t *testing.T) {
	x, _ := testClouds(t)
	g, err := NewPointCloud(x, nil, nil, WithEpsilon(testEps))
	require.NoError(t, err)

	n, m := g.Shape()
	require.Equal(t, testN, n)
	require.Equal(t, testN, m)
	for i := 0; i < n; i++ {
		require.InDelta(t, 0.0, g.Cost(i, i), 1e-14)
	}
}

func TestGridMatchesSeparableSum(t *testing.T) {
	axes := [][]float64{{0, 0.5, 1}, {0, 1}}
	g, err := NewGrid(axes, nil, WithEpsilon(testEps))
	require.NoError(t, err)

	n, m := g.Shape()
	require.Equal(t, 6, n)
	require.Equal(t, 6, m)

	// Flat index 4 is node (2,0), flat index 1 is node (0,1).
	d0 := (1.0 - 0.0) * (1.0 - 0.0)
	d1 := (0.0 - 1.0) * (0.0 - 1.0)
	require.InDelta(t, d0+d1, g.Cost(4, 1), 1e-14)
	require.InDelta(t, 0.0, g.Cost(3, 3), 1e-14)

	_, err = NewGrid(axes, []costs.CostFn{costs.SqEuclidean{}, costs.SqEuclidean{}, costs.SqEuclidean{}})
	require.Error(t, err)
}

func TestTransportCostAtOtherGeometry(t *testing.T) {
	x, y := testClouds(t)
	g, err := NewPointCloud(x, y, nil, WithEpsilon(testEps))
	require.NoError(t, err)
	other, err := NewPointCloud(x, y, costs.Euclidean{}, WithEpsilon(testEps))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(21))
	f := randomVec(rng, testN)
	gp := randomVec(rng, testM)

	got, err := g.TransportCostAt(f, gp, other)
	require.NoError(t, err)

	plan := g.TransportFromPotentials(f, gp)
	oc := other.CostMatrix()
	var want float64
	for i := 0; i < testN; i++ {
		for j := 0; j < testM; j++ {
			want += plan.At(i, j) * oc.At(i, j)
		}
	}
	require.InDelta(t, want, got, 1e-10*math.Abs(want))

	// Same-geometry case, streamed through both batched and dense paths.
	online, err := NewPointCloud(x, y, nil, WithEpsilon(testEps), WithBatchSize(3))
	require.NoError(t, err)
	c1, err := g.TransportCostAt(f, gp, g)
	require.NoError(t, err)
	c2, err := online.TransportCostAt(f, gp, online)
	require.NoError(t, err)
	require.InDelta(t, c1, c2, 1e-10*math.Abs(c1))

	small := randomCloud(rng, 4, testDim)
	bad, err := NewPointCloud(small, nil, nil, WithEpsilon(testEps))
	require.NoError(t, err)
	_, err = g.TransportCostAt(f, gp, bad)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestApplyCostDense(t *testing.T) {
	x, y := testClouds(t)
	g, err := NewPointCloud(x, y, nil, WithEpsilon(testEps))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(23))
	in := randomCloud(rng, testM, 2)
	out := g.ApplyCostDense(in, 1)

	r, c := out.Dims()
	require.Equal(t, testN, r)
	require.Equal(t, 2, c)
	col := make([]float64, testM)
	mat.Col(col, 0, in)
	want := g.ApplyCost(col, 1)
	for i := 0; i < testN; i++ {
		require.InDelta(t, want[i], out.At(i, 0), 1e-12)
	}
}

func matMaxDiff(a, b *mat.Dense) float64 {
	r, c := a.Dims()
	var worst float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if d := math.Abs(a.At(i, j) - b.At(i, j)); d > worst {
				worst = d
			}
		}
	}
	return worst
}

package geometry

import (
	"fmt"
	"math/rand"
	"testing"
)

// BenchmarkKernelApplications compares the materialized and online paths
// of the log-domain kernel reduction, the hot loop of the solver.
func BenchmarkKernelApplications(b *testing.B) {
	sizes := []int{64, 256, 1024}

	for _, n := range sizes {
		for _, batch := range []int{0, 64} {
			mode := "Full"
			if batch > 0 {
				mode = fmt.Sprintf("Batch%d", batch)
			}
			b.Run(fmt.Sprintf("ApplyLSEKernel_n%d_%s", n, mode), func(b *testing.B) {
				benchmarkApplyLSE(b, n, batch)
			})
		}
	}
}

func benchmarkApplyLSE(b *testing.B, n, batch int) {
	rng := rand.New(rand.NewSource(42))
	opts := []Option{WithEpsilon(0.1)}
	if batch > 0 {
		opts = append(opts, WithBatchSize(batch))
	}
	g, err := NewPointCloud(randomCloud(rng, n, 4), randomCloud(rng, n, 4), nil, opts...)
	if err != nil {
		b.Fatalf("NewPointCloud() error = %v", err)
	}
	f := randomVec(rng, n)
	gp := randomVec(rng, n)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = g.ApplyLSEKernel(f, gp, 0.1, 1)
		_ = g.ApplyLSEKernel(f, gp, 0.1, 0)
	}
}

// BenchmarkTransportApplication measures matrix-free plan application.
func BenchmarkTransportApplication(b *testing.B) {
	sizes := []int{64, 256, 1024}

	for _, n := range sizes {
		b.Run(fmt.Sprintf("ApplyTransport_n%d", n), func(b *testing.B) {
			rng := rand.New(rand.NewSource(42))
			g, err := NewPointCloud(randomCloud(rng, n, 4), randomCloud(rng, n, 4), nil,
				WithEpsilon(0.1), WithBatchSize(64))
			if err != nil {
				b.Fatalf("NewPointCloud() error = %v", err)
			}
			f := randomVec(rng, n)
			gp := randomVec(rng, n)
			vec := randomVec(rng, n)

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				_ = g.ApplyTransportFromPotentials(f, gp, vec, 1)
			}
		})
	}
}

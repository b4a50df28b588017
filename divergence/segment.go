package divergence

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrSegmentSpec indicates that neither segment ids nor per-segment
	// counts were supplied, or that both were.
	ErrSegmentSpec = errors.New("divergence: specify segment ids or per-segment counts, not both")

	// ErrSegmentTooLarge indicates a segment exceeding the configured
	// maximum measure size.
	ErrSegmentTooLarge = errors.New("divergence: segment larger than max measure size")
)

type segmentConfig struct {
	idsX, idsY       []int
	countsX, countsY []int
	weightsX         []float64
	weightsY         []float64
	numSegments      int
	maxMeasureSize   int
	divOpts          []Option
}

// SegmentOption configures a segmented divergence computation.
type SegmentOption func(*segmentConfig)

// WithSegmentIDs assigns every point of x and y to a segment. Ids need
// not be sorted; they must lie in [0, numSegments).
func WithSegmentIDs(idsX, idsY []int) SegmentOption {
	return func(c *segmentConfig) {
		c.idsX = idsX
		c.idsY = idsY
	}
}

// WithSegmentCounts declares contiguous per-segment point counts, as an
// alternative to explicit ids.
func WithSegmentCounts(countsX, countsY []int) SegmentOption {
	return func(c *segmentConfig) {
		c.countsX = countsX
		c.countsY = countsY
	}
}

// WithNumSegments fixes the number of segments; by default it is derived
// from the ids or counts.
func WithNumSegments(n int) SegmentOption {
	return func(c *segmentConfig) { c.numSegments = n }
}

// WithMaxMeasureSize sets the common padded size of every segment;
// defaults to the largest segment.
func WithMaxMeasureSize(n int) SegmentOption {
	return func(c *segmentConfig) { c.maxMeasureSize = n }
}

// WithSegmentWeights attaches per-point weights aligned with x and y.
// Absent weights default to uniform within each segment.
func WithSegmentWeights(wx, wy []float64) SegmentOption {
	return func(c *segmentConfig) {
		c.weightsX = wx
		c.weightsY = wy
	}
}

// WithDivergenceOptions forwards options to every per-segment divergence.
func WithDivergenceOptions(opts ...Option) SegmentOption {
	return func(c *segmentConfig) { c.divOpts = append(c.divOpts, opts...) }
}

// Segment computes one Sinkhorn divergence per segment of two flat point
// arrays, exactly as if each segment had been extracted and solved on
// its own. Segments are padded to a common size with zero-weight points
// at the origin; the padding provably does not perturb the result since
// zero-weight points are pinned out of every update and every derived
// sum. Per-segment solves run concurrently.
func Segment(x, y *mat.Dense, opts ...SegmentOption) ([]float64, error) {
	cfg := segmentConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	groupsX, err := groupIndices(x, cfg.idsX, cfg.countsX, &cfg)
	if err != nil {
		return nil, err
	}
	groupsY, err := groupIndices(y, cfg.idsY, cfg.countsY, &cfg)
	if err != nil {
		return nil, err
	}
	if len(groupsX) != len(groupsY) {
		return nil, fmt.Errorf("divergence: %d x segments vs %d y segments", len(groupsX), len(groupsY))
	}

	maxSize := cfg.maxMeasureSize
	if maxSize == 0 {
		for _, g := range groupsX {
			if len(g) > maxSize {
				maxSize = len(g)
			}
		}
		for _, g := range groupsY {
			if len(g) > maxSize {
				maxSize = len(g)
			}
		}
	}
	for _, g := range groupsX {
		if len(g) > maxSize {
			return nil, ErrSegmentTooLarge
		}
	}
	for _, g := range groupsY {
		if len(g) > maxSize {
			return nil, ErrSegmentTooLarge
		}
	}

	num := len(groupsX)
	divs := make([]float64, num)
	errs := make([]error, num)
	var wg sync.WaitGroup
	for s := 0; s < num; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			xs, wa := padSegment(x, groupsX[s], cfg.weightsX, maxSize)
			ys, wb := padSegment(y, groupsY[s], cfg.weightsY, maxSize)
			segOpts := append(append([]Option(nil), cfg.divOpts...), WithWeights(wa, wb))
			divs[s], _, errs[s] = Sinkhorn(xs, ys, segOpts...)
		}(s)
	}
	wg.Wait()
	for _, e := range errs {
		if e != nil {
			return nil, e
		}
	}
	return divs, nil
}

// groupIndices resolves the per-segment row indices from either ids or
// contiguous counts.
func groupIndices(pts *mat.Dense, ids, counts []int, cfg *segmentConfig) ([][]int, error) {
	n, _ := pts.Dims()
	switch {
	case ids != nil && counts != nil:
		return nil, ErrSegmentSpec
	case ids != nil:
		if len(ids) != n {
			return nil, fmt.Errorf("divergence: %d segment ids for %d points", len(ids), n)
		}
		num := cfg.numSegments
		if num == 0 {
			for _, id := range ids {
				if id+1 > num {
					num = id + 1
				}
			}
		}
		groups := make([][]int, num)
		for i, id := range ids {
			if id < 0 || id >= num {
				return nil, fmt.Errorf("divergence: segment id %d outside [0, %d)", id, num)
			}
			groups[id] = append(groups[id], i)
		}
		return groups, nil
	case counts != nil:
		total := 0
		for _, c := range counts {
			if c <= 0 {
				return nil, errors.New("divergence: segment counts must be positive")
			}
			total += c
		}
		if total != n {
			return nil, fmt.Errorf("divergence: counts sum to %d but %d points given", total, n)
		}
		if cfg.numSegments != 0 && cfg.numSegments != len(counts) {
			return nil, fmt.Errorf("divergence: %d counts for %d segments", len(counts), cfg.numSegments)
		}
		groups := make([][]int, len(counts))
		at := 0
		for s, c := range counts {
			idx := make([]int, c)
			for k := range idx {
				idx[k] = at + k
			}
			groups[s] = idx
			at += c
		}
		return groups, nil
	default:
		return nil, ErrSegmentSpec
	}
}

// padSegment extracts the given rows and weights and pads both up to
// size with zero-weight origin points.
func padSegment(pts *mat.Dense, rows []int, weights []float64, size int) (*mat.Dense, []float64) {
	_, d := pts.Dims()
	out := mat.NewDense(size, d, nil)
	w := make([]float64, size)
	uniform := 1.0 / float64(len(rows))
	for k, r := range rows {
		out.SetRow(k, pts.RawRowView(r))
		if weights != nil {
			w[k] = weights[r]
		} else {
			w[k] = uniform
		}
	}
	return out, w
}

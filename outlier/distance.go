package outlier

import "golang.org/x/exp/constraints"

// Distance implements the tolerance-factor detector of spec.md §4.5,
// grounded on dist_detector.h's DistDetector: it maintains a running
// average gap between consecutive accepted keys and flags a key as an
// outlier when its gap from the previous key exceeds avg_gap * tolerance.
// Tolerance adapts toward expectedAvgGap after each accepted key and is
// clamped at minTolerance.
type Distance struct {
	tolerance     float64
	minTolerance  float64
	initTolerance float64
	expectedGap   float64

	avgGap    float64
	avgGapSet bool

	prevKey    uint64
	prevKeySet bool
	count      uint64
}

// NewDistance creates a Distance detector. expectedGap <= 1 disables
// adaptation (dist_detector.h only calls update_tolerance_factor when the
// configured expected average distance is meaningfully above 1).
func NewDistance(initTolerance, minTolerance, expectedGap float64) *Distance {
	return &Distance{
		tolerance:     initTolerance,
		minTolerance:  minTolerance,
		initTolerance: initTolerance,
		expectedGap:   expectedGap,
	}
}

func (d *Distance) IsOutlier(key uint64) bool {
	if !d.prevKeySet {
		return false
	}
	gap := gapOf(key, d.prevKey)
	if !d.avgGapSet {
		return false
	}
	return float64(gap) > d.avgGap*d.tolerance
}

// gapOf is generic over any integer width so the same helper serves both
// the fixed uint64 key gaps here and, in principle, a narrower leaf-stats
// width elsewhere in the package -- the one place this module's numeric
// helpers stay width-agnostic rather than pinned to node.Key's uint64.
func gapOf[T constraints.Integer](key, prev T) T {
	if key <= prev {
		return 0
	}
	return key - prev
}

// Observe folds key into the running average gap, as dist_detector.h's
// is_outlier does on its non-outlier path, and adapts the tolerance
// factor back toward its configured expectation.
func (d *Distance) Observe(key uint64) {
	if !d.prevKeySet {
		d.prevKey = key
		d.prevKeySet = true
		d.count = 1
		return
	}
	gap := gapOf(key, d.prevKey)
	d.count++
	if !d.avgGapSet {
		d.avgGap = float64(gap)
		d.avgGapSet = true
	} else {
		d.avgGap = (d.avgGap*float64(d.count-1) + float64(gap)) / float64(d.count)
	}
	if d.expectedGap > 1 {
		d.updateTolerance()
	}
	d.prevKey = key
}

// UpdateAfterSplit is a no-op: Distance tracks a single running average
// gap between consecutive keys, not a window of per-leaf statistics.
func (d *Distance) UpdateAfterSplit(stats LeafStats) {}

const maxTolerableError = 0.5

func (d *Distance) updateTolerance() {
	if d.avgGap < d.expectedGap+maxTolerableError {
		d.tolerance = d.initTolerance
		return
	}
	d.tolerance *= d.expectedGap / d.avgGap
	if d.tolerance < d.minTolerance {
		d.tolerance = d.minTolerance
	}
}

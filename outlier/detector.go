// Package outlier implements the pluggable near-sortedness detectors of
// spec.md §4.5: a new key is classified outlier or not, and running
// statistics are updated after relevant insert or split events. Detectors
// are consulted by the dual coordinator (package dual) and, for IKR, by
// the QuIT fast-path split decision (package tree).
package outlier

// Detector classifies keys and tracks the running statistics that
// classification depends on. IsOutlier must be safe to call before
// Observe for the same key (the detector decides first, the caller only
// calls Observe once it has committed to treating the key as non-outlier
// -- mirroring the original's is_outlier/update split, where update only
// runs on the accepted path).
type Detector interface {
	// IsOutlier reports whether key should be routed away from the
	// primary sorted structure.
	IsOutlier(key uint64) bool
	// Observe folds a non-outlier key into the detector's running
	// statistics.
	Observe(key uint64)
	// UpdateAfterSplit folds a just-split leaf's aggregate key statistics
	// into any per-leaf windowed bookkeeping the detector keeps, mirroring
	// dual_tree.h's update_stats(leaf) split hook. A no-op for detectors
	// that only track per-key running statistics rather than a window of
	// leaves.
	UpdateAfterSplit(stats LeafStats)
}

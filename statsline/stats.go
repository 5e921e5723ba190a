// Package statsline renders the comma-separated statistics line spec.md
// §6 describes, grounded on bp_tree.h's operator<< (itself a comma-joined
// stream of counters, several gated behind the C++ build's #ifdef
// variant flags -- a field that variant doesn't track renders empty
// rather than being dropped, keeping column position stable).
package statsline

import (
	"strconv"
	"strings"

	"github.com/nearsort/qittree/tree"
)

// Line renders one statistics line: total size, depth, block-manager
// writes and dirty-marks, internal and leaf node counts, split count,
// fast-path hits and misses, then the fast-path variants' soft reset,
// hard reset, and redistribute counts. policy controls which of the
// fast-path-specific fields are meaningful for this tree; fields that
// don't apply under policy render as an empty column, matching
// bp_tree.h's #ifdef-gated fields.
func Line(policy tree.FastPathPolicy, stats tree.FullStats, writes, markDirty uint64) string {
	fields := []string{
		strconv.FormatUint(stats.Size, 10),
		strconv.FormatUint(stats.Depth, 10),
		strconv.FormatUint(writes, 10),
		strconv.FormatUint(markDirty, 10),
		strconv.FormatUint(stats.InternalCount, 10),
		strconv.FormatUint(stats.LeafCount, 10),
		strconv.FormatUint(stats.Splits, 10),
		fastPathField(policy, stats.FastHits),
		fastPathField(policy, stats.FastMisses),
		resetField(policy, stats.SoftResets),
		resetField(policy, stats.HardResets),
		redistributeField(policy, stats.Redistributes),
	}
	return strings.Join(fields, ", ")
}

// Header names Line's fields in the same order, for a driver that wants
// to print a header row ahead of the data.
func Header() string {
	return strings.Join([]string{
		"size", "depth", "writes", "dirty_marks",
		"internal_count", "leaf_count", "splits",
		"fast_hits", "fast_misses", "soft_resets", "hard_resets", "redistributes",
	}, ", ")
}

func fastPathField(policy tree.FastPathPolicy, v uint64) string {
	if policy == tree.PolicyNone {
		return ""
	}
	return strconv.FormatUint(v, 10)
}

// resetField is meaningful only for the LOL and QuIT variants, the two
// policies bp_tree.h's LOL_FAT/LOL_RESET blocks instrument.
func resetField(policy tree.FastPathPolicy, v uint64) string {
	if policy != tree.PolicyLOL && policy != tree.PolicyQuIT {
		return ""
	}
	return strconv.FormatUint(v, 10)
}

// redistributeField is meaningful only for QuIT, the sole variant
// bp_tree.h's REDISTRIBUTE block applies to.
func redistributeField(policy tree.FastPathPolicy, v uint64) string {
	if policy != tree.PolicyQuIT {
		return ""
	}
	return strconv.FormatUint(v, 10)
}

// Sprint is a convenience wrapper combining a tree and its block manager's
// write/dirty-mark counters into one rendered line, the shape a driver
// program most often wants.
func Sprint(policy tree.FastPathPolicy, t *tree.Tree, writes, markDirty uint64) string {
	return Line(policy, t.FullStats(), writes, markDirty)
}

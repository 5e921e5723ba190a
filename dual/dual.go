package dual

import (
	"github.com/nearsort/qittree/outlier"
	"github.com/nearsort/qittree/tree"
)

// Key and Value re-export tree's concrete fixed-width types.
type Key = tree.Key
type Value = tree.Value

// Coordinator implements the dual-tree routing strategy of spec.md §4.6,
// grounded on dual_tree.h's dual_tree: a sorted sub-tree tuned for
// sequential append (a wide split fraction), a second sub-tree absorbing
// whatever the routing decision flags as an outlier, an optional bounded
// staging heap that smooths tiny local disorder ahead of either, and a
// lazy-move policy that swaps a late-but-not-too-late key into a full
// tail leaf rather than forcing a split.
//
// Coordinator owns neither tree's storage; callers construct both
// tree.Tree values (typically over separate backends, per dual_tree.h's
// sorted_file/outlier_file split) and hand them to New.
type Coordinator struct {
	sorted  *tree.Tree
	outlier *tree.Tree

	heap     *StagingHeap
	detector outlier.Detector
	lazyMove bool
}

// New creates a Coordinator. heap and detector may be nil (disabling the
// staging buffer and the outlier-routing check respectively, per
// spec.md §6's HEAP_SIZE=0 / OUTLIER_DETECTOR_TYPE="" configuration).
func New(sorted, outlierTree *tree.Tree, heap *StagingHeap, detector outlier.Detector, lazyMove bool) *Coordinator {
	return &Coordinator{sorted: sorted, outlier: outlierTree, heap: heap, detector: detector, lazyMove: lazyMove}
}

// Insert routes (key, value) per spec.md §4.6's six-step decision. Step 1
// (the staging heap) is handled here; sortednessInsert implements steps
// 2-6 for whichever (possibly heap-evicted) pair ultimately needs to
// reach one of the two sub-trees.
func (c *Coordinator) Insert(key Key, value Value) error {
	if c.heap != nil {
		if c.heap.Size() < c.heap.MaxSize {
			c.heap.Push(key, value)
			return nil
		}
		if minKey, minVal, ok := c.heap.Min(); ok && key > minKey {
			c.heap.Pop()
			c.heap.Push(key, value)
			key, value = minKey, minVal
		}
	}
	return c.sortednessInsert(key, value)
}

// sortednessInsert implements spec.md §4.6 steps 2-6. The outlier-detector
// check in step 3 is restricted to keys that would otherwise be a tail
// append (key > tail_max), matching dual_tree.h's sortedness_insert
// comment ("we only set outlier check for key > tail_max") -- consulting
// it unconditionally would flag ordinary mid-range inserts that the
// lazy-move / normal-insert steps already handle correctly.
func (c *Coordinator) sortednessInsert(key Key, value Value) error {
	tailMin, tailMax, ok, err := c.sorted.TailMinMax()
	if err != nil {
		return err
	}
	if !ok {
		// Sorted tree is empty: nothing to compare against yet, but the
		// detector still needs a first reference key to measure gaps from.
		if c.detector != nil {
			c.detector.Observe(key)
		}
		_, err := c.sorted.Insert(key, value)
		return err
	}

	if key < tailMin {
		_, err := c.outlier.Insert(key, value)
		return err
	}

	if c.detector != nil && key > tailMax {
		if c.detector.IsOutlier(key) {
			_, err := c.outlier.Insert(key, value)
			return err
		}
		// Not an outlier: the detector's running statistics advance only
		// for keys that are actually about to join the sorted tail,
		// mirroring dist_detector.h's is_outlier, which folds a key into
		// avg_dist only on its non-outlier path.
		c.detector.Observe(key)
	}

	if key >= tailMax {
		_, err := c.sorted.Insert(key, value)
		return err
	}

	if c.lazyMove {
		full, ferr := c.sorted.TailIsFull()
		if ferr != nil {
			return ferr
		}
		if full {
			evKey, evVal, swapped, serr := c.sorted.SwapTailMax(key, value)
			if serr != nil {
				return serr
			}
			if swapped {
				_, err := c.outlier.Insert(evKey, evVal)
				return err
			}
		}
	}

	_, err = c.sorted.Insert(key, value)
	return err
}

// Get looks up key, per spec.md §4.6's query rule: the staging heap first
// (if configured), then whichever sub-tree currently holds more keys,
// then the other.
func (c *Coordinator) Get(key Key) (Value, bool, error) {
	if c.heap != nil {
		if v, ok := c.heap.Get(key); ok {
			return v, true, nil
		}
	}

	first, second := c.sorted, c.outlier
	if c.outlier.Size() > c.sorted.Size() {
		first, second = c.outlier, c.sorted
	}

	if v, found, err := first.Get(key); err != nil || found {
		return v, found, err
	}
	return second.Get(key)
}

// Contains reports whether key is present, via Get.
func (c *Coordinator) Contains(key Key) (bool, error) {
	_, found, err := c.Get(key)
	return found, err
}

// SortedStats returns the sorted sub-tree's counter snapshot, for the
// statistics stream (spec.md §6).
func (c *Coordinator) SortedStats() tree.FullStats { return c.sorted.FullStats() }

// OutlierStats returns the outlier sub-tree's counter snapshot.
func (c *Coordinator) OutlierStats() tree.FullStats { return c.outlier.FullStats() }

package dual

import (
	"testing"

	"github.com/nearsort/qittree/block"
	"github.com/nearsort/qittree/outlier"
	"github.com/nearsort/qittree/storage/membackend"
	"github.com/nearsort/qittree/tree"
)

func newTestCoordinator(t *testing.T, heap *StagingHeap, detector outlier.Detector, lazyMove bool) *Coordinator {
	t.Helper()
	sortedMgr := block.NewManager(membackend.New(), 4096)
	outlierMgr := block.NewManager(membackend.New(), 4096)
	sorted, err := tree.New(sortedMgr, tree.PolicyNone, detector, 0.8)
	if err != nil {
		t.Fatalf("tree.New(sorted) error = %v", err)
	}
	outlierTree, err := tree.New(outlierMgr, tree.PolicyNone, nil, 0.5)
	if err != nil {
		t.Fatalf("tree.New(outlier) error = %v", err)
	}
	return New(sorted, outlierTree, heap, detector, lazyMove)
}

func TestCoordinator_SequentialInsertGoesToSortedTree(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, false)

	for i := Key(0); i < 1000; i++ {
		if err := c.Insert(i, Value(i)); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	if c.outlier.Size() != 0 {
		t.Errorf("outlier tree size = %d, want 0 for purely ascending inserts", c.outlier.Size())
	}
	if c.sorted.Size() != 1000 {
		t.Errorf("sorted tree size = %d, want 1000", c.sorted.Size())
	}

	for i := Key(0); i < 1000; i++ {
		v, found, err := c.Get(i)
		if err != nil || !found || v != Value(i) {
			t.Fatalf("Get(%d) = (%d, %v, %v), want (%d, true, nil)", i, v, found, err, i)
		}
	}
}

func TestCoordinator_KeyBelowTailMinRoutesToOutlierTree(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, false)

	for i := Key(100); i < 200; i++ {
		if err := c.Insert(i, Value(i)); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	// Below the sorted tree's current minimum: routes to the outlier tree.
	if err := c.Insert(1, 1); err != nil {
		t.Fatalf("Insert(1) error = %v", err)
	}
	if c.outlier.Size() != 1 {
		t.Errorf("outlier tree size = %d, want 1", c.outlier.Size())
	}
	if found, err := c.outlier.Contains(1); err != nil || !found {
		t.Errorf("outlier.Contains(1) = (%v, %v), want (true, nil)", found, err)
	}

	v, found, err := c.Get(1)
	if err != nil || !found || v != 1 {
		t.Fatalf("Get(1) = (%d, %v, %v), want (1, true, nil)", v, found, err)
	}
}

func TestCoordinator_DetectorFlagsLargeJumpAsOutlier(t *testing.T) {
	detector := outlier.NewDistance(2.0, 0.5, 1.0)
	c := newTestCoordinator(t, nil, detector, false)

	for i := Key(0); i < 100; i++ {
		if err := c.Insert(i, Value(i)); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	// A huge jump beyond the tail's max should be flagged and routed to
	// the outlier tree rather than appended to the sorted tail.
	if err := c.Insert(1_000_000, 1); err != nil {
		t.Fatalf("Insert(1000000) error = %v", err)
	}
	if found, err := c.outlier.Contains(1_000_000); err != nil || !found {
		t.Errorf("outlier.Contains(1000000) = (%v, %v), want (true, nil)", found, err)
	}
	if found, err := c.sorted.Contains(1_000_000); err != nil || found {
		t.Errorf("sorted.Contains(1000000) = (%v, %v), want (false, nil)", found, err)
	}
}

func TestCoordinator_LazyMoveSwapsTailMaxWhenFull(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, true)

	// Fill the tail leaf exactly to capacity with evenly spaced keys,
	// leaving gaps a later out-of-order-but-not-too-small key can land in.
	const step = Key(10)
	var last Key
	for i := Key(0); i < Key(255); i++ {
		k := i * step
		if err := c.Insert(k, Value(k)); err != nil {
			t.Fatalf("Insert(%d) error = %v", k, err)
		}
		last = k
	}
	full, err := c.sorted.TailIsFull()
	if err != nil {
		t.Fatalf("TailIsFull() error = %v", err)
	}
	if !full {
		t.Fatal("expected tail leaf to be exactly at capacity after 255 inserts")
	}

	// A key below the current max but above the min triggers lazy-move:
	// it displaces the tail's current maximum into the outlier tree.
	mid := last - 1
	if err := c.Insert(mid, 999); err != nil {
		t.Fatalf("Insert(%d) error = %v", mid, err)
	}

	if found, err := c.sorted.Contains(mid); err != nil || !found {
		t.Errorf("sorted.Contains(%d) = (%v, %v), want (true, nil)", mid, found, err)
	}
	if found, err := c.outlier.Contains(last); err != nil || !found {
		t.Errorf("outlier.Contains(%d) = (%v, %v), want (true, nil): lazy-move should have evicted the old tail max", last, found, err)
	}
}

func TestCoordinator_StagingHeapSmoothsSmallDisorder(t *testing.T) {
	h := NewStagingHeap(4)
	c := newTestCoordinator(t, h, nil, false)

	// Fill the heap: nothing reaches either tree yet.
	for i := Key(0); i < 4; i++ {
		if err := c.Insert(i, Value(i)); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	if c.sorted.Size() != 0 || c.outlier.Size() != 0 {
		t.Fatalf("expected both trees empty while the heap absorbs inserts, got sorted=%d outlier=%d", c.sorted.Size(), c.outlier.Size())
	}

	// A larger key evicts the current heap minimum (0) into the trees.
	if err := c.Insert(100, 100); err != nil {
		t.Fatalf("Insert(100) error = %v", err)
	}
	if v, found, err := c.Get(0); err != nil || !found || v != 0 {
		t.Errorf("Get(0) = (%d, %v, %v), want (0, true, nil): evicted key should have reached a tree", v, found, err)
	}
	if v, found, err := c.Get(100); err != nil || !found || v != 100 {
		t.Errorf("Get(100) = (%d, %v, %v), want (100, true, nil): should still be staged in the heap", v, found, err)
	}
}

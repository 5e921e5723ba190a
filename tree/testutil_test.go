package tree

import (
	"testing"

	"github.com/nearsort/qittree/block"
	"github.com/nearsort/qittree/outlier"
	"github.com/nearsort/qittree/storage/membackend"
)

// newTestTree builds an in-memory tree with a generous page cache, so
// tests exercise split/root-growth logic without incidentally also
// exercising LRU eviction unless they ask to.
func newTestTree(t *testing.T, policy FastPathPolicy, detector outlier.Detector) *Tree {
	t.Helper()
	mgr := block.NewManager(membackend.New(), 4096)
	tr, err := New(mgr, policy, detector, 0.5)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tr
}

func insertAndFindConcurrently(t *testing.T, tr *Tree, routineNum int, keys []Key) {
	t.Helper()
	done := make(chan struct{}, routineNum)
	for r := 0; r < routineNum; r++ {
		go func(n int) {
			for i, k := range keys {
				if i%routineNum != n {
					continue
				}
				if _, err := tr.Insert(k, Value(k)); err != nil {
					t.Errorf("goroutine %d: Insert(%d) error = %v", n, k, err)
				}
			}
			done <- struct{}{}
		}(r)
	}
	for r := 0; r < routineNum; r++ {
		<-done
	}

	for r := 0; r < routineNum; r++ {
		go func(n int) {
			for i, k := range keys {
				if i%routineNum != n {
					continue
				}
				if v, found, err := tr.Get(k); err != nil || !found || v != Value(k) {
					t.Errorf("goroutine %d: Get(%d) = (%d, %v, %v), want (%d, true, nil)", n, k, v, found, err, k)
				}
			}
			done <- struct{}{}
		}(r)
	}
	for r := 0; r < routineNum; r++ {
		<-done
	}
}

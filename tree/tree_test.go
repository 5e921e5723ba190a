package tree

import (
	"testing"

	"github.com/nearsort/qittree/outlier"
)

func TestTree_InsertAndFind(t *testing.T) {
	tr := newTestTree(t, PolicyNone, nil)

	if _, found, err := tr.Get(42); err != nil || found {
		t.Fatalf("Get(42) on empty tree = (_, %v, %v), want (_, false, nil)", found, err)
	}

	if result, err := tr.Insert(42, 4200); err != nil || result != Inserted {
		t.Fatalf("Insert(42) = (%v, %v), want (Inserted, nil)", result, err)
	}

	v, found, err := tr.Get(42)
	if err != nil || !found || v != 4200 {
		t.Fatalf("Get(42) = (%d, %v, %v), want (4200, true, nil)", v, found, err)
	}

	if result, err := tr.Insert(42, 9999); err != nil || result != Updated {
		t.Fatalf("Insert(42) again = (%v, %v), want (Updated, nil)", result, err)
	}
	if v, _, _ := tr.Get(42); v != 9999 {
		t.Fatalf("Get(42) after update = %d, want 9999", v)
	}
}

func TestTree_InsertAndFindMany(t *testing.T) {
	tr := newTestTree(t, PolicyNone, nil)

	const num = Key(50000)
	for i := Key(0); i < num; i++ {
		if _, err := tr.Insert(i, Value(i)); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}

	for i := Key(0); i < num; i++ {
		v, found, err := tr.Get(i)
		if err != nil || !found || v != Value(i) {
			t.Fatalf("Get(%d) = (%d, %v, %v), want (%d, true, nil)", i, v, found, err, i)
		}
	}

	_, splits, _, _, depth := tr.Stats()
	if splits == 0 {
		t.Error("expected at least one split after inserting 50000 keys")
	}
	if depth == 0 {
		t.Error("expected root growth (depth > 0) after inserting 50000 keys")
	}
}

func TestTree_Update(t *testing.T) {
	tr := newTestTree(t, PolicyNone, nil)

	if found, err := tr.Update(7, 700); err != nil || found {
		t.Fatalf("Update(7) on absent key = (%v, %v), want (false, nil)", found, err)
	}

	if _, err := tr.Insert(7, 70); err != nil {
		t.Fatalf("Insert(7) error = %v", err)
	}
	if found, err := tr.Update(7, 700); err != nil || !found {
		t.Fatalf("Update(7) = (%v, %v), want (true, nil)", found, err)
	}
	if v, _, _ := tr.Get(7); v != 700 {
		t.Fatalf("Get(7) after Update = %d, want 700", v)
	}
}

func TestTree_SelectKAndRange(t *testing.T) {
	tr := newTestTree(t, PolicyNone, nil)

	const num = Key(5000)
	for i := Key(0); i < num; i++ {
		if _, err := tr.Insert(i*2, Value(i)); err != nil { // even keys only
			t.Fatalf("Insert(%d) error = %v", i*2, err)
		}
	}

	touched, err := tr.SelectK(100, 0)
	if err != nil {
		t.Fatalf("SelectK() error = %v", err)
	}
	if touched == 0 {
		t.Error("SelectK() touched 0 leaves, want at least 1")
	}

	if _, err := tr.SelectK(-1, 0); err == nil {
		t.Error("SelectK(-1, _) should reject a negative count")
	}

	touched, err = tr.Range(0, 1000)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if touched == 0 {
		t.Error("Range() touched 0 leaves, want at least 1")
	}

	if _, err := tr.Range(100, 1); err == nil {
		t.Error("Range(100, 1) should reject lo > hi")
	}
}

func TestTree_MaxAndTailMinMax(t *testing.T) {
	tr := newTestTree(t, PolicyNone, nil)

	if _, ok, err := tr.Max(); err != nil || ok {
		t.Fatalf("Max() on empty tree = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	for i := Key(1); i <= 100; i++ {
		if _, err := tr.Insert(i, Value(i)); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}

	max, ok, err := tr.Max()
	if err != nil || !ok || max != 100 {
		t.Fatalf("Max() = (%d, %v, %v), want (100, true, nil)", max, ok, err)
	}

	tailMin, tailMax, ok, err := tr.TailMinMax()
	if err != nil || !ok || tailMin != 1 || tailMax != 100 {
		t.Fatalf("TailMinMax() = (%d, %d, %v, %v), want (1, 100, true, nil)", tailMin, tailMax, ok, err)
	}
}

func TestTree_InsertAndFindConcurrently(t *testing.T) {
	tr := newTestTree(t, PolicyNone, nil)

	const keyTotal = 20000
	keys := make([]Key, keyTotal)
	for i := range keys {
		keys[i] = Key(i)
	}

	insertAndFindConcurrently(t, tr, 7, keys)
}

func TestTree_TailFastPath(t *testing.T) {
	tr := newTestTree(t, PolicyTail, nil)

	const num = Key(20000)
	for i := Key(0); i < num; i++ {
		if _, err := tr.Insert(i, Value(i)); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}

	for i := Key(0); i < num; i++ {
		v, found, err := tr.Get(i)
		if err != nil || !found || v != Value(i) {
			t.Fatalf("Get(%d) = (%d, %v, %v), want (%d, true, nil)", i, v, found, err, i)
		}
	}

	inserts, splits, fastHits, fastMisses, _ := tr.Stats()
	if fastHits == 0 {
		t.Error("expected PolicyTail to serve most sequential inserts from the fast path")
	}
	if fastHits+fastMisses == 0 {
		t.Error("expected the fast path to have been attempted at all")
	}
	t.Logf("inserts=%d splits=%d fastHits=%d fastMisses=%d", inserts, splits, fastHits, fastMisses)
}

func TestTree_LILFastPath(t *testing.T) {
	tr := newTestTree(t, PolicyLIL, nil)

	const num = Key(20000)
	for i := Key(0); i < num; i++ {
		if _, err := tr.Insert(i, Value(i)); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	for i := Key(0); i < num; i++ {
		if v, found, err := tr.Get(i); err != nil || !found || v != Value(i) {
			t.Fatalf("Get(%d) = (%d, %v, %v), want (%d, true, nil)", i, v, found, err, i)
		}
	}
}

func TestTree_QuITFastPathWithOutlierDetector(t *testing.T) {
	detector := outlier.NewDistance(2.0, 0.5, 1.0)
	tr := newTestTree(t, PolicyQuIT, detector)

	const num = Key(20000)
	for i := Key(0); i < num; i++ {
		if _, err := tr.Insert(i, Value(i)); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	// A far-out key beyond the tail's max must still land correctly,
	// whether it is served by the fast path's cached tail leaf or by a
	// descent.
	if _, err := tr.Insert(10_000_000, 1); err != nil {
		t.Fatalf("Insert(outlier) error = %v", err)
	}
	for i := Key(0); i < num; i++ {
		if v, found, err := tr.Get(i); err != nil || !found || v != Value(i) {
			t.Fatalf("Get(%d) = (%d, %v, %v), want (%d, true, nil)", i, v, found, err, i)
		}
	}
	if v, found, err := tr.Get(10_000_000); err != nil || !found || v != 1 {
		t.Fatalf("Get(10000000) = (%d, %v, %v), want (1, true, nil)", v, found, err)
	}
}

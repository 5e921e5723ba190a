package block

import (
	"testing"

	"github.com/nearsort/qittree/storage"
	"github.com/nearsort/qittree/storage/membackend"
)

func newTestManager(t *testing.T, capacity uint32) *Manager {
	t.Helper()
	return NewManager(membackend.New(), capacity)
}

func TestManager_AllocateIsMonotonic(t *testing.T) {
	mgr := newTestManager(t, 4)
	for want := uint32(0); want < 10; want++ {
		got, err := mgr.Allocate()
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if got != want {
			t.Errorf("Allocate() = %d, want %d", got, want)
		}
	}
}

func TestManager_WriteReadRoundTrip(t *testing.T) {
	mgr := newTestManager(t, 2)
	id, _ := mgr.Allocate()

	buf, err := mgr.OpenBlock(id)
	if err != nil {
		t.Fatalf("OpenBlock() error = %v", err)
	}
	buf[0] = 0xAB
	buf[storage.PageSize-1] = 0xCD
	mgr.MarkDirty(id)
	mgr.Unpin(id)

	if err := mgr.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	buf2, err := mgr.OpenBlock(id)
	if err != nil {
		t.Fatalf("OpenBlock() reload error = %v", err)
	}
	if buf2[0] != 0xAB || buf2[storage.PageSize-1] != 0xCD {
		t.Errorf("reloaded page content mismatch: %x %x", buf2[0], buf2[storage.PageSize-1])
	}
	mgr.Unpin(id)
}

func TestManager_EvictsLRUButNeverPinned(t *testing.T) {
	mgr := newTestManager(t, 1)
	a, _ := mgr.Allocate()
	b, _ := mgr.Allocate()

	bufA, err := mgr.OpenBlock(a)
	if err != nil {
		t.Fatalf("OpenBlock(a) error = %v", err)
	}
	bufA[0] = 1
	mgr.MarkDirty(a)
	// a stays pinned -- opening b with capacity 1 must fail, not evict a.
	if _, err := mgr.OpenBlock(b); err == nil {
		t.Fatalf("OpenBlock(b) with pinned a and capacity 1 should fail")
	}
	mgr.Unpin(a)

	bufB, err := mgr.OpenBlock(b)
	if err != nil {
		t.Fatalf("OpenBlock(b) after unpinning a error = %v", err)
	}
	bufB[0] = 2
	mgr.MarkDirty(b)
	mgr.Unpin(b)

	bufA2, err := mgr.OpenBlock(a)
	if err != nil {
		t.Fatalf("re-fetching evicted page a: %v", err)
	}
	if bufA2[0] != 1 {
		t.Errorf("evicted dirty page a lost its write-back: got %d, want 1", bufA2[0])
	}
	mgr.Unpin(a)
}

func TestManager_StatsCountWrites(t *testing.T) {
	mgr := newTestManager(t, 1)
	id, _ := mgr.Allocate()
	buf, _ := mgr.OpenBlock(id)
	buf[0] = 7
	mgr.MarkDirty(id)
	mgr.Unpin(id)
	if err := mgr.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	writes, marks := mgr.Stats()
	if writes == 0 {
		t.Errorf("Stats() writes = 0, want > 0 after Flush of a dirty page")
	}
	if marks != 1 {
		t.Errorf("Stats() markDirty = %d, want 1", marks)
	}
}

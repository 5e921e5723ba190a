package tree

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nearsort/qittree/block"
	"github.com/nearsort/qittree/node"
	"github.com/nearsort/qittree/outlier"
)

// Key and Value re-export node's concrete fixed-width types so callers
// never need to import node directly just to call Insert/Get.
type Key = node.Key
type Value = node.Value

// noNext marks a leaf with no next sibling (the tail). Page id 0 is a
// valid real page (the root is always allocated first), so next_id can't
// default to the zero value; every leaf explicitly sets it at creation.
const noNext uint32 = 0xFFFFFFFF

// leafPair is a (key, value) pair used while rebuilding a leaf's contents
// around a newly inserted entry, ahead of a split.
type leafPair struct {
	k   Key
	val Value
}

// Tree is the core B+-tree of spec.md §4.3: root-to-leaf descent, leaf and
// internal insert/split, root growth, point query, range scan, select_k.
// It owns no storage directly -- every page access goes through the
// block.Manager it was constructed with.
type Tree struct {
	mgr    *block.Manager
	rootID uint32

	locks     *concurrency
	policy    FastPathPolicy
	detector  outlier.Detector
	splitFrac float64 // default leaf split position, as a fraction of post-insert size

	tailMu sync.RWMutex
	tailID uint32

	fpMu sync.RWMutex
	fp   fastPathState

	size       uint64 // live key count: incremented once per Inserted result, never on Updated
	depth      uint64
	inserts    uint64
	splits     uint64
	fastHits   uint64
	fastMisses uint64

	leafCount     uint64 // live leaf-page count, starting at 1 (the initial root)
	internalCount uint64 // live internal-page count
	softResets    uint64 // LOL/QuIT soft-advance to an IQR-admitted successor
	hardResets    uint64 // LOL/QuIT hard reset after the consecutive-miss threshold
	redistributes uint64 // QuIT redistribution instead of a real split
}

// New creates a tree backed by mgr: a single page is allocated to serve as
// the tree's permanently-fixed root id, initialized as an empty leaf.
// splitFrac is the fraction of post-insert size kept in the left half of
// a default (non fast-path-overridden) split; spec.md §6 calls this
// SORTED_TREE_SPLIT_FRAC / UNSORTED_TREE_SPLIT_FRAC depending on which of
// the dual coordinator's two trees this is.
func New(mgr *block.Manager, policy FastPathPolicy, detector outlier.Detector, splitFrac float64) (*Tree, error) {
	rootID, err := mgr.Allocate()
	if err != nil {
		return nil, wrapIO(err)
	}
	buf, err := mgr.OpenBlock(rootID)
	if err != nil {
		return nil, wrapIO(err)
	}
	v := node.Init(buf, rootID, node.Leaf)
	v.SetNextID(noNext)
	mgr.MarkDirty(rootID)
	mgr.Unpin(rootID)

	return &Tree{
		mgr:       mgr,
		rootID:    rootID,
		locks:     newConcurrency(),
		policy:    policy,
		detector:  detector,
		splitFrac: splitFrac,
		tailID:    rootID,
		leafCount: 1,
	}, nil
}

// wrapIO reports a block-manager failure as one of this package's own
// sentinels, preserving the capacity-vs-I/O distinction block.Manager
// makes rather than collapsing both into ErrIO.
func wrapIO(err error) error {
	if errors.Is(err, block.ErrCapacityExceeded) {
		return fmt.Errorf("%w: %v", ErrCapacityExceeded, err)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}

// RootID returns the tree's permanently fixed root page id (spec.md §3
// invariant 7).
func (t *Tree) RootID() uint32 { return t.rootID }

func (t *Tree) getTailID() uint32 {
	t.tailMu.RLock()
	defer t.tailMu.RUnlock()
	return t.tailID
}

func (t *Tree) setTailID(id uint32) {
	t.tailMu.Lock()
	defer t.tailMu.Unlock()
	t.tailID = id
}

// Insert stores (key, value), returning Updated if key already existed.
// It first tries the configured fast path (spec.md §4.4); on a miss it
// falls back to an optimistic shared-lock descent, then a pessimistic
// hand-over-hand descent with ancestor early-release (spec.md §4.7).
func (t *Tree) Insert(key Key, value Value) (InsertResult, error) {
	atomic.AddUint64(&t.inserts, 1)
	result, err := t.insertDispatch(key, value)
	if err == nil && result == Inserted {
		atomic.AddUint64(&t.size, 1)
	}
	return result, err
}

func (t *Tree) insertDispatch(key Key, value Value) (InsertResult, error) {
	if t.policy != PolicyNone {
		if handled, result, err := t.tryFastPath(key, value); handled {
			return result, err
		}
	}
	if result, err, ok := t.optimisticInsert(key, value); ok {
		return result, err
	}
	return t.pessimisticInsert(key, value)
}

// Size returns the tree's current live key count, used by the dual
// coordinator to decide which of its two sub-trees is "larger" (spec.md
// §4.6 Query).
func (t *Tree) Size() uint64 { return atomic.LoadUint64(&t.size) }

// optimisticInsert attempts a shared-lock descent, upgrading to an
// exclusive leaf lock only at the very end. It succeeds (ok=true) whenever
// the target leaf turns out to have room; it aborts (ok=false) and lets
// the caller retry pessimistically whenever the leaf is full and would
// need to split, since a split touches ancestors this path never locked.
func (t *Tree) optimisticInsert(key Key, value Value) (InsertResult, error, bool) {
	t.locks.root.RLock()
	defer t.locks.root.RUnlock()

	curID := t.rootID
	t.locks.pages.rlock(curID)
	for {
		buf, err := t.mgr.OpenBlock(curID)
		if err != nil {
			t.locks.pages.runlock(curID)
			return 0, wrapIO(err), true
		}
		v := node.Load(buf)
		if v.Type() == node.Leaf {
			nextBeforeUpgrade := v.NextID()
			t.mgr.Unpin(curID)
			t.locks.pages.runlock(curID)

			t.locks.pages.lock(curID)
			buf, err = t.mgr.OpenBlock(curID)
			if err != nil {
				t.locks.pages.unlock(curID)
				return 0, wrapIO(err), true
			}
			v = node.Load(buf)

			// A concurrent writer can split curID in the gap between the
			// runlock above and this lock (a split rewrites the left half
			// back in place at the same id, so Type() == Leaf still holds,
			// and t.rootID's Type can't have flipped to Internal either --
			// this call holds the root shared lock the whole time, and
			// growRoot can't take the exclusive root lock until it's
			// released). A split is the only thing that ever changes a
			// leaf's next_id, so a mismatch here means curID no longer owns
			// the range it did a moment ago -- key may now belong to the new
			// right sibling instead -- so abort to the pessimistic path, which
			// re-descends via parent separators rather than this stale id
			// (spec.md §5 linearizability).
			if v.NextID() != nextBeforeUpgrade {
				t.mgr.Unpin(curID)
				t.locks.pages.unlock(curID)
				return 0, nil, false
			}

			slot := v.ValueSlot(key)
			if slot < v.Size() && v.Key(slot) == key {
				v.SetValue(slot, value)
				t.mgr.MarkDirty(curID)
				t.mgr.Unpin(curID)
				t.locks.pages.unlock(curID)
				return Updated, nil, true
			}
			if v.Size() >= node.LeafCapacity {
				t.mgr.Unpin(curID)
				t.locks.pages.unlock(curID)
				return 0, nil, false
			}
			v.InsertLeafSlot(slot, key, value)
			t.mgr.MarkDirty(curID)
			t.onLeafInsert(curID, v)
			t.mgr.Unpin(curID)
			t.locks.pages.unlock(curID)
			return Inserted, nil, true
		}
		childIdx := v.ChildSlot(key)
		childID := v.Child(childIdx)
		t.locks.pages.rlock(childID)
		t.mgr.Unpin(curID)
		t.locks.pages.runlock(curID)
		curID = childID
	}
}

// pessimisticInsert takes write locks top-down, releasing every ancestor
// once it finds a node that is "safe" (cannot itself split even if its
// child's split propagates a separator into it) -- so only a maximal
// chain of full nodes along the path stays locked, per spec.md §4.7.
func (t *Tree) pessimisticInsert(key Key, value Value) (InsertResult, error) {
	t.locks.root.RLock()
	rootRLocked := true
	releaseRoot := func() {
		if rootRLocked {
			t.locks.root.RUnlock()
			rootRLocked = false
		}
	}

	var lockedPath []uint32
	curID := t.rootID
	t.locks.pages.lock(curID)
	lockedPath = append(lockedPath, curID)

	for {
		buf, err := t.mgr.OpenBlock(curID)
		if err != nil {
			t.unlockChain(lockedPath)
			releaseRoot()
			return 0, wrapIO(err)
		}
		v := node.Load(buf)

		if v.Type() == node.Internal && v.Size() < node.InternalCapacity-1 {
			for _, id := range lockedPath[:len(lockedPath)-1] {
				t.locks.pages.unlock(id)
			}
			lockedPath = []uint32{curID}
		}

		if v.Type() == node.Leaf {
			result, needsGrowth, sep, leftID, rightID, ierr := t.insertAtLeafLocked(lockedPath, v, key, value)
			if ierr != nil {
				releaseRoot()
				return 0, ierr
			}
			if needsGrowth {
				releaseRoot()
				if gerr := t.growRoot(sep, leftID, rightID); gerr != nil {
					return 0, gerr
				}
				return result, nil
			}
			releaseRoot()
			return result, nil
		}

		childIdx := v.ChildSlot(key)
		childID := v.Child(childIdx)
		t.mgr.Unpin(curID)
		t.locks.pages.lock(childID)
		lockedPath = append(lockedPath, childID)
		curID = childID
	}
}

func (t *Tree) unlockChain(ids []uint32) {
	for _, id := range ids {
		t.locks.pages.unlock(id)
	}
}

// insertAtLeafLocked performs the leaf insert (or, on overflow, split and
// upward propagation) while the caller's pessimistic write-lock chain is
// still held, releasing it on every return path. A needsGrowth result
// means the split reached (or started at) the root; the caller must
// release the tree-level root shared lock before calling growRoot (which
// needs it exclusively), so growRoot itself is not invoked from here.
func (t *Tree) insertAtLeafLocked(lockedPath []uint32, leaf node.View, key Key, value Value) (result InsertResult, needsGrowth bool, growSep Key, growLeftID, growRightID uint32, err error) {
	leafID := lockedPath[len(lockedPath)-1]
	slot := leaf.ValueSlot(key)
	if slot < leaf.Size() && leaf.Key(slot) == key {
		leaf.SetValue(slot, value)
		t.mgr.MarkDirty(leafID)
		t.mgr.Unpin(leafID)
		t.unlockChain(lockedPath)
		return Updated, false, 0, 0, 0, nil
	}
	if leaf.Size() < node.LeafCapacity {
		leaf.InsertLeafSlot(slot, key, value)
		t.mgr.MarkDirty(leafID)
		t.onLeafInsert(leafID, leaf)
		t.mgr.Unpin(leafID)
		t.unlockChain(lockedPath)
		return Inserted, false, 0, 0, 0, nil
	}

	t.mgr.Unpin(leafID)

	if leafID == t.rootID {
		// The leaf being split is also the fixed root: this grows the tree.
		// Both halves go to brand-new pages, leaving the root page's bytes
		// untouched until growRoot's exclusive swap (spec.md §4.7).
		sep, leftID, rightID, serr := t.splitLeafRootAndInsert(leafID, key, value)
		t.unlockChain(lockedPath)
		if serr != nil {
			return 0, false, 0, 0, 0, serr
		}
		return Inserted, true, sep, leftID, rightID, nil
	}

	sep, newID, serr := t.splitLeafAndInsert(leafID, key, value)
	if serr != nil {
		t.unlockChain(lockedPath)
		return 0, false, 0, 0, 0, serr
	}
	grow, gsep, gleftID, grightID, perr := t.propagateSplit(lockedPath[:len(lockedPath)-1], sep, newID)
	t.unlockChain(lockedPath)
	if perr != nil {
		return 0, false, 0, 0, 0, perr
	}
	return Inserted, grow, gsep, gleftID, grightID, nil
}

// propagateSplit walks ancestors (root-to-parent-of-leaf order) from the
// leaf's immediate parent upward, absorbing (sep, newID) into the first
// ancestor with room, splitting further ancestors as needed. ancestors[0]
// is either the tree's fixed root or the topmost node the descent kept
// locked because it had room to spare (callers drop every lock above such
// a node), so the loop always terminates either by finding room or by
// splitting the root itself; the root-split case never mutates the root page in place
// (splitInternalIntoNewPages instead), reporting needsGrowth so the
// caller can install the result via growRoot's exclusive swap.
func (t *Tree) propagateSplit(ancestors []uint32, sep Key, newID uint32) (needsGrowth bool, outSep Key, outLeftID, outRightID uint32, err error) {
	for i := len(ancestors) - 1; i >= 0; i-- {
		id := ancestors[i]
		buf, oerr := t.mgr.OpenBlock(id)
		if oerr != nil {
			return false, 0, 0, 0, wrapIO(oerr)
		}
		v := node.Load(buf)
		idx := v.ChildSlot(sep)
		if v.Size() < node.InternalCapacity {
			v.InsertInternalSlot(idx, sep, newID)
			t.mgr.MarkDirty(id)
			t.mgr.Unpin(id)
			return false, 0, 0, 0, nil
		}
		t.mgr.Unpin(id)
		atomic.AddUint64(&t.splits, 1)

		if id == t.rootID {
			atomic.AddUint64(&t.internalCount, 2)
			promotedSep, leftID, rightID, serr := t.splitInternalIntoNewPages(id, sep, newID)
			if serr != nil {
				return false, 0, 0, 0, serr
			}
			return true, promotedSep, leftID, rightID, nil
		}

		atomic.AddUint64(&t.internalCount, 1)
		promotedSep, newSiblingID, serr := t.splitInternalAndInsert(id, sep, newID)
		if serr != nil {
			return false, 0, 0, 0, serr
		}
		sep, newID = promotedSep, newSiblingID
	}
	// Unreachable: ancestors[0] is either t.rootID or a node with room, so
	// the loop's final iteration (i == 0) always returns above.
	return false, 0, 0, 0, fmt.Errorf("propagateSplit: exhausted ancestors without reaching root")
}

// growRoot increases the tree's depth by one level: the fixed root id is
// rewritten in place as a two-child internal node pointing at leftID and
// rightID -- the two freshly-built halves of whatever split last occupied
// the root (splitLeafRootAndInsert or splitInternalIntoNewPages), neither
// of which ever touches the root page itself. Called with the tree-level
// root shared lock already released by the caller; it takes the exclusive
// root lock itself for the swap, so any reader taking the root's shared
// lock observes the root either fully before or fully after this rewrite,
// never mid-split (spec.md §4.7 "hold the root lock in exclusive mode
// across the swap").
func (t *Tree) growRoot(sep Key, leftID, rightID uint32) error {
	t.locks.root.Lock()
	defer t.locks.root.Unlock()

	buf, err := t.mgr.OpenBlock(t.rootID)
	if err != nil {
		return wrapIO(err)
	}
	wasLeaf := node.Load(buf).Type() == node.Leaf

	rootView := node.Init(buf, t.rootID, node.Internal)
	rootView.SetSize(1)
	rootView.SetKey(0, sep)
	rootView.SetChild(0, leftID)
	rootView.SetChild(1, rightID)
	t.mgr.MarkDirty(t.rootID)
	t.mgr.Unpin(t.rootID)

	atomic.AddUint64(&t.depth, 1)
	if wasLeaf {
		atomic.AddUint64(&t.internalCount, 1)
	}
	return nil
}

// splitLeafAndInsert merges leaf's current contents with (key, value) in
// sorted order, then writes the chosen left portion back in place at
// leafID and the remainder to a newly allocated right sibling, returning
// the promoted separator (the right sibling's first key) and its id.
func (t *Tree) splitLeafAndInsert(leafID uint32, key Key, value Value) (Key, uint32, error) {
	atomic.AddUint64(&t.splits, 1)
	atomic.AddUint64(&t.leafCount, 1)
	buf, err := t.mgr.OpenBlock(leafID)
	if err != nil {
		return 0, 0, wrapIO(err)
	}
	v := node.Load(buf)
	size := v.Size()
	oldNext := v.NextID()

	merged := make([]leafPair, 0, size+1)
	for i := uint32(0); i < size; i++ {
		merged = append(merged, leafPair{v.Key(i), v.Value(i)})
	}
	slot := v.ValueSlot(key)
	merged = append(merged[:slot:slot], append([]leafPair{{key, value}}, merged[slot:]...)...)

	splitPos := t.chooseLeafSplit(leafID, merged)
	left, right := merged[:splitPos], merged[splitPos:]

	newID, err := t.mgr.Allocate()
	if err != nil {
		return 0, 0, wrapIO(err)
	}
	rightBuf, err := t.mgr.OpenBlock(newID)
	if err != nil {
		return 0, 0, wrapIO(err)
	}
	rv := node.Init(rightBuf, newID, node.Leaf)
	rv.SetNextID(oldNext)
	rv.SetSize(uint32(len(right)))
	for i, p := range right {
		rv.SetKey(uint32(i), p.k)
		rv.SetValue(uint32(i), p.val)
	}
	t.mgr.MarkDirty(newID)

	lv := node.Init(buf, leafID, node.Leaf)
	lv.SetNextID(newID)
	lv.SetSize(uint32(len(left)))
	for i, p := range left {
		lv.SetKey(uint32(i), p.k)
		lv.SetValue(uint32(i), p.val)
	}
	t.mgr.MarkDirty(leafID)

	if t.getTailID() == leafID {
		t.setTailID(newID)
	}
	t.onLeafSplit(leafID, leafID, newID, lv, rv)

	t.mgr.Unpin(newID)
	t.mgr.Unpin(leafID)
	return right[0].k, newID, nil
}

// splitLeafRootAndInsert splits the tree's fixed root page when it is
// still a leaf and has no room for (key, value). Unlike splitLeafAndInsert,
// neither half is written back to rootLeafID: the root page's bytes are
// left completely untouched so that no reader taking the root's shared
// lock ever observes a partially-rewritten root (spec.md §4.7) --
// growRoot performs the actual root rewrite later, under the exclusive
// root lock.
func (t *Tree) splitLeafRootAndInsert(rootLeafID uint32, key Key, value Value) (Key, uint32, uint32, error) {
	atomic.AddUint64(&t.splits, 1)
	atomic.AddUint64(&t.leafCount, 1)
	buf, err := t.mgr.OpenBlock(rootLeafID)
	if err != nil {
		return 0, 0, 0, wrapIO(err)
	}
	v := node.Load(buf)
	size := v.Size()
	oldNext := v.NextID()

	merged := make([]leafPair, 0, size+1)
	for i := uint32(0); i < size; i++ {
		merged = append(merged, leafPair{v.Key(i), v.Value(i)})
	}
	slot := v.ValueSlot(key)
	merged = append(merged[:slot:slot], append([]leafPair{{key, value}}, merged[slot:]...)...)
	t.mgr.Unpin(rootLeafID)

	splitPos := t.chooseLeafSplit(rootLeafID, merged)
	left, right := merged[:splitPos], merged[splitPos:]

	leftID, err := t.mgr.Allocate()
	if err != nil {
		return 0, 0, 0, wrapIO(err)
	}
	rightID, err := t.mgr.Allocate()
	if err != nil {
		return 0, 0, 0, wrapIO(err)
	}

	leftBuf, err := t.mgr.OpenBlock(leftID)
	if err != nil {
		return 0, 0, 0, wrapIO(err)
	}
	lv := node.Init(leftBuf, leftID, node.Leaf)
	lv.SetNextID(rightID)
	lv.SetSize(uint32(len(left)))
	for i, p := range left {
		lv.SetKey(uint32(i), p.k)
		lv.SetValue(uint32(i), p.val)
	}
	t.mgr.MarkDirty(leftID)

	rightBuf, err := t.mgr.OpenBlock(rightID)
	if err != nil {
		t.mgr.Unpin(leftID)
		return 0, 0, 0, wrapIO(err)
	}
	rv := node.Init(rightBuf, rightID, node.Leaf)
	rv.SetNextID(oldNext)
	rv.SetSize(uint32(len(right)))
	for i, p := range right {
		rv.SetKey(uint32(i), p.k)
		rv.SetValue(uint32(i), p.val)
	}
	t.mgr.MarkDirty(rightID)

	if t.getTailID() == rootLeafID {
		t.setTailID(rightID)
	}
	t.onLeafSplit(rootLeafID, leftID, rightID, lv, rv)

	t.mgr.Unpin(rightID)
	t.mgr.Unpin(leftID)
	return right[0].k, leftID, rightID, nil
}

// chooseLeafSplit picks the index in merged (length = old size + 1) where
// the right half begins. QuIT overrides this with an IQR-driven variable
// position (fastpath.go); every other policy and the base tree use the
// configured split fraction.
func (t *Tree) chooseLeafSplit(leafID uint32, merged []leafPair) int {
	if t.policy == PolicyQuIT {
		if pos, ok := t.quitSplitPosition(leafID, merged); ok {
			return pos
		}
	}
	return t.defaultSplitPos(len(merged))
}

func (t *Tree) defaultSplitPos(total int) int {
	pos := int(float64(total) * t.splitFrac)
	if pos < 1 {
		pos = 1
	}
	if pos > total-1 {
		pos = total - 1
	}
	return pos
}

// chooseInternalSplit picks the promoted median index for an internal
// split. Unlike the leaf path, spec.md §4.3 fixes this at
// internal_capacity/2 regardless of fast-path policy.
func (t *Tree) chooseInternalSplit(total int) int {
	// total is the full node's size plus the absorbed separator.
	return (total - 1) / 2
}

// splitInternalAndInsert absorbs (sep, childID) into the full internal
// node at id, splitting it at the median: the left portion is written in
// place at id, the right portion to a newly allocated sibling. Returns
// the promoted separator and the new sibling's id.
func (t *Tree) splitInternalAndInsert(id uint32, sep Key, childID uint32) (Key, uint32, error) {
	buf, err := t.mgr.OpenBlock(id)
	if err != nil {
		return 0, 0, wrapIO(err)
	}
	v := node.Load(buf)
	size := v.Size()

	idx := v.ChildSlot(sep)
	keys := make([]Key, 0, size+1)
	children := make([]uint32, 0, size+2)
	for i := uint32(0); i < size; i++ {
		keys = append(keys, v.Key(i))
	}
	for i := uint32(0); i <= size; i++ {
		children = append(children, v.Child(i))
	}
	keys = append(keys[:idx:idx], append([]Key{sep}, keys[idx:]...)...)
	children = append(children[:idx+1:idx+1], append([]uint32{childID}, children[idx+1:]...)...)

	total := len(keys)
	splitPos := t.chooseInternalSplit(total)
	promotedSep := keys[splitPos]

	leftKeys, rightKeys := keys[:splitPos], keys[splitPos+1:]
	leftChildren, rightChildren := children[:splitPos+1], children[splitPos+1:]

	newID, err := t.mgr.Allocate()
	if err != nil {
		return 0, 0, wrapIO(err)
	}
	rightBuf, err := t.mgr.OpenBlock(newID)
	if err != nil {
		return 0, 0, wrapIO(err)
	}
	rv := node.Init(rightBuf, newID, node.Internal)
	rv.SetSize(uint32(len(rightKeys)))
	for i, k := range rightKeys {
		rv.SetKey(uint32(i), k)
	}
	for i, c := range rightChildren {
		rv.SetChild(uint32(i), c)
	}
	t.mgr.MarkDirty(newID)
	t.mgr.Unpin(newID)

	lv := node.Init(buf, id, node.Internal)
	lv.SetSize(uint32(len(leftKeys)))
	for i, k := range leftKeys {
		lv.SetKey(uint32(i), k)
	}
	for i, c := range leftChildren {
		lv.SetChild(uint32(i), c)
	}
	t.mgr.MarkDirty(id)
	t.mgr.Unpin(id)

	return promotedSep, newID, nil
}

// splitInternalIntoNewPages splits the tree's fixed root page when it is
// already Internal and has no room for (sep, childID). As with
// splitLeafRootAndInsert, the root page's bytes are left untouched --
// both halves go to brand-new pages -- so growRoot's exclusive rewrite is
// the only thing that ever changes what the root page looks like.
func (t *Tree) splitInternalIntoNewPages(id uint32, sep Key, childID uint32) (Key, uint32, uint32, error) {
	buf, err := t.mgr.OpenBlock(id)
	if err != nil {
		return 0, 0, 0, wrapIO(err)
	}
	v := node.Load(buf)
	size := v.Size()

	idx := v.ChildSlot(sep)
	keys := make([]Key, 0, size+1)
	children := make([]uint32, 0, size+2)
	for i := uint32(0); i < size; i++ {
		keys = append(keys, v.Key(i))
	}
	for i := uint32(0); i <= size; i++ {
		children = append(children, v.Child(i))
	}
	keys = append(keys[:idx:idx], append([]Key{sep}, keys[idx:]...)...)
	children = append(children[:idx+1:idx+1], append([]uint32{childID}, children[idx+1:]...)...)
	t.mgr.Unpin(id)

	total := len(keys)
	splitPos := t.chooseInternalSplit(total)
	promotedSep := keys[splitPos]

	leftKeys, rightKeys := keys[:splitPos], keys[splitPos+1:]
	leftChildren, rightChildren := children[:splitPos+1], children[splitPos+1:]

	leftID, err := t.mgr.Allocate()
	if err != nil {
		return 0, 0, 0, wrapIO(err)
	}
	rightID, err := t.mgr.Allocate()
	if err != nil {
		return 0, 0, 0, wrapIO(err)
	}

	leftBuf, err := t.mgr.OpenBlock(leftID)
	if err != nil {
		return 0, 0, 0, wrapIO(err)
	}
	lv := node.Init(leftBuf, leftID, node.Internal)
	lv.SetSize(uint32(len(leftKeys)))
	for i, k := range leftKeys {
		lv.SetKey(uint32(i), k)
	}
	for i, c := range leftChildren {
		lv.SetChild(uint32(i), c)
	}
	t.mgr.MarkDirty(leftID)

	rightBuf, err := t.mgr.OpenBlock(rightID)
	if err != nil {
		t.mgr.Unpin(leftID)
		return 0, 0, 0, wrapIO(err)
	}
	rv := node.Init(rightBuf, rightID, node.Internal)
	rv.SetSize(uint32(len(rightKeys)))
	for i, k := range rightKeys {
		rv.SetKey(uint32(i), k)
	}
	for i, c := range rightChildren {
		rv.SetChild(uint32(i), c)
	}
	t.mgr.MarkDirty(rightID)

	t.mgr.Unpin(rightID)
	t.mgr.Unpin(leftID)
	return promotedSep, leftID, rightID, nil
}

// findLeafContaining descends with shared locks, releasing each ancestor
// once its child is locked, and returns the (unlocked) id of the leaf
// that would hold key.
func (t *Tree) findLeafContaining(key Key) (uint32, error) {
	t.locks.root.RLock()
	defer t.locks.root.RUnlock()

	curID := t.rootID
	t.locks.pages.rlock(curID)
	for {
		buf, err := t.mgr.OpenBlock(curID)
		if err != nil {
			t.locks.pages.runlock(curID)
			return 0, wrapIO(err)
		}
		v := node.Load(buf)
		if v.Type() == node.Leaf {
			t.mgr.Unpin(curID)
			t.locks.pages.runlock(curID)
			return curID, nil
		}
		idx := v.ChildSlot(key)
		childID := v.Child(idx)
		t.locks.pages.rlock(childID)
		t.mgr.Unpin(curID)
		t.locks.pages.runlock(curID)
		curID = childID
	}
}

// Get returns the value stored for key, if any.
func (t *Tree) Get(key Key) (Value, bool, error) {
	leafID, err := t.findLeafContaining(key)
	if err != nil {
		return 0, false, err
	}
	t.locks.pages.rlock(leafID)
	defer t.locks.pages.runlock(leafID)
	buf, err := t.mgr.OpenBlock(leafID)
	if err != nil {
		return 0, false, wrapIO(err)
	}
	defer t.mgr.Unpin(leafID)
	v := node.Load(buf)
	slot := v.ValueSlot(key)
	if slot < v.Size() && v.Key(slot) == key {
		return v.Value(slot), true, nil
	}
	return 0, false, nil
}

// Contains reports whether key is present.
func (t *Tree) Contains(key Key) (bool, error) {
	_, found, err := t.Get(key)
	return found, err
}

// Update overwrites key's value only if key already exists; it never
// inserts, so it can never trigger a split.
func (t *Tree) Update(key Key, value Value) (bool, error) {
	leafID, err := t.findLeafContaining(key)
	if err != nil {
		return false, err
	}
	t.locks.pages.lock(leafID)
	defer t.locks.pages.unlock(leafID)
	buf, err := t.mgr.OpenBlock(leafID)
	if err != nil {
		return false, wrapIO(err)
	}
	defer t.mgr.Unpin(leafID)
	v := node.Load(buf)
	slot := v.ValueSlot(key)
	if slot < v.Size() && v.Key(slot) == key {
		v.SetValue(slot, value)
		t.mgr.MarkDirty(leafID)
		return true, nil
	}
	return false, nil
}

// SelectK walks leaves from the one containing min, in ascending key
// order, accumulating up to count keys, and returns the number of leaves
// touched (a benchmark hook per spec.md §6).
func (t *Tree) SelectK(count int, min Key) (int, error) {
	if count < 0 {
		return 0, ErrInvalidArgument
	}
	curID, err := t.findLeafContaining(min)
	if err != nil {
		return 0, err
	}
	touched := 0
	collected := 0
	first := true
	for curID != noNext && collected < count {
		t.locks.pages.rlock(curID)
		buf, berr := t.mgr.OpenBlock(curID)
		if berr != nil {
			t.locks.pages.runlock(curID)
			return touched, wrapIO(berr)
		}
		v := node.Load(buf)
		touched++
		start := uint32(0)
		if first {
			start = v.ValueSlot(min)
			first = false
		}
		for i := start; i < v.Size() && collected < count; i++ {
			collected++
		}
		next := v.NextID()
		t.mgr.Unpin(curID)
		t.locks.pages.runlock(curID)
		curID = next
	}
	return touched, nil
}

// Range walks leaves from the one containing lo until a leaf's maximum
// key is at least hi or the tail is reached, returning leaves touched.
func (t *Tree) Range(lo, hi Key) (int, error) {
	if lo > hi {
		return 0, ErrInvalidArgument
	}
	curID, err := t.findLeafContaining(lo)
	if err != nil {
		return 0, err
	}
	touched := 0
	for curID != noNext {
		t.locks.pages.rlock(curID)
		buf, berr := t.mgr.OpenBlock(curID)
		if berr != nil {
			t.locks.pages.runlock(curID)
			return touched, wrapIO(berr)
		}
		v := node.Load(buf)
		touched++
		size := v.Size()
		reachedHi := false
		if size > 0 && v.Key(size-1) >= hi {
			reachedHi = true
		}
		next := v.NextID()
		t.mgr.Unpin(curID)
		t.locks.pages.runlock(curID)
		if reachedHi {
			break
		}
		curID = next
	}
	return touched, nil
}

// TailMinMax returns the min and max key currently stored in the tail
// leaf, used by the dual coordinator to decide routing (spec.md §4.6).
// ok is false if the tail leaf is empty.
func (t *Tree) TailMinMax() (min, max Key, ok bool, err error) {
	tailID := t.getTailID()
	t.locks.pages.rlock(tailID)
	defer t.locks.pages.runlock(tailID)
	buf, berr := t.mgr.OpenBlock(tailID)
	if berr != nil {
		return 0, 0, false, wrapIO(berr)
	}
	defer t.mgr.Unpin(tailID)
	v := node.Load(buf)
	size := v.Size()
	if size == 0 {
		return 0, 0, false, nil
	}
	return v.Key(0), v.Key(size - 1), true, nil
}

// Max returns the tree's current maximum key, i.e. the tail leaf's last
// key.
func (t *Tree) Max() (Key, bool, error) {
	_, max, ok, err := t.TailMinMax()
	return max, ok, err
}

// TailIsFull reports whether the tail leaf currently holds LeafCapacity
// entries, the condition the dual coordinator's lazy-move policy checks
// before swapping in a new key (spec.md §4.6 step 5).
func (t *Tree) TailIsFull() (bool, error) {
	tailID := t.getTailID()
	t.locks.pages.rlock(tailID)
	defer t.locks.pages.runlock(tailID)
	buf, err := t.mgr.OpenBlock(tailID)
	if err != nil {
		return false, wrapIO(err)
	}
	defer t.mgr.Unpin(tailID)
	return node.Load(buf).Size() >= node.LeafCapacity, nil
}

// SwapTailMax evicts the tail leaf's current maximum entry and inserts
// (key, value) in its place, returning the evicted (key, value) pair.
// Used by the dual coordinator's lazy-move policy (spec.md §4.6 step 5)
// to make room for a near-sorted key without a full split, at the cost of
// displacing the tail's current maximum to the outlier tree. ok is false
// only if the tail leaf happens to be empty.
func (t *Tree) SwapTailMax(key Key, value Value) (evictedKey Key, evictedValue Value, ok bool, err error) {
	tailID := t.getTailID()
	t.locks.pages.lock(tailID)
	defer t.locks.pages.unlock(tailID)
	buf, err := t.mgr.OpenBlock(tailID)
	if err != nil {
		return 0, 0, false, wrapIO(err)
	}
	defer t.mgr.Unpin(tailID)
	v := node.Load(buf)
	size := v.Size()
	if size == 0 {
		return 0, 0, false, nil
	}
	evictedKey, evictedValue = v.Key(size-1), v.Value(size-1)
	v.SetSize(size - 1)
	slot := v.ValueSlot(key)
	v.InsertLeafSlot(slot, key, value)
	t.mgr.MarkDirty(tailID)
	t.onLeafInsert(tailID, v)
	// Net key count is unchanged: one evicted, one inserted.
	return evictedKey, evictedValue, true, nil
}

// Stats reports the counters the statistics stream renders (spec.md §6).
func (t *Tree) Stats() (inserts, splits, fastHits, fastMisses, depth uint64) {
	return atomic.LoadUint64(&t.inserts),
		atomic.LoadUint64(&t.splits),
		atomic.LoadUint64(&t.fastHits),
		atomic.LoadUint64(&t.fastMisses),
		atomic.LoadUint64(&t.depth)
}

// FullStats is the complete counter set the statistics stream (spec.md §6)
// renders: total size and depth, internal/leaf node counts, split count,
// fast-path hits/misses, and the fast-path variants' soft/hard reset and
// redistribute counts. Fields that a given FastPathPolicy never touches
// (e.g. redistribute under PolicyTail) simply stay zero.
type FullStats struct {
	Size          uint64
	Depth         uint64
	Inserts       uint64
	Splits        uint64
	FastHits      uint64
	FastMisses    uint64
	InternalCount uint64
	LeafCount     uint64
	SoftResets    uint64
	HardResets    uint64
	Redistributes uint64
}

// FullStats returns the complete counter snapshot.
func (t *Tree) FullStats() FullStats {
	return FullStats{
		Size:          atomic.LoadUint64(&t.size),
		Depth:         atomic.LoadUint64(&t.depth),
		Inserts:       atomic.LoadUint64(&t.inserts),
		Splits:        atomic.LoadUint64(&t.splits),
		FastHits:      atomic.LoadUint64(&t.fastHits),
		FastMisses:    atomic.LoadUint64(&t.fastMisses),
		InternalCount: atomic.LoadUint64(&t.internalCount),
		LeafCount:     atomic.LoadUint64(&t.leafCount),
		SoftResets:    atomic.LoadUint64(&t.softResets),
		HardResets:    atomic.LoadUint64(&t.hardResets),
		Redistributes: atomic.LoadUint64(&t.redistributes),
	}
}

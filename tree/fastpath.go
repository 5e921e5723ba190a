package tree

import (
	"math"
	"sync/atomic"

	"github.com/nearsort/qittree/node"
	"github.com/nearsort/qittree/outlier"
)

// FastPathPolicy selects which of the four named leaf-cache strategies
// (or none) an insert uses to skip root-to-leaf descent on hot inserts,
// per spec.md §4.4.
type FastPathPolicy int

const (
	PolicyNone FastPathPolicy = iota
	PolicyTail
	PolicyLIL
	PolicyLOL
	PolicyQuIT
)

// iqrSizeThresh is IQR_SIZE_THRESH from spec.md §4.4: the previous
// sibling's minimum size below which QuIT redistributes instead of
// splitting.
const iqrSizeThresh = (node.LeafCapacity + 1) / 2

// fastPathState is the Cold/Warm state machine of spec.md §4.4. Cold
// (warm == false) means no cached leaf. Warm caches (fpID, fpMin, fpMax)
// -- fpMax is open-ended (fpMaxSet == false) while fpID is the tail --
// plus, for LOL/QuIT, the previous sibling's id/min/size the reset
// counter and IQR test consult, and fails, the consecutive-miss counter.
type fastPathState struct {
	warm bool

	fpID     uint32
	fpMin    Key
	fpMax    Key
	fpMaxSet bool

	prevID   uint32
	prevMin  Key
	prevSize uint32

	fails uint32

	pendingMoveToRight bool
}

// lolResetThreshold is ⌊√leaf_capacity⌋, the consecutive-miss count after
// which LOL/QuIT adopt whatever leaf the current descent landed on.
func lolResetThreshold() uint32 {
	return uint32(math.Sqrt(float64(node.LeafCapacity)))
}

// tryFastPath attempts the configured fast-path insert. handled is false
// whenever the key is outside the cached range (or the tree is Cold),
// telling Insert to fall back to a normal descent.
func (t *Tree) tryFastPath(key Key, value Value) (handled bool, result InsertResult, err error) {
	t.fpMu.RLock()
	fp := t.fp
	t.fpMu.RUnlock()

	if !fp.warm {
		return false, 0, nil
	}
	if key < fp.fpMin || (fp.fpMaxSet && key >= fp.fpMax) {
		return false, 0, nil
	}

	t.locks.pages.lock(fp.fpID)
	buf, oerr := t.mgr.OpenBlock(fp.fpID)
	if oerr != nil {
		t.locks.pages.unlock(fp.fpID)
		return true, 0, wrapIO(oerr)
	}
	v := node.Load(buf)

	slot := v.ValueSlot(key)
	if slot < v.Size() && v.Key(slot) == key {
		v.SetValue(slot, value)
		t.mgr.MarkDirty(fp.fpID)
		t.mgr.Unpin(fp.fpID)
		t.locks.pages.unlock(fp.fpID)
		atomic.AddUint64(&t.fastHits, 1)
		return true, Updated, nil
	}

	if v.Size() < node.LeafCapacity {
		v.InsertLeafSlot(slot, key, value)
		t.mgr.MarkDirty(fp.fpID)
		t.mgr.Unpin(fp.fpID)
		t.locks.pages.unlock(fp.fpID)
		atomic.AddUint64(&t.fastHits, 1)
		return true, Inserted, nil
	}

	if t.policy == PolicyQuIT {
		if redistHandled, redistResult, rerr := t.tryQuitRedistribute(fp.fpID, v, key, value); redistHandled {
			t.mgr.Unpin(fp.fpID)
			t.locks.pages.unlock(fp.fpID)
			atomic.AddUint64(&t.fastHits, 1)
			return true, redistResult, rerr
		}
	}

	// Fast-path leaf is full and must split.
	t.mgr.Unpin(fp.fpID)

	if fp.fpID == t.rootID {
		// The cached leaf is also the fixed root: splitting it grows the
		// tree. Both halves go to brand-new pages, leaving the root page
		// untouched until growRoot's exclusive swap (see
		// splitLeafRootAndInsert / insertAtLeafLocked for why).
		sep, leftID, rightID, serr := t.splitLeafRootAndInsert(fp.fpID, key, value)
		t.locks.pages.unlock(fp.fpID)
		if serr != nil {
			return true, 0, serr
		}
		atomic.AddUint64(&t.fastMisses, 1)
		if gerr := t.growRoot(sep, leftID, rightID); gerr != nil {
			return true, 0, gerr
		}
		if t.policy == PolicyTail || t.policy == PolicyLIL {
			t.refreshFastPathAfterSplit(leftID, rightID, key)
		}
		return true, Inserted, nil
	}

	// The fast path keeps no ancestor chain, so the new separator is
	// absorbed via a fresh descent (insertSeparatorByDescent) rather than
	// propagateSplit's already-locked-chain path.
	sep, newID, serr := t.splitLeafAndInsert(fp.fpID, key, value)
	t.locks.pages.unlock(fp.fpID)
	if serr != nil {
		return true, 0, serr
	}
	atomic.AddUint64(&t.fastMisses, 1)
	if perr := t.insertSeparatorByDescent(sep, newID); perr != nil {
		return true, 0, perr
	}
	// onLeafSplit (called from inside splitLeafAndInsert) already re-homes
	// LOL/QuIT's fp state onto the correct half. TAIL/LIL have no split
	// hook of their own, so fix them up here instead.
	if t.policy == PolicyTail || t.policy == PolicyLIL {
		t.refreshFastPathAfterSplit(fp.fpID, newID, key)
	}
	return true, Inserted, nil
}

// refreshFastPathAfterSplit re-homes TAIL/LIL's cached leaf once a
// fast-path split has invalidated it: TAIL always follows the tail
// pointer, LIL follows whichever half now holds the just-inserted key.
func (t *Tree) refreshFastPathAfterSplit(oldLeafID, newID uint32, insertedKey Key) {
	target := oldLeafID
	switch t.policy {
	case PolicyTail:
		target = t.getTailID()
	case PolicyLIL:
		if buf, err := t.mgr.OpenBlock(newID); err == nil {
			v := node.Load(buf)
			if v.Size() > 0 && insertedKey >= v.Key(0) {
				target = newID
			}
			t.mgr.Unpin(newID)
		}
	}
	t.setFastPathToLeaf(target)
}

// setFastPathToLeaf installs leafID as the cached leaf with a freshly
// computed range, used by TAIL/LIL to re-home after a fast-path split.
func (t *Tree) setFastPathToLeaf(leafID uint32) {
	t.locks.pages.rlock(leafID)
	buf, err := t.mgr.OpenBlock(leafID)
	if err != nil {
		t.locks.pages.runlock(leafID)
		return
	}
	v := node.Load(buf)
	max, maxSet := t.leafUpperBound(v)
	t.fpMu.Lock()
	t.fp = fastPathState{warm: true, fpID: leafID, fpMin: v.Key(0), fpMax: max, fpMaxSet: maxSet}
	t.fpMu.Unlock()
	t.mgr.Unpin(leafID)
	t.locks.pages.runlock(leafID)
}

// insertSeparatorByDescent locks a root-to-parent chain for sep (with the
// same ancestor early-release optimization pessimisticInsert uses) and
// absorbs (sep, newID) into the parent that owns it. Used whenever a leaf
// split happens outside the normal descent -- currently only the fast
// path, which bypasses locking any ancestor on its way to fpID.
func (t *Tree) insertSeparatorByDescent(sep Key, newID uint32) error {
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
			return wrapIO(err)
		}
		v := node.Load(buf)

		if v.Type() == node.Internal && v.Size() < node.InternalCapacity-1 {
			for _, id := range lockedPath[:len(lockedPath)-1] {
				t.locks.pages.unlock(id)
			}
			lockedPath = []uint32{curID}
		}

		if v.Type() == node.Leaf {
			// sep routes, under the pre-absorption tree structure, to the
			// leaf that was just split (the old/left half); its parent
			// chain is everything locked above it.
			t.mgr.Unpin(curID)
			ancestors := lockedPath[:len(lockedPath)-1]
			grow, gsep, gleftID, grightID, perr := t.propagateSplit(ancestors, sep, newID)
			t.unlockChain(lockedPath)
			if perr != nil {
				releaseRoot()
				return perr
			}
			if grow {
				releaseRoot()
				return t.growRoot(gsep, gleftID, grightID)
			}
			releaseRoot()
			return nil
		}

		childIdx := v.ChildSlot(sep)
		childID := v.Child(childIdx)
		t.mgr.Unpin(curID)
		t.locks.pages.lock(childID)
		lockedPath = append(lockedPath, childID)
		curID = childID
	}
}

// onLeafInsert runs after a non-fast-path insert places (key, value) in
// leaf leafID; it is the hook that keeps TAIL/LIL/LOL/QuIT's cached state
// in sync with wherever inserts are actually landing.
func (t *Tree) onLeafInsert(leafID uint32, v node.View) {
	switch t.policy {
	case PolicyTail:
		if leafID == t.getTailID() {
			t.fpMu.Lock()
			t.fp = fastPathState{warm: true, fpID: leafID, fpMin: v.Key(0)}
			t.fpMu.Unlock()
		}
	case PolicyLIL:
		max, maxSet := t.leafUpperBound(v)
		t.fpMu.Lock()
		t.fp = fastPathState{warm: true, fpID: leafID, fpMin: v.Key(0), fpMax: max, fpMaxSet: maxSet}
		t.fpMu.Unlock()
	case PolicyLOL, PolicyQuIT:
		t.lolOnMiss(leafID, v)
	}
}

// onLeafSplit runs after any leaf split (fast-path or normal), updating
// the detector's running statistics and, for LOL/QuIT, the fast-path
// bookkeeping fields a split invalidates. oldLeafID is the id the split
// leaf had before the split (what the fast-path cache and detector last
// saw it as); newLeftID/newRightID are where the two halves actually live
// afterward -- ordinarily newLeftID == oldLeafID (the left half is
// written back in place), except when the split leaf was the tree's fixed
// root, in which case both halves move to brand-new pages and oldLeafID
// is the root id being vacated (see splitLeafRootAndInsert).
func (t *Tree) onLeafSplit(oldLeafID, newLeftID, newRightID uint32, left, right node.View) {
	if t.detector != nil {
		t.detector.Observe(right.Key(0))
		t.detector.UpdateAfterSplit(leafStatsOf(right))
	}

	if t.policy != PolicyLOL && t.policy != PolicyQuIT {
		return
	}

	t.fpMu.Lock()
	defer t.fpMu.Unlock()
	if !t.fp.warm || t.fp.fpID != oldLeafID {
		return
	}
	moveToRight := t.fp.pendingMoveToRight
	t.fp.pendingMoveToRight = false
	t.fp.prevID, t.fp.prevMin, t.fp.prevSize = newLeftID, left.Key(0), left.Size()

	if moveToRight {
		max, maxSet := t.leafUpperBound(right)
		t.fp.fpID = newRightID
		t.fp.fpMin = right.Key(0)
		t.fp.fpMax, t.fp.fpMaxSet = max, maxSet
	} else {
		t.fp.fpID = newLeftID
		t.fp.fpMin = left.Key(0)
		t.fp.fpMax, t.fp.fpMaxSet = right.Key(0), true
	}
	t.fp.fails = 0
}

// leafStatsOf summarizes a leaf's current keys as the (count, sum,
// sum-of-squares) triple a windowed Stdev detector folds into its
// circular buffer on each split, per stdev_detector.h's bp_stats.
func leafStatsOf(v node.View) outlier.LeafStats {
	var stats outlier.LeafStats
	stats.Count = uint64(v.Size())
	for i := uint32(0); i < v.Size(); i++ {
		k := uint64(v.Key(i))
		stats.Sum += k
		stats.SumSquares += k * k
	}
	return stats
}

// lolOnMiss implements LOL/QuIT's reset counter and soft-advance rules:
// a miss either leaves the cached leaf alone (incrementing fails), soft-
// advances to an IQR-admitted immediate successor, or -- once fails
// reaches the threshold -- adopts wherever the descent actually landed.
func (t *Tree) lolOnMiss(leafID uint32, v node.View) {
	t.fpMu.Lock()
	defer t.fpMu.Unlock()

	if !t.fp.warm {
		t.adoptLocked(leafID, v)
		return
	}
	if t.fp.fpID == leafID {
		return // the descent landed back on the already-cached leaf
	}

	if t.isSuccessorOf(t.fp.fpID, leafID) && t.iqrAdmitsLocked(v) {
		t.fp.prevID, t.fp.prevMin, t.fp.prevSize = t.fp.fpID, t.fp.fpMin, t.leafSize(t.fp.fpID)
		t.adoptLocked(leafID, v)
		atomic.AddUint64(&t.softResets, 1)
		return
	}

	t.fp.fails++
	if t.fp.fails >= lolResetThreshold() {
		t.fp.prevID, t.fp.prevMin, t.fp.prevSize = t.fp.fpID, t.fp.fpMin, t.leafSize(t.fp.fpID)
		t.adoptLocked(leafID, v)
		atomic.AddUint64(&t.hardResets, 1)
	}
}

// adoptLocked installs leafID as the cached leaf, preserving prev*
// bookkeeping the caller has already updated. Caller must hold fpMu.
func (t *Tree) adoptLocked(leafID uint32, v node.View) {
	max, maxSet := t.leafUpperBound(v)
	t.fp.warm = true
	t.fp.fpID = leafID
	t.fp.fpMin = v.Key(0)
	t.fp.fpMax, t.fp.fpMaxSet = max, maxSet
	t.fp.fails = 0
}

// iqrAdmitsLocked tests whether candidate's distance from the currently
// cached leaf is within the IKR upper bound computed from the previous
// sibling's stats -- spec.md §4.4's SoftAdvance condition. Caller must
// hold fpMu.
func (t *Tree) iqrAdmitsLocked(candidate node.View) bool {
	if t.fp.prevSize == 0 || candidate.Size() == 0 {
		return true
	}
	d := math.Abs(float64(t.fp.fpMin) - float64(t.fp.prevMin))
	bound := outlier.IKRUpperBound(d, t.fp.prevSize, candidate.Size())
	gap := math.Abs(float64(candidate.Key(0)) - float64(t.fp.fpMin))
	return gap <= bound
}

// isSuccessorOf reports whether candidateID is fpID's next_id.
func (t *Tree) isSuccessorOf(fpID, candidateID uint32) bool {
	buf, err := t.mgr.OpenBlock(fpID)
	if err != nil {
		return false
	}
	defer t.mgr.Unpin(fpID)
	return node.Load(buf).NextID() == candidateID
}

func (t *Tree) leafSize(id uint32) uint32 {
	buf, err := t.mgr.OpenBlock(id)
	if err != nil {
		return 0
	}
	defer t.mgr.Unpin(id)
	return node.Load(buf).Size()
}

// leafUpperBound peeks v's successor leaf for its first key, which is the
// open upper bound of v's fast-path range; it reports maxSet == false
// when v is the tail (no successor) or the successor is currently empty.
func (t *Tree) leafUpperBound(v node.View) (Key, bool) {
	next := v.NextID()
	if next == noNext {
		return 0, false
	}
	t.locks.pages.rlock(next)
	defer t.locks.pages.runlock(next)
	buf, err := t.mgr.OpenBlock(next)
	if err != nil {
		return 0, false
	}
	defer t.mgr.Unpin(next)
	nv := node.Load(buf)
	if nv.Size() == 0 {
		return 0, false
	}
	return nv.Key(0), true
}

// quitSplitPosition implements spec.md §4.4's QuIT variable-split rule:
// the split position is the greatest index whose key is below
// fp_min + upper_bound(d_prev, n_prev, n_cur), clamped to the median (and,
// if the unclamped position is above the median, the fast-path pointer
// is flagged to move into the new right sibling once it exists).
func (t *Tree) quitSplitPosition(leafID uint32, merged []leafPair) (int, bool) {
	t.fpMu.Lock()
	defer t.fpMu.Unlock()

	fp := t.fp
	if !fp.warm || fp.fpID != leafID || fp.prevSize == 0 {
		return 0, false
	}
	if fp.prevSize < iqrSizeThresh {
		// Below threshold: redistribution (tryQuitRedistribute) should
		// have already handled this insert before a split was ever
		// considered; if we get here regardless, fall back to the default
		// split position rather than leaving the leaf unsplit.
		return 0, false
	}

	d := math.Abs(float64(fp.fpMin) - float64(fp.prevMin))
	u := outlier.IKRUpperBound(d, fp.prevSize, uint32(len(merged)))
	threshold := fp.fpMin + Key(u)

	pos := 0
	for i, p := range merged {
		if p.k < threshold {
			pos = i + 1
		} else {
			break
		}
	}

	total := len(merged)
	median := total / 2
	if pos > median {
		t.fp.pendingMoveToRight = true
	}
	pos = median
	if pos < 1 {
		pos = 1
	}
	if pos > total-1 {
		pos = total - 1
	}
	return pos, true
}

// tryQuitRedistribute implements spec.md §4.4's redistribute-instead-of-
// split rule: when the hot leaf is full but its previous sibling is below
// IQR_SIZE_THRESH, elements move from the hot leaf back into the previous
// sibling (instead of allocating a new page) until the previous sibling
// reaches the threshold, and the parent separator is corrected to match.
func (t *Tree) tryQuitRedistribute(fpID uint32, hot node.View, key Key, value Value) (bool, InsertResult, error) {
	t.fpMu.RLock()
	fp := t.fp
	t.fpMu.RUnlock()
	if !fp.warm || fp.prevSize == 0 || fp.prevSize >= iqrSizeThresh {
		return false, 0, nil
	}

	prevID := fp.prevID
	t.locks.pages.lock(prevID)
	defer t.locks.pages.unlock(prevID)
	prevBuf, err := t.mgr.OpenBlock(prevID)
	if err != nil {
		return true, 0, wrapIO(err)
	}
	defer t.mgr.Unpin(prevID)
	prev := node.Load(prevBuf)
	if prev.NextID() != fpID {
		return false, 0, nil // structure changed since: skip, fall back to a plain split
	}

	oldMin := hot.Key(0)
	moved := uint32(0)
	for prev.Size() < iqrSizeThresh && hot.Size() > 1 {
		k, val := hot.Key(0), hot.Value(0)
		for i := uint32(0); i+1 < hot.Size(); i++ {
			hot.SetKey(i, hot.Key(i+1))
			hot.SetValue(i, hot.Value(i+1))
		}
		hot.SetSize(hot.Size() - 1)
		prev.SetKey(prev.Size(), k)
		prev.SetValue(prev.Size(), val)
		prev.SetSize(prev.Size() + 1)
		moved++
	}
	if moved > 0 {
		t.mgr.MarkDirty(prevID)
		t.mgr.MarkDirty(fpID)
		atomic.AddUint64(&t.redistributes, 1)
		if newMin := hot.Key(0); newMin != oldMin {
			if err := t.updateSeparatorByDescent(oldMin, newMin); err != nil {
				return true, 0, err
			}
		}
	}

	slot := hot.ValueSlot(key)
	if slot < hot.Size() && hot.Key(slot) == key {
		hot.SetValue(slot, value)
		t.mgr.MarkDirty(fpID)
		return true, Updated, nil
	}
	if hot.Size() >= node.LeafCapacity {
		return false, 0, nil // still full after redistributing: let a real split handle it
	}
	hot.InsertLeafSlot(slot, key, value)
	t.mgr.MarkDirty(fpID)

	t.fpMu.Lock()
	t.fp.prevSize = prev.Size()
	t.fp.fpMin = hot.Key(0)
	t.fpMu.Unlock()
	return true, Inserted, nil
}

// updateSeparatorByDescent corrects the one ancestor separator equal to
// oldKey (there is at most one, per spec.md §3 invariant 2) to newKey,
// by descending on oldKey and walking the recorded path bottom-up for
// the first ancestor where the descent took a non-leftmost branch.
// A childless walk (oldKey was the tree's global minimum) is a no-op:
// by invariant, the global minimum has no separator anywhere.
func (t *Tree) updateSeparatorByDescent(oldKey, newKey Key) error {
	if oldKey == newKey {
		return nil
	}
	t.locks.root.RLock()
	defer t.locks.root.RUnlock()

	type step struct {
		id  uint32
		idx uint32
	}
	var path []step
	curID := t.rootID
	for {
		buf, err := t.mgr.OpenBlock(curID)
		if err != nil {
			return wrapIO(err)
		}
		v := node.Load(buf)
		if v.Type() == node.Leaf {
			t.mgr.Unpin(curID)
			break
		}
		idx := v.ChildSlot(oldKey)
		childID := v.Child(idx)
		path = append(path, step{curID, idx})
		t.mgr.Unpin(curID)
		curID = childID
	}

	for i := len(path) - 1; i >= 0; i-- {
		s := path[i]
		if s.idx == 0 {
			continue
		}
		t.locks.pages.lock(s.id)
		buf, err := t.mgr.OpenBlock(s.id)
		if err != nil {
			t.locks.pages.unlock(s.id)
			return wrapIO(err)
		}
		v := node.Load(buf)
		v.SetKey(s.idx-1, newKey)
		t.mgr.MarkDirty(s.id)
		t.mgr.Unpin(s.id)
		t.locks.pages.unlock(s.id)
		return nil
	}
	return nil
}

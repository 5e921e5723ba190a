// Package dual implements the dual-tree coordinator of spec.md §4.6: a
// sorted tree tuned for sequential append, a separate tree absorbing
// outliers, and an optional bounded min-heap staging buffer.
package dual

import "container/heap"

// keyHeap is a min-heap of keys. Grounded on heap.h's
// priority_queue<key_type, std::greater<key_type>> (a min-heap): the
// smallest key surfaces first, so a full staging buffer can cheaply test
// whether an incoming key deserves to bump the current minimum out.
type keyHeap []uint64

func (h keyHeap) Len() int            { return len(h) }
func (h keyHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h keyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *keyHeap) Push(x any)         { *h = append(*h, x.(uint64)) }
func (h *keyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// StagingHeap is the bounded staging buffer spec.md §4.6 names: while
// below MaxSize it simply accumulates (key, value) pairs; once full, a
// newly offered key only displaces the current minimum if it is larger,
// which is what smooths tiny local disorder before anything reaches
// either sub-tree. Grounded on heap.h's Heap<key_type, value_type>, whose
// priority_queue-plus-unordered_map pairing this mirrors with a slice
// heap plus a Go map.
type StagingHeap struct {
	MaxSize int
	h       keyHeap
	values  map[uint64]uint64
}

// NewStagingHeap creates a staging buffer holding at most maxSize pairs.
func NewStagingHeap(maxSize int) *StagingHeap {
	return &StagingHeap{MaxSize: maxSize, values: make(map[uint64]uint64, maxSize)}
}

// Size returns the number of pairs currently staged.
func (s *StagingHeap) Size() int { return len(s.h) }

// Get returns the staged value for key, if any.
func (s *StagingHeap) Get(key uint64) (uint64, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Push unconditionally adds (key, value). Callers must check Size() <
// MaxSize first, matching heap.h's caller-side capacity check (push is
// never refused by the heap itself).
func (s *StagingHeap) Push(key, value uint64) {
	heap.Push(&s.h, key)
	s.values[key] = value
}

// Min returns the smallest staged (key, value) pair without removing it.
func (s *StagingHeap) Min() (uint64, uint64, bool) {
	if len(s.h) == 0 {
		return 0, 0, false
	}
	key := s.h[0]
	return key, s.values[key], true
}

// Pop removes and discards the smallest staged entry.
func (s *StagingHeap) Pop() {
	if len(s.h) == 0 {
		return
	}
	key := heap.Pop(&s.h).(uint64)
	delete(s.values, key)
}

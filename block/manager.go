// Package block implements the block manager: a fixed-capacity page cache
// in front of a storage.Backend, with LRU eviction and dirty-page
// write-back. It has no notion of node layout or tree structure -- it
// hands out raw PageSize byte buffers by id and tracks which ones have
// pending writes.
package block

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/nearsort/qittree/storage"
)

// ErrCapacityExceeded is returned by OpenBlock when a page must be brought
// into the pool and every resident page is pinned, so no victim can be
// evicted. Allocate does not check capacity: it hands out page ids without
// bound, whatever the backend.
var ErrCapacityExceeded = errors.New("block: capacity exceeded")

// ErrIO wraps a read or write failure from the backend.
var ErrIO = errors.New("block: i/o error")

// entry is one slot of the in-memory page pool.
type entry struct {
	id    uint32
	buf   [storage.PageSize]byte
	valid bool
}

// Manager is the block manager described in spec.md §4.1: it allocates
// monotonically increasing page ids, pins a bounded working set of pages
// in memory, evicts the least-recently-used page on a cache miss, and
// flushes dirty pages back to the backend at eviction or teardown.
//
// Manager is safe for concurrent use. OpenBlock pins the page it returns,
// and a pinned page is never chosen for eviction until Unpin releases it.
type Manager struct {
	mu sync.Mutex

	backend  storage.Backend
	capacity uint32
	nextID   uint32

	// LRU: recency list of page ids, most-recently-used at the front.
	lru       *list.List
	lruElem   map[uint32]*list.Element
	pool      map[uint32]*entry // id -> pooled buffer, only while resident
	freeSlots []*entry          // unused pool slots below capacity

	dirty map[uint32]struct{}
	pins  map[uint32]int // pin count per resident page id; never evict id while pins[id] > 0

	writes    uint64
	markDirty uint64
}

// NewManager creates a block manager over backend with room for capacity
// resident pages. A nil backend is invalid; use membackend.New() for a
// pure in-memory configuration.
func NewManager(backend storage.Backend, capacity uint32) *Manager {
	m := &Manager{
		backend:  backend,
		capacity: capacity,
		lru:      list.New(),
		lruElem:  make(map[uint32]*list.Element, capacity),
		pool:     make(map[uint32]*entry, capacity),
		dirty:    make(map[uint32]struct{}),
		pins:     make(map[uint32]int, capacity),
	}
	m.freeSlots = make([]*entry, 0, capacity)
	for i := uint32(0); i < capacity; i++ {
		m.freeSlots = append(m.freeSlots, &entry{})
	}
	return m
}

// Allocate returns the next monotonically increasing page id. Page 0 is
// reserved for the root by convention of the caller (spec.md §3); the
// manager itself does not special-case any id.
func (m *Manager) Allocate() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id, nil
}

// OpenBlock returns a pointer to id's page buffer and pins it: the page
// will not be chosen as an eviction victim until a matching Unpin call.
// On a cache miss the LRU victim is written back if dirty, then the
// requested page is read from the backend. The caller must call Unpin(id)
// once it no longer needs the buffer to remain resident.
func (m *Manager) OpenBlock(id uint32) (*[storage.PageSize]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.pool[id]; ok {
		m.touch(id)
		m.pins[id]++
		return &e.buf, nil
	}

	e, err := m.acquireSlot()
	if err != nil {
		return nil, err
	}
	e.id = id
	e.valid = true
	if err := m.backend.ReadPage(id, e.buf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	m.pool[id] = e
	m.touch(id)
	m.pins[id]++
	return &e.buf, nil
}

// Unpin releases one pin on id taken by OpenBlock, making it eligible for
// eviction again once its pin count reaches zero.
func (m *Manager) Unpin(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pins[id] > 0 {
		m.pins[id]--
	}
	if m.pins[id] == 0 {
		delete(m.pins, id)
	}
}

// acquireSlot returns a free pool slot, evicting the least-recently-used
// unpinned page (writing it back first if dirty) when the pool is at
// capacity. Pinned pages are never chosen: spec.md §9 design notes require
// eviction to leave a locked/pinned page alone.
func (m *Manager) acquireSlot() (*entry, error) {
	if n := len(m.freeSlots); n > 0 {
		e := m.freeSlots[n-1]
		m.freeSlots = m.freeSlots[:n-1]
		return e, nil
	}
	for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
		victimID := elem.Value.(uint32)
		if m.pins[victimID] > 0 {
			continue
		}
		victim := m.pool[victimID]
		if _, isDirty := m.dirty[victimID]; isDirty {
			if err := m.backend.WritePage(victimID, victim.buf[:]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrIO, err)
			}
			m.writes++
			delete(m.dirty, victimID)
		}
		m.lru.Remove(elem)
		delete(m.lruElem, victimID)
		delete(m.pool, victimID)
		victim.valid = false
		return victim, nil
	}
	return nil, ErrCapacityExceeded
}

// touch records id as the most recently used page, inserting it into the
// recency list if it is not already tracked.
func (m *Manager) touch(id uint32) {
	if elem, ok := m.lruElem[id]; ok {
		m.lru.MoveToFront(elem)
		return
	}
	m.lruElem[id] = m.lru.PushFront(id)
}

// MarkDirty records that the page at id has a pending modification that
// must be written back before it can be evicted or the manager flushed.
// The caller must have already pinned id via OpenBlock.
func (m *Manager) MarkDirty(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[id] = struct{}{}
	m.markDirty++
}

// Flush writes every dirty page back to the backend and clears the dirty
// set. Called at teardown since this engine does not implement durable
// crash-consistent commit (spec.md §1 Non-goals).
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.dirty {
		e, ok := m.pool[id]
		if !ok {
			continue
		}
		if err := m.backend.WritePage(id, e.buf[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		m.writes++
	}
	m.dirty = make(map[uint32]struct{})
	return nil
}

// Close flushes pending writes and releases the backend.
func (m *Manager) Close() error {
	if err := m.Flush(); err != nil {
		return err
	}
	return m.backend.Close()
}

// Stats returns the (writes, mark-dirty) counters the statistics stream
// reports (spec.md §6).
func (m *Manager) Stats() (writes, markDirty uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes, m.markDirty
}

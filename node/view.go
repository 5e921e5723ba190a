// Package node implements the typed overlay on a page buffer described in
// spec.md §4.2: a leaf or internal node view over the fixed-size byte
// array the block manager hands back, plus the two slot-search helpers
// (ValueSlot, ChildSlot) the rest of the engine builds on.
//
// Layout follows spec.md §3 byte-for-byte: a fixed header, then a
// fixed-capacity array of ascending keys, then (leaf) a same-indexed
// array of values or (internal) a size+1 array of child page ids.
package node

import (
	"encoding/binary"

	"github.com/nearsort/qittree/storage"
)

// Key and Value are the two fixed-width totally-ordered types spec.md §3
// calls out; the canonical implementation fixes both at 64-bit unsigned
// integers.
type Key = uint64
type Value = uint64

const (
	keySize   = 8
	valueSize = 8
	idSize    = 4
)

// Type tags a page as a leaf or an internal node (spec.md §3 Node Header
// "type"). Stored in the header rather than expressed via a Go interface
// or subclass, per spec.md §9 "polymorphic node type".
type Type uint8

const (
	Leaf Type = iota
	Internal
)

// Header layout, little-endian, at the start of every page:
//
//	offset 0:  id       uint32
//	offset 4:  next_id  uint32  (leaves only; unused for internal nodes)
//	offset 8:  size     uint32
//	offset 12: type     uint8
//	offset 13: (3 bytes reserved, kept zero)
const HeaderSize = 16

// LeafCapacity and InternalCapacity follow the formulas in spec.md §3.
const (
	LeafCapacity     = (storage.PageSize - HeaderSize) / (keySize + valueSize)
	InternalCapacity = (storage.PageSize - HeaderSize - idSize) / (keySize + idSize)
)

// View overlays typed accessors on a page buffer. It holds no state of its
// own beyond the buffer pointer; every accessor reads or writes directly
// through to the backing array, so two Views over the same buffer always
// agree.
type View struct {
	buf *[storage.PageSize]byte
}

// Load wraps an existing page buffer, reading its type from the header.
func Load(buf *[storage.PageSize]byte) View {
	return View{buf: buf}
}

// Init formats buf as a fresh page of the given type, zeroing size and
// next_id.
func Init(buf *[storage.PageSize]byte, id uint32, typ Type) View {
	v := View{buf: buf}
	for i := range buf {
		buf[i] = 0
	}
	v.SetID(id)
	v.SetType(typ)
	return v
}

func (v View) ID() uint32        { return binary.LittleEndian.Uint32(v.buf[0:4]) }
func (v View) SetID(id uint32)   { binary.LittleEndian.PutUint32(v.buf[0:4], id) }
func (v View) NextID() uint32    { return binary.LittleEndian.Uint32(v.buf[4:8]) }
func (v View) SetNextID(id uint32) {
	binary.LittleEndian.PutUint32(v.buf[4:8], id)
}
func (v View) Size() uint32      { return binary.LittleEndian.Uint32(v.buf[8:12]) }
func (v View) SetSize(n uint32)  { binary.LittleEndian.PutUint32(v.buf[8:12], n) }
func (v View) Type() Type        { return Type(v.buf[12]) }
func (v View) SetType(t Type)    { v.buf[12] = byte(t) }

func (v View) keysOffset() int { return HeaderSize }

// Key returns the key at slot i (0-based).
func (v View) Key(i uint32) Key {
	off := v.keysOffset() + int(i)*keySize
	return binary.LittleEndian.Uint64(v.buf[off : off+keySize])
}

// SetKey stores key at slot i.
func (v View) SetKey(i uint32, key Key) {
	off := v.keysOffset() + int(i)*keySize
	binary.LittleEndian.PutUint64(v.buf[off:off+keySize], key)
}

func (v View) valuesOffset() int {
	return v.keysOffset() + LeafCapacity*keySize
}

// Value returns the value at slot i of a leaf node.
func (v View) Value(i uint32) Value {
	off := v.valuesOffset() + int(i)*valueSize
	return binary.LittleEndian.Uint64(v.buf[off : off+valueSize])
}

// SetValue stores value at slot i of a leaf node.
func (v View) SetValue(i uint32, value Value) {
	off := v.valuesOffset() + int(i)*valueSize
	binary.LittleEndian.PutUint64(v.buf[off:off+valueSize], value)
}

func (v View) childrenOffset() int {
	return v.keysOffset() + InternalCapacity*keySize
}

// Child returns the child page id at slot i of an internal node; slots
// run [0, size].
func (v View) Child(i uint32) uint32 {
	off := v.childrenOffset() + int(i)*idSize
	return binary.LittleEndian.Uint32(v.buf[off : off+idSize])
}

// SetChild stores the child page id at slot i of an internal node.
func (v View) SetChild(i uint32, id uint32) {
	off := v.childrenOffset() + int(i)*idSize
	binary.LittleEndian.PutUint32(v.buf[off:off+idSize], id)
}

// ValueSlot returns the lower-bound index in a leaf's key array: the slot
// where key either already lives (an update) or should be inserted
// (shift everything from this slot right by one).
func (v View) ValueSlot(key Key) uint32 {
	size := v.Size()
	lo, hi := uint32(0), size
	for lo < hi {
		mid := (lo + hi) / 2
		if v.Key(mid) < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// ChildSlot returns the upper-bound index in an internal node's separator
// array: the child subscript to descend into for key. Upper bound (as
// opposed to ValueSlot's lower bound) is what encodes the invariant that
// a separator equals the minimum key of its right subtree -- a key equal
// to a separator belongs to the right side.
func (v View) ChildSlot(key Key) uint32 {
	size := v.Size()
	lo, hi := uint32(0), size
	for lo < hi {
		mid := (lo + hi) / 2
		if v.Key(mid) <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// shiftKeysRight shifts keys [from, size) right by one slot, making room
// for an insertion at from. Values (leaf) or children (internal, shifted
// from+1) must be moved separately by the caller since their layouts
// differ.
func (v View) shiftKeysRight(from, size uint32) {
	for i := size; i > from; i-- {
		v.SetKey(i, v.Key(i-1))
	}
}

// InsertLeafSlot shifts keys/values right from index and stores key/value
// there, growing size by one. Caller must ensure size < LeafCapacity.
func (v View) InsertLeafSlot(index uint32, key Key, value Value) {
	size := v.Size()
	v.shiftKeysRight(index, size)
	for i := size; i > index; i-- {
		v.SetValue(i, v.Value(i-1))
	}
	v.SetKey(index, key)
	v.SetValue(index, value)
	v.SetSize(size + 1)
}

// InsertInternalSlot shifts keys right from index and children right from
// index+1, then stores key at index and childID at index+1, growing size
// by one. Caller must ensure size < InternalCapacity.
func (v View) InsertInternalSlot(index uint32, key Key, childID uint32) {
	size := v.Size()
	v.shiftKeysRight(index, size)
	for i := size + 1; i > index+1; i-- {
		v.SetChild(i, v.Child(i-1))
	}
	v.SetKey(index, key)
	v.SetChild(index+1, childID)
	v.SetSize(size + 1)
}

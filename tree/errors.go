// Package tree implements the core B+-tree described in spec.md §4.3: root-
// to-leaf descent, leaf/internal insert and split, root growth, point
// query, range scan, and select_k, over the node.View page layout and the
// block.Manager page cache.
package tree

import "errors"

// ErrCapacityExceeded surfaces a block.Manager capacity failure during a
// split or root growth: the engine aborts the operation in progress and
// does not roll the tree back (spec.md §4.1, §7 -- a mid-split fault
// leaves the tree structurally inconsistent rather than attempting undo).
var ErrCapacityExceeded = errors.New("tree: capacity exceeded")

// ErrIO wraps a block manager I/O failure encountered mid-operation.
var ErrIO = errors.New("tree: i/o error")

// ErrInvalidArgument is returned for a malformed caller request, e.g. a
// Range call with min > max.
var ErrInvalidArgument = errors.New("tree: invalid argument")

// InsertResult reports whether Insert created a new entry or overwrote an
// existing one, per spec.md §6's Inserted | Updated result.
type InsertResult int

const (
	Inserted InsertResult = iota
	Updated
)

func (r InsertResult) String() string {
	if r == Updated {
		return "Updated"
	}
	return "Inserted"
}

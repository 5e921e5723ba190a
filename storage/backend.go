// Package storage defines the raw page backend the block manager pins its
// working set on top of. A backend knows nothing about LRU, dirtiness, or
// node layout -- it only moves fixed-size pages between a byte slice and
// whatever medium backs the tree (memory or a scratch file on disk).
package storage

// PageSize is the fixed page size in bytes, chosen to line up with
// directio's typical alignment requirement on Linux so every O_DIRECT
// read/write the disk backend issues covers exactly one aligned block.
const PageSize = 4096

// Backend moves whole pages between storage and a caller-supplied buffer.
// Implementations are not required to be safe for concurrent use; the
// block manager above them serializes access with its own bookkeeping.
type Backend interface {
	// ReadPage reads the page at id into buf, which must be PageSize bytes.
	ReadPage(id uint32, buf []byte) error
	// WritePage writes buf (PageSize bytes) to the page at id.
	WritePage(id uint32, buf []byte) error
	// Close releases any resources (open files) held by the backend.
	Close() error
}

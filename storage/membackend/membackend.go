// Package membackend implements storage.Backend entirely in memory.
//
// It exists so the in-memory block manager configuration (spec: "the
// in-memory backend degrades to direct indexing, no eviction, no I/O")
// still goes through the exact same ReadAt/WriteAt code path the disk
// backend does, instead of special-casing a byte-slice fast path inside
// the block manager itself. dsnet/golib/memfile gives us an io.ReaderAt/
// io.WriterAt-shaped virtual file over a growable in-memory buffer, which
// is exactly the "file" a BlockManager needs when there's no real disk.
package membackend

import (
	"errors"
	"fmt"
	"io"

	"github.com/dsnet/golib/memfile"

	"github.com/nearsort/qittree/storage"
)

// Backend is a storage.Backend backed by an in-memory virtual file. It
// never touches disk and never evicts; every page id the block manager
// allocates is simply an offset into the growing buffer.
type Backend struct {
	file *memfile.File
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{file: memfile.New(nil)}
}

func (b *Backend) ReadPage(id uint32, buf []byte) error {
	if len(buf) != storage.PageSize {
		return fmt.Errorf("membackend: buffer must be %d bytes, got %d", storage.PageSize, len(buf))
	}
	off := int64(id) * int64(storage.PageSize)
	n, err := b.file.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	// a page that was allocated but never written reads as zeros
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (b *Backend) WritePage(id uint32, buf []byte) error {
	if len(buf) != storage.PageSize {
		return fmt.Errorf("membackend: buffer must be %d bytes, got %d", storage.PageSize, len(buf))
	}
	off := int64(id) * int64(storage.PageSize)
	_, err := b.file.WriteAt(buf, off)
	return err
}

func (b *Backend) Close() error {
	return b.file.Close()
}

// Package diskbackend implements storage.Backend against a scratch file on
// disk, using page-aligned direct I/O so the fixed 4096-byte pages this
// engine moves around bypass the OS page cache -- the tree keeps its own
// cache (the block manager's LRU), so a second cache underneath it just
// burns memory and adds write-back latency variance.
package diskbackend

import (
	"fmt"
	"os"

	"github.com/ncw/directio"

	"github.com/nearsort/qittree/storage"
)

// Backend is a storage.Backend backed by a truncated-on-open scratch file.
// Per spec, the file carries no header or footer: page id's byte offset is
// simply id * storage.PageSize.
type Backend struct {
	file *os.File
}

// Open creates (truncating) the backing file at path for direct I/O.
func Open(path string) (*Backend, error) {
	if directio.BlockSize != storage.PageSize {
		return nil, fmt.Errorf("diskbackend: platform direct I/O block size %d does not match page size %d",
			directio.BlockSize, storage.PageSize)
	}
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("diskbackend: open %s: %w", path, err)
	}
	return &Backend{file: f}, nil
}

func (b *Backend) ReadPage(id uint32, buf []byte) error {
	aligned := directio.AlignedBlock(storage.PageSize)
	off := int64(id) * int64(storage.PageSize)
	n, err := b.file.ReadAt(aligned, off)
	if err != nil && n == 0 {
		// a page allocated but never flushed reads as zeros
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("diskbackend: read page %d: %w", id, err)
	}
	copy(buf, aligned)
	return nil
}

func (b *Backend) WritePage(id uint32, buf []byte) error {
	aligned := directio.AlignedBlock(storage.PageSize)
	copy(aligned, buf)
	off := int64(id) * int64(storage.PageSize)
	if _, err := b.file.WriteAt(aligned, off); err != nil {
		return fmt.Errorf("diskbackend: write page %d: %w", id, err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.file.Close()
}

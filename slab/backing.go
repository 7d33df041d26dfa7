// Package slab implements the slab & inode store: fixed-size pages holding
// typed rows, linked per table by a tree of inode rows (spec §4.1). It
// knows nothing about columns, tables-by-name, or segments-as-files; it
// operates purely on byte windows handed to it by a Backing implementation
// (the segment package) and 16-bit table ids.
package slab

import (
	"golang.org/x/sys/unix"
)

// HostPageSize returns the host's memory page size, used as the default
// slab size (spec §3 "page-sized, from the host page size").
func HostPageSize() int {
	return unix.Getpagesize()
}

// Backing is the minimal surface the slab allocator needs from whatever
// holds the actual bytes (a memory-mapped file or an anonymous buffer).
// segment.Segment implements this; it is defined here, not in package
// segment, so that slab has zero dependency on segment (one-way: segment
// depends on slab, not the reverse).
type Backing interface {
	// PageSize is the fixed size of every slab in this backing, in bytes.
	PageSize() int

	// NumSlabs is the number of slabs currently mapped.
	NumSlabs() uint32

	// SlabBytes returns the PageSize()-byte window for slab index. It is
	// valid to retain the returned slice; the backing never moves bytes
	// once handed out (growth only appends).
	SlabBytes(index uint32) ([]byte, error)

	// Grow appends n freshly zeroed slabs and returns the index of the
	// first one. Slabs [first, first+n) are then valid arguments to
	// SlabBytes.
	Grow(n uint32) (first uint32, err error)

	// ID is the owning segment's process-unique id, stamped into every
	// slab header created via Grow.
	ID() uint32
}

// View is a convenience wrapper around one slab's bytes, exposing typed
// header/bitmap/row accessors. It holds no state beyond the byte slice: all
// mutations go straight through to the backing (mmap'd file or anonymous
// buffer).
type View struct {
	Index uint32
	bytes []byte
}

// NewView wraps the PageSize()-byte window for slab index.
func NewView(b Backing, index uint32) (View, error) {
	bytes, err := b.SlabBytes(index)
	if err != nil {
		return View{}, err
	}
	return View{Index: index, bytes: bytes}, nil
}

// Header decodes the slab's header.
func (v View) Header() (Header, error) { return ReadHeader(v.bytes) }

// SetHeader re-encodes the slab's header.
func (v View) SetHeader(h Header) { h.Put(v.bytes) }

// Lines returns the number of LineSize-byte lines available for rows
// (excludes the header line).
func (v View) Lines() int { return len(v.bytes)/LineSize - 1 }

// MaxRows returns the largest number of rows this slab's configured
// lines-per-row could hold, capped at MaxRowsPerSlab by the bitmap width.
func (v View) MaxRows(linesPerRow uint16) int {
	if linesPerRow == 0 {
		return 0
	}
	n := v.Lines() / int(linesPerRow)
	if n > MaxRowsPerSlab {
		n = MaxRowsPerSlab
	}
	return n
}

// RowBytes returns the bytes for row rowIndex, given linesPerRow (taken
// from the slab header). Row 0 begins at line 1 (line 0 is the header).
func (v View) RowBytes(rowIndex int, linesPerRow uint16) []byte {
	start := LineSize * (1 + rowIndex*int(linesPerRow))
	end := start + int(linesPerRow)*LineSize
	return v.bytes[start:end]
}

// InodeRowAt decodes the inode row stored at row index rowIndex (an inode
// row always occupies exactly one line, regardless of the owning table's
// configured lines-per-row, since .inode's row size is fixed at LineSize).
func (v View) InodeRowAt(rowIndex int) InodeRow {
	start := LineSize * (1 + rowIndex)
	return ReadInodeRow(v.bytes[start : start+LineSize])
}

// SetInodeRowAt encodes an inode row at row index rowIndex.
func (v View) SetInodeRowAt(rowIndex int, r InodeRow) {
	start := LineSize * (1 + rowIndex)
	r.Put(v.bytes[start : start+LineSize])
}

// Raw exposes the full page, header included, for callers (coredump
// extraction, diagnostics) that need byte-exact access.
func (v View) Raw() []byte { return v.bytes }

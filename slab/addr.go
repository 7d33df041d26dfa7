package slab

import "encoding/binary"

// Addr is a 32-bit inode address: the upper 24 bits hold a 0-based slab
// index into the segment, the lower 8 bits hold a row index within that
// slab. The row index is meaningless (and ignored) when the leaf marker is
// set: a leaf address refers to a slab as a whole, not a row inside an
// inode row stored in it. Address 0 means absent.
type Addr uint32

// leafMarker in the low byte means "this address names a slab directly".
const leafMarker = 0xff

// NullAddr is the absent/zero inode address.
const NullAddr Addr = 0

// Leaf returns the address of slabIndex itself (not a row within it).
func Leaf(slabIndex uint32) Addr {
	return Addr(slabIndex<<8 | leafMarker)
}

// Row returns the address of row rowIndex within slab slabIndex.
func Row(slabIndex uint32, rowIndex uint8) Addr {
	return Addr(slabIndex<<8 | uint32(rowIndex))
}

// IsNull reports whether a is the absent address.
func (a Addr) IsNull() bool { return a == NullAddr }

// IsLeaf reports whether a names a slab directly rather than a row within
// an inode row.
func (a Addr) IsLeaf() bool { return !a.IsNull() && uint32(a)&0xff == leafMarker }

// SlabIndex extracts the slab index component.
func (a Addr) SlabIndex() uint32 { return uint32(a) >> 8 }

// RowIndex extracts the row index component. Only meaningful when !IsLeaf().
func (a Addr) RowIndex() uint8 { return uint8(a) }

// AddrField is a mutable 32-bit address stored little-endian at a fixed
// offset within a row's raw bytes -- the Go analogue of the original's
// `uint32_t *table->inode`, which points directly into a row's storage
// rather than a separate heap allocation.
type AddrField struct {
	Row    []byte
	Offset int
}

// Get reads the current address.
func (f AddrField) Get() Addr {
	return Addr(binary.LittleEndian.Uint32(f.Row[f.Offset:]))
}

// Set writes a new address.
func (f AddrField) Set(a Addr) {
	binary.LittleEndian.PutUint32(f.Row[f.Offset:], uint32(a))
}

// Uint32Field is the row-count analogue of AddrField: an informational
// counter stored inline in a table descriptor row.
type Uint32Field struct {
	Row    []byte
	Offset int
}

func (f Uint32Field) Get() uint32 {
	return binary.LittleEndian.Uint32(f.Row[f.Offset:])
}

func (f Uint32Field) Set(v uint32) {
	binary.LittleEndian.PutUint32(f.Row[f.Offset:], v)
}

func (f Uint32Field) Add(delta int32) {
	f.Set(uint32(int32(f.Get()) + delta))
}

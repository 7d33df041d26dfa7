package slab

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/bennbollay/tmstat/tmstaterr"
)

// LineSize is the fixed allocation unit within a slab: 64 bytes, matching
// TM_SZ_LINE in the original source. Rows occupy one or more contiguous
// lines; the header itself occupies line 0.
const LineSize = 64

// HeaderSize is the byte size of the slab header (one line).
const HeaderSize = LineSize

// InodeEntries is the number of child slots in one inode row: (64/4)-1,
// the remaining slot holding the chain's `next` pointer.
const InodeEntries = LineSize/4 - 1

// MaxRowsPerSlab is the width of the row allocation bitmap.
const MaxRowsPerSlab = 63

// Magic is the four-byte slab marker "TMSS", read/written little-endian.
var Magic = binary.LittleEndian.Uint32([]byte("TMSS"))

// Header is the 64-byte slab header, laid out exactly as spec §6 describes
// it. Only the encoded bytes at the start of the slab are stored; Header is
// a decoded snapshot produced by ReadHeader / written back by Header.Put.
type Header struct {
	Magic           uint32
	TableID         uint16
	LinesPerRow     uint16
	Bitmap          uint64
	OwnInode        Addr
	ParentInode     Addr
	OwningSegmentID uint32
}

// ReadHeader decodes the header occupying the first HeaderSize bytes of b.
func ReadHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, xerrors.Errorf("slab header: short buffer (%d bytes): %w", len(b), tmstaterr.ErrInvalidArgument)
	}
	h := Header{
		Magic:           binary.LittleEndian.Uint32(b[0:4]),
		TableID:         binary.LittleEndian.Uint16(b[4:6]),
		LinesPerRow:     binary.LittleEndian.Uint16(b[6:8]),
		Bitmap:          binary.LittleEndian.Uint64(b[8:16]),
		OwnInode:        Addr(binary.LittleEndian.Uint32(b[16:20])),
		ParentInode:     Addr(binary.LittleEndian.Uint32(b[20:24])),
		OwningSegmentID: binary.LittleEndian.Uint32(b[24:28]),
	}
	return h, nil
}

// Put encodes h into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint16(b[4:6], h.TableID)
	binary.LittleEndian.PutUint16(b[6:8], h.LinesPerRow)
	binary.LittleEndian.PutUint64(b[8:16], h.Bitmap)
	binary.LittleEndian.PutUint32(b[16:20], uint32(h.OwnInode))
	binary.LittleEndian.PutUint32(b[20:24], uint32(h.ParentInode))
	binary.LittleEndian.PutUint32(b[24:28], h.OwningSegmentID)
	for i := 28; i < HeaderSize; i++ {
		b[i] = 0
	}
}

// Valid reports whether h carries the slab magic. Callers combine this
// with an owning-segment-id check per spec §3's "every slab's magic
// matches" invariant.
func (h Header) Valid() bool { return h.Magic == Magic }

// InodeRow is the one-line structure chaining a table's data slabs
// together once it outgrows a single slab.
type InodeRow struct {
	Children [InodeEntries]Addr
	Next     Addr
}

// ReadInodeRow decodes an inode row from a LineSize-byte line.
func ReadInodeRow(line []byte) InodeRow {
	var r InodeRow
	for i := range r.Children {
		r.Children[i] = Addr(binary.LittleEndian.Uint32(line[i*4:]))
	}
	r.Next = Addr(binary.LittleEndian.Uint32(line[InodeEntries*4:]))
	return r
}

// Put encodes r into a LineSize-byte line.
func (r InodeRow) Put(line []byte) {
	for i, c := range r.Children {
		binary.LittleEndian.PutUint32(line[i*4:], uint32(c))
	}
	binary.LittleEndian.PutUint32(line[InodeEntries*4:], uint32(r.Next))
}

// LinesPerRow returns ceil(rowsz/LineSize), the number of lines a row of
// the given byte size occupies.
func LinesPerRow(rowSize int) uint16 {
	return uint16((rowSize + LineSize - 1) / LineSize)
}

// Package row implements the reference-counted row handle (spec §4.4):
// typed field accessors over a row's raw bytes, and the owning/weak/pseudo
// ownership variants described in spec §9's "tagged variant" redesign note.
//
// row does not import package table, even though table constructs and
// returns *Handle values: row depends only on TableView, a minimal
// interface table.Table satisfies structurally. This keeps the dependency
// one-way and avoids a table<->row import cycle.
package row

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/bennbollay/tmstat/slab"
)

// ColumnType mirrors table.ColumnType; it lives here (rather than in
// table, which would force row to import table) because typed field
// access is row's concern.
type ColumnType uint8

const (
	TypeSigned ColumnType = iota
	TypeUnsigned
	TypeText
	TypeBin
	TypeDec
	TypeHex
	TypeHidden
)

// MergeRule mirrors table.MergeRule, for the same reason.
type MergeRule uint8

const (
	RuleKey MergeRule = iota
	RuleOr
	RuleSum
	RuleMin
	RuleMax
)

// ColumnInfo is what a Handle needs to interpret one field of its row.
type ColumnInfo struct {
	Name   string
	Offset int
	Size   int
	Type   ColumnType
	Rule   MergeRule
}

// TableView is the minimal surface a Handle needs from its owning table:
// column lookup and the row's fixed byte size. table.Table implements
// this.
type TableView interface {
	Column(name string) (ColumnInfo, bool)
	Columns() []ColumnInfo
	RowSize() int
	TableID() uint16
	Name() string
}

// Kind distinguishes how a Handle's bytes are owned.
type Kind uint8

const (
	// Owning rows are backed by a slot in a slab; dropping the last
	// reference frees the slot.
	Owning Kind = iota
	// Weak rows point into a slab not owned by this handle (query
	// results); dropping never frees anything.
	Weak
	// Pseudo rows are stand-alone allocations (merge accumulators,
	// binary-search keys); dropping never touches a slab.
	Pseudo
)

// Handle is a reference-counted pointer to a row's bytes.
type Handle struct {
	kind    Kind
	bytes   []byte
	table   TableView
	addr    slab.Addr
	refs    *int32
	onFree  func() error // Owning only: returns the slot to the allocator
	onDrop  func()       // any kind: e.g. decrement a live-handle tracker
}

// NewOwning wraps a freshly allocated real row. onFree is called exactly
// once, when the last reference is dropped.
func NewOwning(table TableView, addr slab.Addr, bytes []byte, onFree func() error, onDrop func()) *Handle {
	refs := int32(1)
	return &Handle{kind: Owning, bytes: bytes, table: table, addr: addr, refs: &refs, onFree: onFree, onDrop: onDrop}
}

// NewWeak wraps a row pointer returned by a query; it never owns the slot.
func NewWeak(table TableView, addr slab.Addr, bytes []byte, onDrop func()) *Handle {
	refs := int32(1)
	return &Handle{kind: Weak, bytes: bytes, table: table, addr: addr, refs: &refs, onDrop: onDrop}
}

// NewPseudo wraps a stand-alone allocation: a merge accumulator or a
// binary-search key built from caller-supplied predicates.
func NewPseudo(table TableView, bytes []byte) *Handle {
	refs := int32(1)
	return &Handle{kind: Pseudo, bytes: bytes, table: table, refs: &refs}
}

// Ref increments the reference count and returns the same handle, so
// callers can write `h := other.Ref()` to hand out a second owner.
func (h *Handle) Ref() *Handle {
	atomic.AddInt32(h.refs, 1)
	return h
}

// Drop releases one reference. When the count reaches zero, an Owning
// handle's onFree runs (returning its slot to the allocator); any kind's
// onDrop runs (typically decrementing a subscription's outstanding-handle
// tracker). Dropping more times than Ref'd is a reference-counting
// violation: it is logged through tmlog.Fatalf, which terminates the
// process (exit status 2), mirroring the original's
// abort-on-negative-refcount fatal condition (spec §7).
func (h *Handle) Drop() error {
	n := atomic.AddInt32(h.refs, -1)
	if n < 0 {
		panic(refcountViolation(h))
	}
	if n > 0 {
		return nil
	}
	var err error
	if h.kind == Owning && h.onFree != nil {
		err = h.onFree()
	}
	if h.onDrop != nil {
		h.onDrop()
	}
	return err
}

// Kind reports the handle's ownership variant.
func (h *Handle) Kind() Kind { return h.kind }

// Addr is the handle's inode address; zero (NullAddr) for pseudo rows.
func (h *Handle) Addr() slab.Addr { return h.addr }

// Table returns the owning table view.
func (h *Handle) Table() TableView { return h.table }

// Bytes exposes the row's raw bytes, for merge/query code that needs to
// copy or compare whole rows rather than individual columns.
func (h *Handle) Bytes() []byte { return h.bytes }

func (h *Handle) column(name string) (ColumnInfo, []byte, bool) {
	ci, ok := h.table.Column(name)
	if !ok {
		return ColumnInfo{}, nil, false
	}
	return ci, h.bytes[ci.Offset : ci.Offset+ci.Size], true
}

// Int64 reads a signed column's value, sign-extended from its declared
// width. Missing columns read as 0, so a query spanning heterogeneous
// union children whose tables differ in column set degrades gracefully.
func (h *Handle) Int64(name string) int64 {
	_, b, ok := h.column(name)
	if !ok {
		return 0
	}
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		return int64(binary.LittleEndian.Uint64(b))
	default:
		return 0
	}
}

// Uint64 reads an unsigned column's value. Missing columns read as 0.
func (h *Handle) Uint64(name string) uint64 {
	_, b, ok := h.column(name)
	if !ok {
		return 0
	}
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		return 0
	}
}

// Text reads a text column as a NUL-truncated string. Missing columns
// read as "".
func (h *Handle) Text(name string) string {
	_, b, ok := h.column(name)
	if !ok {
		return ""
	}
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// Field reads a bin/hex column's raw bytes. Missing columns read as nil.
func (h *Handle) Field(name string) []byte {
	_, b, ok := h.column(name)
	if !ok {
		return nil
	}
	return b
}

// SetInt64 writes a signed column's value, truncated to its declared
// width. It is the caller's responsibility to only call this on an Owning
// or Pseudo handle they are populating.
func (h *Handle) SetInt64(name string, v int64) {
	_, b, ok := h.column(name)
	if !ok {
		return
	}
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}

// SetUint64 writes an unsigned column's value, truncated to its declared
// width.
func (h *Handle) SetUint64(name string, v uint64) {
	_, b, ok := h.column(name)
	if !ok {
		return
	}
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// SetText writes a text column, truncating to and NUL-padding its
// declared width.
func (h *Handle) SetText(name string, v string) {
	_, b, ok := h.column(name)
	if !ok {
		return
	}
	n := copy(b, v)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

// SetField writes a bin/hex column's raw bytes verbatim (truncated or
// zero-padded to the declared width).
func (h *Handle) SetField(name string, v []byte) {
	_, b, ok := h.column(name)
	if !ok {
		return
	}
	n := copy(b, v)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

package table

import (
	"encoding/binary"

	"github.com/bennbollay/tmstat/slab"
)

// descriptor row sizes, computed once from the fixed field layout (spec
// §6). Each fits in a small number of 64-byte lines.
const (
	tableDescSize  = (MaxNameLen + 1) + 4 + 4 + 2 + 2 + 1 + 2
	columnDescSize = (MaxNameLen + 1) + 2 + 2 + 2 + 1 + 1
	labelDescSize  = 8 + (MaxNameLen + 1) + 26 + 8
)

func putFixedString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

func getFixedString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// tableDescRow is the decoded form of a row in .table (struct tmstat_table
// in the original).
type tableDescRow struct {
	Name     string
	Inode    slab.Addr
	Rows     uint32
	RowSize  uint16
	Cols     uint16
	IsSorted bool
	TableID  uint16
}

func readTableDesc(b []byte) tableDescRow {
	name := getFixedString(b[0 : MaxNameLen+1])
	off := MaxNameLen + 1
	inode := slab.Addr(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	rows := binary.LittleEndian.Uint32(b[off:])
	off += 4
	rowsz := binary.LittleEndian.Uint16(b[off:])
	off += 2
	cols := binary.LittleEndian.Uint16(b[off:])
	off += 2
	sorted := b[off] != 0
	off++
	tid := binary.LittleEndian.Uint16(b[off:])
	return tableDescRow{Name: name, Inode: inode, Rows: rows, RowSize: rowsz, Cols: cols, IsSorted: sorted, TableID: tid}
}

func (d tableDescRow) put(b []byte) {
	putFixedString(b[0:MaxNameLen+1], d.Name)
	off := MaxNameLen + 1
	binary.LittleEndian.PutUint32(b[off:], uint32(d.Inode))
	off += 4
	binary.LittleEndian.PutUint32(b[off:], d.Rows)
	off += 4
	binary.LittleEndian.PutUint16(b[off:], d.RowSize)
	off += 2
	binary.LittleEndian.PutUint16(b[off:], d.Cols)
	off += 2
	if d.IsSorted {
		b[off] = 1
	} else {
		b[off] = 0
	}
	off++
	binary.LittleEndian.PutUint16(b[off:], d.TableID)
}

// tableDescInodeOffset/tableDescRowsOffset are the byte offsets within a tableDescRow
// of the fields the slab allocator mutates directly via AddrField/
// Uint32Field, bypassing a full decode/re-encode round trip on every row
// allocation.
const (
	tableDescInodeOffset = MaxNameLen + 1
	tableDescRowsOffset  = tableDescInodeOffset + 4
)

// columnDescRow is the decoded form of a row in .column (struct
// tmstat_column in the original).
type columnDescRow struct {
	Name    string
	TableID uint16
	Offset  uint16
	Size    uint16
	Type    ColumnType
	Rule    MergeRule
}

func readColumnDesc(b []byte) columnDescRow {
	name := getFixedString(b[0 : MaxNameLen+1])
	off := MaxNameLen + 1
	tid := binary.LittleEndian.Uint16(b[off:])
	off += 2
	offset := binary.LittleEndian.Uint16(b[off:])
	off += 2
	size := binary.LittleEndian.Uint16(b[off:])
	off += 2
	typ := ColumnType(b[off])
	off++
	rule := MergeRule(b[off])
	return columnDescRow{Name: name, TableID: tid, Offset: offset, Size: size, Type: typ, Rule: rule}
}

func (d columnDescRow) put(b []byte) {
	putFixedString(b[0:MaxNameLen+1], d.Name)
	off := MaxNameLen + 1
	binary.LittleEndian.PutUint16(b[off:], d.TableID)
	off += 2
	binary.LittleEndian.PutUint16(b[off:], d.Offset)
	off += 2
	binary.LittleEndian.PutUint16(b[off:], d.Size)
	off += 2
	b[off] = uint8(d.Type)
	off++
	b[off] = uint8(d.Rule)
}

// labelDescRow is the decoded form of a row in .label (struct
// tmstat_label in the original): one row per segment source.
type labelDescRow struct {
	Tree  string // up to 8 bytes, ASCII art prefix
	Name  string
	Ctime string // up to 26 bytes
	Time  int64
}

func readLabelDesc(b []byte) labelDescRow {
	tree := getFixedString(b[0:8])
	off := 8
	name := getFixedString(b[off : off+MaxNameLen+1])
	off += MaxNameLen + 1
	ctime := getFixedString(b[off : off+26])
	off += 26
	t := int64(binary.LittleEndian.Uint64(b[off:]))
	return labelDescRow{Tree: tree, Name: name, Ctime: ctime, Time: t}
}

func (d labelDescRow) put(b []byte) {
	putFixedString(b[0:8], d.Tree)
	off := 8
	putFixedString(b[off:off+MaxNameLen+1], d.Name)
	off += MaxNameLen + 1
	putFixedString(b[off:off+26], d.Ctime)
	off += 26
	binary.LittleEndian.PutUint64(b[off:], uint64(d.Time))
}

// tableDescColumns describes .table's own 5 self-described columns.
// inode and tableid are real fields of tableDescRow, touched directly by
// the allocator and by readTableDesc/put, but are never described as
// columns at all -- not even hidden ones -- matching tm_cols_table in the
// original, which lists exactly these 5.
var tableDescColumns = []ColumnSpec{
	{Name: "name", Offset: 0, Size: MaxNameLen + 1, Type: TypeText, Rule: RuleKey},
	{Name: "rows", Offset: tableDescRowsOffset, Size: 4, Type: TypeUnsigned, Rule: RuleSum},
	{Name: "rowsz", Offset: tableDescRowsOffset + 4, Size: 2, Type: TypeUnsigned, Rule: RuleMax},
	{Name: "cols", Offset: tableDescRowsOffset + 6, Size: 2, Type: TypeUnsigned, Rule: RuleMax},
	{Name: "is_sorted", Offset: tableDescRowsOffset + 8, Size: 1, Type: TypeUnsigned, Rule: RuleMin},
}

var labelDescColumns = []ColumnSpec{
	{Name: "tree", Offset: 0, Size: 8, Type: TypeText, Rule: RuleMin},
	{Name: "name", Offset: 8, Size: MaxNameLen + 1, Type: TypeText, Rule: RuleKey},
	{Name: "ctime", Offset: 8 + MaxNameLen + 1, Size: 26, Type: TypeText, Rule: RuleKey},
	{Name: "time", Offset: 8 + MaxNameLen + 1 + 26, Size: 8, Type: TypeSigned, Rule: RuleMax},
}

package table

import (
	"golang.org/x/xerrors"

	"github.com/bennbollay/tmstat/row"
	"github.com/bennbollay/tmstat/slab"
	"github.com/bennbollay/tmstat/tmstaterr"
)

// Table is an in-process handle on one table within a segment: its column
// layout, its data-row allocator, and the subset of columns that
// participate in row identity (the key columns).
type Table struct {
	store *Store

	name    string
	tableID uint16
	columns []row.ColumnInfo
	byName  map[string]row.ColumnInfo
	keyCols []row.ColumnInfo
	rowSize int
	sorted  bool

	alloc *slab.Allocator

	// descRow is this table's own descriptor row bytes, living inside
	// .table (every table, including .table itself, describes itself
	// this way). alloc.Root/alloc.RowCount alias directly into it, so the
	// allocator can bump rows/inode without a decode/re-encode round trip
	// on every allocation.
	descRow []byte
}

var _ row.TableView = (*Table)(nil)

// Name implements row.TableView.
func (t *Table) Name() string { return t.name }

// TableID implements row.TableView.
func (t *Table) TableID() uint16 { return t.tableID }

// RowSize implements row.TableView.
func (t *Table) RowSize() int { return t.rowSize }

// Columns implements row.TableView.
func (t *Table) Columns() []row.ColumnInfo { return t.columns }

// Column implements row.TableView.
func (t *Table) Column(name string) (row.ColumnInfo, bool) {
	ci, ok := t.byName[name]
	return ci, ok
}

// KeyColumns returns the columns that participate in row identity, in
// registration order.
func (t *Table) KeyColumns() []row.ColumnInfo { return t.keyCols }

// Sorted reports whether this table's rows are known to be in key order
// across slabs (only true for merge-to-file output, spec §4.6).
func (t *Table) Sorted() bool { return t.sorted }

// WantMerge reports whether any column has a non-key rule, meaning
// queries against this table must always run the merge pass (spec §4.3).
func (t *Table) WantMerge() bool {
	for _, c := range t.columns {
		if c.Rule != row.RuleKey {
			return true
		}
	}
	return false
}

// Slabs enumerates the table's data slabs in inode order (spec §4.1).
func (t *Table) Slabs() ([]uint32, error) { return t.alloc.Slabs() }

// Backing exposes the segment backing so package query can build
// slab.View windows directly, without table re-exporting one accessor per
// slab operation.
func (t *Table) Backing() slab.Backing { return t.alloc.Backing }

// RowCount returns the table descriptor's informational row count.
func (t *Table) RowCount() uint32 { return t.alloc.RowCount.Get() }

// MarkSorted sets the table's sorted flag, both in memory and in its
// persisted .table descriptor row, so subscribers opening this segment
// later see it too (spec §4.6 "Set the destination table's sorted flag").
func (t *Table) MarkSorted(v bool) { t.markSorted(v) }

// markSorted updates both the in-memory flag and the persisted descriptor
// byte in .table, since the descriptor row is how subscribers learn a
// table is binary-searchable.
func (t *Table) markSorted(v bool) {
	t.sorted = v
	if t.descRow == nil {
		return
	}
	if v {
		t.descRow[tableDescRowsOffset+8] = 1
	} else {
		t.descRow[tableDescRowsOffset+8] = 0
	}
}

// CreateRow allocates one row, zeroes it, and returns an Owning handle.
func (t *Table) CreateRow() (*row.Handle, error) {
	addr, bytes, err := t.alloc.AllocRow()
	if err != nil {
		return nil, xerrors.Errorf("create row in %s: %w", t.name, err)
	}
	for i := range bytes {
		bytes[i] = 0
	}
	t.markSorted(false)
	return row.NewOwning(t, addr, bytes, func() error { return t.alloc.FreeRow(addr) }, nil), nil
}

// CreateRows allocates n rows in a single batched pass (spec §4.1's
// batched slab-linking variant, used by the merge-to-file writer).
func (t *Table) CreateRows(n int) ([]*row.Handle, error) {
	addrs, rowBytes, err := t.alloc.AllocRowN(n)
	handles := make([]*row.Handle, len(addrs))
	for i, addr := range addrs {
		for j := range rowBytes[i] {
			rowBytes[i][j] = 0
		}
		a := addr
		handles[i] = row.NewOwning(t, a, rowBytes[i], func() error { return t.alloc.FreeRow(a) }, nil)
	}
	if err != nil {
		return handles, xerrors.Errorf("create %d rows in %s: %w", n, t.name, err)
	}
	t.markSorted(false)
	return handles, nil
}

// AllRows enumerates every live row in inode order, as Weak handles.
func (t *Table) AllRows() ([]*row.Handle, error) {
	slabs, err := t.alloc.Slabs()
	if err != nil {
		return nil, xerrors.Errorf("enumerate slabs of %s: %w", t.name, err)
	}
	var out []*row.Handle
	for _, idx := range slabs {
		view, err := slab.NewView(t.alloc.Backing, idx)
		if err != nil {
			return out, xerrors.Errorf("view slab %d of %s: %w", idx, t.name, err)
		}
		h, err := view.Header()
		if err != nil {
			return out, err
		}
		if !h.Valid() {
			return out, xerrors.Errorf("slab %d of %s: %w", idx, t.name, tmstaterr.ErrSegmentDamaged)
		}
		last := view.MaxRows(h.LinesPerRow)
		for r := 0; r < last; r++ {
			if h.Bitmap&(1<<uint(r)) == 0 {
				continue
			}
			out = append(out, row.NewWeak(t, slab.Row(idx, uint8(r)), view.RowBytes(r, h.LinesPerRow), nil))
		}
	}
	return out, nil
}

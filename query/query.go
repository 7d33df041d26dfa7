// Package query implements the query engine (spec §4.5): resolving a table
// and a conjunctive set of equality predicates against one segment, via
// either a binary-search fast path (sorted table, all-key predicates) or a
// linear scan. It returns rows unmerged; merging is left to callers.
package query

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/bennbollay/tmstat/row"
	"github.com/bennbollay/tmstat/slab"
	"github.com/bennbollay/tmstat/tmstaterr"
)

// Predicate is one (column, value) equality test. Value's length must
// match the column's declared size.
type Predicate struct {
	Column string
	Value  []byte
}

// Target is the minimal surface query needs from a table: its column
// layout, sortedness, data slabs, and the ability to wrap a slab index
// into a slab.View. table.Table satisfies this.
type Target interface {
	row.TableView
	Sorted() bool
	KeyColumns() []row.ColumnInfo
	Slabs() ([]uint32, error)
	Backing() slab.Backing
}

// Locator finds tables by name, so a union's per-child fan-out and a
// plain segment's direct lookup share one Run implementation. table.Store
// and subscribe.Union both implement this.
type Locator interface {
	Locate(name string) (Target, bool)
}

// Run resolves table against preds and returns every matching row as a
// weak handle, in slab-then-row order. It never merges; callers that want
// merged results pass the output to merge.Fold (merge.Query and
// subscribe's Union.Query do).
func Run(loc Locator, tableName string, preds []Predicate) ([]*row.Handle, error) {
	t, ok := loc.Locate(tableName)
	if !ok {
		return nil, nil
	}
	return RunTable(t, preds)
}

// RunTable resolves preds directly against one already-located table.
func RunTable(t Target, preds []Predicate) ([]*row.Handle, error) {
	cols := make([]row.ColumnInfo, len(preds))
	for i, p := range preds {
		ci, ok := t.Column(p.Column)
		if !ok {
			return nil, nil
		}
		if len(p.Value) != ci.Size {
			return nil, xerrors.Errorf("predicate %s: value width %d != column width %d: %w", p.Column, len(p.Value), ci.Size, tmstaterr.ErrInvalidArgument)
		}
		cols[i] = ci
	}

	if fast, ok := tryFastPath(t, preds, cols); ok {
		return fast, nil
	}
	return scan(t, preds, cols)
}

// tryFastPath attempts the binary-search path: the table must be sorted
// and preds must cover exactly the table's key columns.
func tryFastPath(t Target, preds []Predicate, cols []row.ColumnInfo) ([]*row.Handle, bool) {
	if !t.Sorted() {
		return nil, false
	}
	keys := t.KeyColumns()
	if len(preds) != len(keys) {
		return nil, false
	}
	byName := make(map[string][]byte, len(preds))
	for i, p := range preds {
		byName[p.Column] = p.Value
	}
	_ = cols
	keyBytes := make([]byte, 0, t.RowSize())
	for _, k := range keys {
		v, ok := byName[k.Name]
		if !ok {
			return nil, false
		}
		keyBytes = append(keyBytes, v...)
	}

	slabs, err := t.Slabs()
	if err != nil || len(slabs) == 0 {
		return nil, err == nil
	}

	lo, hi := 0, len(slabs)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		view, err := slab.NewView(t.Backing(), slabs[mid])
		if err != nil {
			return nil, false
		}
		h, err := view.Header()
		if err != nil {
			return nil, false
		}
		last := view.MaxRows(h.LinesPerRow)
		first := firstLiveRow(h.Bitmap, last)
		finalRow := lastLiveRow(h.Bitmap, last)
		if first < 0 {
			hi = mid - 1
			continue
		}
		firstKey := keyOf(view.RowBytes(first, h.LinesPerRow), keys)
		lastKey := keyOf(view.RowBytes(finalRow, h.LinesPerRow), keys)
		if cmpKey(keyBytes, keys, firstKey) < 0 {
			hi = mid - 1
			continue
		}
		if cmpKey(keyBytes, keys, lastKey) > 0 {
			lo = mid + 1
			continue
		}
		// Target key falls within this slab's range: scan it linearly.
		for r := 0; r < last; r++ {
			if h.Bitmap&(1<<uint(r)) == 0 {
				continue
			}
			bytes := view.RowBytes(r, h.LinesPerRow)
			if cmpKey(keyBytes, keys, keyOf(bytes, keys)) == 0 {
				return []*row.Handle{row.NewWeak(t, slab.Row(slabs[mid], uint8(r)), bytes, nil)}, true
			}
		}
		return nil, true
	}
	return nil, true
}

func firstLiveRow(bitmap uint64, last int) int {
	for r := 0; r < last; r++ {
		if bitmap&(1<<uint(r)) != 0 {
			return r
		}
	}
	return -1
}

func lastLiveRow(bitmap uint64, last int) int {
	for r := last - 1; r >= 0; r-- {
		if bitmap&(1<<uint(r)) != 0 {
			return r
		}
	}
	return -1
}

func keyOf(rowBytes []byte, keys []row.ColumnInfo) []byte {
	out := make([]byte, 0, len(rowBytes))
	for _, k := range keys {
		out = append(out, rowBytes[k.Offset:k.Offset+k.Size]...)
	}
	return out
}

// cmpKey compares two flat keys (key columns concatenated in keys order,
// as built by keyOf), per-column, numeric columns by value and everything
// else by byte compare (spec §4.6).
func cmpKey(flatKey []byte, keys []row.ColumnInfo, rowKey []byte) int {
	off := 0
	for _, k := range keys {
		a := flatKey[off : off+k.Size]
		b := rowKey[off : off+k.Size]
		off += k.Size
		if c := compareColumn(k, a, b); c != 0 {
			return c
		}
	}
	return 0
}

func compareColumn(ci row.ColumnInfo, a, b []byte) int {
	switch ci.Type {
	case row.TypeSigned:
		return compareSigned(a, b)
	case row.TypeUnsigned:
		return compareUnsigned(a, b)
	case row.TypeText:
		return bytes.Compare(truncateAtNUL(a), truncateAtNUL(b))
	default:
		// Hex and bin columns order by raw byte value (memcmp), not as a
		// little-endian integer.
		return bytes.Compare(a, b)
	}
}

func truncateAtNUL(b []byte) []byte {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return b[:n]
}

func compareUnsigned(a, b []byte) int {
	av, bv := widen(a), widen(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func widen(b []byte) uint64 {
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

func compareSigned(a, b []byte) int {
	av, bv := widenSigned(a), widenSigned(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func widenSigned(b []byte) int64 {
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

// scan is the linear-scan slow path (spec §4.5 step 5): every slab, every
// live row, testing each predicate.
func scan(t Target, preds []Predicate, cols []row.ColumnInfo) ([]*row.Handle, error) {
	slabs, err := t.Slabs()
	if err != nil {
		return nil, xerrors.Errorf("scan %s: %w", t.Name(), err)
	}
	var out []*row.Handle
	for _, idx := range slabs {
		view, err := slab.NewView(t.Backing(), idx)
		if err != nil {
			return out, err
		}
		h, err := view.Header()
		if err != nil {
			return out, err
		}
		if !h.Valid() {
			return out, xerrors.Errorf("scan %s: slab %d: %w", t.Name(), idx, tmstaterr.ErrSegmentDamaged)
		}
		last := view.MaxRows(h.LinesPerRow)
		for r := 0; r < last; r++ {
			if h.Bitmap&(1<<uint(r)) == 0 {
				continue
			}
			rowBytes := view.RowBytes(r, h.LinesPerRow)
			if matches(rowBytes, preds, cols) {
				out = append(out, row.NewWeak(t, slab.Row(idx, uint8(r)), rowBytes, nil))
			}
		}
	}
	return out, nil
}

func matches(rowBytes []byte, preds []Predicate, cols []row.ColumnInfo) bool {
	for i, p := range preds {
		ci := cols[i]
		field := rowBytes[ci.Offset : ci.Offset+ci.Size]
		if ci.Type == row.TypeText {
			if !bytes.Equal(truncateAtNUL(field), truncateAtNUL(p.Value)) {
				return false
			}
			continue
		}
		if !bytes.Equal(field, p.Value) {
			return false
		}
	}
	return true
}

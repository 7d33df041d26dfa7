// Package merge implements the merge engine (spec §4.6): folding rows that
// share a key across multiple source rows according to each column's merge
// rule, both for query-time result folding and for the sorted merge-to-file
// writer.
package merge

import (
	"encoding/binary"
	"sort"

	"golang.org/x/xerrors"

	"github.com/bennbollay/tmstat/query"
	"github.com/bennbollay/tmstat/row"
)

// Query runs preds against loc's table and folds the result if the table
// wants merging (spec §4.5 "If the table has want_merge set, a merge pass
// is applied to the result"). This is the composed, non-union query path;
// subscribe.Union fans out across children itself before folding, since a
// union's merge spans every child's contribution at once.
func Query(loc query.Locator, tableName string, preds []query.Predicate) ([]*row.Handle, error) {
	t, ok := loc.Locate(tableName)
	if !ok {
		return nil, nil
	}
	rows, err := query.RunTable(t, preds)
	if err != nil {
		return nil, err
	}
	if !wantMerge(t) {
		return rows, nil
	}
	return Fold(t, rows), nil
}

func wantMerge(t row.TableView) bool {
	for _, c := range t.Columns() {
		if c.Rule != row.RuleKey {
			return true
		}
	}
	return false
}

// Destination is what the merge-to-file writer needs from a table it is
// populating: batched row creation and the ability to mark itself sorted.
// table.Table satisfies this.
type Destination interface {
	row.TableView
	CreateRows(n int) ([]*row.Handle, error)
	MarkSorted(bool)
}

// Fold combines rows sharing the same key columns according to each
// column's merge rule (spec §4.6 "query-time merge"), using an ordered
// map keyed by the row's key bytes -- the safe-language analogue of the
// original's block-allocated red-black tree (spec §9).
//
// An empty rows is returned unchanged. Otherwise rows with equal key bytes
// are always collapsed to one, even when the table has no non-key
// columns; callers that want every row of such a table skip Fold.
func Fold(t row.TableView, rows []*row.Handle) []*row.Handle {
	if len(rows) == 0 {
		return rows
	}
	keys := keyColumns(t)
	order := make([]string, 0, len(rows))
	acc := make(map[string]*row.Handle, len(rows))
	for _, r := range rows {
		k := string(keyBytes(r.Bytes(), keys))
		existing, ok := acc[k]
		if !ok {
			buf := make([]byte, len(r.Bytes()))
			copy(buf, r.Bytes())
			acc[k] = row.NewPseudo(t, buf)
			order = append(order, k)
			continue
		}
		applyRules(t, existing.Bytes(), r.Bytes())
	}
	out := make([]*row.Handle, len(order))
	for i, k := range order {
		out[i] = acc[k]
	}
	return out
}

func keyColumns(t row.TableView) []row.ColumnInfo {
	var keys []row.ColumnInfo
	for _, c := range t.Columns() {
		if c.Rule == row.RuleKey {
			keys = append(keys, c)
		}
	}
	return keys
}

func keyBytes(rowBytes []byte, keys []row.ColumnInfo) []byte {
	out := make([]byte, 0, len(rowBytes))
	for _, k := range keys {
		out = append(out, rowBytes[k.Offset:k.Offset+k.Size]...)
	}
	return out
}

// applyRules folds src into dst in place, column by column, per the rule
// table in spec §4.6.
func applyRules(t row.TableView, dst, src []byte) {
	for _, c := range t.Columns() {
		d := dst[c.Offset : c.Offset+c.Size]
		s := src[c.Offset : c.Offset+c.Size]
		switch c.Rule {
		case row.RuleKey:
			// identity; never modified.
		case row.RuleOr:
			for i := range d {
				d[i] |= s[i]
			}
		case row.RuleSum:
			sumInto(d, s)
		case row.RuleMin:
			if compare(c, s, d) < 0 {
				copy(d, s)
			}
		case row.RuleMax:
			if compare(c, s, d) > 0 {
				copy(d, s)
			}
		}
	}
}

func sumInto(d, s []byte) {
	switch len(d) {
	case 1:
		d[0] += s[0]
	case 2:
		binary.LittleEndian.PutUint16(d, binary.LittleEndian.Uint16(d)+binary.LittleEndian.Uint16(s))
	case 4:
		binary.LittleEndian.PutUint32(d, binary.LittleEndian.Uint32(d)+binary.LittleEndian.Uint32(s))
	case 8:
		binary.LittleEndian.PutUint64(d, binary.LittleEndian.Uint64(d)+binary.LittleEndian.Uint64(s))
	}
}

func compare(c row.ColumnInfo, a, b []byte) int {
	switch c.Type {
	case row.TypeSigned:
		av, bv := signedOf(a), signedOf(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case row.TypeUnsigned:
		av, bv := unsignedOf(a), unsignedOf(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	default:
		// Hex and bin columns order by raw byte value (memcmp), not as a
		// little-endian integer.
		for i := range a {
			if a[i] != b[i] {
				if a[i] < b[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	}
}

func unsignedOf(b []byte) uint64 {
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

func signedOf(b []byte) int64 {
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

// Source is one user table to be folded and written by WriteSortedFile:
// its column layout (for registering the destination table) and every row
// contributed by every child segment.
type Source struct {
	Name    string
	RowSize int
	Columns []row.ColumnInfo
	Rows    []*row.Handle
}

// WriteSortedFile performs the merge-to-file operation (spec §4.6): for
// each source table, fold all contributed rows by key, then allocate real
// destination rows in ascending key order (the folded rows are sorted with
// lessKey first) using CreateRows' batched-linking path, and mark the
// destination table sorted so subscribers get the binary-search fast
// path. The destination grows one slab at a time as rows are needed; no
// slabs are pre-allocated.
func WriteSortedFile(register func(name string, cols []row.ColumnInfo, rowSize int) (Destination, error), sources []Source) error {
	for _, src := range sources {
		dst, err := register(src.Name, src.Columns, src.RowSize)
		if err != nil {
			return xerrors.Errorf("merge-to-file: register %s: %w", src.Name, err)
		}
		merged := Fold(dst, src.Rows)
		sort.Slice(merged, func(i, j int) bool {
			return lessKey(dst, merged[i].Bytes(), merged[j].Bytes())
		})
		handles, err := dst.CreateRows(len(merged))
		if err != nil {
			return xerrors.Errorf("merge-to-file: allocate %s rows: %w", src.Name, err)
		}
		for i, h := range handles {
			copy(h.Bytes(), merged[i].Bytes())
		}
		dst.MarkSorted(true)
	}
	return nil
}

func lessKey(t row.TableView, a, b []byte) bool {
	keys := keyColumns(t)
	for _, k := range keys {
		c := compare(k, a[k.Offset:k.Offset+k.Size], b[k.Offset:k.Offset+k.Size])
		if c != 0 {
			return c < 0
		}
	}
	return false
}

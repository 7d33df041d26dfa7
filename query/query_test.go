package query_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bennbollay/tmstat/query"
	"github.com/bennbollay/tmstat/segment"
	"github.com/bennbollay/tmstat/table"
)

func newStore(t *testing.T) *table.Store {
	t.Helper()
	seg, err := segment.Create(segment.ModeAnon, "", 4096)
	if err != nil {
		t.Fatalf("segment.Create: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	s, err := table.Bootstrap(seg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return s
}

func fill(t *testing.T, tbl *table.Table, names []string, vals []uint64) {
	t.Helper()
	for i, name := range names {
		h, err := tbl.CreateRow()
		if err != nil {
			t.Fatalf("CreateRow: %v", err)
		}
		h.SetText("name", name)
		h.SetUint64("value", vals[i])
	}
}

func newTable(t *testing.T, s *table.Store) *table.Table {
	t.Helper()
	cols := []table.ColumnSpec{
		{Name: "name", Offset: 0, Size: 9, Type: table.TypeText, Rule: table.RuleKey},
		{Name: "value", Offset: 9, Size: 8, Type: table.TypeUnsigned, Rule: table.RuleSum},
	}
	tbl, err := s.Register("items", cols, 17)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return tbl
}

func TestRunTableScanPath(t *testing.T) {
	s := newStore(t)
	tbl := newTable(t, s)
	fill(t, tbl, []string{"a", "b", "c"}, []uint64{1, 2, 3})

	got, err := query.RunTable(tbl, []query.Predicate{{Column: "name", Value: []byte("b\x00\x00\x00\x00\x00\x00\x00\x00")}})
	if err != nil {
		t.Fatalf("RunTable: %v", err)
	}
	if len(got) != 1 || got[0].Text("name") != "b" {
		t.Fatalf("RunTable scan = %+v, want row b", got)
	}
}

func TestRunTableEmptyPredicateMatchesAll(t *testing.T) {
	s := newStore(t)
	tbl := newTable(t, s)
	fill(t, tbl, []string{"a", "b", "c"}, []uint64{1, 2, 3})

	got, err := query.RunTable(tbl, nil)
	if err != nil {
		t.Fatalf("RunTable: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("RunTable(nil) = %d rows, want 3", len(got))
	}
}

func TestRunTableFastPathMatchesScan(t *testing.T) {
	s := newStore(t)
	tbl := newTable(t, s)
	// Inserted already in ascending key order: the fast path's binary
	// search assumes the table's physical row order matches sorted key
	// order once MarkSorted(true) is set (that invariant is normally
	// established by merge.WriteSortedFile, not re-checked here).
	fill(t, tbl, []string{"a", "b", "c"}, []uint64{1, 2, 3})
	tbl.MarkSorted(true)

	nameVal := make([]byte, 9)
	copy(nameVal, "b")
	fast, err := query.RunTable(tbl, []query.Predicate{{Column: "name", Value: nameVal}})
	if err != nil {
		t.Fatalf("RunTable fast path: %v", err)
	}
	if len(fast) != 1 || fast[0].Text("name") != "b" {
		t.Fatalf("fast path = %+v, want row b", fast)
	}

	tbl.MarkSorted(false)
	slow, err := query.RunTable(tbl, []query.Predicate{{Column: "name", Value: nameVal}})
	if err != nil {
		t.Fatalf("RunTable scan path: %v", err)
	}
	if diff := cmp.Diff(fast[0].Text("name"), slow[0].Text("name")); diff != "" {
		t.Errorf("fast vs scan mismatch (-fast +scan):\n%s", diff)
	}
}

func TestRunTableMissingColumnReturnsNil(t *testing.T) {
	s := newStore(t)
	tbl := newTable(t, s)
	fill(t, tbl, []string{"a"}, []uint64{1})

	got, err := query.RunTable(tbl, []query.Predicate{{Column: "nonexistent", Value: []byte{0}}})
	if err != nil {
		t.Fatalf("RunTable: %v", err)
	}
	if got != nil {
		t.Errorf("RunTable with unknown column = %+v, want nil", got)
	}
}

func TestRunTableHexKeyOrdersByBytesNotValue(t *testing.T) {
	// Two hex keys whose byte order and little-endian numeric order
	// disagree: [0x01,0x02] < [0x02,0x01] by raw bytes, but as a
	// little-endian uint16 258 < 513 reverses which key sorts first.
	// The table is physically laid out in byte order (the only order
	// merge.WriteSortedFile would ever produce for a "others: memcmp"
	// column per spec.md:122), so the binary-search fast path must also
	// compare by bytes or it will fail to find the second key.
	s := newStore(t)
	cols := []table.ColumnSpec{
		{Name: "key", Offset: 0, Size: 2, Type: table.TypeHex, Rule: table.RuleKey},
	}
	tbl, err := s.Register("hexkeys", cols, 2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, k := range [][]byte{{0x01, 0x02}, {0x02, 0x01}} {
		h, err := tbl.CreateRow()
		if err != nil {
			t.Fatalf("CreateRow: %v", err)
		}
		h.SetField("key", k)
	}
	tbl.MarkSorted(true)

	got, err := query.RunTable(tbl, []query.Predicate{{Column: "key", Value: []byte{0x02, 0x01}}})
	if err != nil {
		t.Fatalf("RunTable: %v", err)
	}
	if len(got) != 1 || string(got[0].Field("key")) != string([]byte{0x02, 0x01}) {
		t.Fatalf("RunTable hex-key fast path = %+v, want row [0x02,0x01]", got)
	}
}

func TestRunLocatesByName(t *testing.T) {
	s := newStore(t)
	tbl := newTable(t, s)
	fill(t, tbl, []string{"only"}, []uint64{42})

	got, err := query.Run(s, "items", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0].Uint64("value") != 42 {
		t.Fatalf("Run = %+v", got)
	}

	got, err = query.Run(s, "missing-table", nil)
	if err != nil {
		t.Fatalf("Run(missing): %v", err)
	}
	if got != nil {
		t.Errorf("Run(missing-table) = %+v, want nil", got)
	}
}

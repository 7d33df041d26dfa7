package table

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bennbollay/tmstat/segment"
)

func newAnonStore(t *testing.T) *Store {
	t.Helper()
	seg, err := segment.Create(segment.ModeAnon, "", 4096)
	if err != nil {
		t.Fatalf("segment.Create: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	s, err := Bootstrap(seg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return s
}

func TestBootstrapSystemTables(t *testing.T) {
	s := newAnonStore(t)

	for _, name := range []string{".table", ".column", ".inode", ".label"} {
		if _, ok := s.Lookup(name); !ok {
			t.Errorf("bootstrap: missing system table %s", name)
		}
	}

	tt, _ := s.Lookup(".table")
	if got, want := len(tt.Columns()), 5; got != want {
		t.Errorf(".table column count = %d, want %d", got, want)
	}
	colT, _ := s.Lookup(".column")
	if got := len(colT.Columns()); got != 0 {
		t.Errorf(".column describes itself with %d columns, want 0", got)
	}
	inodeT, _ := s.Lookup(".inode")
	if got := len(inodeT.Columns()); got != 0 {
		t.Errorf(".inode describes itself with %d columns, want 0", got)
	}
	labelT, _ := s.Lookup(".label")
	if got, want := len(labelT.Columns()), 4; got != want {
		t.Errorf(".label column count = %d, want %d", got, want)
	}

	// .table's own descriptor row must itself be discoverable by scanning
	// .table (it describes itself).
	rows, err := tt.AllRows()
	if err != nil {
		t.Fatalf("AllRows: %v", err)
	}
	var sawTable, sawColumn bool
	for _, h := range rows {
		switch h.Text("name") {
		case ".table":
			sawTable = true
		case ".column":
			sawColumn = true
		}
	}
	if !sawTable || !sawColumn {
		t.Errorf("AllRows(.table) = sawTable:%v sawColumn:%v, want both true", sawTable, sawColumn)
	}
}

func TestRegisterAndCreateRows(t *testing.T) {
	s := newAnonStore(t)
	cols := []ColumnSpec{
		{Name: "name", Offset: 0, Size: 9, Type: TypeText, Rule: RuleKey},
		{Name: "count", Offset: 9, Size: 4, Type: TypeUnsigned, Rule: RuleSum},
	}
	tbl, err := s.Register("widgets", cols, 13)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	h, err := tbl.CreateRow()
	if err != nil {
		t.Fatalf("CreateRow: %v", err)
	}
	h.SetText("name", "sprocket")
	h.SetUint64("count", 7)

	rows, err := tbl.AllRows()
	if err != nil {
		t.Fatalf("AllRows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("AllRows: got %d rows, want 1", len(rows))
	}
	if got, want := rows[0].Text("name"), "sprocket"; got != want {
		t.Errorf("name = %q, want %q", got, want)
	}
	if got, want := rows[0].Uint64("count"), uint64(7); got != want {
		t.Errorf("count = %d, want %d", got, want)
	}

	// widgets must now show up described in .column, and listed in .table.
	colT, _ := s.Lookup(".column")
	var names []string
	colRows, _ := colT.AllRows()
	for _, h := range colRows {
		cd := readColumnDesc(h.Bytes())
		if cd.TableID == tbl.TableID() {
			names = append(names, cd.Name)
		}
	}
	want := []string{"name", "count"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf(".column rows for widgets (-want +got):\n%s", diff)
	}
}

func TestCreateRowsManySlabs(t *testing.T) {
	s := newAnonStore(t)
	cols := []ColumnSpec{
		{Name: "key", Offset: 0, Size: 8, Type: TypeUnsigned, Rule: RuleKey},
	}
	tbl, err := s.Register("counters", cols, 8)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// A 4096-byte page fits 63 8-byte rows; force several slabs' worth to
	// exercise inode-tree growth beyond a single leaf slab.
	const n = 200
	handles, err := tbl.CreateRows(n)
	if err != nil {
		t.Fatalf("CreateRows: %v", err)
	}
	for i, h := range handles {
		h.SetUint64("key", uint64(i))
	}

	slabs, err := tbl.Slabs()
	if err != nil {
		t.Fatalf("Slabs: %v", err)
	}
	if len(slabs) < 2 {
		t.Fatalf("Slabs() = %d, want >1 for %d rows", len(slabs), n)
	}

	rows, err := tbl.AllRows()
	if err != nil {
		t.Fatalf("AllRows: %v", err)
	}
	if len(rows) != n {
		t.Fatalf("AllRows = %d rows, want %d", len(rows), n)
	}
	seen := map[uint64]bool{}
	for _, h := range rows {
		seen[h.Uint64("key")] = true
	}
	if len(seen) != n {
		t.Errorf("distinct keys = %d, want %d", len(seen), n)
	}
}

func TestRegisterRejectsDuplicateAndDotPrefix(t *testing.T) {
	s := newAnonStore(t)
	cols := []ColumnSpec{{Name: "k", Offset: 0, Size: 1, Type: TypeUnsigned, Rule: RuleKey}}
	if _, err := s.Register(".bogus", cols, 1); err == nil {
		t.Error("Register(\".bogus\") succeeded, want error")
	}
	if _, err := s.Register("dup", cols, 1); err != nil {
		t.Fatalf("Register(dup): %v", err)
	}
	if _, err := s.Register("dup", cols, 1); err == nil {
		t.Error("Register(dup) twice succeeded, want error")
	}
}

func TestValidNameDigitStartRules(t *testing.T) {
	// Table names never allow a leading digit, even though column names do.
	if err := ValidTableName("0bad"); err == nil {
		t.Error("ValidTableName(\"0bad\") succeeded, want error")
	}
	if err := ValidTableName("widgets"); err != nil {
		t.Errorf("ValidTableName(\"widgets\") = %v, want nil", err)
	}
	if err := ValidTableName(".system"); err != nil {
		t.Errorf("ValidTableName(\".system\") = %v, want nil", err)
	}
	if err := ValidColumnName("0count"); err != nil {
		t.Errorf("ValidColumnName(\"0count\") = %v, want nil", err)
	}
	if err := ValidColumnName(".bogus"); err == nil {
		t.Error("ValidColumnName(\".bogus\") succeeded, want error (dot prefix is table-only)")
	}
}

func TestOpenReconstructsStore(t *testing.T) {
	seg, err := segment.Create(segment.ModeAnon, "", 4096)
	if err != nil {
		t.Fatalf("segment.Create: %v", err)
	}
	defer seg.Close()
	s, err := Bootstrap(seg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	cols := []ColumnSpec{
		{Name: "name", Offset: 0, Size: 9, Type: TypeText, Rule: RuleKey},
		{Name: "count", Offset: 9, Size: 4, Type: TypeUnsigned, Rule: RuleSum},
	}
	tbl, err := s.Register("widgets", cols, 13)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	h, err := tbl.CreateRow()
	if err != nil {
		t.Fatalf("CreateRow: %v", err)
	}
	h.SetText("name", "gear")
	h.SetUint64("count", 3)

	reopened, err := Open(seg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rt, ok := reopened.Lookup("widgets")
	if !ok {
		t.Fatal("Open: widgets table missing")
	}
	if diff := cmp.Diff([]string{"name", "count"}, columnNames(rt)); diff != "" {
		t.Errorf("reopened columns (-want +got):\n%s", diff)
	}
	rows, err := rt.AllRows()
	if err != nil {
		t.Fatalf("AllRows: %v", err)
	}
	if len(rows) != 1 || rows[0].Text("name") != "gear" || rows[0].Uint64("count") != 3 {
		t.Errorf("reopened row = %+v", rows)
	}
}

func columnNames(t *Table) []string {
	var out []string
	for _, c := range t.Columns() {
		out = append(out, c.Name)
	}
	return out
}

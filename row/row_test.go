package row_test

import (
	"testing"

	"github.com/bennbollay/tmstat/row"
	"github.com/bennbollay/tmstat/slab"
)

type fakeTable struct {
	cols []row.ColumnInfo
	size int
}

func (f fakeTable) Column(name string) (row.ColumnInfo, bool) {
	for _, c := range f.cols {
		if c.Name == name {
			return c, true
		}
	}
	return row.ColumnInfo{}, false
}
func (f fakeTable) Columns() []row.ColumnInfo { return f.cols }
func (f fakeTable) RowSize() int              { return f.size }
func (f fakeTable) TableID() uint16           { return 1 }
func (f fakeTable) Name() string              { return "fake" }

func newFakeTable() fakeTable {
	return fakeTable{
		cols: []row.ColumnInfo{
			{Name: "name", Offset: 0, Size: 9, Type: row.TypeText, Rule: row.RuleKey},
			{Name: "count", Offset: 9, Size: 8, Type: row.TypeUnsigned, Rule: row.RuleSum},
			{Name: "delta", Offset: 17, Size: 4, Type: row.TypeSigned, Rule: row.RuleSum},
			{Name: "blob", Offset: 21, Size: 3, Type: row.TypeBin, Rule: row.RuleOr},
		},
		size: 24,
	}
}

func TestHandleAccessorsRoundTrip(t *testing.T) {
	tv := newFakeTable()
	buf := make([]byte, tv.RowSize())
	h := row.NewPseudo(tv, buf)

	h.SetText("name", "eth0")
	h.SetUint64("count", 42)
	h.SetInt64("delta", -7)
	h.SetField("blob", []byte{1, 2, 3})

	if got, want := h.Text("name"), "eth0"; got != want {
		t.Errorf("Text(name) = %q, want %q", got, want)
	}
	if got, want := h.Uint64("count"), uint64(42); got != want {
		t.Errorf("Uint64(count) = %d, want %d", got, want)
	}
	if got, want := h.Int64("delta"), int64(-7); got != want {
		t.Errorf("Int64(delta) = %d, want %d", got, want)
	}
	if got, want := h.Field("blob"), []byte{1, 2, 3}; string(got) != string(want) {
		t.Errorf("Field(blob) = %v, want %v", got, want)
	}
}

func TestHandleSetTextPadsAndTruncates(t *testing.T) {
	tv := newFakeTable()
	buf := make([]byte, tv.RowSize())
	h := row.NewPseudo(tv, buf)

	h.SetText("name", "x")
	if got, want := h.Text("name"), "x"; got != want {
		t.Errorf("Text(name) after short write = %q, want %q", got, want)
	}
	raw := h.Field("name")
	for i := 1; i < len(raw); i++ {
		if raw[i] != 0 {
			t.Fatalf("SetText left non-zero byte at %d: %v", i, raw)
		}
	}

	h.SetText("name", "waytoolongforninebytes")
	if got, want := len(h.Field("name")), 9; got != want {
		t.Fatalf("Field(name) length = %d, want %d", got, want)
	}
	if got, want := h.Text("name"), "waytoolon"; got != want {
		t.Errorf("Text(name) after overlong write = %q, want %q (truncated to field width)", got, want)
	}
}

func TestHandleMissingColumnDegradesGracefully(t *testing.T) {
	tv := newFakeTable()
	buf := make([]byte, tv.RowSize())
	h := row.NewPseudo(tv, buf)

	if got := h.Uint64("nonexistent"); got != 0 {
		t.Errorf("Uint64(missing) = %d, want 0", got)
	}
	if got := h.Int64("nonexistent"); got != 0 {
		t.Errorf("Int64(missing) = %d, want 0", got)
	}
	if got := h.Text("nonexistent"); got != "" {
		t.Errorf("Text(missing) = %q, want \"\"", got)
	}
	if got := h.Field("nonexistent"); got != nil {
		t.Errorf("Field(missing) = %v, want nil", got)
	}
	// Writes to a missing column are no-ops, not panics.
	h.SetUint64("nonexistent", 1)
	h.SetText("nonexistent", "x")
	h.SetField("nonexistent", []byte{1})
}

func TestRefDelaysOnFreeUntilLastDrop(t *testing.T) {
	tv := newFakeTable()
	buf := make([]byte, tv.RowSize())
	freed := 0
	h := row.NewOwning(tv, slab.Row(0, 1), buf, func() error { freed++; return nil }, nil)

	h2 := h.Ref()
	if h2 != h {
		t.Fatal("Ref did not return the same handle")
	}
	if err := h.Drop(); err != nil {
		t.Fatalf("first Drop: %v", err)
	}
	if freed != 0 {
		t.Fatalf("onFree ran after first Drop with an outstanding Ref, freed=%d", freed)
	}
	if err := h.Drop(); err != nil {
		t.Fatalf("second Drop: %v", err)
	}
	if freed != 1 {
		t.Fatalf("onFree ran %d times after final Drop, want 1", freed)
	}
}

func TestWeakDropNeverCallsOnFree(t *testing.T) {
	tv := newFakeTable()
	buf := make([]byte, tv.RowSize())
	dropped := 0
	h := row.NewWeak(tv, slab.Row(0, 1), buf, func() { dropped++ })

	if err := h.Drop(); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if dropped != 1 {
		t.Errorf("onDrop called %d times, want 1", dropped)
	}
	if h.Kind() != row.Weak {
		t.Errorf("Kind() = %v, want Weak", h.Kind())
	}
}

func TestPseudoHandleHasNullAddr(t *testing.T) {
	tv := newFakeTable()
	buf := make([]byte, tv.RowSize())
	h := row.NewPseudo(tv, buf)
	if !h.Addr().IsNull() {
		t.Errorf("Pseudo handle Addr() = %v, want NullAddr", h.Addr())
	}
	if h.Kind() != row.Pseudo {
		t.Errorf("Kind() = %v, want Pseudo", h.Kind())
	}
}

func TestHandleBytesAndTableAccessors(t *testing.T) {
	tv := newFakeTable()
	buf := make([]byte, tv.RowSize())
	h := row.NewOwning(tv, slab.Row(2, 3), buf, func() error { return nil }, nil)

	if got, want := len(h.Bytes()), tv.RowSize(); got != want {
		t.Errorf("len(Bytes()) = %d, want %d", got, want)
	}
	if h.Table().Name() != "fake" {
		t.Errorf("Table().Name() = %q, want fake", h.Table().Name())
	}
	if got := h.Addr(); got.SlabIndex() != 2 || got.RowIndex() != 3 {
		t.Errorf("Addr() = %v, want slab=2 row=3", got)
	}
	if err := h.Drop(); err != nil {
		t.Fatalf("Drop: %v", err)
	}
}

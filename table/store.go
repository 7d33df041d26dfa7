package table

import (
	"fmt"
	"time"

	"golang.org/x/xerrors"

	"github.com/bennbollay/tmstat/query"
	"github.com/bennbollay/tmstat/row"
	"github.com/bennbollay/tmstat/slab"
	"github.com/bennbollay/tmstat/tmstaterr"
)

// Store is the in-process directory of every table in one segment: the
// four bootstrap system tables (.table, .column, .inode, .label) plus
// whatever user tables have been registered. It owns the segment's slab
// backing and hands out *Table handles.
type Store struct {
	backing slab.Backing

	byID   map[uint16]*Table
	byName map[string]*Table

	idCounter  uint16
	inodeAlloc *slab.Allocator
}

func buildColumns(specs []ColumnSpec, tableID uint16) ([]row.ColumnInfo, map[string]row.ColumnInfo, []row.ColumnInfo) {
	infos := make([]row.ColumnInfo, len(specs))
	byName := make(map[string]row.ColumnInfo, len(specs))
	var keys []row.ColumnInfo
	for i, c := range specs {
		ci := row.ColumnInfo{Name: c.Name, Offset: c.Offset, Size: c.Size, Type: c.Type, Rule: c.Rule}
		infos[i] = ci
		byName[c.Name] = ci
		if c.Rule == RuleKey {
			keys = append(keys, ci)
		}
	}
	return infos, byName, keys
}

func validateColumns(specs []ColumnSpec, rowSize int) error {
	type span struct{ start, end int }
	var spans []span
	seen := map[string]bool{}
	for _, c := range specs {
		if err := ValidColumnName(c.Name); err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		if c.Offset < 0 || c.Size <= 0 || c.Offset+c.Size > rowSize {
			return fmt.Errorf("column %q: offset/size %d/%d out of row bounds (rowsize %d)", c.Name, c.Offset, c.Size, rowSize)
		}
		for _, s := range spans {
			if c.Offset < s.end && s.start < c.Offset+c.Size {
				return fmt.Errorf("column %q overlaps another column", c.Name)
			}
		}
		spans = append(spans, span{c.Offset, c.Offset + c.Size})
	}
	return nil
}

// bootstrapFirstRow hand-allocates .table's very first row: its own
// descriptor, living inside its own first slab. Nothing in slab.Allocator
// can perform this step generically, because the Root/RowCount fields an
// Allocator needs don't exist until this very row is created (spec §9:
// "allocate the .table row before using it, mirroring the original's
// special-case during initial create").
func (s *Store) bootstrapFirstRow(rowSize int) (slab.Addr, []byte, error) {
	first, err := s.backing.Grow(1)
	if err != nil {
		return 0, nil, xerrors.Errorf("bootstrap .table: %w", err)
	}
	view, err := slab.NewView(s.backing, first)
	if err != nil {
		return 0, nil, err
	}
	lpr := slab.LinesPerRow(rowSize)
	view.SetHeader(slab.Header{
		Magic:           slab.Magic,
		TableID:         IDTable,
		LinesPerRow:     lpr,
		OwnInode:        slab.Leaf(first),
		OwningSegmentID: s.backing.ID(),
	})
	h, err := view.Header()
	if err != nil {
		return 0, nil, err
	}
	h.Bitmap |= 1
	view.SetHeader(h)
	return slab.Row(first, 0), view.RowBytes(0, lpr), nil
}

// register is the internal registration path shared by bootstrap and
// Register: it allocates tmtable's descriptor row inside .table, builds
// its allocator and Table handle, and -- mirroring the original's
// tmstat_table_register -- recurses to bootstrap .column first if this is
// the very first table ever registered (.table describing itself).
func (s *Store) register(name string, specs []ColumnSpec, rowSize int) (*Table, error) {
	tableID := s.idCounter
	bootstrapping := s.byID[IDTable] == nil

	var bytes []byte
	var err error
	if bootstrapping {
		_, bytes, err = s.bootstrapFirstRow(rowSize)
	} else {
		_, bytes, err = s.byID[IDTable].alloc.AllocRow()
	}
	if err != nil {
		return nil, xerrors.Errorf("register %s: %w", name, err)
	}
	for i := range bytes {
		bytes[i] = 0
	}
	tableDescRow{Name: name, Inode: 0, Rows: 0, RowSize: uint16(rowSize), Cols: uint16(len(specs)), IsSorted: false, TableID: tableID}.put(bytes)

	alloc := &slab.Allocator{
		Backing:  s.backing,
		TableID:  tableID,
		RowSize:  uint16(rowSize),
		Root:     slab.AddrField{Row: bytes, Offset: tableDescInodeOffset},
		RowCount: slab.Uint32Field{Row: bytes, Offset: tableDescRowsOffset},
		Inode:    s.inodeAlloc,
	}
	if bootstrapping {
		// This row IS slab 0's row 0: .table's root is that slab itself,
		// and its row count already includes its own descriptor row.
		alloc.Root.Set(slab.Leaf(0))
		alloc.RowCount.Set(1)
	}

	t := &Table{store: s, name: name, tableID: tableID, rowSize: rowSize, alloc: alloc, descRow: bytes}
	t.columns, t.byName, t.keyCols = buildColumns(specs, tableID)
	s.byID[tableID] = t
	s.byName[name] = t
	s.idCounter++

	if tableID == IDTable {
		if _, err := s.register(".column", nil, columnDescSize); err != nil {
			return nil, err
		}
	}

	if colTable := s.byID[IDColumn]; colTable != nil {
		for _, c := range specs {
			if c.Type == TypeHidden {
				continue
			}
			_, cbytes, err := colTable.alloc.AllocRow()
			if err != nil {
				return nil, xerrors.Errorf("register %s: describe column %s: %w", name, c.Name, err)
			}
			for i := range cbytes {
				cbytes[i] = 0
			}
			columnDescRow{Name: c.Name, TableID: tableID, Offset: uint16(c.Offset), Size: uint16(c.Size), Type: c.Type, Rule: c.Rule}.put(cbytes)
		}
	}
	return t, nil
}

// Bootstrap creates a brand-new segment's self-describing system tables:
// .table, .column (recursively, inside .table's own registration), .inode
// and .label. Mirrors _tmstat_create.
func Bootstrap(backing slab.Backing) (*Store, error) {
	s := &Store{backing: backing, byID: map[uint16]*Table{}, byName: map[string]*Table{}}
	if _, err := s.register(".table", tableDescColumns, tableDescSize); err != nil {
		return nil, xerrors.Errorf("bootstrap: %w", err)
	}
	if _, err := s.register(".inode", nil, slab.LineSize); err != nil {
		return nil, xerrors.Errorf("bootstrap: %w", err)
	}
	s.inodeAlloc = s.byID[IDInode].alloc
	for _, t := range s.byID {
		t.alloc.Inode = s.inodeAlloc
	}
	if _, err := s.register(".label", labelDescColumns, labelDescSize); err != nil {
		return nil, xerrors.Errorf("bootstrap: %w", err)
	}
	s.byID[IDLabel].alloc.Inode = s.inodeAlloc
	return s, nil
}

// Open reconstructs a Store by reading an existing segment's own .table
// and .column rows (spec §4.7: "reconstructing table handles by reading
// the segment's own .table and .column rows").
func Open(backing slab.Backing) (*Store, error) {
	s := &Store{backing: backing, byID: map[uint16]*Table{}, byName: map[string]*Table{}}

	view0, err := slab.NewView(backing, 0)
	if err != nil {
		return nil, xerrors.Errorf("open segment: %w", err)
	}
	h0, err := view0.Header()
	if err != nil {
		return nil, err
	}
	if !h0.Valid() || h0.TableID != IDTable {
		return nil, xerrors.Errorf("open segment: slab 0 is not .table: %w", tmstaterr.ErrSegmentDamaged)
	}
	row0 := view0.RowBytes(0, h0.LinesPerRow)
	desc0 := readTableDesc(row0)

	tableTable := &Table{store: s, name: ".table", tableID: IDTable, rowSize: int(desc0.RowSize), descRow: row0, sorted: desc0.IsSorted}
	tableTable.columns, tableTable.byName, tableTable.keyCols = buildColumns(tableDescColumns, IDTable)
	tableTable.alloc = &slab.Allocator{
		Backing: backing, TableID: IDTable, RowSize: desc0.RowSize,
		Root: slab.AddrField{Row: row0, Offset: tableDescInodeOffset}, RowCount: slab.Uint32Field{Row: row0, Offset: tableDescRowsOffset},
	}
	s.byID[IDTable] = tableTable
	s.byName[".table"] = tableTable

	descRows, err := tableTable.AllRows()
	if err != nil {
		return nil, xerrors.Errorf("open segment: scan .table: %w", err)
	}

	type pendingTable struct {
		desc  tableDescRow
		bytes []byte
	}
	var others []pendingTable
	for _, h := range descRows {
		d := readTableDesc(h.Bytes())
		if d.TableID == IDTable {
			continue
		}
		others = append(others, pendingTable{d, h.Bytes()})
	}

	var colTable *Table
	for _, p := range others {
		if p.desc.TableID != IDColumn {
			continue
		}
		colTable = &Table{store: s, name: p.desc.Name, tableID: IDColumn, rowSize: int(p.desc.RowSize), descRow: p.bytes, sorted: p.desc.IsSorted}
		colTable.columns, colTable.byName, colTable.keyCols = buildColumns(nil, IDColumn)
		colTable.alloc = &slab.Allocator{
			Backing: backing, TableID: IDColumn, RowSize: p.desc.RowSize,
			Root: slab.AddrField{Row: p.bytes, Offset: tableDescInodeOffset}, RowCount: slab.Uint32Field{Row: p.bytes, Offset: tableDescRowsOffset},
		}
		s.byID[IDColumn] = colTable
		s.byName[p.desc.Name] = colTable
		break
	}
	if colTable == nil {
		return nil, xerrors.Errorf("open segment: .column missing: %w", tmstaterr.ErrSegmentDamaged)
	}

	colRows, err := colTable.AllRows()
	if err != nil {
		return nil, xerrors.Errorf("open segment: scan .column: %w", err)
	}
	colsByTable := map[uint16][]ColumnSpec{}
	for _, h := range colRows {
		cd := readColumnDesc(h.Bytes())
		colsByTable[cd.TableID] = append(colsByTable[cd.TableID], ColumnSpec{Name: cd.Name, Offset: int(cd.Offset), Size: int(cd.Size), Type: cd.Type, Rule: cd.Rule})
	}

	maxID := IDUser - 1
	for _, p := range others {
		if p.desc.TableID == IDColumn {
			continue
		}
		cols := colsByTable[p.desc.TableID]
		t := &Table{store: s, name: p.desc.Name, tableID: p.desc.TableID, rowSize: int(p.desc.RowSize), descRow: p.bytes, sorted: p.desc.IsSorted}
		t.columns, t.byName, t.keyCols = buildColumns(cols, p.desc.TableID)
		t.alloc = &slab.Allocator{
			Backing: backing, TableID: p.desc.TableID, RowSize: p.desc.RowSize,
			Root: slab.AddrField{Row: p.bytes, Offset: tableDescInodeOffset}, RowCount: slab.Uint32Field{Row: p.bytes, Offset: tableDescRowsOffset},
		}
		s.byID[p.desc.TableID] = t
		s.byName[p.desc.Name] = t
		if p.desc.TableID > maxID {
			maxID = p.desc.TableID
		}
	}
	s.idCounter = maxID + 1

	inodeTable, ok := s.byID[IDInode]
	if !ok {
		return nil, xerrors.Errorf("open segment: .inode missing: %w", tmstaterr.ErrSegmentDamaged)
	}
	s.inodeAlloc = inodeTable.alloc
	for _, t := range s.byID {
		t.alloc.Inode = s.inodeAlloc
	}
	return s, nil
}

// Register validates and registers a new user table (spec §4.3). Names
// starting with '.' are reserved for the system tables created by
// Bootstrap.
func (s *Store) Register(name string, specs []ColumnSpec, rowSize int) (*Table, error) {
	if len(name) == 0 || name[0] == '.' {
		return nil, xerrors.Errorf("register %q: user table names must not start with '.': %w", name, tmstaterr.ErrInvalidArgument)
	}
	if err := ValidTableName(name); err != nil {
		return nil, xerrors.Errorf("register %q: %w", name, err)
	}
	if _, exists := s.byName[name]; exists {
		return nil, xerrors.Errorf("register %q: table already exists: %w", name, tmstaterr.ErrInvalidArgument)
	}
	if err := validateColumns(specs, rowSize); err != nil {
		return nil, xerrors.Errorf("register %q: %w", name, err)
	}
	return s.register(name, specs, rowSize)
}

// Lookup returns the table named name, if registered.
func (s *Store) Lookup(name string) (*Table, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// Locate implements query.Locator, so a single (non-union) segment's
// tables can be queried with the same query.Run call a union uses.
func (s *Store) Locate(name string) (query.Target, bool) {
	t, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return t, true
}

// ByID returns the table with the given id, if registered.
func (s *Store) ByID(id uint16) (*Table, bool) {
	t, ok := s.byID[id]
	return t, ok
}

// Tables returns every registered table, system and user alike.
func (s *Store) Tables() []*Table {
	out := make([]*Table, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t)
	}
	return out
}

// UserTables returns every registered table whose name does not begin
// with '.'.
func (s *Store) UserTables() []*Table {
	var out []*Table
	for _, t := range s.byID {
		if len(t.name) > 0 && t.name[0] != '.' {
			out = append(out, t)
		}
	}
	return out
}

// AddLabel inserts one row into .label identifying this segment's writer
// (spec §3 "one per source"; called once, at segment creation).
func (s *Store) AddLabel(writerName string, now time.Time) error {
	lt, ok := s.byID[IDLabel]
	if !ok {
		return xerrors.Errorf("add label: .label not bootstrapped: %w", tmstaterr.ErrInvalidArgument)
	}
	_, bytes, err := lt.alloc.AllocRow()
	if err != nil {
		return xerrors.Errorf("add label: %w", err)
	}
	for i := range bytes {
		bytes[i] = 0
	}
	labelDescRow{
		Tree:  "",
		Name:  writerName,
		Ctime: now.Format("Mon Jan  2 15:04:05 2006"),
		Time:  now.Unix(),
	}.put(bytes)
	return nil
}

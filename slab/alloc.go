package slab

import (
	"golang.org/x/xerrors"

	"github.com/bennbollay/tmstat/tmstaterr"
)

// Policy controls how many slabs are requested from the Backing at once.
// The "as-needed" policy (the zero value) extends by exactly one slab at a
// time; PreallocateSlabs > 1 requests a chunk up front and doles pages out
// of it on subsequent allocations, trading memory for fewer Grow calls.
// No caller in this module sets PreallocateSlabs, so every table,
// including the merge writer's destinations, grows one slab at a time.
type Policy struct {
	PreallocateSlabs uint32
}

// Allocator owns one table's row allocation bookkeeping: which slabs
// belong to the table, which of those are partially filled, and the
// table's inode tree (delegated to Inode, the allocator for the segment's
// .inode table -- self-referential when this Allocator IS the .inode
// table's allocator).
type Allocator struct {
	Backing Backing
	TableID uint16
	RowSize uint16
	Root     AddrField   // table descriptor's inode root field
	RowCount Uint32Field // table descriptor's informational row count field
	Inode    *Allocator  // allocator for the segment's .inode table
	Policy   Policy

	avail   []uint32 // slabs with at least one free row slot
	pending []uint32 // slabs grown ahead of need under PreallocateSlabs
}

// linesPerRow is this allocator's configured lines-per-row, derived once
// from RowSize.
func (a *Allocator) linesPerRow() uint16 { return LinesPerRow(int(a.RowSize)) }

func (a *Allocator) allocSlab() (uint32, error) {
	var first uint32
	if len(a.pending) > 0 {
		first = a.pending[0]
		a.pending = a.pending[1:]
	} else {
		n := uint32(1)
		if a.Policy.PreallocateSlabs > 1 {
			n = a.Policy.PreallocateSlabs
		}
		var err error
		first, err = a.Backing.Grow(n)
		if err != nil {
			return 0, xerrors.Errorf("grow backing by %d slabs: %w", n, err)
		}
		for i := uint32(1); i < n; i++ {
			a.pending = append(a.pending, first+i)
		}
	}
	view, err := NewView(a.Backing, first)
	if err != nil {
		return 0, err
	}
	view.SetHeader(Header{
		Magic:           Magic,
		TableID:         a.TableID,
		LinesPerRow:     a.linesPerRow(),
		OwnInode:        Leaf(first),
		OwningSegmentID: a.Backing.ID(),
	})
	return first, nil
}

// removeAvailAt performs an unordered (swap-with-last) removal, mirroring
// the original tmidx's documented "order is not preserved across removals"
// behavior.
func (a *Allocator) removeAvailAt(i int) {
	last := len(a.avail) - 1
	a.avail[i] = a.avail[last]
	a.avail = a.avail[:last]
}

// allocSlot picks a slab (reusing a partially-filled one if available),
// finds its first free row, marks it used, and maintains the
// partially-filled list. It does not touch the inode tree or row count.
// fresh reports whether slabIdx had no rows at all before this call, i.e.
// it still needs linking into the inode tree.
func (a *Allocator) allocSlot() (slabIdx uint32, rowIdx int, view View, fresh bool, err error) {
	existing := len(a.avail) > 0
	reused := false
	if existing {
		slabIdx = a.avail[0]
	} else if root := a.Root.Get(); root.IsLeaf() {
		// A lone slab whose rows were placed by hand (the bootstrap
		// descriptor rows) is not on avail yet: use its free rows first.
		if rv, verr := NewView(a.Backing, root.SlabIndex()); verr == nil {
			if rh, herr := rv.Header(); herr == nil && rh.Bitmap != uint64(1)<<uint(rv.MaxRows(rh.LinesPerRow))-1 {
				slabIdx, reused = root.SlabIndex(), true
			}
		}
	}
	if !existing && !reused {
		slabIdx, err = a.allocSlab()
		if err != nil {
			return 0, 0, View{}, false, err
		}
	}
	view, err = NewView(a.Backing, slabIdx)
	if err != nil {
		return 0, 0, View{}, false, err
	}
	h, err := view.Header()
	if err != nil {
		return 0, 0, View{}, false, err
	}
	last := view.MaxRows(h.LinesPerRow)
	line := 0
	for line < last && h.Bitmap&(1<<uint(line)) != 0 {
		line++
	}
	if line == last {
		return 0, 0, View{}, false, xerrors.Errorf("slab %d: bitmap saturated: %w", slabIdx, tmstaterr.ErrSegmentDamaged)
	}
	fresh = h.Bitmap == 0
	h.Bitmap |= 1 << uint(line)
	view.SetHeader(h)
	fullmap := uint64(1)<<uint(last) - 1
	if !existing && h.Bitmap != fullmap {
		a.avail = append(a.avail, slabIdx)
	}
	if existing && h.Bitmap == fullmap {
		a.removeAvailAt(0)
	}
	return slabIdx, line, view, fresh, nil
}

// AllocRow allocates one row, linking its slab into the table's inode tree
// as needed, and returns the row's inode address and byte view.
func (a *Allocator) AllocRow() (Addr, []byte, error) {
	slabIdx, line, view, _, err := a.allocSlot()
	if err != nil {
		return 0, nil, err
	}
	h, err := view.Header()
	if err != nil {
		return 0, nil, err
	}
	if err := a.link(slabIdx); err != nil {
		return 0, nil, xerrors.Errorf("link slab %d: %w", slabIdx, err)
	}
	a.RowCount.Add(1)
	return Row(slabIdx, uint8(line)), view.RowBytes(line, h.LinesPerRow), nil
}

// AllocRowN allocates n rows, deferring inode-tree linking to a single
// batched pass over whatever new slabs were created (spec §4.1's "batched
// variant"). Rows may span any number of slabs, old or new.
func (a *Allocator) AllocRowN(n int) ([]Addr, [][]byte, error) {
	addrs := make([]Addr, 0, n)
	rowBytes := make([][]byte, 0, n)
	var newSlabs []uint32
	for i := 0; i < n; i++ {
		slabIdx, line, view, fresh, err := a.allocSlot()
		if err != nil {
			return addrs, rowBytes, xerrors.Errorf("row %d/%d: %w", i, n, err)
		}
		if fresh {
			newSlabs = append(newSlabs, slabIdx)
		}
		h, err := view.Header()
		if err != nil {
			return addrs, rowBytes, err
		}
		addrs = append(addrs, Row(slabIdx, uint8(line)))
		rowBytes = append(rowBytes, view.RowBytes(line, h.LinesPerRow))
	}
	if err := a.LinkBatch(newSlabs); err != nil {
		return addrs, rowBytes, err
	}
	a.RowCount.Add(int32(n))
	return addrs, rowBytes, nil
}

// link inserts slabIdx into the table's inode tree if it is not already
// indexed. It is idempotent: slabs that are already indexed, or that are
// (still) the table's lone slab, are left untouched.
func (a *Allocator) link(slabIdx uint32) error {
	root := a.Root.Get()
	if root.IsNull() {
		a.Root.Set(Leaf(slabIdx))
		return nil
	}
	if root.SlabIndex() == slabIdx {
		return nil
	}
	view, err := NewView(a.Backing, slabIdx)
	if err != nil {
		return err
	}
	h, err := view.Header()
	if err != nil {
		return err
	}
	if !h.ParentInode.IsNull() {
		return nil
	}
	if root.IsLeaf() {
		addr, inodeBytes, err := a.Inode.AllocRow()
		if err != nil {
			return err
		}
		// a.Inode.AllocRow may have changed a.Root if a.Inode == a (the
		// .inode table indexing its own second slab).
		root = a.Root.Get()
		firstIdx := root.SlabIndex()
		firstView, err := NewView(a.Backing, firstIdx)
		if err != nil {
			return err
		}
		firstHeader, err := firstView.Header()
		if err != nil {
			return err
		}
		var ir InodeRow
		ir.Children[0] = Leaf(firstIdx)
		firstHeader.ParentInode = addr
		firstView.SetHeader(firstHeader)

		ir.Children[1] = Leaf(slabIdx)
		h.ParentInode = addr
		view.SetHeader(h)

		ir.Put(inodeBytes)
		a.Root.Set(addr)
		return nil
	}
	addr := root
	for {
		iv, err := NewView(a.Backing, addr.SlabIndex())
		if err != nil {
			return err
		}
		ir := iv.InodeRowAt(int(addr.RowIndex()))
		empty := -1
		for i, c := range ir.Children {
			if c.IsNull() {
				empty = i
				break
			}
		}
		if empty >= 0 {
			ir.Children[empty] = Leaf(slabIdx)
			iv.SetInodeRowAt(int(addr.RowIndex()), ir)
			h.ParentInode = addr
			view.SetHeader(h)
			return nil
		}
		if ir.Next.IsNull() {
			break
		}
		addr = ir.Next
	}
	newAddr, newBytes, err := a.Inode.AllocRow()
	if err != nil {
		return err
	}
	iv, err := NewView(a.Backing, addr.SlabIndex())
	if err != nil {
		return err
	}
	ir := iv.InodeRowAt(int(addr.RowIndex()))
	ir.Next = newAddr
	iv.SetInodeRowAt(int(addr.RowIndex()), ir)

	var newIR InodeRow
	newIR.Children[0] = Leaf(slabIdx)
	newIR.Put(newBytes)
	h.ParentInode = newAddr
	view.SetHeader(h)
	return nil
}

// LinkBatch inserts an ordered sequence of freshly-allocated, as-yet
// unindexed slabs into the table's inode tree in one pass: it fills any
// existing empty child slots, then allocates new inode rows 15 children
// at a time, rather than re-walking the chain once per slab.
func (a *Allocator) LinkBatch(slabs []uint32) error {
	if len(slabs) == 0 {
		return nil
	}
	n := 0
	if a.Root.Get().IsNull() {
		if err := a.link(slabs[n]); err != nil {
			return err
		}
		n++
		if n == len(slabs) {
			return nil
		}
	}
	for a.Root.Get().IsLeaf() {
		if err := a.link(slabs[n]); err != nil {
			return err
		}
		n++
		if n == len(slabs) {
			return nil
		}
	}
	addr := a.Root.Get()
	for {
		view, err := NewView(a.Backing, addr.SlabIndex())
		if err != nil {
			return err
		}
		ir := view.InodeRowAt(int(addr.RowIndex()))
		changed := false
		for i := range ir.Children {
			if !ir.Children[i].IsNull() {
				continue
			}
			slabIdx := slabs[n]
			ir.Children[i] = Leaf(slabIdx)
			sv, err := NewView(a.Backing, slabIdx)
			if err != nil {
				return err
			}
			sh, err := sv.Header()
			if err != nil {
				return err
			}
			sh.ParentInode = addr
			sv.SetHeader(sh)
			changed = true
			n++
			if n == len(slabs) {
				view.SetInodeRowAt(int(addr.RowIndex()), ir)
				return nil
			}
		}
		if changed {
			view.SetInodeRowAt(int(addr.RowIndex()), ir)
		}
		if ir.Next.IsNull() {
			break
		}
		addr = ir.Next
	}
	for n < len(slabs) {
		newAddr, newBytes, err := a.Inode.AllocRow()
		if err != nil {
			return err
		}
		view, err := NewView(a.Backing, addr.SlabIndex())
		if err != nil {
			return err
		}
		ir := view.InodeRowAt(int(addr.RowIndex()))
		ir.Next = newAddr
		view.SetInodeRowAt(int(addr.RowIndex()), ir)

		var nir InodeRow
		for i := 0; i < InodeEntries && n < len(slabs); i++ {
			slabIdx := slabs[n]
			nir.Children[i] = Leaf(slabIdx)
			sv, err := NewView(a.Backing, slabIdx)
			if err != nil {
				return err
			}
			sh, err := sv.Header()
			if err != nil {
				return err
			}
			sh.ParentInode = newAddr
			sv.SetHeader(sh)
			n++
		}
		nir.Put(newBytes)
		addr = newAddr
	}
	return nil
}

// FreeRow clears a row's bitmap bit, zeroes its bytes, and -- if its slab
// is now empty -- unlinks the slab from the inode tree (freeing the inode
// row too if that empties it in turn). Slabs themselves are never
// deallocated (spec §4.1: "this guarantees address stability for live row
// handles pointing into the slab").
func (a *Allocator) FreeRow(addr Addr) error {
	slabIdx := addr.SlabIndex()
	view, err := NewView(a.Backing, slabIdx)
	if err != nil {
		return err
	}
	h, err := view.Header()
	if err != nil {
		return err
	}
	if h.Magic != Magic || h.TableID != a.TableID {
		return xerrors.Errorf("free row: slab %d header mismatch: %w", slabIdx, tmstaterr.ErrSegmentDamaged)
	}
	last := view.MaxRows(h.LinesPerRow)
	fullmap := uint64(1)<<uint(last) - 1
	wasFull := h.Bitmap == fullmap
	rowIdx := int(addr.RowIndex())
	h.Bitmap &^= 1 << uint(rowIdx)
	view.SetHeader(h)
	rb := view.RowBytes(rowIdx, h.LinesPerRow)
	for i := range rb {
		rb[i] = 0
	}
	if wasFull {
		a.avail = append(a.avail, slabIdx)
	}
	if err := a.unlinkIfEmpty(slabIdx, h.Bitmap); err != nil {
		return err
	}
	a.RowCount.Add(-1)
	return nil
}

func (a *Allocator) unlinkIfEmpty(slabIdx uint32, bitmap uint64) error {
	root := a.Root.Get()
	if root.IsLeaf() && root.SlabIndex() == slabIdx {
		return nil
	}
	if bitmap != 0 {
		return nil
	}
	view, err := NewView(a.Backing, slabIdx)
	if err != nil {
		return err
	}
	h, err := view.Header()
	if err != nil {
		return err
	}
	parentAddr := h.ParentInode
	if parentAddr.IsNull() {
		return nil
	}
	piv, err := NewView(a.Backing, parentAddr.SlabIndex())
	if err != nil {
		return err
	}
	ir := piv.InodeRowAt(int(parentAddr.RowIndex()))
	leaf := Leaf(slabIdx)
	found := false
	for i, c := range ir.Children {
		if c == leaf {
			ir.Children[i] = NullAddr
			found = true
			break
		}
	}
	if !found {
		return xerrors.Errorf("free row: slab %d absent from parent inode row: %w", slabIdx, tmstaterr.ErrSegmentDamaged)
	}
	piv.SetInodeRowAt(int(parentAddr.RowIndex()), ir)
	h.ParentInode = NullAddr
	view.SetHeader(h)

	empty := true
	for _, c := range ir.Children {
		if !c.IsNull() {
			empty = false
			break
		}
	}
	if empty && ir.Next.IsNull() {
		return a.unlinkInodeRow(parentAddr)
	}
	return nil
}

// unlinkInodeRow splices addr out of the inode-row chain and frees its row
// slot in the .inode table.
func (a *Allocator) unlinkInodeRow(addr Addr) error {
	root := a.Root.Get()
	if root == addr {
		view, err := NewView(a.Backing, addr.SlabIndex())
		if err != nil {
			return err
		}
		ir := view.InodeRowAt(int(addr.RowIndex()))
		a.Root.Set(ir.Next)
		return a.Inode.FreeRow(addr)
	}
	cur := root
	for !cur.IsNull() {
		view, err := NewView(a.Backing, cur.SlabIndex())
		if err != nil {
			return err
		}
		ir := view.InodeRowAt(int(cur.RowIndex()))
		if ir.Next == addr {
			target, err := NewView(a.Backing, addr.SlabIndex())
			if err != nil {
				return err
			}
			targetIR := target.InodeRowAt(int(addr.RowIndex()))
			ir.Next = targetIR.Next
			view.SetInodeRowAt(int(cur.RowIndex()), ir)
			return a.Inode.FreeRow(addr)
		}
		cur = ir.Next
	}
	return xerrors.Errorf("free row: inode row %v absent from chain: %w", addr, tmstaterr.ErrSegmentDamaged)
}

// Slabs enumerates the table's data slabs in inode order (the order
// queries scan them in), matching tmstat_slab_idx.
func (a *Allocator) Slabs() ([]uint32, error) {
	root := a.Root.Get()
	if root.IsNull() {
		return nil, nil
	}
	if root.IsLeaf() {
		return []uint32{root.SlabIndex()}, nil
	}
	var out []uint32
	addr := root
	for !addr.IsNull() {
		view, err := NewView(a.Backing, addr.SlabIndex())
		if err != nil {
			return nil, err
		}
		ir := view.InodeRowAt(int(addr.RowIndex()))
		for _, c := range ir.Children {
			if !c.IsNull() {
				out = append(out, c.SlabIndex())
			}
		}
		addr = ir.Next
	}
	return out, nil
}

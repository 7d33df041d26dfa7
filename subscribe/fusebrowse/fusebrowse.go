// Package fusebrowse mounts a read-only FUSE view over a subscribed union:
// one directory per table, one file per row, each file holding that row's
// columns as "name=value" lines. It is additive to the core engine --
// nothing in package subscribe depends on it -- the union/row union view
// over package trees in the teacher's internal/fuse, now unioning table
// rows instead of package directories.
//
// The view is a snapshot taken at Mount time; browsing a live-refreshing
// union is out of scope here (remount to see new data), matching this
// package's role as an optional inspection tool rather than part of the
// hot query path.
package fusebrowse

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/bennbollay/tmstat/query"
	"github.com/bennbollay/tmstat/row"
	"github.com/bennbollay/tmstat/subscribe"
)

const rootInode fuseops.InodeID = 1

// tableInode packs a 1-based table index into the high 32 bits of an
// inode number; rowInode additionally packs a 1-based row index into the
// low 32 bits. Index 0 in the low bits means "the table directory itself".
func tableInode(tableIdx int) fuseops.InodeID {
	return fuseops.InodeID(tableIdx+1) << 32
}

func rowInode(tableIdx, rowIdx int) fuseops.InodeID {
	return tableInode(tableIdx) | fuseops.InodeID(rowIdx+1)
}

func splitInode(ino fuseops.InodeID) (tableIdx, rowIdx int) {
	return int(ino>>32) - 1, int(ino&0xFFFFFFFF) - 1
}

type tableView struct {
	name string
	rows [][]byte // one rendered snapshot per row, already formatted
}

// FS is a jacobsa/fuse.FileSystem presenting a union's tables as
// directories and its rows as files.
type FS struct {
	fuseutil.NotImplementedFileSystem

	mu     sync.Mutex
	tables []tableView
}

// New snapshots u's tables (the rows of a predicate-free Union.Query,
// folded by key where a table has non-key columns) into an FS ready to
// mount.
func New(u *subscribe.Union) (*FS, error) {
	names := u.Tables()
	sort.Strings(names)

	fs := &FS{tables: make([]tableView, len(names))}
	for i, name := range names {
		t, ok := u.Locate(name)
		if !ok {
			continue
		}
		handles, err := u.Query(name, nil)
		if err != nil {
			return nil, xerrors.Errorf("fusebrowse: query %s: %w", name, err)
		}
		rows := make([][]byte, len(handles))
		for j, h := range handles {
			rows[j] = []byte(renderRow(t, h))
		}
		fs.tables[i] = tableView{name: name, rows: rows}
	}
	return fs, nil
}

func renderRow(t query.Target, h *row.Handle) string {
	var out string
	for _, c := range t.Columns() {
		out += fmt.Sprintf("%s=%x\n", c.Name, h.Bytes()[c.Offset:c.Offset+c.Size])
	}
	return out
}

// Mount mounts fs at mountpoint read-only, returning a join function that
// blocks until the filesystem is unmounted, mirroring the teacher's
// fuse.Mount/mfs.Join pattern.
func Mount(mountpoint string, fs *FS) (join func(context.Context) error, err error) {
	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "tmstat",
		ReadOnly: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("fuse.Mount: %w", err)
	}
	return mfs.Join, nil
}

func dirAttrs() fuseops.InodeAttributes {
	now := time.Now()
	return fuseops.InodeAttributes{Nlink: 1, Mode: os.ModeDir | 0555, Atime: now, Mtime: now, Ctime: now}
}

func fileAttrs(size uint64) fuseops.InodeAttributes {
	now := time.Now()
	return fuseops.InodeAttributes{Size: size, Nlink: 1, Mode: 0444, Atime: now, Mtime: now, Ctime: now}
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if op.Inode == rootInode {
		op.Attributes = dirAttrs()
		return nil
	}
	tableIdx, rowIdx := splitInode(op.Inode)
	if tableIdx < 0 || tableIdx >= len(fs.tables) {
		return fuse.ENOENT
	}
	if rowIdx < 0 {
		op.Attributes = dirAttrs()
		return nil
	}
	if rowIdx >= len(fs.tables[tableIdx].rows) {
		return fuse.ENOENT
	}
	op.Attributes = fileAttrs(uint64(len(fs.tables[tableIdx].rows[rowIdx])))
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if op.Parent == rootInode {
		for i, t := range fs.tables {
			if t.name == op.Name {
				op.Entry.Child = tableInode(i)
				op.Entry.Attributes = dirAttrs()
				return nil
			}
		}
		return fuse.ENOENT
	}
	tableIdx, rowIdx := splitInode(op.Parent)
	if tableIdx < 0 || tableIdx >= len(fs.tables) || rowIdx >= 0 {
		return fuse.ENOENT
	}
	n, err := strconv.Atoi(op.Name)
	if err != nil || n < 0 || n >= len(fs.tables[tableIdx].rows) {
		return fuse.ENOENT
	}
	op.Entry.Child = rowInode(tableIdx, n)
	op.Entry.Attributes = fileAttrs(uint64(len(fs.tables[tableIdx].rows[n])))
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error { return nil }

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var entries []fuseutil.Dirent
	if op.Inode == rootInode {
		for i, t := range fs.tables {
			entries = append(entries, fuseutil.Dirent{
				Offset: fuseops.DirOffset(len(entries) + 1),
				Inode:  tableInode(i),
				Name:   t.name,
				Type:   fuseutil.DT_Directory,
			})
		}
	} else {
		tableIdx, rowIdx := splitInode(op.Inode)
		if tableIdx < 0 || tableIdx >= len(fs.tables) || rowIdx >= 0 {
			return fuse.EIO
		}
		for i := range fs.tables[tableIdx].rows {
			entries = append(entries, fuseutil.Dirent{
				Offset: fuseops.DirOffset(len(entries) + 1),
				Inode:  rowInode(tableIdx, i),
				Name:   strconv.Itoa(i),
				Type:   fuseutil.DT_File,
			})
		}
	}

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EIO
	}
	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error { return nil }

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	tableIdx, rowIdx := splitInode(op.Inode)
	if tableIdx < 0 || tableIdx >= len(fs.tables) || rowIdx < 0 || rowIdx >= len(fs.tables[tableIdx].rows) {
		return fuse.ENOENT
	}
	data := fs.tables[tableIdx].rows[rowIdx]
	if op.Offset >= int64(len(data)) {
		return nil
	}
	op.BytesRead = copy(op.Dst, data[op.Offset:])
	return nil
}

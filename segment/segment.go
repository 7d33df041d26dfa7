// Package segment implements a tmstat segment: a sequence of fixed-size
// slabs backed either by a growable file (publishers; subscribers mapping
// a published file) or by anonymous memory (short-lived pseudo segments
// used to stage rows before a table decides whether to keep them). It
// implements slab.Backing and owns the mmap lifecycle, including the
// publish-by-rename handoff and the live-extension path a subscriber uses
// when a publisher grows a file out from under it.
package segment

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/bennbollay/tmstat/internal/tmlog"
	"github.com/bennbollay/tmstat/slab"
	"github.com/bennbollay/tmstat/tmstaterr"
)

var _ slab.Backing = (*Segment)(nil)

// Mode distinguishes file-backed segments (persisted, publishable) from
// anonymous ones (pseudo rows, scratch tables, never published).
type Mode int

const (
	ModeFile Mode = iota
	ModeAnon
)

var nextID uint32

func allocID() uint32 { return atomic.AddUint32(&nextID, 1) }

// Segment is a growable sequence of mmap'd regions, each an exact multiple
// of PageSize bytes. Each Grow call adds one more region rather than
// remapping existing ones, so previously-returned SlabBytes slices stay
// valid for the Segment's entire lifetime -- the guarantee spec §4.1 calls
// "address stability for live row handles".
type Segment struct {
	mode     Mode
	id       uint32
	pageSize int
	writable bool

	mu      sync.Mutex
	f       *os.File
	size    int64 // file-backed: current file length
	regions [][]byte
}

// Create starts a new, empty writable segment. path is the eventual
// private-directory path for file-backed segments; it is ignored for
// ModeAnon. pageSize is typically slab.HostPageSize().
func Create(mode Mode, path string, pageSize int) (*Segment, error) {
	s := &Segment{mode: mode, id: allocID(), pageSize: pageSize, writable: true}
	if mode == ModeFile {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, xerrors.Errorf("create segment %s: %w", path, err)
		}
		s.f = f
	}
	return s, nil
}

// Open maps an existing file-backed segment read-only, for subscribers.
func Open(path string, pageSize int) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open segment %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("stat segment %s: %w", path, err)
	}
	s := &Segment{mode: ModeFile, id: allocID(), pageSize: pageSize, f: f}
	if fi.Size() > 0 {
		region, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, xerrors.Errorf("mmap segment %s: %w", path, err)
		}
		s.regions = append(s.regions, region)
		s.size = fi.Size()
	}
	return s, nil
}

// PageSize implements slab.Backing.
func (s *Segment) PageSize() int { return s.pageSize }

// ID implements slab.Backing.
func (s *Segment) ID() uint32 { return s.id }

// NumSlabs implements slab.Backing.
func (s *Segment) NumSlabs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numSlabsLocked()
}

func (s *Segment) numSlabsLocked() uint32 {
	var n uint32
	for _, r := range s.regions {
		n += uint32(len(r) / s.pageSize)
	}
	return n
}

// SlabBytes implements slab.Backing.
func (s *Segment) SlabBytes(index uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := index
	for _, r := range s.regions {
		slabs := uint32(len(r) / s.pageSize)
		if remaining < slabs {
			start := int(remaining) * s.pageSize
			return r[start : start+s.pageSize], nil
		}
		remaining -= slabs
	}
	return nil, xerrors.Errorf("slab %d out of range (have %d): %w", index, s.numSlabsLocked(), tmstaterr.ErrInvalidArgument)
}

// Grow implements slab.Backing. It is only valid on writable segments.
func (s *Segment) Grow(n uint32) (uint32, error) {
	if !s.writable {
		return 0, xerrors.Errorf("grow: segment is read-only: %w", tmstaterr.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.numSlabsLocked()
	length := int(n) * s.pageSize

	if s.mode == ModeAnon {
		region, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return 0, xerrors.Errorf("mmap anon region: %w", err)
		}
		s.regions = append(s.regions, region)
		return first, nil
	}

	offset := s.size
	if err := s.f.Truncate(offset + int64(length)); err != nil {
		return 0, xerrors.Errorf("grow segment file: %w", err)
	}
	region, err := unix.Mmap(int(s.f.Fd()), offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, xerrors.Errorf("mmap segment file region: %w", err)
	}
	s.regions = append(s.regions, region)
	s.size = offset + int64(length)
	return first, nil
}

// Ctime returns the file-backed segment's inode change time, used by
// subscribers to decide whether a refresh is warranted (spec §4.7).
// Anonymous segments have no ctime and return the zero value.
func (s *Segment) Ctime() (unix.Timespec, error) {
	if s.f == nil {
		return unix.Timespec{}, nil
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(s.f.Fd()), &st); err != nil {
		return unix.Timespec{}, xerrors.Errorf("fstat segment: %w", err)
	}
	return st.Ctim, nil
}

// Extend re-checks the backing file's length and maps any bytes the
// publisher has appended since the last Open/Extend call, without
// disturbing previously mapped regions (so previously issued row handles
// stay valid). It is the subscriber side of live extension (spec §4.7).
func (s *Segment) Extend() error {
	if s.f == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fi, err := s.f.Stat()
	if err != nil {
		return xerrors.Errorf("stat segment for extension: %w", err)
	}
	if fi.Size() <= s.size {
		return nil
	}
	delta := fi.Size() - s.size
	region, err := unix.Mmap(int(s.f.Fd()), s.size, int(delta), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return xerrors.Errorf("mmap extended region: %w", err)
	}
	s.regions = append(s.regions, region)
	s.size = fi.Size()
	return nil
}

// Publish atomically moves a private, writable segment's backing file into
// the published directory, using renameio for the atomic-rename guarantee
// subscribers depend on (they either see the whole old file or the whole
// new one, never a partial write). privatePath must be the path Create
// was opened with; publishedPath is the final visible location.
func Publish(privatePath, publishedPath string) error {
	t, err := renameio.TempFile("", publishedPath)
	if err != nil {
		return xerrors.Errorf("publish: stage temp file: %w", err)
	}
	defer t.Cleanup()
	src, err := os.Open(privatePath)
	if err != nil {
		return xerrors.Errorf("publish: open private segment: %w", err)
	}
	defer src.Close()
	if _, err := io.Copy(t, src); err != nil {
		return xerrors.Errorf("publish: copy to staged file: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("publish: atomic replace: %w", err)
	}
	if err := os.Remove(privatePath); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("publish: remove private segment: %w", err)
	}
	return nil
}

// Destroy unmaps and closes a private segment and removes its file --
// used when a publisher abandons a private segment instead of publishing
// it.
func (s *Segment) Destroy(path string) error {
	if err := s.Close(); err != nil {
		tmlog.Warnf(tmlog.Default, "destroy segment %s: close: %v", path, err)
	}
	if s.mode == ModeFile {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return xerrors.Errorf("destroy segment %s: %w", path, err)
		}
	}
	return nil
}

// Close unmaps every region and closes the backing file, if any. It does
// not remove the file: callers that want the file gone call Destroy or
// Unlink.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, r := range s.regions {
		if len(r) == 0 {
			continue
		}
		if err := unix.Munmap(r); err != nil && firstErr == nil {
			firstErr = xerrors.Errorf("munmap: %w", err)
		}
	}
	s.regions = nil
	if s.f != nil {
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = xerrors.Errorf("close segment file: %w", err)
		}
	}
	return firstErr
}

// Unlink removes a published or private segment's file from disk without
// requiring it to be mapped, used by subscribers pruning a departed
// publisher's stale file and by publishers retiring an old generation.
func Unlink(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("unlink segment %s: %w", path, err)
	}
	return nil
}

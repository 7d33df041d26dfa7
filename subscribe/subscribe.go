// Package subscribe implements the subscriber and union (spec §4.7):
// scanning a directory of published segments, reconstructing each as a
// child, and presenting them as one union that fans queries out to every
// child and folds the combined result. It also implements the
// swap-in-place freshness refresh, gated on no outstanding row handles.
package subscribe

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/bennbollay/tmstat/internal/tmlog"
	"github.com/bennbollay/tmstat/merge"
	"github.com/bennbollay/tmstat/query"
	"github.com/bennbollay/tmstat/row"
	"github.com/bennbollay/tmstat/segment"
	"github.com/bennbollay/tmstat/table"
)

// Child is one successfully opened segment file within a subscribed
// directory.
type Child struct {
	Path  string
	Seg   *segment.Segment
	Store *table.Store
}

// Union is an anonymous, data-less segment view (spec §4.7) over every
// child segment in a directory: its "tables" are the name-wise union of
// its children's user tables. Queries fan out to each child and the
// results are folded.
//
// Tables sharing a name across children are assumed to share an identical
// column layout -- the common case for a table registered the same way by
// every publisher (spec §8 scenarios A-C) -- so the first child to expose
// a given table name stands in as that table's representative schema for
// folding purposes.
type Union struct {
	dir      string
	pageSize int

	mu          sync.RWMutex
	children    []*Child
	byName      map[string]*table.Table
	dirCtime    unix.Timespec
	outstanding int64
}

// Subscribe opens every regular, non-hidden file in dir as a segment and
// returns the resulting union (spec §4.7 "stat the directory ... open
// each regular non-hidden file, and try each as a segment file").
func Subscribe(dir string, pageSize int) (*Union, error) {
	u := &Union{dir: dir, pageSize: pageSize}
	if err := u.rebuild(); err != nil {
		return nil, err
	}
	return u, nil
}

func dirCtime(dir string) (unix.Timespec, error) {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return unix.Timespec{}, xerrors.Errorf("stat %s: %w", dir, err)
	}
	return st.Ctim, nil
}

// candidateFiles lists dir's regular, non-hidden entries.
func candidateFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Errorf("read dir %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

// openChild opens one candidate file as a segment and reconstructs its
// table store. A bad file is reported via the returned error; rebuild logs
// and skips it rather than failing the whole subscribe (spec §8 scenario F
// "corruption resistance").
func openChild(path string, pageSize int) (*Child, error) {
	seg, err := segment.Open(path, pageSize)
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}
	store, err := table.Open(seg)
	if err != nil {
		seg.Close()
		return nil, xerrors.Errorf("read tables in %s: %w", path, err)
	}
	return &Child{Path: path, Seg: seg, Store: store}, nil
}

// rebuild constructs a fresh generation of children and swaps it into u
// under lock, then closes the previous generation -- the swap-in-place
// pattern of spec §4.7 and §9 ("the external handle is the cell").
func (u *Union) rebuild() error {
	paths, err := candidateFiles(u.dir)
	if err != nil {
		return err
	}

	children := make([]*Child, len(paths))
	g := new(errgroup.Group)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			c, err := openChild(p, u.pageSize)
			if err != nil {
				tmlog.Warnf(tmlog.Default, "subscribe %s: %v", u.dir, err)
				return nil
			}
			children[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	live := children[:0]
	byName := map[string]*table.Table{}
	for _, c := range children {
		if c == nil {
			continue
		}
		live = append(live, c)
		for _, t := range c.Store.UserTables() {
			if _, ok := byName[t.Name()]; !ok {
				byName[t.Name()] = t
			}
		}
	}

	ct, err := dirCtime(u.dir)
	if err != nil {
		return err
	}

	u.mu.Lock()
	old := u.children
	u.children = live
	u.byName = byName
	u.dirCtime = ct
	u.mu.Unlock()

	for _, c := range old {
		if err := c.Seg.Close(); err != nil {
			tmlog.Warnf(tmlog.Default, "subscribe %s: close stale child %s: %v", u.dir, c.Path, err)
		}
	}
	return nil
}

// Refresh rebuilds the union from its directory if the directory's ctime
// has advanced (or force is set) and no row handles are currently
// outstanding against it (spec §4.7 "Freshness"). If an outstanding handle
// blocks the refresh, the old state is left untouched and nil is returned:
// the caller simply sees stale data on this query, as documented.
func (u *Union) Refresh(force bool) error {
	if atomic.LoadInt64(&u.outstanding) != 0 {
		return nil
	}
	ct, err := dirCtime(u.dir)
	if err != nil {
		return err
	}
	u.mu.RLock()
	cur := u.dirCtime
	u.mu.RUnlock()
	if !force && ct == cur {
		return nil
	}
	return u.rebuild()
}

// Locate implements query.Locator at the union level.
func (u *Union) Locate(name string) (query.Target, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	t, ok := u.byName[name]
	if !ok {
		return nil, false
	}
	return t, true
}

// Query fans preds out against every child that carries tableName,
// concatenates the raw results, and folds them if the table wants merging
// (spec §4.5 "For a union segment the query runs against each child
// segment and the results are concatenated"). The returned handles track
// this union's outstanding-handle count, gating Refresh.
func (u *Union) Query(tableName string, preds []query.Predicate) ([]*row.Handle, error) {
	u.mu.RLock()
	children := u.children
	rep, hasTable := u.byName[tableName]
	u.mu.RUnlock()
	if !hasTable {
		return nil, nil
	}

	var all []*row.Handle
	for _, c := range children {
		t, ok := c.Store.Lookup(tableName)
		if !ok {
			continue
		}
		rows, err := query.RunTable(t, preds)
		if err != nil {
			return nil, xerrors.Errorf("query %s in %s: %w", tableName, c.Path, err)
		}
		all = append(all, rows...)
	}

	merged := all
	if wantsMerge(rep) {
		merged = merge.Fold(rep, all)
	}
	out := make([]*row.Handle, len(merged))
	for i, h := range merged {
		out[i] = u.wrap(h)
	}
	return out, nil
}

func wantsMerge(t *table.Table) bool { return t.WantMerge() }

// wrap re-issues h as a weak handle whose Drop decrements this union's
// outstanding-handle count, the signal Refresh checks before rebuilding.
func (u *Union) wrap(h *row.Handle) *row.Handle {
	atomic.AddInt64(&u.outstanding, 1)
	return row.NewWeak(h.Table(), h.Addr(), h.Bytes(), func() { atomic.AddInt64(&u.outstanding, -1) })
}

// Tables lists every user table name known across all children.
func (u *Union) Tables() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]string, 0, len(u.byName))
	for name := range u.byName {
		out = append(out, name)
	}
	return out
}

// Children returns the union's current generation of child segments, for
// callers that need direct access beyond Query's folded view.
func (u *Union) Children() []*Child {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*Child, len(u.children))
	copy(out, u.children)
	return out
}

// Close closes every child segment. The union itself owns no mapping of
// its own.
func (u *Union) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	var firstErr error
	for _, c := range u.children {
		if err := c.Seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	u.children = nil
	return firstErr
}

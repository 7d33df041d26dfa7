package subscribe

import (
	"time"

	"golang.org/x/xerrors"

	"github.com/bennbollay/tmstat/internal/env"
	"github.com/bennbollay/tmstat/merge"
	"github.com/bennbollay/tmstat/query"
	"github.com/bennbollay/tmstat/row"
	"github.com/bennbollay/tmstat/segment"
	"github.com/bennbollay/tmstat/slab"
	"github.com/bennbollay/tmstat/table"
)

// Snapshot performs the merge-to-file operation (spec §4.6): for every
// user table present in any child, gather all contributing rows, fold
// them to one row per key, and write the result into a brand-new segment
// with each table marked sorted, so its subscribers get the binary-search
// fast path. The new segment is published atomically into cfg's directory
// under name.
func (u *Union) Snapshot(cfg env.Config, name string, writer string) error {
	privatePath, err := cfg.PrivatePath(name)
	if err != nil {
		return xerrors.Errorf("snapshot %s: %w", name, err)
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = slab.HostPageSize()
	}
	seg, err := segment.Create(segment.ModeFile, privatePath, pageSize)
	if err != nil {
		return xerrors.Errorf("snapshot %s: %w", name, err)
	}
	store, err := table.Bootstrap(seg)
	if err != nil {
		seg.Destroy(privatePath)
		return xerrors.Errorf("snapshot %s: bootstrap: %w", name, err)
	}
	if err := store.AddLabel(writer, time.Now()); err != nil {
		seg.Destroy(privatePath)
		return xerrors.Errorf("snapshot %s: label: %w", name, err)
	}

	u.mu.RLock()
	children := u.children
	byName := u.byName
	u.mu.RUnlock()

	var sources []merge.Source
	for tableName, rep := range byName {
		var rows []*row.Handle
		for _, c := range children {
			t, ok := c.Store.Lookup(tableName)
			if !ok {
				continue
			}
			got, err := query.RunTable(t, nil)
			if err != nil {
				seg.Destroy(privatePath)
				return xerrors.Errorf("snapshot %s: read %s: %w", name, tableName, err)
			}
			rows = append(rows, got...)
		}
		sources = append(sources, merge.Source{
			Name:    tableName,
			RowSize: rep.RowSize(),
			Columns: rep.Columns(),
			Rows:    rows,
		})
	}

	register := func(tname string, cols []row.ColumnInfo, rowSize int) (merge.Destination, error) {
		specs := make([]table.ColumnSpec, len(cols))
		for i, c := range cols {
			specs[i] = table.ColumnSpec{Name: c.Name, Offset: c.Offset, Size: c.Size, Type: c.Type, Rule: c.Rule}
		}
		return store.Register(tname, specs, rowSize)
	}
	if err := merge.WriteSortedFile(register, sources); err != nil {
		seg.Destroy(privatePath)
		return xerrors.Errorf("snapshot %s: %w", name, err)
	}

	if err := seg.Close(); err != nil {
		return xerrors.Errorf("snapshot %s: close: %w", name, err)
	}
	publishedPath, err := cfg.PublishedPath(name)
	if err != nil {
		return xerrors.Errorf("snapshot %s: %w", name, err)
	}
	if err := segment.Publish(privatePath, publishedPath); err != nil {
		return xerrors.Errorf("snapshot %s: %w", name, err)
	}
	return segment.Unlink(privatePath)
}

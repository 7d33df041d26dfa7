// Package tmstaterr defines the failure kinds raised across the tmstat
// engine (see spec §7). Every package wraps a sentinel from here with
// xerrors.Errorf so callers can match on kind via errors.Is while still
// getting a descriptive message.
package tmstaterr

import "golang.org/x/xerrors"

// Sentinel error kinds. Wrap with xerrors.Errorf("detail: %w", Sentinel)
// at the point of failure; never return a sentinel bare.
var (
	// ErrInvalidArgument covers invalid names, column layout conflicts and
	// damaged core files. Segment corruption detected on read is reported
	// as ErrSegmentDamaged instead.
	ErrInvalidArgument = xerrors.New("invalid argument")

	// ErrOutOfMemory names an allocation failure. No function in this
	// module currently returns it.
	ErrOutOfMemory = xerrors.New("out of memory")

	// ErrSegmentDamaged covers bitmap saturation encountered during row
	// creation and segment corruption detected while opening or reading a
	// segment (table.Open, Table.AllRows, query scans, slab.FreeRow).
	ErrSegmentDamaged = xerrors.New("segment damaged")

	// ErrNotFound names a lookup (table, column, segment file) that found
	// nothing. No function in this module currently returns it: lookups
	// such as Store.Lookup and Table.Column report absence with a false ok
	// value instead.
	ErrNotFound = xerrors.New("not found")
)

// RefcountViolation is raised by row handles when a reference count would
// go negative. It is never returned to a caller: it is only ever passed to
// tmlog.Fatalf, which terminates the process, since it indicates a caller
// bug that cannot be safely recovered from (spec §7 "Fatal conditions").
type RefcountViolation struct {
	Detail string
}

func (e *RefcountViolation) Error() string {
	return "refcount violation: " + e.Detail
}

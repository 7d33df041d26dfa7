// Package table implements the table handle (spec §4.3): registration,
// column layout, row creation and enumeration, and the four bootstrap
// system tables (.table, .column, .inode, .label) that make a segment
// self-describing.
package table

import (
	"fmt"

	"github.com/bennbollay/tmstat/row"
)

// ColumnType and MergeRule are row's types, re-exported here so callers
// registering a table don't need to import row directly. They are not
// redefined in this package: a table.Table is handed to row.Handle
// accessors as a row.TableView, so the two packages must agree on the
// exact type, not merely a compatible shape.
type ColumnType = row.ColumnType

const (
	TypeSigned   = row.TypeSigned
	TypeUnsigned = row.TypeUnsigned
	TypeText     = row.TypeText
	TypeBin      = row.TypeBin
	TypeDec      = row.TypeDec
	TypeHex      = row.TypeHex
	TypeHidden   = row.TypeHidden
)

type MergeRule = row.MergeRule

const (
	RuleKey = row.RuleKey
	RuleOr  = row.RuleOr
	RuleSum = row.RuleSum
	RuleMin = row.RuleMin
	RuleMax = row.RuleMax
)

// MaxNameLen bounds table and column names (TM_MAX_NAME in the original;
// its numeric value lives in a header this port's source corpus didn't
// retain, so 32 is a deliberate choice documented in DESIGN.md).
const MaxNameLen = 32

// Bootstrap table ids, fixed by the wire format.
const (
	IDTable  uint16 = 0
	IDColumn uint16 = 1
	IDInode  uint16 = 2
	IDLabel  uint16 = 3
	IDUser   uint16 = 4
)

// ColumnSpec describes one field of a table a caller is registering.
// Offset/Size describe the field's placement within the table's fixed row
// layout, exactly as the original's TMCOL_* macros captured a C struct's
// field offsets.
type ColumnSpec struct {
	Name   string
	Offset int
	Size   int
	Type   ColumnType
	Rule   MergeRule
}

// Column is a registered column: a ColumnSpec plus the owning table's id.
type Column struct {
	ColumnSpec
	TableID uint16
}

func validNameLength(name string) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return fmt.Errorf("name %q: length must be 1..%d", name, MaxNameLen)
	}
	return nil
}

// ValidTableName checks spec §3's table-naming invariant: a table name
// starts with a lowercase letter (user tables) or a dot (the four bootstrap
// system tables). Unlike column names, a leading digit is not allowed.
func ValidTableName(name string) error {
	if err := validNameLength(name); err != nil {
		return err
	}
	c := name[0]
	if c == '.' {
		if len(name) < 2 {
			return fmt.Errorf("name %q: dot-prefixed name too short", name)
		}
		return nil
	}
	if !(c >= 'a' && c <= 'z') {
		return fmt.Errorf("name %q: must start with a lowercase letter or dot", name)
	}
	return nil
}

// ValidColumnName checks spec §3's column-naming invariant: column names
// start with a lowercase letter or digit (never a dot).
func ValidColumnName(name string) error {
	if err := validNameLength(name); err != nil {
		return err
	}
	c := name[0]
	if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') {
		return fmt.Errorf("name %q: must start with a lowercase letter or digit", name)
	}
	return nil
}

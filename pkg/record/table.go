// Package record provides the tabular model shared by the upstream client,
// the merger, and the sinks.
//
// An upstream response is a RecordSet: an ordered list of named tables. Each
// Table keeps its column order and stores row values as strings, exactly as
// they will later be written to a CSV sink. JSON nulls become empty strings.
package record

import (
	"strings"
)

// Table is one named, ordered table of rows.
//
// Rows are stored row-major; Rows[i][j] is the value of Columns[j] in row i.
// Every row has exactly len(Columns) values.
type Table struct {
	// Name is the upstream name of the table (e.g., "TeamStats"). May be empty.
	Name string

	// Columns is the ordered list of column names.
	Columns []string

	// Rows holds the row values aligned with Columns.
	Rows [][]string
}

// RecordSet is the full response for one identifier from one upstream query.
type RecordSet struct {
	Tables []*Table
}

// NormalizeColumn applies the column naming convention used by every sink:
// uppercase, spaces become underscores, and "%" becomes "_PCT".
//
// Examples:
//
//	"fg%"          → "FG_PCT"
//	"Team Id"      → "TEAM_ID"
//	"offensiveRating" → "OFFENSIVERATING"
func NormalizeColumn(name string) string {
	name = strings.ToUpper(name)
	name = strings.ReplaceAll(name, " ", "_")
	return strings.ReplaceAll(name, "%", "_PCT")
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Index returns the position of column, or -1 if absent.
func (t *Table) Index(column string) int {
	for i, c := range t.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// Has reports whether the table carries column.
func (t *Table) Has(column string) bool {
	return t.Index(column) >= 0
}

// Value returns the value of column in row i, or "" if the column is absent.
func (t *Table) Value(i int, column string) string {
	idx := t.Index(column)
	if idx < 0 || i < 0 || i >= len(t.Rows) {
		return ""
	}
	return t.Rows[i][idx]
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := &Table{
		Name:    t.Name,
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([][]string, len(t.Rows)),
	}
	for i, row := range t.Rows {
		out.Rows[i] = append([]string(nil), row...)
	}
	return out
}

// Normalize rewrites column names in place with NormalizeColumn and returns t.
func (t *Table) Normalize() *Table {
	if t == nil {
		return nil
	}
	for i, c := range t.Columns {
		t.Columns[i] = NormalizeColumn(c)
	}
	return t
}

// Stamp sets column to value on every row. The column is appended when the
// table does not carry it yet; an existing column is overwritten.
func (t *Table) Stamp(column, value string) *Table {
	idx := t.Index(column)
	if idx < 0 {
		t.Columns = append(t.Columns, column)
		for i := range t.Rows {
			t.Rows[i] = append(t.Rows[i], value)
		}
		return t
	}
	for i := range t.Rows {
		t.Rows[i][idx] = value
	}
	return t
}

// Empty reports whether the record set carries no rows at all.
//
// A response with tables that all have zero rows is empty: upstream sends
// the table skeletons even when it has nothing to return.
func (rs *RecordSet) Empty() bool {
	if rs == nil {
		return true
	}
	for _, t := range rs.Tables {
		if t.Len() > 0 {
			return false
		}
	}
	return true
}

// Table selects a table by name (case-insensitive) when name is set, or by
// position otherwise.
func (rs *RecordSet) Table(name string, index int) (*Table, bool) {
	if rs == nil {
		return nil, false
	}
	if name != "" {
		for _, t := range rs.Tables {
			if strings.EqualFold(t.Name, name) {
				return t, true
			}
		}
		return nil, false
	}
	if index < 0 || index >= len(rs.Tables) {
		return nil, false
	}
	return rs.Tables[index], true
}

// Clone returns a deep copy of the record set.
func (rs *RecordSet) Clone() *RecordSet {
	if rs == nil {
		return nil
	}
	out := &RecordSet{Tables: make([]*Table, len(rs.Tables))}
	for i, t := range rs.Tables {
		out.Tables[i] = t.Clone()
	}
	return out
}

// Normalize normalizes every table in place and returns rs.
func (rs *RecordSet) Normalize() *RecordSet {
	if rs == nil {
		return nil
	}
	for _, t := range rs.Tables {
		t.Normalize()
	}
	return rs
}

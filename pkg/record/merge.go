package record

import (
	"errors"
	"fmt"
)

// ErrMissingColumn indicates a table lacks a column the merge requires.
var ErrMissingColumn = errors.New("required column missing")

// MergeSpec configures a left join of a secondary record set onto a primary
// table.
type MergeSpec struct {
	// JoinKey is the normalized column shared by both sides (e.g., "TEAM_ID").
	JoinKey string

	// KeepColumns are the normalized secondary columns to carry onto the
	// primary (e.g., "PACE", "TS_PCT"). Every kept column is present in the
	// result, empty when the secondary has no matching data.
	KeepColumns []string
}

// Merge left-joins the secondary record set onto primary.
//
// Both sides are normalized first; the inputs are not modified. The secondary
// may hold several tables (team-level and player-level, for instance). The
// first table carrying the join key and at least one kept column is used;
// when none matches, the primary is returned with every kept column empty.
//
// The secondary is reduced to one row per key (first occurrence wins) before
// joining, so primary rows never fan out. Primary rows are always preserved.
// Kept columns the primary already carries are left untouched, and a kept
// column named twice is added once.
func Merge(primary *Table, secondary *RecordSet, spec MergeSpec) (*Table, error) {
	if primary == nil {
		return nil, fmt.Errorf("merge: primary table is nil")
	}
	out := primary.Clone().Normalize()
	joinKey := NormalizeColumn(spec.JoinKey)

	keep := make([]string, 0, len(spec.KeepColumns))
	seen := make(map[string]bool, len(spec.KeepColumns))
	for _, c := range spec.KeepColumns {
		c = NormalizeColumn(c)
		if c == joinKey || out.Has(c) || seen[c] {
			continue
		}
		seen[c] = true
		keep = append(keep, c)
	}
	if len(keep) == 0 {
		return out, nil
	}

	keyIdx := out.Index(joinKey)
	if keyIdx < 0 {
		return nil, fmt.Errorf("merge: primary table %q: %w: %s", primary.Name, ErrMissingColumn, joinKey)
	}

	match := findSecondary(secondary.Clone().Normalize(), joinKey, keep)

	lookup := map[string][]string{}
	if match != nil {
		lookup = reduceByKey(match, joinKey, keep)
	}

	out.Columns = append(out.Columns, keep...)
	for i, row := range out.Rows {
		vals, ok := lookup[row[keyIdx]]
		if !ok {
			vals = make([]string, len(keep))
		}
		out.Rows[i] = append(row, vals...)
	}
	return out, nil
}

// findSecondary returns the first table carrying joinKey and at least one of
// the kept columns.
func findSecondary(rs *RecordSet, joinKey string, keep []string) *Table {
	if rs == nil {
		return nil
	}
	for _, t := range rs.Tables {
		if !t.Has(joinKey) {
			continue
		}
		for _, c := range keep {
			if t.Has(c) {
				return t
			}
		}
	}
	return nil
}

// reduceByKey projects t onto keep and indexes it by joinKey, keeping the
// first row seen for each key.
func reduceByKey(t *Table, joinKey string, keep []string) map[string][]string {
	keyIdx := t.Index(joinKey)
	idx := make([]int, len(keep))
	for i, c := range keep {
		idx[i] = t.Index(c)
	}

	out := make(map[string][]string, len(t.Rows))
	for _, row := range t.Rows {
		key := row[keyIdx]
		if _, seen := out[key]; seen {
			continue
		}
		vals := make([]string, len(keep))
		for i, j := range idx {
			if j >= 0 {
				vals[i] = row[j]
			}
		}
		out[key] = vals
	}
	return out
}

package pipeline

import (
	"fmt"

	"github.com/3leaps/gamesync/pkg/manifest"
	"github.com/3leaps/gamesync/pkg/record"
	"github.com/3leaps/gamesync/pkg/sink"
	"github.com/3leaps/gamesync/pkg/upstream"
)

// Output describes how one sink table is produced from the fetched record
// sets of an identifier.
type Output struct {
	// Table is the sink destination.
	Table sink.Table

	// Source is manifest.SourcePrimary or manifest.SourceSecondary.
	Source string

	// TableName selects the source table by name; Index is used when empty.
	TableName string
	Index     int

	// Merge, when set, left-joins the secondary record set onto the
	// selected table.
	Merge *record.MergeSpec
}

// OutputsFromManifest builds the outputs of m for scope.
func OutputsFromManifest(m *manifest.Manifest, scope string) []Output {
	out := make([]Output, 0, len(m.Outputs))
	for _, o := range m.Outputs {
		src := o.Source
		if src == "" {
			src = manifest.SourcePrimary
		}
		po := Output{
			Table: sink.Table{
				Name: o.Name,
				Path: m.OutputPath(o, scope),
				Key:  append([]string(nil), o.Key...),
			},
			Source:    src,
			TableName: o.Table,
			Index:     o.Index,
		}
		if o.Merge != nil {
			po.Merge = &record.MergeSpec{
				JoinKey:     o.Merge.JoinKey,
				KeepColumns: append([]string(nil), o.Merge.Keep...),
			}
		}
		out = append(out, po)
	}
	return out
}

// Tables returns the sink tables of outputs.
func Tables(outputs []Output) []sink.Table {
	tables := make([]sink.Table, len(outputs))
	for i, o := range outputs {
		tables[i] = o.Table
	}
	return tables
}

func needsSecondary(outputs []Output) bool {
	for _, o := range outputs {
		if o.Source == manifest.SourceSecondary || o.Merge != nil {
			return true
		}
	}
	return false
}

// build produces the rows of o for id. Every row is stamped with idColumn.
// A response missing the selected table, or a merge that cannot find its
// join key, is a schema failure.
func (o Output) build(id, idColumn string, primary, secondary *record.RecordSet) (*record.Table, error) {
	rs := primary
	if o.Source == manifest.SourceSecondary {
		rs = secondary
	}

	t, ok := rs.Table(o.TableName, o.Index)
	if !ok {
		sel := o.TableName
		if sel == "" {
			sel = fmt.Sprintf("#%d", o.Index)
		}
		return nil, &upstream.FetchError{
			Op:   "Build",
			ID:   id,
			Kind: upstream.ErrSchema,
			Err:  fmt.Errorf("output %s: %s table %s not in response", o.Table.Name, o.Source, sel),
		}
	}

	var rows *record.Table
	if o.Merge != nil {
		merged, err := record.Merge(t, secondary, *o.Merge)
		if err != nil {
			return nil, &upstream.FetchError{Op: "Merge", ID: id, Kind: upstream.ErrSchema, Err: err}
		}
		rows = merged
	} else {
		rows = t.Clone().Normalize()
	}

	return rows.Stamp(record.NormalizeColumn(idColumn), id), nil
}

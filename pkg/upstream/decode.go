package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/3leaps/gamesync/pkg/record"
)

// wireTable is one entry of a stats-style response:
//
//	{"name": "TeamStats", "headers": ["GAME_ID", ...], "rowSet": [[...], ...]}
type wireTable struct {
	Name    string   `json:"name"`
	Headers []string `json:"headers"`
	RowSet  [][]any  `json:"rowSet"`
}

// Decode parses a stats-style JSON body into a RecordSet.
//
// Both the plural form ({"resultSets": [...]}) and the singular form
// ({"resultSet": {...}}) are accepted. Anything else is ErrSchema. Column
// names are returned as sent; normalization happens at merge time.
func Decode(body []byte) (*record.RecordSet, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	var tables []wireTable
	switch {
	case envelope["resultSets"] != nil:
		if err := decodeStrict(envelope["resultSets"], &tables); err != nil {
			return nil, fmt.Errorf("%w: resultSets: %v", ErrSchema, err)
		}
	case envelope["resultSet"] != nil:
		var single wireTable
		if err := decodeStrict(envelope["resultSet"], &single); err != nil {
			return nil, fmt.Errorf("%w: resultSet: %v", ErrSchema, err)
		}
		tables = []wireTable{single}
	default:
		return nil, fmt.Errorf("%w: no resultSets in response", ErrSchema)
	}

	rs := &record.RecordSet{Tables: make([]*record.Table, 0, len(tables))}
	for i, wt := range tables {
		t, err := toTable(wt)
		if err != nil {
			return nil, fmt.Errorf("%w: table %d (%s): %v", ErrSchema, i, wt.Name, err)
		}
		rs.Tables = append(rs.Tables, t)
	}
	return rs, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func toTable(wt wireTable) (*record.Table, error) {
	if len(wt.Headers) == 0 && len(wt.RowSet) > 0 {
		return nil, fmt.Errorf("rows without headers")
	}
	t := &record.Table{
		Name:    wt.Name,
		Columns: append([]string(nil), wt.Headers...),
		Rows:    make([][]string, 0, len(wt.RowSet)),
	}
	for r, raw := range wt.RowSet {
		if len(raw) != len(wt.Headers) {
			return nil, fmt.Errorf("row %d has %d values, want %d", r, len(raw), len(wt.Headers))
		}
		row := make([]string, len(raw))
		for c, v := range raw {
			s, err := formatValue(v)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %v", r, wt.Headers[c], err)
			}
			row[c] = s
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func formatValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

package sink

import (
	"github.com/3leaps/gamesync/pkg/record"
)

// Aliases maps a canonical key column to the historical names it has been
// published under. Lookup compares normalized column names.
type Aliases map[string][]string

// DefaultAliases returns the built-in alias table.
func DefaultAliases() Aliases {
	return Aliases{
		"GAME_ID":   {"GAMEID"},
		"TEAM_ID":   {"TEAMID"},
		"PLAYER_ID": {"PERSONID", "PLAYERID"},
	}
}

// With returns a copy of a extended by extra. Extra variants are appended
// after the built-in ones.
func (a Aliases) With(extra map[string][]string) Aliases {
	out := make(Aliases, len(a)+len(extra))
	for k, v := range a {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range extra {
		key := record.NormalizeColumn(k)
		for _, variant := range v {
			out[key] = append(out[key], record.NormalizeColumn(variant))
		}
	}
	return out
}

// Resolve finds the column in header that carries key, trying the key
// itself first and then its variants. It returns the header index.
func (a Aliases) Resolve(header []string, key string) (int, bool) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		n := record.NormalizeColumn(h)
		if _, dup := index[n]; !dup {
			index[n] = i
		}
	}

	key = record.NormalizeColumn(key)
	if i, ok := index[key]; ok {
		return i, true
	}
	for _, variant := range a[key] {
		if i, ok := index[record.NormalizeColumn(variant)]; ok {
			return i, true
		}
	}
	// Allow the key to be given as one of the variants.
	for canonical, variants := range a {
		for _, variant := range variants {
			if record.NormalizeColumn(variant) != key {
				continue
			}
			if i, ok := index[canonical]; ok {
				return i, true
			}
		}
	}
	return -1, false
}

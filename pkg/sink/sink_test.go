package sink

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/gamesync/pkg/record"
)

func teamRows(rows ...[]string) *record.Table {
	return &record.Table{
		Columns: []string{"GAME_ID", "TEAM_ID", "PTS"},
		Rows:    rows,
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestWriter_AppendWritesHeaderOncePerRun(t *testing.T) {
	ctx := context.Background()
	tbl := Table{Name: "team_games", Path: filepath.Join(t.TempDir(), "out", "team_games.csv")}

	w := NewWriter(nil, nil, nil)
	require.NoError(t, w.Append(ctx, tbl, teamRows([]string{"G1", "T1", "100"})))
	require.NoError(t, w.Append(ctx, tbl, teamRows([]string{"G2", "T1", "99"})))

	assert.Equal(t, "GAME_ID,TEAM_ID,PTS\nG1,T1,100\nG2,T1,99\n", readFile(t, tbl.Path))
	assert.True(t, w.State().Created(tbl.Path))
	assert.Equal(t, 2, w.State().RowsWritten(tbl.Path))
}

func TestWriter_AppendToExistingFileAlignsToHeader(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "team_games.csv")
	require.NoError(t, os.WriteFile(path, []byte("TEAM_ID,GAME_ID,PTS\nT9,G0,88\n"), 0o644))
	tbl := Table{Name: "team_games", Path: path}

	w := NewWriter(NewRunState(), nil, nil)
	require.NoError(t, w.Append(ctx, tbl, teamRows([]string{"G1", "T1", "100"})))

	assert.Equal(t, "TEAM_ID,GAME_ID,PTS\nT9,G0,88\nT1,G1,100\n", readFile(t, path))
	assert.False(t, w.State().Created(path))
}

func TestWriter_AppendAlignsNormalizedHeader(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "team_games.csv")
	require.NoError(t, os.WriteFile(path, []byte("game_id,TEAM_ID,pts\n"), 0o644))

	w := NewWriter(nil, nil, nil)
	require.NoError(t, w.Append(ctx, Table{Path: path}, teamRows([]string{"G1", "T1", "100"})))
	assert.Equal(t, "game_id,TEAM_ID,pts\nG1,T1,100\n", readFile(t, path))
}

func TestWriter_AppendSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "team_games.csv")
	require.NoError(t, os.WriteFile(path, []byte("GAME_ID,TEAM_ID,REB\n"), 0o644))

	w := NewWriter(nil, nil, nil)
	err := w.Append(ctx, Table{Path: path}, teamRows([]string{"G1", "T1", "100"}))
	require.Error(t, err)
	assert.True(t, IsSchemaMismatch(err))

	var sme *SchemaMismatchError
	require.ErrorAs(t, err, &sme)
	assert.Equal(t, []string{"REB"}, sme.Missing)
	assert.Equal(t, []string{"PTS"}, sme.Extra)

	assert.Equal(t, "GAME_ID,TEAM_ID,REB\n", readFile(t, path))
}

func TestWriter_AppendDropsPartialTrailingRow(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "team_games.csv")
	require.NoError(t, os.WriteFile(path, []byte("GAME_ID,TEAM_ID,PTS\nG1,T1,100\nG2,T"), 0o644))

	core, logs := observer.New(zap.WarnLevel)
	w := NewWriter(nil, nil, zap.New(core))
	require.NoError(t, w.Append(ctx, Table{Path: path}, teamRows([]string{"G2", "T1", "99"})))

	assert.Equal(t, "GAME_ID,TEAM_ID,PTS\nG1,T1,100\nG2,T1,99\n", readFile(t, path))
	assert.Equal(t, 1, logs.FilterMessage("Dropped partial trailing row").Len())
}

func TestWriter_AppendDropsTornQuotedRow(t *testing.T) {
	const head = "GAME_ID,TEAM_ID,PTS\nG1,\"T1\nwest\",100\n"

	tests := []struct {
		name string
		tail string
	}{
		{"inside quoted field", "G2,\"T2\nea"},
		{"after embedded newline", "G2,\"T2\n"},
		{"short unquoted row", "G2,T2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "team_games.csv")
			require.NoError(t, os.WriteFile(path, []byte(head+tt.tail), 0o644))

			core, logs := observer.New(zap.WarnLevel)
			w := NewWriter(nil, nil, zap.New(core))
			require.NoError(t, w.Append(context.Background(), Table{Path: path}, teamRows([]string{"G2", "T1", "99"})))

			assert.Equal(t, head+"G2,T1,99\n", readFile(t, path))
			assert.Equal(t, 1, logs.FilterMessage("Dropped partial trailing row").Len())
		})
	}
}

func TestWriter_AppendKeepsMalformedInteriorRow(t *testing.T) {
	const content = "GAME_ID,TEAM_ID,PTS\nG1,T1\nG2,T1,99\n"
	path := filepath.Join(t.TempDir(), "team_games.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	core, logs := observer.New(zap.WarnLevel)
	w := NewWriter(nil, nil, zap.New(core))
	require.NoError(t, w.Append(context.Background(), Table{Path: path}, teamRows([]string{"G3", "T1", "101"})))

	assert.Equal(t, content+"G3,T1,101\n", readFile(t, path))
	assert.Equal(t, 1, logs.FilterMessage("Sink table has a malformed row").Len())
	assert.Zero(t, logs.FilterMessage("Dropped partial trailing row").Len())
}

func TestWriter_AppendNoRowsIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "team_games.csv")
	w := NewWriter(nil, nil, nil)
	require.NoError(t, w.Append(context.Background(), Table{Path: path}, &record.Table{Columns: []string{"GAME_ID"}}))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_NewRunStateDoesNotRewriteHeader(t *testing.T) {
	ctx := context.Background()
	tbl := Table{Path: filepath.Join(t.TempDir(), "team_games.csv")}

	require.NoError(t, NewWriter(nil, nil, nil).Append(ctx, tbl, teamRows([]string{"G1", "T1", "100"})))
	require.NoError(t, NewWriter(nil, nil, nil).Append(ctx, tbl, teamRows([]string{"G2", "T1", "99"})))

	content := readFile(t, tbl.Path)
	assert.Equal(t, 1, strings.Count(content, "GAME_ID"))
}

func TestWriter_DeduplicateConverges(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "team_games.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"GAME_ID,TEAM_ID,PTS",
		"G1,T1,100",
		"G1,T2,90",
		"G1,T1,100",
		"G2,T1,80",
		"G1,T2,91",
	}, "\n")+"\n"), 0o644))
	tbl := Table{Name: "team_games", Path: path, Key: []string{"GAME_ID", "TEAM_ID"}}

	w := NewWriter(nil, nil, nil)
	removed, err := w.Deduplicate(ctx, tbl)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, "GAME_ID,TEAM_ID,PTS\nG1,T1,100\nG1,T2,90\nG2,T1,80\n", readFile(t, path))

	removed, err = w.Deduplicate(ctx, tbl)
	require.NoError(t, err)
	assert.Zero(t, removed)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestWriter_DeduplicateResolvesAliases(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "player_games.csv")
	require.NoError(t, os.WriteFile(path, []byte("gameId,personId,points\nG1,P1,10\nG1,P1,10\nG1,P2,4\n"), 0o644))

	w := NewWriter(nil, nil, nil)
	removed, err := w.Deduplicate(ctx, Table{Path: path, Key: []string{"GAME_ID", "PLAYER_ID"}})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestWriter_DeduplicateExtraAliases(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pbp.csv")
	require.NoError(t, os.WriteFile(path, []byte("GAME_ID,EVENTNUM\nG1,1\nG1,1\n"), 0o644))

	aliases := DefaultAliases().With(map[string][]string{"action_number": {"eventnum"}})
	w := NewWriter(nil, aliases, nil)
	removed, err := w.Deduplicate(ctx, Table{Path: path, Key: []string{"GAME_ID", "ACTION_NUMBER"}})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestWriter_DeduplicateUnresolvedKeySkips(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "team_games.csv")
	original := "GAME_ID,PTS\nG1,1\nG1,1\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	core, logs := observer.New(zap.WarnLevel)
	w := NewWriter(nil, nil, zap.New(core))
	removed, err := w.Deduplicate(ctx, Table{Name: "team_games", Path: path, Key: []string{"GAME_ID", "TEAM_ID"}})
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, original, readFile(t, path))
	assert.Equal(t, 1, logs.FilterMessage("Dedup skipped, key column not found").Len())
}

func TestWriter_DeduplicateMissingFile(t *testing.T) {
	w := NewWriter(nil, nil, nil)
	removed, err := w.Deduplicate(context.Background(), Table{Path: filepath.Join(t.TempDir(), "nope.csv"), Key: []string{"GAME_ID"}})
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestWriter_IdentifiersAndCount(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "team_games.csv")
	require.NoError(t, os.WriteFile(path, []byte("GAMEID,TEAM_ID\nG1,T1\nG1,T2\nG3,T1\n"), 0o644))

	w := NewWriter(nil, nil, nil)
	ids, err := w.Identifiers(ctx, Table{Path: path}, "GAME_ID")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"G1": {}, "G3": {}}, ids)

	n, err := w.Count(ctx, Table{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = w.Identifiers(ctx, Table{Path: path}, "SEASON_ID")
	assert.ErrorIs(t, err, record.ErrMissingColumn)

	ids, err = w.Identifiers(ctx, Table{Path: filepath.Join(t.TempDir(), "absent.csv")}, "GAME_ID")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAliases_Resolve(t *testing.T) {
	a := DefaultAliases()
	header := []string{"gameId", "teamId", "PTS"}

	i, ok := a.Resolve(header, "GAME_ID")
	require.True(t, ok)
	assert.Equal(t, 0, i)

	i, ok = a.Resolve(header, "team_id")
	require.True(t, ok)
	assert.Equal(t, 1, i)

	i, ok = a.Resolve([]string{"GAME_ID", "PLAYER_ID"}, "PERSONID")
	require.True(t, ok)
	assert.Equal(t, 1, i)

	_, ok = a.Resolve(header, "PLAYER_ID")
	assert.False(t, ok)
}

// Package sink persists merged rows into append-only CSV tables.
//
// Appends are header-aware: a header row is written only when the file is
// created during the current run. Files that already existed keep their
// header, and new rows are aligned to it. Deduplicate compacts a table to one
// row per composite key by rewriting it through a temp file.
package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/gamesync/pkg/record"
)

var (
	// ErrPersist indicates rows could not be written durably. It is fatal
	// for a run.
	ErrPersist = errors.New("sink persist failed")

	// ErrSchemaMismatch indicates rows whose columns differ from the
	// destination's header.
	ErrSchemaMismatch = errors.New("sink schema mismatch")
)

// SchemaMismatchError reports a column set that does not match the header of
// an existing destination. No migration is attempted.
type SchemaMismatchError struct {
	Path    string
	Missing []string
	Extra   []string
}

// Error implements the error interface.
func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%s: %v (missing %v, unexpected %v)", e.Path, ErrSchemaMismatch, e.Missing, e.Extra)
}

// Unwrap returns ErrSchemaMismatch.
func (e *SchemaMismatchError) Unwrap() error { return ErrSchemaMismatch }

// IsSchemaMismatch returns true if err is a schema mismatch.
func IsSchemaMismatch(err error) bool {
	return errors.Is(err, ErrSchemaMismatch)
}

// Table is one configured destination.
type Table struct {
	// Name identifies the output (e.g., "team_games").
	Name string

	// Path is the CSV file path.
	Path string

	// Key lists the composite key columns used by Deduplicate.
	Key []string
}

// RunState tracks per-destination header state for a single run.
//
// It replaces process-wide flags: a fresh RunState means every destination
// is re-inspected on first append.
type RunState struct {
	mu      sync.Mutex
	headers map[string][]string
	created map[string]bool
	rows    map[string]int
}

// NewRunState returns an empty run state.
func NewRunState() *RunState {
	return &RunState{
		headers: make(map[string][]string),
		created: make(map[string]bool),
		rows:    make(map[string]int),
	}
}

// Created reports whether path was created during this run.
func (s *RunState) Created(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created[path]
}

// RowsWritten returns the number of rows appended to path during this run.
func (s *RunState) RowsWritten(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[path]
}

func (s *RunState) header(path string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headers[path]
	return h, ok
}

func (s *RunState) remember(path string, header []string, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[path] = header
	if created {
		s.created[path] = true
	}
}

func (s *RunState) addRows(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[path] += n
}

// Writer appends and compacts sink tables.
type Writer struct {
	mu      sync.Mutex
	state   *RunState
	aliases Aliases
	log     *zap.Logger
}

// NewWriter creates a writer. A nil state starts a new run, nil aliases use
// DefaultAliases, and a nil logger discards output.
func NewWriter(state *RunState, aliases Aliases, logger *zap.Logger) *Writer {
	if state == nil {
		state = NewRunState()
	}
	if aliases == nil {
		aliases = DefaultAliases()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{state: state, aliases: aliases, log: logger}
}

// State returns the writer's run state.
func (w *Writer) State() *RunState { return w.state }

// Append writes rows to t. The data is fsynced before Append returns.
//
// Rows are aligned to the destination header. A different column set yields
// a *SchemaMismatchError and nothing is written.
func (w *Writer) Append(ctx context.Context, t Table, rows *record.Table) error {
	if rows == nil || rows.Len() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	header, known := w.state.header(t.Path)
	create := false
	if !known {
		existing, err := w.inspect(t.Path)
		if err != nil {
			return err
		}
		if existing == nil {
			header = append([]string(nil), rows.Columns...)
			create = true
		} else {
			header = existing
			w.state.remember(t.Path, header, false)
		}
	}

	aligned, err := align(t.Path, header, rows)
	if err != nil {
		return err
	}

	// #nosec G302 G304 -- sink path comes from the job manifest
	f, err := os.OpenFile(t.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrPersist, t.Path, err)
	}

	cw := csv.NewWriter(f)
	if create {
		if err := cw.Write(header); err != nil {
			_ = f.Close()
			return fmt.Errorf("%w: header %s: %v", ErrPersist, t.Path, err)
		}
	}
	if err := cw.WriteAll(aligned); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrPersist, t.Path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrPersist, t.Path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrPersist, t.Path, err)
	}

	if create {
		w.state.remember(t.Path, header, true)
		w.log.Debug("Created sink table", zap.String("table", t.Name), zap.String("path", t.Path), zap.Strings("columns", header))
	}
	w.state.addRows(t.Path, len(aligned))
	return nil
}

// inspect prepares an existing destination for appending and returns its
// header. It returns nil for a missing or empty file. A trailing partial row
// left by an interrupted write is cut off.
func (w *Writer) inspect(path string) ([]string, error) {
	// #nosec G304 -- sink path comes from the job manifest
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			dir := filepath.Dir(filepath.Clean(path))
			// #nosec G301 -- data directories use 0755 for multi-user access compatibility
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("%w: create directory: %v", ErrPersist, err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrPersist, path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if len(data) > 0 {
			if err := os.Truncate(path, 0); err != nil {
				return nil, fmt.Errorf("%w: truncate %s: %v", ErrPersist, path, err)
			}
		}
		return nil, nil
	}

	cut, malformed := completeRows(data)
	if malformed != nil {
		w.log.Warn("Sink table has a malformed row", zap.String("path", path), zap.Error(malformed))
	}
	if cut == 0 {
		return nil, fmt.Errorf("%w: %s has no complete header row", ErrPersist, path)
	}
	if cut < len(data) {
		if err := os.Truncate(path, int64(cut)); err != nil {
			return nil, fmt.Errorf("%w: truncate partial row in %s: %v", ErrPersist, path, err)
		}
		w.log.Warn("Dropped partial trailing row", zap.String("path", path), zap.Int("bytes", len(data)-cut))
		data = data[:cut]
	}

	header, err := csv.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	return header, nil
}

// completeRows returns the length of the prefix of data made of whole,
// newline-terminated CSV records. Quoted fields may span lines, so the cut is
// taken from the reader's offsets rather than the last newline byte.
//
// A record that fails to parse is only treated as torn when it runs to the
// end of data. An earlier bad record is returned as malformed and the whole
// of data is kept.
func completeRows(data []byte) (int, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.ReuseRecord = true
	good := 0
	for {
		_, err := r.Read()
		off := int(r.InputOffset())
		switch {
		case err == io.EOF:
			return good, nil
		case err != nil && off < len(data):
			return len(data), err
		case err != nil:
			return good, nil
		case data[off-1] == '\n':
			good = off
		}
	}
}

func align(path string, header []string, rows *record.Table) ([][]string, error) {
	pos := make([]int, len(header))
	var missing []string
	used := make(map[int]bool, len(header))
	for i, h := range header {
		j := rows.Index(h)
		if j < 0 {
			j = rows.Index(record.NormalizeColumn(h))
		}
		if j < 0 || used[j] {
			missing = append(missing, h)
			continue
		}
		pos[i] = j
		used[j] = true
	}
	var extra []string
	for j, c := range rows.Columns {
		if !used[j] {
			extra = append(extra, c)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		return nil, &SchemaMismatchError{Path: path, Missing: missing, Extra: extra}
	}

	out := make([][]string, len(rows.Rows))
	for r, row := range rows.Rows {
		aligned := make([]string, len(header))
		for i, j := range pos {
			aligned[i] = row[j]
		}
		out[r] = aligned
	}
	return out, nil
}

// Deduplicate rewrites t keeping the first row for each composite key and
// returns the number of rows removed.
//
// A missing file, or a key column that cannot be resolved through the alias
// table, skips the table with a diagnostic and reports zero. The rewrite goes
// through a temp file and rename so readers never observe a partial table.
func (w *Writer) Deduplicate(ctx context.Context, t Table) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	header, rows, err := readAll(t.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.log.Debug("Dedup skipped, table absent", zap.String("table", t.Name), zap.String("path", t.Path))
			return 0, nil
		}
		return 0, err
	}
	if header == nil {
		return 0, nil
	}
	if len(t.Key) == 0 {
		w.log.Warn("Dedup skipped, no key columns", zap.String("table", t.Name), zap.String("path", t.Path))
		return 0, nil
	}

	keyIdx := make([]int, 0, len(t.Key))
	for _, k := range t.Key {
		i, ok := w.aliases.Resolve(header, k)
		if !ok {
			w.log.Warn("Dedup skipped, key column not found",
				zap.String("table", t.Name),
				zap.String("path", t.Path),
				zap.String("key", k),
				zap.Strings("header", header))
			return 0, nil
		}
		keyIdx = append(keyIdx, i)
	}

	seen := make(map[string]struct{}, len(rows))
	kept := make([][]string, 0, len(rows))
	var sb strings.Builder
	for _, row := range rows {
		sb.Reset()
		for n, i := range keyIdx {
			if n > 0 {
				sb.WriteByte(0x1f)
			}
			if i < len(row) {
				sb.WriteString(row[i])
			}
		}
		k := sb.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, row)
	}

	removed := len(rows) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := rewrite(t.Path, header, kept); err != nil {
		return 0, err
	}
	w.log.Info("Deduplicated sink table",
		zap.String("table", t.Name),
		zap.Int("removed", removed),
		zap.Int("rows", len(kept)))
	return removed, nil
}

// Identifiers returns the distinct values of column in t, resolving the
// column through the alias table. A missing table yields an empty set.
func (w *Writer) Identifiers(ctx context.Context, t Table, column string) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]struct{})
	header, rows, err := readAll(t.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	if header == nil {
		return out, nil
	}
	i, ok := w.aliases.Resolve(header, column)
	if !ok {
		return nil, fmt.Errorf("%s: column %s not found: %w", t.Path, column, record.ErrMissingColumn)
	}
	for _, row := range rows {
		if i < len(row) && row[i] != "" {
			out[row[i]] = struct{}{}
		}
	}
	return out, nil
}

// Count returns the number of data rows in t.
func (w *Writer) Count(ctx context.Context, t Table) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, rows, err := readAll(t.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return len(rows), nil
}

func readAll(path string) ([]string, [][]string, error) {
	// #nosec G304 -- sink path comes from the job manifest
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return header, rows, nil
}

func rewrite(path string, header []string, rows [][]string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrPersist, path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	cw := csv.NewWriter(tmp)
	if err := cw.WriteAll(slices.Insert(rows, 0, header)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrPersist, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrPersist, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrPersist, tmpName, err)
	}
	// #nosec G302 -- sink tables are shared data files
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("%w: chmod %s: %v", ErrPersist, tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: replace %s: %v", ErrPersist, path, err)
	}
	return nil
}

package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileLedger stores one identifier per line in an append-only text file.
//
// Every append is fsynced before MarkDone returns. A trailing line without a
// newline is the remains of an interrupted append; it is discarded and
// truncated when the file is opened.
type FileLedger struct {
	mu   sync.Mutex
	path string
	f    *os.File
	m    memo
}

var _ Ledger = (*FileLedger)(nil)

// OpenFile opens or creates a file ledger at path.
func OpenFile(path string) (*FileLedger, error) {
	dir := filepath.Dir(filepath.Clean(path))
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	// #nosec G302 G304 -- ledger path is operator supplied
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &FileLedger{path: path, f: f, m: newMemo()}
	if err := l.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *FileLedger) load() error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	data, err := io.ReadAll(l.f)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	complete := data
	if n := len(data); n > 0 && data[n-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n') + 1
		if err := l.f.Truncate(int64(cut)); err != nil {
			return fmt.Errorf("%w: truncate torn entry: %v", ErrPersist, err)
		}
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("%w: sync after truncate: %v", ErrPersist, err)
		}
		complete = data[:cut]
	}

	for _, line := range bytes.Split(complete, []byte{'\n'}) {
		id := string(bytes.TrimSpace(line))
		if id == "" {
			continue
		}
		l.m.add(id)
	}
	return nil
}

// Path returns the ledger file path.
func (l *FileLedger) Path() string { return l.path }

// Contains implements Ledger.
func (l *FileLedger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.has(id)
}

// MarkDone implements Ledger.
func (l *FileLedger) MarkDone(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return fmt.Errorf("%w: ledger closed", ErrPersist)
	}
	if l.m.has(id) {
		return nil
	}
	if err := writeAll(l.f, []byte(id+"\n")); err != nil {
		return fmt.Errorf("%w: append %s: %v", ErrPersist, id, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrPersist, id, err)
	}
	l.m.add(id)
	return nil
}

// LoadAll implements Ledger.
func (l *FileLedger) LoadAll(ctx context.Context) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, _ := l.m.snapshot()
	return set, nil
}

// IDs implements Ledger.
func (l *FileLedger) IDs(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, order := l.m.snapshot()
	return order, nil
}

// Reset implements Ledger.
func (l *FileLedger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return fmt.Errorf("%w: ledger closed", ErrPersist)
	}
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrPersist, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrPersist, err)
	}
	l.m.clear()
	return nil
}

// Close implements Ledger.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func writeAll(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}

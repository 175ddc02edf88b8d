// Package ledger records which identifiers have been fully ingested.
//
// The ledger is the only authority for resume: an identifier is present if
// and only if its merged rows were durably written to every sink. Entries
// are appended after the sink flush succeeds and are never removed except by
// Reset.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

var (
	// ErrPersist indicates a ledger write could not be made durable.
	// It is fatal for a run.
	ErrPersist = errors.New("ledger persist failed")

	// ErrInvalidID indicates an identifier that cannot be stored.
	ErrInvalidID = errors.New("invalid identifier")
)

// Ledger is a durable, append-only set of completed identifiers.
//
// Implementations are safe for concurrent use. MarkDone calls are
// serialized and MarkDone on a present identifier is a no-op.
type Ledger interface {
	// Contains reports whether id is recorded as done.
	Contains(id string) bool

	// MarkDone records id as done. The entry is durable before MarkDone
	// returns; failures wrap ErrPersist.
	MarkDone(ctx context.Context, id string) error

	// LoadAll returns the set of done identifiers.
	LoadAll(ctx context.Context) (map[string]struct{}, error)

	// IDs returns done identifiers in the order they were recorded.
	IDs(ctx context.Context) ([]string, error)

	// Reset removes every entry. Operator use only.
	Reset(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "file" (default) or "sqlite".
	Backend string

	// Path is the ledger file or database path.
	Path string

	// Scope partitions a shared SQLite database. The file backend ignores it
	// because each scope gets its own file.
	Scope string
}

// Open opens the configured backend, creating it if needed.
func Open(ctx context.Context, cfg Config) (Ledger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("ledger path is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendFile:
		return OpenFile(cfg.Path)
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.Path, cfg.Scope)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, "\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// memo is the in-memory view shared by both backends.
type memo struct {
	set   map[string]struct{}
	order []string
}

func newMemo() memo {
	return memo{set: make(map[string]struct{})}
}

func (m *memo) add(id string) bool {
	if _, ok := m.set[id]; ok {
		return false
	}
	m.set[id] = struct{}{}
	m.order = append(m.order, id)
	return true
}

func (m *memo) has(id string) bool {
	_, ok := m.set[id]
	return ok
}

func (m *memo) snapshot() (map[string]struct{}, []string) {
	set := make(map[string]struct{}, len(m.set))
	for id := range m.set {
		set[id] = struct{}{}
	}
	return set, append([]string(nil), m.order...)
}

func (m *memo) clear() {
	m.set = make(map[string]struct{})
	m.order = nil
}

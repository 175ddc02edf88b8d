package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// SQLiteLedger stores entries in a local SQLite database.
//
// One database may hold several scopes; rows are keyed (scope, id).
type SQLiteLedger struct {
	mu    sync.Mutex
	db    *sql.DB
	scope string
	m     memo
}

var _ Ledger = (*SQLiteLedger)(nil)

// OpenSQLite opens or creates a SQLite ledger at path for scope.
func OpenSQLite(ctx context.Context, path, scope string) (*SQLiteLedger, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger store: %w", err)
	}
	if err := configure(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	l := &SQLiteLedger{db: db, scope: scope, m: newMemo()}
	if err := l.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == ":memory:" {
		return path, nil
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create ledger directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configure(ctx context.Context, db *sql.DB, dsn string) error {
	// A single connection serializes writers and keeps :memory: databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if dsn == ":memory:" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL"); err != nil {
		return fmt.Errorf("set synchronous: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO ledger_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS ledger (
			scope TEXT NOT NULL,
			id TEXT NOT NULL,
			done_at TEXT NOT NULL,
			PRIMARY KEY (scope, id)
		);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := l.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (l *SQLiteLedger) load(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `SELECT id FROM ledger WHERE scope = ? ORDER BY rowid`, l.scope)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		l.m.add(id)
	}
	return rows.Err()
}

// Contains implements Ledger.
func (l *SQLiteLedger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.has(id)
}

// MarkDone implements Ledger.
func (l *SQLiteLedger) MarkDone(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return fmt.Errorf("%w: ledger closed", ErrPersist)
	}
	if l.m.has(id) {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := l.db.ExecContext(ctx, `INSERT OR IGNORE INTO ledger (scope, id, done_at) VALUES (?, ?, ?)`, l.scope, id, now); err != nil {
		return fmt.Errorf("%w: insert %s: %v", ErrPersist, id, err)
	}
	l.m.add(id)
	return nil
}

// LoadAll implements Ledger.
func (l *SQLiteLedger) LoadAll(ctx context.Context) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, _ := l.m.snapshot()
	return set, nil
}

// IDs implements Ledger.
func (l *SQLiteLedger) IDs(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, order := l.m.snapshot()
	return order, nil
}

// Reset implements Ledger. Only the ledger's own scope is cleared.
func (l *SQLiteLedger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return fmt.Errorf("%w: ledger closed", ErrPersist)
	}
	if _, err := l.db.ExecContext(ctx, `DELETE FROM ledger WHERE scope = ?`, l.scope); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrPersist, err)
	}
	l.m.clear()
	return nil
}

// Close implements Ledger.
func (l *SQLiteLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// Package sqlitedb stores documents as JSON rows in SQLite databases.
//
// Each logical database is one SQLite file (<dir>/<db>.db); each table is a
// SQLite table of (key, doc) pairs created on first use. Every query runs in
// its own transaction, and ServerNow placeholders are resolved from SQLite's
// own clock so all handles agree on "now".
//
// # Database Configuration
//
//   - WAL mode: concurrent reads from other handles during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks held by other handles up to 5 seconds
//   - one sql connection per handle: the pool above owns concurrency
package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/docbind/internal/doc"
	"github.com/roach88/docbind/internal/driver"
)

// MemoryDir selects shared-cache in-memory databases instead of files.
// The data lives as long as at least one handle to the database is open.
const MemoryDir = ":memory:"

// Storage format version tracking:
// 1 - (key, doc) tables plus the docbind_tables catalog
const currentFormatVersion = 1

const serverTimeLayout = "2006-01-02T15:04:05.000Z"

// Engine opens SQLite-backed handles.
type Engine struct {
	dir    string
	now    func() time.Time
	newKey driver.KeyFunc
}

var _ driver.Driver = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces SQLite's clock as the source of server time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithKeys sets the generator for primary keys of inserted documents.
func WithKeys(next func() string) Option {
	return func(e *Engine) {
		e.newKey = next
	}
}

// New creates an engine storing databases under dir (or MemoryDir).
func New(dir string, opts ...Option) *Engine {
	e := &Engine{
		dir:    dir,
		newKey: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Path returns the data source name used for database db.
func (e *Engine) Path(db string) string {
	if db == "" {
		db = driver.DefaultDB
	}
	if e.dir == MemoryDir {
		return fmt.Sprintf("file:%s?mode=memory&cache=shared", db)
	}
	return filepath.Join(e.dir, db+".db")
}

// Connect opens (creating if needed) the database named by opts.DB.
func (e *Engine) Connect(ctx context.Context, opts driver.ConnectOptions) (driver.Handle, error) {
	dbName := opts.DB
	if dbName == "" {
		dbName = driver.DefaultDB
	}

	db, err := sql.Open("sqlite3", e.Path(dbName))
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedb: failed to connect to database: %w", err)
	}

	// One connection per handle; the pool decides how many handles exist.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedb: failed to apply pragmas: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedb: failed to apply schema: %w", err)
	}

	return &handle{engine: e, db: db, name: dbName}, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates the table catalog and records the format version.
// This function is idempotent.
func applySchema(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentFormatVersion {
		return fmt.Errorf("database format version %d is newer than supported version %d", version, currentFormatVersion)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS docbind_tables (
			name        TEXT PRIMARY KEY,
			primary_key TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create catalog: %w", err)
	}

	if version < currentFormatVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentFormatVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

type handle struct {
	engine *Engine
	db     *sql.DB
	name   string
}

func (h *handle) Run(ctx context.Context, q driver.Query, opts driver.RunOptions) (*driver.Result, error) {
	if h.db == nil {
		return nil, driver.ErrHandleClosed
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if opts.DB != "" && opts.DB != h.name {
		return nil, fmt.Errorf("sqlitedb: handle is bound to database %q, query asked for %q", h.name, opts.DB)
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := ensureTable(ctx, tx, q.Table, q.PK()); err != nil {
		return nil, err
	}

	now, err := h.serverNow(ctx, tx)
	if err != nil {
		return nil, err
	}

	res, err := driver.Execute(&sqlTable{ctx: ctx, tx: tx, name: q.Table}, q, now, h.engine.newKey)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitedb: commit: %w", err)
	}
	return res, nil
}

func (h *handle) Close() error {
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

// serverNow reads the database clock, unless the engine overrides it.
func (h *handle) serverNow(ctx context.Context, tx *sql.Tx) (time.Time, error) {
	if h.engine.now != nil {
		return h.engine.now().UTC(), nil
	}
	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`).Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("sqlitedb: read server time: %w", err)
	}
	t, err := time.Parse(serverTimeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlitedb: parse server time %q: %w", raw, err)
	}
	return t, nil
}

// ensureTable creates the document table and registers its primary key.
// A table keeps the primary key it was created with.
func ensureTable(ctx context.Context, tx *sql.Tx, name, pk string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)
	`, quoteTable(name))); err != nil {
		return fmt.Errorf("sqlitedb: create table %s: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO docbind_tables (name, primary_key) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, pk); err != nil {
		return fmt.Errorf("sqlitedb: register table %s: %w", name, err)
	}

	var registered string
	if err := tx.QueryRowContext(ctx, `SELECT primary_key FROM docbind_tables WHERE name = ?`, name).Scan(&registered); err != nil {
		return fmt.Errorf("sqlitedb: read table %s: %w", name, err)
	}
	if registered != pk {
		return fmt.Errorf("sqlitedb: table %s has primary key %q, query uses %q", name, registered, pk)
	}
	return nil
}

// quoteTable maps a validated table name to its SQLite identifier.
func quoteTable(name string) string {
	return `"doc_` + name + `"`
}

// sqlTable adapts one document table inside a transaction to driver.Table.
type sqlTable struct {
	ctx  context.Context
	tx   *sql.Tx
	name string
}

func encodeKey(k any) (string, error) {
	data, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("encode key %v: %w", k, err)
	}
	return string(data), nil
}

func (t *sqlTable) Load(k any) (doc.Document, bool, error) {
	key, err := encodeKey(k)
	if err != nil {
		return nil, false, err
	}

	var raw string
	err = t.tx.QueryRowContext(t.ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE key = ?`, quoteTable(t.name)), key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", key, err)
	}

	d, err := doc.UnmarshalJSON([]byte(raw))
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (t *sqlTable) Store(k any, d doc.Document) error {
	key, err := encodeKey(k)
	if err != nil {
		return err
	}
	data, err := doc.MarshalJSON(d)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx, fmt.Sprintf(`
		INSERT INTO %s (key, doc) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET doc = excluded.doc
	`, quoteTable(t.name)), key, string(data))
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (t *sqlTable) Remove(k any) error {
	key, err := encodeKey(k)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, quoteTable(t.name)), key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Package memdb is an in-process document engine implementing driver.Driver.
//
// All handles opened from one Engine share its databases, so documents
// written through one handle are visible through every other. The engine
// exposes hooks for failure injection and handle accounting, which makes it
// the fake database of choice in tests.
package memdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/docbind/internal/doc"
	"github.com/roach88/docbind/internal/driver"
)

// Engine holds every database, table and document in memory.
type Engine struct {
	mu     sync.Mutex
	dbs    map[string]map[string]*table
	now    func() time.Time
	newKey driver.KeyFunc

	live       int
	opened     int
	connectErr error
	failNext   []error
	runHook    func(ctx context.Context, q driver.Query) error
}

var _ driver.Driver = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the engine's server clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithKeys sets the generator for primary keys of inserted documents.
// Default: random UUIDv4 strings.
func WithKeys(next func() string) Option {
	return func(e *Engine) {
		e.newKey = next
	}
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		dbs:    make(map[string]map[string]*table),
		now:    time.Now,
		newKey: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect opens a handle bound to opts.DB.
func (e *Engine) Connect(ctx context.Context, opts driver.ConnectOptions) (driver.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connectErr != nil {
		return nil, fmt.Errorf("memdb: connect %s: %w", opts.Address(), e.connectErr)
	}
	e.live++
	e.opened++

	db := opts.DB
	if db == "" {
		db = driver.DefaultDB
	}
	return &handle{engine: e, db: db}, nil
}

// FailConnect makes every following Connect fail with err. Pass nil to
// restore normal behavior.
func (e *Engine) FailConnect(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectErr = err
}

// FailNext queues err as the outcome of the next query run on any handle.
func (e *Engine) FailNext(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = append(e.failNext, err)
}

// SetRunHook installs fn to be called before every query executes, outside
// the engine lock. A non-nil return aborts the query with that error.
func (e *Engine) SetRunHook(fn func(ctx context.Context, q driver.Query) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runHook = fn
}

// Live returns the number of open handles.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

// Opened returns the number of handles ever opened.
func (e *Engine) Opened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened
}

// Count returns the number of documents in db.table.
func (e *Engine) Count(db, tableName string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.dbs[db][tableName]
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// tableLocked returns db.name, creating it on first use. Caller holds e.mu.
func (e *Engine) tableLocked(db, name string) *table {
	tables := e.dbs[db]
	if tables == nil {
		tables = make(map[string]*table)
		e.dbs[db] = tables
	}
	t := tables[name]
	if t == nil {
		t = &table{rows: make(map[string]doc.Document)}
		tables[name] = t
	}
	return t
}

type handle struct {
	engine *Engine
	db     string

	mu     sync.Mutex
	closed bool
}

func (h *handle) Run(ctx context.Context, q driver.Query, opts driver.RunOptions) (*driver.Result, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, driver.ErrHandleClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e := h.engine
	e.mu.Lock()
	hook := e.runHook
	e.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, q); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.failNext) > 0 {
		err := e.failNext[0]
		e.failNext = e.failNext[1:]
		return nil, err
	}

	if err := q.Validate(); err != nil {
		return nil, err
	}
	db := h.db
	if opts.DB != "" {
		db = opts.DB
	}
	return driver.Execute(e.tableLocked(db, q.Table), q, e.now(), e.newKey)
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	h.engine.mu.Lock()
	h.engine.live--
	h.engine.mu.Unlock()
	return nil
}

// table stores documents by key. Documents are cloned on the way in and out.
type table struct {
	rows map[string]doc.Document
}

func rowKey(k any) string {
	return fmt.Sprintf("%T:%v", k, k)
}

func (t *table) Load(k any) (doc.Document, bool, error) {
	d, ok := t.rows[rowKey(k)]
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

func (t *table) Store(k any, d doc.Document) error {
	t.rows[rowKey(k)] = d.Clone()
	return nil
}

func (t *table) Remove(k any) error {
	delete(t.rows, rowKey(k))
	return nil
}

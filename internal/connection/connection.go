// Package connection owns the pool of database handles shared by every
// model type bound to one database.
//
// Run is the only way queries reach the driver: acquire a handle (queueing
// by priority when the pool is exhausted), execute, and release the handle
// before returning, whether the query succeeded, failed or panicked.
//
// Configure swaps in a new pool built from the merged configuration. The
// previous pool is drained and destroyed in the background; queries already
// holding one of its handles finish normally.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/docbind/internal/driver"
	"github.com/roach88/docbind/internal/errs"
	"github.com/roach88/docbind/internal/pool"
)

// Connection is a reconfigurable pool of driver handles. Safe for concurrent use.
type Connection struct {
	driver driver.Driver
	logger *slog.Logger

	mu     sync.RWMutex
	opts   Options
	pool   *pool.Pool[driver.Handle]
	closed bool

	retiring sync.WaitGroup
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = l
	}
}

// New creates a connection from a raw configuration map (see ParseOptions).
// A nil map selects the defaults.
func New(d driver.Driver, raw map[string]any, opts ...Option) (*Connection, error) {
	o, err := ParseOptions(DefaultOptions(), raw)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(d, o, opts...)
}

// NewWithOptions creates a connection from typed options.
func NewWithOptions(d driver.Driver, o Options, opts ...Option) (*Connection, error) {
	if d == nil {
		return nil, errs.IllegalArgument("driver", "must not be nil")
	}
	c := &Connection{
		driver: d,
		logger: slog.Default(),
		opts:   o,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pool = c.newPool(o)
	c.logger.Debug("connection configured", "options", o.String())
	return c, nil
}

func (c *Connection) newPool(o Options) *pool.Pool[driver.Handle] {
	cfg := o.PoolConfig()
	cfg.Log = c.poolLog(o)

	connect := o.ConnectOptions()
	return pool.New(pool.Factory[driver.Handle]{
		Create: func(ctx context.Context) (driver.Handle, error) {
			return c.driver.Connect(ctx, connect)
		},
		Destroy: func(h driver.Handle) error {
			return h.Close()
		},
	}, cfg)
}

func (c *Connection) poolLog(o Options) pool.LogFunc {
	if o.LogFunc != nil {
		return o.LogFunc
	}
	if !o.Log {
		return nil
	}
	logger := c.logger
	return func(msg string, level slog.Level) {
		logger.Log(context.Background(), level, msg, "component", "pool")
	}
}

// Options returns the current configuration.
func (c *Connection) Options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

// Configure merges raw over the current configuration and swaps in a new
// pool. Invalid options leave the current pool in place.
func (c *Connection) Configure(raw map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errs.Unhandled(pool.ErrDrained)
	}
	o, err := ParseOptions(c.opts, raw)
	if err != nil {
		return err
	}

	old := c.pool
	c.opts = o
	c.pool = c.newPool(o)
	c.retire(old)
	c.logger.Debug("connection reconfigured", "options", o.String())
	return nil
}

// retire drains and destroys p without blocking the caller.
func (c *Connection) retire(p *pool.Pool[driver.Handle]) {
	c.retiring.Add(1)
	go func() {
		defer c.retiring.Done()
		if err := p.Drain(context.Background()); err != nil {
			c.logger.Warn("drain of previous pool failed", "error", err)
		}
		if err := p.DestroyAllNow(); err != nil {
			c.logger.Warn("destroying previous pool failed", "error", err)
		}
	}()
}

func (c *Connection) current() (*pool.Pool[driver.Handle], Options) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool, c.opts
}

// Run executes q on a pooled handle. Options are merged over the
// connection's defaults. Every failure, including a panic inside the
// driver, is returned as an *errs.UnhandledError; the handle is back in the
// pool before Run returns.
func (c *Connection) Run(ctx context.Context, q driver.Query, ro driver.RunOptions) (res *driver.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = errs.Unhandled(fmt.Errorf("query %s %s panicked: %v", q.Op, q.Table, r))
		}
	}()

	if err := q.Validate(); err != nil {
		return nil, errs.Unhandled(err)
	}

	p, o := c.current()
	p, merged, h, err := c.acquire(ctx, p, o, ro)
	if err != nil {
		return nil, errs.Unhandled(fmt.Errorf("acquire connection: %w", err))
	}

	broken := true
	defer func() {
		c.giveBack(p, h, broken)
	}()

	res, err = h.Run(ctx, q, merged)
	broken = errors.Is(err, driver.ErrHandleClosed)
	if err != nil {
		return nil, errs.Unhandled(err)
	}
	return res, nil
}

// acquire checks out a handle from p. When Configure retired p in the
// meantime, it moves on to the pool that replaced it.
func (c *Connection) acquire(ctx context.Context, p *pool.Pool[driver.Handle], o Options, ro driver.RunOptions) (*pool.Pool[driver.Handle], driver.RunOptions, driver.Handle, error) {
	for {
		merged := driver.RunOptions{DB: o.DB}.Merge(ro)
		h, err := p.Acquire(ctx, merged.Priority)
		if err == nil {
			return p, merged, h, nil
		}
		if !errors.Is(err, pool.ErrDrained) {
			return nil, merged, nil, err
		}
		next, nextOpts := c.current()
		if next == p {
			return nil, merged, nil, err
		}
		p, o = next, nextOpts
	}
}

// giveBack releases h to p, or destroys it when it can no longer be used.
func (c *Connection) giveBack(p *pool.Pool[driver.Handle], h driver.Handle, broken bool) {
	var err error
	if broken {
		err = p.Destroy(h)
	} else {
		err = p.Release(h)
	}
	if err != nil {
		c.logger.Warn("returning handle to pool failed", "broken", broken, "error", err)
	}
}

// RunAsync runs q on a new goroutine and passes the outcome to cb.
func (c *Connection) RunAsync(ctx context.Context, q driver.Query, ro driver.RunOptions, cb func(*driver.Result, error)) error {
	if cb == nil {
		return errs.IllegalArgument("callback", "must not be nil")
	}
	go func() {
		cb(c.Run(ctx, q, ro))
	}()
	return nil
}

// Ping acquires a handle and returns it, proving the database is reachable.
func (c *Connection) Ping(ctx context.Context) error {
	p, o := c.current()
	p, _, h, err := c.acquire(ctx, p, o, driver.RunOptions{})
	if err != nil {
		return errs.Unhandled(fmt.Errorf("ping: %w", err))
	}
	return errs.Unhandled(p.Release(h))
}

// Stats reports the active pool's occupancy.
func (c *Connection) Stats() pool.Stats {
	p, _ := c.current()
	return p.Stats()
}

// Close drains the active pool, destroys its handles and waits for pools
// retired by Configure to finish. Close is idempotent.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	p := c.pool
	already := c.closed
	c.closed = true
	c.mu.Unlock()

	if !already {
		if err := p.Drain(ctx); err != nil {
			return errs.Unhandled(fmt.Errorf("close: %w", err))
		}
		if err := p.DestroyAllNow(); err != nil {
			return errs.Unhandled(fmt.Errorf("close: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		c.retiring.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.Unhandled(fmt.Errorf("close: %w", ctx.Err()))
	}
}

// Package pool implements a bounded resource pool with a priority wait queue.
//
// A Pool keeps between Min and Max resources. Callers Acquire a resource,
// own it exclusively, and hand it back with Release (or Destroy when it is
// broken). When every resource is checked out and the pool is at Max,
// callers queue: lower priority values are served first, and equal
// priorities are served in arrival order.
//
// Idle resources older than IdleTimeout are reaped every ReapInterval.
// With RefreshIdle, reaping may cut below Min and the pool then re-creates
// resources back up to Min; without it, reaping never cuts below Min.
//
// Shutdown is two-phase: Drain refuses new acquisitions and waits for
// checked-out resources to come back, then DestroyAllNow destroys the idle
// set.
package pool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrDrained is returned by Acquire once Drain or DestroyAllNow started.
	ErrDrained = errors.New("pool is draining and cannot accept work")

	// ErrNotOwned is returned when releasing or destroying a resource that
	// is not checked out of this pool.
	ErrNotOwned = errors.New("resource is not checked out of this pool")
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMax           = 1
	DefaultIdleTimeout   = 30 * time.Second
	DefaultReapInterval  = time.Second
	DefaultPriorityRange = 1
)

// LogFunc receives pool lifecycle messages. It is never called with the
// pool's lock held.
type LogFunc func(msg string, level slog.Level)

// Factory creates and destroys pooled resources.
type Factory[T comparable] struct {
	Create  func(ctx context.Context) (T, error)
	Destroy func(res T) error
}

// Config controls pool sizing and idle reaping. Zero values select the
// defaults above (Min defaults to 0).
type Config struct {
	Name          string
	Max           int
	Min           int
	IdleTimeout   time.Duration
	ReapInterval  time.Duration
	RefreshIdle   bool
	PriorityRange int

	// Log receives lifecycle messages; nil discards them.
	Log LogFunc

	// Now is the clock used for idle bookkeeping. Default: time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.PriorityRange <= 0 {
		c.PriorityRange = DefaultPriorityRange
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	// Size counts every resource the pool owns, including ones being created.
	Size int `json:"size"`
	// Available counts idle resources.
	Available int `json:"available"`
	// Waiting counts callers blocked in Acquire.
	Waiting int `json:"waiting"`
}

type logEntry struct {
	msg   string
	level slog.Level
}

type idleResource[T comparable] struct {
	res      T
	lastUsed time.Time
}

// Pool is a bounded pool of T. Safe for concurrent use.
type Pool[T comparable] struct {
	factory Factory[T]
	cfg     Config

	mu       sync.Mutex
	size     int
	idle     []idleResource[T]
	borrowed map[T]struct{}
	waiters  waitQueue[T]
	seq      uint64
	draining bool
	closed   bool
	changed  chan struct{} // closed and replaced on every state change
	pending  []logEntry

	stopReap chan struct{}
	reapDone chan struct{}
}

// New creates a pool, starts its reaper and warms it up to cfg.Min.
func New[T comparable](factory Factory[T], cfg Config) *Pool[T] {
	p := &Pool[T]{
		factory:  factory,
		cfg:      cfg.withDefaults(),
		borrowed: make(map[T]struct{}),
		changed:  make(chan struct{}),
		stopReap: make(chan struct{}),
		reapDone: make(chan struct{}),
	}

	p.mu.Lock()
	p.ensureMinLocked()
	p.unlock()

	go p.reapLoop()
	return p
}

// Config returns the effective configuration.
func (p *Pool[T]) Config() Config {
	return p.cfg
}

func (p *Pool[T]) format(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if p.cfg.Name != "" {
		msg = "pool " + p.cfg.Name + " - " + msg
	}
	return msg
}

// logf emits a message right away. p.mu must not be held.
func (p *Pool[T]) logf(level slog.Level, format string, args ...any) {
	if p.cfg.Log == nil {
		return
	}
	p.cfg.Log(p.format(format, args...), level)
}

// logLocked queues a message until the next unlock.
func (p *Pool[T]) logLocked(level slog.Level, format string, args ...any) {
	if p.cfg.Log == nil {
		return
	}
	p.pending = append(p.pending, logEntry{msg: p.format(format, args...), level: level})
}

// unlock releases p.mu, then delivers queued log messages so the callback
// may call back into the pool.
func (p *Pool[T]) unlock() {
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, e := range pending {
		p.cfg.Log(e.msg, e.level)
	}
}

// notifyLocked wakes everything waiting on the current state.
func (p *Pool[T]) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// clampPriority maps priority into [0, PriorityRange).
func (p *Pool[T]) clampPriority(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= p.cfg.PriorityRange {
		return p.cfg.PriorityRange - 1
	}
	return priority
}

// Acquire checks out a resource, creating one if the pool is below Max, or
// waits its turn. The returned resource must be given back with Release or
// Destroy.
func (p *Pool[T]) Acquire(ctx context.Context, priority int) (T, error) {
	var zero T

	p.mu.Lock()
	if p.draining || p.closed {
		p.unlock()
		return zero, ErrDrained
	}

	if len(p.waiters) == 0 {
		if n := len(p.idle); n > 0 {
			it := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.borrowed[it.res] = struct{}{}
			p.notifyLocked()
			p.unlock()
			p.logf(slog.LevelDebug, "dispense() - reusing idle resource")
			return it.res, nil
		}
		if p.size < p.cfg.Max {
			p.size++
			p.notifyLocked()
			p.unlock()
			return p.createBorrowed(ctx)
		}
	}

	p.seq++
	w := &waiter[T]{
		priority: p.clampPriority(priority),
		seq:      p.seq,
		ch:       make(chan grant[T], 1),
	}
	heap.Push(&p.waiters, w)
	p.notifyLocked()
	p.logLocked(slog.LevelDebug, "acquire() - queued at priority %d, waiting=%d", w.priority, len(p.waiters))
	p.unlock()

	select {
	case g := <-w.ch:
		return g.res, g.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	if w.index >= 0 {
		heap.Remove(&p.waiters, w.index)
		p.notifyLocked()
		p.unlock()
		return zero, ctx.Err()
	}
	p.unlock()

	// Already served: give the grant back.
	g := <-w.ch
	if g.err == nil {
		_ = p.Release(g.res)
	}
	return zero, ctx.Err()
}

// createBorrowed creates a resource for a slot already counted in size.
func (p *Pool[T]) createBorrowed(ctx context.Context) (T, error) {
	res, err := p.factory.Create(ctx)

	p.mu.Lock()
	defer p.unlock()
	if err != nil {
		p.size--
		p.logLocked(slog.LevelError, "createResource() - create failed: %v", err)
		p.dispatchLocked()
		p.notifyLocked()
		var zero T
		return zero, err
	}
	p.borrowed[res] = struct{}{}
	p.logLocked(slog.LevelDebug, "createResource() - created resource, count=%d min=%d max=%d", p.size, p.cfg.Min, p.cfg.Max)
	p.notifyLocked()
	return res, nil
}

// createFor creates a resource on behalf of a dequeued waiter.
func (p *Pool[T]) createFor(w *waiter[T]) {
	res, err := p.createBorrowed(context.Background())
	w.ch <- grant[T]{res: res, err: err}
}

// dispatchLocked serves queued waiters from idle resources or free slots.
func (p *Pool[T]) dispatchLocked() {
	for len(p.waiters) > 0 {
		if n := len(p.idle); n > 0 {
			it := p.idle[n-1]
			p.idle = p.idle[:n-1]
			w := heap.Pop(&p.waiters).(*waiter[T])
			p.borrowed[it.res] = struct{}{}
			w.ch <- grant[T]{res: it.res}
			continue
		}
		if p.size < p.cfg.Max {
			p.size++
			w := heap.Pop(&p.waiters).(*waiter[T])
			go p.createFor(w)
			continue
		}
		return
	}
}

// Release returns a checked-out resource to the pool.
func (p *Pool[T]) Release(res T) error {
	p.mu.Lock()
	defer p.unlock()

	if _, ok := p.borrowed[res]; !ok {
		return ErrNotOwned
	}
	delete(p.borrowed, res)

	if p.closed {
		p.size--
		p.notifyLocked()
		go p.destroy(res)
		return nil
	}

	p.idle = append(p.idle, idleResource[T]{res: res, lastUsed: p.cfg.Now()})
	p.dispatchLocked()
	p.notifyLocked()
	p.logLocked(slog.LevelDebug, "release() - available=%d waiting=%d", len(p.idle), len(p.waiters))
	return nil
}

// Destroy removes a checked-out resource from the pool and destroys it.
// The freed slot goes to the next waiter, or back towards Min.
func (p *Pool[T]) Destroy(res T) error {
	p.mu.Lock()
	if _, ok := p.borrowed[res]; !ok {
		p.unlock()
		return ErrNotOwned
	}
	delete(p.borrowed, res)
	p.size--
	p.dispatchLocked()
	p.ensureMinLocked()
	p.notifyLocked()
	p.unlock()

	return p.destroy(res)
}

func (p *Pool[T]) destroy(res T) error {
	if p.factory.Destroy == nil {
		return nil
	}
	if err := p.factory.Destroy(res); err != nil {
		p.logf(slog.LevelWarn, "destroy() - %v", err)
		return err
	}
	p.logf(slog.LevelDebug, "destroy() - resource destroyed")
	return nil
}

// ensureMinLocked starts creating idle resources until size reaches Min.
func (p *Pool[T]) ensureMinLocked() {
	if p.draining || p.closed {
		return
	}
	for p.size < p.cfg.Min {
		p.size++
		go p.createIdle()
	}
}

func (p *Pool[T]) createIdle() {
	res, err := p.factory.Create(context.Background())

	p.mu.Lock()
	defer p.unlock()
	if err != nil {
		p.size--
		p.logLocked(slog.LevelError, "ensureMinimum() - create failed: %v", err)
		p.dispatchLocked()
		p.notifyLocked()
		return
	}
	if p.closed {
		p.size--
		p.notifyLocked()
		go p.destroy(res)
		return
	}
	p.idle = append(p.idle, idleResource[T]{res: res, lastUsed: p.cfg.Now()})
	p.dispatchLocked()
	p.notifyLocked()
}

func (p *Pool[T]) reapLoop() {
	defer close(p.reapDone)
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}

// Reap destroys idle resources unused for longer than IdleTimeout and
// returns how many it destroyed. It runs every ReapInterval on its own.
func (p *Pool[T]) Reap() int {
	p.mu.Lock()
	now := p.cfg.Now()

	var (
		keep    []idleResource[T]
		expired []T
	)
	// Oldest first, so the most recently used resources survive.
	for _, it := range p.idle {
		stale := now.Sub(it.lastUsed) > p.cfg.IdleTimeout
		if stale && (p.cfg.RefreshIdle || p.size-len(expired) > p.cfg.Min) {
			expired = append(expired, it.res)
			continue
		}
		keep = append(keep, it)
	}
	p.idle = keep
	p.size -= len(expired)
	if len(expired) > 0 {
		p.logLocked(slog.LevelDebug, "removeIdle() - reaping %d idle resources", len(expired))
		p.ensureMinLocked()
		p.notifyLocked()
	}
	p.unlock()

	for _, res := range expired {
		_ = p.destroy(res)
	}
	return len(expired)
}

// Drain stops new acquisitions and waits until every queued caller has been
// served and every checked-out resource is back. Idle resources are kept
// for DestroyAllNow.
func (p *Pool[T]) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.draining {
		p.draining = true
		p.logLocked(slog.LevelDebug, "drain() - draining")
		p.notifyLocked()
	}
	p.unlock()

	for {
		p.mu.Lock()
		if len(p.waiters) == 0 && len(p.borrowed) == 0 {
			p.unlock()
			return nil
		}
		changed := p.changed
		p.unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DestroyAllNow stops the reaper and destroys every idle resource. Resources
// still checked out are destroyed when released.
func (p *Pool[T]) DestroyAllNow() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.draining = true
		close(p.stopReap)
	}
	idle := p.idle
	p.idle = nil
	p.size -= len(idle)
	p.notifyLocked()
	p.unlock()

	<-p.reapDone
	p.logf(slog.LevelDebug, "destroyAllNow() - destroying %d idle resources", len(idle))

	var errs []error
	for _, it := range idle {
		if err := p.destroy(it.res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Size returns the number of resources the pool owns.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.unlock()
	return p.size
}

// Available returns the number of idle resources.
func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.unlock()
	return len(p.idle)
}

// Waiting returns the number of callers queued in Acquire.
func (p *Pool[T]) Waiting() int {
	p.mu.Lock()
	defer p.unlock()
	return len(p.waiters)
}

// Stats returns Size, Available and Waiting from one snapshot.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.unlock()
	return Stats{Size: p.size, Available: len(p.idle), Waiting: len(p.waiters)}
}

// Changed returns a channel closed at the next state change. Useful for
// waiting on pool occupancy without polling.
func (p *Pool[T]) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.unlock()
	return p.changed
}

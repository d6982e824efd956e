package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docbind/internal/doc"
	"github.com/roach88/docbind/internal/driver"
	"github.com/roach88/docbind/internal/driver/memdb"
	"github.com/roach88/docbind/internal/errs"
	"github.com/roach88/docbind/internal/pool"
)

func newConn(t *testing.T, e *memdb.Engine, raw map[string]any) *Connection {
	t.Helper()
	c, err := New(e, raw)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := New(memdb.New(), map[string]any{"port": "28015"})
	assert.True(t, errs.IsIllegalArgument(err))

	_, err = New(nil, nil)
	assert.True(t, errs.IsIllegalArgument(err))
}

func TestNew_CreatesNoHandlesUntilUsed(t *testing.T) {
	e := memdb.New()
	c := newConn(t, e, nil)
	assert.Equal(t, 0, e.Opened())
	assert.Equal(t, 0, c.Stats().Size)
}

func TestRun_AcquiresAndReleases(t *testing.T) {
	e := memdb.New()
	c := newConn(t, e, map[string]any{"db": "blog"})
	ctx := context.Background()

	res, err := c.Run(ctx, driver.Insert("posts", doc.Document{"id": "a"}), driver.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, e.Count("blog", "posts"), "db option is the default database")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 1, stats.Available, "handle released after the query")
}

func TestRun_PerCallDatabaseOverride(t *testing.T) {
	e := memdb.New()
	c := newConn(t, e, map[string]any{"db": "blog"})

	_, err := c.Run(context.Background(), driver.Insert("posts", doc.Document{"id": "a"}), driver.RunOptions{DB: "archive"})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Count("archive", "posts"))
	assert.Equal(t, 0, e.Count("blog", "posts"))
}

func TestRun_ReleasesOnDriverError(t *testing.T) {
	e := memdb.New()
	c := newConn(t, e, nil)
	boom := errors.New("boom")

	e.FailNext(boom)
	_, err := c.Run(context.Background(), driver.Get("posts", "a"), driver.RunOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsUnhandled(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, c.Stats().Available)
}

func TestRun_RecoversDriverPanic(t *testing.T) {
	e := memdb.New()
	c := newConn(t, e, nil)

	e.SetRunHook(func(context.Context, driver.Query) error {
		panic("driver exploded")
	})
	_, err := c.Run(context.Background(), driver.Get("posts", "a"), driver.RunOptions{})
	require.Error(t, err)
	assert.True(t, errs.IsUnhandled(err))
	assert.Contains(t, err.Error(), "driver exploded")

	assert.Equal(t, 0, c.Stats().Size, "panicked handle is destroyed")
	assert.Equal(t, 0, e.Live())

	e.SetRunHook(nil)
	_, err = c.Run(context.Background(), driver.Get("posts", "a"), driver.RunOptions{})
	assert.NoError(t, err, "pool recovers with a fresh handle")
}

func TestRun_InvalidQueryNeverAcquires(t *testing.T) {
	e := memdb.New()
	c := newConn(t, e, nil)

	_, err := c.Run(context.Background(), driver.Get("bad table", "a"), driver.RunOptions{})
	assert.True(t, errs.IsUnhandled(err))
	assert.Equal(t, 0, e.Opened())
}

func TestRun_ConnectFailure(t *testing.T) {
	e := memdb.New()
	e.FailConnect(errors.New("connection refused"))
	c := newConn(t, e, nil)

	_, err := c.Run(context.Background(), driver.Get("posts", "a"), driver.RunOptions{})
	assert.True(t, errs.IsUnhandled(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, c.Stats().Size)
}

func TestRun_ConcurrentCallersNeverShareHandles(t *testing.T) {
	e := memdb.New()
	c := newConn(t, e, map[string]any{"max": 3})

	var (
		mu      sync.Mutex
		inUse   int
		maxSeen int
	)
	e.SetRunHook(func(context.Context, driver.Query) error {
		mu.Lock()
		inUse++
		if inUse > maxSeen {
			maxSeen = inUse
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inUse--
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Run(context.Background(), driver.Get("posts", "a"), driver.RunOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, 3)
	assert.LessOrEqual(t, e.Opened(), 3)
	assert.Equal(t, 0, c.Stats().Waiting)
}

func TestRunAsync(t *testing.T) {
	c := newConn(t, memdb.New(), nil)

	assert.True(t, errs.IsIllegalArgument(c.RunAsync(context.Background(), driver.Get("posts", "a"), driver.RunOptions{}, nil)))

	done := make(chan error, 1)
	err := c.RunAsync(context.Background(), driver.Insert("posts", doc.Document{"id": "a"}), driver.RunOptions{}, func(res *driver.Result, err error) {
		if err == nil && res.Inserted != 1 {
			err = errors.New("expected one insert")
		}
		done <- err
	})
	require.NoError(t, err)
	assert.NoError(t, <-done)
}

func TestConfigure_SwapsPoolAndRetiresOld(t *testing.T) {
	e := memdb.New()
	c := newConn(t, e, map[string]any{"db": "blog"})
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	require.Equal(t, 1, e.Live())

	require.NoError(t, c.Configure(map[string]any{"max": 4}))
	assert.Equal(t, 4, c.Options().Max)
	assert.Equal(t, "blog", c.Options().DB, "configure merges over the current options")
	assert.Equal(t, 0, c.Stats().Size, "new pool starts empty")

	assert.Eventually(t, func() bool { return e.Live() == 0 }, 5*time.Second, time.Millisecond,
		"old pool's handles are destroyed in the background")

	_, err := c.Run(ctx, driver.Get("posts", "a"), driver.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Live())
}

func TestRun_RetiredPoolMovesToReplacement(t *testing.T) {
	e := memdb.New()
	c := newConn(t, e, map[string]any{"db": "blog"})
	ctx := context.Background()

	old, oldOpts := c.current()
	require.NoError(t, c.Configure(map[string]any{"max": 2}))
	require.NoError(t, old.Drain(ctx))

	p, merged, h, err := c.acquire(ctx, old, oldOpts, driver.RunOptions{})
	require.NoError(t, err)
	current, _ := c.current()
	assert.Same(t, current, p)
	assert.Equal(t, "blog", merged.DB)
	c.giveBack(p, h, false)

	require.NoError(t, c.Close(ctx))
	_, err = c.Run(ctx, driver.Get("posts", "a"), driver.RunOptions{})
	assert.ErrorIs(t, err, pool.ErrDrained, "a closed connection does not retry")
}

func TestConfigure_InFlightQueryFinishesOnOldPool(t *testing.T) {
	e := memdb.New()
	c := newConn(t, e, nil)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	e.SetRunHook(func(_ context.Context, q driver.Query) error {
		if q.Table == "slow" {
			close(entered)
			<-unblock
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), driver.Get("slow", "a"), driver.RunOptions{})
		done <- err
	}()
	<-entered

	require.NoError(t, c.Configure(map[string]any{"max": 2}))
	assert.Equal(t, 1, e.Live(), "old handle stays alive while in use")

	close(unblock)
	require.NoError(t, <-done)
	assert.Eventually(t, func() bool { return e.Live() == 0 }, 5*time.Second, time.Millisecond)
}

func TestConfigure_InvalidKeepsCurrentPool(t *testing.T) {
	c := newConn(t, memdb.New(), map[string]any{"max": 2})
	require.NoError(t, c.Ping(context.Background()))

	err := c.Configure(map[string]any{"max": "lots"})
	assert.True(t, errs.IsIllegalArgument(err))
	assert.Equal(t, 2, c.Options().Max)
	assert.Equal(t, 1, c.Stats().Size)
}

func TestLogOption(t *testing.T) {
	var (
		mu   sync.Mutex
		msgs []string
	)
	c := newConn(t, memdb.New(), map[string]any{
		"name": "blog",
		"log": func(msg string, _ slog.Level) {
			mu.Lock()
			defer mu.Unlock()
			msgs = append(msgs, msg)
		},
	})
	require.NoError(t, c.Ping(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, msgs)
}

func TestClose(t *testing.T) {
	e := memdb.New()
	c, err := New(e, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Configure(map[string]any{"max": 2}))
	require.NoError(t, c.Ping(ctx))

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx), "idempotent")
	assert.Equal(t, 0, e.Live(), "active and retired pools are destroyed")

	_, err = c.Run(ctx, driver.Get("posts", "a"), driver.RunOptions{})
	assert.True(t, errs.IsUnhandled(err))
	assert.True(t, errs.IsUnhandled(c.Configure(nil)))
}

package model

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docbind/internal/connection"
	"github.com/roach88/docbind/internal/doc"
	"github.com/roach88/docbind/internal/driver"
	"github.com/roach88/docbind/internal/driver/memdb"
	"github.com/roach88/docbind/internal/errs"
	"github.com/roach88/docbind/internal/schema"
	"github.com/roach88/docbind/internal/testutil"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine *memdb.Engine
	clock  *testutil.ManualClock
	conn   *connection.Connection
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewManualClock(epoch)
	e := memdb.New(memdb.WithClock(clock.Now), memdb.WithKeys(testutil.SequentialKeys("post")))
	conn, err := connection.New(e, map[string]any{"db": "blog", "max": 2})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(context.Background()) })
	return &fixture{engine: e, clock: clock, conn: conn}
}

func (f *fixture) posts(mods ...func(*Type)) *Type {
	typ := &Type{Name: "Post", Table: "posts", Conn: f.conn}
	for _, mod := range mods {
		mod(typ)
	}
	return typ
}

func withTimestamps(t *Type) { t.Timestamps = true }
func withSoftDelete(t *Type) { t.SoftDelete = true }

// recorder implements every hook and records the order they run in.
type recorder struct {
	mu    sync.Mutex
	steps []Step
	fail  map[Step]error
}

func (r *recorder) record(s Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, s)
	return r.fail[s]
}

func (r *recorder) BeforeSave(context.Context, *Instance) error    { return r.record(StepBeforeSave) }
func (r *recorder) AfterSave(context.Context, *Instance) error     { return r.record(StepAfterSave) }
func (r *recorder) BeforeCreate(context.Context, *Instance) error  { return r.record(StepBeforeCreate) }
func (r *recorder) AfterCreate(context.Context, *Instance) error   { return r.record(StepAfterCreate) }
func (r *recorder) BeforeUpdate(context.Context, *Instance) error  { return r.record(StepBeforeUpdate) }
func (r *recorder) AfterUpdate(context.Context, *Instance) error   { return r.record(StepAfterUpdate) }
func (r *recorder) BeforeDestroy(context.Context, *Instance) error { return r.record(StepBeforeDestroy) }
func (r *recorder) AfterDestroy(context.Context, *Instance) error  { return r.record(StepAfterDestroy) }

func (r *recorder) take() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := r.steps
	r.steps = nil
	return steps
}

func TestIsNew(t *testing.T) {
	f := setup(t)
	typ := f.posts()

	assert.True(t, typ.New(nil).IsNew())
	assert.True(t, typ.New(doc.Document{"id": nil}).IsNew())
	assert.False(t, typ.New(doc.Document{"id": "a"}).IsNew())
	assert.False(t, typ.New(doc.Document{"id": int64(0)}).IsNew(), "zero is a valid key")

	custom := f.posts(func(t *Type) { t.IDAttribute = "slug" })
	assert.True(t, custom.New(doc.Document{"id": "a"}).IsNew())
	assert.False(t, custom.New(doc.Document{"slug": "hello"}).IsNew())
}

func TestSave_NewInstance(t *testing.T) {
	f := setup(t)
	inst := f.posts().New(doc.Document{"author": "John Anderson"})

	meta, err := inst.Save(context.Background(), nil)
	require.NoError(t, err)

	id, ok := inst.ID().(string)
	require.True(t, ok, "generated key is a string, got %T", inst.ID())
	assert.Equal(t, "post-1", id)
	assert.Equal(t, "John Anderson", inst.Get("author"))
	assert.False(t, inst.IsNew())
	assert.Equal(t, 1, inst.Meta().Inserted)
	assert.Same(t, meta, inst.Meta())
	assert.Equal(t, 1, f.engine.Count("blog", "posts"))
}

func TestSave_TimestampsOnCreateAndUpdate(t *testing.T) {
	f := setup(t)
	inst := f.posts(withTimestamps).New(doc.Document{"author": "John Anderson"})
	ctx := context.Background()

	_, err := inst.Save(ctx, nil)
	require.NoError(t, err)

	attrs := inst.Attributes()
	assert.Equal(t, epoch, attrs[FieldCreated])
	assert.Equal(t, attrs[FieldCreated], attrs[FieldUpdated], "created and updated share one server reading")
	deleted, present := attrs[FieldDeleted]
	assert.True(t, present)
	assert.Nil(t, deleted)

	later := f.clock.Advance(time.Minute)
	inst.Set("author", "Jane")
	_, err = inst.Save(ctx, nil)
	require.NoError(t, err)

	attrs = inst.Attributes()
	assert.Equal(t, epoch, attrs[FieldCreated], "created is kept")
	assert.Equal(t, later, attrs[FieldUpdated])
	assert.Equal(t, 1, inst.Meta().Replaced)
}

func TestSave_NestedMutation(t *testing.T) {
	f := setup(t)
	inst := f.posts().New(doc.Document{
		"author":  "John Anderson",
		"profile": map[string]any{"bio": "old", "links": map[string]any{"web": "x"}},
	})
	ctx := context.Background()

	_, err := inst.Save(ctx, nil)
	require.NoError(t, err)

	inst.SetPath("profile.bio", "new")
	meta, err := inst.Save(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Replaced)

	bio, ok := inst.GetPath("profile.bio")
	require.True(t, ok)
	assert.Equal(t, "new", bio)
	web, _ := inst.GetPath("profile.links.web")
	assert.Equal(t, "x", web)

	stored, err := inst.Type().Get(ctx, inst.ID())
	require.NoError(t, err)
	storedBio, _ := stored.GetPath("profile.bio")
	assert.Equal(t, "new", storedBio)
}

func TestSave_UnchangedDocument(t *testing.T) {
	f := setup(t)
	inst := f.posts().New(doc.Document{"author": "John Anderson"})
	ctx := context.Background()

	_, err := inst.Save(ctx, nil)
	require.NoError(t, err)
	meta, err := inst.Save(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Unchanged)
	assert.Equal(t, 0, meta.Replaced)
}

func TestSave_FailureLeavesInstanceUnchanged(t *testing.T) {
	f := setup(t)
	inst := f.posts(withTimestamps).New(doc.Document{"author": "John Anderson"})
	before := inst.Attributes()

	boom := errors.New("network down")
	f.engine.FailNext(boom)
	_, err := inst.Save(context.Background(), nil)
	require.Error(t, err)

	var ue *errs.UnhandledError
	require.ErrorAs(t, err, &ue)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, inst.Attributes(), "no timestamps staged into the instance")
	assert.Nil(t, inst.Meta())
	assert.True(t, inst.IsNew())
}

func TestSave_EngineRowErrorIsFirstError(t *testing.T) {
	e := memdb.New(memdb.WithKeys(testutil.FixedKeys("dup")))
	conn, err := connection.New(e, map[string]any{"db": "blog"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(context.Background()) })
	typ := &Type{Table: "posts", Conn: conn}
	ctx := context.Background()

	_, err = typ.New(doc.Document{"author": "a"}).Save(ctx, nil)
	require.NoError(t, err)

	second := typ.New(doc.Document{"author": "b"})
	meta, err := second.Save(ctx, nil)
	require.Error(t, err)
	assert.True(t, errs.IsUnhandled(err))

	var we *driver.WriteError
	require.ErrorAs(t, err, &we)
	assert.Contains(t, we.Message, "Duplicate primary key")
	assert.Equal(t, 1, meta.Errors)
	assert.Nil(t, second.Meta(), "meta only changes on success")
	assert.True(t, second.IsNew(), "generated key not merged on failure")
}

func TestSave_UpdateOfMissingRowIsSkipped(t *testing.T) {
	f := setup(t)
	inst := f.posts().New(doc.Document{"id": "never-inserted", "author": "x"})
	require.False(t, inst.IsNew())

	meta, err := inst.Save(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Skipped)
	assert.Equal(t, 0, f.engine.Count("blog", "posts"))
}

func TestSave_MalformedOptions(t *testing.T) {
	f := setup(t)
	inst := f.posts().New(doc.Document{"author": "John Anderson"})
	ctx := context.Background()

	for _, bad := range []any{"nope", 42, []any{}, map[string]any{"priority": "high"}, CallOptions{Durability: "maybe"}} {
		_, err := inst.Save(ctx, bad)
		assert.True(t, errs.IsIllegalArgument(err), "save options %#v", bad)

		_, err = inst.Destroy(ctx, bad)
		assert.True(t, errs.IsIllegalArgument(err), "destroy options %#v", bad)
	}
	assert.Equal(t, 0, f.engine.Opened(), "no I/O before argument checks")
}

func TestSaveAsync_CallShape(t *testing.T) {
	f := setup(t)
	inst := f.posts().New(doc.Document{"author": "John Anderson"})
	ctx := context.Background()

	err := inst.SaveAsync(ctx, nil, nil)
	assert.True(t, errs.IsIllegalArgument(err), "nil callback fails synchronously")

	err = inst.SaveAsync(ctx, "not options", nil)
	assert.True(t, errs.IsIllegalArgument(err), "nil callback wins over bad options")

	got := make(chan error, 1)
	err = inst.SaveAsync(ctx, "not options", func(recv any, err error, _ *Instance, meta *driver.Result) {
		assert.Same(t, inst, recv)
		assert.Nil(t, meta)
		got <- err
	})
	require.NoError(t, err)
	assert.True(t, errs.IsIllegalArgument(<-got), "bad options go through the callback")
	assert.Equal(t, 0, f.engine.Opened())
}

func TestSaveAsync_Receiver(t *testing.T) {
	f := setup(t)
	inst := f.posts().New(doc.Document{"author": "John Anderson"})
	ctx := context.Background()

	type result struct {
		recv any
		err  error
		inst *Instance
		meta *driver.Result
	}
	got := make(chan result, 1)
	cb := func(recv any, err error, i *Instance, meta *driver.Result) {
		got <- result{recv, err, i, meta}
	}

	require.NoError(t, inst.SaveAsync(ctx, nil, cb))
	r := <-got
	require.NoError(t, r.err)
	assert.Same(t, inst, r.recv)
	assert.Same(t, inst, r.inst)
	assert.Equal(t, 1, r.meta.Inserted)

	caller := &struct{ name string }{"request-42"}
	require.NoError(t, inst.DestroyAsync(ctx, map[string]any{"context": caller}, cb))
	r = <-got
	require.NoError(t, r.err)
	assert.Same(t, caller, r.recv)
	assert.Equal(t, 1, r.meta.Deleted)
}

func TestSave_CallOptionsReachDriver(t *testing.T) {
	f := setup(t)
	var seen []string
	f.engine.SetRunHook(func(_ context.Context, q driver.Query) error {
		seen = append(seen, q.Table)
		return nil
	})

	inst := f.posts().New(doc.Document{"author": "x"})
	_, err := inst.Save(context.Background(), map[string]any{"db": "archive", "priority": 0, "durability": "soft"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.engine.Count("archive", "posts"))
	assert.Equal(t, 0, f.engine.Count("blog", "posts"))
	assert.Equal(t, []string{"posts"}, seen)
}

func TestDestroy_NewInstanceIsNoop(t *testing.T) {
	f := setup(t)
	inst := f.posts().New(doc.Document{"author": "John Anderson"})

	meta, err := inst.Destroy(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, meta)
	assert.Equal(t, 0, f.engine.Opened(), "database never contacted")
	assert.Equal(t, "John Anderson", inst.Get("author"))
}

func TestDestroy_Physical(t *testing.T) {
	f := setup(t)
	inst := f.posts().New(doc.Document{"author": "John Anderson", "tags": []any{"a"}})
	ctx := context.Background()
	_, err := inst.Save(ctx, nil)
	require.NoError(t, err)
	before := inst.Attributes()

	meta, err := inst.Destroy(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, meta.Deleted)
	assert.Same(t, meta, inst.Meta())
	assert.Empty(t, inst.Attributes())
	assert.True(t, inst.IsNew())
	assert.Equal(t, before, inst.PreviousAttributes())
	assert.Equal(t, 0, f.engine.Count("blog", "posts"))

	inst.Set("tags", []any{"changed"})
	assert.Equal(t, []any{"a"}, inst.PreviousAttributes()["tags"], "snapshot is a deep copy")
}

func TestDestroy_Soft(t *testing.T) {
	f := setup(t)
	typ := f.posts(withTimestamps, withSoftDelete)
	inst := typ.New(doc.Document{"author": "John Anderson"})
	ctx := context.Background()
	_, err := inst.Save(ctx, nil)
	require.NoError(t, err)
	before := inst.Attributes()

	later := f.clock.Advance(time.Hour)
	meta, err := inst.Destroy(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, meta.Replaced)
	assert.Equal(t, 1, f.engine.Count("blog", "posts"), "row is kept")

	attrs := inst.Attributes()
	assert.Equal(t, later, attrs[FieldDeleted])
	assert.Equal(t, later, attrs[FieldUpdated])
	assert.Equal(t, before[FieldCreated], attrs[FieldCreated])
	assert.Equal(t, "John Anderson", attrs["author"])
	assert.Equal(t, before["id"], attrs["id"])

	prev := inst.PreviousAttributes()
	assert.Equal(t, before, prev)
	assert.Nil(t, prev[FieldDeleted])

	stored, err := typ.Get(ctx, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, later, stored.Get(FieldDeleted))
}

func TestDestroy_SoftWithoutTimestamps(t *testing.T) {
	f := setup(t)
	inst := f.posts(withSoftDelete).New(doc.Document{"author": "x"})
	ctx := context.Background()
	_, err := inst.Save(ctx, nil)
	require.NoError(t, err)

	_, err = inst.Destroy(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, epoch, inst.Get(FieldDeleted))
	assert.Nil(t, inst.Get(FieldUpdated), "updated only with timestamps")
}

func TestDestroy_FailureLeavesInstanceUnchanged(t *testing.T) {
	f := setup(t)
	inst := f.posts().New(doc.Document{"author": "x"})
	ctx := context.Background()
	_, err := inst.Save(ctx, nil)
	require.NoError(t, err)
	before := inst.Attributes()
	meta := inst.Meta()

	f.engine.FailNext(errors.New("timeout"))
	_, err = inst.Destroy(ctx, nil)
	require.Error(t, err)
	assert.True(t, errs.IsUnhandled(err))

	assert.Equal(t, before, inst.Attributes())
	assert.Nil(t, inst.PreviousAttributes())
	assert.Same(t, meta, inst.Meta())
	assert.Equal(t, 1, f.engine.Count("blog", "posts"))
}

func TestHooks_Order(t *testing.T) {
	f := setup(t)
	rec := &recorder{}
	inst := f.posts(func(t *Type) { t.Hooks = rec }).New(doc.Document{"author": "x"})
	ctx := context.Background()

	_, err := inst.Save(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []Step{StepBeforeSave, StepBeforeCreate, StepAfterCreate, StepAfterSave}, rec.take())

	_, err = inst.Save(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []Step{StepBeforeSave, StepBeforeUpdate, StepAfterUpdate, StepAfterSave}, rec.take())

	_, err = inst.Destroy(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []Step{StepBeforeDestroy, StepAfterDestroy}, rec.take())

	_, err = inst.Destroy(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, rec.take(), "destroying a new instance runs no hooks")
}

func TestHooks_BeforeErrorAbortsWrite(t *testing.T) {
	f := setup(t)
	veto := errors.New("not allowed")
	rec := &recorder{fail: map[Step]error{StepBeforeCreate: veto}}
	inst := f.posts(func(t *Type) { t.Hooks = rec }).New(doc.Document{"author": "x"})

	_, err := inst.Save(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errs.IsUnhandled(err))
	assert.ErrorIs(t, err, veto)
	assert.Contains(t, err.Error(), "beforeCreate")

	assert.Equal(t, []Step{StepBeforeSave, StepBeforeCreate}, rec.take())
	assert.Equal(t, 0, f.engine.Count("blog", "posts"))
	assert.True(t, inst.IsNew())
}

func TestHooks_AfterErrorKeepsWrite(t *testing.T) {
	f := setup(t)
	oops := errors.New("audit log unavailable")
	rec := &recorder{fail: map[Step]error{StepAfterCreate: oops}}
	inst := f.posts(func(t *Type) { t.Hooks = rec }).New(doc.Document{"author": "x"})

	meta, err := inst.Save(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, oops)

	assert.Equal(t, 1, meta.Inserted)
	assert.False(t, inst.IsNew(), "write committed to the instance")
	assert.Equal(t, 1, f.engine.Count("blog", "posts"))
	assert.Equal(t, []Step{StepBeforeSave, StepBeforeCreate, StepAfterCreate}, rec.take())
}

// stamper sets a slug before the document is created.
type stamper struct{}

func (stamper) BeforeCreate(_ context.Context, inst *Instance) error {
	inst.Set("slug", "hello-world")
	return nil
}

func TestHooks_PartialImplementation(t *testing.T) {
	f := setup(t)
	inst := f.posts(func(t *Type) { t.Hooks = stamper{} }).New(doc.Document{"title": "Hello World"})

	_, err := inst.Save(context.Background(), nil)
	require.NoError(t, err)

	stored, err := inst.Type().Get(context.Background(), inst.ID())
	require.NoError(t, err)
	assert.Equal(t, "hello-world", stored.Get("slug"))
}

func TestSave_SchemaValidation(t *testing.T) {
	f := setup(t)
	s := schema.MustCompile("post", `
		author: string & != ""
		views?: int & >=0
	`)
	typ := f.posts(withTimestamps, func(t *Type) { t.Schema = s })

	_, err := typ.New(doc.Document{"author": "x", "views": 3}).Save(context.Background(), nil)
	require.NoError(t, err)

	bad := typ.New(doc.Document{"views": -1})
	_, err = bad.Save(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errs.IsUnhandled(err))

	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Fields)
	assert.Equal(t, 1, f.engine.Count("blog", "posts"), "invalid document never written")
}

func TestType_Get(t *testing.T) {
	f := setup(t)
	typ := f.posts()
	ctx := context.Background()

	inst := typ.New(doc.Document{"author": "John Anderson"})
	_, err := inst.Save(ctx, nil)
	require.NoError(t, err)

	got, err := typ.Get(ctx, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, inst.Attributes(), got.Attributes())
	assert.False(t, got.IsNew())

	_, err = typ.Get(ctx, "missing")
	assert.True(t, errs.IsUnhandled(err))
	assert.ErrorIs(t, err, driver.ErrNotFound)

	_, err = typ.Get(ctx, nil)
	assert.True(t, errs.IsIllegalArgument(err))
}

func TestType_CustomPrimaryKey(t *testing.T) {
	f := setup(t)
	pages := &Type{Table: "pages", IDAttribute: "slug", Conn: f.conn}
	ctx := context.Background()

	inst := pages.New(doc.Document{"id": "not the key", "title": "A"})
	require.True(t, inst.IsNew())
	meta, err := inst.Save(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Inserted)
	assert.Equal(t, []string{"post-1"}, meta.GeneratedKeys)
	assert.Equal(t, "post-1", inst.Get("slug"))
	assert.Equal(t, "not the key", inst.Get("id"))

	inst.Set("title", "B")
	meta, err = inst.Save(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Replaced)

	got, err := pages.Get(ctx, "post-1")
	require.NoError(t, err)
	assert.Equal(t, "B", got.Get("title"))
}

func TestType_Misconfigured(t *testing.T) {
	inst := (&Type{Table: "posts"}).New(doc.Document{"id": "a"})

	_, err := inst.Save(context.Background(), nil)
	assert.True(t, errs.IsIllegalArgument(err))
	_, err = inst.Destroy(context.Background(), nil)
	assert.True(t, errs.IsIllegalArgument(err))
}

func TestSave_ConcurrentInstances(t *testing.T) {
	f := setup(t)
	typ := f.posts(withTimestamps)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			inst := typ.New(doc.Document{"n": n})
			_, err := inst.Save(context.Background(), nil)
			assert.NoError(t, err)
			assert.False(t, inst.IsNew())
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, f.engine.Count("blog", "posts"))
	assert.LessOrEqual(t, f.engine.Opened(), 2)
}

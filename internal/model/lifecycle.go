package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/docbind/internal/doc"
	"github.com/roach88/docbind/internal/driver"
	"github.com/roach88/docbind/internal/errs"
)

// Callback receives the outcome of SaveAsync or DestroyAsync. recv is the
// instance, or CallOptions.Context when the caller supplied one.
type Callback func(recv any, err error, inst *Instance, meta *driver.Result)

// Save inserts a new instance or updates a persisted one, running the hook
// steps in SaveSteps order. On success the stored document is merged into
// the attributes and Meta is replaced with the write result.
//
// opts may be nil, CallOptions, *CallOptions or a map[string]any; anything
// else is an *errs.IllegalArgumentError. Every other failure is an
// *errs.UnhandledError, and leaves the instance unchanged unless it came
// from an after-hook.
func (i *Instance) Save(ctx context.Context, opts any) (*driver.Result, error) {
	co, err := parseCallOptions(opts)
	if err != nil {
		return nil, err
	}
	return i.save(ctx, co)
}

// SaveAsync runs Save on a new goroutine and reports through cb. A nil cb
// is returned as an *errs.IllegalArgumentError; malformed opts are
// delivered to cb.
func (i *Instance) SaveAsync(ctx context.Context, opts any, cb Callback) error {
	return i.async(ctx, opts, cb, i.save)
}

// Destroy deletes a persisted instance, running the hook steps in
// DestroySteps order. A new instance succeeds at once with a nil result.
//
// With SoftDelete the document is kept and stamped with deleted (and
// updated, with Timestamps); otherwise it is removed and the attributes are
// cleared. Either way PreviousAttributes holds the attributes from before
// the call. Options and errors behave as in Save.
func (i *Instance) Destroy(ctx context.Context, opts any) (*driver.Result, error) {
	co, err := parseCallOptions(opts)
	if err != nil {
		return nil, err
	}
	return i.destroy(ctx, co)
}

// DestroyAsync runs Destroy on a new goroutine and reports through cb.
func (i *Instance) DestroyAsync(ctx context.Context, opts any, cb Callback) error {
	return i.async(ctx, opts, cb, i.destroy)
}

func (i *Instance) async(ctx context.Context, opts any, cb Callback, op func(context.Context, CallOptions) (*driver.Result, error)) error {
	if cb == nil {
		return errs.IllegalArgument("callback", "must not be nil")
	}
	co, err := parseCallOptions(opts)
	if err != nil {
		go cb(i, err, i, nil)
		return nil
	}

	var recv any = i
	if co.Context != nil {
		recv = co.Context
	}
	go func() {
		meta, err := op(ctx, co)
		cb(recv, err, i, meta)
	}()
	return nil
}

// write is the staged outcome of one operation, applied only on success.
type write struct {
	query driver.Query

	// apply commits the result to the instance. Called with i.mu held.
	apply func(res *driver.Result)
}

func (i *Instance) save(ctx context.Context, co CallOptions) (*driver.Result, error) {
	t := i.typ
	if err := t.check(); err != nil {
		return nil, err
	}
	isNew := i.IsNew()

	var res *driver.Result
	for _, step := range SaveSteps(isNew) {
		var err error
		switch step {
		case StepValidate:
			err = i.validate()
		case StepWrite:
			res, err = i.run(ctx, co, i.stageSave(isNew))
		default:
			err = i.runHook(ctx, step)
		}
		if err != nil {
			return res, i.fail(step, err)
		}
	}

	t.logger().Debug("instance saved",
		"type", t.TypeName(),
		"table", t.Table,
		"id", i.ID(),
		"inserted", res.Inserted,
		"replaced", res.Replaced)
	return res, nil
}

// stageSave builds the insert or update without touching the instance.
func (i *Instance) stageSave(isNew bool) write {
	t := i.typ

	i.mu.Lock()
	staged := i.attrs.Clone()
	i.mu.Unlock()

	if t.Timestamps {
		if isNew {
			staged[FieldCreated] = driver.ServerNow
			staged[FieldDeleted] = nil
		}
		staged[FieldUpdated] = driver.ServerNow
	}

	var q driver.Query
	if isNew {
		q = driver.Insert(t.Table, staged)
	} else {
		q = driver.Update(t.Table, staged[t.ID()], staged)
	}

	return write{
		query: q.WithPrimaryKey(t.ID()).WithReturnChanges(),
		apply: func(res *driver.Result) {
			i.attrs.Merge(res.NewVal())
			i.meta = res
		},
	}
}

func (i *Instance) destroy(ctx context.Context, co CallOptions) (*driver.Result, error) {
	t := i.typ
	if i.IsNew() {
		return nil, nil
	}
	if err := t.check(); err != nil {
		return nil, err
	}

	var res *driver.Result
	for _, step := range DestroySteps() {
		var err error
		switch step {
		case StepWrite:
			res, err = i.run(ctx, co, i.stageDestroy())
		default:
			err = i.runHook(ctx, step)
		}
		if err != nil {
			return res, i.fail(step, err)
		}
	}

	t.logger().Debug("instance destroyed",
		"type", t.TypeName(),
		"table", t.Table,
		"soft", t.SoftDelete,
		"deleted", res.Deleted,
		"replaced", res.Replaced)
	return res, nil
}

// stageDestroy builds the delete (or soft-delete update) and the snapshot
// that becomes PreviousAttributes.
func (i *Instance) stageDestroy() write {
	t := i.typ

	i.mu.Lock()
	snapshot := i.attrs.Clone()
	i.mu.Unlock()
	key := snapshot[t.ID()]

	if t.SoftDelete {
		changes := doc.Document{FieldDeleted: driver.ServerNow}
		if t.Timestamps {
			changes[FieldUpdated] = driver.ServerNow
		}
		return write{
			query: driver.Update(t.Table, key, changes).WithPrimaryKey(t.ID()).WithReturnChanges(),
			apply: func(res *driver.Result) {
				i.previous = snapshot
				i.attrs.Merge(res.NewVal())
				i.meta = res
			},
		}
	}

	return write{
		query: driver.Delete(t.Table, key).WithPrimaryKey(t.ID()).WithReturnChanges(),
		apply: func(res *driver.Result) {
			i.previous = snapshot
			i.attrs = doc.Document{}
			i.meta = res
		},
	}
}

// run executes w and, when the engine reports no row-level error, commits it.
func (i *Instance) run(ctx context.Context, co CallOptions, w write) (*driver.Result, error) {
	res, err := i.typ.Conn.Run(ctx, w.query, co.runOptions())
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return res, err
	}

	i.mu.Lock()
	w.apply(res)
	i.mu.Unlock()
	return res, nil
}

func (i *Instance) validate() error {
	if i.typ.Schema == nil {
		return nil
	}
	return i.typ.Schema.Validate(i.Attributes())
}

func (i *Instance) runHook(ctx context.Context, step Step) error {
	fn := hook(i.typ.Hooks, step)
	if fn == nil {
		return nil
	}
	return fn(ctx, i)
}

// fail wraps err with the step it came from.
func (i *Instance) fail(step Step, err error) error {
	if errs.IsIllegalArgument(err) {
		return err
	}
	t := i.typ
	level := "before write"
	if step.isAfter() {
		level = "after write"
	}
	t.logger().Warn("lifecycle step failed",
		"type", t.TypeName(),
		"step", string(step),
		"stage", level,
		"error", err)
	cause := err
	var ue *errs.UnhandledError
	if errors.As(err, &ue) && ue.Err != nil {
		cause = ue.Err
	}
	return &errs.UnhandledError{Err: fmt.Errorf("%s %s: %w", t.TypeName(), step, cause)}
}

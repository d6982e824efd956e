package model

import "context"

// Hooks are capability interfaces. A Type's Hooks value may implement any
// subset of them; the missing ones are no-ops.
//
// A Before* error aborts the operation before anything is written. An
// After* error is returned to the caller, but the write and the in-memory
// update it caused stand.

type BeforeSaver interface {
	BeforeSave(ctx context.Context, inst *Instance) error
}

type AfterSaver interface {
	AfterSave(ctx context.Context, inst *Instance) error
}

type BeforeCreator interface {
	BeforeCreate(ctx context.Context, inst *Instance) error
}

type AfterCreator interface {
	AfterCreate(ctx context.Context, inst *Instance) error
}

type BeforeUpdater interface {
	BeforeUpdate(ctx context.Context, inst *Instance) error
}

type AfterUpdater interface {
	AfterUpdate(ctx context.Context, inst *Instance) error
}

type BeforeDestroyer interface {
	BeforeDestroy(ctx context.Context, inst *Instance) error
}

type AfterDestroyer interface {
	AfterDestroy(ctx context.Context, inst *Instance) error
}

// Step names one extension point of the lifecycle.
type Step string

const (
	StepBeforeSave    Step = "beforeSave"
	StepBeforeCreate  Step = "beforeCreate"
	StepBeforeUpdate  Step = "beforeUpdate"
	StepBeforeDestroy Step = "beforeDestroy"
	StepValidate      Step = "validate"
	StepWrite         Step = "write"
	StepAfterCreate   Step = "afterCreate"
	StepAfterUpdate   Step = "afterUpdate"
	StepAfterDestroy  Step = "afterDestroy"
	StepAfterSave     Step = "afterSave"
)

// SaveSteps returns the order in which a save runs its steps.
func SaveSteps(isNew bool) []Step {
	if isNew {
		return []Step{StepBeforeSave, StepBeforeCreate, StepValidate, StepWrite, StepAfterCreate, StepAfterSave}
	}
	return []Step{StepBeforeSave, StepBeforeUpdate, StepValidate, StepWrite, StepAfterUpdate, StepAfterSave}
}

// DestroySteps returns the order in which a destroy runs its steps.
func DestroySteps() []Step {
	return []Step{StepBeforeDestroy, StepWrite, StepAfterDestroy}
}

// isAfter reports whether s runs after the write.
func (s Step) isAfter() bool {
	switch s {
	case StepAfterCreate, StepAfterUpdate, StepAfterDestroy, StepAfterSave:
		return true
	}
	return false
}

// hook returns the function hooks implements for s, or nil.
func hook(hooks any, s Step) func(context.Context, *Instance) error {
	switch s {
	case StepBeforeSave:
		if h, ok := hooks.(BeforeSaver); ok {
			return h.BeforeSave
		}
	case StepAfterSave:
		if h, ok := hooks.(AfterSaver); ok {
			return h.AfterSave
		}
	case StepBeforeCreate:
		if h, ok := hooks.(BeforeCreator); ok {
			return h.BeforeCreate
		}
	case StepAfterCreate:
		if h, ok := hooks.(AfterCreator); ok {
			return h.AfterCreate
		}
	case StepBeforeUpdate:
		if h, ok := hooks.(BeforeUpdater); ok {
			return h.BeforeUpdate
		}
	case StepAfterUpdate:
		if h, ok := hooks.(AfterUpdater); ok {
			return h.AfterUpdate
		}
	case StepBeforeDestroy:
		if h, ok := hooks.(BeforeDestroyer); ok {
			return h.BeforeDestroy
		}
	case StepAfterDestroy:
		if h, ok := hooks.(AfterDestroyer); ok {
			return h.AfterDestroy
		}
	}
	return nil
}

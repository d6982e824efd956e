package model

import (
	"math"

	"github.com/roach88/docbind/internal/driver"
	"github.com/roach88/docbind/internal/errs"
)

// CallOptions are the per-call options of Save and Destroy.
type CallOptions struct {
	// Context, when non-nil, is passed to callbacks as the receiver
	// instead of the instance.
	Context any

	// Priority orders the call among waiters for a pooled handle.
	Priority int

	// Durability is "hard" or "soft"; empty uses the backend default.
	Durability string

	// DB overrides the connection's database for this call.
	DB string
}

func (o CallOptions) runOptions() driver.RunOptions {
	return driver.RunOptions{DB: o.DB, Durability: o.Durability, Priority: o.Priority}
}

// parseCallOptions accepts nil, CallOptions, *CallOptions or a
// map[string]any with the keys context, priority, durability and db.
// Anything else is an *errs.IllegalArgumentError.
func parseCallOptions(opts any) (CallOptions, error) {
	switch o := opts.(type) {
	case nil:
		return CallOptions{}, nil
	case CallOptions:
		return o, validateDurability(o.Durability)
	case *CallOptions:
		if o == nil {
			return CallOptions{}, nil
		}
		return *o, validateDurability(o.Durability)
	case map[string]any:
		return callOptionsFromMap(o)
	}
	return CallOptions{}, errs.IllegalArgument("options", "must be a configuration object, got %T", opts)
}

func callOptionsFromMap(m map[string]any) (CallOptions, error) {
	var o CallOptions
	o.Context = m["context"]

	if v, ok := m["priority"]; ok {
		switch n := v.(type) {
		case int:
			o.Priority = n
		case int64:
			o.Priority = int(n)
		case float64:
			if n != math.Trunc(n) {
				return CallOptions{}, errs.IllegalArgument("priority", "must be an integer, got %v", n)
			}
			o.Priority = int(n)
		default:
			return CallOptions{}, errs.IllegalArgument("priority", "must be a number, got %T", v)
		}
	}
	if v, ok := m["durability"]; ok {
		s, isStr := v.(string)
		if !isStr {
			return CallOptions{}, errs.IllegalArgument("durability", "must be a string, got %T", v)
		}
		o.Durability = s
	}
	if v, ok := m["db"]; ok {
		s, isStr := v.(string)
		if !isStr {
			return CallOptions{}, errs.IllegalArgument("db", "must be a string, got %T", v)
		}
		o.DB = s
	}
	return o, validateDurability(o.Durability)
}

func validateDurability(d string) error {
	switch d {
	case "", "hard", "soft":
		return nil
	}
	return errs.IllegalArgument("durability", `must be "hard" or "soft", got %q`, d)
}

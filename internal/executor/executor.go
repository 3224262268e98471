package executor

import (
	"context"

	"github.com/me/gowq/pkg/model"
)

// Args is the flattened argument map handed to an executor: the type's
// default args merged with the WorkItem's own args.
type Args map[string]any

// Executor runs the business logic behind one WorkItem type. A fresh
// instance is created for every invocation, so implementations may keep
// per-run state on the receiver.
//
// Execute returns nil on success. Outcomes other than plain success are
// signalled with the error kinds in this package (Temporary, Permanent,
// Warning, ErrTerminated); any other error is treated as an unexpected
// permanent failure.
type Executor interface {
	Execute(ctx context.Context, item *model.WorkItem, args Args) error
}

// Terminator is implemented by executors that can be asked to stop early.
// Terminate reports whether the request was accepted. Cancellation is
// cooperative: an executor that never checks will run to completion.
type Terminator interface {
	Terminate() bool
}

// Checkpointer is implemented by executors that persist incremental
// progress. SaveCheckpoint receives the item's current state and returns
// the state to store on the item for the next run.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, current map[string]any) (map[string]any, error)
}

// Factory creates a new Executor instance.
type Factory func() (Executor, error)

// Merge returns defaults overlaid with overrides; overrides win.
func Merge(defaults, overrides map[string]any) Args {
	out := make(Args, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// String returns args[key] if it is a string.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

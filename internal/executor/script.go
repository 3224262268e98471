package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dop251/goja"
	"github.com/me/gowq/pkg/model"
)

// ScriptExecutor runs a JavaScript function body given in args["script"].
//
// The script sees the globals args, item and state, and the functions
// log(msg), warn(msg), retry(msg), fail(msg), checkpoint(obj) and
// terminated(). retry and fail abort the script; warn records a warning
// and continues.
type ScriptExecutor struct {
	logger *slog.Logger

	mu         sync.Mutex
	vm         *goja.Runtime
	terminated bool

	outcome error
	state   map[string]any
}

// NewScriptExecutor creates a ScriptExecutor.
func NewScriptExecutor(logger *slog.Logger) *ScriptExecutor {
	return &ScriptExecutor{logger: logger.With("component", "script-executor")}
}

func (e *ScriptExecutor) Execute(ctx context.Context, item *model.WorkItem, args Args) error {
	src := args.String("script")
	if src == "" {
		return Permanent(fmt.Errorf("work item %s: script is missing", item.ID))
	}

	vm := goja.New()
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return ErrTerminated
	}
	e.vm = vm
	e.state = item.State
	e.mu.Unlock()

	if err := e.setupVM(ctx, vm, item, args); err != nil {
		return Permanent(err)
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ErrTerminated) })
	defer stop()

	_, err := vm.RunString(fmt.Sprintf("(function() { %s })()", src))

	e.mu.Lock()
	outcome := e.outcome
	e.mu.Unlock()

	var interrupted *goja.InterruptedError
	switch {
	case errors.As(err, &interrupted):
		return ErrTerminated
	case outcome != nil:
		var warn *WarningError
		if err != nil && errors.As(outcome, &warn) {
			return Permanent(fmt.Errorf("script: %w", err))
		}
		return outcome
	case err != nil:
		return Permanent(fmt.Errorf("script: %w", err))
	}
	return nil
}

func (e *ScriptExecutor) setupVM(ctx context.Context, vm *goja.Runtime, item *model.WorkItem, args Args) error {
	itemMap := map[string]any{
		"id":            item.ID,
		"name":          item.Name,
		"type":          item.Type,
		"job_id":        item.JobID,
		"retry_count":   item.RetryCount,
		"restart_count": item.RestartCount,
	}
	state := item.State
	if state == nil {
		state = map[string]any{}
	}
	globals := map[string]any{
		"args":  map[string]any(args),
		"item":  itemMap,
		"state": state,
		"log": func(msg string) {
			e.logger.InfoContext(ctx, "script", "work_item_id", item.ID, "msg", msg)
			item.AddMessage(model.MessageInfo, msg)
		},
		"warn": func(msg string) {
			e.setOutcome(&WarningError{Message: msg})
			item.AddMessage(model.MessageWarn, msg)
		},
		"retry": func(msg string) {
			e.setOutcome(Temporary(errors.New(msg)))
			panic(vm.NewGoError(errors.New(msg)))
		},
		"fail": func(msg string) {
			e.setOutcome(Permanent(errors.New(msg)))
			panic(vm.NewGoError(errors.New(msg)))
		},
		"checkpoint": func(v map[string]any) {
			e.mu.Lock()
			e.state = v
			e.mu.Unlock()
		},
		"terminated": func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.terminated || ctx.Err() != nil
		},
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	return nil
}

func (e *ScriptExecutor) setOutcome(err error) {
	e.mu.Lock()
	e.outcome = err
	e.mu.Unlock()
}

// Terminate interrupts the running script.
func (e *ScriptExecutor) Terminate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = true
	if e.vm != nil {
		e.vm.Interrupt(ErrTerminated)
	}
	return true
}

// SaveCheckpoint returns the last object passed to checkpoint().
func (e *ScriptExecutor) SaveCheckpoint(_ context.Context, current map[string]any) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return current, nil
	}
	return e.state, nil
}

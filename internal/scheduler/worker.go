package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/me/gowq/internal/executor"
	"github.com/me/gowq/internal/logging"
	"github.com/me/gowq/internal/telemetry"
	"github.com/me/gowq/pkg/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Worker runs one claimed WorkItem. It owns the item row until it reports
// completion.
type Worker struct {
	itemID string
	jobID  string
	name   string
	typ    string
	// origHost is the affinity the item had before it was claimed.
	origHost string

	s    *Scheduler
	pool *Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	exec executor.Executor
}

func (s *Scheduler) newWorker(c model.Candidate) *Worker {
	ctx, cancel := context.WithCancel(s.runCtx)
	return &Worker{
		itemID:   c.ID,
		jobID:    c.JobID,
		name:     c.Name,
		typ:      c.Type,
		origHost: c.Host,
		s:        s,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (w *Worker) matches(itemID, jobID string) bool {
	return (itemID != "" && w.itemID == itemID) || (jobID != "" && w.jobID == jobID)
}

// Terminate asks the worker to stop. The executor sees a cancelled
// context and, if it implements executor.Terminator, a Terminate call.
func (w *Worker) Terminate() {
	w.cancel()
	w.mu.Lock()
	exec := w.exec
	w.mu.Unlock()
	if t, ok := exec.(executor.Terminator); ok {
		t.Terminate()
	}
}

func (w *Worker) run() {
	s := w.s
	defer s.wg.Done()
	defer w.cancel()
	defer w.pool.Finish(w)

	ctx := logging.WithFields(w.ctx, logging.Fields{
		WorkItemID: w.itemID,
		JobID:      w.jobID,
		Type:       w.typ,
		Host:       s.host,
		Component:  "worker",
	})
	ctx, span := telemetry.StartSpan(ctx, "workitem.execute", trace.WithAttributes(
		attribute.String("gowq.work_item.id", w.itemID),
		attribute.String("gowq.work_item.type", w.typ),
		attribute.String("gowq.job.id", w.jobID),
		attribute.String("gowq.host", s.host),
	))
	defer span.End()

	// Store writes must survive termination of the execution context.
	storeCtx := context.WithoutCancel(ctx)

	item, err := s.store.GetWorkItem(storeCtx, w.itemID)
	if err != nil {
		s.logger.ErrorContext(ctx, "load claimed work item", "error", err)
		span.RecordError(err)
		return
	}

	tc := s.config().Type(item.Type)
	args := executor.Merge(tc.Args, item.Args)

	// complete clears the live flag in the same write that settles the item.
	if err := s.store.SetLive(storeCtx, item.ID, true); err != nil {
		s.logger.WarnContext(ctx, "set live flag", "error", err)
	}

	s.logger.InfoContext(ctx, "work item started", "name", item.Name, "executor", tc.Executor, "retry_count", item.RetryCount)
	start := time.Now()

	exec, runErr := w.execute(ctx, tc.Executor, item, args)
	out := executor.Classify(runErr)
	span.SetAttributes(attribute.String("gowq.status", out.Status.String()))

	switch {
	case out.Unexpected:
		s.logger.ErrorContext(ctx, "work item failed unexpectedly", "error", out.Message, "duration", time.Since(start))
		span.SetStatus(codes.Error, "unexpected failure")
	case out.Status == model.StatusError:
		s.logger.WarnContext(ctx, "work item failed", "error", out.Message, "duration", time.Since(start))
		span.SetStatus(codes.Error, out.Message)
	default:
		s.logger.InfoContext(ctx, "work item finished", "status", out.Status.String(), "duration", time.Since(start))
	}

	item.Live = false
	s.complete(storeCtx, item, tc, out, exec)
}

// execute resolves the executor and runs it, converting panics into
// executor.PanicError.
func (w *Worker) execute(ctx context.Context, name string, item *model.WorkItem, args executor.Args) (exec executor.Executor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &executor.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	exec, err = w.s.registry.New(name)
	if err != nil {
		return nil, executor.Permanent(err)
	}
	w.mu.Lock()
	w.exec = exec
	w.mu.Unlock()

	if ctx.Err() != nil {
		return exec, executor.ErrTerminated
	}
	return exec, exec.Execute(ctx, item, args)
}

package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/gowq/internal/config"
	"github.com/me/gowq/internal/executor"
	"github.com/me/gowq/internal/store"
	"github.com/me/gowq/pkg/model"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	st  *store.SQLStore
	svc *Service
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return &testEnv{st: st, svc: NewService(st, nil, testLogger())}
}

// scheduler builds a Scheduler for host with its own registry holding
// execs. Workers are cancelled and awaited before the store closes.
func (e *testEnv) scheduler(t *testing.T, host string, cfg *config.SchedulerConfig, execs map[string]executor.Executor, opts ...func(*Options)) (*Scheduler, *finalizerSpy) {
	t.Helper()
	reg := executor.NewRegistry(testLogger())
	for name, ex := range execs {
		reg.Register(name, func() (executor.Executor, error) { return ex, nil })
	}
	fin := &finalizerSpy{}
	o := Options{
		Host:      host,
		Store:     e.st,
		Registry:  reg,
		Source:    config.StaticSource{Config: cfg},
		Finalizer: fin,
		Logger:    testLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	s, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.cancelRun()
		s.wg.Wait()
	})
	return s, fin
}

func testConfig(types map[string]config.TypeConfig) *config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	for name, tc := range types {
		cfg.Types[name] = tc
	}
	return cfg
}

func typeConfig(threads, queue int) config.TypeConfig {
	tc := config.DefaultTypeConfig()
	tc.MaxThreads = threads
	tc.MaxQueue = queue
	tc.RetryInterval = 0
	return tc
}

// cycle runs one scheduling iteration and waits for every worker it
// started, including queued ones promoted along the way.
func cycle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.NoError(t, s.Cycle(context.Background()))
	s.wg.Wait()
}

func waitRunning(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.runningCount() == n }, 5*time.Second, 5*time.Millisecond)
}

func (e *testEnv) submit(t *testing.T, w *model.WorkItem) *model.WorkItem {
	t.Helper()
	if w.DependentPhase == 0 && w.Phase == 0 {
		w.DependentPhase = model.DependentPhaseNone
	}
	out, err := e.svc.SubmitWorkItem(context.Background(), w)
	require.NoError(t, err)
	return out
}

func (e *testEnv) item(t *testing.T, id string) *model.WorkItem {
	t.Helper()
	w, err := e.st.GetWorkItem(context.Background(), id)
	require.NoError(t, err)
	return w
}

func (e *testEnv) job(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := e.st.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

// itemByName finds the stored item of a job partition.
func (e *testEnv) itemByName(t *testing.T, jobID, name string) *model.WorkItem {
	t.Helper()
	items, err := e.st.ListWorkItems(context.Background(), model.WorkItemFilter{JobID: jobID})
	require.NoError(t, err)
	for _, it := range items {
		if it.Name == name {
			return it
		}
	}
	t.Fatalf("work item %q of job %s not found", name, jobID)
	return nil
}

// funcExecutor adapts a function to executor.Executor.
type funcExecutor func(ctx context.Context, item *model.WorkItem, args executor.Args) error

func (f funcExecutor) Execute(ctx context.Context, item *model.WorkItem, args executor.Args) error {
	return f(ctx, item, args)
}

// recorder collects the names of executed items in completion order.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func (r *recorder) executor() funcExecutor {
	return func(_ context.Context, item *model.WorkItem, _ executor.Args) error {
		r.add(item.Name)
		return nil
	}
}

// blocker runs until its gate is closed or the worker is terminated.
type blocker struct {
	gate chan struct{}
	cur  atomic.Int32
	peak atomic.Int32
	runs atomic.Int32
}

func newBlocker() *blocker {
	return &blocker{gate: make(chan struct{})}
}

func (b *blocker) Execute(ctx context.Context, _ *model.WorkItem, _ executor.Args) error {
	b.runs.Add(1)
	n := b.cur.Add(1)
	defer b.cur.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-b.gate:
		return nil
	case <-ctx.Done():
		return executor.ErrTerminated
	}
}

func (b *blocker) release() { close(b.gate) }

type finalizerSpy struct {
	calls atomic.Int32
	mu    sync.Mutex
	last  *model.Job
}

func (f *finalizerSpy) Finalize(_ context.Context, job *model.Job) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = job
	f.mu.Unlock()
	return nil
}

func (f *finalizerSpy) lastJob() *model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

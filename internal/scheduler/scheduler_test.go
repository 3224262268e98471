package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/gowq/internal/config"
	"github.com/me/gowq/internal/executor"
	"github.com/me/gowq/internal/metrics"
	"github.com/me/gowq/internal/store"
	"github.com/me/gowq/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOCompletionOrder(t *testing.T) {
	env := newEnv(t)
	rec := &recorder{}
	cfg := testConfig(map[string]config.TypeConfig{"report": typeConfig(1, 10)})
	s, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"report": rec.executor()})

	for _, name := range []string{"first", "second", "third"} {
		env.submit(t, &model.WorkItem{Name: name, Type: "report"})
	}
	cycle(t, s)

	assert.Equal(t, []string{"first", "second", "third"}, rec.list())
	left, err := env.st.ListWorkItems(context.Background(), model.WorkItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, left, "successful items are deleted without a retention horizon")
}

func TestPoolBoundAndQueueLimit(t *testing.T) {
	env := newEnv(t)
	b := newBlocker()
	cfg := testConfig(map[string]config.TypeConfig{"slow": typeConfig(2, 1)})
	s, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"slow": b})

	for i := 0; i < 5; i++ {
		env.submit(t, &model.WorkItem{Name: "item", Type: "slow"})
	}
	require.NoError(t, s.Cycle(context.Background()))
	waitRunning(t, s, 2)

	st := s.Status()
	require.Len(t, st.Pools, 1)
	assert.Equal(t, 1, st.Pools[0].Queued)
	pending, err := env.st.ReadyWorkItems(context.Background(), store.ReadyQuery{Now: time.Now().UTC()})
	require.NoError(t, err)
	assert.Len(t, pending, 2, "items beyond the queue stay pending")

	b.release()
	s.wg.Wait()
	cycle(t, s)

	assert.Equal(t, int32(5), b.runs.Load())
	assert.LessOrEqual(t, b.peak.Load(), int32(2))
}

func TestConcurrentHostsClaimEachItemOnce(t *testing.T) {
	env := newEnv(t)
	var mu sync.Mutex
	runs := make(map[string]int)
	count := funcExecutor(func(_ context.Context, item *model.WorkItem, _ executor.Args) error {
		mu.Lock()
		runs[item.ID]++
		mu.Unlock()
		return nil
	})
	cfg := testConfig(map[string]config.TypeConfig{"job": typeConfig(10, 10)})
	a, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"job": count})
	b, _ := env.scheduler(t, "host-b", cfg, map[string]executor.Executor{"job": count})

	for i := 0; i < 10; i++ {
		env.submit(t, &model.WorkItem{Name: "x", Type: "job"})
	}

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Cycle(context.Background()))
		}()
	}
	wg.Wait()
	a.wg.Wait()
	b.wg.Wait()

	assert.Len(t, runs, 10)
	for id, n := range runs {
		assert.Equal(t, 1, n, "item %s", id)
	}
}

func phasedJob(restartable bool, phase1Type, phase2Type string, names ...string) *model.JobSubmission {
	sub := &model.JobSubmission{Name: "phased", Restartable: restartable}
	for _, n := range names {
		sub.Partitions = append(sub.Partitions, &model.WorkItem{
			Name: n, Type: phase1Type, Phase: 1, DependentPhase: model.DependentPhaseNone,
		})
	}
	sub.Partitions = append(sub.Partitions, &model.WorkItem{
		Name: "final", Type: phase2Type, Phase: 2, DependentPhase: 1,
	})
	return sub
}

func TestPhaseOrderingCompletesJob(t *testing.T) {
	env := newEnv(t)
	b := newBlocker()
	rec := &recorder{}
	cfg := testConfig(map[string]config.TypeConfig{
		"collect": typeConfig(3, 0),
		"merge":   typeConfig(1, 0),
	})
	s, fin := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"collect": b, "merge": rec.executor()})

	job, err := env.svc.SubmitJob(context.Background(), phasedJob(false, "collect", "merge", "a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, job.Partitions, 4)

	require.NoError(t, s.Cycle(context.Background()))
	waitRunning(t, s, 3)
	final := env.itemByName(t, job.ID, "final")
	assert.Nil(t, final.LaunchedAt, "phase 2 must wait for phase 1")
	assert.NotNil(t, env.job(t, job.ID).LaunchedAt)

	b.release()
	s.wg.Wait()
	assert.Empty(t, rec.list())

	cycle(t, s)
	assert.Equal(t, []string{"final"}, rec.list())

	got := env.job(t, job.ID)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, model.StatusSuccess, got.Status)
	assert.Equal(t, "completed 4 of 4 partitions", got.Progress)
	assert.Equal(t, int32(1), fin.calls.Load())
	require.NotNil(t, fin.lastJob())
	assert.Equal(t, job.ID, fin.lastJob().ID)
}

func TestPhaseOrderingBestEffortRunsAfterFailure(t *testing.T) {
	env := newEnv(t)
	rec := &recorder{}
	fail := funcExecutor(func(_ context.Context, item *model.WorkItem, _ executor.Args) error {
		if item.Name == "b" {
			return executor.Permanent(errors.New("source unavailable"))
		}
		return nil
	})
	cfg := testConfig(map[string]config.TypeConfig{"collect": typeConfig(3, 0)})
	cfg.PreserveOnError = true
	s, fin := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"collect": fail, "merge": rec.executor()})

	job, err := env.svc.SubmitJob(context.Background(), phasedJob(false, "collect", "merge", "a", "b"))
	require.NoError(t, err)

	cycle(t, s)
	cycle(t, s)

	assert.Equal(t, []string{"final"}, rec.list())
	got := env.job(t, job.ID)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, model.StatusError, got.Partitions["b"].Status)
	assert.Equal(t, int32(1), fin.calls.Load())
}

func TestRestartableFailureTerminatesDependentsAndRestarts(t *testing.T) {
	env := newEnv(t)
	rec := &recorder{}
	var failing atomic.Bool
	failing.Store(true)
	work := funcExecutor(func(_ context.Context, item *model.WorkItem, _ executor.Args) error {
		if item.Name == "b" && failing.Load() {
			return executor.Permanent(errors.New("bad input"))
		}
		return nil
	})
	cfg := testConfig(map[string]config.TypeConfig{"collect": typeConfig(3, 0)})
	s, fin := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"collect": work, "merge": rec.executor()})
	ctx := context.Background()

	job, err := env.svc.SubmitJob(ctx, phasedJob(true, "collect", "merge", "a", "b", "c"))
	require.NoError(t, err)

	cycle(t, s)
	cycle(t, s)

	assert.Empty(t, rec.list(), "dependent must never run")
	final := env.itemByName(t, job.ID, "final")
	assert.Equal(t, model.StatusTerminated, final.Status)
	assert.Nil(t, final.LaunchedAt)
	assert.NotNil(t, final.CompletedAt)

	got := env.job(t, job.ID)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, model.StatusTerminated, got.Partitions["final"].Status)
	assert.Equal(t, int32(1), fin.calls.Load())

	failed := env.itemByName(t, job.ID, "b")
	assert.Equal(t, model.StatusError, failed.Status, "failed items of restartable jobs are kept")

	failing.Store(false)
	n, err := s.RestartJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got = env.job(t, job.ID)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, 1, got.RestartCount)
	assert.Nil(t, got.Partitions["b"].CompletedAt)
	assert.NotNil(t, got.Partitions["a"].CompletedAt)
	restarted := env.itemByName(t, job.ID, "b")
	assert.Equal(t, 1, restarted.RestartCount)
	assert.Nil(t, restarted.LaunchedAt)

	cycle(t, s)
	cycle(t, s)

	assert.Equal(t, []string{"final"}, rec.list())
	got = env.job(t, job.ID)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, model.StatusSuccess, got.Status)
	assert.Equal(t, int32(2), fin.calls.Load())
}

func TestRestartJob_NotRestartable(t *testing.T) {
	env := newEnv(t)
	s, _ := env.scheduler(t, "host-a", testConfig(nil), nil)
	job, err := env.svc.SubmitJob(context.Background(), phasedJob(false, "collect", "merge", "a"))
	require.NoError(t, err)

	_, err = s.RestartJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrNotRestartable)
}

func TestRestartJob_DeletesDanglingItems(t *testing.T) {
	env := newEnv(t)
	s, _ := env.scheduler(t, "host-a", testConfig(nil), nil)
	ctx := context.Background()
	job, err := env.svc.SubmitJob(ctx, &model.JobSubmission{
		Name: "r", Restartable: true,
		Partitions: []*model.WorkItem{{Name: "p", Type: "t", Hold: true, DependentPhase: model.DependentPhaseNone}},
	})
	require.NoError(t, err)

	stray := &model.WorkItem{ID: newWorkItemID(), Name: "orphan-partition", Type: "t", JobID: job.ID, DependentPhase: model.DependentPhaseNone, CreatedAt: time.Now().UTC()}
	require.NoError(t, env.st.CreateWorkItem(ctx, stray))

	_, err = s.RestartJob(ctx, job.ID)
	require.NoError(t, err)
	_, err = env.st.GetWorkItem(ctx, stray.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetryThenSuccess(t *testing.T) {
	env := newEnv(t)
	var attempts atomic.Int32
	flaky := funcExecutor(func(context.Context, *model.WorkItem, executor.Args) error {
		if attempts.Add(1) <= 2 {
			return executor.Temporary(errors.New("downstream unavailable"))
		}
		return nil
	})
	tc := typeConfig(1, 0)
	tc.MaxRetries = 2
	tc.ResultExpiration = -3600
	s, _ := env.scheduler(t, "host-a", testConfig(map[string]config.TypeConfig{"flaky": tc}), map[string]executor.Executor{"flaky": flaky})

	w := env.submit(t, &model.WorkItem{Name: "sync", Type: "flaky"})

	cycle(t, s)
	got := env.item(t, w.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.LaunchedAt)
	assert.NotNil(t, got.LaunchAfter)

	cycle(t, s)
	got = env.item(t, w.ID)
	assert.Equal(t, 2, got.RetryCount)
	assert.Nil(t, got.CompletedAt)

	cycle(t, s)
	got = env.item(t, w.ID)
	assert.Equal(t, model.StatusSuccess, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.Expiration)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryExhaustedEscalatesToError(t *testing.T) {
	env := newEnv(t)
	var attempts atomic.Int32
	always := funcExecutor(func(context.Context, *model.WorkItem, executor.Args) error {
		attempts.Add(1)
		return executor.Temporary(errors.New("still busy"))
	})
	tc := typeConfig(1, 0)
	tc.MaxRetries = 1
	cfg := testConfig(map[string]config.TypeConfig{"busy": tc})
	cfg.PreserveOnError = true
	s, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"busy": always})

	w := env.submit(t, &model.WorkItem{Name: "x", Type: "busy"})
	for i := 0; i < 3; i++ {
		cycle(t, s)
	}

	got := env.item(t, w.ID)
	assert.Equal(t, model.StatusError, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestTemporaryErrorLeavesPartitionPending(t *testing.T) {
	env := newEnv(t)
	tc := typeConfig(1, 0)
	tc.RetryInterval = time.Hour
	always := funcExecutor(func(context.Context, *model.WorkItem, executor.Args) error {
		return executor.Temporary(errors.New("locked"))
	})
	s, fin := env.scheduler(t, "host-a", testConfig(map[string]config.TypeConfig{"t": tc}), map[string]executor.Executor{"t": always})

	job, err := env.svc.SubmitJob(context.Background(), &model.JobSubmission{
		Name:       "j",
		Partitions: []*model.WorkItem{{Name: "only", Type: "t", DependentPhase: model.DependentPhaseNone}},
	})
	require.NoError(t, err)
	cycle(t, s)

	got := env.job(t, job.ID)
	assert.Equal(t, model.StatusTemporaryError, got.Partitions["only"].Status)
	assert.Nil(t, got.Partitions["only"].CompletedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, int32(0), fin.calls.Load())
}

func TestRecoverOrphans_Reset(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	s, _ := env.scheduler(t, "host-a", testConfig(nil), nil)

	job, err := env.svc.SubmitJob(ctx, &model.JobSubmission{
		Name:       "j",
		Partitions: []*model.WorkItem{{Name: "p", Type: "t", DependentPhase: model.DependentPhaseNone}},
	})
	require.NoError(t, err)
	w := env.itemByName(t, job.ID, "p")
	now := time.Now().UTC()
	require.NoError(t, env.st.ClaimWorkItem(ctx, w.ID, "host-a", now))
	require.NoError(t, s.Aggregator().MarkLaunched(ctx, job.ID, "p", "host-a", now))

	n, err := s.RecoverOrphans(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := env.item(t, w.ID)
	assert.Nil(t, got.LaunchedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, "", got.Host)
	require.NotEmpty(t, got.Messages)

	p := env.job(t, job.ID).Partitions["p"]
	assert.Nil(t, p.LaunchedAt)
	assert.Equal(t, model.StatusPending, p.Status)
	require.Len(t, p.Messages, 1)
	assert.Equal(t, model.MessageInfo, p.Messages[0].Level)

	orphans, err := env.st.OrphanedWorkItems(ctx, "host-a")
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestRecoverOrphans_DeleteCascadesTermination(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	tc := typeConfig(1, 0)
	tc.OrphanAction = model.OrphanDelete
	s, fin := env.scheduler(t, "host-a", testConfig(map[string]config.TypeConfig{"ingest": tc}), nil)

	job, err := env.svc.SubmitJob(ctx, &model.JobSubmission{
		Name:             "j",
		TerminateOnError: true,
		Partitions: []*model.WorkItem{
			{Name: "crashed", Type: "ingest", DependentPhase: model.DependentPhaseNone},
			{Name: "waiting", Type: "ingest", Hold: true, DependentPhase: model.DependentPhaseNone},
		},
	})
	require.NoError(t, err)
	crashed := env.itemByName(t, job.ID, "crashed")
	require.NoError(t, env.st.ClaimWorkItem(ctx, crashed.ID, "host-a", time.Now().UTC()))

	n, err := s.RecoverOrphans(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = env.st.GetWorkItem(ctx, crashed.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got := env.job(t, job.ID)
	assert.Equal(t, model.StatusError, got.Partitions["crashed"].Status)
	assert.Equal(t, model.StatusTerminated, got.Partitions["waiting"].Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, int32(1), fin.calls.Load())
}

func TestCycle_RecoversOrphansOnFirstCycle(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	rec := &recorder{}
	s, _ := env.scheduler(t, "host-a", testConfig(nil), map[string]executor.Executor{"t": rec.executor()})

	w := env.submit(t, &model.WorkItem{Name: "survivor", Type: "t"})
	require.NoError(t, env.st.ClaimWorkItem(ctx, w.ID, "host-a", time.Now().UTC()))

	cycle(t, s)
	assert.Equal(t, []string{"survivor"}, rec.list())
}

func TestTerminateWorkItem_Local(t *testing.T) {
	env := newEnv(t)
	b := newBlocker()
	cfg := testConfig(nil)
	cfg.PreserveOnError = true
	s, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"long": b})

	w := env.submit(t, &model.WorkItem{Name: "long", Type: "long"})
	require.NoError(t, s.Cycle(context.Background()))
	waitRunning(t, s, 1)

	require.NoError(t, s.TerminateWorkItem(context.Background(), w.ID))
	s.wg.Wait()

	got := env.item(t, w.ID)
	assert.Equal(t, model.StatusTerminated, got.Status)
	assert.False(t, got.Live)
}

func TestTerminateWorkItem_Unlaunched(t *testing.T) {
	env := newEnv(t)
	cfg := testConfig(nil)
	cfg.PreserveOnError = true
	s, _ := env.scheduler(t, "host-a", cfg, nil)

	w := env.submit(t, &model.WorkItem{Name: "held", Type: "t", Hold: true})
	require.NoError(t, s.TerminateWorkItem(context.Background(), w.ID))

	got := env.item(t, w.ID)
	assert.Equal(t, model.StatusTerminated, got.Status)
	assert.Nil(t, got.LaunchedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestTerminateWorkItem_CrossHost(t *testing.T) {
	env := newEnv(t)
	b := newBlocker()
	cfg := testConfig(nil)
	cfg.PreserveOnError = true
	a, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"long": b})
	other, _ := env.scheduler(t, "host-b", cfg, nil)
	ctx := context.Background()

	w := env.submit(t, &model.WorkItem{Name: "pinned", Type: "long", Host: "host-a"})
	require.NoError(t, a.Cycle(ctx))
	waitRunning(t, a, 1)

	require.NoError(t, other.TerminateWorkItem(ctx, w.ID))
	controls, err := env.st.ListWorkItems(ctx, model.WorkItemFilter{Type: config.TerminateType})
	require.NoError(t, err)
	require.Len(t, controls, 1)
	assert.Equal(t, "host-a", controls[0].Host)

	// host-b must not pick up a control item pinned to host-a.
	cycle(t, other)
	assert.Equal(t, 1, a.runningCount())

	cycle(t, a)
	got := env.item(t, w.ID)
	assert.Equal(t, model.StatusTerminated, got.Status)

	controls, err = env.st.ListWorkItems(ctx, model.WorkItemFilter{Type: config.TerminateType})
	require.NoError(t, err)
	assert.Empty(t, controls, "control items are deleted after running")
}

func TestTerminateOnErrorCascade(t *testing.T) {
	env := newEnv(t)
	b := newBlocker()
	fail := funcExecutor(func(context.Context, *model.WorkItem, executor.Args) error {
		return executor.Permanent(errors.New("corrupt"))
	})
	cfg := testConfig(map[string]config.TypeConfig{"slow": typeConfig(1, 0), "fast": typeConfig(1, 0)})
	s, fin := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"slow": b, "fast": fail})

	job, err := env.svc.SubmitJob(context.Background(), &model.JobSubmission{
		Name:             "cascade",
		TerminateOnError: true,
		Partitions: []*model.WorkItem{
			{Name: "slow", Type: "slow", DependentPhase: model.DependentPhaseNone},
			{Name: "fast", Type: "fast", DependentPhase: model.DependentPhaseNone},
		},
	})
	require.NoError(t, err)
	cycle(t, s)

	got := env.job(t, job.ID)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, model.StatusTerminated, got.Partitions["slow"].Status)
	assert.Equal(t, int32(1), fin.calls.Load())
}

func TestAdmission(t *testing.T) {
	tests := []struct {
		name    string
		item    model.WorkItem
		types   map[string]config.TypeConfig
		mutate  func(*config.SchedulerConfig)
		claimed bool
	}{
		{"unpinned", model.WorkItem{Type: "t"}, nil, nil, true},
		{"pinned here", model.WorkItem{Type: "t", Host: "host-a"}, nil, nil, true},
		{"pinned elsewhere", model.WorkItem{Type: "t", Host: "host-b"}, nil, nil, false},
		{"type not allowed here", model.WorkItem{Type: "t"}, map[string]config.TypeConfig{"t": func() config.TypeConfig {
			tc := typeConfig(1, 0)
			tc.Hosts = []string{"host-z"}
			return tc
		}()}, nil, false},
		{"held", model.WorkItem{Type: "t", Hold: true}, nil, nil, false},
		{"held with override", model.WorkItem{Type: "t", Hold: true}, nil, func(c *config.SchedulerConfig) { c.IgnoreHold = true }, true},
		{"launch after in future", model.WorkItem{Type: "t", LaunchAfter: ptrTime(time.Now().Add(time.Hour))}, nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			cfg := testConfig(tt.types)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			b := newBlocker()
			s, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"t": b})

			item := tt.item
			item.Name = "candidate"
			w := env.submit(t, &item)
			require.NoError(t, s.Cycle(context.Background()))

			got := env.item(t, w.ID)
			assert.Equal(t, tt.claimed, got.LaunchedAt != nil)
			b.release()
		})
	}
}

func ptrTime(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

func TestAdmission_GlobalCeiling(t *testing.T) {
	env := newEnv(t)
	b := newBlocker()
	cfg := testConfig(map[string]config.TypeConfig{"x": typeConfig(5, 5), "y": typeConfig(5, 5)})
	cfg.MaxThreads = 1
	s, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"x": b, "y": b})

	first := env.submit(t, &model.WorkItem{Name: "one", Type: "x"})
	second := env.submit(t, &model.WorkItem{Name: "two", Type: "y"})
	require.NoError(t, s.Cycle(context.Background()))
	waitRunning(t, s, 1)

	assert.NotNil(t, env.item(t, first.ID).LaunchedAt)
	assert.Nil(t, env.item(t, second.ID).LaunchedAt)

	b.release()
	s.wg.Wait()
	cycle(t, s)
	assert.Equal(t, int32(2), b.runs.Load())
}

func TestSuspendStopsAdmission(t *testing.T) {
	env := newEnv(t)
	rec := &recorder{}
	s, _ := env.scheduler(t, "host-a", testConfig(nil), map[string]executor.Executor{"t": rec.executor()})
	env.submit(t, &model.WorkItem{Name: "later", Type: "t"})

	s.Suspend()
	cycle(t, s)
	assert.Empty(t, rec.list())
	assert.True(t, s.Status().Suspended)
	assert.Equal(t, uint64(1), s.Status().Cycles, "suspended loops still heartbeat")

	s.Resume()
	cycle(t, s)
	assert.Equal(t, []string{"later"}, rec.list())
}

func TestClaimCompensatedWhenPartitionWriteFails(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	rec := &recorder{}
	s, _ := env.scheduler(t, "host-a", testConfig(nil), map[string]executor.Executor{"t": rec.executor()})

	w := &model.WorkItem{
		ID: newWorkItemID(), Name: "p", Type: "t", JobID: "job_missing",
		DependentPhase: model.DependentPhaseNone, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, env.st.CreateWorkItem(ctx, w))

	cycle(t, s)

	got := env.item(t, w.ID)
	assert.Nil(t, got.LaunchedAt)
	assert.Equal(t, "", got.Host)
	assert.Empty(t, rec.list())
}

func TestPanicIsContained(t *testing.T) {
	env := newEnv(t)
	boom := funcExecutor(func(context.Context, *model.WorkItem, executor.Args) error {
		panic("nil map")
	})
	cfg := testConfig(nil)
	cfg.PreserveOnError = true
	s, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"t": boom})

	w := env.submit(t, &model.WorkItem{Name: "p", Type: "t"})
	cycle(t, s)

	got := env.item(t, w.ID)
	assert.Equal(t, model.StatusError, got.Status)
	require.NotEmpty(t, got.Messages)
	assert.True(t, strings.Contains(got.Messages[len(got.Messages)-1].Text, "nil map"))
	assert.Equal(t, 0, s.runningCount())
	assert.False(t, got.Live)
}

func TestUnknownExecutorIsPermanentError(t *testing.T) {
	env := newEnv(t)
	cfg := testConfig(nil)
	cfg.PreserveOnError = true
	s, _ := env.scheduler(t, "host-a", cfg, nil)

	w := env.submit(t, &model.WorkItem{Name: "p", Type: "missing"})
	cycle(t, s)

	got := env.item(t, w.ID)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Contains(t, got.Messages[len(got.Messages)-1].Text, "no executor registered")
}

type checkpointExecutor struct{}

func (checkpointExecutor) Execute(context.Context, *model.WorkItem, executor.Args) error {
	return executor.Temporary(errors.New("interrupted"))
}

func (checkpointExecutor) SaveCheckpoint(_ context.Context, current map[string]any) (map[string]any, error) {
	out := map[string]any{"offset": 5}
	for k, v := range current {
		if k != "offset" {
			out[k] = v
		}
	}
	return out, nil
}

func TestCheckpointSavedOnTemporaryError(t *testing.T) {
	env := newEnv(t)
	tc := typeConfig(1, 0)
	tc.RetryInterval = time.Hour
	s, _ := env.scheduler(t, "host-a", testConfig(map[string]config.TypeConfig{"t": tc}), map[string]executor.Executor{"t": checkpointExecutor{}})

	w := env.submit(t, &model.WorkItem{Name: "p", Type: "t", State: map[string]any{"cursor": "abc"}})
	cycle(t, s)

	got := env.item(t, w.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.EqualValues(t, 5, got.State["offset"])
	assert.Equal(t, "abc", got.State["cursor"])
}

func TestArgsMerged(t *testing.T) {
	env := newEnv(t)
	var seen executor.Args
	capture := funcExecutor(func(_ context.Context, _ *model.WorkItem, args executor.Args) error {
		seen = args
		return nil
	})
	tc := typeConfig(1, 0)
	tc.Args = map[string]any{"region": "eu", "verbose": false}
	s, _ := env.scheduler(t, "host-a", testConfig(map[string]config.TypeConfig{"t": tc}), map[string]executor.Executor{"t": capture})

	env.submit(t, &model.WorkItem{Name: "p", Type: "t", Args: map[string]any{"verbose": true}})
	cycle(t, s)

	assert.Equal(t, "eu", seen["region"])
	assert.Equal(t, true, seen["verbose"])
}

type mutableSource struct {
	mu  sync.Mutex
	cfg *config.SchedulerConfig
}

func (m *mutableSource) Load() (*config.SchedulerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, nil
}

func (m *mutableSource) set(cfg *config.SchedulerConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func TestRefreshAppliesConfigAndDeletesExpired(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	src := &mutableSource{cfg: testConfig(map[string]config.TypeConfig{"t": typeConfig(1, 2)})}
	s, _ := env.scheduler(t, "host-a", nil, nil, func(o *Options) { o.Source = src })
	s.pool("t")

	past := time.Now().UTC().Add(-time.Minute)
	expired := &model.WorkItem{
		ID: newWorkItemID(), Name: "old", Type: "t", DependentPhase: model.DependentPhaseNone,
		LaunchedAt: &past, CompletedAt: &past, Status: model.StatusSuccess, Expiration: &past, CreatedAt: past,
	}
	require.NoError(t, env.st.CreateWorkItem(ctx, expired))

	src.set(testConfig(map[string]config.TypeConfig{"t": typeConfig(4, 8)}))
	s.Refresh(ctx)

	st := s.Status()
	require.Len(t, st.Pools, 1)
	assert.Equal(t, 4, st.Pools[0].MaxThreads)
	assert.Equal(t, 8, st.Pools[0].MaxQueue)
	_, err := env.st.GetWorkItem(ctx, expired.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetTypeThreads(t *testing.T) {
	env := newEnv(t)
	s, _ := env.scheduler(t, "host-a", testConfig(map[string]config.TypeConfig{"t": typeConfig(2, 0)}), nil)
	s.pool("t")

	n := 7
	s.SetTypeThreads("t", &n)
	assert.Equal(t, 7, s.Status().Pools[0].MaxThreads)

	s.SetTypeThreads("t", nil)
	assert.Equal(t, 2, s.Status().Pools[0].MaxThreads)
}

func TestStartPingStop(t *testing.T) {
	env := newEnv(t)
	cfg := testConfig(nil)
	cfg.CycleInterval = time.Hour
	s, _ := env.scheduler(t, "host-a", cfg, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Ping(ctx), "ping wakes a sleeping loop")
	assert.GreaterOrEqual(t, s.Status().Cycles, uint64(2))
	assert.NotNil(t, s.Status().LastCycle)

	require.NoError(t, s.Stop())
	require.NoError(t, <-errCh)
}

func TestPingTimesOutWithoutLoop(t *testing.T) {
	env := newEnv(t)
	s, _ := env.scheduler(t, "host-a", testConfig(nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Ping(ctx), ErrPingTimeout)
}

func TestStopUnclaimsQueuedItems(t *testing.T) {
	env := newEnv(t)
	b := newBlocker()
	cfg := testConfig(map[string]config.TypeConfig{"t": typeConfig(1, 5)})
	cfg.DrainTimeout = 50 * time.Millisecond
	cfg.CycleInterval = time.Hour
	s, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"t": b})

	first := env.submit(t, &model.WorkItem{Name: "running", Type: "t"})
	second := env.submit(t, &model.WorkItem{Name: "queued", Type: "t"})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Running == 1 && len(st.Pools) == 1 && st.Pools[0].Queued == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, <-errCh)
	s.wg.Wait()

	assert.Nil(t, env.item(t, second.ID).LaunchedAt)
	_, err := env.st.GetWorkItem(context.Background(), first.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "terminated after the drain timeout and deleted")
	assert.Equal(t, int32(1), b.runs.Load())
}

func TestMetricsRecorded(t *testing.T) {
	env := newEnv(t)
	reg := prometheus.NewRegistry()
	rec := &recorder{}
	s, _ := env.scheduler(t, "host-a", testConfig(nil), map[string]executor.Executor{"t": rec.executor()},
		func(o *Options) { o.Metrics = metrics.NewCollector(reg) })

	_, err := env.svc.SubmitJob(context.Background(), &model.JobSubmission{
		Name:       "m",
		Partitions: []*model.WorkItem{{Name: "p", Type: "t", DependentPhase: model.DependentPhaseNone}},
	})
	require.NoError(t, err)
	cycle(t, s)

	for _, name := range []string{"gowq_claims_total", "gowq_completions_total", "gowq_job_finalizations_total", "gowq_pool_running"} {
		n, err := testutil.GatherAndCount(reg, name)
		require.NoError(t, err)
		assert.Equal(t, 1, n, name)
	}
}

func TestCycle_PagesPastDeniedCandidates(t *testing.T) {
	env := newEnv(t)
	rec := &recorder{}
	cfg := testConfig(map[string]config.TypeConfig{
		"collect": typeConfig(1, 0),
		"merge":   typeConfig(5, 0),
	})
	cfg.CandidateLimit = 2
	s, fin := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{
		"collect": rec.executor(),
		"merge":   rec.executor(),
	})

	// Every phase-2 partition sorts ahead of the phase-1 partition it
	// waits for, filling more than one page.
	sub := &model.JobSubmission{Name: "inverted"}
	for i := 0; i < 5; i++ {
		sub.Partitions = append(sub.Partitions, &model.WorkItem{
			Name: fmt.Sprintf("merge-%d", i), Type: "merge", Phase: 2, DependentPhase: 1,
		})
	}
	sub.Partitions = append(sub.Partitions, &model.WorkItem{
		Name: "collect", Type: "collect", Phase: 1, DependentPhase: model.DependentPhaseNone,
	})
	job, err := env.svc.SubmitJob(context.Background(), sub)
	require.NoError(t, err)

	cycle(t, s)
	assert.Equal(t, []string{"collect"}, rec.list())

	cycle(t, s)
	assert.Len(t, rec.list(), 6)

	got := env.job(t, job.ID)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "completed 6 of 6 partitions", got.Progress)
	assert.Equal(t, int32(1), fin.calls.Load())
}

func TestCycle_PagesPastHeldItems(t *testing.T) {
	env := newEnv(t)
	rec := &recorder{}
	cfg := testConfig(map[string]config.TypeConfig{"noop": typeConfig(1, 0)})
	cfg.CandidateLimit = 2
	s, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"noop": rec.executor()})

	for i := 0; i < 4; i++ {
		env.submit(t, &model.WorkItem{Name: fmt.Sprintf("held-%d", i), Type: "noop", Hold: true})
	}
	env.submit(t, &model.WorkItem{Name: "ready", Type: "noop"})

	cycle(t, s)
	assert.Equal(t, []string{"ready"}, rec.list())
}

// readSpy records the candidates each readiness query returned.
type readSpy struct {
	*store.SQLStore
	mu    sync.Mutex
	hosts []string
	seen  []string
}

func (r *readSpy) ReadyWorkItems(ctx context.Context, q store.ReadyQuery) ([]model.Candidate, error) {
	cs, err := r.SQLStore.ReadyWorkItems(ctx, q)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = append(r.hosts, q.Host)
	for _, c := range cs {
		r.seen = append(r.seen, c.Name)
	}
	return cs, err
}

func TestCycle_RestrictedModeReadsOnlyOwnAndUnpinned(t *testing.T) {
	for _, restricted := range []bool{true, false} {
		env := newEnv(t)
		rec := &recorder{}
		cfg := testConfig(map[string]config.TypeConfig{"noop": typeConfig(2, 0)})
		cfg.Hosts["host-a"] = config.HostConfig{Restricted: restricted}
		spy := &readSpy{SQLStore: env.st}
		s, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"noop": rec.executor()},
			func(o *Options) { o.Store = spy })

		pinned := env.submit(t, &model.WorkItem{Name: "pinned", Type: "noop", Host: "host-b"})
		env.submit(t, &model.WorkItem{Name: "open", Type: "noop"})

		cycle(t, s)
		assert.Equal(t, []string{"open"}, rec.list(), "restricted=%v", restricted)

		got := env.item(t, pinned.ID)
		assert.Nil(t, got.LaunchedAt)
		assert.Equal(t, "host-b", got.Host)

		spy.mu.Lock()
		if restricted {
			assert.Equal(t, []string{"host-a"}, spy.hosts)
			assert.Equal(t, []string{"open"}, spy.seen)
		} else {
			assert.Equal(t, []string{""}, spy.hosts)
			assert.ElementsMatch(t, []string{"pinned", "open"}, spy.seen)
		}
		spy.mu.Unlock()
	}
}

// reclaimingStore lets another host claim an item the moment it is
// written back for retry.
type reclaimingStore struct {
	*store.SQLStore
	once sync.Once
}

func (r *reclaimingStore) UpdateWorkItem(ctx context.Context, w *model.WorkItem) error {
	if err := r.SQLStore.UpdateWorkItem(ctx, w); err != nil {
		return err
	}
	if w.LaunchedAt == nil && w.CompletedAt == nil {
		r.once.Do(func() {
			if err := r.SQLStore.ClaimWorkItem(ctx, w.ID, "host-b", time.Now().UTC()); err == nil {
				_ = r.SQLStore.SetLive(ctx, w.ID, true)
			}
		})
	}
	return nil
}

func TestRetryDoesNotClearLiveFlagOfNextClaim(t *testing.T) {
	env := newEnv(t)
	cfg := testConfig(map[string]config.TypeConfig{"flaky": typeConfig(1, 0)})
	flaky := funcExecutor(func(context.Context, *model.WorkItem, executor.Args) error {
		return executor.Temporary(errors.New("busy"))
	})
	rs := &reclaimingStore{SQLStore: env.st}
	s, _ := env.scheduler(t, "host-a", cfg, map[string]executor.Executor{"flaky": flaky},
		func(o *Options) { o.Store = rs })

	w := env.submit(t, &model.WorkItem{Name: "flaky", Type: "flaky"})
	cycle(t, s)

	got := env.item(t, w.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "host-b", got.Host)
	require.NotNil(t, got.LaunchedAt)
	assert.True(t, got.Live, "the live flag belongs to host-b's worker")
}

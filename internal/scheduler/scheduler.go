// Package scheduler runs the per-host scheduling loop: it admits ready
// WorkItems, claims them in the shared store and executes them on
// per-type thread pools.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/gowq/internal/config"
	"github.com/me/gowq/internal/executor"
	"github.com/me/gowq/internal/jobs"
	"github.com/me/gowq/internal/metrics"
	"github.com/me/gowq/internal/notify"
	"github.com/me/gowq/internal/store"
	"github.com/me/gowq/pkg/model"
)

// Options configures a Scheduler.
type Options struct {
	// Host identifies this scheduler in the shared store.
	Host     string
	Store    store.Store
	Registry *executor.Registry
	// Source is re-read on every refresh cycle.
	Source config.Source
	// Finalizer is called once per completed Job. Optional.
	Finalizer jobs.Finalizer
	// Notifier carries cross-host wake-ups. Defaults to an in-process notifier.
	Notifier notify.Notifier
	// Metrics may be nil.
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Scheduler is the state of one host's scheduler. It is created once per
// process, started with Start and drained with Stop.
type Scheduler struct {
	host     string
	store    store.Store
	registry *executor.Registry
	source   config.Source
	agg      *jobs.Aggregator
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu               sync.Mutex
	cfg              *config.SchedulerConfig
	pools            map[string]*Pool
	overrides        map[string]int
	suspended        bool
	cycles           uint64
	lastCycle        *time.Time
	orphansRecovered bool
	pingers          []chan struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	wakeCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// New creates a Scheduler and registers the terminate control executor.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil || opts.Registry == nil {
		return nil, errors.New("scheduler: store and registry are required")
	}
	if opts.Host == "" {
		return nil, errors.New("scheduler: host is required")
	}
	if opts.Source == nil {
		opts.Source = config.FileSource{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLocal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg, err := opts.Source.Load()
	if err != nil {
		return nil, fmt.Errorf("load scheduler config: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		host:      opts.Host,
		store:     opts.Store,
		registry:  opts.Registry,
		source:    opts.Source,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "scheduler", "host", opts.Host),
		cfg:       cfg,
		pools:     make(map[string]*Pool),
		overrides: make(map[string]int),
		runCtx:    runCtx,
		cancelRun: cancel,
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	s.agg = jobs.NewAggregator(opts.Store, s.finalizer(opts.Finalizer), opts.Logger)
	s.registry.Register(config.TerminateType, func() (executor.Executor, error) {
		return &terminateExecutor{s: s}, nil
	})
	return s, nil
}

// Host returns the host id this scheduler claims work for.
func (s *Scheduler) Host() string { return s.host }

// Aggregator returns the job aggregator shared by the workers.
func (s *Scheduler) Aggregator() *jobs.Aggregator { return s.agg }

func (s *Scheduler) finalizer(next jobs.Finalizer) jobs.Finalizer {
	return jobs.FinalizerFunc(func(ctx context.Context, job *model.Job) error {
		s.metrics.RecordFinalization(job.Status.String())
		if next == nil {
			return nil
		}
		return next.Finalize(ctx, job)
	})
}

func (s *Scheduler) config() *config.SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// pool returns the pool for typ, creating it on first use.
func (s *Scheduler) pool(typ string) *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[typ]
	if !ok {
		threads, queue := s.limitsLocked(typ)
		p = NewPool(typ, threads, queue, s.startWorker)
		s.pools[typ] = p
	}
	return p
}

func (s *Scheduler) limitsLocked(typ string) (threads, queue int) {
	threads = s.cfg.TypeThreads(s.host, typ)
	if n, ok := s.overrides[typ]; ok {
		threads = n
	}
	return threads, s.cfg.Type(typ).MaxQueue
}

func (s *Scheduler) poolList() []*Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p)
	}
	return out
}

func (s *Scheduler) startWorker(w *Worker) {
	s.wg.Add(1)
	go w.run()
}

func (s *Scheduler) runningCount() int {
	n := 0
	for _, p := range s.poolList() {
		n += p.Running()
	}
	return n
}

func (s *Scheduler) isLocal(itemID string) bool {
	for _, p := range s.poolList() {
		if p.Has(itemID) {
			return true
		}
	}
	return false
}

// applyConfig installs cfg and pushes the new limits into existing pools.
func (s *Scheduler) applyConfig(cfg *config.SchedulerConfig) {
	type limits struct {
		p              *Pool
		threads, queue int
	}
	s.mu.Lock()
	s.cfg = cfg
	updates := make([]limits, 0, len(s.pools))
	for typ, p := range s.pools {
		t, q := s.limitsLocked(typ)
		updates = append(updates, limits{p, t, q})
	}
	s.mu.Unlock()

	for _, u := range updates {
		u.p.SetLimits(u.threads, u.queue)
	}
}

// Suspend stops admission. Running workers continue and heartbeats are
// still produced.
func (s *Scheduler) Suspend() {
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()
	s.logger.Info("scheduler suspended")
}

// Resume restarts admission and wakes the loop.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()
	s.logger.Info("scheduler resumed")
	s.Wake()
}

func (s *Scheduler) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// SetTypeThreads overrides the thread limit of typ on this host. A nil n
// clears the override.
func (s *Scheduler) SetTypeThreads(typ string, n *int) {
	s.mu.Lock()
	if n == nil {
		delete(s.overrides, typ)
	} else {
		s.overrides[typ] = *n
	}
	p := s.pools[typ]
	threads, queue := s.limitsLocked(typ)
	s.mu.Unlock()

	s.logger.Info("type threads changed", "type", typ, "max_threads", threads)
	if p != nil {
		p.SetLimits(threads, queue)
	}
	s.Wake()
}

// Status returns the admin view of this scheduler.
func (s *Scheduler) Status() model.SchedulerStatus {
	s.mu.Lock()
	st := model.SchedulerStatus{
		Host:       s.host,
		Suspended:  s.suspended,
		MaxThreads: s.cfg.HostMaxThreads(s.host),
		Cycles:     s.cycles,
		LastCycle:  s.lastCycle,
	}
	s.mu.Unlock()

	for _, p := range s.poolList() {
		ps := p.Status()
		st.Running += ps.Running
		st.Pools = append(st.Pools, ps)
	}
	sort.Slice(st.Pools, func(i, j int) bool { return st.Pools[i].Type < st.Pools[j].Type })
	return st
}

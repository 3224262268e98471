package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/me/gowq/internal/config"
	"github.com/me/gowq/internal/logging"
	"github.com/me/gowq/internal/store"
	"github.com/me/gowq/pkg/model"
)

// ErrPingTimeout is returned by Ping when no cycle completed in time.
var ErrPingTimeout = errors.New("scheduler did not complete a cycle")

// Start runs the scheduling loop. Blocks until ctx is cancelled or Stop is
// called; both drain the pools before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	s.started.Store(true)
	defer close(s.doneCh)

	cfg := s.config()
	s.logger.Info("scheduler started",
		"cycle_interval", cfg.CycleInterval,
		"refresh_interval", cfg.RefreshInterval,
		"max_threads", cfg.HostMaxThreads(s.host))

	notifyCh, err := s.notifier.Subscribe(ctx, s.host)
	if err != nil {
		s.logger.Warn("wake subscription unavailable", "error", err)
	}

	cycle := time.NewTimer(0)
	defer cycle.Stop()
	refreshInterval := orDefault(cfg.RefreshInterval, time.Minute)
	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping (context cancelled)")
			s.drain()
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("scheduler stopping (stop called)")
			s.drain()
			return nil
		case <-refresh.C:
			s.Refresh(ctx)
			if ri := orDefault(s.config().RefreshInterval, time.Minute); ri != refreshInterval {
				refreshInterval = ri
				refresh.Reset(ri)
			}
			continue
		case _, ok := <-notifyCh:
			if !ok {
				notifyCh = nil
				continue
			}
		case <-s.wakeCh:
		case <-cycle.C:
		}

		if err := s.Cycle(ctx); err != nil {
			s.logger.Error("cycle error", "error", err)
		}
		cycle.Reset(orDefault(s.config().CycleInterval, 10*time.Second))
	}
}

// Stop ends the loop after the current cycle and waits for the drain.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.doneCh
	}
	return nil
}

// Wake interrupts the sleeping loop so the next cycle runs immediately.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Ping wakes the loop and waits for the heartbeat of the next cycle.
func (s *Scheduler) Ping(ctx context.Context) error {
	ch := make(chan struct{})
	s.mu.Lock()
	s.pingers = append(s.pingers, ch)
	s.mu.Unlock()
	s.Wake()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPingTimeout, ctx.Err())
	}
}

// Refresh re-reads the configuration, deletes expired results and retries
// job finalizations that failed or whose host stopped before running them.
func (s *Scheduler) Refresh(ctx context.Context) {
	defer s.refinalize(ctx)

	cfg, err := s.source.Load()
	if err != nil {
		s.logger.Warn("config refresh failed, keeping previous configuration", "error", err)
	} else {
		s.applyConfig(cfg)
		s.logger.Debug("config refreshed", "types", len(cfg.Types), "max_threads", cfg.HostMaxThreads(s.host))
	}

	n, err := s.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Warn("delete expired work items", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired work items deleted", "count", n)
	}
	s.metrics.RecordExpired(n)
}

// Cycle runs a single scheduling iteration: orphan recovery on the first
// call, then admission of every ready candidate.
func (s *Scheduler) Cycle(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	pingers := s.pingers
	s.pingers = nil
	s.mu.Unlock()
	defer s.heartbeat(start, pingers)

	s.recoverOnce(ctx)
	if s.Suspended() {
		return nil
	}

	cfg := s.config()
	q := store.ReadyQuery{Now: start.UTC(), Limit: cfg.CandidateLimit}
	if cfg.Restricted(s.host) {
		q.Host = s.host
	}
	// Pages continue past denied candidates so a head of held, pinned or
	// phase-blocked rows never hides the rows behind it.
	for {
		candidates, err := s.store.ReadyWorkItems(ctx, q)
		if err != nil {
			return fmt.Errorf("read candidates: %w", err)
		}
		for _, c := range candidates {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.consider(ctx, cfg, c)
		}
		if q.Limit <= 0 || len(candidates) < q.Limit {
			return nil
		}
		last := candidates[len(candidates)-1]
		q.After = &last
	}
}

func (s *Scheduler) heartbeat(start time.Time, pingers []chan struct{}) {
	now := time.Now().UTC()
	s.mu.Lock()
	s.cycles++
	s.lastCycle = &now
	s.mu.Unlock()

	for _, ch := range pingers {
		close(ch)
	}
	s.metrics.ObserveCycle(time.Since(start))
	for _, p := range s.poolList() {
		st := p.Status()
		s.metrics.SetPool(st.Type, st.Running, st.Queued)
	}
}

func (s *Scheduler) recoverOnce(ctx context.Context) {
	s.mu.Lock()
	done := s.orphansRecovered
	s.orphansRecovered = true
	s.mu.Unlock()
	if done {
		return
	}
	if _, err := s.RecoverOrphans(ctx, s.host); err != nil {
		s.logger.Error("orphan recovery failed", "error", err)
	}
	s.refinalize(ctx)
}

func (s *Scheduler) refinalize(ctx context.Context) {
	n, err := s.agg.Refinalize(ctx)
	if err != nil {
		s.logger.Warn("retry job finalization", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pending job finalizations completed", "count", n)
	}
}

// consider admits, claims and dispatches one candidate. Failures are
// logged and never stop the cycle.
func (s *Scheduler) consider(ctx context.Context, cfg *config.SchedulerConfig, c model.Candidate) {
	ctx = logging.WithFields(ctx, logging.Fields{WorkItemID: c.ID, JobID: c.JobID, Type: c.Type})
	tc := cfg.Type(c.Type)
	pool := s.pool(c.Type)

	if reason := s.admit(ctx, cfg, tc, c, pool); reason != "" {
		s.logger.DebugContext(ctx, "candidate not admitted", "reason", reason)
		return
	}
	if err := s.claim(ctx, c); err != nil {
		return
	}

	w := s.newWorker(c)
	if !pool.Add(w) {
		s.logger.DebugContext(ctx, "work item queued", "pool", c.Type)
	}
}

// drain stops accepting work, un-claims queued items and waits up to the
// drain timeout for running workers.
func (s *Scheduler) drain() {
	ctx := context.Background()
	for _, p := range s.poolList() {
		for _, w := range p.Drain() {
			if err := s.store.UnclaimWorkItem(ctx, w.itemID, w.origHost); err != nil {
				s.logger.Warn("unclaim queued work item", "work_item_id", w.itemID, "error", err)
			}
			w.cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := orDefault(s.config().DrainTimeout, 30*time.Second)
	select {
	case <-done:
		s.logger.Info("scheduler drained")
	case <-time.After(timeout):
		s.logger.Warn("drain timeout, signalling running workers", "running", s.runningCount(), "timeout", timeout)
		s.cancelRun()
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/me/gowq/internal/config"
	"github.com/me/gowq/internal/store"
	"github.com/me/gowq/pkg/model"
)

// admit evaluates the admission predicate for c. It returns the reason for
// denial, or "" when c may be claimed. Checks run in a fixed order and the
// first failure wins.
func (s *Scheduler) admit(ctx context.Context, cfg *config.SchedulerConfig, tc config.TypeConfig, c model.Candidate, pool *Pool) string {
	if limit := cfg.HostMaxThreads(s.host); !tc.AlwaysAllowed && limit > 0 && s.runningCount() >= limit {
		return "global_ceiling"
	}

	if c.Host != "" {
		if c.Host != s.host {
			return "host_affinity"
		}
	} else if !tc.AllowsHost(s.host) {
		return "host_not_allowed"
	}

	if c.Hold && !cfg.IgnoreHold {
		return "hold"
	}

	switch s.resolvePhase(ctx, c) {
	case phaseWait:
		return "phase_pending"
	case phaseTerminate:
		s.terminateForPhase(ctx, tc, c)
		return "phase_failed"
	}

	if !pool.IsReady() {
		return "pool_full"
	}
	return ""
}

// claim takes ownership of c in the store, then marks its partition
// launched in a separate transaction. A failed partition write is
// compensated by releasing the claim.
func (s *Scheduler) claim(ctx context.Context, c model.Candidate) error {
	now := time.Now().UTC()
	if err := s.store.ClaimWorkItem(ctx, c.ID, s.host, now); err != nil {
		if errors.Is(err, store.ErrClaimConflict) {
			s.logger.DebugContext(ctx, "claim conflict")
			s.metrics.RecordClaim(c.Type, "conflict")
		} else {
			s.logger.WarnContext(ctx, "claim failed", "error", err)
			s.metrics.RecordClaim(c.Type, "error")
		}
		return err
	}

	if c.JobID != "" {
		if err := s.agg.MarkLaunched(ctx, c.JobID, c.Name, s.host, now); err != nil {
			s.logger.WarnContext(ctx, "mark partition launched, releasing claim", "error", err)
			if uerr := s.store.UnclaimWorkItem(ctx, c.ID, c.Host); uerr != nil {
				s.logger.ErrorContext(ctx, "release claim", "error", uerr)
			}
			s.metrics.RecordClaim(c.Type, "error")
			return fmt.Errorf("mark partition %s launched: %w", c.Name, err)
		}
	}

	s.logger.DebugContext(ctx, "work item claimed", "name", c.Name)
	s.metrics.RecordClaim(c.Type, "won")
	return nil
}

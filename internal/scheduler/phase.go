package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/me/gowq/internal/config"
	"github.com/me/gowq/internal/executor"
	"github.com/me/gowq/internal/store"
	"github.com/me/gowq/pkg/model"
)

type phaseVerdict int

const (
	phaseRun phaseVerdict = iota
	phaseWait
	// phaseTerminate means a prerequisite of a restartable job failed.
	phaseTerminate
)

// resolvePhase decides whether c's prerequisite phase allows it to run.
func (s *Scheduler) resolvePhase(ctx context.Context, c model.Candidate) phaseVerdict {
	if c.JobID == "" || c.DependentPhase < model.DependentPhaseSelf {
		return phaseRun
	}

	restartable := false
	job, err := s.store.GetJob(ctx, c.JobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.logger.WarnContext(ctx, "load job for phase check", "error", err)
		return phaseWait
	default:
		restartable = job.Restartable
	}

	members, err := s.store.PhaseMembers(ctx, c.JobID, c.ID, c.DependentPhase, c.Phase)
	if err != nil {
		s.logger.WarnContext(ctx, "load phase members", "error", err)
		return phaseWait
	}
	if len(members) == 0 {
		// No prerequisite rows yet: run. Can race with job creation.
		s.logger.DebugContext(ctx, "no prerequisite rows, phase treated as satisfied",
			"permissive_tiebreak", true, "phase", c.Phase, "dependent_phase", c.DependentPhase)
		return phaseRun
	}
	return evaluatePhase(members, restartable)
}

// evaluatePhase applies the completion rule to the prerequisite rows.
// Non-restartable jobs only need completion dates; restartable jobs need
// every prerequisite to have succeeded and terminate dependents of a
// failure.
func evaluatePhase(members []model.PhaseMember, restartable bool) phaseVerdict {
	verdict := phaseRun
	for _, m := range members {
		if m.CompletedAt == nil {
			verdict = phaseWait
			continue
		}
		if restartable && !m.Status.IsSuccess() {
			return phaseTerminate
		}
	}
	return verdict
}

// terminateForPhase marks c Terminated without running it and reports
// the partition to its job.
func (s *Scheduler) terminateForPhase(ctx context.Context, tc config.TypeConfig, c model.Candidate) {
	msg := fmt.Sprintf("not run: a prerequisite of phase %d failed", c.Phase)
	ok, err := s.store.TerminateUnlaunched(ctx, c.ID, time.Now().UTC(), msg)
	if err != nil {
		s.logger.WarnContext(ctx, "terminate dependent work item", "error", err)
		return
	}
	if !ok {
		return
	}
	item, err := s.store.GetWorkItem(ctx, c.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "reload terminated work item", "error", err)
		return
	}
	s.logger.InfoContext(ctx, "work item terminated, prerequisite failed", "name", c.Name)
	s.complete(ctx, item, tc, executor.Outcome{Status: model.StatusTerminated, Message: msg}, nil)
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/me/gowq/internal/config"
	"github.com/me/gowq/internal/executor"
	"github.com/me/gowq/pkg/model"
)

// TerminateWorkItem stops one WorkItem. Unlaunched items are marked
// Terminated in the store, items running here are signalled directly and
// items running on another host get a terminate control item.
func (s *Scheduler) TerminateWorkItem(ctx context.Context, id string) error {
	item, err := s.store.GetWorkItem(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case item.CompletedAt != nil:
		return nil
	case item.LaunchedAt == nil:
		return s.terminateUnlaunched(ctx, item, "terminated by operator")
	case item.Host == s.host:
		n := s.terminateLocal(id, "")
		s.logger.InfoContext(ctx, "terminate requested", "work_item_id", id, "signalled", n)
		return nil
	}
	return s.postTerminate(ctx, item.Host, id, "")
}

// TerminateJob stops every incomplete WorkItem of a job and returns the
// number of items terminated or signalled on this host.
func (s *Scheduler) TerminateJob(ctx context.Context, jobID string) (int, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return 0, err
	}
	items, err := s.store.ListWorkItems(ctx, model.WorkItemFilter{JobID: jobID})
	if err != nil {
		return 0, fmt.Errorf("list work items of job %s: %w", jobID, err)
	}

	n := 0
	remote := make(map[string]bool)
	for _, it := range items {
		switch {
		case it.CompletedAt != nil:
		case it.LaunchedAt == nil:
			if err := s.terminateUnlaunched(ctx, it, "job terminated"); err != nil {
				s.logger.WarnContext(ctx, "terminate unlaunched work item", "work_item_id", it.ID, "error", err)
				continue
			}
			n++
		case it.Host != s.host:
			remote[it.Host] = true
		}
	}
	n += s.terminateLocal("", jobID)

	var errs []error
	for host := range remote {
		if err := s.postTerminate(ctx, host, "", jobID); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.InfoContext(ctx, "job terminate requested", "job_id", jobID, "local", n, "remote_hosts", len(remote))
	return n, errors.Join(errs...)
}

// terminateLocal signals matching workers in every pool of this host.
func (s *Scheduler) terminateLocal(itemID, jobID string) int {
	n := 0
	for _, p := range s.poolList() {
		n += p.Terminate(itemID, jobID)
	}
	return n
}

func (s *Scheduler) terminateUnlaunched(ctx context.Context, item *model.WorkItem, msg string) error {
	ok, err := s.store.TerminateUnlaunched(ctx, item.ID, time.Now().UTC(), msg)
	if err != nil {
		return err
	}
	if !ok {
		// Claimed in the meantime.
		return s.TerminateWorkItem(ctx, item.ID)
	}
	fresh, err := s.store.GetWorkItem(ctx, item.ID)
	if err != nil {
		return err
	}
	tc := s.config().Type(fresh.Type)
	s.complete(ctx, fresh, tc, executor.Outcome{Status: model.StatusTerminated, Message: msg}, nil)
	return nil
}

// postTerminate asks the scheduler on host to terminate an item or job by
// creating a terminate control item pinned to that host.
func (s *Scheduler) postTerminate(ctx context.Context, host, itemID, jobID string) error {
	target := itemID
	if target == "" {
		target = jobID
	}
	w := &model.WorkItem{
		ID:             newWorkItemID(),
		Name:           "terminate " + target,
		Type:           config.TerminateType,
		Host:           host,
		DependentPhase: model.DependentPhaseNone,
		Args:           map[string]any{"item_id": itemID, "job_id": jobID},
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateWorkItem(ctx, w); err != nil {
		return fmt.Errorf("post terminate for host %s: %w", host, err)
	}
	s.logger.InfoContext(ctx, "terminate control item posted", "target_host", host, "target", target, "control_id", w.ID)
	if err := s.notifier.Wake(ctx, host); err != nil {
		s.logger.WarnContext(ctx, "wake target host", "target_host", host, "error", err)
	}
	return nil
}

// terminateExecutor runs terminate control items on the host they are
// pinned to.
type terminateExecutor struct {
	s *Scheduler
}

func (e *terminateExecutor) Execute(ctx context.Context, item *model.WorkItem, args executor.Args) error {
	itemID, jobID := args.String("item_id"), args.String("job_id")
	if itemID == "" && jobID == "" {
		return executor.Permanent(errors.New("terminate: item_id or job_id is required"))
	}
	n := e.s.terminateLocal(itemID, jobID)
	item.AddMessage(model.MessageInfo, fmt.Sprintf("signalled %d worker(s)", n))
	e.s.logger.InfoContext(ctx, "terminate control item handled", "item_id", itemID, "job_id", jobID, "signalled", n)
	return nil
}

package scheduler

import (
	"context"
	"time"

	"github.com/me/gowq/internal/config"
	"github.com/me/gowq/internal/executor"
	"github.com/me/gowq/internal/jobs"
	"github.com/me/gowq/pkg/model"
)

// complete is the single finish path of a WorkItem: it saves a checkpoint,
// applies the retry policy, reports the partition result and then
// persists or deletes the item. Store errors are logged; orphan recovery
// repairs an item left launched but incomplete.
func (s *Scheduler) complete(ctx context.Context, item *model.WorkItem, tc config.TypeConfig, out executor.Outcome, exec executor.Executor) {
	now := time.Now().UTC()

	var job *model.Job
	if item.JobID != "" {
		j, err := s.store.GetJob(ctx, item.JobID)
		if err != nil {
			s.logger.WarnContext(ctx, "load job for completion", "error", err)
		} else {
			job = j
		}
	}
	restartable := job != nil && job.Restartable

	if out.Message != "" && out.Status != model.StatusSuccess && out.Status != model.StatusTemporaryError {
		addMessageOnce(item, messageLevel(out.Status), out.Message)
	}

	if cp, ok := exec.(executor.Checkpointer); ok && (out.Status == model.StatusTemporaryError || (restartable && out.Status.IsFailure())) {
		state, err := cp.SaveCheckpoint(ctx, item.State)
		if err != nil {
			s.logger.WarnContext(ctx, "save checkpoint", "error", err)
		} else {
			item.State = state
			if err := s.store.SaveState(ctx, item.ID, state); err != nil {
				s.logger.WarnContext(ctx, "persist checkpoint", "error", err)
			}
		}
	}

	disp := applyRetryPolicy(item, out, tc, s.config().FailureRetention(), restartable, now)

	if item.JobID != "" {
		u := &jobs.PartitionUpdate{Name: item.Name, Host: s.host, Status: item.Status, At: now}
		if disp == dispositionRetry {
			u.Status = model.StatusTemporaryError
		}
		if out.Message != "" && out.Status != model.StatusSuccess {
			u.Messages = []model.Message{{Level: messageLevel(u.Status), Text: out.Message}}
		}
		if _, err := s.agg.Record(ctx, item.JobID, u); err != nil {
			s.logger.ErrorContext(ctx, "record partition result", "error", err)
		}
	}

	var err error
	if disp == dispositionDelete {
		err = s.store.DeleteWorkItem(ctx, item.ID)
	} else {
		err = s.store.UpdateWorkItem(ctx, item)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "persist work item", "disposition", disp.String(), "error", err)
	}

	s.metrics.RecordCompletion(item.Type, out.Status.String())
	if disp == dispositionRetry {
		s.metrics.RecordRetry(item.Type)
	}
	s.logger.DebugContext(ctx, "work item settled", "status", item.Status.String(), "disposition", disp.String())

	if job != nil && job.TerminateOnError && item.Status == model.StatusError {
		s.logger.WarnContext(ctx, "partition failed, terminating job")
		if _, err := s.TerminateJob(ctx, job.ID); err != nil {
			s.logger.ErrorContext(ctx, "terminate job after error", "error", err)
		}
	}
}

func addMessageOnce(item *model.WorkItem, level model.MessageLevel, text string) {
	for _, m := range item.Messages {
		if m.Text == text {
			return
		}
	}
	item.AddMessage(level, text)
}

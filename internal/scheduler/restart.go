package scheduler

import (
	"context"
	"time"

	"github.com/me/gowq/internal/store"
	"github.com/me/gowq/pkg/model"
)

// RestartJob resets every failed partition of a restartable job and its
// backing WorkItem, deletes WorkItems without a partition and marks the
// job launched again, all under the job lock so the loop cannot relaunch
// a partially reset job. It returns the number of partitions reset.
func (s *Scheduler) RestartJob(ctx context.Context, jobID string) (int, error) {
	cfg := s.config()
	reset := 0

	err := s.store.WithJobLock(ctx, jobID, func(tx store.JobTx, job *model.Job) error {
		if !job.Restartable {
			return store.ErrNotRestartable
		}
		items, err := tx.WorkItemsForJob(ctx, jobID)
		if err != nil {
			return err
		}

		byName := make(map[string]*model.WorkItem, len(items))
		for _, it := range items {
			if _, ok := job.Partitions[it.Name]; !ok {
				s.logger.InfoContext(ctx, "deleting dangling work item", "job_id", jobID, "work_item_id", it.ID, "name", it.Name)
				if err := tx.DeleteWorkItem(ctx, it.ID); err != nil {
					return err
				}
				continue
			}
			byName[it.Name] = it
		}

		now := time.Now().UTC()
		for name, p := range job.Partitions {
			if !p.Failed() {
				continue
			}
			it, ok := byName[name]
			if !ok {
				s.logger.WarnContext(ctx, "failed partition has no work item to restart", "job_id", jobID, "partition", name)
				continue
			}
			it.Reset(cfg.Type(it.Type).HostSpecific)
			it.RestartCount++
			it.RetryCount = 0
			it.AddMessage(model.MessageInfo, "reset by job restart")
			if err := tx.UpdateWorkItem(ctx, it); err != nil {
				return err
			}
			p.Reset()
			p.UpdatedAt = now
			reset++
		}

		if reset == 0 {
			return nil
		}
		job.RestartCount++
		job.CompletedAt = nil
		job.FinalizingAt = nil
		job.FinalizedAt = nil
		job.Status = model.StatusPending
		job.LaunchedAt = &now
		job.Progress = job.ProgressString()
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "job restarted", "job_id", jobID, "partitions_reset", reset)
	if reset > 0 {
		if err := s.notifier.Wake(ctx, ""); err != nil {
			s.logger.WarnContext(ctx, "wake after restart", "error", err)
		}
		s.Wake()
	}
	return reset, nil
}

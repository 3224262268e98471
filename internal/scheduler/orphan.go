package scheduler

import (
	"context"
	"fmt"

	"github.com/me/gowq/internal/jobs"
	"github.com/me/gowq/pkg/model"
)

// RecoverOrphans repairs WorkItems left claimed but incomplete on host by
// a process that died. Depending on the type's orphan action each item is
// reset for another run or deleted. Items running in this process are
// skipped. It returns the number of items recovered.
func (s *Scheduler) RecoverOrphans(ctx context.Context, host string) (int, error) {
	orphans, err := s.store.OrphanedWorkItems(ctx, host)
	if err != nil {
		return 0, fmt.Errorf("list orphans of %s: %w", host, err)
	}

	cfg := s.config()
	n := 0
	for _, item := range orphans {
		if host == s.host && s.isLocal(item.ID) {
			continue
		}
		tc := cfg.Type(item.Type)
		log := s.logger.With("work_item_id", item.ID, "job_id", item.JobID, "orphan_host", host)

		action := model.OrphanReset
		if tc.OrphanAction == model.OrphanDelete {
			action = model.OrphanDelete
			if err := s.deleteOrphan(ctx, item); err != nil {
				log.WarnContext(ctx, "delete orphan", "error", err)
				continue
			}
			log.InfoContext(ctx, "orphan deleted")
		} else {
			if err := s.resetOrphan(ctx, item, tc.HostSpecific, host); err != nil {
				log.WarnContext(ctx, "reset orphan", "error", err)
				continue
			}
			log.InfoContext(ctx, "orphan reset")
		}
		s.metrics.RecordOrphan(string(action))
		n++
	}
	if n > 0 {
		s.Wake()
	}
	return n, nil
}

func (s *Scheduler) resetOrphan(ctx context.Context, item *model.WorkItem, keepHost bool, host string) error {
	msg := fmt.Sprintf("reset after host %s stopped while running it", host)
	item.Reset(keepHost)
	item.AddMessage(model.MessageInfo, msg)
	if err := s.store.UpdateWorkItem(ctx, item); err != nil {
		return err
	}
	if item.JobID == "" {
		return nil
	}
	return s.agg.UpdatePartition(ctx, item.JobID, jobs.PartitionUpdate{
		Name:     item.Name,
		Reset:    true,
		Messages: []model.Message{{Level: model.MessageInfo, Text: msg}},
	})
}

func (s *Scheduler) deleteOrphan(ctx context.Context, item *model.WorkItem) error {
	if err := s.store.DeleteWorkItem(ctx, item.ID); err != nil {
		return err
	}
	if item.JobID == "" {
		return nil
	}

	_, err := s.agg.Record(ctx, item.JobID, &jobs.PartitionUpdate{
		Name:     item.Name,
		Host:     item.Host,
		Status:   model.StatusError,
		Messages: []model.Message{{Level: model.MessageError, Text: "work item deleted after its host stopped while running it"}},
	})
	if err != nil {
		return err
	}

	job, err := s.store.GetJob(ctx, item.JobID)
	if err != nil {
		return err
	}
	if job.TerminateOnError && job.CompletedAt == nil {
		if _, err := s.TerminateJob(ctx, job.ID); err != nil {
			return fmt.Errorf("terminate job %s: %w", job.ID, err)
		}
	}
	return nil
}
